package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/mkpipe/pkg/manifest"
)

// LoadOptions tune Load.
type LoadOptions struct {
	// ProjectPath is the directory for local manifests.
	ProjectPath string
	// Timezone replaces the UTC default when settings leave it empty.
	Timezone string
	// ExpandEnvVars substitutes ${VAR} and ${VAR:-default} before parsing.
	ExpandEnvVars bool
}

// DefaultLoadOptions returns the options used by the CLI.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		ProjectPath:   DefaultProjectPath,
		ExpandEnvVars: true,
	}
}

// LoadResult is a validated document plus the warnings found on the way.
type LoadResult struct {
	Document *Document
	Warnings []string
}

// Load reads, expands, parses, defaults and validates the job file at path.
func Load(path string, opts LoadOptions) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	result, err := LoadBytes(data, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	result.Document.SourceFile = path
	return result, nil
}

// LoadBytes is Load for an in-memory document.
func LoadBytes(data []byte, opts LoadOptions) (*LoadResult, error) {
	doc, err := Parse(data, opts)
	if err != nil {
		return nil, err
	}

	res := Validate(doc)
	if res.HasErrors() {
		return nil, res.Err()
	}
	return &LoadResult{Document: doc, Warnings: res.Warnings}, nil
}

// Parse decodes the environment block selected by default_environment and
// applies defaults, without validating.
func Parse(data []byte, opts LoadOptions) (*Document, error) {
	if opts.ExpandEnvVars {
		data = ExpandEnv(data)
	}

	var root map[string]yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrap(err, "parsing YAML")
	}
	if len(root) == 0 {
		return nil, errors.New("config document is empty")
	}

	env := DefaultEnvironment
	if n, ok := root["default_environment"]; ok {
		if err := n.Decode(&env); err != nil {
			return nil, errors.Wrap(err, "decoding default_environment")
		}
	}

	doc := &Document{}
	if block, ok := root[env]; ok && block.Kind == yaml.MappingNode {
		if err := block.Decode(doc); err != nil {
			return nil, errors.Wrapf(err, "decoding environment %q", env)
		}
		doc.Environment = env
	} else if isFlat(root) {
		if err := yaml.Unmarshal(data, doc); err != nil {
			return nil, errors.Wrap(err, "decoding config")
		}
	} else {
		return nil, fmt.Errorf("environment %q not found in config", env)
	}

	doc.ProjectPath = opts.ProjectPath
	if doc.ProjectPath == "" {
		doc.ProjectPath = DefaultProjectPath
	}
	ApplyDefaults(&doc.Settings, opts.Timezone)
	return doc, nil
}

func isFlat(root map[string]yaml.Node) bool {
	for _, k := range []string{"jobs", "extractors", "loaders", "connections", "settings"} {
		if _, ok := root[k]; ok {
			return true
		}
	}
	return false
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} with the variable's value and ${VAR:-def} with
// def when VAR is unset or empty. Bare $VAR is left alone.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v := os.Getenv(string(sub[1])); v != "" {
			return []byte(v)
		}
		if len(sub[2]) > 0 {
			return bytes.Clone(sub[3])
		}
		return nil
	})
}

// ManifestConfig resolves where the manifest for this document lives.
func (d *Document) ManifestConfig() (manifest.Config, error) {
	ms := d.Settings.Manifest
	cfg := manifest.Config{
		Backend:    ms.Backend,
		Table:      ms.Table,
		StaleAfter: ms.StaleAfter,
		Retry:      ms.Retry,
	}
	if cfg.Backend == "" {
		cfg.Backend = DefaultManifestBackend
	}

	var conn *ConnectionParams
	if ms.ConnectionRef != "" {
		c, ok := d.Connections[ms.ConnectionRef]
		if !ok {
			return cfg, fmt.Errorf("manifest connection_ref %q not found in connections", ms.ConnectionRef)
		}
		conn = &c
	}

	switch cfg.Backend {
	case manifest.BackendPostgres:
		if conn == nil {
			return cfg, errors.New("manifest backend postgres requires settings.manifest.connection_ref")
		}
		cfg.DSN = conn.PostgresDSN()
	case manifest.BackendSQLite:
		cfg.DSN = filepath.Join(d.ProjectPath, DefaultManifestFileName)
		if conn != nil {
			cfg.DSN = firstNonEmpty(conn.DSN, conn.Path, cfg.DSN)
		}
	case manifest.BackendFile:
		cfg.DSN = filepath.Join(d.ProjectPath, DefaultManifestJSONFileName)
		if conn != nil {
			cfg.DSN = firstNonEmpty(conn.Path, cfg.DSN)
		}
	default:
		return cfg, fmt.Errorf("unsupported manifest backend: %s", cfg.Backend)
	}
	return cfg, nil
}

// RedisEndpoint is where the distributed coordinator queues work.
type RedisEndpoint struct {
	Addr     string
	Password string
	DB       int
	URL      string
}

// DispatchEndpoint resolves settings.dispatch.connection_ref, falling back to
// addr when no reference is configured.
func (d *Document) DispatchEndpoint(addr string) (RedisEndpoint, error) {
	ref := d.Settings.Dispatch.ConnectionRef
	if ref == "" {
		if addr == "" {
			return RedisEndpoint{}, errors.New("no dispatch connection_ref and no redis address configured")
		}
		return RedisEndpoint{Addr: addr}, nil
	}
	c, ok := d.Connections[ref]
	if !ok {
		return RedisEndpoint{}, fmt.Errorf("dispatch connection_ref %q not found in connections", ref)
	}
	if c.URI != "" {
		return RedisEndpoint{URL: c.URI}, nil
	}
	host := firstNonEmpty(c.Host, "localhost")
	port := c.Port
	if port == 0 {
		port = DefaultRedisPort
	}
	ep := RedisEndpoint{Addr: fmt.Sprintf("%s:%d", host, port), Password: c.Password}
	if c.Database != "" {
		if _, err := fmt.Sscanf(c.Database, "%d", &ep.DB); err != nil {
			return RedisEndpoint{}, fmt.Errorf("dispatch connection %q: database must be a number: %w", ref, err)
		}
	}
	return ep, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
