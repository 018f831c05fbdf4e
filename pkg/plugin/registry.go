package plugin

import (
	"errors"
	"fmt"
	"path/filepath"
	goplugin "plugin"
	"sort"
	"sync"

	"github.com/withObsrvr/mkpipe/internal/config"
)

// ErrUnknownVariant is returned when neither a registered factory nor a
// plugin file provides a variant.
var ErrUnknownVariant = errors.New("unknown variant")

// DefaultPluginDir is searched for <variant>/plugin.so.
const DefaultPluginDir = "plugins"

// Registry maps variant names to factories.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]ExtractorFactory
	loaders    map[string]LoaderFactory
	pluginDir  string

	// open is plugin.Open, swapped in tests.
	open func(path string) (symbolLookup, error)
}

type symbolLookup interface {
	Lookup(name string) (goplugin.Symbol, error)
}

// Default is the process-wide registry populated at startup.
var Default = NewRegistry()

// NewRegistry returns an empty registry that falls back to DefaultPluginDir.
func NewRegistry() *Registry {
	return &Registry{
		extractors: make(map[string]ExtractorFactory),
		loaders:    make(map[string]LoaderFactory),
		pluginDir:  DefaultPluginDir,
		open: func(path string) (symbolLookup, error) {
			return goplugin.Open(path)
		},
	}
}

// SetPluginDir changes where shared-object plugins are looked up.
func (r *Registry) SetPluginDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pluginDir = dir
}

// RegisterExtractor registers f under each of names.
func (r *Registry) RegisterExtractor(f ExtractorFactory, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.extractors[n] = f
	}
}

// RegisterLoader registers f under each of names.
func (r *Registry) RegisterLoader(f LoaderFactory, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.loaders[n] = f
	}
}

// Extractor returns the factory for variant, loading a plugin when nothing
// is registered under that name.
func (r *Registry) Extractor(variant string) (ExtractorFactory, error) {
	r.mu.RLock()
	f, ok := r.extractors[variant]
	r.mu.RUnlock()
	if ok {
		return f, nil
	}

	sym, err := r.lookup(variant, "NewExtractor")
	if err != nil {
		return nil, fmt.Errorf("%w: extractor %q: %v", ErrUnknownVariant, variant, err)
	}
	switch fn := sym.(type) {
	case func(config.ExtractorConfig, Deps) (Extractor, error):
		f = fn
	case *ExtractorFactory:
		f = *fn
	default:
		return nil, fmt.Errorf("extractor plugin %q: NewExtractor has type %T", variant, sym)
	}
	r.RegisterExtractor(f, variant)
	return f, nil
}

// Loader returns the factory for variant, loading a plugin when nothing is
// registered under that name.
func (r *Registry) Loader(variant string) (LoaderFactory, error) {
	r.mu.RLock()
	f, ok := r.loaders[variant]
	r.mu.RUnlock()
	if ok {
		return f, nil
	}

	sym, err := r.lookup(variant, "NewLoader")
	if err != nil {
		return nil, fmt.Errorf("%w: loader %q: %v", ErrUnknownVariant, variant, err)
	}
	switch fn := sym.(type) {
	case func(config.LoaderConfig, Deps) (Loader, error):
		f = fn
	case *LoaderFactory:
		f = *fn
	default:
		return nil, fmt.Errorf("loader plugin %q: NewLoader has type %T", variant, sym)
	}
	r.RegisterLoader(f, variant)
	return f, nil
}

func (r *Registry) lookup(variant, symbol string) (goplugin.Symbol, error) {
	r.mu.RLock()
	path := filepath.Join(r.pluginDir, variant, "plugin.so")
	r.mu.RUnlock()

	p, err := r.open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin %s: %w", path, err)
	}
	sym, err := p.Lookup(symbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s does not export %s: %w", path, symbol, err)
	}
	return sym, nil
}

// NewExtractor builds the extractor for variant.
func (r *Registry) NewExtractor(variant string, cfg config.ExtractorConfig, deps Deps) (Extractor, error) {
	f, err := r.Extractor(variant)
	if err != nil {
		return nil, err
	}
	return f(cfg, deps)
}

// NewLoader builds the loader for variant.
func (r *Registry) NewLoader(variant string, cfg config.LoaderConfig, deps Deps) (Loader, error) {
	f, err := r.Loader(variant)
	if err != nil {
		return nil, err
	}
	return f(cfg, deps)
}

// Variants lists the registered extractor and loader names, sorted.
func (r *Registry) Variants() (extractors, loaders []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k := range r.extractors {
		extractors = append(extractors, k)
	}
	for k := range r.loaders {
		loaders = append(loaders, k)
	}
	sort.Strings(extractors)
	sort.Strings(loaders)
	return extractors, loaders
}
