// Package config holds the mkpipe tool settings: flags, MKPIPE_* environment
// variables and the optional ~/.mkpipe.yaml file, resolved through viper.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	jobconfig "github.com/withObsrvr/mkpipe/internal/config"
)

// EnvPrefix prefixes every environment variable viper reads.
const EnvPrefix = "MKPIPE"

// Settings are the tool-level options, independent of any job file.
type Settings struct {
	ProjectPath  string `mapstructure:"project_path"`
	Timezone     string `mapstructure:"timezone"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`
	RedisAddress string `mapstructure:"redis_address"`
	PluginDir    string `mapstructure:"plugin_dir"`
}

// SetDefaults registers the defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("project_path", jobconfig.DefaultProjectPath)
	v.SetDefault("timezone", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("redis_address", "")
	v.SetDefault("plugin_dir", "plugins")
}

// Init wires environment lookups and reads cfgFile, or ~/.mkpipe.yaml when
// cfgFile is empty. A missing default file is not an error.
func Init(v *viper.Viper, cfgFile string) error {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName(".mkpipe")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("reading %s: %w", v.ConfigFileUsed(), err)
	}
	return nil
}

// Load decodes the settings held by v.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ConfigureLogging applies the level and format to the standard logrus logger.
func ConfigureLogging(s Settings) error {
	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}
	logrus.SetLevel(level)

	switch strings.ToLower(s.LogFormat) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", s.LogFormat)
	}
	return nil
}

// LoadOptions converts the settings into job file load options.
func (s Settings) LoadOptions() jobconfig.LoadOptions {
	opts := jobconfig.DefaultLoadOptions()
	if s.ProjectPath != "" {
		opts.ProjectPath = s.ProjectPath
	}
	opts.Timezone = s.Timezone
	return opts
}
