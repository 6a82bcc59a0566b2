package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Options selects where configuration comes from.
type Options struct {
	// File is an explicit config file. When set, Path and Name are ignored
	// and a missing file is an error.
	File string
	Path string
	Name string
	// EnvPrefix namespaces automatic env lookups, e.g. TERMINAL_SERVER_PORT.
	EnvPrefix string
}

// Load reads configuration from a YAML file and environment variables.
// Without an explicit file, a missing config is tolerated and env alone is
// used.
func Load(opts Options) (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		name := opts.Name
		if name == "" {
			name = "config"
		}
		v.SetConfigName(name)
		if opts.Path != "" {
			v.AddConfigPath(opts.Path)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if opts.EnvPrefix != "" {
		v.SetEnvPrefix(opts.EnvPrefix)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File == "" && errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return v, nil
}

// Watch re-reads v's config file whenever it changes on disk and then calls
// onChange. It reports false when v was loaded without a file.
func Watch(v *viper.Viper, onChange func(fsnotify.Event)) bool {
	if v.ConfigFileUsed() == "" {
		return false
	}
	v.OnConfigChange(onChange)
	v.WatchConfig()
	return true
}

// GetEnv returns environment variable value or default.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
