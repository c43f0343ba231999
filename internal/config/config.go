// Package config loads groupd configuration from flags, environment,
// and config file.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Server        ServerConfig        `mapstructure:"server"`
	Account       AccountConfig       `mapstructure:"account"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Storage       StorageConfig       `mapstructure:"storage"`
}

// ServerConfig locates the group storage service.
type ServerConfig struct {
	URL                 string `mapstructure:"url"`
	CredentialCacheSize int    `mapstructure:"credential_cache_size"`
}

// AccountConfig identifies the local account.
type AccountConfig struct {
	// ServiceID is the account's stable service identifier (UUID).
	ServiceID string `mapstructure:"service_id"`
	// ProfileKey is the account's profile key, base64-encoded.
	ProfileKey string `mapstructure:"profile_key"`
}

type StorageConfig struct {
	Groups  BackendConfig `mapstructure:"groups"`
	Avatars BackendConfig `mapstructure:"avatars"`
}

type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// DefaultDataDir returns the default data directory (~/.groupd).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".groupd"
	}
	return filepath.Join(home, ".groupd")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("server.url", "https://groups.quietwire.org")
	v.SetDefault("server.credential_cache_size", 64)

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "text")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "groupd")
	v.SetDefault("observability.service_version", "dev")

	v.SetDefault("storage.groups.backend", "badger")
	v.SetDefault("storage.avatars.backend", "fs")
}

// BindServeFlags binds cobra flags to viper for the serve command.
func BindServeFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("data-dir", "", "data directory (default ~/.groupd)")
	f.String("server-url", "", "group storage service URL")
	f.String("config", "", "config file path")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")
	f.String("metrics-addr", "", "metrics HTTP listen address")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("server.url", f.Lookup("server-url"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
}

// Load reads config from flags, env, and file, returning the merged Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("GROUPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("groupd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.groupd")
		v.AddConfigPath("/etc/groupd")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
