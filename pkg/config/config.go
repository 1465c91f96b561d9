// Package config loads this client's static configuration: which mechanism
// to speak, where its upcall daemon lives, cache/reclaim tunables, and the
// ambient logging/metrics settings, layered as viper + mapstructure + yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the RPCSEC_GSS client's static configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (GSSAUTH_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Mechanism selects the GSS mechanism this client speaks. Only "krb5"
	// is currently implemented.
	Mechanism string `mapstructure:"mechanism" validate:"required,oneof=krb5" yaml:"mechanism"`

	// Upcall configures the broker's daemon connection.
	Upcall UpcallConfig `mapstructure:"upcall" yaml:"upcall"`

	// Cache configures the credential cache's housekeeping.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Reclaim configures the deferred SecCtx reclaimer's grace period.
	Reclaim ReclaimConfig `mapstructure:"reclaim" yaml:"reclaim"`

	// RetryDelay is expired_cred_retry_delay: how long a NEGATIVE cred
	// serves its cooldown before the next upcall is attempted.
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"required,gt=0" yaml:"retry_delay"`

	// Kerberos contains krb5-specific settings consulted by the mechanism
	// when establishing and importing contexts.
	Kerberos KerberosConfig `mapstructure:"kerberos" yaml:"kerberos"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// UpcallConfig configures how the broker reaches its upcall daemon.
type UpcallConfig struct {
	// SocketPath is a Unix-domain-socket path for an out-of-process upcall
	// daemon. Nothing in this module listens on or dials it; cmd/gssauthctl
	// runs its daemon in-process.
	SocketPath string `mapstructure:"socket_path" yaml:"socket_path"`

	// PreferredVersion is 0 or 1. It is validated on load but nothing in
	// this module reads it: the broker uses whichever pipe version the
	// daemon opened.
	PreferredVersion int `mapstructure:"preferred_version" validate:"oneof=0 1" yaml:"preferred_version"`
}

// CacheConfig configures credcache.Cache's housekeeping.
type CacheConfig struct {
	// CleanupInterval is how often expired entries are swept.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"required,gt=0" yaml:"cleanup_interval"`
}

// ReclaimConfig configures the deferred SecCtx reclaimer.
type ReclaimConfig struct {
	// GracePeriod is how long a zero-refcount SecCtx is held before its
	// mechanism resources are actually freed, absorbing racing readers
	// that loaded the old pointer just before a refresh swap.
	GracePeriod time.Duration `mapstructure:"grace_period" validate:"required,gt=0" yaml:"grace_period"`

	// SweepInterval is how often the reclaimer checks pending entries.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required,gt=0" yaml:"sweep_interval"`
}

// KerberosConfig contains krb5-specific settings.
//
// Override: GSSAUTH_KERBEROS_CLIENT_KEYTAB_PATH, GSSAUTH_KERBEROS_CLIENT_PRINCIPAL.
type KerberosConfig struct {
	// ClientKeytabPath is the path to the client's keytab, if
	// authenticating non-interactively rather than from a ticket cache.
	ClientKeytabPath string `mapstructure:"client_keytab_path" yaml:"client_keytab_path"`

	// ClientPrincipal is this client's Kerberos principal name.
	ClientPrincipal string `mapstructure:"client_principal" yaml:"client_principal"`

	// Krb5Conf is the path to the Kerberos configuration file.
	// Default: /etc/krb5.conf
	Krb5Conf string `mapstructure:"krb5_conf" yaml:"krb5_conf"`

	// MaxClockSkew is the maximum allowed clock difference between client
	// and server/KDC; Kerberos requires synchronized clocks.
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew" yaml:"max_clock_skew"`
}

// MetricsConfig controls the optional Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// Load reads configuration from the given path (or the default location if
// empty), applies GSSAUTH_-prefixed environment overrides, fills defaults,
// and validates the result. When no config file is found it returns
// GetDefaultConfig() as is, without environment overrides or validation.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration, returning a user-friendly error pointing at
// the default config location when no file is found there and none was
// specified explicitly.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"initialize one first, or pass --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path in YAML form with restricted permissions
// (config may reference keytab paths and principal names).
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate runs struct-tag validation over cfg using go-playground/validator.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("GSSAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// durationDecodeHook converts strings and raw numbers to time.Duration so
// config files can use human-readable durations like "30s" or "5m".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "gssauth")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "gssauth")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
