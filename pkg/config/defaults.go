package config

import (
	"strings"
	"time"
)

// ApplyDefaults fills any zero-valued fields in cfg with sensible defaults.
// Explicit values loaded from file or environment are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyUpcallDefaults(&cfg.Upcall)
	applyCacheDefaults(&cfg.Cache)
	applyReclaimDefaults(&cfg.Reclaim)
	applyKerberosDefaults(&cfg.Kerberos)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.Mechanism == "" {
		cfg.Mechanism = "krb5"
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyUpcallDefaults(cfg *UpcallConfig) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/run/gssauthd/upcall.sock"
	}
	// PreferredVersion's zero value (0) is itself a valid pipe version,
	// so no substitution is needed here.
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
}

func applyReclaimDefaults(cfg *ReclaimConfig) {
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 500 * time.Millisecond
	}
}

func applyKerberosDefaults(cfg *KerberosConfig) {
	if cfg.Krb5Conf == "" {
		cfg.Krb5Conf = "/etc/krb5.conf"
	}
	if cfg.MaxClockSkew == 0 {
		cfg.MaxClockSkew = 5 * time.Minute
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:9091"
	}
}

// GetDefaultConfig returns a fully-defaulted Config, used when no
// configuration file is found.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
