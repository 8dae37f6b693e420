package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
// Zero values are replaced, explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applySessionsDefaults(&cfg.Sessions)
	applyRemoteDefaults(&cfg.Remote)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
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

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = ":3000"
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = 1 << 30 // 1 GiB
	}
}

func applySessionsDefaults(cfg *SessionsConfig) {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
}

func applyRemoteDefaults(cfg *RemoteConfig) {
	if len(cfg.Protocols) == 0 {
		cfg.Protocols = []string{"ftp", "sftp"}
	}
	for i, p := range cfg.Protocols {
		cfg.Protocols[i] = strings.ToLower(strings.TrimSpace(p))
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.TransferTimeout == 0 {
		cfg.TransferTimeout = 30 * time.Minute
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
}

// GetDefaultConfig returns the configuration used when nothing is set.
// max_sessions and idle_timeout are not zero filled by ApplyDefaults, zero disables them.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Sessions: SessionsConfig{
			MaxSessions: 100,
			IdleTimeout: 15 * time.Minute,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
