package config

import "github.com/spf13/viper"

// Version is stamped at build time via -ldflags "-X ...config.Version=v1.2.3".
var Version = "dev"

// Config holds all runtime configuration for the gateway.
type Config struct {
	Port              int
	MaxSessions       int
	SessionTimeout    int // idle seconds before an Idle session is closed
	StreamTimeout     int // hard stall ceiling in seconds
	CleanupTimeout    int // reap budget in seconds after SIGKILL
	MaxBufferSize     int // per-session outbound backlog cap, bytes
	LogLevel          string
	HistoryBackendURL string // SQLite path/DSN; empty disables history
	HooksConfig       string // path to the hook spec JSON file; empty disables hooks
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/gatewayd).
func Load() Config {
	return Config{
		Port:              viper.GetInt("port"),
		MaxSessions:       viper.GetInt("max_sessions"),
		SessionTimeout:    viper.GetInt("session_timeout"),
		StreamTimeout:     viper.GetInt("stream_timeout"),
		CleanupTimeout:    viper.GetInt("cleanup_timeout"),
		MaxBufferSize:     viper.GetInt("max_buffer_size"),
		LogLevel:          viper.GetString("log_level"),
		HistoryBackendURL: viper.GetString("history_backend_url"),
		HooksConfig:       viper.GetString("hooks_config"),
	}
}
