package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Sessions SessionsSection `toml:"sessions"`
	Channels ChannelsSection `toml:"channels"`
	Logging  LoggingSection  `toml:"logging"`
}

type ServerSection struct {
	BindAddress string `toml:"bind_address"`
	TCPPort     int    `toml:"tcp_port"`
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
	AdminPort   int    `toml:"admin_port"`
	AdminToken  string `toml:"admin_token"`
	ServerName  string `toml:"server_name"`
}

type LimitsSection struct {
	MinNicknameLength    int `toml:"min_nickname_length"`
	MaxNicknameLength    int `toml:"max_nickname_length"`
	MaxChannelNameLength int `toml:"max_channel_name_length"`
	MaxLineLength        int `toml:"max_line_length"`
	MessageRateLimit     int `toml:"message_rate_limit"`
	MessageBurst         int `toml:"message_burst"`
	WriteTimeoutSeconds  int `toml:"write_timeout_seconds"`
}

type SessionsSection struct {
	IdleTimeoutSeconds    int `toml:"idle_timeout_seconds"`
	ReaperIntervalSeconds int `toml:"reaper_interval_seconds"`
	ReconnectGraceSeconds int `toml:"reconnect_grace_seconds"`
	AcceptTimeoutMs       int `toml:"accept_timeout_ms"`
}

type ChannelsSection struct {
	DefaultChannel string   `toml:"default_channel"`
	HistorySize    int      `toml:"history_size"`
	SeedChannels   []string `toml:"seed_channels"`
}

type LoggingSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:     6465,
			HTTPPort:    8080,
			MetricsPort: 9090,
			AdminPort:   8081,
			ServerName:  "Chat Server",
		},
		Limits: LimitsSection{
			MinNicknameLength:    2,
			MaxNicknameLength:    20,
			MaxChannelNameLength: 32,
			MaxLineLength:        4096,
			MessageRateLimit:     10,
			MessageBurst:         20,
			WriteTimeoutSeconds:  5,
		},
		Sessions: SessionsSection{
			IdleTimeoutSeconds:    120,
			ReaperIntervalSeconds: 30,
			ReconnectGraceSeconds: 300,
			AcceptTimeoutMs:       1000,
		},
		Channels: ChannelsSection{
			DefaultChannel: "general",
			HistorySize:    20,
			SeedChannels:   []string{"general"},
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "console",
		},
	}
}

// ExpandPath expands a leading ~/ to the user's home directory
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still leaves us with usable defaults
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	// Start from defaults so keys missing in the file keep their default value
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: RELAYCHAT_SECTION_KEY
// Example: RELAYCHAT_SERVER_TCP_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envString("RELAYCHAT_SERVER_BIND_ADDRESS", &config.Server.BindAddress)
	envInt("RELAYCHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("RELAYCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("RELAYCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envInt("RELAYCHAT_SERVER_ADMIN_PORT", &config.Server.AdminPort)
	envString("RELAYCHAT_SERVER_ADMIN_TOKEN", &config.Server.AdminToken)

	// SERVER_NAME is the legacy spelling, the prefixed form wins
	envString("SERVER_NAME", &config.Server.ServerName)
	envString("RELAYCHAT_SERVER_SERVER_NAME", &config.Server.ServerName)

	envInt("RELAYCHAT_LIMITS_MIN_NICKNAME_LENGTH", &config.Limits.MinNicknameLength)
	envInt("RELAYCHAT_LIMITS_MAX_NICKNAME_LENGTH", &config.Limits.MaxNicknameLength)
	envInt("RELAYCHAT_LIMITS_MAX_CHANNEL_NAME_LENGTH", &config.Limits.MaxChannelNameLength)
	envInt("RELAYCHAT_LIMITS_MAX_LINE_LENGTH", &config.Limits.MaxLineLength)
	envInt("RELAYCHAT_LIMITS_MESSAGE_RATE_LIMIT", &config.Limits.MessageRateLimit)
	envInt("RELAYCHAT_LIMITS_MESSAGE_BURST", &config.Limits.MessageBurst)
	envInt("RELAYCHAT_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)

	envInt("RELAYCHAT_SESSIONS_IDLE_TIMEOUT_SECONDS", &config.Sessions.IdleTimeoutSeconds)
	envInt("RELAYCHAT_SESSIONS_REAPER_INTERVAL_SECONDS", &config.Sessions.ReaperIntervalSeconds)
	envInt("RELAYCHAT_SESSIONS_RECONNECT_GRACE_SECONDS", &config.Sessions.ReconnectGraceSeconds)
	envInt("RELAYCHAT_SESSIONS_ACCEPT_TIMEOUT_MS", &config.Sessions.AcceptTimeoutMs)

	envString("RELAYCHAT_CHANNELS_DEFAULT_CHANNEL", &config.Channels.DefaultChannel)
	envInt("RELAYCHAT_CHANNELS_HISTORY_SIZE", &config.Channels.HistorySize)
	if val := os.Getenv("RELAYCHAT_CHANNELS_SEED_CHANNELS"); val != "" {
		// Comma-separated list of channel names
		var seeds []string
		for _, name := range strings.Split(val, ",") {
			if name = strings.TrimSpace(name); name != "" {
				seeds = append(seeds, name)
			}
		}
		config.Channels.SeedChannels = seeds
	}

	envString("RELAYCHAT_LOGGING_LEVEL", &config.Logging.Level)
	envString("RELAYCHAT_LOGGING_FORMAT", &config.Logging.Format)

	return config
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Relaychat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# RELAYCHAT_SECTION_KEY (e.g., RELAYCHAT_SERVER_TCP_PORT=7000)

[server]
# Interface to bind, empty means all interfaces
bind_address = ""

# Port for the line protocol over TCP
tcp_port = 6465

# Port for the WebSocket transport (/ws), 0 disables
http_port = 8080

# Port for /metrics and /health, 0 disables (internal only, never expose publicly!)
metrics_port = 9090

# Port for the admin API, disabled unless admin_token is set
admin_port = 8081
# admin_token = "change-me"

# Display name reported by /health and the admin API
server_name = "Chat Server"

[limits]
# Nickname length bounds in characters
min_nickname_length = 2
max_nickname_length = 20

# Maximum channel name length in characters
max_channel_name_length = 32

# Maximum length of one protocol line in bytes
max_line_length = 4096

# Chat messages and DMs per second per session, 0 disables
message_rate_limit = 10
message_burst = 20

# Seconds a single socket write may block before the peer is dropped
write_timeout_seconds = 5

[sessions]
# Sessions idle longer than this are disconnected
idle_timeout_seconds = 120

# How often the idle reaper runs
reaper_interval_seconds = 30

# How long a dropped nickname may reclaim its previous channel, 0 disables
reconnect_grace_seconds = 300

# Accept deadline, bounds how quickly shutdown interrupts the listener
accept_timeout_ms = 1000

[channels]
# Channel every new session lands in, cannot be deleted
default_channel = "general"

# Messages kept per channel for replay on join
history_size = 20

# Channels created at startup
seed_channels = ["general"]

[logging]
# debug, info, warn, error
level = "info"

# console or json
format = "console"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.BindAddress = strings.TrimSpace(c.Server.BindAddress)
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	// 0 is meaningful for the HTTP listeners (disabled)
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort
	cfg.AdminPort = c.Server.AdminPort
	cfg.AdminToken = c.Server.AdminToken
	if strings.TrimSpace(c.Server.ServerName) != "" {
		cfg.ServerName = c.Server.ServerName
	}

	if c.Limits.MinNicknameLength > 0 {
		cfg.MinNicknameLength = c.Limits.MinNicknameLength
	}
	if c.Limits.MaxNicknameLength > 0 {
		cfg.MaxNicknameLength = c.Limits.MaxNicknameLength
	}
	if c.Limits.MaxChannelNameLength > 0 {
		cfg.MaxChannelNameLength = c.Limits.MaxChannelNameLength
	}
	if c.Limits.MaxLineLength > 0 {
		cfg.MaxLineLength = c.Limits.MaxLineLength
	}
	if c.Limits.MessageRateLimit >= 0 {
		cfg.MessageRateLimit = c.Limits.MessageRateLimit
	}
	if c.Limits.MessageBurst > 0 {
		cfg.MessageBurst = c.Limits.MessageBurst
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}

	if c.Sessions.IdleTimeoutSeconds > 0 {
		cfg.IdleTimeout = time.Duration(c.Sessions.IdleTimeoutSeconds) * time.Second
	}
	if c.Sessions.ReaperIntervalSeconds > 0 {
		cfg.ReaperInterval = time.Duration(c.Sessions.ReaperIntervalSeconds) * time.Second
	}
	if c.Sessions.ReconnectGraceSeconds >= 0 {
		cfg.ReconnectGrace = time.Duration(c.Sessions.ReconnectGraceSeconds) * time.Second
	}
	if c.Sessions.AcceptTimeoutMs > 0 {
		cfg.AcceptTimeout = time.Duration(c.Sessions.AcceptTimeoutMs) * time.Millisecond
	}

	if strings.TrimSpace(c.Channels.DefaultChannel) != "" {
		cfg.DefaultChannel = strings.TrimSpace(c.Channels.DefaultChannel)
	}
	if c.Channels.HistorySize > 0 {
		cfg.HistorySize = c.Channels.HistorySize
	}
	if len(c.Channels.SeedChannels) > 0 {
		cfg.SeedChannels = append([]string(nil), c.Channels.SeedChannels...)
	}

	return cfg
}
