package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-interview/internal/settings"
)

const (
	EnvPrefix = "INTERVIEW_RELAY_"

	DefaultUpstreamURL = "wss://api.openai.com/v1/realtime"
	DefaultModel       = "gpt-4o-realtime-preview-2024-10-01"
	DefaultPort        = 8081
)

type Config struct {
	Addr string `koanf:"addr"`
	// Port mirrors the PORT variable; it only applies when Addr is unset.
	Port     int    `koanf:"port"`
	LogLevel string `koanf:"log_level"`

	// APIKey is the provider credential. It never leaves the relay.
	APIKey       string `koanf:"api_key"`
	UpstreamURL  string `koanf:"upstream_url"`
	DefaultModel string `koanf:"default_model"`

	// Comma separated; empty disables CORS.
	CORSOrigins string `koanf:"cors_origins"`

	MaxConnections     int   `koanf:"max_connections"`
	MaxMessageBytes    int64 `koanf:"max_message_bytes"`
	MaxPendingMessages int   `koanf:"max_pending_messages"`

	// Inbound input_audio_buffer.append budget, in decoded PCM bytes.
	MaxAudioBytesPerSecond int64 `koanf:"max_audio_bytes_per_second"`
	InboundBurstSeconds    int   `koanf:"inbound_burst_seconds"`

	HandshakeTimeout    time.Duration `koanf:"handshake_timeout"`
	PingInterval        time.Duration `koanf:"ping_interval"`
	WriteTimeout        time.Duration `koanf:"write_timeout"`
	ReadHeaderTimeout   time.Duration `koanf:"read_header_timeout"`
	ShutdownGracePeriod time.Duration `koanf:"shutdown_grace_period"`
}

func defaults() map[string]any {
	return map[string]any{
		"log_level":                  "info",
		"upstream_url":               DefaultUpstreamURL,
		"default_model":              DefaultModel,
		"max_connections":            64,
		"max_message_bytes":          int64(1 << 20),
		"max_pending_messages":       256,
		"max_audio_bytes_per_second": int64(96_000),
		"inbound_burst_seconds":      2,
		"handshake_timeout":          10 * time.Second,
		"ping_interval":              20 * time.Second,
		"write_timeout":              5 * time.Second,
		"read_header_timeout":        10 * time.Second,
		"shutdown_grace_period":      30 * time.Second,
	}
}

// Load reads the relay configuration from defaults, the --config file,
// OPENAI_API_KEY and PORT, INTERVIEW_RELAY_* variables and cmd's flags.
func Load(cmd *cobra.Command) (Config, error) {
	var cfg Config
	err := settings.Load(cmd, settings.Source{
		EnvPrefix: EnvPrefix,
		Defaults:  defaults(),
		Aliases: map[string]string{
			"OPENAI_API_KEY": "api_key",
			"PORT":           "port",
		},
	}, &cfg)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	c.Addr = strings.TrimSpace(c.Addr)
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.Addr == "" {
		port := c.Port
		if port == 0 {
			port = DefaultPort
		}
		c.Addr = ":" + strconv.Itoa(port)
	}

	if c.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY must be set")
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%sUPSTREAM_URL must be a ws:// or wss:// URL", EnvPrefix)
	}
	if strings.TrimSpace(c.DefaultModel) == "" {
		return fmt.Errorf("%sDEFAULT_MODEL must not be empty", EnvPrefix)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 0 and 65535")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%sMAX_CONNECTIONS must be > 0", EnvPrefix)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("%sMAX_MESSAGE_BYTES must be > 0", EnvPrefix)
	}
	if c.MaxPendingMessages <= 0 {
		return fmt.Errorf("%sMAX_PENDING_MESSAGES must be > 0", EnvPrefix)
	}
	if c.MaxAudioBytesPerSecond < 0 {
		return fmt.Errorf("%sMAX_AUDIO_BYTES_PER_SECOND must be >= 0", EnvPrefix)
	}
	if c.InboundBurstSeconds < 0 {
		return fmt.Errorf("%sINBOUND_BURST_SECONDS must be >= 0", EnvPrefix)
	}
	if c.MaxAudioBytesPerSecond > 0 && c.InboundBurstSeconds < 1 {
		return fmt.Errorf("%sINBOUND_BURST_SECONDS must be >= 1 when the audio limit is enabled", EnvPrefix)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%sHANDSHAKE_TIMEOUT must be > 0", EnvPrefix)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("%sPING_INTERVAL must be > 0", EnvPrefix)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%sWRITE_TIMEOUT must be > 0", EnvPrefix)
	}
	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("%sREAD_HEADER_TIMEOUT must be > 0", EnvPrefix)
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("%sSHUTDOWN_GRACE_PERIOD must be > 0", EnvPrefix)
	}
	return nil
}

// AllowedOrigins returns the CORS allowlist as a set.
func (c Config) AllowedOrigins() map[string]struct{} {
	out := make(map[string]struct{})
	for _, origin := range splitCSV(c.CORSOrigins) {
		out[origin] = struct{}{}
	}
	return out
}

// RegisterFlags adds the relay's command-line flags to cmd.
func RegisterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String(settings.ConfigFlag, "", "path to a YAML config file")
	f.String("addr", "", "listen address (default :$PORT or :8081)")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.String("upstream-url", DefaultUpstreamURL, "realtime provider websocket URL")
	f.String("default-model", DefaultModel, "model used when the client does not pass ?model=")
	f.String("cors-origins", "", "comma separated browser origins allowed to connect")
	f.Int("max-connections", 64, "maximum concurrent relay connections")
	f.Duration("ping-interval", 20*time.Second, "websocket ping interval")
	f.Duration("shutdown-grace-period", 30*time.Second, "time given to live connections on shutdown")
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
