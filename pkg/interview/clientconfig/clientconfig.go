// Package clientconfig loads the candidate client's settings.
package clientconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/vango-go/vai-interview/internal/settings"
	"github.com/vango-go/vai-interview/pkg/interview/questions"
	"github.com/vango-go/vai-interview/pkg/interview/session"
	"github.com/vango-go/vai-interview/pkg/interview/sheets"
	"github.com/vango-go/vai-interview/pkg/interview/uplink"
	"github.com/vango-go/vai-interview/pkg/realtime/protocol"
	"github.com/vango-go/vai-interview/pkg/realtime/transport"
)

const EnvPrefix = "INTERVIEW_CLIENT_"

type Config struct {
	RelayURL string `koanf:"relay_url"`
	// Model is forwarded as ?model=; empty lets the relay pick.
	Model    string `koanf:"model"`
	LogLevel string `koanf:"log_level"`

	Voice         string `koanf:"voice"`
	TurnDetection string `koanf:"turn_detection"`
	// Instructions overrides the interviewer persona.
	Instructions string `koanf:"instructions"`

	// Question, when set, is opened as soon as the client starts.
	Question string `koanf:"question"`

	CodeFile       string        `koanf:"code_file"`
	TranscriptOut  string        `koanf:"transcript_out"`
	UplinkCooldown time.Duration `koanf:"uplink_cooldown"`

	SheetURL      string        `koanf:"sheet_url"`
	SheetSchedule string        `koanf:"sheet_schedule"`
	SheetTimeout  time.Duration `koanf:"sheet_timeout"`
}

func defaults() map[string]any {
	return map[string]any{
		"relay_url":       transport.DefaultRelayURL,
		"log_level":       "info",
		"voice":           session.DefaultVoice,
		"turn_detection":  protocol.TurnDetectionServerVAD,
		"uplink_cooldown": uplink.DefaultCooldown,
		"sheet_schedule":  sheets.DefaultSchedule,
		"sheet_timeout":   sheets.DefaultTimeout,
	}
}

// Load reads defaults, the --config file, INTERVIEW_CLIENT_* variables and
// cmd's flags, in that order of precedence.
func Load(cmd *cobra.Command) (Config, error) {
	var cfg Config
	if err := settings.Load(cmd, settings.Source{EnvPrefix: EnvPrefix, Defaults: defaults()}, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	c.RelayURL = strings.TrimSpace(c.RelayURL)
	c.Question = strings.ToLower(strings.TrimSpace(c.Question))

	if _, err := transport.WebSocketURL(c.RelayURL, c.Model); err != nil {
		return fmt.Errorf("%sRELAY_URL: %w", EnvPrefix, err)
	}
	switch c.TurnDetection {
	case protocol.TurnDetectionServerVAD, protocol.TurnDetectionNone:
	default:
		return fmt.Errorf("%sTURN_DETECTION must be %q or %q", EnvPrefix, protocol.TurnDetectionServerVAD, protocol.TurnDetectionNone)
	}
	if c.Question != "" {
		if _, err := questions.Lookup(questions.Type(c.Question)); err != nil {
			return fmt.Errorf("%sQUESTION: %w", EnvPrefix, err)
		}
	}
	if c.UplinkCooldown <= 0 {
		return fmt.Errorf("%sUPLINK_COOLDOWN must be > 0", EnvPrefix)
	}
	if c.SheetURL != "" {
		if _, err := cron.ParseStandard(c.SheetSchedule); err != nil {
			return fmt.Errorf("%sSHEET_SCHEDULE: %w", EnvPrefix, err)
		}
		if c.SheetTimeout <= 0 {
			return fmt.Errorf("%sSHEET_TIMEOUT must be > 0", EnvPrefix)
		}
	}
	return nil
}

// SessionConfig maps the client settings onto the session's parameters.
func (c Config) SessionConfig() session.Config {
	instructions := strings.TrimSpace(c.Instructions)
	if instructions == "" {
		instructions = questions.Instructions
	}
	return session.Config{
		Instructions:  instructions,
		Voice:         c.Voice,
		TurnDetection: c.TurnDetection,
	}
}

// RegisterFlags adds the client's command-line flags to cmd.
func RegisterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String(settings.ConfigFlag, "", "path to a YAML config file")
	f.String("relay-url", transport.DefaultRelayURL, "relay address (http, https, ws or wss)")
	f.String("model", "", "realtime model requested from the relay")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.String("voice", session.DefaultVoice, "interviewer voice")
	f.String("turn-detection", protocol.TurnDetectionServerVAD, "server_vad or none (push-to-talk via say)")
	f.String("question", "", "open this question at start: lbo, coding or financial")
	f.String("code-file", "", "file holding the candidate's code, read at every turn boundary")
	f.String("transcript-out", "", "write the conversation as JSON here on exit")
	f.String("sheet-url", "", "spreadsheet endpoint polled during the financial question")
	f.String("sheet-schedule", sheets.DefaultSchedule, "spreadsheet poll schedule (cron or @every)")
}
