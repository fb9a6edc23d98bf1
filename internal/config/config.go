package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config captures all tunable settings for the chatrelay server.
// Values come from defaults, then an optional YAML file, then environment
// variables (the envconfig tags name the variables).
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Browser BrowserConfig `yaml:"browser"`
	Chat    ChatConfig    `yaml:"chat"`
	Queue   QueueConfig   `yaml:"queue"`
}

type ServerConfig struct {
	// Listening port for the HTTP API.
	Port int `yaml:"port" envconfig:"PORT"`
	// Shared secret for POST /chat. Empty disables the check.
	APISecret string `yaml:"api_secret" envconfig:"API_SECRET"`
	// When true, /chat tries to parse the scraped answer as a JSON object
	// and returns it directly, wrapping non-JSON as {"response": raw}.
	StructuredAnswers bool `yaml:"structured_answers" envconfig:"STRUCTURED_ANSWERS"`
	// Logging level: debug | info | warn | error.
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// BrowserConfig configures how Chrome is launched and where session state
// and diagnostics land on disk.
type BrowserConfig struct {
	// Optional explicit Chrome binary path.
	Bin string `yaml:"bin" envconfig:"CHROME_BIN"`
	// Headless controls whether Chrome runs headless (default: true).
	Headless *bool `yaml:"headless" envconfig:"HEADLESS"`
	// UserAgent override. A real desktop UA reduces bot-detection signals.
	UserAgent      string `yaml:"user_agent" envconfig:"USER_AGENT"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
	// SessionFile is where cookies + localStorage are persisted.
	SessionFile string `yaml:"session_file" envconfig:"SESSION_FILE"`
	// SnapshotDir receives diagnostic screenshots and page dumps.
	SnapshotDir string `yaml:"snapshot_dir" envconfig:"SNAPSHOT_DIR"`
	// TraceDir receives rotating JSONL traces of request lifecycles.
	TraceDir string `yaml:"trace_dir" envconfig:"TRACE_DIR"`
	// ReconnectDelay is the fixed pause before every reinitialization
	// attempt after a disconnect (e.g., "5s"). Retries are unbounded.
	ReconnectDelay string `yaml:"reconnect_delay" envconfig:"RECONNECT_DELAY"`
}

// ChatConfig describes the scraped application: where it lives, which DOM
// selectors drive it, and the timeout budget for each interaction step.
type ChatConfig struct {
	// TargetURL is the conversational web app being scraped.
	TargetURL string `yaml:"target_url" envconfig:"TARGET_URL"`

	// Selector overrides for the interaction protocol.
	InputSelector   string `yaml:"input_selector" envconfig:"INPUT_SELECTOR"`
	SubmitSelector  string `yaml:"submit_selector" envconfig:"SUBMIT_SELECTOR"`
	StopSelector    string `yaml:"stop_selector" envconfig:"STOP_SELECTOR"`
	MessageSelector string `yaml:"message_selector" envconfig:"MESSAGE_SELECTOR"`
	ContentSelector string `yaml:"content_selector" envconfig:"CONTENT_SELECTOR"`

	// Distinct timeout budgets per step (duration strings).
	NavigationTimeout string `yaml:"navigation_timeout" envconfig:"NAVIGATION_TIMEOUT"`
	ElementTimeout    string `yaml:"element_timeout" envconfig:"ELEMENT_TIMEOUT"`
	ResponseTimeout   string `yaml:"response_timeout" envconfig:"RESPONSE_TIMEOUT"`
	// IndicatorGrace is how long to wait for the in-progress indicator to
	// appear before falling back to a fixed settle delay.
	IndicatorGrace string `yaml:"indicator_grace" envconfig:"INDICATOR_GRACE"`
	// SettleDelay is the short pause after inserting the prompt.
	SettleDelay string `yaml:"settle_delay"`
	// FallbackSettle is the fixed wait used when the indicator never shows.
	FallbackSettle string `yaml:"fallback_settle"`

	// MaxPromptLen bounds inbound prompts; longer ones get a 400.
	MaxPromptLen int `yaml:"max_prompt_len" envconfig:"MAX_PROMPT_LEN"`
}

type QueueConfig struct {
	// Cooldown is the fixed pause between consecutive prompts, to avoid
	// tripping anti-automation rate limiting on the scraped service.
	Cooldown string `yaml:"cooldown" envconfig:"QUEUE_COOLDOWN"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:     8080,
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			ViewportWidth:  1280,
			ViewportHeight: 900,
			SessionFile:    "data/session.json",
			SnapshotDir:    "data/snapshots",
			TraceDir:       "data/traces",
			ReconnectDelay: "5s",
		},
		Chat: ChatConfig{
			InputSelector:     "#prompt-textarea",
			SubmitSelector:    "button[data-testid='send-button']",
			StopSelector:      "button[data-testid='stop-button']",
			MessageSelector:   "[data-message-author-role='assistant']",
			ContentSelector:   ".markdown",
			NavigationTimeout: "30s",
			ElementTimeout:    "15s",
			ResponseTimeout:   "120s",
			IndicatorGrace:    "5s",
			SettleDelay:       "500ms",
			FallbackSettle:    "8s",
			MaxPromptLen:      4000,
		},
		Queue: QueueConfig{
			Cooldown: "2s",
		},
	}
}

// Load overlays defaults with an optional YAML file and then environment
// variables, and validates the result. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("apply env overrides: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate ensures required fields exist so the server can start
// deterministically.
func (c *Config) Validate() error {
	if c.Chat.TargetURL == "" {
		return errors.New("chat.target_url is required (TARGET_URL)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Chat.MaxPromptLen <= 0 {
		return errors.New("chat.max_prompt_len must be positive")
	}
	return nil
}

// IsHeadless returns whether Chrome should run headless (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetReconnectDelay returns the parsed reconnect delay with a sane default.
func (b BrowserConfig) GetReconnectDelay() time.Duration {
	return parseDuration(b.ReconnectDelay, 5*time.Second)
}

func (c ChatConfig) GetNavigationTimeout() time.Duration {
	return parseDuration(c.NavigationTimeout, 30*time.Second)
}

func (c ChatConfig) GetElementTimeout() time.Duration {
	return parseDuration(c.ElementTimeout, 15*time.Second)
}

func (c ChatConfig) GetResponseTimeout() time.Duration {
	return parseDuration(c.ResponseTimeout, 120*time.Second)
}

func (c ChatConfig) GetIndicatorGrace() time.Duration {
	return parseDuration(c.IndicatorGrace, 5*time.Second)
}

func (c ChatConfig) GetSettleDelay() time.Duration {
	return parseDuration(c.SettleDelay, 500*time.Millisecond)
}

func (c ChatConfig) GetFallbackSettle() time.Duration {
	return parseDuration(c.FallbackSettle, 8*time.Second)
}

// GetCooldown returns the parsed inter-request cooldown.
func (q QueueConfig) GetCooldown() time.Duration {
	return parseDuration(q.Cooldown, 2*time.Second)
}
