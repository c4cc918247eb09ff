// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/quotebot/internal/automation"
)

// Supported agent providers.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

// Login modes for the carrier portal.
const (
	LoginAuto   = "auto"
	LoginManual = "manual"
	// LoginHybrid tries the automated login and hands over to an operator
	// when it fails.
	LoginHybrid = "hybrid"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Carrier   CarrierConfig   `mapstructure:"carrier" yaml:"carrier"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Runner    RunnerConfig    `mapstructure:"runner" yaml:"runner"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	// BookingFile points at a YAML or JSON booking request. Empty means the built-in sample.
	BookingFile string `mapstructure:"booking_file" yaml:"booking_file"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// CarrierConfig identifies the portal and the account used to log in.
type CarrierConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	// LoginMode is one of auto, manual or hybrid.
	LoginMode string `mapstructure:"login_mode" yaml:"login_mode"`
	// ManualLoginTimeout bounds how long an operator has to finish a manual login.
	ManualLoginTimeout time.Duration `mapstructure:"manual_login_timeout" yaml:"manual_login_timeout"`
}

// AgentConfig selects the LLM that plans browser actions and extracts rates.
type AgentConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// MaxSteps bounds how many planning rounds one instruction may take.
	MaxSteps int `mapstructure:"max_steps" yaml:"max_steps"`
}

// BrowserConfig controls the Chrome instance.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	Locale            string         `mapstructure:"locale" yaml:"locale"`
	Timezone          string         `mapstructure:"timezone" yaml:"timezone"`
	ActionsPerSecond  float64        `mapstructure:"actions_per_second" yaml:"actions_per_second"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// ViewportConfig is the emulated window size.
type ViewportConfig struct {
	Width  int64 `mapstructure:"width" yaml:"width"`
	Height int64 `mapstructure:"height" yaml:"height"`
}

// RunnerConfig is the central retry policy for every action.
type RunnerConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	LinearBackoff bool          `mapstructure:"linear_backoff" yaml:"linear_backoff"`
}

// RateLimitConfig throttles calls against the agent provider.
type RateLimitConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
	Cooldown    time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// OutputConfig says where results and diagnostics go.
type OutputConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	QuotesPath    string `mapstructure:"quotes_path" yaml:"quotes_path"`
	ScreenshotDir string `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
}

// DatabaseConfig holds the optional run history connection.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// Enabled reports whether run history should be persisted.
func (d DatabaseConfig) Enabled() bool { return d.URL != "" }

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "quotebot")
	v.SetDefault("logger.log_file", "quotebot.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Carrier --
	v.SetDefault("carrier.name", "maersk")
	v.SetDefault("carrier.base_url", "https://www.maersk.com")
	v.SetDefault("carrier.login_mode", LoginAuto)
	v.SetDefault("carrier.manual_login_timeout", "5m")

	// -- Agent --
	v.SetDefault("agent.provider", ProviderGemini)
	v.SetDefault("agent.model", "gemini-2.5-flash")
	v.SetDefault("agent.temperature", 0.1)
	v.SetDefault("agent.max_tokens", 4096)
	v.SetDefault("agent.timeout", "90s")
	v.SetDefault("agent.max_steps", 12)

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.viewport.width", 1920)
	v.SetDefault("browser.viewport.height", 1080)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone", "Europe/Copenhagen")
	v.SetDefault("browser.actions_per_second", 2.0)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.action_timeout", "30s")

	// -- Runner --
	v.SetDefault("runner.max_attempts", 3)
	v.SetDefault("runner.retry_delay", "2s")
	v.SetDefault("runner.linear_backoff", false)

	// -- Rate Limit --
	v.SetDefault("ratelimit.min_interval", "1s")
	v.SetDefault("ratelimit.cooldown", "60s")

	// -- Output --
	v.SetDefault("output.path", "quote_result.json")
	v.SetDefault("output.quotes_path", "quotes.json")
	v.SetDefault("output.screenshot_dir", "screenshots")

	v.SetDefault("booking_file", "")
	v.SetDefault("database.url", "")
}

// BindEnv wires the unprefixed variable names the bot has always honoured.
// Prefixed QUOTEBOT_* variables still work through AutomaticEnv.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("QUOTEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("carrier.username", "QUOTEBOT_CARRIER_USERNAME", "MAERSK_USERNAME")
	_ = v.BindEnv("carrier.password", "QUOTEBOT_CARRIER_PASSWORD", "MAERSK_PASSWORD")
	_ = v.BindEnv("carrier.base_url", "QUOTEBOT_CARRIER_BASE_URL", "MAERSK_BASE_URL")
	_ = v.BindEnv("database.url", "QUOTEBOT_DATABASE_URL", "DATABASE_URL")
}

// Unmarshal decodes v into a Config and expands home-relative paths. It does not validate.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// The API key follows the provider, so it is resolved after decoding.
	if cfg.Agent.APIKey == "" {
		cfg.Agent.APIKey = providerKey(cfg.Agent.Provider)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewConfigFromViper creates a validated configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	cfg, err := Unmarshal(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func providerKey(provider string) string {
	names := []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}
	if provider == ProviderAnthropic {
		names = []string{"ANTHROPIC_API_KEY"}
	}
	for _, name := range names {
		if key := os.Getenv(name); key != "" {
			return key
		}
	}
	return ""
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Logger.LogFile, &c.Output.Path, &c.Output.QuotesPath, &c.Output.ScreenshotDir, &c.BookingFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
// Every missing key is reported at once so the operator fixes them in one go.
func (c *Config) Validate() error {
	var missing []string
	var problems []string

	if c.Carrier.BaseURL == "" {
		missing = append(missing, "carrier.base_url")
	}
	switch c.Carrier.LoginMode {
	case LoginAuto, LoginHybrid:
		if c.Carrier.Username == "" {
			missing = append(missing, "carrier.username")
		}
		if c.Carrier.Password == "" {
			missing = append(missing, "carrier.password")
		}
	case LoginManual:
		// The operator types the credentials.
	default:
		problems = append(problems, fmt.Sprintf("carrier.login_mode %q is not one of %s, %s, %s", c.Carrier.LoginMode, LoginAuto, LoginManual, LoginHybrid))
	}
	if c.Carrier.LoginMode != LoginAuto && c.Browser.Headless {
		problems = append(problems, "carrier.login_mode "+c.Carrier.LoginMode+" needs a visible browser (browser.headless: false)")
	}
	if c.Carrier.ManualLoginTimeout < 0 {
		problems = append(problems, "carrier.manual_login_timeout must not be negative")
	}

	switch c.Agent.Provider {
	case ProviderGemini, ProviderAnthropic:
	default:
		problems = append(problems, fmt.Sprintf("agent.provider %q is not one of %s, %s", c.Agent.Provider, ProviderGemini, ProviderAnthropic))
	}
	if c.Agent.APIKey == "" {
		missing = append(missing, "agent.api_key")
	}
	if c.Agent.Model == "" {
		missing = append(missing, "agent.model")
	}
	if c.Agent.MaxSteps <= 0 {
		problems = append(problems, "agent.max_steps must be a positive integer")
	}

	if c.Runner.MaxAttempts <= 0 {
		problems = append(problems, "runner.max_attempts must be a positive integer")
	}
	if c.Runner.RetryDelay < 0 {
		problems = append(problems, "runner.retry_delay must not be negative")
	}
	if c.RateLimit.MinInterval < 0 || c.RateLimit.Cooldown < 0 {
		problems = append(problems, "ratelimit intervals must not be negative")
	}
	if c.Browser.ActionsPerSecond <= 0 {
		problems = append(problems, "browser.actions_per_second must be positive")
	}
	if c.Output.Path == "" {
		missing = append(missing, "output.path")
	}

	if len(missing) == 0 && len(problems) == 0 {
		return nil
	}
	return &automation.ConfigError{Missing: missing, Reason: strings.Join(problems, "; ")}
}

// Redacted returns a copy safe to print: secrets are masked.
func (c Config) Redacted() Config {
	c.Carrier.Password = mask(c.Carrier.Password)
	c.Agent.APIKey = mask(c.Agent.APIKey)
	c.Database.URL = maskURL(c.Database.URL)
	return c
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// maskURL hides the password portion of a user:pass@host URL.
func maskURL(u string) string {
	at := strings.LastIndex(u, "@")
	if at < 0 {
		return u
	}
	scheme := strings.Index(u, "://")
	start := 0
	if scheme >= 0 {
		start = scheme + 3
	}
	creds := u[start:at]
	colon := strings.Index(creds, ":")
	if colon < 0 {
		return u
	}
	return u[:start+colon+1] + "****" + u[at:]
}
