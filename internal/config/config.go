package config

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

const (
	defaultTimezone = "Asia/Kolkata"
	redisAddrEnv    = "AUTOPRESS_REDIS_ADDR"
)

type Config struct {
	Output     Output          `yaml:"output"`
	Generation Generation      `yaml:"generation"`
	Email      Email           `yaml:"email"`
	Site       Site            `yaml:"site"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	Approval   Approval        `yaml:"approval"`
	Topics     Topics          `yaml:"topics"`
	Server     Server          `yaml:"server"`
	Logging    Logging         `yaml:"logging"`
	Automation Automation      `yaml:"automation"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

// Generation configures the text generation backend.
type Generation struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	OllamaURL         string        `yaml:"ollama_url"`
	OpenAIModel       string        `yaml:"openai_model"`
	OpenAIURL         string        `yaml:"openai_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	MaxTokens         int           `yaml:"max_tokens"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Timeout           time.Duration `yaml:"timeout"`
}

// Email configures the SMTP transport. An empty SMTPHost means messages are
// only logged.
type Email struct {
	SMTPHost    string `yaml:"smtp_host"`
	SMTPPort    int    `yaml:"smtp_port"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
	From        string `yaml:"from"`
	FromName    string `yaml:"from_name"`
}

// Password resolves the SMTP password from the configured environment variable.
func (e Email) Password() string {
	if e.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(e.PasswordEnv)
}

type Site struct {
	BaseURL string `yaml:"base_url"`
}

// SchedulerConfig controls where and how long automation cycles run.
type SchedulerConfig struct {
	Timezone     string         `yaml:"timezone"`
	CycleTimeout time.Duration  `yaml:"cycle_timeout"`
	location     *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Approval selects the token store and the re-issue policy.
type Approval struct {
	Backend        string `yaml:"backend"`
	RedisAddr      string `yaml:"redis_addr"`
	RevokePrevious bool   `yaml:"revoke_previous"`
}

type Topics struct {
	Feeds    []string `yaml:"feeds"`
	MaxHints int      `yaml:"max_hints"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// Automation seeds the automation settings until they are first saved.
type Automation struct {
	Enabled     bool     `yaml:"enabled"`
	Cadence     string   `yaml:"cadence"`
	TimeOfDay   string   `yaml:"time_of_day"`
	Keywords    []string `yaml:"keywords"`
	ContentType string   `yaml:"content_type"`
	WordCount   int      `yaml:"word_count"`
	Categories  []string `yaml:"categories"`
	AdminEmail  string   `yaml:"admin_email"`
}

// ConfigDir returns the XDG config directory for autopress.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "autopress")
}

// DataDir returns the XDG data directory for autopress.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "autopress")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/autopress/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'autopress init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults and env overrides.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Generation: Generation{
			Provider:          "openai",
			Model:             "qwen2.5:7b",
			OllamaURL:         "http://localhost:11434",
			OpenAIModel:       "gpt-4o-mini",
			OpenAIURL:         "https://api.openai.com/v1/chat/completions",
			APIKeyEnv:         "OPENAI_API_KEY",
			MaxTokens:         4096,
			RequestsPerMinute: 10,
			Timeout:           120 * time.Second,
		},
		Email: Email{
			SMTPPort:    587,
			PasswordEnv: "SMTP_PASSWORD",
			FromName:    "Autopress",
		},
		Site:      Site{BaseURL: "http://localhost:8000"},
		Scheduler: SchedulerConfig{Timezone: defaultTimezone, CycleTimeout: 10 * time.Minute},
		Approval:  Approval{Backend: "sqlite", RedisAddr: "localhost:6379"},
		Topics:    Topics{MaxHints: 5},
		Server:    Server{Port: 8000},
		Logging:   Logging{Level: "info"},
		Automation: Automation{
			Cadence:     "twice-daily",
			TimeOfDay:   "09:00",
			ContentType: "article",
			WordCount:   1200,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(redisAddrEnv); v != "" {
		c.Approval.RedisAddr = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, err = time.LoadLocation(defaultTimezone)
		if err != nil {
			loc = time.UTC
		}
	}
	c.Scheduler.location = loc
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// APIKey resolves the generation backend API key from the environment.
func (c *Config) APIKey() string {
	if c.Generation.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Generation.APIKeyEnv)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
