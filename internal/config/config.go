package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LinkedIn struct {
		BaseURL      string `yaml:"base_url"`
		TargetDomain string `yaml:"target_domain"`
	} `yaml:"linkedin"`
	Queue struct {
		DailyLimit         int           `yaml:"daily_limit"`
		MinDelay           time.Duration `yaml:"min_delay"`
		MaxDelay           time.Duration `yaml:"max_delay"`
		MaxAttempts        int           `yaml:"max_attempts"`
		SettleDelay        time.Duration `yaml:"settle_delay"`
		ControlTimeout     time.Duration `yaml:"control_timeout"`
		Timezone           string        `yaml:"timezone"`
		EnforceActiveHours bool          `yaml:"enforce_active_hours"`
	} `yaml:"queue"`
	Replay struct {
		Schedule       string        `yaml:"schedule"`
		BatchSize      int           `yaml:"batch_size"`
		MinActionDelay time.Duration `yaml:"min_action_delay"`
		MaxActionDelay time.Duration `yaml:"max_action_delay"`
		InputTimeout   time.Duration `yaml:"input_timeout"`
		SendTimeout    time.Duration `yaml:"send_timeout"`
		Headless       bool          `yaml:"headless"`
	} `yaml:"replay"`
	Stealth struct {
		EnableHumanMouse  bool   `yaml:"enable_human_mouse"`
		EnableHumanTyping bool   `yaml:"enable_human_typing"`
		UserAgent         string `yaml:"user_agent"`
		ViewportWidthMin  int    `yaml:"viewport_width_min"`
		ViewportWidthMax  int    `yaml:"viewport_width_max"`
		ViewportHeightMin int    `yaml:"viewport_height_min"`
		ViewportHeightMax int    `yaml:"viewport_height_max"`
		ActiveStart       string `yaml:"active_start"`
		ActiveEnd         string `yaml:"active_end"`
	} `yaml:"stealth"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Server struct {
		Addr      string        `yaml:"addr"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
		RateLimit float64       `yaml:"rate_limit"`
		RateBurst int           `yaml:"rate_burst"`
		JWTSecret string        `yaml:"-"`
		APIKey    string        `yaml:"-"`
	} `yaml:"server"`
	Backend struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
		Retries int           `yaml:"retries"`
		APIKey  string        `yaml:"-"`
	} `yaml:"backend"`
	Agent struct {
		ControlURL string `yaml:"control_url"`
		UserID     string `yaml:"user_id"`
	} `yaml:"agent"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional
	cfg := Default()
	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var cfg Config
	cfg.LinkedIn.BaseURL = "https://www.linkedin.com/"
	cfg.LinkedIn.TargetDomain = "linkedin.com"
	cfg.Queue.DailyLimit = 100
	cfg.Queue.MinDelay = 5 * time.Second
	cfg.Queue.MaxDelay = 15 * time.Second
	cfg.Queue.MaxAttempts = 5
	cfg.Queue.SettleDelay = 100 * time.Millisecond
	cfg.Queue.ControlTimeout = 3 * time.Second
	cfg.Queue.Timezone = "Local"
	cfg.Replay.Schedule = "@every 5m"
	cfg.Replay.BatchSize = 5
	cfg.Replay.MinActionDelay = 1 * time.Second
	cfg.Replay.MaxActionDelay = 3 * time.Second
	cfg.Replay.InputTimeout = 10 * time.Second
	cfg.Replay.SendTimeout = 5 * time.Second
	cfg.Replay.Headless = true
	cfg.Stealth.EnableHumanMouse = true
	cfg.Stealth.EnableHumanTyping = true
	cfg.Stealth.ViewportWidthMin = 1280
	cfg.Stealth.ViewportWidthMax = 1680
	cfg.Stealth.ViewportHeightMin = 720
	cfg.Stealth.ViewportHeightMax = 1050
	cfg.Stealth.ActiveStart = "09:00"
	cfg.Stealth.ActiveEnd = "18:00"
	cfg.Database.Path = "outreach.db"
	cfg.Logging.Level = "info"
	cfg.Server.Addr = ":8080"
	cfg.Server.TokenTTL = 24 * time.Hour
	cfg.Server.RateLimit = 10
	cfg.Server.RateBurst = 20
	cfg.Backend.BaseURL = "http://localhost:8080"
	cfg.Backend.Timeout = 15 * time.Second
	cfg.Backend.Retries = 3
	cfg.Agent.ControlURL = "ws://127.0.0.1:9222"
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OUTREACH_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("OUTREACH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OUTREACH_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Replay.Headless = b
		}
	}
	if v := os.Getenv("OUTREACH_DAILY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.DailyLimit = n
		}
	}
	if v := os.Getenv("OUTREACH_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("OUTREACH_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("OUTREACH_CONTROL_URL"); v != "" {
		cfg.Agent.ControlURL = v
	}
	if v := os.Getenv("OUTREACH_USER_ID"); v != "" {
		cfg.Agent.UserID = v
	}
	cfg.Server.JWTSecret = os.Getenv("OUTREACH_JWT_SECRET")
	// the same key gates token exchange on the server and is presented by the agent
	cfg.Server.APIKey = os.Getenv("OUTREACH_API_KEY")
	cfg.Backend.APIKey = cfg.Server.APIKey
}

// Location resolves queue.timezone; daily counters roll over at midnight in this zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Queue.Timezone == "" || c.Queue.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Queue.Timezone)
}

func Validate(cfg *Config) error {
	if cfg.LinkedIn.BaseURL == "" {
		return errors.New("linkedin.base_url is required")
	}
	if cfg.LinkedIn.TargetDomain == "" {
		return errors.New("linkedin.target_domain is required")
	}
	if cfg.Queue.DailyLimit <= 0 {
		return errors.New("queue.daily_limit must be > 0")
	}
	if cfg.Queue.MinDelay < 0 || cfg.Queue.MaxDelay < cfg.Queue.MinDelay {
		return errors.New("queue.min_delay must be >= 0 and <= queue.max_delay")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		return errors.New("queue.max_attempts must be > 0")
	}
	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("queue.timezone: %w", err)
	}
	if cfg.Replay.BatchSize <= 0 {
		return errors.New("replay.batch_size must be > 0")
	}
	if cfg.Replay.MinActionDelay < 0 || cfg.Replay.MaxActionDelay < cfg.Replay.MinActionDelay {
		return errors.New("replay.min_action_delay must be >= 0 and <= replay.max_action_delay")
	}
	if cfg.Replay.Schedule == "" {
		return errors.New("replay.schedule is required")
	}
	if cfg.Backend.Retries < 0 {
		return errors.New("backend.retries must be >= 0")
	}
	if _, err := time.Parse("15:04", cfg.Stealth.ActiveStart); err != nil {
		return fmt.Errorf("stealth.active_start: %w", err)
	}
	if _, err := time.Parse("15:04", cfg.Stealth.ActiveEnd); err != nil {
		return fmt.Errorf("stealth.active_end: %w", err)
	}
	return nil
}
