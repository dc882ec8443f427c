package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ItemURL string `yaml:"item_url"`

	BrowserProfilePath string `yaml:"browser_profile_path"`
	Headless           bool   `yaml:"headless"`
	KeepBrowserOpen    bool   `yaml:"keep_browser_open"`
	PageLoadTimeout    int    `yaml:"page_load_timeout"`

	StatePath string `yaml:"state_path"`
	TimeZone  string `yaml:"time_zone"`

	// Defaults for a fresh run; flags on the run command override them.
	ClickDelayMs      int `yaml:"click_delay_ms"`
	RefreshIntervalMs int `yaml:"refresh_interval_ms"`
	MaxRefreshCount   int `yaml:"max_refresh_count"`

	TimeTickMs           int    `yaml:"time_tick_ms"`
	PollTickMs           int    `yaml:"poll_tick_ms"`
	NavigationTickMs     int    `yaml:"navigation_tick_ms"`
	NavigationTimeoutMs  int    `yaml:"navigation_timeout_ms"`
	IdleTimeoutMs        int    `yaml:"idle_timeout_ms"`
	IdleWindowMs         int    `yaml:"idle_window_ms"`
	GraceTicks           int    `yaml:"grace_ticks"`
	PostActionURLPattern string `yaml:"post_action_url_pattern"`

	TimeSyncEnabled bool     `yaml:"time_sync_enabled"`
	TimeSyncServers []string `yaml:"time_sync_servers"`

	Primary ControlSpec `yaml:"primary"`
	Submit  ControlSpec `yaml:"submit"`

	Log LogConfig `yaml:"log"`

	DebugMode bool `yaml:"debug_mode"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func DefaultConfig() *Config {
	userDataDir := getUserDataDir()

	return &Config{
		ItemURL:              "",
		BrowserProfilePath:   filepath.Join(userDataDir, "browser-profile"),
		Headless:             false,
		KeepBrowserOpen:      true,
		PageLoadTimeout:      30,
		StatePath:            filepath.Join(userDataDir, "state.yaml"),
		TimeZone:             "Local",
		ClickDelayMs:         0,
		RefreshIntervalMs:    1000,
		MaxRefreshCount:      5,
		TimeTickMs:           100,
		PollTickMs:           300,
		NavigationTickMs:     100,
		NavigationTimeoutMs:  15000,
		IdleTimeoutMs:        5000,
		IdleWindowMs:         500,
		GraceTicks:           20,
		PostActionURLPattern: `(?i)weidian\.com/.*order`,
		TimeSyncEnabled:      true,
		TimeSyncServers: []string{
			"https://www.google.com",
			"https://www.cloudflare.com",
			"https://www.amazon.com",
		},
		Primary: ControlSpec{
			Selector:               "div.footer-wrap > div > span.footer-btn-container > span.buy-now.wd-theme__button1",
			DisabledClasses:        []string{"disabled", "is-disabled"},
			CannotSubmitClasses:    []string{"cannot-submit"},
			IndeterminateIsEnabled: true,
		},
		Submit: ControlSpec{
			Selector:            "#buyNow",
			GuardSelector:       "#buyerOrder",
			DisabledClasses:     []string{"disabled", "is-disabled"},
			CannotSubmitClasses: []string{"cannot-submit"},
			EnabledClasses:      []string{"submit-enabled"},
		},
		Log: LogConfig{
			Level:      "info",
			File:       filepath.Join(userDataDir, "flashbuy.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		DebugMode: false,
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	if config.BrowserProfilePath != "" {
		if err := os.MkdirAll(config.BrowserProfilePath, 0755); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks the values the orchestrator depends on.
func (c *Config) Validate() error {
	if c.MaxRefreshCount < 1 {
		return fmt.Errorf("max_refresh_count must be at least 1, got %d", c.MaxRefreshCount)
	}
	if c.RefreshIntervalMs < 0 {
		return fmt.Errorf("refresh_interval_ms must not be negative, got %d", c.RefreshIntervalMs)
	}
	ticks := map[string]int{
		"time_tick_ms":          c.TimeTickMs,
		"poll_tick_ms":          c.PollTickMs,
		"navigation_tick_ms":    c.NavigationTickMs,
		"navigation_timeout_ms": c.NavigationTimeoutMs,
		"idle_timeout_ms":       c.IdleTimeoutMs,
		"idle_window_ms":        c.IdleWindowMs,
		"grace_ticks":           c.GraceTicks,
	}
	for name, v := range ticks {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.Primary.Selector == "" {
		return fmt.Errorf("primary.selector is required")
	}
	if c.Submit.Selector == "" {
		return fmt.Errorf("submit.selector is required")
	}
	if _, err := regexp.Compile(c.PostActionURLPattern); err != nil {
		return fmt.Errorf("invalid post_action_url_pattern: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves TimeZone; empty means Local.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time_zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// Timings converts the millisecond fields into the orchestrator's cadence settings.
func (c *Config) Timings() Timings {
	return Timings{
		TimeTick:          ms(c.TimeTickMs),
		PollTick:          ms(c.PollTickMs),
		NavigationTick:    ms(c.NavigationTickMs),
		NavigationTimeout: ms(c.NavigationTimeoutMs),
		IdleTimeout:       ms(c.IdleTimeoutMs),
		IdleWindow:        ms(c.IdleWindowMs),
		GraceTicks:        c.GraceTicks,
	}
}

// Controls compiles the control specs and the post-action route.
func (c *Config) Controls() (Controls, error) {
	route, err := regexp.Compile(c.PostActionURLPattern)
	if err != nil {
		return Controls{}, fmt.Errorf("invalid post_action_url_pattern: %w", err)
	}
	return Controls{
		Primary:         c.Primary,
		Submit:          c.Submit,
		PostActionRoute: route,
	}, nil
}

// NewRunState builds the record for a fresh start from the configured defaults.
func (c *Config) NewRunState(target *time.Time) OrchestratorState {
	return OrchestratorState{
		IsRunning:       true,
		TargetTime:      target,
		ClickDelay:      ms(c.ClickDelayMs),
		RefreshInterval: ms(c.RefreshIntervalMs),
		MaxRefreshCount: c.MaxRefreshCount,
		RefreshCount:    0,
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
