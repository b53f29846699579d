package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EmailConfig holds the SMTP settings of the EMAIL provider. An empty Host
// disables email delivery.
type EmailConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	From     string `yaml:"from" json:"from"`
}

// DisplayConfig configures the DISPLAY provider.
type DisplayConfig struct {
	// SlackWebhookURL is a Slack incoming webhook. Empty means DISPLAY
	// reminders are only written to the log.
	SlackWebhookURL string `yaml:"slack_webhook_url" json:"slack_webhook_url"`
}

// SubscriptionConfig mirrors a remote iCalendar feed into a calendar.
type SubscriptionConfig struct {
	ID         string `yaml:"id" json:"id"`
	URL        string `yaml:"url" json:"url"`
	CalendarID int64  `yaml:"calendar_id" json:"calendar_id"`
}

// ShareConfig grants another principal access to a calendar.
type ShareConfig struct {
	Principal string `yaml:"principal" json:"principal"`
	ReadOnly  bool   `yaml:"read_only" json:"read_only"`
}

// CalendarConfig declares a calendar, its owner and its shares.
type CalendarConfig struct {
	ID       int64         `yaml:"id" json:"id"`
	Owner    string        `yaml:"owner" json:"owner"`
	Name     string        `yaml:"name" json:"name"`
	Timezone string        `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Shares   []ShareConfig `yaml:"shares,omitempty" json:"shares,omitempty"`
}

// UserConfig maps a principal to a deliverable user.
type UserConfig struct {
	Principal string `yaml:"principal" json:"principal"`
	UserID    string `yaml:"user_id" json:"user_id"`
	Name      string `yaml:"name" json:"name"`
	Email     string `yaml:"email" json:"email"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone all-day and floating events fall back to
	// when their calendar has no timezone of its own (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// DatabasePath is the SQLite file holding reminders and calendar data.
	DatabasePath string `yaml:"database_path" json:"database_path"`

	// ProcessCron is a cron-style schedule string (e.g. "*/1 * * * *")
	// for the due reminder pass.
	ProcessCron string `yaml:"process_cron" json:"process_cron"`

	// SyncCron schedules the subscription sync. Ignored when there are no
	// subscriptions.
	SyncCron string `yaml:"sync_cron" json:"sync_cron"`

	// CacheDir keeps the last good body of every subscription.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Subscriptions []SubscriptionConfig `yaml:"subscriptions" json:"subscriptions"`

	// Calendars and Users are written to the database at startup.
	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`
	Users     []UserConfig     `yaml:"users" json:"users"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Workers bounds how many due reminders are delivered concurrently.
	Workers int `yaml:"workers" json:"workers"`

	// ProviderTimeoutSeconds bounds a single delivery.
	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds" json:"provider_timeout_seconds"`

	// MaxRecurrenceScan caps how many occurrences of a series are examined
	// when placing an alarm.
	MaxRecurrenceScan int `yaml:"max_recurrence_scan" json:"max_recurrence_scan"`

	Email   EmailConfig   `yaml:"email" json:"email"`
	Display DisplayConfig `yaml:"display" json:"display"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen            = "127.0.0.1:8080"
	defaultTimezone          = "UTC"
	defaultDatabasePath      = "/var/lib/calremind/calremind.db"
	defaultProcessCron       = "*/1 * * * *"
	defaultSyncCron          = "*/15 * * * *"
	defaultCacheDir          = "/var/lib/calremind/feed-cache"
	defaultLogLevel          = "info"
	defaultWorkers           = 4
	defaultProviderTimeout   = 30
	defaultMaxRecurrenceScan = 1000
	defaultSMTPPort          = 587
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                 defaultListen,
		Timezone:               defaultTimezone,
		DatabasePath:           defaultDatabasePath,
		ProcessCron:            defaultProcessCron,
		SyncCron:               defaultSyncCron,
		CacheDir:               defaultCacheDir,
		LogLevel:               defaultLogLevel,
		Workers:                defaultWorkers,
		ProviderTimeoutSeconds: defaultProviderTimeout,
		MaxRecurrenceScan:      defaultMaxRecurrenceScan,
		Email:                  EmailConfig{Port: defaultSMTPPort},
		BasicAuth:              nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.DatabasePath == "" {
		c.DatabasePath = defaultDatabasePath
	}
	if c.ProcessCron == "" {
		c.ProcessCron = defaultProcessCron
	}
	if c.SyncCron == "" {
		c.SyncCron = defaultSyncCron
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	for i := range c.Subscriptions {
		if c.Subscriptions[i].ID == "" {
			c.Subscriptions[i].ID = fmt.Sprintf("sub-%d", i+1)
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.ProviderTimeoutSeconds <= 0 {
		c.ProviderTimeoutSeconds = defaultProviderTimeout
	}
	if c.MaxRecurrenceScan <= 0 {
		c.MaxRecurrenceScan = defaultMaxRecurrenceScan
	}
	if c.Email.Port == 0 {
		c.Email.Port = defaultSMTPPort
	}
	// Treat an empty credential pair as "auth disabled".
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// Validate checks values Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	if _, err := cron.ParseStandard(c.ProcessCron); err != nil {
		return fmt.Errorf("config: process_cron %q: %w", c.ProcessCron, err)
	}
	if _, err := cron.ParseStandard(c.SyncCron); err != nil {
		return fmt.Errorf("config: sync_cron %q: %w", c.SyncCron, err)
	}
	seen := make(map[string]bool, len(c.Subscriptions))
	for _, sub := range c.Subscriptions {
		if sub.URL == "" || sub.CalendarID <= 0 {
			return fmt.Errorf("config: subscription %q needs url and calendar_id", sub.ID)
		}
		if seen[sub.ID] {
			return fmt.Errorf("config: duplicate subscription id %q", sub.ID)
		}
		seen[sub.ID] = true
	}
	for _, cal := range c.Calendars {
		if cal.ID <= 0 || cal.Owner == "" {
			return fmt.Errorf("config: calendar %d needs a positive id and an owner", cal.ID)
		}
		if cal.Timezone != "" {
			if _, err := time.LoadLocation(cal.Timezone); err != nil {
				return fmt.Errorf("config: calendar %d timezone %q: %w", cal.ID, cal.Timezone, err)
			}
		}
	}
	for _, u := range c.Users {
		if u.Principal == "" || u.UserID == "" {
			return fmt.Errorf("config: user %q needs principal and user_id", u.Principal)
		}
	}
	if c.Email.Host != "" && c.Email.From == "" {
		return errors.New("config: email.from is required when email.host is set")
	}
	return nil
}

// Location returns the configured server default zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// ProviderTimeout returns ProviderTimeoutSeconds as a duration.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calremind-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
