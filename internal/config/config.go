package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/beekhof/appointment-sync/internal/calendar"
)

const (
	DefaultDatabasePath     = "apptsync.db"
	DefaultPoolSize         = 4
	DefaultRequestTimeout   = 10 * time.Second
	DefaultMaxRetries       = 3
	DefaultRefreshThreshold = 5 * time.Minute
	DefaultPastWindowDays   = 30
	DefaultSyncWindowDays   = 30
	DefaultLogLevel         = "info"

	maxReminderMinutes = 40320 // four weeks, the longest reminder Google accepts
)

// Duration is a time.Duration written as "10s" or "5m" in the config file.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config holds the process-wide settings of the sync engine. Per-link settings
// live on the calendar link itself.
type Config struct {
	DatabasePath          string              `json:"database_path,omitempty"`
	GoogleCredentialsPath string              `json:"google_credentials_path,omitempty"`
	CalDAVServerURL       string              `json:"caldav_server_url,omitempty"`
	PoolSize              int                 `json:"pool_size,omitempty"`
	RequestTimeout        Duration            `json:"request_timeout,omitempty"`
	MaxRetries            *int                `json:"max_retries,omitempty"`
	RefreshThreshold      Duration            `json:"refresh_threshold,omitempty"`
	PastWindowDays        int                 `json:"past_window_days,omitempty"`
	DefaultSyncWindowDays int                 `json:"default_sync_window_days,omitempty"`
	ReminderOverrides     []calendar.Reminder `json:"reminder_overrides,omitempty"`
	LogLevel              string              `json:"log_level,omitempty"`
}

// Retries returns the configured retry count.
func (c *Config) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// Overrides carries command-line values. Zero values leave the setting alone.
type Overrides struct {
	DatabasePath          string
	GoogleCredentialsPath string
	CalDAVServerURL       string
	PoolSize              int
	LogLevel              string
}

// LoadConfigFromFile loads configuration from a JSON file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// LoadEnvFile loads variables from a .env file without overriding the
// environment. An empty path reads ./.env if it exists.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables (including a .env file)
// 3. Config file
// 4. Defaults
func LoadConfig(configFile, envFile string, flags Overrides) (*Config, error) {
	var config Config

	// Step 1: Load from config file if provided
	if configFile != "" {
		fileConfig, err := LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
		config = *fileConfig
	}

	// Step 2: Override with environment variables
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	if err := applyEnv(&config); err != nil {
		return nil, err
	}

	// Step 3: Override with command-line flags (highest priority)
	if flags.DatabasePath != "" {
		config.DatabasePath = flags.DatabasePath
	}
	if flags.GoogleCredentialsPath != "" {
		config.GoogleCredentialsPath = flags.GoogleCredentialsPath
	}
	if flags.CalDAVServerURL != "" {
		config.CalDAVServerURL = flags.CalDAVServerURL
	}
	if flags.PoolSize != 0 {
		config.PoolSize = flags.PoolSize
	}
	if flags.LogLevel != "" {
		config.LogLevel = flags.LogLevel
	}

	// Step 4: Apply defaults and validate
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyEnv(config *Config) error {
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		config.DatabasePath = v
	}
	if v := os.Getenv("GOOGLE_CREDENTIALS_PATH"); v != "" {
		config.GoogleCredentialsPath = v
	}
	if v := os.Getenv("CALDAV_SERVER_URL"); v != "" {
		config.CalDAVServerURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"POOL_SIZE", &config.PoolSize},
		{"PAST_WINDOW_DAYS", &config.PastWindowDays},
		{"DEFAULT_SYNC_WINDOW_DAYS", &config.DefaultSyncWindowDays},
	}
	for _, e := range ints {
		if v := os.Getenv(e.name); v != "" {
			n, err := parseInt(v)
			if err != nil {
				return fmt.Errorf("invalid %s value: %w", e.name, err)
			}
			*e.dst = n
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := parseInt(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_RETRIES value: %w", err)
		}
		config.MaxRetries = &n
	}

	durations := []struct {
		name string
		dst  *Duration
	}{
		{"REQUEST_TIMEOUT", &config.RequestTimeout},
		{"REFRESH_THRESHOLD", &config.RefreshThreshold},
	}
	for _, e := range durations {
		if v := os.Getenv(e.name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s value: %w", e.name, err)
			}
			*e.dst = Duration(d)
		}
	}

	if v := os.Getenv("REMINDER_OVERRIDES"); v != "" {
		reminders, err := ParseReminders(v)
		if err != nil {
			return fmt.Errorf("invalid REMINDER_OVERRIDES value: %w", err)
		}
		config.ReminderOverrides = reminders
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = DefaultDatabasePath
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.RefreshThreshold == 0 {
		c.RefreshThreshold = Duration(DefaultRefreshThreshold)
	}
	if c.PastWindowDays == 0 {
		c.PastWindowDays = DefaultPastWindowDays
	}
	if c.DefaultSyncWindowDays == 0 {
		c.DefaultSyncWindowDays = DefaultSyncWindowDays
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.PoolSize)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", time.Duration(c.RequestTimeout))
	}
	if c.Retries() < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.Retries())
	}
	if c.RefreshThreshold < 0 {
		return fmt.Errorf("refresh_threshold must not be negative, got %s", time.Duration(c.RefreshThreshold))
	}
	if c.PastWindowDays < 0 || c.DefaultSyncWindowDays < 0 {
		return fmt.Errorf("sync window days must not be negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got '%s'", c.LogLevel)
	}
	if c.CalDAVServerURL != "" {
		u, err := url.Parse(c.CalDAVServerURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return fmt.Errorf("caldav_server_url must be an http(s) URL, got '%s'", c.CalDAVServerURL)
		}
	}
	for i, r := range c.ReminderOverrides {
		if r.Method != "email" && r.Method != "popup" {
			return fmt.Errorf("reminder_overrides[%d].method must be 'email' or 'popup', got '%s'", i, r.Method)
		}
		if r.Minutes < 0 || r.Minutes > maxReminderMinutes {
			return fmt.Errorf("reminder_overrides[%d].minutes must be between 0 and %d, got %d", i, maxReminderMinutes, r.Minutes)
		}
	}
	return nil
}

// ParseReminders parses "email:60,popup:15".
func ParseReminders(s string) ([]calendar.Reminder, error) {
	var out []calendar.Reminder
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		method, minutes, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("reminder %q must be method:minutes", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(minutes))
		if err != nil {
			return nil, fmt.Errorf("reminder %q: %w", part, err)
		}
		out = append(out, calendar.Reminder{Method: strings.TrimSpace(method), Minutes: n})
	}
	return out, nil
}

// parseInt parses a string to an integer.
func parseInt(s string) (int, error) {
	var result int
	_, err := fmt.Sscanf(s, "%d", &result)
	return result, err
}
