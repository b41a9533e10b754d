// Package config handles application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath  string
	WatchlistPath string
	LockPath      string
	LogLevel      string
	LogFormat     string

	Catalog  Catalog
	Match    Match
	Maintain Maintain
	Notify   Notify

	ICalEnabled     bool
	ICalBatchSize   int
	MetricsTextfile string
}

// Catalog configures the catalog client.
type Catalog struct {
	BaseURL           string
	Language          string
	RatePerMinute     int
	MaxPages          int
	PageSize          int
	MaxRetries        int
	AuthorConcurrency int
	ReleaseFeeds      []string
	// CacheTTL is how long search pages are served from the database.
	// Zero disables the cache.
	CacheTTL time.Duration
}

// Match configures the confidence floors.
type Match struct {
	ReviewFloor    float64
	PreferredFloor float64
}

// Maintain configures pruning and database upkeep.
type Maintain struct {
	PruneGraceDays     int
	VacuumIntervalDays int
}

// Notify configures the notification channels.
type Notify struct {
	MaxRetries int
	Pushover   Pushover
	Discord    Discord
	Telegram   Telegram
	Email      Email
	Ntfy       Ntfy
}

// Pushover holds Pushover credentials.
type Pushover struct {
	Enabled  bool
	Token    string
	UserKey  string
	Priority int
	Sound    string
	MaxItems int
}

// Discord holds the Discord webhook settings.
type Discord struct {
	Enabled    bool
	WebhookURL string
	MaxItems   int
}

// Telegram holds the Telegram bot settings.
type Telegram struct {
	Enabled  bool
	Token    string
	ChatID   int64
	MaxItems int
}

// Email holds SMTP settings.
type Email struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	MaxItems int
}

// Ntfy holds the ntfy topic settings.
type Ntfy struct {
	Enabled  bool
	Server   string
	Topic    string
	Token    string
	MaxItems int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var errs []error
	p := parser{errs: &errs}

	cfg := &Config{
		DatabasePath:  envOrDefault("DATABASE_PATH", "./data/audiobooks.db"),
		WatchlistPath: envOrDefault("WATCHLIST_PATH", "./config/watchlist.yaml"),
		LogLevel:      envOrDefault("LOG_LEVEL", "info"),
		LogFormat:     strings.ToLower(envOrDefault("LOG_FORMAT", "auto")),
		Catalog: Catalog{
			BaseURL:           strings.TrimRight(envOrDefault("CATALOG_BASE_URL", "https://api.audible.com"), "/"),
			Language:          strings.ToLower(envOrDefault("CATALOG_LANGUAGE", "english")),
			RatePerMinute:     p.int("CATALOG_RATE_PER_MINUTE", 240),
			MaxPages:          p.int("CATALOG_MAX_PAGES", 4),
			PageSize:          p.int("CATALOG_PAGE_SIZE", 50),
			MaxRetries:        p.int("CATALOG_MAX_RETRIES", 3),
			AuthorConcurrency: p.int("AUTHOR_CONCURRENCY", 4),
			ReleaseFeeds:      splitList(os.Getenv("RELEASE_FEEDS")),
			CacheTTL:          p.duration("CATALOG_CACHE_TTL", 24*time.Hour),
		},
		Match: Match{
			ReviewFloor:    p.float("REVIEW_FLOOR", 0.5),
			PreferredFloor: p.float("PREFERRED_FLOOR", 0.7),
		},
		Maintain: Maintain{
			PruneGraceDays:     p.int("PRUNE_GRACE_DAYS", 0),
			VacuumIntervalDays: p.int("VACUUM_INTERVAL_DAYS", 7),
		},
		Notify: Notify{
			MaxRetries: p.int("NOTIFY_MAX_RETRIES", 3),
			Pushover: Pushover{
				Enabled:  p.bool("PUSHOVER_ENABLED", false),
				Token:    os.Getenv("PUSHOVER_TOKEN"),
				UserKey:  os.Getenv("PUSHOVER_USER_KEY"),
				Priority: p.int("PUSHOVER_PRIORITY", 0),
				Sound:    os.Getenv("PUSHOVER_SOUND"),
				MaxItems: p.int("PUSHOVER_MAX_ITEMS", 20),
			},
			Discord: Discord{
				Enabled:    p.bool("DISCORD_ENABLED", false),
				WebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),
				MaxItems:   p.int("DISCORD_MAX_ITEMS", 25),
			},
			Telegram: Telegram{
				Enabled:  p.bool("TELEGRAM_ENABLED", false),
				Token:    os.Getenv("TELEGRAM_BOT_TOKEN"),
				ChatID:   p.int64("TELEGRAM_CHAT_ID", 0),
				MaxItems: p.int("TELEGRAM_MAX_ITEMS", 20),
			},
			Email: Email{
				Enabled:  p.bool("EMAIL_ENABLED", false),
				Host:     os.Getenv("SMTP_HOST"),
				Port:     p.int("SMTP_PORT", 587),
				Username: os.Getenv("SMTP_USERNAME"),
				Password: os.Getenv("SMTP_PASSWORD"),
				From:     os.Getenv("EMAIL_FROM"),
				To:       splitList(os.Getenv("EMAIL_TO")),
				MaxItems: p.int("EMAIL_MAX_ITEMS", 0),
			},
			Ntfy: Ntfy{
				Enabled:  p.bool("NTFY_ENABLED", false),
				Server:   strings.TrimRight(envOrDefault("NTFY_SERVER", "https://ntfy.sh"), "/"),
				Topic:    os.Getenv("NTFY_TOPIC"),
				Token:    os.Getenv("NTFY_TOKEN"),
				MaxItems: p.int("NTFY_MAX_ITEMS", 20),
			},
		},
		ICalEnabled:     p.bool("ICAL_ENABLED", false),
		ICalBatchSize:   p.int("ICAL_BATCH_SIZE", 10),
		MetricsTextfile: os.Getenv("METRICS_TEXTFILE"),
	}
	cfg.LockPath = envOrDefault("LOCK_PATH", cfg.DatabasePath+".lock")

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and that every enabled channel has its credentials.
func (c *Config) Validate() error {
	var errs []error
	if c.Catalog.RatePerMinute <= 0 {
		errs = append(errs, fmt.Errorf("CATALOG_RATE_PER_MINUTE must be positive"))
	}
	if c.Catalog.MaxPages <= 0 {
		errs = append(errs, fmt.Errorf("CATALOG_MAX_PAGES must be positive"))
	}
	if c.Catalog.PageSize <= 0 || c.Catalog.PageSize > 50 {
		errs = append(errs, fmt.Errorf("CATALOG_PAGE_SIZE must be between 1 and 50"))
	}
	if c.Catalog.MaxRetries < 0 || c.Notify.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry counts must not be negative"))
	}
	if c.Catalog.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("CATALOG_CACHE_TTL must not be negative"))
	}
	if c.Catalog.AuthorConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("AUTHOR_CONCURRENCY must be positive"))
	}
	if c.Match.ReviewFloor < 0 || c.Match.PreferredFloor > 1 || c.Match.ReviewFloor > c.Match.PreferredFloor {
		errs = append(errs, fmt.Errorf("confidence floors must satisfy 0 <= REVIEW_FLOOR <= PREFERRED_FLOOR <= 1"))
	}
	if c.Maintain.PruneGraceDays < 0 {
		errs = append(errs, fmt.Errorf("PRUNE_GRACE_DAYS must not be negative"))
	}
	if c.Maintain.VacuumIntervalDays < 0 {
		errs = append(errs, fmt.Errorf("VACUUM_INTERVAL_DAYS must not be negative"))
	}
	if c.ICalBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("ICAL_BATCH_SIZE must be positive"))
	}
	switch c.LogFormat {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be auto, text or json"))
	}

	n := c.Notify
	if n.Pushover.Enabled && (n.Pushover.Token == "" || n.Pushover.UserKey == "") {
		errs = append(errs, fmt.Errorf("pushover enabled but PUSHOVER_TOKEN or PUSHOVER_USER_KEY is empty"))
	}
	if n.Discord.Enabled && n.Discord.WebhookURL == "" {
		errs = append(errs, fmt.Errorf("discord enabled but DISCORD_WEBHOOK_URL is empty"))
	}
	if n.Telegram.Enabled && (n.Telegram.Token == "" || n.Telegram.ChatID == 0) {
		errs = append(errs, fmt.Errorf("telegram enabled but TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID is empty"))
	}
	if n.Email.Enabled && (n.Email.Host == "" || n.Email.From == "" || len(n.Email.To) == 0) {
		errs = append(errs, fmt.Errorf("email enabled but SMTP_HOST, EMAIL_FROM or EMAIL_TO is empty"))
	}
	if n.Ntfy.Enabled && n.Ntfy.Topic == "" {
		errs = append(errs, fmt.Errorf("ntfy enabled but NTFY_TOPIC is empty"))
	}
	return errors.Join(errs...)
}

// VacuumInterval returns the maintenance interval as a duration.
func (c *Config) VacuumInterval() time.Duration {
	return time.Duration(c.Maintain.VacuumIntervalDays) * 24 * time.Hour
}

type parser struct {
	errs *[]error
}

func (p parser) int(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (p parser) int64(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (p parser) float(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (p parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (p parser) bool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
