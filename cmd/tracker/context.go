package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"audiotracker/internal/catalog"
	"audiotracker/internal/config"
	"audiotracker/internal/notify"
	"audiotracker/internal/ratelimit"
	"audiotracker/internal/storage"
)

const httpTimeout = 30 * time.Second

type commandContext struct {
	watchlistFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
	log        *slog.Logger
}

func newCommandContext(watchlistFlag *string) *commandContext {
	return &commandContext{watchlistFlag: watchlistFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		if c.watchlistFlag != nil && strings.TrimSpace(*c.watchlistFlag) != "" {
			cfg.WatchlistPath = strings.TrimSpace(*c.watchlistFlag)
		}
		c.config = cfg
		c.log = newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	})
	return c.config, c.configErr
}

// openStore opens the database, creating its directory when needed.
func (c *commandContext) openStore() (*storage.SQLite, error) {
	cfg := c.config
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	return store, nil
}

func (c *commandContext) newCatalog(client catalog.HTTPClient) (*catalog.Client, error) {
	cfg := c.config.Catalog
	limiter, err := ratelimit.PerMinute(cfg.RatePerMinute)
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}
	return catalog.New(client, limiter, catalog.Options{
		BaseURL:    cfg.BaseURL,
		Language:   cfg.Language,
		PageSize:   cfg.PageSize,
		MaxRetries: cfg.MaxRetries,
	}, c.log.With("component", "catalog")), nil
}

func (c *commandContext) newDispatcher(store notify.Store, client notify.HTTPClient) (*notify.Dispatcher, error) {
	channels, err := buildChannels(c.config, client)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		c.log.Warn("no notification channels enabled")
	}
	return notify.NewDispatcher(store, channels, c.config.Notify.MaxRetries, c.log.With("component", "notify")), nil
}

// buildChannels creates a channel for every enabled notification target.
func buildChannels(cfg *config.Config, client notify.HTTPClient) ([]notify.Channel, error) {
	n := cfg.Notify
	var channels []notify.Channel

	if n.Pushover.Enabled {
		channels = append(channels, notify.NewPushover(client, n.Pushover.Token, n.Pushover.UserKey,
			n.Pushover.Priority, n.Pushover.Sound, n.Pushover.MaxItems))
	}
	if n.Discord.Enabled {
		channels = append(channels, notify.NewDiscord(client, n.Discord.WebhookURL, n.Discord.MaxItems))
	}
	if n.Telegram.Enabled {
		tg, err := notify.NewTelegram(n.Telegram.Token, n.Telegram.ChatID, n.Telegram.MaxItems)
		if err != nil {
			return nil, fmt.Errorf("create telegram channel: %w", err)
		}
		channels = append(channels, tg)
	}
	if n.Email.Enabled {
		channels = append(channels, notify.NewEmail(notify.SMTPConfig{
			Host:     n.Email.Host,
			Port:     n.Email.Port,
			Username: n.Email.Username,
			Password: n.Email.Password,
			From:     n.Email.From,
			To:       n.Email.To,
		}, n.Email.MaxItems))
	}
	if n.Ntfy.Enabled {
		channels = append(channels, notify.NewNtfy(client, n.Ntfy.Server, n.Ntfy.Topic, n.Ntfy.Token, n.Ntfy.MaxItems))
	}
	return channels, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}
