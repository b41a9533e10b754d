package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PageCache keeps raw catalog responses in the catalog_cache table.
// Entries older than the TTL are treated as missing.
type PageCache struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// PageCache returns a cache over the database with the given TTL.
func (s *SQLite) PageCache(ttl time.Duration) *PageCache {
	return &PageCache{db: s.db, ttl: ttl, now: time.Now}
}

// Get returns the body stored under key if it is younger than the TTL.
func (c *PageCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var body []byte
	var fetched string
	err := c.db.QueryRowContext(ctx,
		`SELECT body, fetched_at FROM catalog_cache WHERE key = ?`, key,
	).Scan(&body, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cached page: %w", err)
	}
	at, err := time.Parse(timeLayout, fetched)
	if err != nil || c.now().Sub(at) >= c.ttl {
		return nil, false, nil
	}
	return body, true, nil
}

// Put stores body under key, replacing any earlier entry.
func (c *PageCache) Put(ctx context.Context, key string, body []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO catalog_cache (key, body, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET body = excluded.body, fetched_at = excluded.fetched_at`,
		key, body, c.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("cache page: %w", err)
	}
	return nil
}

// PruneCatalogCache deletes cached pages fetched before cutoff.
func (s *SQLite) PruneCatalogCache(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM catalog_cache WHERE fetched_at < ?`, cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune catalog cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
