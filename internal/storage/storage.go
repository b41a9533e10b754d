// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"audiotracker/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// PruneResult reports what PruneReleased removed.
type PruneResult struct {
	Cutoff  string
	Removed int64
}

// UpsertResult describes what Upsert changed.
type UpsertResult struct {
	// Inserted is set when the ASIN was not stored before.
	Inserted bool
	// Released is set when a record held for review was cleared by a
	// preferred observation.
	Released bool
}

// Storage is the interface for all persistence operations.
type Storage interface {
	// Upsert inserts book or merges it into the stored record.
	// Notification state is never touched. A record that becomes
	// confident, by insertion or release from review, joins the pending
	// release queue.
	Upsert(ctx context.Context, book model.Audiobook) (UpsertResult, error)
	Get(ctx context.Context, asin string) (*model.Audiobook, error)
	ListUnnotified(ctx context.Context, channel string) ([]model.Audiobook, error)
	ListReview(ctx context.Context) ([]model.Audiobook, error)
	// ApproveReview releases a held record and queues it as a new release.
	ApproveReview(ctx context.Context, asin string) error
	MarkNotified(ctx context.Context, asin, channel string) error

	// PendingReleases returns the queued new releases ordered by release
	// date. ClearPendingReleases removes asins from the queue.
	PendingReleases(ctx context.Context) ([]model.Audiobook, error)
	ClearPendingReleases(ctx context.Context, asins []string) error

	// PruneReleased deletes records released before now minus graceDays,
	// compared as UTC calendar dates.
	PruneReleased(ctx context.Context, now time.Time, graceDays int) (PruneResult, error)
	MaintenanceDue(ctx context.Context, interval time.Duration, now time.Time) (bool, error)
	Vacuum(ctx context.Context, now time.Time) error
	// PruneCatalogCache deletes cached catalog pages fetched before cutoff.
	PruneCatalogCache(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
