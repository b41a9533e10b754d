// Package calendar collects the releases discovered in a run and hands them
// to a calendar exporter in fixed-size batches.
package calendar

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"audiotracker/internal/model"
)

// DefaultBatchSize is the number of releases per exported batch.
const DefaultBatchSize = 10

// Exporter receives the batches of one run.
type Exporter interface {
	Export(ctx context.Context, batches [][]model.Audiobook) error
}

// NewReleases deduplicates books by ASIN, keeping the first occurrence, and
// orders them by release date then ASIN.
func NewReleases(books []model.Audiobook) []model.Audiobook {
	seen := make(map[string]bool, len(books))
	out := make([]model.Audiobook, 0, len(books))
	for _, b := range books {
		if seen[b.ASIN] {
			continue
		}
		seen[b.ASIN] = true
		out = append(out, b)
	}
	slices.SortStableFunc(out, func(a, b model.Audiobook) int {
		if c := cmp.Compare(a.ReleaseDate, b.ReleaseDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ASIN, b.ASIN)
	})
	return out
}

// Batch splits books into consecutive slices of at most size elements.
// A non-positive size yields a single batch.
func Batch(books []model.Audiobook, size int) [][]model.Audiobook {
	if len(books) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]model.Audiobook{books}
	}
	batches := make([][]model.Audiobook, 0, (len(books)+size-1)/size)
	for chunk := range slices.Chunk(books, size) {
		batches = append(batches, chunk)
	}
	return batches
}

// Noop discards every batch.
type Noop struct{}

func (Noop) Export(context.Context, [][]model.Audiobook) error { return nil }

// LogExporter records each batch in the log.
type LogExporter struct {
	log *slog.Logger
}

// NewLogExporter creates a LogExporter.
func NewLogExporter(log *slog.Logger) *LogExporter {
	return &LogExporter{log: log}
}

func (e *LogExporter) Export(_ context.Context, batches [][]model.Audiobook) error {
	for i, batch := range batches {
		asins := make([]string, 0, len(batch))
		for _, b := range batch {
			asins = append(asins, b.ASIN)
		}
		e.log.Info("calendar batch",
			"batch", i+1,
			"of", len(batches),
			"first_release", batch[0].ReleaseDate,
			"last_release", batch[len(batch)-1].ReleaseDate,
			"asins", asins,
		)
	}
	return nil
}
