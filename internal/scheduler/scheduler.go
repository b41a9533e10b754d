// Package scheduler runs the discovery pipeline: prune, search, match,
// persist, export and notify.
package scheduler

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"audiotracker/internal/calendar"
	"audiotracker/internal/catalog"
	"audiotracker/internal/config"
	"audiotracker/internal/match"
	"audiotracker/internal/metrics"
	"audiotracker/internal/model"
	"audiotracker/internal/notify"
	"audiotracker/internal/storage"
	"audiotracker/internal/watchlist"
)

const dateLayout = "2006-01-02"

// Searcher queries the catalog.
type Searcher interface {
	Search(ctx context.Context, query string, field catalog.Field, maxPages int) ([]model.Audiobook, error)
}

// FeedFetcher reads candidates from a release feed.
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) ([]model.Audiobook, error)
}

// Notifier delivers every pending record on every channel.
type Notifier interface {
	DispatchPending(ctx context.Context) notify.Report
}

// Loader returns the current watch-list.
type Loader func() ([]watchlist.Author, error)

// Options tunes a run.
type Options struct {
	MaxPages          int
	AuthorConcurrency int
	PruneGraceDays    int
	VacuumInterval    time.Duration
	ReleaseFeeds      []string
	CalendarEnabled   bool
	CalendarBatchSize int
	// CacheTTL bounds the age of cached catalog pages kept by maintenance.
	CacheTTL time.Duration
}

// OptionsFromConfig extracts run options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxPages:          cfg.Catalog.MaxPages,
		AuthorConcurrency: cfg.Catalog.AuthorConcurrency,
		PruneGraceDays:    cfg.Maintain.PruneGraceDays,
		VacuumInterval:    cfg.VacuumInterval(),
		ReleaseFeeds:      cfg.Catalog.ReleaseFeeds,
		CalendarEnabled:   cfg.ICalEnabled,
		CalendarBatchSize: cfg.ICalBatchSize,
		CacheTTL:          cfg.Catalog.CacheTTL,
	}
}

// Counts tallies one candidate source.
type Counts struct {
	Candidates int
	Matches    int
	Review     int
	Inserted   int
	Errors     int
}

// AuthorReport is the outcome for one watched author.
type AuthorReport struct {
	Author string
	Counts
}

// FeedReport is the outcome for one release feed.
type FeedReport struct {
	URL string
	Counts
}

// Report summarizes one run.
type Report struct {
	RunID       string
	Started     time.Time
	Duration    time.Duration
	Pruned      int64
	Vacuumed    bool
	Authors     []AuthorReport
	Feeds       []FeedReport
	NewReleases []model.Audiobook
	Channels    []notify.ChannelReport
}

// Scheduler runs discovery passes over a watch-list.
type Scheduler struct {
	store    storage.Storage
	search   Searcher
	feeds    FeedFetcher
	resolver *match.Resolver
	notifier Notifier
	exporter calendar.Exporter
	opts     Options
	log      *slog.Logger
	now      func() time.Time
	tick     time.Duration
}

// New creates a Scheduler. Release feeds are skipped until a FeedFetcher is
// set, and calendar batches go nowhere until an Exporter is set.
func New(store storage.Storage, search Searcher, resolver *match.Resolver, notifier Notifier, opts Options, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		search:   search,
		resolver: resolver,
		notifier: notifier,
		exporter: calendar.Noop{},
		opts:     opts,
		log:      log,
		now:      time.Now,
		tick:     6 * time.Hour,
	}
}

// SetFeedSource sets the fetcher used for release feeds.
func (s *Scheduler) SetFeedSource(f FeedFetcher) {
	s.feeds = f
}

// SetExporter sets the calendar exporter.
func (s *Scheduler) SetExporter(e calendar.Exporter) {
	s.exporter = e
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetTickInterval overrides the default 6-hour interval between runs.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Run performs a pass immediately and then on every tick, blocking until
// ctx is cancelled. The watch-list is reloaded before each pass.
func (s *Scheduler) Run(ctx context.Context, load Loader, onReport func(Report)) {
	s.runLoaded(ctx, load, onReport)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLoaded(ctx, load, onReport)
		}
	}
}

func (s *Scheduler) runLoaded(ctx context.Context, load Loader, onReport func(Report)) {
	if ctx.Err() != nil {
		return
	}
	authors, err := load()
	if err != nil {
		s.log.Error("load watch-list", "error", err)
		return
	}
	rep, err := s.RunOnce(ctx, authors)
	if err != nil {
		s.log.Warn("run interrupted", "error", err)
		return
	}
	if onReport != nil {
		onReport(rep)
	}
}

// RunOnce performs one discovery pass. Failures of a single author, feed,
// record or channel are logged and counted in the report; only
// cancellation of ctx is returned as an error.
func (s *Scheduler) RunOnce(ctx context.Context, authors []watchlist.Author) (Report, error) {
	rep := Report{RunID: newRunID(), Started: s.now()}
	today := rep.Started.UTC().Format(dateLayout)
	log := s.log.With("run_id", rep.RunID)
	log.Info("run started", "authors", len(authors))

	s.maintain(ctx, log, &rep)

	rep.Authors = make([]AuthorReport, len(authors))

	var g errgroup.Group
	g.SetLimit(max(s.opts.AuthorConcurrency, 1))
	for i, a := range authors {
		g.Go(func() error {
			rep.Authors[i] = s.processAuthor(ctx, log, a, today)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	rep.Feeds = s.processFeeds(ctx, log, authors, today)
	rep.NewReleases = s.releases(ctx, log)

	rep.Channels = s.notifier.DispatchPending(ctx).Channels

	finished := s.now()
	rep.Duration = finished.Sub(rep.Started)
	metrics.RunDuration.Set(rep.Duration.Seconds())
	metrics.LastRunTimestamp.Set(float64(finished.Unix()))

	log.Info("run complete",
		"authors", len(rep.Authors),
		"new_releases", len(rep.NewReleases),
		"pruned", rep.Pruned,
		"duration", rep.Duration,
	)
	return rep, ctx.Err()
}

func (s *Scheduler) maintain(ctx context.Context, log *slog.Logger, rep *Report) {
	res, err := s.store.PruneReleased(ctx, rep.Started, s.opts.PruneGraceDays)
	if err != nil {
		log.Error("prune released", "error", err)
	} else {
		rep.Pruned = res.Removed
		metrics.RecordsPruned.Add(float64(res.Removed))
		log.Info("pruned released", "cutoff", res.Cutoff, "removed", res.Removed)
	}

	removed, err := s.store.PruneCatalogCache(ctx, rep.Started.Add(-s.opts.CacheTTL))
	if err != nil {
		log.Error("prune catalog cache", "error", err)
	} else if removed > 0 {
		log.Debug("pruned catalog cache", "removed", removed)
	}

	due, err := s.store.MaintenanceDue(ctx, s.opts.VacuumInterval, rep.Started)
	if err != nil {
		log.Error("check maintenance", "error", err)
		return
	}
	if !due {
		return
	}
	if err := s.store.Vacuum(ctx, rep.Started); err != nil {
		log.Error("vacuum", "error", err)
		return
	}
	rep.Vacuumed = true
	log.Info("database optimized")
}

// releases drains the store's queue of records that became confident
// since the last run and hands them to the calendar exporter. The queue is
// kept when the export fails so the next run offers the records again.
func (s *Scheduler) releases(ctx context.Context, log *slog.Logger) []model.Audiobook {
	pending, err := s.store.PendingReleases(ctx)
	if err != nil {
		log.Error("list new releases", "error", err)
		return nil
	}
	books := calendar.NewReleases(pending)
	if len(books) == 0 {
		return books
	}

	if s.opts.CalendarEnabled {
		batches := calendar.Batch(books, s.opts.CalendarBatchSize)
		if err := s.exporter.Export(ctx, batches); err != nil {
			log.Error("export calendar", "batches", len(batches), "error", err)
			return books
		}
	}

	asins := make([]string, 0, len(books))
	for _, b := range books {
		asins = append(asins, b.ASIN)
	}
	if err := s.store.ClearPendingReleases(ctx, asins); err != nil {
		log.Error("clear new releases", "error", err)
	}
	return books
}

// processAuthor matches the author search results against every item and
// each item's title or series search results against that item alone.
func (s *Scheduler) processAuthor(ctx context.Context, log *slog.Logger, a watchlist.Author, today string) AuthorReport {
	ar := AuthorReport{Author: a.Name}
	log = log.With("author", a.Name)

	byAuthor, err := s.search.Search(ctx, a.Name, catalog.FieldAuthor, s.opts.MaxPages)
	if err != nil {
		log.Error("search author", "error", err)
		ar.Errors++
	}
	byAuthor = uniqueByASIN(current(byAuthor, today))
	ar.Candidates += len(byAuthor)
	log.Debug("author search", "candidates", len(byAuthor))

	for _, item := range a.Items {
		if ctx.Err() != nil {
			break
		}
		candidates := byAuthor
		if item.Series != "" {
			query, field := item.Series, catalog.FieldSeries
			if item.Title != "" {
				query, field = item.Title, catalog.FieldTitle
			}
			more, err := s.search.Search(ctx, query, field, s.opts.MaxPages)
			if err != nil {
				log.Error("search series", "series", item.Series, "query", query, "error", err)
				ar.Errors++
			}
			more = current(more, today)
			ar.Candidates += len(more)
			candidates = uniqueByASIN(slices.Concat(byAuthor, more))
		}
		s.persist(ctx, log, item, candidates, &ar.Counts)
	}

	log.Info("author processed",
		"candidates", ar.Candidates,
		"matches", ar.Matches,
		"inserted", ar.Inserted,
		"errors", ar.Errors,
	)
	return ar
}

// processFeeds matches each feed's releases against the whole watch-list.
func (s *Scheduler) processFeeds(ctx context.Context, log *slog.Logger, authors []watchlist.Author, today string) []FeedReport {
	if len(s.opts.ReleaseFeeds) == 0 {
		return nil
	}
	if s.feeds == nil {
		log.Warn("release feeds configured without a feed source", "feeds", len(s.opts.ReleaseFeeds))
		return nil
	}

	var reports []FeedReport
	for _, url := range s.opts.ReleaseFeeds {
		if ctx.Err() != nil {
			break
		}
		fr := FeedReport{URL: url}
		log := log.With("feed", url)

		books, err := s.feeds.Fetch(ctx, url)
		if err != nil {
			log.Error("fetch feed", "error", err)
			fr.Errors++
			reports = append(reports, fr)
			continue
		}
		books = current(books, today)
		fr.Candidates = len(books)

		for _, a := range authors {
			for _, item := range a.Items {
				s.persist(ctx, log, item, books, &fr.Counts)
			}
		}
		reports = append(reports, fr)
	}
	return reports
}

// persist stores every match of item among candidates.
func (s *Scheduler) persist(ctx context.Context, log *slog.Logger, item model.WatchItem, candidates []model.Audiobook, counts *Counts) {
	for _, m := range s.resolver.Resolve(item, candidates) {
		book := m.Candidate
		book.Confidence = m.Confidence
		book.NeedsReview = !m.Preferred

		tier := "preferred"
		if !m.Preferred {
			tier = "review"
			counts.Review++
		}
		counts.Matches++
		metrics.Matches.WithLabelValues(tier).Inc()

		res, err := s.store.Upsert(ctx, book)
		if err != nil {
			log.Error("upsert audiobook", "asin", book.ASIN, "error", err)
			counts.Errors++
			continue
		}
		switch {
		case res.Inserted:
			counts.Inserted++
			log.Info("new release",
				"asin", book.ASIN,
				"title", book.Title,
				"volume", m.Volume,
				"release_date", book.ReleaseDate,
				"confidence", m.Confidence,
				"needs_review", book.NeedsReview,
			)
		case res.Released:
			log.Info("released from review", "asin", book.ASIN, "title", book.Title, "confidence", m.Confidence)
		default:
			log.Debug("updated existing", "asin", book.ASIN, "confidence", m.Confidence)
		}
	}
}

// current keeps books releasing today or later. Undated or unparsable
// release dates are dropped.
func current(books []model.Audiobook, today string) []model.Audiobook {
	out := books[:0:0]
	for _, b := range books {
		if _, err := time.Parse(dateLayout, b.ReleaseDate); err != nil {
			metrics.CandidatesDropped.WithLabelValues("undated").Inc()
			continue
		}
		if b.ReleaseDate < today {
			metrics.CandidatesDropped.WithLabelValues("released").Inc()
			continue
		}
		out = append(out, b)
	}
	return out
}

// newRunID returns a time-ordered identifier for log correlation.
func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func uniqueByASIN(books []model.Audiobook) []model.Audiobook {
	seen := make(map[string]bool, len(books))
	out := make([]model.Audiobook, 0, len(books))
	for _, b := range books {
		if seen[b.ASIN] {
			continue
		}
		seen[b.ASIN] = true
		out = append(out, b)
	}
	return out
}

// SortedAuthors orders author reports by name for display.
func SortedAuthors(reports []AuthorReport) []AuthorReport {
	out := slices.Clone(reports)
	slices.SortFunc(out, func(a, b AuthorReport) int { return cmp.Compare(a.Author, b.Author) })
	return out
}
