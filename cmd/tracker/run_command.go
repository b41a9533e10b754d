package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"audiotracker/internal/calendar"
	"audiotracker/internal/catalog"
	"audiotracker/internal/match"
	"audiotracker/internal/metrics"
	"audiotracker/internal/scheduler"
	"audiotracker/internal/watchlist"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var every time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Search the catalog for watched releases and send notifications",
		Long: "Run one discovery pass: prune released records, search the catalog for every\n" +
			"watched author, store new matches and notify every enabled channel.\n" +
			"With --every the pass repeats until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTracker(cmd, ctx, every)
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "Repeat the pass at this interval instead of exiting")
	return cmd
}

func runTracker(cmd *cobra.Command, c *commandContext, every time.Duration) error {
	cfg := c.config

	if err := os.MkdirAll(filepath.Dir(cfg.LockPath), 0o750); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(cfg.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another tracker run holds " + cfg.LockPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			c.log.Warn("release lock", "path", cfg.LockPath, "error", err)
		}
	}()

	// An unusable watch-list aborts before the database is touched.
	authors, err := watchlist.Load(cfg.WatchlistPath)
	if err != nil {
		return err
	}

	store, err := c.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	client := newHTTPClient()
	cat, err := c.newCatalog(client)
	if err != nil {
		return err
	}
	if ttl := cfg.Catalog.CacheTTL; ttl > 0 {
		cat.SetCache(store.PageCache(ttl))
	}
	dispatcher, err := c.newDispatcher(store, client)
	if err != nil {
		return err
	}

	sched := scheduler.New(store, cat, match.NewResolver(cfg.Match.ReviewFloor, cfg.Match.PreferredFloor),
		dispatcher, scheduler.OptionsFromConfig(cfg), c.log.With("component", "scheduler"))
	sched.SetFeedSource(catalog.NewFeedSource(client, c.log.With("component", "feeds")))
	if cfg.ICalEnabled {
		sched.SetExporter(calendar.NewLogExporter(c.log.With("component", "calendar")))
	}

	runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if every > 0 {
		sched.SetTickInterval(every)
		c.log.Info("starting tracker", "every", every, "watchlist", cfg.WatchlistPath)
		sched.Run(runCtx, func() ([]watchlist.Author, error) {
			return watchlist.Load(cfg.WatchlistPath)
		}, func(rep scheduler.Report) {
			finishRun(out, c, rep)
		})
		c.log.Info("tracker stopped")
		return nil
	}

	rep, err := sched.RunOnce(runCtx, authors)
	if err != nil {
		return err
	}
	finishRun(out, c, rep)
	return nil
}

func finishRun(w io.Writer, c *commandContext, rep scheduler.Report) {
	_, _ = fmt.Fprintln(w, renderReport(rep))
	if path := c.config.MetricsTextfile; path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			c.log.Error("write metrics", "path", path, "error", err)
		}
	}
}

func renderReport(rep scheduler.Report) string {
	rows := make([][]string, 0, len(rep.Authors)+len(rep.Feeds))
	for _, a := range scheduler.SortedAuthors(rep.Authors) {
		rows = append(rows, countsRow(a.Author, a.Counts))
	}
	for _, f := range rep.Feeds {
		rows = append(rows, countsRow("feed "+f.URL, f.Counts))
	}
	sources := renderTable(
		[]string{"Source", "Candidates", "Matches", "Review", "New", "Errors"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	)

	channelRows := make([][]string, 0, len(rep.Channels))
	for _, ch := range rep.Channels {
		channelRows = append(channelRows, []string{
			ch.Channel,
			strconv.Itoa(ch.Pending),
			strconv.Itoa(ch.Sent),
			strconv.Itoa(ch.Attempts),
			channelResult(ch.Err, ch.Permanent),
		})
	}
	channels := renderTable(
		[]string{"Channel", "Pending", "Sent", "Attempts", "Result"},
		channelRows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignLeft},
	)

	summary := fmt.Sprintf("run %s: %d new releases, %d pruned, finished in %s",
		rep.RunID, len(rep.NewReleases), rep.Pruned, rep.Duration.Round(time.Millisecond))
	return sources + "\n" + channels + "\n" + summary
}

func countsRow(name string, c scheduler.Counts) []string {
	return []string{
		name,
		strconv.Itoa(c.Candidates),
		strconv.Itoa(c.Matches),
		strconv.Itoa(c.Review),
		strconv.Itoa(c.Inserted),
		strconv.Itoa(c.Errors),
	}
}

func channelResult(err error, permanent bool) string {
	switch {
	case err == nil:
		return "ok"
	case permanent:
		return "failed (permanent): " + err.Error()
	default:
		return "failed: " + err.Error()
	}
}
