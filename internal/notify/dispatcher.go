package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"audiotracker/internal/metrics"
	"audiotracker/internal/model"
)

// Store is the part of storage the dispatcher needs.
type Store interface {
	ListUnnotified(ctx context.Context, channel string) ([]model.Audiobook, error)
	MarkNotified(ctx context.Context, asin, channel string) error
}

// ChannelReport is the outcome of one channel's delivery.
type ChannelReport struct {
	Channel      string
	Pending      int
	Sent         int
	Attempts     int
	MarkFailures int
	Permanent    bool
	Err          error
}

// Report collects per-channel outcomes in channel order.
type Report struct {
	Channels []ChannelReport
}

// Failed reports whether any channel failed to deliver.
func (r Report) Failed() bool {
	for _, c := range r.Channels {
		if c.Err != nil {
			return true
		}
	}
	return false
}

// Dispatcher fans digests out to channels. Each channel is independent:
// one failing channel never blocks or rolls back another.
type Dispatcher struct {
	store       Store
	channels    []Channel
	log         *slog.Logger
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewDispatcher creates a Dispatcher. Transient send failures are retried
// up to maxRetries times.
func NewDispatcher(store Store, channels []Channel, maxRetries int, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		channels:    channels,
		log:         log,
		maxRetries:  max(maxRetries, 0),
		backoffBase: time.Second,
		backoffCap:  30 * time.Second,
	}
}

// SetBackoff overrides the retry backoff bounds.
func (d *Dispatcher) SetBackoff(base, cap time.Duration) {
	d.backoffBase = base
	d.backoffCap = cap
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// DispatchPending sends every record the store holds as unnotified for
// each channel.
func (d *Dispatcher) DispatchPending(ctx context.Context) Report {
	return d.dispatch(ctx, func(model.Audiobook, string) bool { return true })
}

// Dispatch sends the given records on every channel that has not yet
// carried them. The store is consulted before sending, so a stale records
// slice never causes a second delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, records []model.Audiobook) Report {
	wanted := make(map[string]model.ChannelSet, len(records))
	for _, r := range records {
		wanted[r.ASIN] = r.Notified
	}
	return d.dispatch(ctx, func(b model.Audiobook, channel string) bool {
		notified, ok := wanted[b.ASIN]
		return ok && !notified.Has(channel)
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, include func(model.Audiobook, string) bool) Report {
	reports := make([]ChannelReport, len(d.channels))

	var g errgroup.Group
	for i, ch := range d.channels {
		g.Go(func() error {
			reports[i] = d.deliver(ctx, ch, include)
			return nil
		})
	}
	_ = g.Wait()

	return Report{Channels: reports}
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, include func(model.Audiobook, string) bool) ChannelReport {
	name := ch.Name()
	rep := ChannelReport{Channel: name}

	unnotified, err := d.store.ListUnnotified(ctx, name)
	if err != nil {
		d.log.Error("list unnotified", "channel", name, "error", err)
		rep.Err = err
		return rep
	}
	var pending []model.Audiobook
	for _, b := range unnotified {
		if include(b, name) {
			pending = append(pending, b)
		}
	}
	rep.Pending = len(pending)
	if len(pending) == 0 {
		d.log.Debug("nothing to notify", "channel", name)
		return rep
	}

	digest := NewDigest(pending, ch.MaxItems())
	rep.Attempts, err = d.send(ctx, ch, digest)
	if err != nil {
		rep.Err = err
		rep.Permanent = !IsTransient(err)
		outcome := "failed"
		if rep.Permanent {
			outcome = "permanent"
		}
		metrics.Notifications.WithLabelValues(name, outcome).Add(float64(len(pending)))
		d.log.Error("send digest", "channel", name, "records", len(pending), "attempts", rep.Attempts,
			"permanent", rep.Permanent, "error", err)
		return rep
	}

	// Records summarized as "and N more" were announced too.
	for _, b := range pending {
		if err := d.store.MarkNotified(ctx, b.ASIN, name); err != nil {
			rep.MarkFailures++
			d.log.Error("mark notified", "channel", name, "asin", b.ASIN, "error", err)
			continue
		}
		rep.Sent++
	}
	metrics.Notifications.WithLabelValues(name, "sent").Add(float64(rep.Sent))
	d.log.Info("sent digest", "channel", name, "records", rep.Sent, "listed", len(digest.Books), "omitted", digest.Omitted)
	return rep
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, digest Digest) (int, error) {
	backoff := retry.NewExponential(d.backoffBase)
	backoff = retry.WithJitterPercent(10, backoff)
	backoff = retry.WithCappedDuration(d.backoffCap, backoff)
	backoff = retry.WithMaxRetries(uint64(d.maxRetries), backoff) //nolint:gosec // clamped non-negative

	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := ch.Send(ctx, digest)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsTransient(err) {
			return err
		}
		d.log.Warn("send digest failed, retrying", "channel", ch.Name(), "attempt", attempts, "error", err)
		var de *DeliveryError
		if errors.As(err, &de) && de.RetryAfter > 0 {
			if err := sleepWithContext(ctx, min(de.RetryAfter, d.backoffCap)); err != nil {
				return err
			}
		}
		return retry.RetryableError(err)
	})
	return attempts, err
}

// Test sends a sample digest on every channel without touching the store.
func (d *Dispatcher) Test(ctx context.Context, sample model.Audiobook) Report {
	reports := make([]ChannelReport, len(d.channels))
	var g errgroup.Group
	for i, ch := range d.channels {
		g.Go(func() error {
			rep := ChannelReport{Channel: ch.Name(), Pending: 1}
			rep.Attempts, rep.Err = d.send(ctx, ch, NewDigest([]model.Audiobook{sample}, ch.MaxItems()))
			if rep.Err == nil {
				rep.Sent = 1
			} else {
				rep.Permanent = !IsTransient(rep.Err)
			}
			reports[i] = rep
			return nil
		})
	}
	_ = g.Wait()
	return Report{Channels: reports}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
