package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"audiotracker/internal/model"
)

var ignoreTimestamps = cmpopts.IgnoreFields(model.Audiobook{}, "FirstSeen", "LastChecked")

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func skyVol4() model.Audiobook {
	return model.Audiobook{
		ASIN:         "B0SKY00004",
		Title:        "Sky Saga, Vol. 4",
		Author:       "Jane Doe",
		Narrator:     "Chris Park",
		Publisher:    "Yen Audio",
		Series:       "Sky Saga",
		SeriesNumber: "4",
		ReleaseDate:  "2026-11-03",
		Language:     "english",
		Link:         "https://www.audible.com/pd/B0SKY00004",
		Confidence:   0.82,
	}
}

func asinsOf(books []model.Audiobook) []string {
	var out []string
	for _, b := range books {
		out = append(out, b.ASIN)
	}
	return out
}

func TestUpsertInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	res, err := s.Upsert(ctx, skyVol4())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if diff := cmp.Diff(UpsertResult{Inserted: true}, res); diff != "" {
		t.Errorf("first upsert mismatch (-want +got):\n%s", diff)
	}

	got, err := s.Get(ctx, "B0SKY00004")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(skyVol4(), *got, ignoreTimestamps); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}
	if got.FirstSeen.IsZero() || got.LastChecked.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	for i := range 3 {
		res, err := s.Upsert(ctx, skyVol4())
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
		if diff := cmp.Diff(UpsertResult{Inserted: i == 0}, res); diff != "" {
			t.Errorf("upsert %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	got, err := s.Get(ctx, "B0SKY00004")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(skyVol4(), *got, ignoreTimestamps); diff != "" {
		t.Errorf("record changed by repeated upsert (-want +got):\n%s", diff)
	}
	unnotified, err := s.ListUnnotified(ctx, model.ChannelDiscord)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"B0SKY00004"}, asinsOf(unnotified)); diff != "" {
		t.Errorf("unnotified mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertMerge(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	first := skyVol4()
	first.Confidence = 0.6
	first.NeedsReview = true
	if _, err := s.Upsert(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	update := model.Audiobook{
		ASIN:        "B0SKY00004",
		Title:       "Sky Saga, Vol. 4",
		Author:      "Jane Doe",
		Narrator:    model.Unknown,
		Publisher:   model.Unknown,
		Series:      model.Unknown,
		ReleaseDate: "2026-11-10",
		Confidence:  0.9,
	}
	if _, err := s.Upsert(ctx, update); err != nil {
		t.Fatalf("upsert update: %v", err)
	}

	lower := update
	lower.Confidence = 0.55
	lower.NeedsReview = true
	if _, err := s.Upsert(ctx, lower); err != nil {
		t.Fatalf("upsert lower: %v", err)
	}

	got, err := s.Get(ctx, "B0SKY00004")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := skyVol4()
	want.ReleaseDate = "2026-11-10"
	want.Confidence = 0.9
	want.NeedsReview = false
	if diff := cmp.Diff(want, *got, ignoreTimestamps); diff != "" {
		t.Errorf("merged record mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertDoesNotTouchNotifications(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	if _, err := s.Upsert(ctx, skyVol4()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.MarkNotified(ctx, "B0SKY00004", model.ChannelPushover); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, err := s.Upsert(ctx, skyVol4()); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	got, err := s.Get(ctx, "B0SKY00004")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Notified.Has(model.ChannelPushover) {
		t.Error("re-upsert cleared notification state")
	}
}

func TestMarkNotifiedMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	if _, err := s.Upsert(ctx, skyVol4()); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	steps := []struct {
		channel string
		want    []string
	}{
		{model.ChannelDiscord, []string{model.ChannelDiscord}},
		{model.ChannelDiscord, []string{model.ChannelDiscord}},
		{model.ChannelEmail, []string{model.ChannelDiscord, model.ChannelEmail}},
		{model.ChannelDiscord, []string{model.ChannelDiscord, model.ChannelEmail}},
	}
	for i, step := range steps {
		if err := s.MarkNotified(ctx, "B0SKY00004", step.channel); err != nil {
			t.Fatalf("step %d: mark: %v", i, err)
		}
		got, err := s.Get(ctx, "B0SKY00004")
		if err != nil {
			t.Fatalf("step %d: get: %v", i, err)
		}
		if diff := cmp.Diff(step.want, got.Notified.Names()); diff != "" {
			t.Errorf("step %d: notified mismatch (-want +got):\n%s", i, diff)
		}
	}

	for _, ch := range []string{model.ChannelDiscord, model.ChannelEmail} {
		books, err := s.ListUnnotified(ctx, ch)
		if err != nil {
			t.Fatalf("list %s: %v", ch, err)
		}
		if len(books) != 0 {
			t.Errorf("ListUnnotified(%s) = %v, want empty", ch, asinsOf(books))
		}
	}
	books, err := s.ListUnnotified(ctx, model.ChannelTelegram)
	if err != nil {
		t.Fatalf("list telegram: %v", err)
	}
	if diff := cmp.Diff([]string{"B0SKY00004"}, asinsOf(books)); diff != "" {
		t.Errorf("telegram unnotified mismatch (-want +got):\n%s", diff)
	}
}

func TestListUnnotifiedHoldsReview(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	review := skyVol4()
	review.ASIN = "B0REVIEW01"
	review.ReleaseDate = "2026-10-30"
	review.NeedsReview = true
	later := skyVol4()
	later.ASIN = "B0SKY00005"
	later.ReleaseDate = "2026-12-01"

	for _, b := range []model.Audiobook{later, review, skyVol4()} {
		if _, err := s.Upsert(ctx, b); err != nil {
			t.Fatalf("upsert %s: %v", b.ASIN, err)
		}
	}

	books, err := s.ListUnnotified(ctx, model.ChannelNtfy)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"B0SKY00004", "B0SKY00005"}, asinsOf(books)); diff != "" {
		t.Errorf("unnotified mismatch (-want +got):\n%s", diff)
	}

	pending, err := s.ListReview(ctx)
	if err != nil {
		t.Fatalf("list review: %v", err)
	}
	if diff := cmp.Diff([]string{"B0REVIEW01"}, asinsOf(pending)); diff != "" {
		t.Errorf("review mismatch (-want +got):\n%s", diff)
	}

	if err := s.ApproveReview(ctx, "B0REVIEW01"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	books, err = s.ListUnnotified(ctx, model.ChannelNtfy)
	if err != nil {
		t.Fatalf("list after approve: %v", err)
	}
	if diff := cmp.Diff([]string{"B0REVIEW01", "B0SKY00004", "B0SKY00005"}, asinsOf(books)); diff != "" {
		t.Errorf("unnotified after approve mismatch (-want +got):\n%s", diff)
	}

	if err := s.ApproveReview(ctx, "B0REVIEW01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("approve twice: got %v, want ErrNotFound", err)
	}
	if err := s.ApproveReview(ctx, "B0MISSING0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("approve missing: got %v, want ErrNotFound", err)
	}
}

func TestPruneReleased(t *testing.T) {
	now := time.Date(2026, 10, 18, 15, 30, 0, 0, time.UTC)
	records := map[string]string{
		"B0YESTERDY": "2026-10-17",
		"B0TODAY000": "2026-10-18",
		"B0TOMORROW": "2026-10-19",
		"B0LASTWEEK": "2026-10-11",
		"B0NODATE00": "",
	}

	tests := []struct {
		name        string
		grace       int
		wantCutoff  string
		wantRemoved int64
		wantKept    []string
	}{
		{
			name:        "no grace period",
			grace:       0,
			wantCutoff:  "2026-10-18",
			wantRemoved: 2,
			wantKept:    []string{"B0NODATE00", "B0TODAY000", "B0TOMORROW"},
		},
		{
			name:        "three day grace period",
			grace:       3,
			wantCutoff:  "2026-10-15",
			wantRemoved: 1,
			wantKept:    []string{"B0NODATE00", "B0TODAY000", "B0TOMORROW", "B0YESTERDY"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestDB(t)
			for asin, date := range records {
				b := skyVol4()
				b.ASIN = asin
				b.ReleaseDate = date
				if _, err := s.Upsert(ctx, b); err != nil {
					t.Fatalf("upsert %s: %v", asin, err)
				}
				if err := s.MarkNotified(ctx, asin, model.ChannelEmail); err != nil {
					t.Fatalf("mark %s: %v", asin, err)
				}
			}

			got, err := s.PruneReleased(ctx, now, tt.grace)
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			want := PruneResult{Cutoff: tt.wantCutoff, Removed: tt.wantRemoved}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("PruneReleased mismatch (-want +got):\n%s", diff)
			}

			var kept []string
			for _, asin := range []string{"B0LASTWEEK", "B0NODATE00", "B0TODAY000", "B0TOMORROW", "B0YESTERDY"} {
				if _, err := s.Get(ctx, asin); err == nil {
					kept = append(kept, asin)
				} else if !errors.Is(err, ErrNotFound) {
					t.Fatalf("get %s: %v", asin, err)
				}
			}
			if diff := cmp.Diff(tt.wantKept, kept); diff != "" {
				t.Errorf("kept records mismatch (-want +got):\n%s", diff)
			}

			var orphans int
			err = s.db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM notifications WHERE asin NOT IN (SELECT asin FROM audiobooks)`,
			).Scan(&orphans)
			if err != nil {
				t.Fatalf("count orphans: %v", err)
			}
			if orphans != 0 {
				t.Errorf("found %d orphaned notification rows", orphans)
			}
		})
	}
}

func TestPruneRejectsNegativeGrace(t *testing.T) {
	s := newTestDB(t)
	if _, err := s.PruneReleased(context.Background(), time.Now(), -1); err == nil {
		t.Fatal("expected error for negative grace period")
	}
}

func TestVacuumSchedule(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	interval := 7 * 24 * time.Hour
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	due, err := s.MaintenanceDue(ctx, interval, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if !due {
		t.Error("expected maintenance due before the first vacuum")
	}

	if err := s.Vacuum(ctx, now); err != nil {
		t.Fatalf("vacuum: %v", err)
	}

	tests := []struct {
		name     string
		at       time.Time
		interval time.Duration
		want     bool
	}{
		{"right after", now.Add(time.Hour), interval, false},
		{"interval elapsed", now.Add(interval), interval, true},
		{"disabled", now.Add(30 * 24 * time.Hour), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.MaintenanceDue(ctx, tt.interval, tt.at)
			if err != nil {
				t.Fatalf("due: %v", err)
			}
			if got != tt.want {
				t.Errorf("MaintenanceDue = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReleaseQueue(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	held := skyVol4()
	held.ASIN = "B0SKY00005"
	held.ReleaseDate = "2026-12-01"
	held.Confidence = 0.5
	held.NeedsReview = true
	approved := skyVol4()
	approved.ASIN = "B0APPROVE1"
	approved.ReleaseDate = "2026-11-20"
	approved.NeedsReview = true

	for _, b := range []model.Audiobook{skyVol4(), held, approved} {
		if _, err := s.Upsert(ctx, b); err != nil {
			t.Fatalf("upsert %s: %v", b.ASIN, err)
		}
	}
	pendingASINs := func() []string {
		t.Helper()
		books, err := s.PendingReleases(ctx)
		if err != nil {
			t.Fatalf("pending releases: %v", err)
		}
		return asinsOf(books)
	}
	if diff := cmp.Diff([]string{"B0SKY00004"}, pendingASINs()); diff != "" {
		t.Errorf("pending after insert mismatch (-want +got):\n%s", diff)
	}
	if err := s.ClearPendingReleases(ctx, []string{"B0SKY00004"}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := pendingASINs(); len(got) != 0 {
		t.Errorf("pending after clear = %v, want none", got)
	}

	// Seeing a stored record again does not queue it twice.
	if _, err := s.Upsert(ctx, skyVol4()); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if got := pendingASINs(); len(got) != 0 {
		t.Errorf("pending after repeat = %v, want none", got)
	}

	// A weak observation keeps the record held.
	res, err := s.Upsert(ctx, held)
	if err != nil {
		t.Fatalf("upsert held: %v", err)
	}
	if diff := cmp.Diff(UpsertResult{}, res); diff != "" {
		t.Errorf("weak observation mismatch (-want +got):\n%s", diff)
	}

	promoted := held
	promoted.Confidence = 0.9
	promoted.NeedsReview = false
	res, err = s.Upsert(ctx, promoted)
	if err != nil {
		t.Fatalf("upsert promoted: %v", err)
	}
	if diff := cmp.Diff(UpsertResult{Released: true}, res); diff != "" {
		t.Errorf("promotion mismatch (-want +got):\n%s", diff)
	}
	if err := s.ApproveReview(ctx, "B0APPROVE1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if diff := cmp.Diff([]string{"B0APPROVE1", "B0SKY00005"}, pendingASINs()); diff != "" {
		t.Errorf("pending after promotion and approval mismatch (-want +got):\n%s", diff)
	}
}

func TestPageCache(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	c := s.PageCache(24 * time.Hour)
	c.now = func() time.Time { return now }

	if _, ok, err := c.Get(ctx, "author|Jane Doe|1|50"); err != nil || ok {
		t.Fatalf("Get on empty cache = %v, %v", ok, err)
	}
	if err := c.Put(ctx, "author|Jane Doe|1|50", []byte(`{"products":[]}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	tests := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"fresh", time.Hour, true},
		{"just inside ttl", 24*time.Hour - time.Second, true},
		{"expired", 24 * time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.now = func() time.Time { return now.Add(tt.offset) }
			body, ok, err := c.Get(ctx, "author|Jane Doe|1|50")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if ok != tt.want {
				t.Fatalf("hit = %v, want %v", ok, tt.want)
			}
			if ok && string(body) != `{"products":[]}` {
				t.Errorf("body = %q", body)
			}
		})
	}

	removed, err := s.PruneCatalogCache(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneCatalogCache: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}
