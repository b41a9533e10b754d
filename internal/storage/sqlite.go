package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"audiotracker/internal/model"
	"audiotracker/migrations"
)

const (
	timeLayout = "2006-01-02T15:04:05Z"
	dateLayout = "2006-01-02"

	metaLastVacuum = "last_vacuum"
)

const bookColumns = `asin, title, author, narrator, publisher, series, series_number,
	release_date, language, link, confidence, needs_review, first_seen, last_checked`

// SQLite implements Storage backed by a SQLite database. All access goes
// through a single connection, so writes are serialized.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := migrations.Up(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Upsert inserts book if its ASIN is new. Otherwise placeholder values never
// overwrite stored ones, confidence only grows and the review flag is
// cleared once a preferred observation arrives.
func (s *SQLite) Upsert(ctx context.Context, book model.Audiobook) (UpsertResult, error) {
	now := time.Now().UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res UpsertResult
	var held int
	err = tx.QueryRowContext(ctx, `SELECT needs_review FROM audiobooks WHERE asin = ?`, book.ASIN).Scan(&held)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res.Inserted = true
	case err != nil:
		return UpsertResult{}, fmt.Errorf("check audiobook: %w", err)
	default:
		res.Released = held == 1 && !book.NeedsReview
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audiobooks (`+bookColumns+`, release_pending)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(asin) DO UPDATE SET
		   title         = CASE WHEN excluded.title IN ('', 'N/A') THEN audiobooks.title ELSE excluded.title END,
		   author        = CASE WHEN excluded.author IN ('', 'N/A') THEN audiobooks.author ELSE excluded.author END,
		   narrator      = CASE WHEN excluded.narrator IN ('', 'N/A') THEN audiobooks.narrator ELSE excluded.narrator END,
		   publisher     = CASE WHEN excluded.publisher IN ('', 'N/A') THEN audiobooks.publisher ELSE excluded.publisher END,
		   series        = CASE WHEN excluded.series IN ('', 'N/A') THEN audiobooks.series ELSE excluded.series END,
		   series_number = CASE WHEN excluded.series_number = '' THEN audiobooks.series_number ELSE excluded.series_number END,
		   release_date  = CASE WHEN excluded.release_date = '' THEN audiobooks.release_date ELSE excluded.release_date END,
		   language      = CASE WHEN excluded.language = '' THEN audiobooks.language ELSE excluded.language END,
		   link          = CASE WHEN excluded.link = '' THEN audiobooks.link ELSE excluded.link END,
		   confidence    = MAX(audiobooks.confidence, excluded.confidence),
		   needs_review  = MIN(audiobooks.needs_review, excluded.needs_review),
		   release_pending = CASE WHEN audiobooks.needs_review = 1 AND excluded.needs_review = 0
		                          THEN 1 ELSE audiobooks.release_pending END,
		   last_checked  = excluded.last_checked`,
		book.ASIN, orUnknown(book.Title), orUnknown(book.Author), orUnknown(book.Narrator),
		orUnknown(book.Publisher), orUnknown(book.Series), book.SeriesNumber, book.ReleaseDate,
		book.Language, book.Link, book.Confidence, boolToInt(book.NeedsReview), now, now,
		boolToInt(!book.NeedsReview),
	)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert audiobook: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

// Get returns a single audiobook by ASIN.
func (s *SQLite) Get(ctx context.Context, asin string) (*model.Audiobook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM audiobooks WHERE asin = ?`, asin)
	book, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", asin, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	books := []model.Audiobook{*book}
	if err := s.attachNotified(ctx, books); err != nil {
		return nil, err
	}
	return &books[0], nil
}

// ListUnnotified returns confident records not yet sent on channel,
// ordered by release date.
func (s *SQLite) ListUnnotified(ctx context.Context, channel string) ([]model.Audiobook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bookColumns+` FROM audiobooks a
		 WHERE a.needs_review = 0
		   AND NOT EXISTS (SELECT 1 FROM notifications n WHERE n.asin = a.asin AND n.channel = ?)
		 ORDER BY a.release_date, a.asin`, channel,
	)
	if err != nil {
		return nil, fmt.Errorf("query unnotified: %w", err)
	}
	books, err := scanBooks(rows)
	if err != nil {
		return nil, err
	}
	return books, s.attachNotified(ctx, books)
}

// ListReview returns records awaiting manual review.
func (s *SQLite) ListReview(ctx context.Context) ([]model.Audiobook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bookColumns+` FROM audiobooks WHERE needs_review = 1
		 ORDER BY confidence DESC, release_date, asin`,
	)
	if err != nil {
		return nil, fmt.Errorf("query review: %w", err)
	}
	return scanBooks(rows)
}

// ApproveReview clears the review flag so the record is notified and
// exported by the next run. Records that are not held return ErrNotFound.
func (s *SQLite) ApproveReview(ctx context.Context, asin string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE audiobooks SET needs_review = 0, release_pending = 1 WHERE asin = ? AND needs_review = 1`, asin)
	if err != nil {
		return fmt.Errorf("approve review: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("approve %s: %w", asin, ErrNotFound)
	}
	return nil
}

// PendingReleases returns records queued as new releases, ordered by
// release date.
func (s *SQLite) PendingReleases(ctx context.Context) ([]model.Audiobook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bookColumns+` FROM audiobooks
		 WHERE release_pending = 1 AND needs_review = 0
		 ORDER BY release_date, asin`,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending releases: %w", err)
	}
	return scanBooks(rows)
}

// ClearPendingReleases takes asins off the release queue.
func (s *SQLite) ClearPendingReleases(ctx context.Context, asins []string) error {
	if len(asins) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, asin := range asins {
		if _, err := tx.ExecContext(ctx, `UPDATE audiobooks SET release_pending = 0 WHERE asin = ?`, asin); err != nil {
			return fmt.Errorf("clear pending release %s: %w", asin, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear pending: %w", err)
	}
	return nil
}

// MarkNotified records that asin was sent on channel. Repeated calls are
// no-ops.
func (s *SQLite) MarkNotified(ctx context.Context, asin, channel string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notifications (asin, channel, notified_at) VALUES (?, ?, ?)`,
		asin, channel, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

// PruneReleased deletes records whose release date lies before the cutoff
// together with their notification rows. Records without a release date
// are kept.
func (s *SQLite) PruneReleased(ctx context.Context, now time.Time, graceDays int) (PruneResult, error) {
	if graceDays < 0 {
		return PruneResult{}, fmt.Errorf("negative grace period %d", graceDays)
	}
	cutoff := now.UTC().AddDate(0, 0, -graceDays).Format(dateLayout)
	res := PruneResult{Cutoff: cutoff}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM notifications WHERE asin IN
		 (SELECT asin FROM audiobooks WHERE release_date != '' AND release_date < ?)`, cutoff,
	); err != nil {
		return res, fmt.Errorf("delete notifications: %w", err)
	}
	r, err := tx.ExecContext(ctx,
		`DELETE FROM audiobooks WHERE release_date != '' AND release_date < ?`, cutoff,
	)
	if err != nil {
		return res, fmt.Errorf("delete audiobooks: %w", err)
	}
	if res.Removed, err = r.RowsAffected(); err != nil {
		return res, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit prune: %w", err)
	}
	return res, nil
}

// MaintenanceDue reports whether interval has passed since the last
// vacuum. A zero interval disables maintenance.
func (s *SQLite) MaintenanceDue(ctx context.Context, interval time.Duration, now time.Time) (bool, error) {
	if interval <= 0 {
		return false, nil
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaLastVacuum).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read last vacuum: %w", err)
	}
	last, err := time.Parse(timeLayout, raw)
	if err != nil {
		return true, nil
	}
	return now.Sub(last) >= interval, nil
}

// Vacuum compacts the database and records when it ran.
func (s *SQLite) Vacuum(ctx context.Context, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaLastVacuum, now.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record vacuum: %w", err)
	}
	return nil
}

// attachNotified fills the Notified set of each book.
func (s *SQLite) attachNotified(ctx context.Context, books []model.Audiobook) error {
	if len(books) == 0 {
		return nil
	}
	index := make(map[string]int, len(books))
	for i, b := range books {
		index[b.ASIN] = i
	}

	rows, err := s.db.QueryContext(ctx, `SELECT asin, channel FROM notifications ORDER BY asin, channel`)
	if err != nil {
		return fmt.Errorf("query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var asin, channel string
		if err := rows.Scan(&asin, &channel); err != nil {
			return fmt.Errorf("scan notification: %w", err)
		}
		if i, ok := index[asin]; ok {
			books[i].Notified = books[i].Notified.With(channel)
		}
	}
	return rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orUnknown(s string) string {
	if s == "" {
		return model.Unknown
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBook(row scannable) (*model.Audiobook, error) {
	var b model.Audiobook
	var needsReview int
	var firstSeen, lastChecked string
	err := row.Scan(&b.ASIN, &b.Title, &b.Author, &b.Narrator, &b.Publisher, &b.Series, &b.SeriesNumber,
		&b.ReleaseDate, &b.Language, &b.Link, &b.Confidence, &needsReview, &firstSeen, &lastChecked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan audiobook: %w", err)
	}
	b.NeedsReview = needsReview == 1
	b.FirstSeen, _ = time.Parse(timeLayout, firstSeen)
	b.LastChecked, _ = time.Parse(timeLayout, lastChecked)
	return &b, nil
}

func scanBooks(rows *sql.Rows) ([]model.Audiobook, error) {
	defer func() { _ = rows.Close() }()
	var books []model.Audiobook
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, *b)
	}
	return books, rows.Err()
}
