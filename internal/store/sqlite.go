package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"github.com/tinoosan/fable/internal/data"
	"github.com/tinoosan/fable/internal/metrics"
)

// flushMilestone is the progress granularity for durable writes. Updating
// durable state on every byte-count callback would multiply write
// amplification for no recovery benefit; losing up to one milestone of
// progress on a crash is the accepted trade.
const flushMilestone = 0.05

// SQLiteStore persists download records in an embedded database under an
// application-private directory, with an in-memory working set in front of
// it. All durable writes go through a single-writer mutex; reads are served
// from the working set under a shared lock.
type SQLiteStore struct {
	db     *sql.DB
	tokens *tokenFileStore
	log    *slog.Logger

	mu          sync.RWMutex
	records     map[string]*data.PersistedDownload
	lastFlushed map[string]float64
	dirty       map[string]struct{}
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the state database at dbPath and the
// resume-token directory at tokenDir, then loads every persisted record into
// the working set to seed recovery.
func NewSQLiteStore(dbPath, tokenDir string, log *slog.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	tokens, err := newTokenFileStore(tokenDir)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to sqlite: %w", err)
	}

	s := &SQLiteStore{
		db:          db,
		tokens:      tokens,
		log:         log,
		records:     make(map[string]*data.PersistedDownload),
		lastFlushed: make(map[string]float64),
		dirty:       make(map[string]struct{}),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	if err := s.loadAll(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load state db: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS downloads (
	book_id           TEXT NOT NULL,
	track_key         TEXT NOT NULL,
	remote_source     TEXT NOT NULL DEFAULT '',
	local_destination TEXT NOT NULL DEFAULT '',
	total_bytes       INTEGER NOT NULL DEFAULT 0,
	downloaded_bytes  INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL,
	PRIMARY KEY (book_id, track_key)
);`)
	return err
}

func (s *SQLiteStore) loadAll() error {
	rows, err := s.db.Query(`SELECT book_id, track_key, remote_source, local_destination,
		total_bytes, downloaded_bytes, status, created_at, updated_at FROM downloads`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		rec := &data.PersistedDownload{}
		if err := rows.Scan(&rec.BookID, &rec.TrackKey, &rec.RemoteSource, &rec.LocalDestination,
			&rec.TotalBytes, &rec.DownloadedBytes, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return err
		}
		s.records[recordKey(rec.BookID, rec.TrackKey)] = rec
		s.lastFlushed[recordKey(rec.BookID, rec.TrackKey)] = rec.Fraction()
	}
	return rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, bookID, trackKey string) (*data.PersistedDownload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey(bookID, trackKey)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *SQLiteStore) ListByBook(ctx context.Context, bookID string) ([]*data.PersistedDownload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*data.PersistedDownload
	for _, rec := range s.records {
		if rec.BookID == bookID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *SQLiteStore) RegisterDownload(ctx context.Context, rec *data.PersistedDownload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := rec.Clone()
	if c.Status != "" && !c.Status.Valid() {
		return fmt.Errorf("register %s/%s: %w", c.BookID, c.TrackKey, data.ErrBadStatus)
	}
	if c.Status == "" {
		c.Status = data.StatusPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()
	key := recordKey(c.BookID, c.TrackKey)
	if prev, ok := s.records[key]; ok {
		// Re-registering a known download keeps its history; only the
		// source and destination may move.
		c.CreatedAt = prev.CreatedAt
		c.TotalBytes = max64(c.TotalBytes, prev.TotalBytes)
		c.DownloadedBytes = prev.DownloadedBytes
		if prev.Status != data.StatusCompleted {
			c.Status = prev.Status
		} else {
			c.Status = data.StatusCompleted
		}
	}
	s.records[key] = c
	return s.flushLocked(ctx, c)
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, bookID, trackKey string, downloaded, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(bookID, trackKey)
	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	rec.DownloadedBytes = downloaded
	if total > 0 {
		rec.TotalBytes = total
	}
	if rec.TotalBytes > 0 && rec.DownloadedBytes > rec.TotalBytes {
		rec.DownloadedBytes = rec.TotalBytes
	}
	statusChanged := rec.Status != data.StatusInProgress
	rec.Status = data.StatusInProgress
	rec.UpdatedAt = time.Now()
	s.dirty[key] = struct{}{}

	if statusChanged || rec.Fraction()-s.lastFlushed[key] >= flushMilestone || rec.Fraction() >= 1 {
		return s.flushLocked(ctx, rec)
	}
	return nil
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, bookID, trackKey string) error {
	s.mu.Lock()
	key := recordKey(bookID, trackKey)
	rec, ok := s.records[key]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	rec.Status = data.StatusCompleted
	if rec.TotalBytes > 0 {
		rec.DownloadedBytes = rec.TotalBytes
	} else {
		rec.TotalBytes = rec.DownloadedBytes
	}
	rec.UpdatedAt = time.Now()
	err := s.flushLocked(ctx, rec)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	// Stale tokens must never outlive a successful download.
	return s.tokens.ClearResumeToken(bookID, trackKey)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, bookID, trackKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(bookID, trackKey)]
	if !ok {
		return ErrNotFound
	}
	rec.Status = data.StatusFailed
	rec.UpdatedAt = time.Now()
	return s.flushLocked(ctx, rec)
}

func (s *SQLiteStore) RemoveDownload(ctx context.Context, bookID, trackKey string) error {
	s.mu.Lock()
	key := recordKey(bookID, trackKey)
	delete(s.records, key)
	delete(s.lastFlushed, key)
	delete(s.dirty, key)
	_, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE book_id = ? AND track_key = ?`, bookID, trackKey)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.tokens.ClearResumeToken(bookID, trackKey)
}

// Flush synchronously persists every record with unflushed progress. It is
// the forced-flush path for low-memory and app-suspension signals and must
// not return before the state is durable.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	timer := prometheus.NewTimer(metrics.StoreFlushLatency)
	defer timer.ObserveDuration()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.dirty {
		rec, ok := s.records[key]
		if !ok {
			delete(s.dirty, key)
			continue
		}
		if err := s.flushLocked(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ValidateAndRecoverDownloads(ctx context.Context, bookID string) ([]Recovery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []*data.PersistedDownload
	for _, rec := range s.records {
		if rec.BookID == bookID {
			recs = append(recs, rec)
		}
	}
	changed, report := reconcile(recs)
	for _, rec := range changed {
		rec.UpdatedAt = time.Now()
		if err := s.flushLocked(ctx, rec); err != nil {
			return report, err
		}
	}
	for _, r := range report {
		s.log.Info("recovered download record", "book", bookID, "track", r.TrackKey,
			"kind", string(r.Kind), "bytes_on_disk", r.BytesOnDisk)
	}
	return report, nil
}

// flushLocked writes one record durably. Callers hold the write lock.
func (s *SQLiteStore) flushLocked(ctx context.Context, rec *data.PersistedDownload) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO downloads (book_id, track_key, remote_source, local_destination,
	total_bytes, downloaded_bytes, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (book_id, track_key) DO UPDATE SET
	remote_source = excluded.remote_source,
	local_destination = excluded.local_destination,
	total_bytes = excluded.total_bytes,
	downloaded_bytes = excluded.downloaded_bytes,
	status = excluded.status,
	updated_at = excluded.updated_at`,
		rec.BookID, rec.TrackKey, rec.RemoteSource, rec.LocalDestination,
		rec.TotalBytes, rec.DownloadedBytes, rec.Status, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return err
	}
	key := recordKey(rec.BookID, rec.TrackKey)
	s.lastFlushed[key] = rec.Fraction()
	delete(s.dirty, key)
	return nil
}

func (s *SQLiteStore) SaveResumeToken(bookID, trackKey string, tok ResumeToken) error {
	return s.tokens.SaveResumeToken(bookID, trackKey, tok)
}

func (s *SQLiteStore) LoadResumeToken(bookID, trackKey string) (ResumeToken, bool, error) {
	return s.tokens.LoadResumeToken(bookID, trackKey)
}

func (s *SQLiteStore) ClearResumeToken(bookID, trackKey string) error {
	return s.tokens.ClearResumeToken(bookID, trackKey)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
