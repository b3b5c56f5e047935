package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tinoosan/fable/internal/data"
	"github.com/tinoosan/fable/internal/fp"
)

// PostgresStore implements Store backed by PostgreSQL, for server-side
// deployments of the toolkit where many devices' download state is tracked
// centrally. Writes go straight through; Flush is a no-op because every
// mutation is already durable.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore constructs a store using the provided DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromEnv builds the DSN from component env vars, with
// defaults: FABLE_PG_HOST (postgres), FABLE_PG_PORT (5432), FABLE_PG_DB
// (fable), FABLE_PG_USER (fable), FABLE_PG_PASSWORD (empty),
// FABLE_PG_SSLMODE (disable).
func NewPostgresStoreFromEnv() (*PostgresStore, error) {
	host := getenv("FABLE_PG_HOST", "postgres")
	port := getenv("FABLE_PG_PORT", "5432")
	db := getenv("FABLE_PG_DB", "fable")
	user := getenv("FABLE_PG_USER", "fable")
	pass := getenv("FABLE_PG_PASSWORD", "")
	ssl := getenv("FABLE_PG_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + db,
	}
	q := url.Values{}
	q.Set("sslmode", ssl)
	u.RawQuery = q.Encode()
	return NewPostgresStore(u.String())
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS downloads (
	book_id           TEXT NOT NULL,
	track_key         TEXT NOT NULL,
	remote_source     TEXT NOT NULL DEFAULT '',
	local_destination TEXT NOT NULL DEFAULT '',
	total_bytes       BIGINT NOT NULL DEFAULT 0,
	downloaded_bytes  BIGINT NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (book_id, track_key)
);
CREATE TABLE IF NOT EXISTS resume_tokens (
	fingerprint TEXT PRIMARY KEY,
	token       JSONB NOT NULL
);`)
	return err
}

const pgSelectCols = `book_id, track_key, remote_source, local_destination,
	total_bytes, downloaded_bytes, status, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (*data.PersistedDownload, error) {
	rec := &data.PersistedDownload{}
	err := row.Scan(&rec.BookID, &rec.TrackKey, &rec.RemoteSource, &rec.LocalDestination,
		&rec.TotalBytes, &rec.DownloadedBytes, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, bookID, trackKey string) (*data.PersistedDownload, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgSelectCols+` FROM downloads WHERE book_id = $1 AND track_key = $2`, bookID, trackKey)
	return scanRecord(row)
}

func (s *PostgresStore) ListByBook(ctx context.Context, bookID string) ([]*data.PersistedDownload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgSelectCols+` FROM downloads WHERE book_id = $1 ORDER BY track_key`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*data.PersistedDownload
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RegisterDownload(ctx context.Context, rec *data.PersistedDownload) error {
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
	_, err := s.db.ExecContext(ctx, `
INSERT INTO downloads (book_id, track_key, remote_source, local_destination,
	total_bytes, downloaded_bytes, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (book_id, track_key) DO UPDATE SET
	remote_source = EXCLUDED.remote_source,
	local_destination = EXCLUDED.local_destination,
	updated_at = EXCLUDED.updated_at`,
		c.BookID, c.TrackKey, c.RemoteSource, c.LocalDestination,
		c.TotalBytes, c.DownloadedBytes, c.Status, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, bookID, trackKey string, downloaded, total int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE downloads SET
	downloaded_bytes = LEAST($3, CASE WHEN $4 > 0 THEN $4 ELSE total_bytes END),
	total_bytes = CASE WHEN $4 > 0 THEN $4 ELSE total_bytes END,
	status = $5,
	updated_at = now()
WHERE book_id = $1 AND track_key = $2`,
		bookID, trackKey, downloaded, total, data.StatusInProgress)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, bookID, trackKey string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE downloads SET
	status = $3,
	downloaded_bytes = CASE WHEN total_bytes > 0 THEN total_bytes ELSE downloaded_bytes END,
	total_bytes = CASE WHEN total_bytes > 0 THEN total_bytes ELSE downloaded_bytes END,
	updated_at = now()
WHERE book_id = $1 AND track_key = $2`,
		bookID, trackKey, data.StatusCompleted)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return s.ClearResumeToken(bookID, trackKey)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, bookID, trackKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET status = $3, updated_at = now() WHERE book_id = $1 AND track_key = $2`,
		bookID, trackKey, data.StatusFailed)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) RemoveDownload(ctx context.Context, bookID, trackKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM downloads WHERE book_id = $1 AND track_key = $2`, bookID, trackKey)
	if err != nil {
		return err
	}
	return s.ClearResumeToken(bookID, trackKey)
}

func (s *PostgresStore) Flush(ctx context.Context) error { return nil }

func (s *PostgresStore) ValidateAndRecoverDownloads(ctx context.Context, bookID string) ([]Recovery, error) {
	recs, err := s.ListByBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	changed, report := reconcile(recs)
	for _, rec := range changed {
		_, err := s.db.ExecContext(ctx, `
UPDATE downloads SET status = $3, downloaded_bytes = $4, updated_at = now()
WHERE book_id = $1 AND track_key = $2`,
			rec.BookID, rec.TrackKey, rec.Status, rec.DownloadedBytes)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (s *PostgresStore) SaveResumeToken(bookID, trackKey string, tok ResumeToken) error {
	_, err := s.db.Exec(`
INSERT INTO resume_tokens (fingerprint, token)
VALUES ($1, jsonb_build_object('part', $2::int, 'offset', $3::bigint, 'etag', $4::text))
ON CONFLICT (fingerprint) DO UPDATE SET token = EXCLUDED.token`,
		fp.Fingerprint(bookID, trackKey), tok.Part, tok.Offset, tok.ETag)
	return err
}

func (s *PostgresStore) LoadResumeToken(bookID, trackKey string) (ResumeToken, bool, error) {
	var part int
	var offset int64
	var etag string
	err := s.db.QueryRow(`
SELECT (token->>'part')::int, (token->>'offset')::bigint, COALESCE(token->>'etag', '')
FROM resume_tokens WHERE fingerprint = $1`,
		fp.Fingerprint(bookID, trackKey)).Scan(&part, &offset, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return ResumeToken{}, false, nil
	}
	if err != nil {
		return ResumeToken{}, false, err
	}
	return ResumeToken{Part: part, Offset: offset, ETag: etag}, true, nil
}

func (s *PostgresStore) ClearResumeToken(bookID, trackKey string) error {
	_, err := s.db.Exec(`DELETE FROM resume_tokens WHERE fingerprint = $1`,
		fp.Fingerprint(bookID, trackKey))
	return err
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
