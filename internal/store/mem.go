package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinoosan/fable/internal/data"
)

// MemStore is an in-memory Store used by tests and as a fallback when no
// durable backend is configured. It honors the same single-writer discipline
// as the durable implementations.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*data.PersistedDownload
	tokens  map[string]ResumeToken
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[string]*data.PersistedDownload),
		tokens:  make(map[string]ResumeToken),
	}
}

func recordKey(bookID, trackKey string) string { return bookID + "\x00" + trackKey }

func (s *MemStore) Get(ctx context.Context, bookID, trackKey string) (*data.PersistedDownload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey(bookID, trackKey)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemStore) ListByBook(ctx context.Context, bookID string) ([]*data.PersistedDownload, error) {
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

func (s *MemStore) RegisterDownload(ctx context.Context, rec *data.PersistedDownload) error {
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
	s.records[recordKey(c.BookID, c.TrackKey)] = c
	return nil
}

func (s *MemStore) UpdateProgress(ctx context.Context, bookID, trackKey string, downloaded, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(bookID, trackKey)]
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
	rec.Status = data.StatusInProgress
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) MarkCompleted(ctx context.Context, bookID, trackKey string) error {
	s.mu.Lock()
	rec, ok := s.records[recordKey(bookID, trackKey)]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	rec.Status = data.StatusCompleted
	if rec.TotalBytes > 0 {
		rec.DownloadedBytes = rec.TotalBytes
	}
	rec.UpdatedAt = time.Now()
	s.mu.Unlock()
	return s.ClearResumeToken(bookID, trackKey)
}

func (s *MemStore) MarkFailed(ctx context.Context, bookID, trackKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(bookID, trackKey)]
	if !ok {
		return ErrNotFound
	}
	rec.Status = data.StatusFailed
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) RemoveDownload(ctx context.Context, bookID, trackKey string) error {
	s.mu.Lock()
	delete(s.records, recordKey(bookID, trackKey))
	s.mu.Unlock()
	return s.ClearResumeToken(bookID, trackKey)
}

func (s *MemStore) Flush(ctx context.Context) error { return nil }

func (s *MemStore) ValidateAndRecoverDownloads(ctx context.Context, bookID string) ([]Recovery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []*data.PersistedDownload
	for _, rec := range s.records {
		if rec.BookID == bookID {
			recs = append(recs, rec)
		}
	}
	_, report := reconcile(recs)
	return report, nil
}

func (s *MemStore) SaveResumeToken(bookID, trackKey string, tok ResumeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[recordKey(bookID, trackKey)] = tok
	return nil
}

func (s *MemStore) LoadResumeToken(bookID, trackKey string) (ResumeToken, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[recordKey(bookID, trackKey)]
	return tok, ok, nil
}

func (s *MemStore) ClearResumeToken(bookID, trackKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, recordKey(bookID, trackKey))
	return nil
}

func (s *MemStore) Close() error { return nil }
