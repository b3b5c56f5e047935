package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tinoosan/fable/internal/fp"
)

// tokenFileStore keeps one opaque token file per track in a dedicated
// directory, named by a stable hash of the track's identity.
type tokenFileStore struct {
	dir string
}

func newTokenFileStore(dir string) (*tokenFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}
	return &tokenFileStore{dir: dir}, nil
}

func (s *tokenFileStore) path(bookID, trackKey string) string {
	return filepath.Join(s.dir, fp.Fingerprint(bookID, trackKey)+".token")
}

func (s *tokenFileStore) SaveResumeToken(bookID, trackKey string, tok ResumeToken) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	p := s.path(bookID, trackKey)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (s *tokenFileStore) LoadResumeToken(bookID, trackKey string) (ResumeToken, bool, error) {
	b, err := os.ReadFile(s.path(bookID, trackKey))
	if errors.Is(err, fs.ErrNotExist) {
		return ResumeToken{}, false, nil
	}
	if err != nil {
		return ResumeToken{}, false, err
	}
	var tok ResumeToken
	if err := json.Unmarshal(b, &tok); err != nil {
		// A corrupt token is worse than none: resuming into the wrong
		// offset corrupts the file.
		_ = os.Remove(s.path(bookID, trackKey))
		return ResumeToken{}, false, nil
	}
	return tok, true, nil
}

func (s *tokenFileStore) ClearResumeToken(bookID, trackKey string) error {
	err := os.Remove(s.path(bookID, trackKey))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
