package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// ErrNoSession is returned by Load when nothing has been persisted yet.
var ErrNoSession = errors.New("no persisted session")

// FileStore keeps the session blob in a private JSON file.
type FileStore struct {
	path string
}

// NewFileStore binds the store to path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("session path is required")
	}
	return &FileStore{path: path}, nil
}

// Load reads the persisted session.
func (s *FileStore) Load(context.Context) (*harvest.Session, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	return harvest.UnmarshalSession(data)
}

// Save replaces the persisted session atomically with owner-only permissions.
func (s *FileStore) Save(_ context.Context, sess *harvest.Session) error {
	data, err := sess.Marshal()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create temp session: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	return nil
}
