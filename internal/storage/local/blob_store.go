// Package local implements a filesystem object store. It backs the capture
// spool and can also serve as the remote store for single-host deployments.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/storage"
)

const tempPrefix = ".partial-"

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	baseDir string
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// BaseDir returns the store root.
func (s *BlobStore) BaseDir() string { return s.baseDir }

// resolve maps key to a path inside baseDir, rejecting traversal.
func (s *BlobStore) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", harvest.Errorf(harvest.KindInvalidInput, "resolve key", "key is required")
	}
	full := filepath.Clean(filepath.Join(s.baseDir, key))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", harvest.Errorf(harvest.KindInvalidInput, "resolve key", "path traversal detected in %q", key)
	}
	return full, nil
}

func (s *BlobStore) location(key, full string, size int64) harvest.Location {
	return harvest.Location{Key: key, URI: "file://" + full, Size: size}
}

// Put writes data atomically so a crashed write never leaves a partial
// artifact under its final name.
func (s *BlobStore) Put(_ context.Context, key, _ string, data []byte) (harvest.Location, error) {
	full, err := s.resolve(key)
	if err != nil {
		return harvest.Location{}, err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return harvest.Location{}, fmt.Errorf("failed to create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return harvest.Location{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // already renamed on success
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return harvest.Location{}, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return harvest.Location{}, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return harvest.Location{}, fmt.Errorf("failed to move file into place: %w", err)
	}
	return s.location(key, full, int64(len(data))), nil
}

// Get reads the object stored under key.
func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is confined to baseDir by resolve.
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.NotFound("get object", key)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Exists stats the object stored under key.
func (s *BlobStore) Exists(_ context.Context, key string) (harvest.Location, bool, error) {
	full, err := s.resolve(key)
	if err != nil {
		return harvest.Location{}, false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return harvest.Location{}, false, nil
		}
		return harvest.Location{}, false, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return harvest.Location{}, false, nil
	}
	return s.location(key, full, info.Size()), true, nil
}

// List returns every stored object under prefix, skipping in-progress writes.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]harvest.Location, error) {
	root := s.baseDir
	if p := strings.Trim(prefix, "/"); p != "" {
		var err error
		if root, err = s.resolve(p); err != nil {
			return nil, err
		}
	}
	var out []harvest.Location
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fs.SkipAll
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		out = append(out, s.location(filepath.ToSlash(rel), path, info.Size()))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	return out, nil
}

var (
	_ harvest.ObjectStore = (*BlobStore)(nil)
	_ storage.Lister      = (*BlobStore)(nil)
)
