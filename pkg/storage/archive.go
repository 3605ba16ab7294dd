package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotStored is returned when a key has no file, usually because retention removed it.
var ErrNotStored = errors.New("export not stored")

// Archive keeps rendered exports on local disk, one directory per tenant, until retention purges them.
type Archive struct {
	baseDir string
	now     func() time.Time
}

// NewArchive ensures the base directory exists.
func NewArchive(baseDir string) (*Archive, error) {
	if baseDir == "" {
		baseDir = "./exports"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export archive: %w", err)
	}
	return &Archive{baseDir: baseDir, now: time.Now}, nil
}

// Put stores data under tenantID and returns the archive key. The key is unique per call so concurrent exports of
// the same sheet never overwrite each other.
func (a *Archive) Put(tenantID, filename string, data []byte) (string, error) {
	if tenantID == "" {
		tenantID = "shared"
	}
	key := filepath.ToSlash(filepath.Join(filepath.Base(tenantID), uuid.NewString()+"-"+filepath.Base(filename)))
	path, err := a.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare export directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return key, nil
}

// Read returns the stored bytes for key.
func (a *Archive) Read(key string) ([]byte, error) {
	path, err := a.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotStored
	}
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	return data, nil
}

// Purge removes exports older than maxAge and reports how many were deleted.
func (a *Archive) Purge(maxAge time.Duration) (int, error) {
	cutoff := a.now().Add(-maxAge)
	removed := 0
	err := filepath.WalkDir(a.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("purge exports: %w", err)
	}
	return removed, nil
}

// resolve maps a key into the base directory and rejects keys that would escape it.
func (a *Archive) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid export key %q", key)
	}
	return filepath.Join(a.baseDir, clean), nil
}
