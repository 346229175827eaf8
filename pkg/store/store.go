// Copyright 2024-2026 Aiku AI

// Package store persists per-session credentials, local mirror snapshots and
// forwarded media on the filesystem.
//
// Layout under the root directory:
//
//	auth/<slug>.json        credential blob (auth/<slug>.json.age when sealed)
//	data/<slug>.snapshot    zstd-compressed CBOR mirror snapshot
//	assets/<slug>/          content-addressed media files
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when nothing has been stored for a slug yet.
var ErrNotFound = errors.New("store: not found")

// ErrCorrupt is returned when stored data exists but cannot be decoded.
var ErrCorrupt = errors.New("store: corrupt data")

const (
	authDir   = "auth"
	dataDir   = "data"
	assetsDir = "assets"
)

// FileStore is a filesystem-backed store. Writes are atomic per file: a
// reader sees either the previous or the new content, never a partial write.
type FileStore struct {
	root   string
	sealer *Sealer
	log    zerolog.Logger
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithSealer encrypts credential blobs at rest.
func WithSealer(s *Sealer) Option {
	return func(fs *FileStore) {
		fs.sealer = s
	}
}

// WithLogger sets the store logger.
func WithLogger(log zerolog.Logger) Option {
	return func(fs *FileStore) {
		fs.log = log.With().Str("component", "store").Logger()
	}
}

// New creates the directory layout under root.
func New(root string, opts ...Option) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("store: root directory is required")
	}
	s := &FileStore{root: root, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{authDir, dataDir, assetsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *FileStore) Root() string {
	return s.root
}

func checkSlug(slug string) error {
	if slug == "" || slug == "." || slug == ".." || strings.ContainsAny(slug, `/\`) {
		return fmt.Errorf("store: invalid slug %q", slug)
	}
	return nil
}

func (s *FileStore) credentialsPath(slug string) string {
	name := slug + ".json"
	if s.sealer != nil {
		name += ".age"
	}
	return filepath.Join(s.root, authDir, name)
}

func (s *FileStore) snapshotPath(slug string) string {
	return filepath.Join(s.root, dataDir, slug+".snapshot")
}

// LoadCredentials returns the stored credential blob for slug, or
// ErrNotFound.
func (s *FileStore) LoadCredentials(slug string) ([]byte, error) {
	if err := checkSlug(slug); err != nil {
		return nil, err
	}
	data, err := readFile(s.credentialsPath(slug))
	if err != nil {
		return nil, err
	}
	if s.sealer != nil {
		data, err = s.sealer.Open(data)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal credentials for %s: %w", slug, err)
		}
	}
	return data, nil
}

// SaveCredentials replaces the stored credential blob for slug.
func (s *FileStore) SaveCredentials(slug string, blob []byte) error {
	if err := checkSlug(slug); err != nil {
		return err
	}
	data := blob
	if s.sealer != nil {
		var err error
		data, err = s.sealer.Seal(blob)
		if err != nil {
			return fmt.Errorf("failed to seal credentials for %s: %w", slug, err)
		}
	}
	if err := writeFileAtomic(s.credentialsPath(slug), data, 0o600); err != nil {
		return fmt.Errorf("failed to save credentials for %s: %w", slug, err)
	}
	return nil
}

// DeleteCredentials removes the stored credentials of a logged out session.
func (s *FileStore) DeleteCredentials(slug string) error {
	if err := checkSlug(slug); err != nil {
		return err
	}
	err := os.Remove(s.credentialsPath(slug))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete credentials for %s: %w", slug, err)
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// writeFileAtomic writes data to a temporary file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if _, err = tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err = tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
