// Copyright 2024-2026 Aiku AI

package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// AssetID returns the CIDv1 (raw codec, sha2-256) of data.
func AssetID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// PutAsset stores media for a session and returns the absolute path of the
// stored file. Identical content maps to the same file, so concurrent
// forwards of different media never overwrite each other.
func (s *FileStore) PutAsset(slug, kind, ext string, data []byte) (string, error) {
	if err := checkSlug(slug); err != nil {
		return "", err
	}
	id, err := AssetID(data)
	if err != nil {
		return "", fmt.Errorf("failed to hash asset: %w", err)
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		ext = "bin"
	}
	dir := filepath.Join(s.root, assetsDir, slug)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create asset directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.%s", kind, id.String(), ext))
	if _, err = os.Stat(path); err == nil {
		return path, nil
	}
	if err = writeFileAtomic(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write asset: %w", err)
	}
	s.log.Debug().Str("session", slug).Str("asset", filepath.Base(path)).Int("size", len(data)).Msg("Stored asset")
	return path, nil
}

// ReadAsset returns the content of a stored asset and verifies it still
// matches the identifier in its file name.
func (s *FileStore) ReadAsset(path string) ([]byte, error) {
	rel, err := filepath.Rel(filepath.Join(s.root, assetsDir), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("store: asset path %q is outside the asset directory", path)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
	} else if err != nil {
		return nil, fmt.Errorf("failed to read asset: %w", err)
	}
	if expected, ok := assetIDFromName(filepath.Base(path)); ok {
		actual, err := AssetID(data)
		if err != nil || !actual.Equals(expected) {
			return nil, fmt.Errorf("%w: asset %s does not match its content id", ErrCorrupt, filepath.Base(path))
		}
	}
	return data, nil
}

// DrainAsset reads r fully and stores the content as an asset.
func (s *FileStore) DrainAsset(slug, kind, ext string, r io.Reader) (string, int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read media stream: %w", err)
	}
	path, err := s.PutAsset(slug, kind, ext, data)
	return path, len(data), err
}

func assetIDFromName(name string) (cid.Cid, bool) {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	underscore := strings.IndexByte(name, '_')
	if underscore < 0 {
		return cid.Undef, false
	}
	id, err := cid.Decode(name[underscore+1:])
	if err != nil {
		return cid.Undef, false
	}
	return id, true
}
