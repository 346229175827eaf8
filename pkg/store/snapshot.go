// Copyright 2024-2026 Aiku AI

package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/aiku/waforward/pkg/mirror"
)

var (
	snapshotEnc cbor.EncMode
	snapshotDec cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	snapshotEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	snapshotDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeSnapshot serializes a mirror snapshot into its on-disk form.
func EncodeSnapshot(snap mirror.Snapshot) ([]byte, error) {
	raw, err := snapshotEnc.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// DecodeSnapshot parses the on-disk form of a snapshot. Undecodable input
// and unknown versions are reported as ErrCorrupt.
func DecodeSnapshot(data []byte) (mirror.Snapshot, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return mirror.Snapshot{}, fmt.Errorf("%w: decompress snapshot: %v", ErrCorrupt, err)
	}
	var snap mirror.Snapshot
	if err = snapshotDec.Unmarshal(raw, &snap); err != nil {
		return mirror.Snapshot{}, fmt.Errorf("%w: decode snapshot: %v", ErrCorrupt, err)
	}
	if snap.Version != mirror.SnapshotVersion {
		return mirror.Snapshot{}, fmt.Errorf("%w: unsupported snapshot version %d", ErrCorrupt, snap.Version)
	}
	return snap, nil
}

// LoadSnapshot returns the last snapshot saved for slug, or ErrNotFound.
func (s *FileStore) LoadSnapshot(slug string) (mirror.Snapshot, error) {
	if err := checkSlug(slug); err != nil {
		return mirror.Snapshot{}, err
	}
	data, err := readFile(s.snapshotPath(slug))
	if err != nil {
		return mirror.Snapshot{}, err
	}
	return DecodeSnapshot(data)
}

// SaveSnapshot replaces the stored snapshot for slug.
func (s *FileStore) SaveSnapshot(slug string, snap mirror.Snapshot) error {
	if err := checkSlug(slug); err != nil {
		return err
	}
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err = writeFileAtomic(s.snapshotPath(slug), data, 0o600); err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", slug, err)
	}
	return nil
}
