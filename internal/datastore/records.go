package datastore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/plist"
	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
)

// Info is the datastore-wide settings record.
type Info struct {
	MatchType int `json:"match_type"`
}

var infoKey = []byte("info")

func fidKey(fid uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, fid)
	return key
}

// PutFingerprint stores the fingerprint data of fid, replacing any previous one.
func (s *Store) PutFingerprint(ctx context.Context, fid uint32, data []byte) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if err := s.fingerprints.Put(ctx, fidKey(fid), data); err != nil {
		return fmt.Errorf("writing fingerprint %d: %w", fid, err)
	}
	return nil
}

// FingerprintSize returns the size in bytes of fingerprint fid, or 0 when
// there is none.
func (s *Store) FingerprintSize(ctx context.Context, fid uint32) (int, error) {
	data, err := s.getOptional(ctx, s.fingerprints, fidKey(fid))
	if err != nil {
		return 0, fmt.Errorf("reading fingerprint %d: %w", fid, err)
	}
	return len(data), nil
}

// Fingerprint reads fingerprint fid. With n == 0 the whole fingerprint is
// returned; otherwise at most n bytes starting at offset. A missing
// fingerprint yields nil.
func (s *Store) Fingerprint(ctx context.Context, fid uint32, n, offset int) ([]byte, error) {
	if n < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: negative fingerprint range", apperrors.ErrInvalidInput)
	}
	data, err := s.getOptional(ctx, s.fingerprints, fidKey(fid))
	if err != nil {
		return nil, fmt.Errorf("reading fingerprint %d: %w", fid, err)
	}
	if data == nil || n == 0 {
		return data, nil
	}
	if offset >= len(data) {
		return []byte{}, nil
	}
	end := min(offset+n, len(data))
	return data[offset:end], nil
}

func (s *Store) FingerprintCount(ctx context.Context) (uint64, error) {
	n, err := s.fingerprints.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting fingerprints: %w", err)
	}
	return n, nil
}

func (s *Store) PutMetadata(ctx context.Context, fid uint32, meta string) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if err := s.metadata.Put(ctx, fidKey(fid), []byte(meta)); err != nil {
		return fmt.Errorf("writing metadata of %d: %w", fid, err)
	}
	return nil
}

// Metadata returns the metadata of fid, or "" when there is none.
func (s *Store) Metadata(ctx context.Context, fid uint32) (string, error) {
	data, err := s.getOptional(ctx, s.metadata, fidKey(fid))
	if err != nil {
		return "", fmt.Errorf("reading metadata of %d: %w", fid, err)
	}
	return string(data), nil
}

func (s *Store) PutInfo(ctx context.Context, info Info) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding info: %w", err)
	}
	if err := s.info.Put(ctx, infoKey, data); err != nil {
		return fmt.Errorf("writing info: %w", err)
	}
	return nil
}

// Info returns the stored info record, or a zero Info when none was written.
func (s *Store) Info(ctx context.Context) (Info, error) {
	var info Info
	data, err := s.getOptional(ctx, s.info, infoKey)
	if err != nil {
		return info, fmt.Errorf("reading info: %w", err)
	}
	if data == nil {
		return info, nil
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("%w: decoding info record: %v", apperrors.ErrCorruptBlock, err)
	}
	return info, nil
}

// PListBlock reads one block of a list from the main index. See
// plist.Index.ReadBlock for the meaning of headers.
func (s *Store) PListBlock(ctx context.Context, listID, blockID uint32, headers bool) ([]byte, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.mainIndex.ReadBlock(ctx, listID, blockID, headers)
}

// ListHeader returns the header of a list in the main index.
func (s *Store) ListHeader(ctx context.Context, listID uint32) (plist.ListHeader, error) {
	if err := s.ensureOpen(); err != nil {
		return plist.ListHeader{}, err
	}
	return s.mainIndex.ListHeader(ctx, listID)
}

func (s *Store) getOptional(ctx context.Context, c kv.Collection, key []byte) ([]byte, error) {
	data, err := c.Get(ctx, key)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return data, err
}
