package datastore

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/plist"
)

// The OnIndexer* hooks are called by the indexer while it builds posting
// lists. In build-merge mode they write to the delta index, otherwise to the
// main index.

// OnIndexerStart marks the beginning of an indexing session.
func (s *Store) OnIndexerStart(ctx context.Context) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	s.run++
	s.logger.Info("indexing session started", "run", s.run, "op", s.op.String())
	if s.listener != nil {
		s.listener.OnIndexingBegin()
	}
	return nil
}

// OnIndexerEnd flushes the active index and, in build-merge mode, merges
// the delta into the main index. The returned stats are zero outside
// build-merge mode.
func (s *Store) OnIndexerEnd(ctx context.Context) (plist.MergeStats, error) {
	var stats plist.MergeStats
	if err := s.ensureWritable(); err != nil {
		return stats, err
	}
	if err := s.active().FlushCache(ctx); err != nil {
		return stats, fmt.Errorf("flushing at end of indexing: %w", err)
	}
	if s.op == OpBuildMerge {
		var err error
		if stats, err = s.pair.CommitMerge(ctx); err != nil {
			return stats, err
		}
	}
	s.logger.Info("indexing session ended", "run", s.run, "lists_merged", stats.Lists)
	if s.listener != nil {
		s.listener.OnIndexingEnd()
	}
	return stats, nil
}

// CommitMerge merges the delta index into the main index outside of an
// OnIndexerEnd call. Only valid in build-merge mode.
func (s *Store) CommitMerge(ctx context.Context) (plist.MergeStats, error) {
	if err := s.ensureWritable(); err != nil {
		return plist.MergeStats{}, err
	}
	if s.op != OpBuildMerge {
		return plist.MergeStats{}, nil
	}
	return s.pair.CommitMerge(ctx)
}

func (s *Store) OnIndexerFlushStart(ctx context.Context) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if s.listener != nil {
		s.listener.OnFlushBegin()
	}
	return nil
}

// OnIndexerFlushEnd writes the blocks buffered in the active index.
func (s *Store) OnIndexerFlushEnd(ctx context.Context) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if err := s.active().FlushCache(ctx); err != nil {
		return err
	}
	if s.listener != nil {
		s.listener.OnFlushEnd()
	}
	return nil
}

// OnIndexerListHeader returns the list header from the active index.
func (s *Store) OnIndexerListHeader(ctx context.Context, listID uint32) (plist.ListHeader, error) {
	if err := s.ensureWritable(); err != nil {
		return plist.ListHeader{}, err
	}
	return s.active().ListHeader(ctx, listID)
}

// OnIndexerBlockHeader returns a block header from the active index, or a
// zero header when the block does not exist.
func (s *Store) OnIndexerBlockHeader(ctx context.Context, listID, blockID uint32) (plist.BlockHeader, error) {
	if err := s.ensureWritable(); err != nil {
		return plist.BlockHeader{}, err
	}
	hdr, _, err := s.active().BlockHeader(ctx, listID, blockID)
	return hdr, err
}

// OnIndexerChunk appends chunk to the last block of the list, or to a new
// block when it does not fit.
func (s *Store) OnIndexerChunk(ctx context.Context, listID uint32, lh *plist.ListHeader, bh *plist.BlockHeader, chunk plist.Chunk) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	return s.active().AppendChunk(ctx, listID, lh, bh, chunk, false)
}

// OnIndexerNewBlock appends chunk as the first content of a new block.
func (s *Store) OnIndexerNewBlock(ctx context.Context, listID uint32, lh *plist.ListHeader, bh *plist.BlockHeader, chunk plist.Chunk) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	return s.active().AppendChunk(ctx, listID, lh, bh, chunk, true)
}

func (s *Store) OnIndexerFingerprint(ctx context.Context, fid uint32, data []byte) error {
	return s.PutFingerprint(ctx, fid, data)
}
