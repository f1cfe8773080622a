package plist

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/kv"
	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/tracing"
)

// MergeStats summarises one Merge call.
type MergeStats struct {
	Lists   int
	Blocks  int
	Records uint64
	Bytes   uint64
}

// Merge appends every list of other onto the same list of x. Each of other's
// block bodies is appended as one chunk, so the records of a list end up in
// x's existing order followed by other's order. Record and byte totals are
// taken from the list headers and MaxFID is the larger of the two. Both
// caches are flushed before merging and x's cache is flushed after each list.
//
// Merge consumes other: once a list is stored in x its records are removed
// from other. A failed list is rolled back in x, so calling Merge again after
// an error folds in only the lists that were not merged yet.
func (x *Index) Merge(ctx context.Context, other *Index) (MergeStats, error) {
	var stats MergeStats
	if other == nil || other == x {
		return stats, fmt.Errorf("%w: merge needs a distinct source index", apperrors.ErrInvalidInput)
	}
	if other.coll.Mode() == kv.ModeRead {
		return stats, fmt.Errorf("%w: merge source %s is open read-only",
			apperrors.ErrReadOnly, other.coll.Name())
	}
	start := time.Now()

	if err := other.FlushCache(ctx); err != nil {
		return stats, fmt.Errorf("flushing merge source: %w", err)
	}
	if err := x.FlushCache(ctx); err != nil {
		return stats, fmt.Errorf("flushing merge target: %w", err)
	}

	var ids []uint32
	if err := other.Lists(ctx, func(listID uint32) error {
		ids = append(ids, listID)
		return nil
	}); err != nil {
		return stats, fmt.Errorf("listing merge source: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			x.countMerge("error", start)
			return stats, err
		}
		if err := x.mergeList(ctx, other, id, &stats); err != nil {
			x.countMerge("error", start)
			return stats, fmt.Errorf("merging list %d: %w", id, err)
		}
	}

	x.countMerge("ok", start)
	x.logger.Info("merge completed",
		"source", other.coll.Name(),
		"lists", stats.Lists,
		"blocks", stats.Blocks,
		"records", stats.Records,
		"bytes", stats.Bytes,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return stats, nil
}

func (x *Index) mergeList(ctx context.Context, other *Index, listID uint32, stats *MergeStats) error {
	ctx, span := tracing.StartChildSpan(ctx, "merge-list")
	defer span.End()
	span.SetAttr("list", listID)

	src, err := other.ListHeader(ctx, listID)
	if err != nil {
		return err
	}
	before, err := x.ListHeader(ctx, listID)
	if err != nil {
		return err
	}
	snap, err := x.snapshotList(ctx, listID, before)
	if err != nil {
		return err
	}

	lh := before
	appended, err := x.appendSourceBlocks(ctx, other, listID, src, &lh)
	if err == nil {
		lh.RecordCount = before.RecordCount + src.RecordCount
		lh.ByteCount = before.ByteCount + src.ByteCount
		lh.MaxFID = max(before.MaxFID, src.MaxFID)
		err = x.storeMergedHeader(ctx, listID, lh)
	}
	if err != nil {
		if rerr := x.restoreList(ctx, snap, lh.BlockCount); rerr != nil {
			x.logger.Error("rolling back partially merged list failed",
				"list", listID,
				"error", rerr,
			)
		}
		return err
	}

	if err := other.removeList(ctx, listID, src.BlockCount); err != nil {
		return fmt.Errorf("removing merged list from %s: %w", other.coll.Name(), err)
	}

	stats.Lists++
	stats.Blocks += appended
	stats.Records += src.RecordCount
	stats.Bytes += src.ByteCount
	if x.metrics != nil {
		x.metrics.ListsMergedTotal.Inc()
	}
	span.SetAttr("blocks", appended)
	return nil
}

// appendSourceBlocks appends every non-empty block body of other's list to
// x through the cache and returns how many were appended.
func (x *Index) appendSourceBlocks(ctx context.Context, other *Index, listID uint32, src ListHeader, lh *ListHeader) (int, error) {
	var bh BlockHeader
	if lh.BlockCount > 0 {
		var err error
		if bh, _, err = x.BlockHeader(ctx, listID, lh.BlockCount-1); err != nil {
			return 0, err
		}
	}
	lh.MaxFID = max(lh.MaxFID, src.MaxFID)

	appended := 0
	for b := uint32(0); b < src.BlockCount; b++ {
		blk, ok, err := other.block(ctx, listID, b)
		if err != nil {
			return appended, err
		}
		if !ok {
			return appended, fmt.Errorf("%w: source list %d is missing block %d of %d",
				apperrors.ErrInvariantViolation, listID, b, src.BlockCount)
		}
		if len(blk.Body) == 0 {
			continue
		}
		chunk := Chunk{Data: blk.Body, Records: blk.Header.RecordCount}
		if err := x.AppendChunk(ctx, listID, lh, &bh, chunk, false); err != nil {
			return appended, err
		}
		appended++
	}
	return appended, nil
}

// storeMergedHeader flushes the list and persists lh as its header. A list
// that received no bodies still gets a header record.
func (x *Index) storeMergedHeader(ctx context.Context, listID uint32, lh ListHeader) error {
	if owner, ok := x.cache.Owner(); ok && owner == listID {
		x.cache.SetListHeader(lh)
		return x.FlushCache(ctx)
	}
	if err := x.FlushCache(ctx); err != nil {
		return err
	}
	return x.UpdateListHeader(ctx, listID, lh)
}

// listSnapshot holds the stored records of one list that a merge may
// overwrite: block 0, which carries the header, and the last block.
type listSnapshot struct {
	listID uint32
	blocks uint32
	saved  map[uint32][]byte
}

func (x *Index) snapshotList(ctx context.Context, listID uint32, lh ListHeader) (*listSnapshot, error) {
	snap := &listSnapshot{listID: listID, blocks: lh.BlockCount, saved: make(map[uint32][]byte)}
	ids := []uint32{0}
	if lh.BlockCount > 1 {
		ids = append(ids, lh.BlockCount-1)
	}
	for _, id := range ids {
		raw, err := x.coll.Get(ctx, BlockKey(listID, id))
		if apperrors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("saving block %d of list %d: %w", id, listID, err)
		}
		snap.saved[id] = raw
	}
	return snap, nil
}

// restoreList drops the cache and puts the list back as it was before the
// merge. grown is the block count the list may have reached.
func (x *Index) restoreList(ctx context.Context, snap *listSnapshot, grown uint32) error {
	x.ClearCache()
	for id := snap.blocks; id < grown; id++ {
		if id == 0 {
			continue
		}
		if err := x.coll.Remove(ctx, BlockKey(snap.listID, id)); err != nil {
			return err
		}
	}
	if _, ok := snap.saved[0]; !ok {
		if err := x.coll.Remove(ctx, BlockKey(snap.listID, 0)); err != nil {
			return err
		}
	}
	for id, raw := range snap.saved {
		if err := x.put(ctx, snap.listID, id, raw); err != nil {
			return err
		}
	}
	return nil
}

// removeList deletes a list's records. Block 0 goes first so an interrupted
// removal no longer lists the list; leftover blocks are cleared by Drop.
func (x *Index) removeList(ctx context.Context, listID, blockCount uint32) error {
	if owner, ok := x.cache.Owner(); ok && owner == listID {
		x.ClearCache()
	}
	for id := uint32(0); id < max(blockCount, 1); id++ {
		if err := x.coll.Remove(ctx, BlockKey(listID, id)); err != nil {
			return fmt.Errorf("removing block %d of list %d: %w", id, listID, err)
		}
	}
	return nil
}

func (x *Index) countMerge(status string, start time.Time) {
	if x.metrics == nil {
		return
	}
	x.metrics.MergesTotal.WithLabelValues(status).Inc()
	x.metrics.MergeDuration.Observe(time.Since(start).Seconds())
}
