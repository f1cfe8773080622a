// Package plist stores posting lists as blocks in a kv.Collection. An Index
// reads and writes one collection, buffering appends to a single list in a
// BlockCache until a flush; a Pair routes appends to a small delta index and
// folds it into the main index with one merge.
//
// An Index is not safe for concurrent use. One writer at a time may append,
// flush or merge; readers must not run concurrently with a writer on the same
// collection.
package plist

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/metrics"
)

// OversizePolicy decides what happens to a chunk larger than a whole block.
type OversizePolicy int

const (
	// OversizeReject fails the append with ErrInvariantViolation.
	OversizeReject OversizePolicy = iota
	// OversizeIsolate stores the chunk alone in a new block that exceeds
	// BlockSize.
	OversizeIsolate
)

const (
	DefaultBlockSize      = 8 << 10
	DefaultFlushThreshold = 1 << 20
)

// Options configures an Index.
type Options struct {
	// BlockSize is the largest body a block grows to through appends.
	BlockSize int
	// FlushThreshold is the number of buffered chunk bytes above which an
	// append flushes the cache.
	FlushThreshold int
	Oversize       OversizePolicy
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		BlockSize:      DefaultBlockSize,
		FlushThreshold: DefaultFlushThreshold,
		Oversize:       OversizeReject,
	}
}

// OptionsFromConfig maps the index section of the configuration to Options.
func OptionsFromConfig(cfg config.IndexConfig, m *metrics.Metrics) Options {
	opts := DefaultOptions()
	if cfg.BlockSize > 0 {
		opts.BlockSize = cfg.BlockSize
	}
	if cfg.FlushThreshold > 0 {
		opts.FlushThreshold = cfg.FlushThreshold
	}
	if cfg.OversizePolicy == config.OversizeIsolate {
		opts.Oversize = OversizeIsolate
	}
	opts.Metrics = m
	return opts
}

// Chunk is an increment of posting bytes for one list. Records is the number
// of posting records encoded in Data; the engine never looks inside Data.
type Chunk struct {
	Data    []byte
	Records uint32
}

// Index is the read/write/merge path of one posting-list collection.
type Index struct {
	coll    kv.Collection
	cache   *BlockCache
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates an Index over coll. The collection is borrowed: the caller opens
// and closes it.
func New(coll kv.Collection, opts Options) *Index {
	defaults := DefaultOptions()
	if opts.BlockSize <= 0 {
		opts.BlockSize = defaults.BlockSize
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = defaults.FlushThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		coll:    coll,
		cache:   NewBlockCache(),
		opts:    opts,
		logger:  logger.With("component", "plist-index", "collection", coll.Name()),
		metrics: opts.Metrics,
	}
}

func (x *Index) Collection() kv.Collection { return x.coll }

func (x *Index) Options() Options { return x.opts }

// ListHeader returns the header of listID, or a zero header when the list
// does not exist yet.
func (x *Index) ListHeader(ctx context.Context, listID uint32) (ListHeader, error) {
	if owner, ok := x.cache.Owner(); ok && owner == listID {
		if lh, dirty := x.cache.ListHeader(); dirty {
			return lh, nil
		}
	}
	raw, err := x.coll.Get(ctx, BlockKey(listID, 0))
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return ListHeader{}, nil
	}
	if err != nil {
		return ListHeader{}, fmt.Errorf("reading header of list %d: %w", listID, err)
	}
	lh, _, err := DecodeHeader(raw)
	if err != nil {
		return ListHeader{}, fmt.Errorf("decoding header of list %d: %w", listID, err)
	}
	if lh == nil {
		return ListHeader{}, fmt.Errorf("%w: block 0 of list %d has no list header",
			apperrors.ErrCorruptBlock, listID)
	}
	return *lh, nil
}

// BlockHeader returns the header of one block. A missing block is reported
// with ok == false and no error.
func (x *Index) BlockHeader(ctx context.Context, listID, blockID uint32) (BlockHeader, bool, error) {
	if x.cache.Holds(listID, blockID) {
		pb, _ := x.cache.Get(blockID)
		return pb.Header, true, nil
	}
	raw, err := x.coll.Get(ctx, BlockKey(listID, blockID))
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return BlockHeader{}, false, nil
	}
	if err != nil {
		return BlockHeader{}, false, fmt.Errorf("reading block %d of list %d: %w", blockID, listID, err)
	}
	_, hdr, err := DecodeHeader(raw)
	if err != nil {
		return BlockHeader{}, false, fmt.Errorf("decoding block %d of list %d: %w", blockID, listID, err)
	}
	return hdr, true, nil
}

// ReadBlock returns a block's bytes, preferring the cache when it belongs to
// listID. With includeHeaders the encoded record is returned, otherwise only
// the posting body. A missing block yields nil and no error.
func (x *Index) ReadBlock(ctx context.Context, listID, blockID uint32, includeHeaders bool) ([]byte, error) {
	if x.cache.Holds(listID, blockID) {
		x.countRead("cache")
		pb, _ := x.cache.Get(blockID)
		if !includeHeaders {
			return bytes.Clone(pb.Body), nil
		}
		var lh *ListHeader
		if blockID == 0 {
			h, _ := x.cache.ListHeader()
			lh = &h
		}
		raw, _, err := Encode(lh, pb.Header, pb.Body)
		return raw, err
	}

	raw, err := x.coll.Get(ctx, BlockKey(listID, blockID))
	if apperrors.Is(err, apperrors.ErrNotFound) {
		x.countRead("miss")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading block %d of list %d: %w", blockID, listID, err)
	}
	x.countRead("store")
	if includeHeaders {
		return raw, nil
	}
	blk, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding block %d of list %d: %w", blockID, listID, err)
	}
	return blk.Body, nil
}

// block returns the decoded block, cache first.
func (x *Index) block(ctx context.Context, listID, blockID uint32) (Block, bool, error) {
	raw, err := x.ReadBlock(ctx, listID, blockID, true)
	if err != nil {
		return Block{}, false, err
	}
	if raw == nil {
		return Block{}, false, nil
	}
	blk, err := Decode(raw)
	if err != nil {
		return Block{}, false, fmt.Errorf("decoding block %d of list %d: %w", blockID, listID, err)
	}
	return blk, true, nil
}

// WriteBlock stores the encoded block data[:dataSize] directly in the
// collection, creating or replacing it. Any cached copy of the block is
// dropped so a later flush cannot overwrite the new bytes.
func (x *Index) WriteBlock(ctx context.Context, listID, blockID uint32, data []byte, dataSize int) error {
	if dataSize < 0 || dataSize > len(data) {
		return fmt.Errorf("%w: data size %d outside buffer of %d bytes",
			apperrors.ErrInvalidInput, dataSize, len(data))
	}
	raw := data[:dataSize]
	blk, err := Decode(raw)
	if err != nil {
		return fmt.Errorf("writing block %d of list %d: %w", blockID, listID, err)
	}
	if blk.Header.ID != blockID {
		return fmt.Errorf("%w: record for block %d written as block %d",
			apperrors.ErrInvariantViolation, blk.Header.ID, blockID)
	}
	if x.cache.Holds(listID, blockID) {
		x.cache.Evict(blockID)
	}
	if owner, ok := x.cache.Owner(); ok && owner == listID && blk.List != nil {
		x.cache.MarkListHeaderPersisted(*blk.List)
	}
	return x.put(ctx, listID, blockID, raw)
}

// AppendChunk appends chunk to listID through the cache.
//
// lh and bh are in/out: lh must be the list's current header (see
// ListHeader) and is updated with the new block count and totals; bh is set to
// the header of the block that received the chunk. The chunk goes to the last
// block when it fits, otherwise (or with forceNew) to a new block; it is never
// split. The list's MaxFID is stamped on the receiving block.
//
// The cache holds one list at a time. Appending to a different list than the
// one buffered drops the other list's unflushed blocks; call FlushCache first
// to keep them.
func (x *Index) AppendChunk(ctx context.Context, listID uint32, lh *ListHeader, bh *BlockHeader, chunk Chunk, forceNew bool) error {
	if lh == nil || bh == nil {
		return fmt.Errorf("%w: nil header passed to append", apperrors.ErrInvalidInput)
	}
	size := len(chunk.Data)
	if size == 0 {
		return nil
	}
	oversize := size > x.opts.BlockSize
	if oversize && x.opts.Oversize == OversizeReject {
		return fmt.Errorf("%w: chunk of %d bytes exceeds block size %d",
			apperrors.ErrInvariantViolation, size, x.opts.BlockSize)
	}

	if prev, owned := x.cache.Owner(); !owned || prev != listID {
		if discarded := x.cache.Bind(listID); discarded > 0 {
			x.logger.Warn("discarding unflushed blocks of previous list",
				"previous_list", prev,
				"list", listID,
				"bytes", discarded,
			)
			x.countDiscard(discarded)
		}
	}

	var target *PendingBlock
	if lh.BlockCount > 0 {
		lastID := lh.BlockCount - 1
		last, err := x.pendingForAppend(ctx, listID, lastID)
		if err != nil {
			return err
		}
		fits := int(last.Header.BodySize)+size <= x.opts.BlockSize
		if !forceNew && !oversize && fits {
			target = last
		}
	}
	if target == nil {
		id := lh.BlockCount
		target = &PendingBlock{Header: BlockHeader{ID: id, First: id == 0}}
		x.cache.Put(id, target)
		lh.BlockCount = id + 1
		x.countBlockCreated()
		x.logger.Debug("block created", "list", listID, "block", id)
	}

	target.Body = append(target.Body, chunk.Data...)
	target.Header.BodySize = uint32(len(target.Body))
	target.Header.RecordCount += chunk.Records
	target.Header.MaxFID = max(target.Header.MaxFID, lh.MaxFID)
	target.dirty = true

	lh.RecordCount += uint64(chunk.Records)
	lh.ByteCount += uint64(size)
	*bh = target.Header
	x.cache.SetListHeader(*lh)
	x.cache.Accumulate(size)
	x.countAppend(size)

	if x.cache.Accumulator() > x.opts.FlushThreshold {
		x.logger.Debug("block cache over threshold, flushing",
			"list", listID,
			"buffered", x.cache.Accumulator(),
			"threshold", x.opts.FlushThreshold,
		)
		return x.FlushCache(ctx)
	}
	return nil
}

// pendingForAppend returns the cached copy of a block, loading it from the
// collection into the cache first when needed.
func (x *Index) pendingForAppend(ctx context.Context, listID, blockID uint32) (*PendingBlock, error) {
	pb, ok, err := x.cache.Lookup(listID, blockID)
	if err != nil {
		return nil, err
	}
	if ok {
		return pb, nil
	}
	raw, err := x.coll.Get(ctx, BlockKey(listID, blockID))
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("%w: list %d header counts block %d but it is missing",
			apperrors.ErrInvariantViolation, listID, blockID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading block %d of list %d: %w", blockID, listID, err)
	}
	blk, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("loading block %d of list %d: %w", blockID, listID, err)
	}
	pb = &PendingBlock{Header: *blk.Header, Body: blk.Body}
	x.cache.Put(blockID, pb)
	return pb, nil
}

// UpdateListHeader persists lh as the header of listID. A list without a
// block 0 record gets an empty first block to carry the header.
func (x *Index) UpdateListHeader(ctx context.Context, listID uint32, lh ListHeader) error {
	owner, owned := x.cache.Owner()
	if owned && owner == listID {
		x.cache.MarkListHeaderPersisted(lh)
		if pb, ok := x.cache.Get(0); ok {
			raw, _, err := Encode(&lh, pb.Header, pb.Body)
			if err != nil {
				return err
			}
			if err := x.put(ctx, listID, 0, raw); err != nil {
				return err
			}
			pb.dirty = false
			return nil
		}
	}
	return x.persistListHeader(ctx, listID, lh)
}

func (x *Index) persistListHeader(ctx context.Context, listID uint32, lh ListHeader) error {
	hdr := BlockHeader{ID: 0}
	var body []byte
	raw, err := x.coll.Get(ctx, BlockKey(listID, 0))
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
	case err != nil:
		return fmt.Errorf("reading block 0 of list %d: %w", listID, err)
	default:
		blk, err := Decode(raw)
		if err != nil {
			return fmt.Errorf("updating header of list %d: %w", listID, err)
		}
		hdr = *blk.Header
		body = blk.Body
	}
	enc, _, err := Encode(&lh, hdr, body)
	if err != nil {
		return err
	}
	return x.put(ctx, listID, 0, enc)
}

// FlushCache writes every modified cached block, in ascending block order,
// and the owning list's header, then empties the cache. Flushing an empty
// cache does nothing. On error the cache is left intact so the caller can
// retry or ClearCache.
func (x *Index) FlushCache(ctx context.Context) error {
	listID, owned := x.cache.Owner()
	if !owned {
		return nil
	}
	lh, lhDirty := x.cache.ListHeader()
	buffered := x.cache.Accumulator()
	wroteFirst := false
	written := 0

	for _, id := range x.cache.BlockIDs() {
		pb, _ := x.cache.Get(id)
		first := id == 0
		if !pb.dirty && !(first && lhDirty) {
			continue
		}
		var lhp *ListHeader
		if first {
			lhp = &lh
			wroteFirst = true
		}
		raw, _, err := Encode(lhp, pb.Header, pb.Body)
		if err == nil {
			err = x.put(ctx, listID, id, raw)
		}
		if err != nil {
			x.countFlush("error")
			return fmt.Errorf("flushing block %d of list %d: %w", id, listID, err)
		}
		pb.dirty = false
		written++
	}
	if lhDirty && !wroteFirst {
		if err := x.persistListHeader(ctx, listID, lh); err != nil {
			x.countFlush("error")
			return fmt.Errorf("flushing header of list %d: %w", listID, err)
		}
	}

	x.cache.Clear()
	x.countFlush("ok")
	x.setCacheBytes(0)
	x.logger.Debug("block cache flushed",
		"list", listID,
		"blocks_written", written,
		"bytes_buffered", buffered,
	)
	return nil
}

// ClearCache drops everything buffered without writing it.
func (x *Index) ClearCache() {
	if discarded := x.cache.Accumulator(); discarded > 0 {
		listID, _ := x.cache.Owner()
		x.logger.Info("block cache cleared without flush", "list", listID, "bytes", discarded)
		x.countDiscard(discarded)
	}
	x.cache.Clear()
	x.setCacheBytes(0)
}

// Lists calls fn with every list id in the collection, in ascending order.
func (x *Index) Lists(ctx context.Context, fn func(listID uint32) error) error {
	return x.coll.Keys(ctx, func(key []byte) error {
		listID, blockID, ok := ParseBlockKey(key)
		if !ok || blockID != 0 {
			return nil
		}
		return fn(listID)
	})
}

func (x *Index) put(ctx context.Context, listID, blockID uint32, raw []byte) error {
	if err := x.coll.Put(ctx, BlockKey(listID, blockID), raw); err != nil {
		return fmt.Errorf("writing block %d of list %d: %w", blockID, listID, err)
	}
	return nil
}

func (x *Index) countRead(source string) {
	if x.metrics != nil {
		x.metrics.BlockReadsTotal.WithLabelValues(x.coll.Name(), source).Inc()
	}
}

func (x *Index) countAppend(size int) {
	if x.metrics == nil {
		return
	}
	name := x.coll.Name()
	x.metrics.ChunksAppendedTotal.WithLabelValues(name).Inc()
	x.metrics.ChunkBytesTotal.WithLabelValues(name).Add(float64(size))
	x.metrics.CacheBytes.WithLabelValues(name).Set(float64(x.cache.Accumulator()))
}

func (x *Index) countBlockCreated() {
	if x.metrics != nil {
		x.metrics.BlocksCreatedTotal.WithLabelValues(x.coll.Name()).Inc()
	}
}

func (x *Index) countFlush(status string) {
	if x.metrics != nil {
		x.metrics.CacheFlushesTotal.WithLabelValues(x.coll.Name(), status).Inc()
	}
}

func (x *Index) countDiscard(n int) {
	if x.metrics != nil {
		x.metrics.CacheDiscardsTotal.WithLabelValues(x.coll.Name()).Add(float64(n))
	}
}

func (x *Index) setCacheBytes(n int) {
	if x.metrics != nil {
		x.metrics.CacheBytes.WithLabelValues(x.coll.Name()).Set(float64(n))
	}
}
