package plist

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/kv"
	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeAppendsSourceLists(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(DefaultBlockSize)
	main := newTestIndex(t, "index", opts)
	delta := newTestIndex(t, "delta-index", testOptions(DefaultBlockSize))

	appendTo(t, main, 1, "aa", 1)
	require.NoError(t, main.FlushCache(ctx))

	appendTo(t, delta, 1, "bbb", 2)
	require.NoError(t, delta.FlushCache(ctx))
	appendTo(t, delta, 2, "c", 1)

	stats, err := main.Merge(ctx, delta)
	require.NoError(t, err)
	assert.Equal(t, MergeStats{Lists: 2, Blocks: 2, Records: 3, Bytes: 4}, stats)

	lh, err := main.ListHeader(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 3, lh.RecordCount)
	assert.EqualValues(t, 5, lh.ByteCount)
	body, err := main.ReadBlock(ctx, 1, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("aabbb"), body)

	body, err = main.ReadBlock(ctx, 2, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), body)

	n, err := delta.Collection().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "merged lists are removed from the source")

	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.MergesTotal.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(opts.Metrics.ListsMergedTotal))
}

func TestMergeKeepsMaxFID(t *testing.T) {
	ctx := context.Background()
	main := newTestIndex(t, "index", testOptions(DefaultBlockSize))
	delta := newTestIndex(t, "delta-index", testOptions(DefaultBlockSize))

	require.NoError(t, main.UpdateListHeader(ctx, 1, ListHeader{MaxFID: 4}))
	lh := ListHeader{MaxFID: 9}
	var bh BlockHeader
	require.NoError(t, delta.AppendChunk(ctx, 1, &lh, &bh, Chunk{Data: []byte("x"), Records: 1}, false))
	require.NoError(t, delta.UpdateListHeader(ctx, 2, ListHeader{MaxFID: 30}))
	require.NoError(t, main.UpdateListHeader(ctx, 2, ListHeader{MaxFID: 3}))

	_, err := main.Merge(ctx, delta)
	require.NoError(t, err)

	got, err := main.ListHeader(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 9, got.MaxFID)
	got, err = main.ListHeader(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 30, got.MaxFID, "header-only lists still carry the larger fid")
}

func TestMergeRejectsSelf(t *testing.T) {
	x := newTestIndex(t, "index", testOptions(DefaultBlockSize))
	_, err := x.Merge(context.Background(), x)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestPairCommitMerge(t *testing.T) {
	ctx := context.Background()
	main := newTestIndex(t, "index", testOptions(16))
	delta := newTestIndex(t, "delta-index", testOptions(16))
	pair := NewPair(main, delta)

	appendTo(t, main, 3, "0123456789", 20)
	appendTo(t, main, 3, "abcdefghij", 20)
	require.NoError(t, main.FlushCache(ctx))

	lh, err := delta.ListHeader(ctx, 3)
	require.NoError(t, err)
	var bh BlockHeader
	require.NoError(t, pair.AppendChunk(ctx, 3, &lh, &bh, Chunk{Data: []byte("klmnop"), Records: 5}, false))
	require.NoError(t, pair.Flush(ctx))

	combined, err := pair.ListHeader(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, combined.BlockCount)
	assert.EqualValues(t, 45, combined.RecordCount)

	bodies, err := pair.ReadList(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("0123456789"), []byte("abcdefghij"), []byte("klmnop")}, bodies)

	_, err = pair.CommitMerge(ctx)
	require.NoError(t, err)

	got, err := main.ListHeader(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.BlockCount)
	assert.EqualValues(t, 45, got.RecordCount)
	last, err := main.ReadBlock(ctx, 3, 1, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefghijklmnop"), last)

	n, err := delta.Collection().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "delta is empty after a committed merge")

	bodies, err = pair.ReadList(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, bodies, 2)
}

func TestPairCommitMergeIntoEmptyMain(t *testing.T) {
	ctx := context.Background()
	main := newTestIndex(t, "index", testOptions(DefaultBlockSize))
	delta := newTestIndex(t, "delta-index", testOptions(DefaultBlockSize))
	pair := NewPair(main, delta)

	var lh ListHeader
	var bh BlockHeader
	require.NoError(t, pair.AppendChunk(ctx, 3, &lh, &bh, Chunk{Data: []byte("five!"), Records: 5}, false))

	stats, err := pair.CommitMerge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Lists)

	got, err := main.ListHeader(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.BlockCount)
	assert.EqualValues(t, 5, got.RecordCount)

	n, err := delta.Collection().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	dl, err := delta.ListHeader(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, dl)
}

// flakyCollection fails Put of one key until its failures are used up.
type flakyCollection struct {
	kv.Collection
	key   []byte
	fails int
}

func (c *flakyCollection) Put(ctx context.Context, key, value []byte) error {
	if c.fails > 0 && bytes.Equal(key, c.key) {
		c.fails--
		return fmt.Errorf("%w: disk full", apperrors.ErrIOFailure)
	}
	return c.Collection.Put(ctx, key, value)
}

func newFlakyIndex(t *testing.T, opts Options, key []byte, fails int) *Index {
	t.Helper()
	coll := kv.NewMemory("index")
	require.NoError(t, coll.Open(context.Background(), kv.ModeReadWrite))
	t.Cleanup(func() { coll.Close() })
	return New(&flakyCollection{Collection: coll, key: key, fails: fails}, opts)
}

func TestMergeResumesAfterFailure(t *testing.T) {
	ctx := context.Background()
	main := newFlakyIndex(t, testOptions(DefaultBlockSize), BlockKey(2, 0), 1)
	delta := newTestIndex(t, "delta-index", testOptions(DefaultBlockSize))

	appendTo(t, delta, 1, "aaaaa", 5)
	require.NoError(t, delta.FlushCache(ctx))
	appendTo(t, delta, 2, "bb", 2)
	require.NoError(t, delta.FlushCache(ctx))

	stats, err := main.Merge(ctx, delta)
	require.ErrorIs(t, err, apperrors.ErrIOFailure)
	assert.Equal(t, 1, stats.Lists)

	left, err := delta.ListHeader(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, left, "merged list is gone from the source")
	left, err = delta.ListHeader(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, left.RecordCount, "failed list stays in the source")
	failed, err := main.ListHeader(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, failed)

	stats, err = main.Merge(ctx, delta)
	require.NoError(t, err)
	assert.Equal(t, MergeStats{Lists: 1, Blocks: 1, Records: 2, Bytes: 2}, stats)

	lh, err := main.ListHeader(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ListHeader{BlockCount: 1, RecordCount: 5, ByteCount: 5}, lh)
	body, err := main.ReadBlock(ctx, 1, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaaa"), body)

	lh, err = main.ListHeader(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, lh.RecordCount)

	n, err := delta.Collection().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMergeRollsBackPartiallyWrittenList(t *testing.T) {
	ctx := context.Background()
	main := newFlakyIndex(t, testOptions(16), BlockKey(3, 2), 1)
	delta := newTestIndex(t, "delta-index", testOptions(16))

	appendTo(t, main, 3, "0123456789", 10)
	require.NoError(t, main.FlushCache(ctx))
	before := snapshot(t, main.Collection())

	appendTo(t, delta, 3, "abcdefghij", 4)
	appendTo(t, delta, 3, "klmnopqrst", 6)
	require.NoError(t, delta.FlushCache(ctx))

	_, err := main.Merge(ctx, delta)
	require.Error(t, err)
	assert.Equal(t, before, snapshot(t, main.Collection()), "main is back to its state before the merge")

	_, err = main.Merge(ctx, delta)
	require.NoError(t, err)
	lh, err := main.ListHeader(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, ListHeader{BlockCount: 3, RecordCount: 20, ByteCount: 30}, lh)
	body, err := main.ReadBlock(ctx, 3, 2, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("klmnopqrst"), body)
}

func TestMergeUsesListHeaderTotals(t *testing.T) {
	ctx := context.Background()
	main := newTestIndex(t, "index", testOptions(DefaultBlockSize))
	delta := newTestIndex(t, "delta-index", testOptions(DefaultBlockSize))

	appendTo(t, main, 3, "ab", 2)
	seedList(t, main, 5, []byte("q"), 1)
	require.NoError(t, main.FlushCache(ctx))

	// header totals differ from the block's own record count
	dl := ListHeader{BlockCount: 1, RecordCount: 9, ByteCount: 3}
	raw, _, err := Encode(&dl, BlockHeader{ID: 0, RecordCount: 5}, []byte("xyz"))
	require.NoError(t, err)
	require.NoError(t, delta.WriteBlock(ctx, 3, 0, raw, len(raw)))
	require.NoError(t, delta.UpdateListHeader(ctx, 4, ListHeader{RecordCount: 6, MaxFID: 2}))

	stats, err := main.Merge(ctx, delta)
	require.NoError(t, err)
	assert.Equal(t, MergeStats{Lists: 2, Blocks: 1, Records: 15, Bytes: 3}, stats)

	lh, err := main.ListHeader(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, ListHeader{BlockCount: 1, RecordCount: 11, ByteCount: 5}, lh)
	body, err := main.ReadBlock(ctx, 3, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("abxyz"), body)

	lh, err = main.ListHeader(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, ListHeader{RecordCount: 6, MaxFID: 2}, lh, "header-only lists are created in main")

	lh, err = main.ListHeader(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, ListHeader{BlockCount: 1, RecordCount: 1, ByteCount: 1}, lh, "main-only lists keep their totals")
}

func TestMergeRejectsReadOnlySource(t *testing.T) {
	ctx := context.Background()
	main := newTestIndex(t, "index", testOptions(DefaultBlockSize))
	coll := kv.NewMemory("delta-index")
	require.NoError(t, coll.Open(ctx, kv.ModeRead))
	t.Cleanup(func() { coll.Close() })

	_, err := main.Merge(ctx, New(coll, testOptions(DefaultBlockSize)))
	assert.ErrorIs(t, err, apperrors.ErrReadOnly)
}
