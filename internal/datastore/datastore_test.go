package datastore

import (
	"context"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/plist"
	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryFactory(name string) (kv.Collection, error) {
	return kv.NewMemory(name), nil
}

func newStore(t *testing.T, op OpMode, opts OpenOptions) *Store {
	t.Helper()
	s, err := New(memoryFactory, plist.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background(), op, opts))
	t.Cleanup(func() { s.Close() })
	return s
}

type recordingListener struct {
	events []string
}

func (l *recordingListener) OnIndexingBegin() { l.events = append(l.events, "begin") }
func (l *recordingListener) OnIndexingEnd()   { l.events = append(l.events, "end") }
func (l *recordingListener) OnFlushBegin()    { l.events = append(l.events, "flush-begin") }
func (l *recordingListener) OnFlushEnd()      { l.events = append(l.events, "flush-end") }

// index appends one chunk to listID through the indexer hooks.
func index(t *testing.T, s *Store, listID uint32, data string, records uint32) {
	t.Helper()
	ctx := context.Background()
	lh, err := s.OnIndexerListHeader(ctx, listID)
	require.NoError(t, err)
	var bh plist.BlockHeader
	if lh.BlockCount > 0 {
		bh, err = s.OnIndexerBlockHeader(ctx, listID, lh.BlockCount-1)
		require.NoError(t, err)
	}
	require.NoError(t, s.OnIndexerChunk(ctx, listID, &lh, &bh, plist.Chunk{Data: []byte(data), Records: records}))
}

func TestOpenModes(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, OpGet, DefaultOpenOptions())

	assert.True(t, s.IsOpen())
	assert.Equal(t, OpGet, s.OpMode())
	assert.True(t, s.main.IsOpen())
	assert.True(t, s.fingerprints.IsOpen())
	assert.False(t, s.delta.IsOpen())
	assert.False(t, s.metadata.IsOpen())
	assert.Equal(t, kv.ModeRead, s.main.Mode())

	assert.ErrorIs(t, s.OnIndexerStart(ctx), apperrors.ErrReadOnly)
	assert.ErrorIs(t, s.PutFingerprint(ctx, 1, []byte("x")), apperrors.ErrReadOnly)

	require.NoError(t, s.SetOpMode(ctx, OpBuildMerge))
	assert.True(t, s.delta.IsOpen())
	assert.Equal(t, kv.ModeReadWrite, s.main.Mode())
	assert.True(t, s.fingerprints.IsOpen(), "open options survive a mode switch")
}

func TestOpenTwiceFails(t *testing.T) {
	s := newStore(t, OpBuild, OpenOptions{})
	assert.ErrorIs(t, s.Open(context.Background(), OpBuild, OpenOptions{}), apperrors.ErrInvalidInput)
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s, err := New(memoryFactory, plist.DefaultOptions())
	require.NoError(t, err)

	_, err = s.Empty(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNotOpen)
	_, err = s.PListBlock(ctx, 1, 0, true)
	assert.ErrorIs(t, err, apperrors.ErrNotOpen)
	require.NoError(t, s.Close())
}

func TestBuildWritesMainIndex(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, OpBuild, OpenOptions{})
	l := &recordingListener{}
	s.SetListener(l)

	empty, err := s.Empty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, s.OnIndexerStart(ctx))
	index(t, s, 7, "abc", 2)
	require.NoError(t, s.OnIndexerFlushStart(ctx))
	require.NoError(t, s.OnIndexerFlushEnd(ctx))
	index(t, s, 7, "de", 1)
	stats, err := s.OnIndexerEnd(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats)

	body, err := s.PListBlock(ctx, 7, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcde"), body)

	lh, err := s.ListHeader(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 3, lh.RecordCount)

	empty, err = s.Empty(ctx)
	require.NoError(t, err)
	assert.False(t, empty)

	assert.Equal(t, []string{"begin", "flush-begin", "flush-end", "end"}, l.events)
}

func TestBuildMergeRoutesToDelta(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, OpBuildMerge, OpenOptions{})

	require.NoError(t, s.OnIndexerStart(ctx))
	index(t, s, 3, "12345", 5)
	require.NoError(t, s.OnIndexerFlushEnd(ctx))

	body, err := s.PListBlock(ctx, 3, 0, false)
	require.NoError(t, err)
	assert.Nil(t, body, "main index is untouched until the merge")

	stats, err := s.OnIndexerEnd(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Lists)

	lh, err := s.ListHeader(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 5, lh.RecordCount)

	n, err := s.delta.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewBlockHook(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, OpBuild, OpenOptions{})

	index(t, s, 1, "a", 1)
	lh, err := s.OnIndexerListHeader(ctx, 1)
	require.NoError(t, err)
	var bh plist.BlockHeader
	require.NoError(t, s.OnIndexerNewBlock(ctx, 1, &lh, &bh, plist.Chunk{Data: []byte("b"), Records: 1}))
	assert.EqualValues(t, 1, bh.ID)

	hdr, err := s.OnIndexerBlockHeader(ctx, 1, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hdr.BodySize)
	missing, err := s.OnIndexerBlockHeader(ctx, 1, 9)
	require.NoError(t, err)
	assert.Zero(t, missing)
}

func TestFingerprints(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, OpBuild, DefaultOpenOptions())

	require.NoError(t, s.OnIndexerFingerprint(ctx, 4, []byte("0123456789")))
	require.NoError(t, s.PutFingerprint(ctx, 5, []byte("xy")))

	size, err := s.FingerprintSize(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 10, size)

	whole, err := s.Fingerprint(ctx, 4, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), whole)

	part, err := s.Fingerprint(ctx, 4, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("234"), part)

	tail, err := s.Fingerprint(ctx, 4, 100, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), tail)

	past, err := s.Fingerprint(ctx, 4, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, past)

	missing, err := s.Fingerprint(ctx, 99, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, missing)
	size, err = s.FingerprintSize(ctx, 99)
	require.NoError(t, err)
	assert.Zero(t, size)

	n, err := s.FingerprintCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = s.Fingerprint(ctx, 4, -1, 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestMetadataAndInfo(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, OpBuild, OpenOptions{Metadata: true, Info: true})

	meta, err := s.Metadata(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, meta)
	require.NoError(t, s.PutMetadata(ctx, 1, "artist=nobody"))
	meta, err = s.Metadata(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "artist=nobody", meta)

	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Zero(t, info)
	require.NoError(t, s.PutInfo(ctx, Info{MatchType: 2}))
	info, err = s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, Info{MatchType: 2}, info)
}

func TestUnopenedCollectionIsRejected(t *testing.T) {
	s := newStore(t, OpBuild, OpenOptions{})
	_, err := s.Metadata(context.Background(), 1)
	assert.ErrorIs(t, err, apperrors.ErrNotOpen)
}

func TestClearAndStats(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, OpBuild, DefaultOpenOptions())

	index(t, s, 1, "abc", 1)
	require.NoError(t, s.OnIndexerFlushEnd(ctx))
	require.NoError(t, s.PutFingerprint(ctx, 1, []byte("f")))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{CollectionIndex: 1, CollectionFingerprints: 1}, stats)

	require.NoError(t, s.Clear(ctx))
	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{CollectionIndex: 0, CollectionFingerprints: 0}, stats)
}

func TestCloseFlushesBufferedBlocks(t *testing.T) {
	ctx := context.Background()
	s, err := New(memoryFactory, plist.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.Open(ctx, OpBuild, OpenOptions{}))
	index(t, s, 2, "pending", 1)
	require.NoError(t, s.Close())

	require.NoError(t, s.Open(ctx, OpGet, OpenOptions{}))
	defer s.Close()
	body, err := s.PListBlock(ctx, 2, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), body)
}

func TestParseOpMode(t *testing.T) {
	for _, m := range []OpMode{OpGet, OpBuild, OpBuildMerge} {
		got, err := ParseOpMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseOpMode("merge-everything")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
