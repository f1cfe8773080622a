package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/datastore"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/plist"
	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newServer builds list 7 (two records in block 0) and serves it read-only.
func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	store, err := datastore.New(func(name string) (kv.Collection, error) {
		return kv.NewMemory(name), nil
	}, plist.DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, store.Open(ctx, datastore.OpBuild, datastore.OpenOptions{}))
	lh := plist.ListHeader{MaxFID: 4}
	var bh plist.BlockHeader
	require.NoError(t, store.OnIndexerChunk(ctx, 7, &lh, &bh, plist.Chunk{Data: []byte("posting"), Records: 2}))
	require.NoError(t, store.Close())

	require.NoError(t, store.Open(ctx, datastore.OpGet, datastore.OpenOptions{}))
	t.Cleanup(func() { store.Close() })

	mux := http.NewServeMux()
	New(store, nil).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestListHeader(t *testing.T) {
	srv := newServer(t)

	var got listResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/lists/7", &got))
	assert.Equal(t, listResponse{ListID: 7, BlockCount: 1, RecordCount: 2, ByteCount: 7, MaxFID: 4}, got)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/v1/lists/8", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/v1/lists/-1", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/v1/lists/4294967296", nil))
}

func TestBlock(t *testing.T) {
	srv := newServer(t)

	var body blockResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/lists/7/blocks/0", &body))
	data, err := base64.StdEncoding.DecodeString(body.Data)
	require.NoError(t, err)
	assert.Equal(t, []byte("posting"), data)
	assert.False(t, body.Headers)

	var raw blockResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/lists/7/blocks/0?headers=true", &raw))
	data, err = base64.StdEncoding.DecodeString(raw.Data)
	require.NoError(t, err)
	blk, err := plist.Decode(data)
	require.NoError(t, err)
	require.NotNil(t, blk.List)
	assert.EqualValues(t, 2, blk.List.RecordCount)
	assert.Equal(t, []byte("posting"), blk.Body)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/v1/lists/7/blocks/1", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/v1/lists/7/blocks/0?headers=maybe", nil))
}

func TestStats(t *testing.T) {
	srv := newServer(t)

	var got struct {
		Collections map[string]uint64 `json:"collections"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/stats", &got))
	assert.Equal(t, map[string]uint64{datastore.CollectionIndex: 1}, got.Collections)
}

type failingReader struct{ err error }

func (f failingReader) ListHeader(ctx context.Context, listID uint32) (plist.ListHeader, error) {
	return plist.ListHeader{}, f.err
}

func (f failingReader) PListBlock(ctx context.Context, listID, blockID uint32, headers bool) ([]byte, error) {
	return nil, f.err
}

func (f failingReader) Stats(ctx context.Context) (map[string]uint64, error) {
	return nil, f.err
}

func TestErrorMapping(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"not open": {apperrors.ErrNotOpen, http.StatusServiceUnavailable},
		"corrupt":  {fmt.Errorf("decoding: %w", apperrors.ErrCorruptBlock), http.StatusUnprocessableEntity},
		"other":    {errors.New("boom"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			mux := http.NewServeMux()
			New(failingReader{err: tc.err}, nil).Register(mux)
			srv := httptest.NewServer(mux)
			defer srv.Close()

			var body map[string]string
			assert.Equal(t, tc.status, getJSON(t, srv.URL+"/api/v1/lists/1", &body))
			assert.Equal(t, "reading list header failed", body["error"], "internal errors are not echoed")
			assert.Equal(t, tc.status, getJSON(t, srv.URL+"/api/v1/lists/1/blocks/0", nil))
			assert.Equal(t, tc.status, getJSON(t, srv.URL+"/api/v1/stats", nil))
		})
	}
}

func TestBadIDMessage(t *testing.T) {
	srv := newServer(t)
	var body map[string]string
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/v1/lists/abc", &body))
	assert.Equal(t, `list id must be an unsigned 32-bit integer, got "abc"`, body["error"])
}
