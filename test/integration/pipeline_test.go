// Package integration wires the indexer engine, the datastore and the query
// handler together over real collection backends. SQLite tests always run;
// the PostgreSQL variant is skipped when no server is reachable.
//
// Run with:
//
//	go test -v ./test/integration/...
package integration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/datastore"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/plist"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/query/handler"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	db, err := postgres.New(config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "plistore_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "plistore"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		t.Skipf("skipping integration test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// runPipeline indexes two runs through the engine in build-merge mode, then
// serves the result read-only and checks it over HTTP.
func runPipeline(t *testing.T, factory kv.Factory) {
	ctx := context.Background()
	opts := plist.DefaultOptions()
	opts.BlockSize = 8

	store, err := datastore.New(factory, opts)
	require.NoError(t, err)
	require.NoError(t, store.Open(ctx, datastore.OpBuildMerge, datastore.DefaultOpenOptions()))
	require.NoError(t, store.Clear(ctx))
	engine := indexer.NewEngine(store, 0)

	events := []indexer.Event{
		{Type: indexer.EventStart},
		{Type: indexer.EventChunk, ListID: 3, Records: 2, MaxFID: 1, Data: []byte("aaaa")},
		{Type: indexer.EventChunk, ListID: 4, Records: 1, MaxFID: 1, Data: []byte("bb")},
		{Type: indexer.EventEnd},
		{Type: indexer.EventStart},
		{Type: indexer.EventChunk, ListID: 3, Records: 3, MaxFID: 2, Data: []byte("cccccc")},
		{Type: indexer.EventFingerprint, FID: 2, Data: []byte("fp-2")},
		{Type: indexer.EventEnd},
	}
	var merges []*indexer.MergeCompleted
	for _, ev := range events {
		done, err := engine.Apply(ctx, ev)
		require.NoError(t, err, "event %s", ev.Type)
		if done != nil {
			merges = append(merges, done)
		}
	}
	require.Len(t, merges, 2)
	assert.Equal(t, 2, merges[0].Lists)
	assert.Equal(t, 1, merges[1].Lists)
	require.NoError(t, engine.Close())

	require.NoError(t, store.Open(ctx, datastore.OpGet, datastore.DefaultOpenOptions()))
	t.Cleanup(func() { store.Close() })

	n, err := store.FingerprintCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	mux := http.NewServeMux()
	handler.New(store, nil).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	var list struct {
		BlockCount  uint32 `json:"block_count"`
		RecordCount uint64 `json:"record_count"`
		ByteCount   uint64 `json:"byte_count"`
		MaxFID      uint32 `json:"max_fid"`
	}
	getJSON(t, srv.URL+"/api/v1/lists/3", http.StatusOK, &list)
	assert.EqualValues(t, 2, list.BlockCount, "the second run does not fit the first block")
	assert.EqualValues(t, 5, list.RecordCount)
	assert.EqualValues(t, 10, list.ByteCount)
	assert.EqualValues(t, 2, list.MaxFID)

	var blk struct {
		Data string `json:"data"`
	}
	getJSON(t, srv.URL+"/api/v1/lists/3/blocks/1", http.StatusOK, &blk)
	body, err := base64.StdEncoding.DecodeString(blk.Data)
	require.NoError(t, err)
	assert.Equal(t, []byte("cccccc"), body)

	getJSON(t, srv.URL+"/api/v1/lists/5", http.StatusNotFound, nil)
}

func getJSON(t *testing.T, url string, status int, into any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, status, resp.StatusCode)
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
}

func TestPipelineSQLite(t *testing.T) {
	dir := t.TempDir()
	runPipeline(t, func(name string) (kv.Collection, error) {
		return kv.NewSQLite(dir, name), nil
	})
}

func TestPipelinePostgres(t *testing.T) {
	db := skipIfNoPostgres(t)
	runPipeline(t, func(name string) (kv.Collection, error) {
		return kv.NewPostgres(db, name), nil
	})
}
