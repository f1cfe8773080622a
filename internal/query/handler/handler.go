// Package handler serves the read API of the main posting-list index over
// HTTP. The datastore must be opened in get mode: reads then never touch the
// index's block cache and can run concurrently.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/plist"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/query/cache"
	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/logger"
)

// Reader is the read side of a datastore. *datastore.Store satisfies it.
type Reader interface {
	ListHeader(ctx context.Context, listID uint32) (plist.ListHeader, error)
	PListBlock(ctx context.Context, listID, blockID uint32, headers bool) ([]byte, error)
	Stats(ctx context.Context) (map[string]uint64, error)
}

type Handler struct {
	reader Reader
	cache  *cache.BlockCache
	logger *slog.Logger
}

// New creates a Handler. blockCache may be nil.
func New(reader Reader, blockCache *cache.BlockCache) *Handler {
	return &Handler{
		reader: reader,
		cache:  blockCache,
		logger: logger.WithComponent("query-handler"),
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/lists/{id}", h.List)
	mux.HandleFunc("GET /api/v1/lists/{id}/blocks/{block}", h.Block)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
}

type listResponse struct {
	ListID      uint32 `json:"list_id"`
	BlockCount  uint32 `json:"block_count"`
	RecordCount uint64 `json:"record_count"`
	ByteCount   uint64 `json:"byte_count"`
	MaxFID      uint32 `json:"max_fid"`
}

type blockResponse struct {
	ListID   uint32 `json:"list_id"`
	BlockID  uint32 `json:"block_id"`
	Headers  bool   `json:"headers"`
	Size     int    `json:"size"`
	Data     string `json:"data"`
	CacheHit bool   `json:"cache_hit"`
}

// List serves GET /api/v1/lists/{id}.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	listID, err := parseID(r.PathValue("id"), "list id")
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	lh, err := h.reader.ListHeader(r.Context(), listID)
	if err != nil {
		h.fail(w, r, "reading list header failed", err)
		return
	}
	if lh == (plist.ListHeader{}) {
		h.fail(w, r, "", apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "list %d not found", listID))
		return
	}
	h.writeJSON(w, http.StatusOK, listResponse{
		ListID:      listID,
		BlockCount:  lh.BlockCount,
		RecordCount: lh.RecordCount,
		ByteCount:   lh.ByteCount,
		MaxFID:      lh.MaxFID,
	})
}

// Block serves GET /api/v1/lists/{id}/blocks/{block}?headers=bool. The
// block bytes are returned base64 encoded.
func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	listID, err := parseID(r.PathValue("id"), "list id")
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	blockID, err := parseID(r.PathValue("block"), "block id")
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	headers := false
	if v := r.URL.Query().Get("headers"); v != "" {
		headers, err = strconv.ParseBool(v)
		if err != nil {
			h.fail(w, r, "", apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "headers must be a boolean"))
			return
		}
	}

	read := func() ([]byte, error) {
		return h.reader.PListBlock(ctx, listID, blockID, headers)
	}
	var data []byte
	hit := false
	if h.cache != nil {
		data, hit, err = h.cache.GetOrRead(ctx, listID, blockID, headers, read)
	} else {
		data, err = read()
	}
	if err != nil {
		h.fail(w, r, "reading block failed", err)
		return
	}
	if data == nil {
		h.fail(w, r, "", apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound,
			"block %d of list %d not found", blockID, listID))
		return
	}

	logger.FromContext(ctx).Debug("block served",
		"list", listID,
		"block", blockID,
		"size", len(data),
		"cache_hit", hit,
	)
	h.writeJSON(w, http.StatusOK, blockResponse{
		ListID:   listID,
		BlockID:  blockID,
		Headers:  headers,
		Size:     len(data),
		Data:     base64.StdEncoding.EncodeToString(data),
		CacheHit: hit,
	})
}

// Stats serves GET /api/v1/stats with the record count of each open
// collection and, when enabled, the block cache counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.reader.Stats(r.Context())
	if err != nil {
		h.fail(w, r, "reading stats failed", err)
		return
	}
	resp := map[string]any{"collections": counts}
	if h.cache != nil {
		hits, misses := h.cache.Stats()
		resp["cache"] = map[string]int64{"hits": hits, "misses": misses}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func parseID(s, what string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest,
			"%s must be an unsigned 32-bit integer, got %q", what, s)
	}
	return uint32(n), nil
}

// fail answers with the status err maps to. AppError messages are shown to
// the client; anything else is replaced by msg.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := apperrors.HTTPStatusCode(err)
	var appErr *apperrors.AppError
	if apperrors.As(err, &appErr) {
		msg = appErr.Message
	}
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error(msg, "path", r.URL.Path, "status", status, "error", err)
	} else {
		log.Debug(msg, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, msg)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
