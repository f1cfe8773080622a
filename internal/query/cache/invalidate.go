package cache

import (
	"context"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/kafka"
)

// InvalidateOnMerge returns a handler for the index-merged topic that drops
// every cached block once a merge has changed the main index.
func InvalidateOnMerge(c *BlockCache) kafka.MessageHandler {
	logger := slog.Default().With("component", "block-cache")
	return func(ctx context.Context, key []byte, value []byte) error {
		done, err := kafka.DecodeJSON[indexer.MergeCompleted](value)
		if err != nil {
			logger.Error("failed to decode merge announcement", "key", string(key), "error", err)
			return nil
		}
		logger.Info("main index merged",
			"lists", done.Lists,
			"records", done.Records,
			"cleared", done.Cleared,
			"completed_at", done.CompletedAt,
		)
		return c.Invalidate(ctx)
	}
}
