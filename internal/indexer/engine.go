// Package indexer applies posting events to a datastore opened for building.
// The Engine serialises event application, periodic merges and shutdown on
// one mutex so the datastore only ever sees a single writer.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/datastore"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/plist"
)

type Engine struct {
	store         *datastore.Store
	mu            sync.Mutex
	mergeInterval time.Duration
	logger        *slog.Logger
	dirty         bool
	// list owning the index block cache since the last flush
	current    uint32
	hasCurrent bool
}

// NewEngine wraps store, which must already be open in a build mode.
func NewEngine(store *datastore.Store, mergeInterval time.Duration) *Engine {
	return &Engine{
		store:         store,
		mergeInterval: mergeInterval,
		logger:        slog.Default().With("component", "indexer"),
	}
}

// Apply dispatches one event to the matching datastore hook. An end event in
// build-merge mode returns the completed merge.
func (e *Engine) Apply(ctx context.Context, ev Event) (*MergeCompleted, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Type {
	case EventStart:
		return nil, e.store.OnIndexerStart(ctx)
	case EventFlushStart:
		return nil, e.store.OnIndexerFlushStart(ctx)
	case EventFlushEnd:
		e.hasCurrent = false
		return nil, e.store.OnIndexerFlushEnd(ctx)
	case EventFingerprint:
		return nil, e.store.OnIndexerFingerprint(ctx, ev.FID, ev.Data)
	case EventChunk, EventNewBlock:
		if err := e.appendChunk(ctx, ev); err != nil {
			return nil, fmt.Errorf("appending to list %d: %w", ev.ListID, err)
		}
		e.dirty = true
		return nil, nil
	case EventEnd:
		e.hasCurrent = false
		stats, err := e.store.OnIndexerEnd(ctx)
		if err != nil {
			return e.partial(stats), err
		}
		e.dirty = false
		return e.completed(stats), nil
	}
	return nil, nil
}

func (e *Engine) appendChunk(ctx context.Context, ev Event) error {
	// The block cache holds one list; flush before another list takes it
	// over so interleaved producers do not lose buffered postings.
	if e.hasCurrent && e.current != ev.ListID {
		if err := e.store.OnIndexerFlushEnd(ctx); err != nil {
			return fmt.Errorf("flushing list %d: %w", e.current, err)
		}
	}
	e.current, e.hasCurrent = ev.ListID, true

	lh, err := e.store.OnIndexerListHeader(ctx, ev.ListID)
	if err != nil {
		return err
	}
	lh.MaxFID = max(lh.MaxFID, ev.MaxFID)
	var bh plist.BlockHeader
	if lh.BlockCount > 0 {
		if bh, err = e.store.OnIndexerBlockHeader(ctx, ev.ListID, lh.BlockCount-1); err != nil {
			return err
		}
	}
	chunk := plist.Chunk{Data: ev.Data, Records: ev.Records}
	e.logger.Debug("applying chunk", "type", ev.Type, "list", ev.ListID, "bytes", len(ev.Data), "records", ev.Records)
	if ev.Type == EventNewBlock {
		return e.store.OnIndexerNewBlock(ctx, ev.ListID, &lh, &bh, chunk)
	}
	return e.store.OnIndexerChunk(ctx, ev.ListID, &lh, &bh, chunk)
}

// Merge flushes buffered blocks and, in build-merge mode, folds the delta
// index into the main index. It returns nil when nothing was merged. A failed
// merge still reports the lists it folded in, alongside the error.
func (e *Engine) Merge(ctx context.Context) (*MergeCompleted, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mergeLocked(ctx)
}

func (e *Engine) mergeLocked(ctx context.Context) (*MergeCompleted, error) {
	if !e.dirty {
		return nil, nil
	}
	e.hasCurrent = false
	if err := e.store.OnIndexerFlushEnd(ctx); err != nil {
		return nil, fmt.Errorf("flushing before merge: %w", err)
	}
	stats, err := e.store.CommitMerge(ctx)
	if err != nil {
		return e.partial(stats), err
	}
	e.dirty = false
	if stats.Lists == 0 {
		return nil, nil
	}
	return e.completed(stats), nil
}

// partial reports the lists a failed merge already folded into the main
// index, or nil when it folded none.
func (e *Engine) partial(stats plist.MergeStats) *MergeCompleted {
	if stats.Lists == 0 {
		return nil
	}
	return e.completed(stats)
}

func (e *Engine) completed(stats plist.MergeStats) *MergeCompleted {
	if e.store.OpMode() != datastore.OpBuildMerge {
		return nil
	}
	return &MergeCompleted{
		Lists:       stats.Lists,
		Blocks:      stats.Blocks,
		Records:     stats.Records,
		Bytes:       stats.Bytes,
		CompletedAt: time.Now().UTC(),
	}
}

// StartMergeLoop merges every merge interval until ctx is cancelled, then
// flushes what is still buffered. onMerge, when non-nil, is called after each
// merge that folded at least one list, failed or not.
func (e *Engine) StartMergeLoop(ctx context.Context, onMerge func(context.Context, *MergeCompleted)) {
	if e.mergeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.mergeInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("merge loop stopping, performing final flush")
				e.mu.Lock()
				if e.store.IsOpen() {
					if err := e.store.OnIndexerFlushEnd(context.Background()); err != nil {
						e.logger.Error("final flush failed", "error", err)
					}
				}
				e.mu.Unlock()
				return
			case <-ticker.C:
				done, err := e.Merge(ctx)
				if err != nil {
					e.logger.Error("periodic merge failed", "error", err)
				}
				if done != nil && onMerge != nil {
					onMerge(ctx, done)
				}
			}
		}
	}()
}

// Close flushes buffered blocks and closes the datastore.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Close()
}
