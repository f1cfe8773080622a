package plist

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/tracing"
)

// Pair couples a main index with a delta index. Appends land in the delta;
// CommitMerge folds the delta into the main index and empties it.
type Pair struct {
	Main  *Index
	Delta *Index
}

func NewPair(main, delta *Index) *Pair {
	return &Pair{Main: main, Delta: delta}
}

// AppendChunk appends to the delta index. lh and bh must come from the
// delta, not the main index.
func (p *Pair) AppendChunk(ctx context.Context, listID uint32, lh *ListHeader, bh *BlockHeader, chunk Chunk, forceNew bool) error {
	return p.Delta.AppendChunk(ctx, listID, lh, bh, chunk, forceNew)
}

// ListHeader returns the combined view of listID across both indexes.
func (p *Pair) ListHeader(ctx context.Context, listID uint32) (ListHeader, error) {
	m, err := p.Main.ListHeader(ctx, listID)
	if err != nil {
		return ListHeader{}, err
	}
	d, err := p.Delta.ListHeader(ctx, listID)
	if err != nil {
		return ListHeader{}, err
	}
	return ListHeader{
		BlockCount:  m.BlockCount + d.BlockCount,
		RecordCount: m.RecordCount + d.RecordCount,
		ByteCount:   m.ByteCount + d.ByteCount,
		MaxFID:      max(m.MaxFID, d.MaxFID),
	}, nil
}

// ReadList returns the block bodies of listID, main blocks first.
func (p *Pair) ReadList(ctx context.Context, listID uint32) ([][]byte, error) {
	var bodies [][]byte
	for _, x := range []*Index{p.Main, p.Delta} {
		lh, err := x.ListHeader(ctx, listID)
		if err != nil {
			return nil, err
		}
		for b := uint32(0); b < lh.BlockCount; b++ {
			body, err := x.ReadBlock(ctx, listID, b, false)
			if err != nil {
				return nil, err
			}
			bodies = append(bodies, body)
		}
	}
	return bodies, nil
}

// Flush writes the delta's buffered blocks.
func (p *Pair) Flush(ctx context.Context) error {
	return p.Delta.FlushCache(ctx)
}

// CommitMerge merges the delta into main and then drops every delta record.
// If the merge fails the delta keeps only the lists that were not merged, so
// calling CommitMerge again resumes where it stopped.
func (p *Pair) CommitMerge(ctx context.Context) (MergeStats, error) {
	ctx, span := tracing.StartSpan(ctx, "commit-merge", tracing.NewTraceID())
	defer func() {
		span.End()
		span.Log(p.Main.logger)
	}()

	stats, err := p.Main.Merge(ctx, p.Delta)
	span.SetAttr("lists", stats.Lists)
	if err != nil {
		span.SetAttr("error", err.Error())
		return stats, fmt.Errorf("committing merge: %w", err)
	}
	p.Delta.ClearCache()
	if err := p.Delta.Collection().Drop(ctx); err != nil {
		return stats, fmt.Errorf("clearing delta after merge: %w", err)
	}
	return stats, nil
}
