// Package datastore is the connection between the matching engine and its
// collections: the main and delta posting-list indexes, the fingerprints,
// per-fingerprint metadata and a small info record. It routes indexer writes
// to the right index for the current operation mode and exposes the read API
// used at query time.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/plist"
	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Collection names.
const (
	CollectionIndex        = "index"
	CollectionDeltaIndex   = "delta-index"
	CollectionFingerprints = "fingerprints"
	CollectionMetadata     = "metadata"
	CollectionInfo         = "info"
)

// OpMode is the operation the datastore is opened for.
type OpMode int

const (
	// OpGet opens the main index read-only for matching.
	OpGet OpMode = iota
	// OpBuild appends directly to the main index.
	OpBuild
	// OpBuildMerge appends to the delta index and merges it into the main
	// index when indexing ends.
	OpBuildMerge
)

func (m OpMode) String() string {
	switch m {
	case OpGet:
		return "get"
	case OpBuild:
		return "build"
	case OpBuildMerge:
		return "build-merge"
	default:
		return fmt.Sprintf("op(%d)", int(m))
	}
}

// ParseOpMode accepts the names produced by OpMode.String.
func ParseOpMode(s string) (OpMode, error) {
	switch s {
	case "get", "":
		return OpGet, nil
	case "build":
		return OpBuild, nil
	case "build-merge":
		return OpBuildMerge, nil
	default:
		return OpGet, fmt.Errorf("%w: unknown operation mode %q", apperrors.ErrInvalidInput, s)
	}
}

// OpenOptions selects the optional collections opened next to the indexes.
type OpenOptions struct {
	Fingerprints bool
	Metadata     bool
	Info         bool
}

// DefaultOpenOptions opens the fingerprints only.
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{Fingerprints: true}
}

// Listener is notified of indexing session boundaries.
type Listener interface {
	OnIndexingBegin()
	OnIndexingEnd()
	OnFlushBegin()
	OnFlushEnd()
}

// Store is a datastore connection. It is not safe for concurrent use; callers
// serialise access the same way they serialise writers of a collection.
type Store struct {
	main         kv.Collection
	delta        kv.Collection
	fingerprints kv.Collection
	metadata     kv.Collection
	info         kv.Collection

	mainIndex  *plist.Index
	deltaIndex *plist.Index
	pair       *plist.Pair

	op       OpMode
	openOpts OpenOptions
	open     bool
	run      int

	listener Listener
	logger   *slog.Logger
}

// New creates a closed Store whose collections come from factory.
func New(factory kv.Factory, opts plist.Options) (*Store, error) {
	names := []string{CollectionIndex, CollectionDeltaIndex, CollectionFingerprints, CollectionMetadata, CollectionInfo}
	colls := make(map[string]kv.Collection, len(names))
	for _, name := range names {
		c, err := factory(name)
		if err != nil {
			return nil, fmt.Errorf("creating collection %s: %w", name, err)
		}
		colls[name] = c
	}
	s := &Store{
		main:         colls[CollectionIndex],
		delta:        colls[CollectionDeltaIndex],
		fingerprints: colls[CollectionFingerprints],
		metadata:     colls[CollectionMetadata],
		info:         colls[CollectionInfo],
		logger:       slog.Default().With("component", "datastore"),
	}
	s.mainIndex = plist.New(s.main, opts)
	s.deltaIndex = plist.New(s.delta, opts)
	s.pair = plist.NewPair(s.mainIndex, s.deltaIndex)
	return s, nil
}

// SetListener installs l, or removes the current listener when l is nil.
func (s *Store) SetListener(l Listener) {
	s.listener = l
}

// Open opens the collections needed for op. Collections open concurrently;
// if any fails, the ones already opened are closed again.
func (s *Store) Open(ctx context.Context, op OpMode, opts OpenOptions) error {
	if s.open {
		return fmt.Errorf("%w: datastore already open in %s mode", apperrors.ErrInvalidInput, s.op)
	}
	targets := s.openPlan(op, opts)

	var mu sync.Mutex
	var opened []kv.Collection
	g, gctx := errgroup.WithContext(ctx)
	for c, mode := range targets {
		g.Go(func() error {
			if err := c.Open(gctx, mode); err != nil {
				return fmt.Errorf("opening %s: %w", c.Name(), err)
			}
			mu.Lock()
			opened = append(opened, c)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range opened {
			if cerr := c.Close(); cerr != nil {
				s.logger.Error("closing collection after failed open", "collection", c.Name(), "error", cerr)
			}
		}
		return err
	}

	s.op = op
	s.openOpts = opts
	s.open = true
	s.logger.Info("datastore opened", "op", op.String(), "collections", len(targets))
	return nil
}

func (s *Store) openPlan(op OpMode, opts OpenOptions) map[kv.Collection]kv.Mode {
	mode := kv.ModeReadWrite
	if op == OpGet {
		mode = kv.ModeRead
	}
	plan := map[kv.Collection]kv.Mode{s.main: mode}
	if op == OpBuildMerge {
		plan[s.delta] = kv.ModeReadWrite
	}
	if opts.Fingerprints {
		plan[s.fingerprints] = mode
	}
	if opts.Metadata {
		plan[s.metadata] = mode
	}
	if opts.Info {
		plan[s.info] = mode
	}
	return plan
}

// Close flushes any buffered index blocks and closes every open collection.
func (s *Store) Close() error {
	if !s.open {
		return nil
	}
	var errs []error
	if s.op != OpGet {
		if err := s.active().FlushCache(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("flushing index cache: %w", err))
		}
	}
	s.mainIndex.ClearCache()
	s.deltaIndex.ClearCache()
	for _, c := range s.collections() {
		if !c.IsOpen() {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", c.Name(), err))
		}
	}
	s.open = false
	s.logger.Info("datastore closed", "op", s.op.String())
	return errors.Join(errs...)
}

func (s *Store) IsOpen() bool { return s.open }

func (s *Store) OpMode() OpMode { return s.op }

// SetOpMode reopens the datastore in mode, keeping the open options. A
// closed datastore only records the mode for the next Open.
func (s *Store) SetOpMode(ctx context.Context, mode OpMode) error {
	if !s.open {
		s.op = mode
		return nil
	}
	if mode == s.op {
		return nil
	}
	opts := s.openOpts
	if err := s.Close(); err != nil {
		return fmt.Errorf("switching to %s mode: %w", mode, err)
	}
	return s.Open(ctx, mode, opts)
}

// Empty reports whether the main index holds no records.
func (s *Store) Empty(ctx context.Context) (bool, error) {
	if err := s.ensureOpen(); err != nil {
		return false, err
	}
	n, err := s.main.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("counting main index: %w", err)
	}
	return n == 0, nil
}

// Clear drops every record of every open collection.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	s.mainIndex.ClearCache()
	s.deltaIndex.ClearCache()
	for _, c := range s.collections() {
		if !c.IsOpen() {
			continue
		}
		if err := c.Drop(ctx); err != nil {
			return fmt.Errorf("clearing %s: %w", c.Name(), err)
		}
	}
	s.logger.Info("datastore cleared")
	return nil
}

// Stats returns the record count of every open collection.
func (s *Store) Stats(ctx context.Context) (map[string]uint64, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	out := make(map[string]uint64)
	for _, c := range s.collections() {
		if !c.IsOpen() {
			continue
		}
		n, err := c.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("counting %s: %w", c.Name(), err)
		}
		out[c.Name()] = n
	}
	return out, nil
}

// Collections returns every collection, open or not.
func (s *Store) Collections() []kv.Collection {
	return s.collections()
}

func (s *Store) collections() []kv.Collection {
	return []kv.Collection{s.main, s.delta, s.fingerprints, s.metadata, s.info}
}

// active is the index that receives indexer writes.
func (s *Store) active() *plist.Index {
	if s.op == OpBuildMerge {
		return s.deltaIndex
	}
	return s.mainIndex
}

func (s *Store) ensureOpen() error {
	if !s.open {
		return fmt.Errorf("%w: datastore", apperrors.ErrNotOpen)
	}
	return nil
}

func (s *Store) ensureWritable() error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if s.op == OpGet {
		return fmt.Errorf("%w: datastore opened in %s mode", apperrors.ErrReadOnly, s.op)
	}
	return nil
}
