// Package kv defines the key-value collection the posting-list index is stored
// in, together with its backends: an in-memory map, an embedded SQLite file, a
// PostgreSQL table and a Redis hash. Every backend stores opaque byte keys and
// values and enumerates keys in ascending byte order.
package kv

import (
	"context"
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
)

// Mode is the access mode a collection is opened with.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeReadWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Collection is a named byte-addressed store. Get reports absent keys with
// errors.ErrNotFound. Backend failures are wrapped in errors.ErrIOFailure.
type Collection interface {
	Name() string
	Open(ctx context.Context, mode Mode) error
	Close() error
	IsOpen() bool
	Mode() Mode

	// Drop removes every record.
	Drop(ctx context.Context) error
	Count(ctx context.Context) (uint64, error)

	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	Remove(ctx context.Context, key []byte) error

	// Keys calls fn for every key in ascending byte order. Keys are collected
	// before the first call, so fn may read and write the collection. An error
	// returned by fn stops the walk and is returned unchanged.
	Keys(ctx context.Context, fn func(key []byte) error) error
}

// Factory builds the collection with the given name on a configured backend.
type Factory func(name string) (Collection, error)

// guard tracks the open state and mode shared by every backend.
type guard struct {
	name string
	open bool
	mode Mode
}

func (g *guard) Name() string { return g.name }

func (g *guard) IsOpen() bool { return g.open }

func (g *guard) Mode() Mode { return g.mode }

func (g *guard) readable() error {
	if !g.open {
		return fmt.Errorf("%w: %s", apperrors.ErrNotOpen, g.name)
	}
	return nil
}

func (g *guard) writable() error {
	if err := g.readable(); err != nil {
		return err
	}
	if g.mode == ModeRead {
		return fmt.Errorf("%w: %s", apperrors.ErrReadOnly, g.name)
	}
	return nil
}

func notFound(name string, key []byte) error {
	return fmt.Errorf("%w: %s key %x", apperrors.ErrNotFound, name, key)
}
