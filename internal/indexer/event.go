package indexer

import (
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
)

// EventType names one indexer hook.
type EventType string

const (
	EventStart       EventType = "start"
	EventEnd         EventType = "end"
	EventFlushStart  EventType = "flush-start"
	EventFlushEnd    EventType = "flush-end"
	EventChunk       EventType = "chunk"
	EventNewBlock    EventType = "new-block"
	EventFingerprint EventType = "fingerprint"
)

// Event is one message of the posting-events topic. Data is base64 in JSON.
type Event struct {
	Type    EventType `json:"type"`
	ListID  uint32    `json:"list_id,omitempty"`
	Records uint32    `json:"records,omitempty"`
	// MaxFID raises the list's max fingerprint id before the chunk is appended.
	MaxFID uint32 `json:"max_fid,omitempty"`
	FID    uint32 `json:"fid,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

// Validate checks that the event carries the fields its type needs.
func (e Event) Validate() error {
	switch e.Type {
	case EventStart, EventEnd, EventFlushStart, EventFlushEnd:
		return nil
	case EventChunk, EventNewBlock:
		if len(e.Data) == 0 {
			return fmt.Errorf("%w: %s event for list %d has no data", apperrors.ErrInvalidInput, e.Type, e.ListID)
		}
		return nil
	case EventFingerprint:
		if len(e.Data) == 0 {
			return fmt.Errorf("%w: fingerprint %d has no data", apperrors.ErrInvalidInput, e.FID)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown event type %q", apperrors.ErrInvalidInput, e.Type)
	}
}

// MergeCompleted is published on the index-merged topic whenever the main
// index changed: after a merge, including one that failed after folding in
// some lists, and after the datastore was cleared.
type MergeCompleted struct {
	Lists       int       `json:"lists"`
	Blocks      int       `json:"blocks"`
	Records     uint64    `json:"records"`
	Bytes       uint64    `json:"bytes"`
	Cleared     bool      `json:"cleared,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
