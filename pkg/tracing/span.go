// Package tracing records timed span trees for long engine operations such as
// merges and logs them through slog when the root span ends.
package tracing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey struct{}

// Span is one timed operation. Children started from its context are
// attached to it.
type Span struct {
	Name      string
	TraceID   string
	StartTime time.Time
	Duration  time.Duration

	mu       sync.Mutex
	ended    bool
	children []*Span
	attrs    map[string]any
}

// Summary aggregates the children of a span that share a name.
type Summary struct {
	Count int
	Total time.Duration
	Max   time.Duration
}

func NewTraceID() string {
	return uuid.NewString()
}

// StartSpan starts a root span.
func StartSpan(ctx context.Context, name, traceID string) (context.Context, *Span) {
	span := &Span{Name: name, TraceID: traceID, StartTime: time.Now()}
	return context.WithValue(ctx, contextKey{}, span), span
}

// StartChildSpan starts a span under the one in ctx. Without a parent the
// child is a detached root with no trace id.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	child := &Span{Name: name, StartTime: time.Now()}
	if parent := SpanFromContext(ctx); parent != nil {
		child.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, child)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, contextKey{}, child), child
}

func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(contextKey{}).(*Span)
	return span
}

// End fixes the duration. Later calls are no-ops.
func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.Duration = time.Since(s.StartTime)
}

func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs == nil {
		s.attrs = make(map[string]any)
	}
	s.attrs[key] = value
}

func (s *Span) Attr(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	return v, ok
}

func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

// Summarize groups the direct children by name.
func (s *Span) Summarize() map[string]Summary {
	out := make(map[string]Summary)
	for _, c := range s.Children() {
		c.mu.Lock()
		d := c.Duration
		c.mu.Unlock()
		sum := out[c.Name]
		sum.Count++
		sum.Total += d
		sum.Max = max(sum.Max, d)
		out[c.Name] = sum
	}
	return out
}

// Log writes the span at Info with a per-name summary of its children, then
// every child at Debug.
func (s *Span) Log(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := s.logAttrs()
	summary := s.Summarize()
	names := make([]string, 0, len(summary))
	for name := range summary {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sum := summary[name]
		attrs = append(attrs, slog.Group(name,
			"count", sum.Count,
			"total_ms", sum.Total.Milliseconds(),
			"max_ms", sum.Max.Milliseconds(),
		))
	}
	logger.Info("span", attrs...)
	for _, c := range s.Children() {
		c.logDebug(logger, 1)
	}
}

func (s *Span) logDebug(logger *slog.Logger, depth int) {
	logger.Debug("span", append(s.logAttrs(), "depth", depth)...)
	for _, c := range s.Children() {
		c.logDebug(logger, depth+1)
	}
}

func (s *Span) logAttrs() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs := []any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", s.Duration.Milliseconds(),
	}
	keys := make([]string, 0, len(s.attrs))
	for k := range s.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, s.attrs[k])
	}
	return attrs
}
