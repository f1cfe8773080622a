// Package consumer reads posting events from Kafka and applies them to the
// indexer engine, announcing completed merges on the index-merged topic.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/indexer"
	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/resilience"
)

// Publisher sends events to Kafka. *kafka.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// IndexConsumer wraps a Kafka consumer to drive the indexing pipeline.
type IndexConsumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// New creates an IndexConsumer backed by the given Kafka consumer.
func New(kafkaConsumer *kafka.Consumer) *IndexConsumer {
	return &IndexConsumer{
		consumer: kafkaConsumer,
		logger:   slog.Default().With("component", "index-consumer"),
	}
}

// Start begins consuming Kafka messages. It blocks until ctx is cancelled.
func (ic *IndexConsumer) Start(ctx context.Context) error {
	ic.logger.Info("index consumer starting")
	return ic.consumer.Start(ctx)
}

// Announcer publishes MergeCompleted events behind a circuit breaker so an
// unavailable broker does not stall indexing.
type Announcer struct {
	publisher Publisher
	breaker   *resilience.CircuitBreaker
	logger    *slog.Logger
}

// NewAnnouncer wraps p. m may be nil.
func NewAnnouncer(p Publisher, m *metrics.Metrics) *Announcer {
	cfg := resilience.CircuitBreakerConfig{}
	if m != nil {
		cfg.OnStateChange = func(name string, from, to resilience.State) {
			m.CircuitState.WithLabelValues(name).Set(float64(to))
		}
	}
	return &Announcer{
		publisher: p,
		breaker:   resilience.NewCircuitBreaker("index-merged", cfg),
		logger:    slog.Default().With("component", "merge-announcer"),
	}
}

// Announce publishes done. Failures are logged and dropped.
func (a *Announcer) Announce(ctx context.Context, done *indexer.MergeCompleted) {
	if a == nil || a.publisher == nil || done == nil {
		return
	}
	err := a.breaker.Execute(func() error {
		return a.publisher.Publish(ctx, kafka.Event{
			Key:   strconv.FormatInt(done.CompletedAt.UnixNano(), 10),
			Value: done,
		})
	})
	if err != nil {
		a.logger.Warn("failed to announce merge", "lists", done.Lists, "error", err)
		return
	}
	a.logger.Info("merge announced", "lists", done.Lists, "records", done.Records)
}

// HandleMessage returns a Kafka MessageHandler that applies every posting
// event to engine. Events that cannot be decoded or are invalid are logged
// and skipped; engine failures are returned so the message is not committed.
func HandleMessage(engine *indexer.Engine, announcer *Announcer, m *metrics.Metrics) kafka.MessageHandler {
	logger := slog.Default().With("component", "index-consumer")
	count := func(t indexer.EventType, result string) {
		if m != nil {
			m.IndexerEventsTotal.WithLabelValues(string(t), result).Inc()
		}
	}
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[indexer.Event](value)
		if err != nil {
			logger.Error("failed to decode posting event",
				"error", err,
				"key", string(key),
			)
			count("unknown", "malformed")
			return nil
		}

		done, err := engine.Apply(ctx, event)
		if apperrors.Is(err, apperrors.ErrInvalidInput) {
			logger.Error("skipping invalid posting event",
				"type", event.Type,
				"list", event.ListID,
				"error", err,
			)
			count(event.Type, "invalid")
			return nil
		}
		if err != nil {
			count(event.Type, "error")
			announcer.Announce(ctx, done)
			return fmt.Errorf("applying %s event: %w", event.Type, err)
		}
		count(event.Type, "ok")
		announcer.Announce(ctx, done)
		return nil
	}
}
