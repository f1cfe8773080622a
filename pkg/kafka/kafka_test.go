package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/resilience"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type posting struct {
	Type   string `json:"type"`
	ListID uint32 `json:"list_id"`
	Data   []byte `json:"data"`
}

func TestDecodeJSON(t *testing.T) {
	got, err := DecodeJSON[posting]([]byte(`{"type":"chunk","list_id":7,"data":"AQI="}`))
	require.NoError(t, err)
	assert.Equal(t, posting{Type: "chunk", ListID: 7, Data: []byte{1, 2}}, got)

	_, err = DecodeJSON[posting]([]byte(`{"list_id":"seven"}`))
	assert.ErrorContains(t, err, "decoding kafka message")
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func fastConsumer(r messageReader, h MessageHandler) *Consumer {
	return newConsumer(r, "posting-events", h).
		WithRetry(resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
}

func TestConsumerCommitsHandledMessages(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Offset: 1, Value: []byte("a")}, {Offset: 2, Value: []byte("b")}}}
	ctx, cancel := context.WithCancel(context.Background())
	var seen []string
	c := fastConsumer(r, func(ctx context.Context, key, value []byte) error {
		seen = append(seen, string(value))
		if len(seen) == 2 {
			cancel()
		}
		return nil
	})

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Equal(t, []int64{1, 2}, r.committed)
	assert.True(t, r.closed)
}

func TestConsumerRetriesThenStops(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	calls := 0
	c := fastConsumer(r, func(ctx context.Context, key, value []byte) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		if calls >= 3 {
			return errors.New("store down")
		}
		return nil
	})

	err := c.Start(context.Background())
	assert.ErrorContains(t, err, "offset 2")
	assert.Equal(t, []int64{1}, r.committed, "the failing message stays uncommitted")
	assert.Equal(t, 5, calls)
}

func TestConsumerWithoutRetryStopsOnFirstFailure(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Offset: 4}}}
	calls := 0
	c := newConsumer(r, "posting-events", func(ctx context.Context, key, value []byte) error {
		calls++
		return errors.New("flush failed")
	})

	assert.Error(t, c.Start(context.Background()))
	assert.Equal(t, 1, calls)
	assert.Empty(t, r.committed)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducerPublish(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "index-merged")

	require.NoError(t, p.Publish(context.Background(), Event{Key: "7", Value: posting{Type: "chunk", ListID: 7}}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("7"), w.msgs[0].Key)
	assert.JSONEq(t, `{"type":"chunk","list_id":7,"data":null}`, string(w.msgs[0].Value))

	w.err = errors.New("no leader")
	assert.ErrorContains(t, p.Publish(context.Background(), Event{Value: 1}), "publishing to index-merged")
	assert.ErrorContains(t, p.Publish(context.Background(), Event{Value: make(chan int)}), "encoding")
}
