package events

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	messages  []kafka.Message
	fetched   int
	committed []int64
}

func (f *fakeSource) FetchMessage(_ context.Context) (kafka.Message, error) {
	if f.fetched >= len(f.messages) {
		return kafka.Message{}, io.EOF
	}
	msg := f.messages[f.fetched]
	f.fetched++
	return msg, nil
}

func (f *fakeSource) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, msg := range msgs {
		f.committed = append(f.committed, msg.Offset)
	}
	return nil
}

func (f *fakeSource) Close() error { return nil }

func newFakeConsumer(source *fakeSource) *Consumer {
	return &Consumer{
		reader:  source,
		logger:  zap.NewNop(),
		backoff: func(int) time.Duration { return time.Millisecond },
	}
}

func TestRunRetriesFailedMessageInPlace(t *testing.T) {
	source := &fakeSource{messages: []kafka.Message{
		{Offset: 0, Value: []byte("a")},
		{Offset: 1, Value: []byte("b")},
	}}
	consumer := newFakeConsumer(source)

	attempts := map[int64]int{}
	handle := func(_ context.Context, msg kafka.Message) error {
		attempts[msg.Offset]++
		if msg.Offset == 0 && attempts[0] <= 2 {
			return errors.New("store unavailable")
		}
		return nil
	}

	require.NoError(t, consumer.Run(context.Background(), handle))

	// The failing message was re-invoked, not skipped: the next message was
	// only fetched after the first one succeeded and was committed.
	assert.Equal(t, 3, attempts[0])
	assert.Equal(t, 1, attempts[1])
	assert.Equal(t, []int64{0, 1}, source.committed)
	assert.Equal(t, 2, source.fetched)
}

func TestRunLeavesFailingMessageUncommittedOnCancel(t *testing.T) {
	source := &fakeSource{messages: []kafka.Message{{Offset: 0, Value: []byte("a")}}}
	consumer := newFakeConsumer(source)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	handle := func(_ context.Context, _ kafka.Message) error {
		attempts++
		if attempts == 3 {
			cancel()
		}
		return errors.New("still broken")
	}

	require.NoError(t, consumer.Run(ctx, handle))

	// Nothing was committed, so the broker redelivers the message to the
	// next session.
	assert.Empty(t, source.committed)
	assert.GreaterOrEqual(t, attempts, 3)
}
