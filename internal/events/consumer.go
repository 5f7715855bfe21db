package events

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler processes one delivered message. Returning an error keeps the
// consumer on the same message; it is retried until it succeeds or the
// consumer stops. Handlers must tolerate seeing the same message again.
type Handler func(ctx context.Context, msg kafka.Message) error

// messageSource is the slice of kafka.Reader the consumer loop needs.
type messageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer runs a commit-after-process loop over one topic within a
// consumer group. A message's offset is only ever committed once its
// handler has succeeded; committing a later offset would mark every
// earlier one consumed, so fetching past a failed message is not allowed.
type Consumer struct {
	reader  messageSource
	logger  *zap.Logger
	backoff func(attempt int) time.Duration
}

func NewConsumer(brokers []string, groupID, topic string, logger *zap.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        groupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0, // synchronous commits
		}),
		logger:  logger.With(zap.String("topic", topic), zap.String("group", groupID)),
		backoff: retryBackoff,
	}
}

// Run consumes until the context is cancelled or the reader is closed.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if err := c.process(ctx, handle, msg); err != nil {
			return nil // context cancelled mid-retry
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error("offset commit failed",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// process re-invokes the handler on the same message with backoff until it
// succeeds. Only context cancellation gets the loop off the message; the
// uncommitted offset then makes the broker redeliver it to the next session.
func (c *Consumer) process(ctx context.Context, handle Handler, msg kafka.Message) error {
	for attempt := 0; ; attempt++ {
		err := handle(ctx, msg)
		if err == nil {
			return nil
		}
		c.logger.Error("message handling failed, retrying same message",
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff(attempt)):
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt+1) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
