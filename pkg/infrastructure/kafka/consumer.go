package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/segmentio/kafka-go"

	"github.com/fitglue/ride-ingest/pkg/types"
)

// Reader exposes the minimal kafka.Reader interface needed by the consumer.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// HandlerFunc processes one decoded ingest message.
type HandlerFunc func(ctx context.Context, msg types.IngestEventMessage) error

func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
}

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 500 * time.Millisecond
)

// Consumer pulls ingest messages and hands them to a handler. FetchMessage
// has already moved the reader past a message, so a failed handler call is
// retried in place with exponential backoff. After the last attempt the
// message is committed anyway; its event stays unprocessed in storage and is
// picked up by the startup redispatch or an explicit reprocess.
type Consumer struct {
	reader      Reader
	handler     HandlerFunc
	logger      *slog.Logger
	clock       clock.Clock
	maxAttempts int
	backoff     time.Duration
}

func NewConsumer(reader Reader, handler HandlerFunc, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:      reader,
		handler:     handler,
		logger:      logger.With("component", "kafka-consumer"),
		clock:       clock.WallClock,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
}

// Run blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.Warn("Fetch failed", "error", err)
			continue
		}

		decoded, err := decodeMessage(msg)
		if err != nil {
			c.logger.Error("Dropping undecodable message",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
			// Commit malformed messages to avoid poison-pill loops.
			if commitErr := c.reader.CommitMessages(ctx, msg); commitErr != nil {
				c.logger.Warn("Commit failed after decode failure", "error", commitErr)
			}
			continue
		}

		if err := c.handle(ctx, decoded); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Handler failed, giving up on message",
				"event_id", decoded.EventID, "attempts", c.maxAttempts, "error", err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Warn("Commit failed", "event_id", decoded.EventID, "error", err)
		}
	}
}

// handle calls the handler until it succeeds, attempts run out or ctx ends.
func (c *Consumer) handle(ctx context.Context, msg types.IngestEventMessage) error {
	delay := c.backoff
	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err = c.handler(ctx, msg); err == nil {
			return nil
		}
		if attempt == c.maxAttempts {
			break
		}
		c.logger.Warn("Handler failed, retrying", "event_id", msg.EventID, "attempt", attempt, "error", err)
		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func decodeMessage(msg kafka.Message) (types.IngestEventMessage, error) {
	var out types.IngestEventMessage
	if err := json.Unmarshal(msg.Value, &out); err != nil {
		return out, fmt.Errorf("unmarshal: %w", err)
	}
	if out.EventID == "" {
		return out, errors.New("missing eventId")
	}
	return out, nil
}
