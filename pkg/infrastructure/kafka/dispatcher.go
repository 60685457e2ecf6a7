// Package kafka carries ingest events between the webhook receiver and the
// event processor when the pipeline runs as a standalone service.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	shared "github.com/fitglue/ride-ingest/pkg"
	"github.com/fitglue/ride-ingest/pkg/types"
)

const headerEventType = "ce_type"

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// NewWriter returns an asynchronous writer, so WriteMessages returns without
// waiting for broker acknowledgement.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Dispatcher implements shared.Dispatcher on a Kafka topic. Messages are keyed
// by provider user so one user's events stay ordered within a partition.
type Dispatcher struct {
	writer messageWriter
}

var _ shared.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(writer messageWriter) *Dispatcher {
	return &Dispatcher{writer: writer}
}

func (d *Dispatcher) Dispatch(ctx context.Context, msg types.IngestEventMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal ingest message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(msg.ProviderUserID),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(shared.CloudEventTypeIngestEvent)},
		},
	}
	if err := d.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (d *Dispatcher) Close() error {
	return d.writer.Close()
}
