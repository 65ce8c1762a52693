package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/internal/reqctx"
	"github.com/tournevent/labelflow/internal/scheduler"
	"github.com/tournevent/labelflow/internal/telemetry"
)

// MessageWriter is the producing side of a Kafka topic.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// MessageReader is the consuming side of a Kafka topic.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// NewKafkaReader creates a consumer group reader for topic.
func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// KafkaDispatcher forwards claimed actions to a topic. Messages are keyed by
// order so one consumer sees every action of an order in order.
type KafkaDispatcher struct {
	writer MessageWriter
}

// NewKafkaDispatcher creates a KafkaDispatcher.
func NewKafkaDispatcher(writer MessageWriter) *KafkaDispatcher {
	return &KafkaDispatcher{writer: writer}
}

// Execute implements Executor.
func (p *KafkaDispatcher) Execute(ctx context.Context, action scheduler.Action) error {
	body, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encoding action: %w", err)
	}
	key := action.Args[scheduler.ArgOrderID]
	if key == "" {
		key = action.Args[scheduler.ArgTrackingNumber]
	}
	msg := kafka.Message{Key: []byte(key), Value: body}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(&msg.Headers))
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing %s: %w", action.Name, err)
	}
	return nil
}

// KafkaConsumer executes actions read from a topic.
type KafkaConsumer struct {
	reader  MessageReader
	exec    Executor
	logger  *otelzap.Logger
	metrics *telemetry.Metrics
	backoff time.Duration
}

// NewKafkaConsumer creates a KafkaConsumer.
func NewKafkaConsumer(reader MessageReader, exec Executor, logger *otelzap.Logger, metrics *telemetry.Metrics) *KafkaConsumer {
	return &KafkaConsumer{reader: reader, exec: exec, logger: logger, metrics: metrics, backoff: time.Second}
}

// Run consumes until ctx is cancelled. Every message is committed after it
// was handled; failed actions are logged and not redelivered.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Ctx(ctx).Error("Reading action message failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Ctx(ctx).Error("Committing action message failed", zap.Error(err))
		}
	}
}

func (c *KafkaConsumer) handle(parent context.Context, msg kafka.Message) {
	ctx := otel.GetTextMapPropagator().Extract(parent, (*headerCarrier)(&msg.Headers))

	var action scheduler.Action
	if err := json.Unmarshal(msg.Value, &action); err != nil {
		c.logger.Ctx(ctx).Error("Skipping undecodable action message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		c.metrics.RecordJob("undecodable", "failed")
		return
	}

	ctx = reqctx.With(ctx, reqctx.Scope{Source: "kafka:" + action.Name})
	status := "complete"
	if err := c.exec.Execute(ctx, action); err != nil {
		status = "failed"
		c.logger.Ctx(ctx).Error("Scheduled action failed",
			zap.String("action", action.Name),
			zap.String("action_id", action.ID),
			zap.Any("args", action.Args),
			zap.Error(err),
		)
	}
	c.metrics.RecordJob(action.Name, status)
}

// headerCarrier adapts Kafka headers to a propagation.TextMapCarrier.
type headerCarrier []kafka.Header

func (h *headerCarrier) Get(key string) string {
	for _, hdr := range *h {
		if hdr.Key == key {
			return string(hdr.Value)
		}
	}
	return ""
}

func (h *headerCarrier) Set(key, value string) {
	for i, hdr := range *h {
		if hdr.Key == key {
			(*h)[i].Value = []byte(value)
			return
		}
	}
	*h = append(*h, kafka.Header{Key: key, Value: []byte(value)})
}

func (h *headerCarrier) Keys() []string {
	keys := make([]string, len(*h))
	for i, hdr := range *h {
		keys[i] = hdr.Key
	}
	return keys
}
