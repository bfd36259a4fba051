package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"

	"chat_broker/internal/domain"
)

// DeclareStream creates the journal stream unless it already exists.
func DeclareStream(env *stream.Environment, name string) error {
	err := env.DeclareStream(name, stream.NewStreamOptions().
		SetMaxLengthBytes(stream.ByteCapacity{}.GB(2)))
	if err != nil && !errors.Is(err, stream.StreamAlreadyExists) {
		return fmt.Errorf("failed to declare stream %s: %w", name, err)
	}
	return nil
}

// StreamAppender publishes journal events to a RabbitMQ stream.
type StreamAppender struct {
	producer *stream.Producer
}

func NewStreamAppender(env *stream.Environment, streamName string) (*StreamAppender, error) {
	producer, err := env.NewProducer(streamName, stream.NewProducerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create stream producer: %w", err)
	}
	return &StreamAppender{producer: producer}, nil
}

func (a *StreamAppender) Append(_ context.Context, event domain.OutboxEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := a.producer.Send(amqp.NewMessage(payload)); err != nil {
		return fmt.Errorf("%w: publish to stream: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func (a *StreamAppender) Close() error {
	return a.producer.Close()
}

// StreamConsumer reads journal events back from the stream.
type StreamConsumer struct {
	env        *stream.Environment
	streamName string
	fromStart  bool
	logger     *slog.Logger
}

func NewStreamConsumer(env *stream.Environment, streamName string, fromStart bool, logger *slog.Logger) *StreamConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamConsumer{
		env:        env,
		streamName: streamName,
		fromStart:  fromStart,
		logger:     logger,
	}
}

// Start hands every decoded event to handle until ctx is done.
func (c *StreamConsumer) Start(ctx context.Context, handle func(domain.OutboxEvent)) error {
	offset := stream.OffsetSpecification{}.Next()
	if c.fromStart {
		offset = stream.OffsetSpecification{}.First()
	}
	consumer, err := c.env.NewConsumer(
		c.streamName,
		func(_ stream.ConsumerContext, message *amqp.Message) {
			event, err := DecodeEvent(message.GetData())
			if err != nil {
				c.logger.Warn("failed to decode journal event", "error", err)
				return
			}
			handle(event)
		},
		stream.NewConsumerOptions().SetOffset(offset),
	)
	if err != nil {
		return fmt.Errorf("failed to start stream consumer: %w", err)
	}
	defer consumer.Close()

	c.logger.Info("stream consumer started", "stream", c.streamName)
	<-ctx.Done()
	return nil
}

// DecodeEvent parses one journal record.
func DecodeEvent(data []byte) (domain.OutboxEvent, error) {
	var event domain.OutboxEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("unmarshal stream event: %w", err)
	}
	if event.EventType == "" {
		return domain.OutboxEvent{}, errors.New("stream event without type")
	}
	return event, nil
}
