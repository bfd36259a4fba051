package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"chat_broker/internal/broker"
)

// Publisher is the part of the RabbitMQ client used for notifications.
type Publisher interface {
	PublishToExchange(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// BrokerNotifier routes notifications through the push exchange so any node
// running a Dispatcher can deliver them.
type BrokerNotifier struct {
	Publisher Publisher
}

func (n BrokerNotifier) Notify(ctx context.Context, note Notification) error {
	return n.Publisher.PublishToExchange(ctx, broker.ExchangePush, broker.UserRoutingKey(note.Recipient), note)
}

// Dispatcher drains the push queue into a Notifier.
type Dispatcher struct {
	deliveries <-chan amqp.Delivery
	notifier   Notifier
	logger     *slog.Logger
}

func NewDispatcher(deliveries <-chan amqp.Delivery, notifier Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{deliveries: deliveries, notifier: notifier, logger: logger}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-d.deliveries:
			if !ok {
				return nil
			}
			d.handle(ctx, msg)
			_ = msg.Ack(false)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg amqp.Delivery) {
	var note Notification
	if err := json.Unmarshal(msg.Body, &note); err != nil || note.Message == nil {
		d.logger.Warn("skipping malformed notification", "routing_key", msg.RoutingKey)
		return
	}
	if note.Recipient == "" {
		note.Recipient = recipientFromRoutingKey(msg)
	}
	if note.Recipient == "" {
		d.logger.Warn("skipping notification without recipient", "routing_key", msg.RoutingKey)
		return
	}
	if err := d.notifier.Notify(ctx, note); err != nil {
		d.logger.Warn("failed to deliver notification", "recipient", note.Recipient, "error", err)
	}
}

// recipientFromRoutingKey reads "user.<id>" from the routing key, falling
// back to the original key of a dead-lettered delivery.
func recipientFromRoutingKey(msg amqp.Delivery) string {
	routingKey := msg.RoutingKey
	if !strings.HasPrefix(routingKey, "user.") {
		if headers, ok := msg.Headers["x-death"].([]interface{}); ok && len(headers) > 0 {
			if header, ok := headers[0].(amqp.Table); ok {
				if rk, ok := header["routing-keys"].([]interface{}); ok && len(rk) > 0 {
					if s, ok := rk[0].(string); ok {
						routingKey = s
					}
				}
			}
		}
	}
	if !strings.HasPrefix(routingKey, "user.") {
		return ""
	}
	return strings.TrimPrefix(routingKey, "user.")
}
