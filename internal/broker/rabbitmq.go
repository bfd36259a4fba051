package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"

	"chat_broker/internal/fanout"
)

const (
	ExchangeTopic = "chat.topic"
	ExchangePush  = "chat.push"

	PushQueue = "chat.push.notifications"
)

// RoutingKey returns the routing key deltas of topic are published under.
func RoutingKey(topic fanout.Topic) string {
	return "delta." + string(topic)
}

// UserRoutingKey returns the push routing key of a principal.
func UserRoutingKey(principalID string) string {
	return "user." + principalID
}

type RabbitMQClient struct {
	conn *amqp.Connection

	// amqp channels are not safe for concurrent publishing.
	mu      sync.Mutex
	channel *amqp.Channel

	StreamEnv *stream.Environment
}

// NewRabbitMQClient connects to RabbitMQ and declares the delta and push
// exchanges. When streamURI is not empty a stream environment is opened too.
func NewRabbitMQClient(url, streamURI string) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Deltas committed on one node, routed by topic.
	err = ch.ExchangeDeclare(
		ExchangeTopic, // name
		"topic",       // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	// Offline notifications, routed by principal.
	err = ch.ExchangeDeclare(
		ExchangePush, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare push exchange: %w", err)
	}

	c := &RabbitMQClient{
		conn:    conn,
		channel: ch,
	}

	if streamURI != "" {
		env, err := stream.NewEnvironment(stream.NewEnvironmentOptions().SetUri(streamURI))
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to open stream environment: %w", err)
		}
		c.StreamEnv = env
	}
	return c, nil
}

func (c *RabbitMQClient) Publish(ctx context.Context, routingKey string, body interface{}) error {
	return c.PublishToExchange(ctx, ExchangeTopic, routingKey, body)
}

func (c *RabbitMQClient) PublishToExchange(ctx context.Context, exchange, routingKey string, body interface{}) error {
	bytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        bytes,
		},
	)
}

// PublishDelta sends a locally committed delta to the other nodes.
func (c *RabbitMQClient) PublishDelta(ctx context.Context, d fanout.Delta) error {
	return c.Publish(ctx, RoutingKey(d.Topic), d)
}

// ConsumeDeltas streams deltas published by any node until ctx is done.
func (c *RabbitMQClient) ConsumeDeltas(ctx context.Context) (<-chan fanout.Delta, error) {
	msgs, err := c.ConsumeBroadcast("delta.#")
	if err != nil {
		return nil, err
	}
	out := make(chan fanout.Delta)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var d fanout.Delta
				if err := json.Unmarshal(m.Body, &d); err != nil {
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *RabbitMQClient) Close() {
	if c.StreamEnv != nil {
		c.StreamEnv.Close()
	}
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// ConsumePushQueue consumes notifications from the push exchange. Deliveries
// must be acked by the caller.
func (c *RabbitMQClient) ConsumePushQueue() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.channel.QueueDeclare(
		PushQueue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare push queue: %w", err)
	}

	err = c.channel.QueueBind(
		q.Name,       // queue name
		"user.#",     // routing key
		ExchangePush, // exchange
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind push queue: %w", err)
	}

	return c.channel.Consume(
		q.Name, "", false, false, false, false, nil,
	)
}

// ConsumeBroadcast creates a temporary exclusive queue bound to the topic
// exchange, so every node receives its own copy.
func (c *RabbitMQClient) ConsumeBroadcast(routingKey string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.channel.QueueDeclare(
		"",    // name (empty = random auto-generated)
		false, // durable
		true,  // delete when unused
		true,  // exclusive (only this connection can read)
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare broadcast queue: %w", err)
	}

	err = c.channel.QueueBind(
		q.Name,        // queue name
		routingKey,    // routing key
		ExchangeTopic, // exchange
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind broadcast queue: %w", err)
	}

	return c.channel.Consume(
		q.Name, "", true, false, false, false, nil,
	)
}
