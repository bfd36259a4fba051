package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat_broker/internal/auth"
	"chat_broker/internal/domain"
	"chat_broker/internal/fanout"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 256
)

type Client struct {
	Hub       *Hub
	Conn      *websocket.Conn
	Principal auth.Principal
	ConnID    uuid.UUID
	Send      chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	subs   map[string]*fanout.Subscription
}

func newClient(h *Hub, conn *websocket.Conn, p auth.Principal) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		Hub:       h,
		Conn:      conn,
		Principal: p,
		ConnID:    uuid.New(),
		Send:      make(chan []byte, sendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*fanout.Subscription),
	}
}

// shutdown ends every subscription and closes the send channel. It is safe
// to call more than once.
func (c *Client) shutdown() {
	c.cancel()
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*fanout.Subscription)
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// enqueue queues a frame for the write pump. A client whose queue is full is
// disconnected.
func (c *Client) enqueue(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.Hub.logger.Error("failed to marshal frame", "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- data:
	default:
		c.Hub.logger.Warn("dropping slow client", "principal", c.Principal.ID, "conn", c.ConnID)
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) ack(id string) {
	c.enqueue(Frame{Type: FrameAck, ID: id})
}

func (c *Client) fail(id string, err error) {
	code := domain.Code(err)
	if code == "internal" && errors.Is(err, fanout.ErrNoTopic) {
		code = "bad_request"
	}
	c.enqueue(Frame{Type: FrameError, ID: id, Error: err.Error(), Code: code})
}

// ReadPump reads client requests until the connection fails.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.Unregister <- c:
		case <-c.Hub.done:
			c.shutdown()
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Warn("websocket read failed", "principal", c.Principal.ID, "error", err)
			}
			return
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.enqueue(Frame{Type: FrameError, Error: "malformed request", Code: "bad_request"})
			continue
		}
		c.handle(req)
	}
}

// WritePump writes queued frames and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(req Request) {
	switch req.Op {
	case OpSubscribe:
		id := req.ID
		if id == "" {
			id = string(req.Topic)
		}
		c.unsubscribe(id)
		if err := c.subscribe(id, req.Topic); err != nil {
			c.fail(id, err)
		}

	case OpUnsubscribe:
		c.unsubscribe(req.ID)
		c.ack(req.ID)

	case OpHeartbeat:
		if _, err := c.Hub.presence.Heartbeat(c.ctx, c.Principal.ID); err != nil {
			c.Hub.logger.Warn("heartbeat failed", "principal", c.Principal.ID, "error", err)
			c.fail(req.ID, err)
			return
		}
		c.ack(req.ID)

	case OpTyping:
		name := req.UserName
		if name == "" {
			name = c.Principal.Name
		}
		if _, err := c.Hub.typing.SetTyping(c.ctx, c.Principal.ID, name); err != nil {
			c.Hub.logger.Warn("set typing failed", "principal", c.Principal.ID, "error", err)
			c.fail(req.ID, err)
			return
		}
		c.ack(req.ID)

	case OpClearTyping:
		if err := c.Hub.typing.ClearTyping(c.ctx, c.Principal.ID); err != nil {
			c.Hub.logger.Warn("clear typing failed", "principal", c.Principal.ID, "error", err)
			c.fail(req.ID, err)
			return
		}
		c.ack(req.ID)

	default:
		c.enqueue(Frame{Type: FrameError, ID: req.ID, Error: fmt.Sprintf("unknown op %q", req.Op), Code: "bad_request"})
	}
}

// subscribe starts a live query under id: the snapshot frame goes out first,
// then one delta frame per committed change.
func (c *Client) subscribe(id string, topic fanout.Topic) error {
	f := fanout.Filter{Topic: topic}
	if topic == fanout.TopicTyping {
		f.Viewer = c.Principal.ID
	}
	sub, err := c.Hub.engine.Subscribe(c.ctx, f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Close()
		return nil
	}
	prev := c.subs[id]
	c.subs[id] = sub
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	c.enqueue(Frame{Type: FrameSnapshot, ID: id, Topic: topic, Items: sub.Snapshot()})
	go c.forward(id, sub)
	return nil
}

func (c *Client) unsubscribe(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// forward relays deltas of one subscription. When the subscription lagged it
// tells the client to drop its view and replays a fresh snapshot.
func (c *Client) forward(id string, sub *fanout.Subscription) {
	topic := sub.Filter().Topic
	for d := range sub.C() {
		d := d
		c.enqueue(Frame{Type: FrameDelta, ID: id, Topic: topic, Delta: &d})
	}
	if !errors.Is(sub.Err(), fanout.ErrLagged) {
		return
	}

	c.mu.Lock()
	current := !c.closed && c.subs[id] == sub
	if current {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if !current {
		return
	}

	c.enqueue(Frame{Type: FrameResync, ID: id, Topic: topic})
	if err := c.subscribe(id, topic); err != nil {
		c.fail(id, err)
	}
}
