package ws

import "chat_broker/internal/fanout"

const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpHeartbeat   = "heartbeat"
	OpTyping      = "typing"
	OpClearTyping = "clear_typing"
)

const (
	FrameSnapshot = "snapshot"
	FrameDelta    = "delta"
	FrameResync   = "resync"
	FrameAck      = "ack"
	FrameError    = "error"
)

// Request is a frame sent by the client. ID names the subscription for
// subscribe and unsubscribe and is echoed back on acks and errors.
type Request struct {
	Op       string       `json:"op"`
	ID       string       `json:"id,omitempty"`
	Topic    fanout.Topic `json:"topic,omitempty"`
	UserName string       `json:"user_name,omitempty"`
}

// Frame is a frame sent by the server.
type Frame struct {
	Type  string         `json:"type"`
	ID    string         `json:"id,omitempty"`
	Topic fanout.Topic   `json:"topic,omitempty"`
	Items []fanout.Delta `json:"items,omitempty"`
	Delta *fanout.Delta  `json:"delta,omitempty"`
	Error string         `json:"error,omitempty"`
	Code  string         `json:"code,omitempty"`
}
