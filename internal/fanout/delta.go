package fanout

import (
	"chat_broker/internal/domain"
)

type Topic string

const (
	TopicMessages Topic = "messages"
	TopicPinned   Topic = "pinned"
	TopicTyping   Topic = "typing"
	TopicPresence Topic = "presence"
)

func (t Topic) Valid() bool {
	switch t {
	case TopicMessages, TopicPinned, TopicTyping, TopicPresence:
		return true
	}
	return false
}

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Delta is one committed change to one entity. Entity pointers are shared
// between subscribers and must be treated as read-only.
type Delta struct {
	Topic    Topic                  `json:"topic"`
	Op       Op                     `json:"op"`
	Key      string                 `json:"key"`
	Seq      uint64                 `json:"seq,omitempty"`
	Origin   string                 `json:"origin,omitempty"`
	Message  *domain.Message        `json:"message,omitempty"`
	Typing   *domain.TypingSignal   `json:"typing,omitempty"`
	Presence *domain.PresenceRecord `json:"presence,omitempty"`
}

// Filter selects one live query.
type Filter struct {
	Topic Topic
	// Viewer is excluded from typing streams.
	Viewer string
}

// source maps a subscriber topic to the topic its deltas are committed on.
func (f Filter) source() Topic {
	if f.Topic == TopicPinned {
		return TopicMessages
	}
	return f.Topic
}

func MessageDelta(op Op, m *domain.Message) Delta {
	return Delta{Topic: TopicMessages, Op: op, Key: m.ID.String(), Message: m}
}

func TypingDelta(op Op, s domain.TypingSignal) Delta {
	return Delta{Topic: TopicTyping, Op: op, Key: s.PrincipalID, Typing: &s}
}

func PresenceDelta(op Op, r domain.PresenceRecord) Delta {
	return Delta{Topic: TopicPresence, Op: op, Key: r.PrincipalID, Presence: &r}
}
