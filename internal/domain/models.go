package domain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

// PresenceRecord is the single last-write-wins presence row of a principal.
type PresenceRecord struct {
	PrincipalID string    `json:"principal_id"`
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"last_seen"`
}

type TypingSignal struct {
	PrincipalID string    `json:"principal_id"`
	UserName    string    `json:"user_name"`
	Timestamp   time.Time `json:"timestamp"`
}

// Expired reports whether the signal is older than ttl at now.
func (s TypingSignal) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.Timestamp) >= ttl
}

type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

type Attachment struct {
	Name       string `json:"name"`
	MimeType   string `json:"mime_type"`
	ByteSize   int64  `json:"byte_size"`
	PayloadRef string `json:"payload_ref"`
}

type VoiceNote struct {
	PayloadRef      string  `json:"payload_ref"`
	MimeType        string  `json:"mime_type"`
	ByteSize        int64   `json:"byte_size"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type Reaction struct {
	Emoji       string `json:"emoji"`
	PrincipalID string `json:"principal_id"`
}

type Message struct {
	ID          uuid.UUID    `json:"id"`
	Seq         uint64       `json:"seq"`
	Version     uint64       `json:"version"`
	AuthorID    string       `json:"author_id"`
	Body        string       `json:"body,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Edited      bool         `json:"edited"`
	Status      Status       `json:"status"`
	ReadBy      []string     `json:"read_by"`
	Reactions   []Reaction   `json:"reactions"`
	Pinned      bool         `json:"pinned"`
	PinnedBy    string       `json:"pinned_by,omitempty"`
	PinnedAt    *time.Time   `json:"pinned_at,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	VoiceNote   *VoiceNote   `json:"voice_note,omitempty"`
	ClientKey   string       `json:"client_key,omitempty"`
}

// Before orders messages by createdAt, falling back to the assignment sequence.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Seq < other.Seq
}

// SortMessages sorts in place into the single total order.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}

func (m *Message) HasReader(principalID string) bool {
	i := sort.SearchStrings(m.ReadBy, principalID)
	return i < len(m.ReadBy) && m.ReadBy[i] == principalID
}

// AddReader inserts principalID into ReadBy keeping it sorted. It returns
// false when the principal was already present.
func (m *Message) AddReader(principalID string) bool {
	i := sort.SearchStrings(m.ReadBy, principalID)
	if i < len(m.ReadBy) && m.ReadBy[i] == principalID {
		return false
	}
	m.ReadBy = append(m.ReadBy, "")
	copy(m.ReadBy[i+1:], m.ReadBy[i:])
	m.ReadBy[i] = principalID
	return true
}

// ReadByOthers reports whether anyone besides the author has read the message.
func (m *Message) ReadByOthers() bool {
	for _, id := range m.ReadBy {
		if id != m.AuthorID {
			return true
		}
	}
	return false
}

func (m *Message) HasReaction(emoji, principalID string) bool {
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.PrincipalID == principalID {
			return true
		}
	}
	return false
}

// SetReaction makes the (emoji, principal) record present or absent and
// reports whether the reaction set changed.
func (m *Message) SetReaction(emoji, principalID string, present bool) bool {
	for i, r := range m.Reactions {
		if r.Emoji == emoji && r.PrincipalID == principalID {
			if present {
				return false
			}
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return true
		}
	}
	if !present {
		return false
	}
	m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, PrincipalID: principalID})
	sort.Slice(m.Reactions, func(i, j int) bool {
		if m.Reactions[i].Emoji != m.Reactions[j].Emoji {
			return m.Reactions[i].Emoji < m.Reactions[j].Emoji
		}
		return m.Reactions[i].PrincipalID < m.Reactions[j].PrincipalID
	})
	return true
}

// ToggleReaction flips membership of (emoji, principal).
func (m *Message) ToggleReaction(emoji, principalID string) {
	m.SetReaction(emoji, principalID, !m.HasReaction(emoji, principalID))
}

// ReactionCounts aggregates the reaction multiset per emoji.
func (m *Message) ReactionCounts() map[string]int {
	counts := make(map[string]int, len(m.Reactions))
	for _, r := range m.Reactions {
		counts[r.Emoji]++
	}
	return counts
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.ReadBy = append([]string(nil), m.ReadBy...)
	c.Reactions = append([]Reaction(nil), m.Reactions...)
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	if m.PinnedAt != nil {
		t := *m.PinnedAt
		c.PinnedAt = &t
	}
	if m.VoiceNote != nil {
		v := *m.VoiceNote
		c.VoiceNote = &v
	}
	if c.ReadBy == nil {
		c.ReadBy = []string{}
	}
	if c.Reactions == nil {
		c.Reactions = []Reaction{}
	}
	return &c
}

type OutboxEvent struct {
	ID        uuid.UUID       `json:"id"`
	EventType string          `json:"event_type"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Origin    string          `json:"origin,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

const (
	EventTypeMessageCreated = "MESSAGE_CREATED"
	EventTypeMessageUpdated = "MESSAGE_UPDATED"
	EventTypeMessageDeleted = "MESSAGE_DELETED"
)
