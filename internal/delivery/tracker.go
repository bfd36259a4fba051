// Package delivery derives the denormalized delivery status of a message.
//
// The status is a single field per message that only moves forward:
// sent -> delivered -> read. It flips to read on the first reader other
// than the author and never moves back.
package delivery

import (
	"chat_broker/internal/domain"
	"chat_broker/internal/metrics"
)

var rank = map[domain.Status]int{
	domain.StatusSent:      0,
	domain.StatusDelivered: 1,
	domain.StatusRead:      2,
}

// Advance returns the later of two statuses.
func Advance(current, next domain.Status) domain.Status {
	if rank[next] > rank[current] {
		return next
	}
	return current
}

type Tracker struct{}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Initialize prepares a freshly sent message.
func (t *Tracker) Initialize(m *domain.Message) {
	m.Status = domain.StatusSent
	m.ReadBy = []string{m.AuthorID}
}

// MarkRead adds reader to ReadBy and recomputes the status. It reports
// whether the message changed.
func (t *Tracker) MarkRead(m *domain.Message, reader string) bool {
	if !m.AddReader(reader) {
		return false
	}
	t.recompute(m)
	return true
}

// MarkDelivered records a delivery ack from a recipient. Acks from the author
// and acks after the message already reached delivered are no-ops.
func (t *Tracker) MarkDelivered(m *domain.Message, recipient string) bool {
	if recipient == m.AuthorID {
		return false
	}
	return t.transition(m, domain.StatusDelivered)
}

func (t *Tracker) recompute(m *domain.Message) {
	if m.ReadByOthers() {
		t.transition(m, domain.StatusRead)
	}
}

func (t *Tracker) transition(m *domain.Message, to domain.Status) bool {
	next := Advance(m.Status, to)
	if next == m.Status {
		return false
	}
	m.Status = next
	metrics.StatusTransitionsTotal.WithLabelValues(string(next)).Inc()
	return true
}
