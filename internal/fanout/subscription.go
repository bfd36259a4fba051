package fanout

import "sync"

type Subscription struct {
	id       uint64
	filter   Filter
	snapshot []Delta
	engine   *Engine

	mu     sync.Mutex
	ch     chan Delta
	done   chan struct{}
	closed bool
	err    error
	seq    uint64

	// keys currently in a derived view (pinned)
	visible map[string]struct{}
}

func newSubscription(e *Engine, f Filter, snapshot []Delta, buffer int) *Subscription {
	s := &Subscription{
		filter:   f,
		snapshot: snapshot,
		engine:   e,
		ch:       make(chan Delta, buffer),
		done:     make(chan struct{}),
	}
	if f.Topic == TopicPinned {
		s.visible = make(map[string]struct{}, len(snapshot))
		for _, d := range snapshot {
			s.visible[d.Key] = struct{}{}
		}
	}
	return s
}

func (s *Subscription) ID() uint64 {
	return s.id
}

func (s *Subscription) Filter() Filter {
	return s.filter
}

// Snapshot is the full state of the query at subscription time.
func (s *Subscription) Snapshot() []Delta {
	return s.snapshot
}

// C streams deltas committed after the snapshot. It is closed when the
// subscription ends.
func (s *Subscription) C() <-chan Delta {
	return s.ch
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended: ErrClosed or ErrLagged.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops delivery. Deltas still buffered are discarded.
func (s *Subscription) Close() {
	s.engine.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(ErrClosed)
}

func (s *Subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	for range s.ch {
	}
	close(s.done)
}

// deliver queues d if it matches the query. It returns true when the buffer
// overflowed and the subscription was closed.
func (s *Subscription) deliver(d Delta) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	out, ok := s.transform(d)
	if !ok {
		return false
	}
	s.seq++
	out.Seq = s.seq
	select {
	case s.ch <- out:
		return false
	default:
		s.closeLocked(ErrLagged)
		return true
	}
}

func (s *Subscription) transform(d Delta) (Delta, bool) {
	if d.Topic != s.filter.source() {
		return Delta{}, false
	}
	switch s.filter.Topic {
	case TopicTyping:
		if s.filter.Viewer != "" && d.Key == s.filter.Viewer {
			return Delta{}, false
		}
	case TopicPinned:
		return s.pinned(d)
	}
	return d, true
}

func (s *Subscription) pinned(d Delta) (Delta, bool) {
	_, visible := s.visible[d.Key]
	d.Topic = TopicPinned
	switch {
	case d.Op == OpDelete:
		if !visible {
			return Delta{}, false
		}
		delete(s.visible, d.Key)
		return d, true
	case d.Message != nil && d.Message.Pinned:
		if visible {
			d.Op = OpUpdate
		} else {
			d.Op = OpInsert
			s.visible[d.Key] = struct{}{}
		}
		return d, true
	default:
		if !visible {
			return Delta{}, false
		}
		delete(s.visible, d.Key)
		d.Op = OpDelete
		return d, true
	}
}
