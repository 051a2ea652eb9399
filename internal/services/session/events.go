package session

import (
	"time"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/models"
)

// Event describes one state transition.
type Event struct {
	From   models.State
	To     models.State
	Reason string
	At     time.Time
}

// Listener receives events in transition order. Events are delivered by
// whichever goroutine is flushing the queue, which may be a refresh exchange
// rather than the caller that caused the transition. Delivery happens outside
// the state lock; a listener may read the manager but should hand off any
// work that calls Establish, Refresh or Logout.
type Listener func(Event)

type subscription struct {
	id uint64
	fn Listener
}

// Subscribe registers l for state transitions. The returned function removes
// it and is safe to call more than once.
func (m *Manager) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	m.nextListenerID++
	id := m.nextListenerID
	m.listeners = append(m.listeners, subscription{id: id, fn: l})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.listeners {
			if s.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// transitionLocked moves the state machine and queues an event. Callers hold mu.
func (m *Manager) transitionLocked(to models.State, reason string) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.metrics.transitions.WithLabelValues(from.String(), to.String()).Inc()
	m.queue = append(m.queue, Event{From: from, To: to, Reason: reason, At: m.now()})
}

// flush delivers queued events. Only one goroutine delivers at a time; a
// caller that finds delivery in progress leaves its events to that goroutine,
// which re-checks the queue after releasing emitMu.
func (m *Manager) flush() {
	for {
		if !m.emitMu.TryLock() {
			return
		}

		for {
			m.mu.Lock()
			events := m.queue
			m.queue = nil
			listeners := make([]subscription, len(m.listeners))
			copy(listeners, m.listeners)
			m.mu.Unlock()

			if len(events) == 0 {
				break
			}

			for _, ev := range events {
				for _, s := range listeners {
					s.fn(ev)
				}
			}
		}

		m.emitMu.Unlock()

		m.mu.Lock()
		empty := len(m.queue) == 0
		m.mu.Unlock()
		if empty {
			return
		}
	}
}
