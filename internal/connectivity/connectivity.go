// Package connectivity tracks the host's online/offline signal and fans it
// out to the coordinators. The engine performs no probing of its own; hosts
// report transitions via SetOnline.
package connectivity

import (
	"context"
	"sync"
)

// Manager holds the current connectivity state. The zero state is online.
type Manager struct {
	mu        sync.Mutex
	offline   bool
	listeners map[int]func(online bool)
	nextID    int

	// onlineCh is closed while online; replaced with an open channel when
	// the host goes offline. Waiters block on the current channel.
	onlineCh chan struct{}
}

// New creates a Manager in the online state.
func New() *Manager {
	ch := make(chan struct{})
	close(ch)
	return &Manager{
		listeners: make(map[int]func(bool)),
		onlineCh:  ch,
	}
}

// IsOnline reports the current connectivity state.
func (m *Manager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.offline
}

// SetOnline records a connectivity transition and notifies subscribers.
// Redundant transitions are ignored.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	if m.offline == !online {
		m.mu.Unlock()
		return
	}
	m.offline = !online
	if online {
		close(m.onlineCh)
	} else {
		m.onlineCh = make(chan struct{})
	}
	var fns []func(bool)
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Subscribe registers a transition listener and returns an idempotent
// unsubscribe function.
func (m *Manager) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// WaitOnline blocks until the host is online or ctx is done. It returns
// ctx.Err() on cancellation and nil once online.
func (m *Manager) WaitOnline(ctx context.Context) error {
	for {
		m.mu.Lock()
		ch := m.onlineCh
		offline := m.offline
		m.mu.Unlock()

		if !offline {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
