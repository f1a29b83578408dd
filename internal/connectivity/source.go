// Package connectivity reports whether the remote store is reachable.
//
// The offline queue depends only on the narrow Source interface, so tests can
// inject online/offline transitions with Manual while the daemon uses Probe.
package connectivity

import (
	"sync"
)

// Listener receives connectivity transitions.
type Listener func(online bool)

// Source is a platform online/offline signal.
type Source interface {
	// IsOnline reports the last known connectivity.
	IsOnline() bool

	// Subscribe registers fn for every later transition. Transitions are
	// delivered synchronously, in the order they happened. The returned
	// function unregisters fn.
	Subscribe(fn Listener) (unsubscribe func())
}

type listenerEntry struct {
	id int
	fn Listener
}

// broadcaster holds the online flag and its listeners.
type broadcaster struct {
	notifyMu sync.Mutex

	mu        sync.Mutex
	online    bool
	listeners []listenerEntry
	nextID    int
}

func (b *broadcaster) IsOnline() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

func (b *broadcaster) Subscribe(fn Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners = append(b.listeners, listenerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// set records online and notifies listeners when it changed.
func (b *broadcaster) set(online bool) bool {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return false
	}
	b.online = online
	listeners := make([]listenerEntry, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, l := range listeners {
		l.fn(online)
	}
	return true
}

// Manual is a Source whose state is set explicitly.
type Manual struct {
	broadcaster
}

// NewManual creates a Manual source with the given initial state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online = online
	return m
}

// SetOnline changes the state, notifying listeners if it differs.
func (m *Manual) SetOnline(online bool) {
	m.set(online)
}
