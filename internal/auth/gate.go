// Package auth tracks whether a user identity is established.
//
// The Gate starts out pending. An identity Provider resolves it at least once
// and then reports sign-in and sign-out transitions for the life of the
// process. A provider that fails, or does not resolve within the ready
// timeout, leaves the gate resolved as anonymous so callers never block
// indefinitely.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sanjanb/lifelab/internal/types"
)

// ErrReadyTimeout is reported when the provider did not resolve in time.
var ErrReadyTimeout = errors.New("identity provider did not resolve in time")

// Provider is an external identity provider.
type Provider interface {
	// Watch reports the current identity and every later change through
	// emit, in order, until ctx is done. A returned error other than the
	// context's is treated as a provider fault.
	Watch(ctx context.Context, emit func(types.AuthState)) error
}

// Listener receives identity transitions.
type Listener func(types.AuthState)

type listenerEntry struct {
	id int
	fn Listener
}

// Gate is the process-wide authentication state.
type Gate struct {
	// notifyMu serializes transitions so listeners observe them in order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	state     types.AuthState
	resolved  bool
	ready     chan struct{}
	listeners []listenerEntry
	nextID    int

	logger *log.Logger
}

// NewGate creates a pending gate.
//
// If logger is nil, a default logger writing to stderr is used.
func NewGate(logger *log.Logger) *Gate {
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	return &Gate{
		ready:  make(chan struct{}),
		logger: logger,
	}
}

// IsAuthenticated reports whether a user is currently signed in. A pending
// gate reports false.
func (g *Gate) IsAuthenticated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.IsAuthenticated
}

// State returns the current identity.
func (g *Gate) State() types.AuthState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Resolved reports whether the provider has resolved at least once.
func (g *Gate) Resolved() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolved
}

// OnAuthStateChange registers fn for every later transition. Listeners are
// called synchronously in registration order and must not call Update or
// Fail. The returned function unregisters fn; calling it more than once is
// harmless.
func (g *Gate) OnAuthStateChange(fn Listener) (unsubscribe func()) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners = append(g.listeners, listenerEntry{id: id, fn: fn})
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			for i, l := range g.listeners {
				if l.id == id {
					g.listeners = append(g.listeners[:i:i], g.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// WaitForAuthReady blocks until the gate has resolved at least once, then
// returns the current identity. Later calls return immediately.
func (g *Gate) WaitForAuthReady(ctx context.Context) (types.AuthState, error) {
	select {
	case <-g.ready:
		return g.State(), nil
	case <-ctx.Done():
		return types.Anonymous, ctx.Err()
	}
}

// Update records an identity reported by the provider. The first call
// resolves the gate; later calls notify listeners only when the state
// actually changes.
func (g *Gate) Update(state types.AuthState) {
	g.apply(state, false)
}

func (g *Gate) apply(state types.AuthState, onlyIfPending bool) {
	if !state.IsAuthenticated {
		state = types.Anonymous
	}

	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()

	g.mu.Lock()
	if onlyIfPending && g.resolved {
		g.mu.Unlock()
		return
	}
	first := !g.resolved
	changed := g.state != state
	g.state = state
	if first {
		g.resolved = true
		close(g.ready)
	}
	listeners := make([]listenerEntry, len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.Unlock()

	if !first && !changed {
		return
	}

	if state.IsAuthenticated {
		g.logger.Printf("Signed in as %s", state.UserID)
	} else {
		g.logger.Printf("Not signed in")
	}

	for _, l := range listeners {
		l.fn(state)
	}
}

// Fail records a provider fault. The app degrades to local-only mode.
func (g *Gate) Fail(err error) {
	g.logger.Printf("WARNING: identity provider failed: %v", err)
	g.Update(types.Anonymous)
}

// Run drives the gate from provider until ctx is done.
//
// If the provider has not resolved within readyTimeout the gate resolves as
// anonymous; a later report from the provider still takes effect. A zero
// readyTimeout disables the timer.
func (g *Gate) Run(ctx context.Context, provider Provider, readyTimeout time.Duration) error {
	if readyTimeout > 0 {
		timer := time.AfterFunc(readyTimeout, func() {
			if !g.Resolved() {
				g.logger.Printf("WARNING: %v, continuing as anonymous", ErrReadyTimeout)
				g.apply(types.Anonymous, true)
			}
		})
		defer timer.Stop()
	}

	err := provider.Watch(ctx, g.Update)
	if err != nil && !errors.Is(err, ctx.Err()) {
		g.Fail(err)
		return fmt.Errorf("identity provider stopped: %w", err)
	}
	return nil
}
