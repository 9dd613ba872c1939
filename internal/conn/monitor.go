// Package conn tracks the connectivity phase of the realtime link as a state
// machine and broadcasts transitions to all observers.
package conn

import (
	"context"
	"log/slog"
	"sync"

	"github.com/divvyhq/divvy-sync/internal/types"
)

// listenerBuffer bounds each observer's stream. A slow observer misses
// intermediate states, never the most recent one.
const listenerBuffer = 16

// Link is the low-level connect/disconnect surface of the realtime client.
// Disconnect drops the socket but leaves the link redialable; Close retires
// it.
type Link interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Close() error
	OnConnect(fn func())
	OnDisconnect(fn func(err error))
	OnReconnecting(fn func(attempt int))
	OnReconnectFailed(fn func(err error))
}

// Monitor owns the current ConnectionState and its transitions. Connection
// failures are reported as state transitions, not errors: callers observe a
// stream.
type Monitor struct {
	link Link

	mu        sync.Mutex
	state     types.ConnectionState
	listeners []chan types.ConnectionState
	started   bool
	stopped   bool
	disposed  bool
}

// NewMonitor creates a monitor over the given link. The initial state is
// Disconnected.
func NewMonitor(link Link) *Monitor {
	m := &Monitor{
		link:  link,
		state: types.StateDisconnected,
	}

	link.OnConnect(func() { m.transition(types.StateConnected) })
	link.OnDisconnect(func(err error) {
		m.mu.Lock()
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			m.transition(types.StateDisconnected)
			return
		}
		m.transition(types.StateReconnecting)
	})
	link.OnReconnecting(func(attempt int) { m.transition(types.StateConnecting) })
	link.OnReconnectFailed(func(err error) { m.transition(types.StateError) })

	return m
}

// Start begins connecting. Idempotent: calling Start on a monitor that is
// already started, or has been disposed, has no effect. The connect attempt
// runs asynchronously; its outcome arrives on the state stream.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.disposed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopped = false
	m.mu.Unlock()

	m.transition(types.StateConnecting)

	go func() {
		if err := m.link.Connect(ctx); err != nil {
			slog.Warn("realtime connect failed",
				"component", "conn",
				"error", err,
			)
			m.transition(types.StateError)
		}
		// Success is reported through the link's OnConnect callback.
	}()
}

// Stop disconnects the link and transitions to Disconnected. The link stays
// redialable: a later Start connects again. Safe to call multiple times;
// counterpart of Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started || m.disposed {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.stopped = true
	m.mu.Unlock()

	if err := m.link.Disconnect(); err != nil {
		slog.Warn("error disconnecting realtime link",
			"component", "conn",
			"error", err,
		)
	}
	m.transition(types.StateDisconnected)
}

// Dispose stops the monitor, retires the link and closes every observer
// stream. Terminal: a disposed monitor cannot be restarted.
func (m *Monitor) Dispose() {
	m.Stop()

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	listeners := m.listeners
	m.listeners = nil
	m.mu.Unlock()

	if err := m.link.Close(); err != nil {
		slog.Warn("error closing realtime link",
			"component", "conn",
			"error", err,
		)
	}
	for _, ch := range listeners {
		close(ch)
	}
}

// State returns the current connection state.
func (m *Monitor) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a new observer stream. Transitions are delivered to
// all observers in emission order. The stream is closed on Dispose.
func (m *Monitor) Subscribe() <-chan types.ConnectionState {
	ch := make(chan types.ConnectionState, listenerBuffer)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		close(ch)
		return ch
	}
	m.listeners = append(m.listeners, ch)
	return ch
}

// transition moves to the new state and broadcasts it. Repeated transitions
// to the current state are suppressed.
func (m *Monitor) transition(next types.ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed || m.state == next {
		return
	}
	m.state = next

	for _, ch := range m.listeners {
		// Make room by discarding the observer's oldest undelivered
		// state; ordering across observers is preserved because the
		// whole broadcast happens under the lock.
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}

	slog.Debug("connection state changed",
		"component", "conn",
		"state", string(next),
	)
}
