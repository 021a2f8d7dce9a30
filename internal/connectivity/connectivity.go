// Package connectivity observes network reachability reported by the client
// and emits an event on every offline to online transition.
package connectivity

import (
	"log/slog"
	"sync"
)

// Monitor is the ConnectivityObserver. Only edges are emitted; reporting the
// same state twice is a no-op.
type Monitor struct {
	mu          sync.Mutex
	online      bool
	subscribers []chan struct{}
}

// NewMonitor creates a monitor in the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Restored returns a channel that receives a value after each offline to
// online edge. Edges arriving before the previous one is consumed coalesce.
func (m *Monitor) Restored() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{}, 1)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Set records the current state. It reports whether this was an offline to
// online edge.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return false
	}
	m.online = online
	if !online {
		slog.Info("connectivity lost")
		return false
	}

	slog.Info("connectivity restored")
	for _, ch := range m.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return true
}
