// Package listener runs the gateway's HTTP servers.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wudi/svcgate/internal/logging"
	"go.uber.org/zap"
)

// Listener is a server that can be bound and drained.
type Listener interface {
	ID() string

	// Start binds and serves in the background. Bind errors are returned
	// synchronously.
	Start(ctx context.Context) error

	// Stop drains in-flight requests until ctx is done.
	Stop(ctx context.Context) error

	// Addr returns the bound address once started, the configured one before.
	Addr() string
}

// Manager starts and stops a set of listeners as a unit. Listeners start
// in the order they were added.
type Manager struct {
	mu      sync.Mutex
	ordered []Listener
	byID    map[string]Listener
	running []Listener
	logger  *zap.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = logging.Global()
	}
	return &Manager{byID: make(map[string]Listener), logger: logger}
}

// Add registers l. IDs must be unique.
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byID[l.ID()]; dup {
		return fmt.Errorf("duplicate listener id %q", l.ID())
	}
	m.byID[l.ID()] = l
	m.ordered = append(m.ordered, l)
	return nil
}

// Get returns the listener with the given ID.
func (m *Manager) Get(id string) (Listener, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byID[id]
	return l, ok
}

// IDs returns the listener IDs in start order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.ordered))
	for i, l := range m.ordered {
		ids[i] = l.ID()
	}
	return ids
}

// StartAll starts every listener. If one fails, the ones already started
// are stopped in reverse order and nothing is left running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.running) > 0 {
		return errors.New("listeners already started")
	}

	for _, l := range m.ordered {
		if err := l.Start(ctx); err != nil {
			for i := len(m.running) - 1; i >= 0; i-- {
				_ = m.running[i].Stop(ctx)
			}
			m.running = nil
			return fmt.Errorf("listener %s: %w", l.ID(), err)
		}
		m.running = append(m.running, l)
		m.logger.Info("Listener started", zap.String("id", l.ID()), zap.String("addr", l.Addr()))
	}
	return nil
}

// StopAll drains every running listener concurrently and returns all
// failures joined.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	running := m.running
	m.running = nil
	m.mu.Unlock()

	errs := make([]error, len(running))
	var wg sync.WaitGroup
	for i, l := range running {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("listener %s: %w", l.ID(), err)
				return
			}
			m.logger.Info("Listener stopped", zap.String("id", l.ID()))
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
