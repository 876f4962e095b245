// Package shutdown coordinates graceful teardown of the farm daemons.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prism-pipeline/pandora/pkg/logging"
)

// Manager runs registered teardown hooks in LIFO order when a termination
// signal arrives or Trigger is called (exit-file shutdown).
type Manager struct {
	mu      sync.Mutex
	hooks   []func(context.Context) error
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
	log     *logging.Logger
}

// New creates a Manager with the given per-shutdown timeout.
func New(timeout time.Duration, log *logging.Logger) *Manager {
	return &Manager{
		timeout: timeout,
		done:    make(chan struct{}),
		log:     log,
	}
}

// Register adds a teardown hook. Hooks run in reverse registration order.
func (m *Manager) Register(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Done is closed once shutdown has been initiated.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Trigger initiates shutdown programmatically.
func (m *Manager) Trigger() {
	m.once.Do(func() { close(m.done) })
}

// Wait blocks until SIGTERM/SIGINT or Trigger, then runs all hooks.
func (m *Manager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigChan:
		m.log.Infof("received signal %v, shutting down", sig)
		m.Trigger()
	case <-m.done:
	}
	m.run()
}

func (m *Manager) run() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.hooks) - 1; i >= 0; i-- {
		if err := m.hooks[i](ctx); err != nil {
			m.log.Errorf("shutdown hook %d failed: %v", i, err)
		}
	}
	m.log.Infof("shutdown complete")
}
