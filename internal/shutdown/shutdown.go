// Package shutdown runs ordered teardown hooks when the process is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/itenfay/cxdownload/internal/logger"
)

// Hook releases one component. ctx carries the per-hook deadline.
type Hook func(ctx context.Context) error

// Priority orders hooks; lower values run first
type Priority int

const (
	// PriorityCritical stops accepting new work (HTTP server)
	PriorityCritical Priority = 0
	// PriorityHigh drains in-flight work (scheduler)
	PriorityHigh Priority = 1
	// PriorityNormal closes shared resources (event bus, store)
	PriorityNormal Priority = 2
	// PriorityLow flushes logs
	PriorityLow Priority = 3
)

type registeredHook struct {
	name     string
	hook     Hook
	priority Priority
}

// Manager coordinates graceful shutdown
type Manager struct {
	mu       sync.Mutex
	hooks    []registeredHook
	timeout  time.Duration
	started  bool
	stopping bool

	sigChan  chan os.Signal
	stopChan chan struct{}

	// stopCtx is cancelled when shutdown begins, doneCtx when it completes
	stopCtx    context.Context
	stopCancel context.CancelFunc
	doneCtx    context.Context
	doneCancel context.CancelFunc

	err error
	wg  sync.WaitGroup
}

// NewManager creates a manager that gives each hook up to timeout
func NewManager(timeout time.Duration) *Manager {
	stopCtx, stopCancel := context.WithCancel(context.Background())
	doneCtx, doneCancel := context.WithCancel(context.Background())
	return &Manager{
		timeout:    timeout,
		sigChan:    make(chan os.Signal, 1),
		stopChan:   make(chan struct{}, 1),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		doneCtx:    doneCtx,
		doneCancel: doneCancel,
	}
}

// Register adds a hook. Hooks with equal priority run in registration order.
func (m *Manager) Register(name string, hook Hook, priority Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, registeredHook{name: name, hook: hook, priority: priority})
	logger.Debugf("Registered shutdown hook: %s (priority: %d)", name, priority)
}

// Start listens for SIGINT, SIGTERM and SIGQUIT, for Stop, and for ctx
// cancellation; whichever comes first triggers the hooks.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	m.wg.Add(1)
	go m.waitForShutdown(ctx)
}

func (m *Manager) waitForShutdown(ctx context.Context) {
	defer m.wg.Done()
	defer signal.Stop(m.sigChan)

	select {
	case sig := <-m.sigChan:
		logger.Infof("Received signal: %v", sig)
	case <-m.stopChan:
		logger.Info("Shutdown requested")
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}
	m.Shutdown()
}

// Shutdown runs every hook once, ordered by priority, and returns their
// combined error. Later calls return the first result.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		<-m.doneCtx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.err
	}
	m.stopping = true
	hooks := make([]registeredHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	m.stopCancel()
	logger.Info("Starting graceful shutdown")

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].priority < hooks[j].priority
	})

	var errs []error
	for _, h := range hooks {
		if err := m.runHook(h); err != nil {
			errs = append(errs, err)
		}
	}
	logger.Info("Graceful shutdown complete")

	m.mu.Lock()
	m.err = errors.Join(errs...)
	m.mu.Unlock()
	m.doneCancel()
	return m.err
}

func (m *Manager) runHook(h registeredHook) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	logger.Infof("Running shutdown hook: %s", h.name)

	done := make(chan error, 1)
	go func() {
		done <- h.hook(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Errorf("Shutdown hook %s failed: %v", h.name, err)
			return fmt.Errorf("%s: %w", h.name, err)
		}
		logger.Debugf("Shutdown hook %s done", h.name)
		return nil
	case <-ctx.Done():
		logger.Errorf("Shutdown hook %s timed out after %v", h.name, m.timeout)
		return fmt.Errorf("%s: %w", h.name, ctx.Err())
	}
}

// Stop triggers shutdown from code
func (m *Manager) Stop() {
	select {
	case m.stopChan <- struct{}{}:
	default:
	}
}

// Stopping is closed as soon as shutdown begins
func (m *Manager) Stopping() <-chan struct{} {
	return m.stopCtx.Done()
}

// Context is cancelled as soon as shutdown begins
func (m *Manager) Context() context.Context {
	return m.stopCtx
}

// Done is closed once every hook has run
func (m *Manager) Done() <-chan struct{} {
	return m.doneCtx.Done()
}

// Err returns the combined hook error after Done is closed
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Wait blocks until the signal listener started by Start has finished
func (m *Manager) Wait() {
	m.wg.Wait()
}
