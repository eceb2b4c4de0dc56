// Package shutdown turns interrupts into a graceful stop followed by a hard one.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cell-quantifier/internal/logger"
)

type Shutdownable interface {
	Shutdown()
}

// DefaultTimeout bounds each component's Shutdown.
const DefaultTimeout = 10 * time.Second

type Manager struct {
	components []Shutdownable
	graceful   []func()
	logger     logger.Logger
	timeout    time.Duration
	mu         sync.Mutex
	signals    int
	sigChan    chan os.Signal
	done       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewManager(log logger.Logger, timeout time.Duration) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		components: make([]Shutdownable, 0),
		logger:     log,
		timeout:    timeout,
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (m *Manager) Register(component Shutdownable) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.components = append(m.components, component)
}

// OnInterrupt registers fn to run on the first interrupt. A second interrupt
// cancels Context and shuts everything down.
func (m *Manager) OnInterrupt(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.graceful = append(m.graceful, fn)
}

func (m *Manager) Listen() {
	m.mu.Lock()
	if m.sigChan != nil {
		m.mu.Unlock()
		return
	}
	m.sigChan = make(chan os.Signal, 2)
	sigChan := m.sigChan
	m.mu.Unlock()

	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigChan:
				m.interrupt(sig.String())
			case <-m.done:
				signal.Stop(sigChan)
				return
			}
		}
	}()
}

func (m *Manager) interrupt(name string) {
	m.mu.Lock()
	m.signals++
	first := m.signals == 1
	graceful := append([]func(){}, m.graceful...)
	m.mu.Unlock()

	if !first || len(graceful) == 0 {
		m.logger.Warning("ShutdownManager", "interrupt received, stopping now", map[string]interface{}{
			"signal": name,
		})
		m.Shutdown()
		return
	}

	m.logger.Info("ShutdownManager", "interrupt received, finishing current ROI; interrupt again to stop now", map[string]interface{}{
		"signal": name,
	})
	for _, fn := range graceful {
		fn()
	}
}

func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}

	m.logger.Info("ShutdownManager", "shutdown sequence initiated", map[string]interface{}{
		"components": len(m.components),
	})

	m.cancel()

	// reverse registration order
	for i := len(m.components) - 1; i >= 0; i-- {
		component := m.components[i]

		done := make(chan struct{})
		go func() {
			defer close(done)
			component.Shutdown()
		}()

		select {
		case <-done:
		case <-time.After(m.timeout):
			m.logger.Warning("ShutdownManager", "component shutdown timeout", map[string]interface{}{
				"component_index": i,
			})
		}
	}

	m.logger.Info("ShutdownManager", "shutdown sequence completed", nil)
}

// Context is cancelled by Shutdown.
func (m *Manager) Context() context.Context {
	return m.ctx
}

func (m *Manager) Done() <-chan struct{} {
	return m.done
}
