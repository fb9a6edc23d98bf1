// Package browser owns the browser handle lifecycle: initialize, restore
// the persisted session, detect disconnects, and reinitialize with a fixed
// delay until the process exits.
package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/driver"
	"chatrelay/internal/metrics"
	"chatrelay/internal/recorder"
)

// ErrNotReady is returned when an operation needs a live page but the
// browser is not initialized. The HTTP layer maps it to 503.
var ErrNotReady = errors.New("page not initialized")

// State tracks the browser handle lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return "uninitialized"
	}
}

// Engine launches the automation engine and yields a live page. The
// disconnect callback is the engine shim's single-subscriber notification;
// it must never be invoked re-entrantly from manager code.
type Engine interface {
	Launch(ctx context.Context, onDisconnect func()) (driver.Page, error)
	Close() error
}

// Options carries the lifecycle knobs the manager needs.
type Options struct {
	TargetURL         string
	NavigationTimeout time.Duration
	// ReconnectDelay is the fixed pause before each reinitialization
	// attempt. There is no retry bound; a dead Chrome loops forever.
	ReconnectDelay time.Duration
}

// Manager is the exclusive owner of the browser handle. At most one page
// is live at a time; a disconnected handle is destroyed and replaced,
// never repaired.
type Manager struct {
	opts   Options
	engine Engine
	store  *Store
	rec    *recorder.Recorder
	log    *zap.Logger

	mu            sync.RWMutex
	page          driver.Page
	state         State
	browserActive bool

	// disconnectCh carries the engine shim's loss signal into the control
	// loop. Buffered so the shim never blocks.
	disconnectCh chan struct{}
}

func NewManager(opts Options, engine Engine, store *Store, rec *recorder.Recorder, log *zap.Logger) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &Manager{
		opts:         opts,
		engine:       engine,
		store:        store,
		rec:          rec,
		log:          log,
		disconnectCh: make(chan struct{}, 1),
	}
}

// Initialize launches the engine, restores the persisted session and marks
// the handle Ready. A launch failure propagates to the caller and does not
// retry; only a post-Ready disconnect enters the retry loop.
func (m *Manager) Initialize(ctx context.Context) error {
	m.setState(StateInitializing)

	page, err := m.engine.Launch(ctx, m.signalDisconnect)
	if err != nil {
		m.setState(StateUninitialized)
		return err
	}

	// Restore failures degrade to an unauthenticated session; they never
	// fail initialization.
	if _, err := m.store.Restore(ctx, page, m.opts.TargetURL, m.opts.NavigationTimeout); err != nil {
		m.log.Warn("session restore failed, continuing unauthenticated", zap.Error(err))
	}

	m.mu.Lock()
	m.page = page
	m.state = StateReady
	m.browserActive = true
	m.mu.Unlock()

	m.rec.Log("browser_ready", "", map[string]string{"url": m.opts.TargetURL})
	m.log.Info("browser ready", zap.String("url", m.opts.TargetURL))
	return nil
}

// signalDisconnect is handed to the engine shim. Non-blocking: a second
// loss signal while one is pending is redundant.
func (m *Manager) signalDisconnect() {
	select {
	case m.disconnectCh <- struct{}{}:
	default:
	}
}

// Run is the control loop. On a disconnect it tears the dead handle down
// and reinitializes after a fixed delay, unconditionally, until successful
// or the context ends. Pending HTTP callers only ever observe NotReady in
// the meantime; disconnection is not a distinct error surface.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.disconnectCh:
			m.mu.Lock()
			m.state = StateDisconnected
			m.page = nil
			m.browserActive = false
			m.mu.Unlock()

			m.rec.Log("browser_disconnected", "", nil)
			m.log.Warn("browser disconnected, scheduling reinitialization",
				zap.Duration("delay", m.opts.ReconnectDelay))
			_ = m.engine.Close()

			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(m.opts.ReconnectDelay):
				}

				// Drop any loss signal that raced with the old handle's
				// teardown. This must happen before the relaunch: a signal
				// arriving once Initialize is underway belongs to the new
				// handle and has to survive for the next loop turn.
				select {
				case <-m.disconnectCh:
				default:
				}

				metrics.ReinitsTotal.Inc()
				if err := m.Initialize(ctx); err != nil {
					m.log.Error("reinitialization failed, will retry",
						zap.Error(err),
						zap.Duration("delay", m.opts.ReconnectDelay))
					m.setState(StateDisconnected)
					continue
				}
				break
			}
		}
	}
}

// Ready reports whether a usable page handle exists. The HTTP layer gates
// new prompts on this.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// BrowserActive reports whether an engine instance is live.
func (m *Manager) BrowserActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browserActive
}

// PageActive reports whether a page handle is bound.
func (m *Manager) PageActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.page != nil
}

// Page returns the live page handle, or ErrNotReady.
func (m *Manager) Page() (driver.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateReady || m.page == nil {
		return nil, ErrNotReady
	}
	return m.page, nil
}

// SaveSession persists cookies + storage from the live page. Exposed for
// the admin endpoint and the shutdown path.
func (m *Manager) SaveSession(ctx context.Context) (string, error) {
	page, err := m.Page()
	if err != nil {
		return "", err
	}
	if err := m.store.Save(ctx, page); err != nil {
		return "", err
	}
	return m.store.Path(), nil
}

// Shutdown saves the session best-effort and closes the engine.
func (m *Manager) Shutdown(ctx context.Context) {
	if _, err := m.SaveSession(ctx); err != nil {
		m.log.Warn("session save on shutdown failed", zap.Error(err))
	}
	if err := m.engine.Close(); err != nil {
		m.log.Warn("browser close failed", zap.Error(err))
	}
	m.mu.Lock()
	m.page = nil
	m.state = StateUninitialized
	m.browserActive = false
	m.mu.Unlock()
	m.log.Info("browser shutdown complete")
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
