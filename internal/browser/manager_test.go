package browser

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/driver"
	"chatrelay/internal/recorder"
)

// fakeEngine stands in for the automation engine: it hands out fake pages
// and lets tests fire the disconnect callback.
type fakeEngine struct {
	mu           sync.Mutex
	launches     int
	failuresLeft int
	closes       int
	onDisconnect func()
	lastPage     *fakePage

	// dieDuringLaunch makes the numbered launch succeed but fire its
	// disconnect callback before returning, like a handle crashing while
	// session restore is still running.
	dieDuringLaunch int
}

func (e *fakeEngine) Launch(ctx context.Context, onDisconnect func()) (driver.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.launches++
	if e.failuresLeft > 0 {
		e.failuresLeft--
		return nil, errors.New("chrome refused to start")
	}
	e.onDisconnect = onDisconnect
	e.lastPage = newFakePage()
	if e.launches == e.dieDuringLaunch {
		onDisconnect()
	}
	return e.lastPage, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

func (e *fakeEngine) disconnect() {
	e.mu.Lock()
	cb := e.onDisconnect
	e.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (e *fakeEngine) launchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launches
}

func newTestManager(t *testing.T, engine Engine, reconnect time.Duration) *Manager {
	t.Helper()
	rec, err := recorder.NewRecorder(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := NewStore(filepath.Join(t.TempDir(), "session.json"), zap.NewNop())
	return NewManager(Options{
		TargetURL:         "https://chat.example.com",
		NavigationTimeout: time.Second,
		ReconnectDelay:    reconnect,
	}, engine, store, rec, zap.NewNop())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestPageBeforeInitializeIsNotReady(t *testing.T) {
	mgr := newTestManager(t, &fakeEngine{}, 10*time.Millisecond)

	if mgr.Ready() {
		t.Error("expected not ready before initialize")
	}
	if _, err := mgr.Page(); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
	if _, err := mgr.SaveSession(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady from save, got %v", err)
	}
}

func TestInitializeMarksReadyAndRestores(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, engine, 10*time.Millisecond)

	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !mgr.Ready() {
		t.Error("expected ready after initialize")
	}
	if mgr.State() != StateReady {
		t.Errorf("expected StateReady, got %v", mgr.State())
	}
	if !mgr.BrowserActive() || !mgr.PageActive() {
		t.Error("expected active browser and page")
	}
	if _, err := mgr.Page(); err != nil {
		t.Errorf("expected page handle, got %v", err)
	}
	// Session restore navigates to the target first.
	if len(engine.lastPage.navigations) == 0 {
		t.Error("expected initialize to navigate to the target")
	}
}

func TestInitializeFailurePropagates(t *testing.T) {
	engine := &fakeEngine{failuresLeft: 1}
	mgr := newTestManager(t, engine, 10*time.Millisecond)

	if err := mgr.Initialize(context.Background()); err == nil {
		t.Fatal("expected launch failure to propagate")
	}
	if mgr.Ready() {
		t.Error("expected not ready after failed initialize")
	}
	// No automatic retry outside the disconnect loop.
	time.Sleep(50 * time.Millisecond)
	if engine.launchCount() != 1 {
		t.Errorf("expected exactly 1 launch attempt, got %d", engine.launchCount())
	}
}

func TestDisconnectRecovery(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, engine, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	go mgr.Run(ctx)

	engine.disconnect()

	if !waitFor(t, 2*time.Second, func() bool { return !mgr.Ready() || engine.launchCount() > 1 }) {
		t.Fatal("disconnect never flipped readiness")
	}
	if !waitFor(t, 5*time.Second, func() bool { return mgr.Ready() }) {
		t.Fatal("manager never recovered after disconnect")
	}
	if engine.launchCount() < 2 {
		t.Errorf("expected a relaunch, got %d launches", engine.launchCount())
	}
}

func TestDisconnectRecoveryRetriesUntilSuccess(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, engine, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	go mgr.Run(ctx)

	// The next two launches fail; the loop must keep retrying with the
	// fixed delay until one succeeds.
	engine.mu.Lock()
	engine.failuresLeft = 2
	engine.mu.Unlock()
	engine.disconnect()

	if !waitFor(t, 5*time.Second, func() bool { return mgr.Ready() && engine.launchCount() >= 4 }) {
		t.Fatalf("expected recovery after retries, launches=%d ready=%v", engine.launchCount(), mgr.Ready())
	}
}

func TestDisconnectDuringReinitIsNotSwallowed(t *testing.T) {
	// The second handle dies while its own initialization is still in
	// flight. That loss signal must trigger a further relaunch instead of
	// being mistaken for a stale signal from the first handle.
	engine := &fakeEngine{dieDuringLaunch: 2}
	mgr := newTestManager(t, engine, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	go mgr.Run(ctx)

	engine.disconnect()

	if !waitFor(t, 5*time.Second, func() bool { return engine.launchCount() >= 3 && mgr.Ready() }) {
		t.Fatalf("disconnect of the fresh handle never recovered, launches=%d ready=%v",
			engine.launchCount(), mgr.Ready())
	}
}

func TestShutdownClosesEngine(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, engine, 10*time.Millisecond)

	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	mgr.Shutdown(context.Background())

	if mgr.Ready() {
		t.Error("expected not ready after shutdown")
	}
	if mgr.State() != StateUninitialized {
		t.Errorf("expected uninitialized state, got %v", mgr.State())
	}
	engine.mu.Lock()
	closes := engine.closes
	engine.mu.Unlock()
	if closes != 1 {
		t.Errorf("expected engine closed once, got %d", closes)
	}
}

func TestSaveSessionWritesFile(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, engine, 10*time.Millisecond)

	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	engine.lastPage.cookies = testCookies()

	path, err := mgr.SaveSession(context.Background())
	if err != nil {
		t.Fatalf("save session: %v", err)
	}
	if path == "" {
		t.Error("expected a session path")
	}
}
