package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/driver"
)

// Session is the persisted browser state: cookies plus localStorage.
// The wire format must round-trip exactly through save/restore.
type Session struct {
	Cookies      []driver.Cookie   `json:"cookies"`
	LocalStorage map[string]string `json:"localStorage"`
}

const snapshotStorageJS = `() => {
	const out = {};
	try {
		for (let i = 0; i < localStorage.length; i++) {
			const key = localStorage.key(i);
			out[key] = localStorage.getItem(key);
		}
	} catch (e) {}
	return out;
}`

const restoreStorageJS = `(entries) => {
	try {
		Object.entries(entries || {}).forEach(([k, v]) => localStorage.setItem(k, v));
	} catch (e) {}
	return true;
}`

// Store persists a Session to a JSON file so a restarted server can come
// back up already signed in to the scraped service.
type Store struct {
	path string
	log  *zap.Logger
}

func NewStore(path string, log *zap.Logger) *Store {
	return &Store{path: path, log: log}
}

// Path returns the session file location.
func (s *Store) Path() string { return s.path }

// Load reads the persisted session. A missing file is not an error; it
// returns (nil, nil) so the caller proceeds unauthenticated.
func (s *Store) Load() (*Session, error) {
	if s.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return &sess, nil
}

// Save reads cookies and the full localStorage from the live page and
// writes them pretty-printed for inspectability. Callable during shutdown
// and from the admin endpoint.
func (s *Store) Save(ctx context.Context, page driver.Page) error {
	if s.path == "" {
		return nil
	}

	cookies, err := page.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	storage := map[string]string{}
	raw, err := page.Eval(ctx, snapshotStorageJS)
	if err != nil {
		return fmt.Errorf("save session storage: %w", err)
	}
	if err := json.Unmarshal(raw, &storage); err != nil {
		return fmt.Errorf("decode session storage: %w", err)
	}

	sess := Session{Cookies: cookies, LocalStorage: storage}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}

	s.log.Info("session saved",
		zap.String("path", s.path),
		zap.Int("cookies", len(cookies)),
		zap.Int("storage_keys", len(storage)))
	return nil
}

// Restore replays a persisted session onto a freshly navigated page.
// Cookies can only be set for a domain the engine has visited, so it
// navigates first, applies cookies and storage, then reloads so the
// application re-reads the restored state. Returns whether a session was
// actually restored.
func (s *Store) Restore(ctx context.Context, page driver.Page, targetURL string, navTimeout time.Duration) (bool, error) {
	sess, err := s.Load()
	if err != nil {
		// Degrade to a fresh, unauthenticated visit.
		s.log.Warn("session load failed, starting fresh", zap.Error(err))
		sess = nil
	}

	if err := page.Navigate(ctx, targetURL, navTimeout); err != nil {
		return false, err
	}
	if sess == nil {
		s.log.Info("no session restored", zap.String("url", targetURL))
		return false, nil
	}

	if err := page.SetCookies(ctx, sess.Cookies); err != nil {
		return false, fmt.Errorf("restore cookies: %w", err)
	}
	if _, err := page.Eval(ctx, restoreStorageJS, sess.LocalStorage); err != nil {
		return false, fmt.Errorf("restore storage: %w", err)
	}
	if err := page.Reload(ctx); err != nil {
		return false, fmt.Errorf("reload after restore: %w", err)
	}

	s.log.Info("session restored",
		zap.Int("cookies", len(sess.Cookies)),
		zap.Int("storage_keys", len(sess.LocalStorage)))
	return true, nil
}
