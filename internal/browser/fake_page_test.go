package browser

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/driver"
)

// fakePage is a scriptable driver.Page that records the operations the
// store and manager perform, in order.
type fakePage struct {
	mu sync.Mutex

	// canned state
	cookies    []driver.Cookie
	storage    map[string]string
	cookiesErr error

	// recordings
	ops         []string
	navigations []string
	setCookies  [][]driver.Cookie
	applied     map[string]string
	reloads     int
}

func newFakePage() *fakePage {
	return &fakePage{storage: map[string]string{}, applied: map[string]string{}}
}

func (f *fakePage) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakePage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	f.record("navigate")
	f.mu.Lock()
	f.navigations = append(f.navigations, url)
	f.mu.Unlock()
	return nil
}

func (f *fakePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}

func (f *fakePage) WaitHidden(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}

func (f *fakePage) Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	switch {
	case strings.Contains(js, "localStorage.length"):
		f.record("snapshot_storage")
		f.mu.Lock()
		defer f.mu.Unlock()
		return json.Marshal(f.storage)
	case strings.Contains(js, "setItem"):
		f.record("restore_storage")
		if len(args) > 0 {
			if m, ok := args[0].(map[string]string); ok {
				f.mu.Lock()
				for k, v := range m {
					f.applied[k] = v
				}
				f.mu.Unlock()
			}
		}
		return json.RawMessage("true"), nil
	default:
		return json.RawMessage("null"), nil
	}
}

func (f *fakePage) Click(ctx context.Context, selector string) error { return nil }

func (f *fakePage) PressEnter(ctx context.Context, selector string) error { return nil }

func (f *fakePage) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	f.record("get_cookies")
	if f.cookiesErr != nil {
		return nil, f.cookiesErr
	}
	return f.cookies, nil
}

func (f *fakePage) SetCookies(ctx context.Context, cookies []driver.Cookie) error {
	f.record("set_cookies")
	f.mu.Lock()
	f.setCookies = append(f.setCookies, cookies)
	f.mu.Unlock()
	return nil
}

func (f *fakePage) Reload(ctx context.Context) error {
	f.record("reload")
	f.mu.Lock()
	f.reloads++
	f.mu.Unlock()
	return nil
}

func (f *fakePage) HTML(ctx context.Context) (string, error) { return "<html></html>", nil }

func (f *fakePage) Screenshot(ctx context.Context) ([]byte, error) { return []byte{0x89}, nil }
