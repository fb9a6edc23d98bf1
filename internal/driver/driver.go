// Package driver abstracts the browser automation engine behind a small
// capability surface so the orchestration core never touches CDP directly.
package driver

import (
	"context"
	"encoding/json"
	"time"
)

// Cookie mirrors the automation engine's cookie record verbatim so a
// persisted session round-trips without loss.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
	Priority string  `json:"priority,omitempty"`
}

// Page is the capability the core drives: navigate, wait for elements,
// run scripts, click, read/write cookies, capture diagnostics. Exactly one
// implementation talks to a real browser; tests substitute fakes.
type Page interface {
	// Navigate loads the URL and waits for the load event plus a
	// best-effort network-idle heuristic, bounded by timeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) error

	// WaitVisible blocks until the selector matches a visible element.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error

	// WaitHidden blocks until the selector matches no visible element.
	WaitHidden(ctx context.Context, selector string, timeout time.Duration) error

	// Eval runs a JS function literal in the page and returns its result
	// as raw JSON.
	Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error)

	Click(ctx context.Context, selector string) error

	// PressEnter focuses the selector and sends the confirm key.
	PressEnter(ctx context.Context, selector string) error

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error

	Reload(ctx context.Context) error
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}
