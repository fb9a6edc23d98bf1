package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// RodOptions configures how Chrome is launched for a scraping session.
type RodOptions struct {
	// Bin is an optional explicit Chrome binary path. Empty lets the
	// launcher resolve one.
	Bin       string
	Headless  bool
	UserAgent string
	// Viewport applied to the page. A fixed desktop viewport plus a real
	// user agent keeps the scraped service from flagging the session.
	ViewportWidth  int
	ViewportHeight int
	// HealthInterval is how often the engine probes the CDP connection.
	HealthInterval time.Duration
}

// RodEngine launches and owns a Chrome instance through Rod. It yields a
// single Page and reports loss of the browser through the disconnect
// callback handed to Launch.
type RodEngine struct {
	opts RodOptions

	mu      sync.Mutex
	browser *rod.Browser
	stop    chan struct{}
	stopped sync.Once
}

func NewRodEngine(opts RodOptions) *RodEngine {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = 1280
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = 900
	}
	return &RodEngine{opts: opts, stop: make(chan struct{})}
}

// Launch starts Chrome, binds to one page (reusing an already-open tab when
// the engine provides one) and installs the disconnect shim. onDisconnect
// fires at most once, from a goroutine, never re-entrantly.
func (e *RodEngine) Launch(ctx context.Context, onDisconnect func()) (Page, error) {
	l := launcher.New().Headless(e.opts.Headless)
	if e.opts.Bin != "" {
		l = l.Bin(e.opts.Bin)
	}
	l = l.
		Set(flags.Flag("disable-blink-features"), "AutomationControlled").
		Set(flags.Flag("no-first-run")).
		Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", e.opts.ViewportWidth, e.opts.ViewportHeight))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	// Needed for target lifecycle events used by the disconnect shim.
	_ = proto.TargetSetDiscoverTargets{Discover: true}.Call(browser)

	page, err := e.bindPage(browser)
	if err != nil {
		_ = browser.Close()
		return nil, err
	}

	e.mu.Lock()
	e.browser = browser
	e.stop = make(chan struct{})
	e.stopped = sync.Once{}
	e.mu.Unlock()

	e.watch(ctx, browser, page, onDisconnect)

	return &rodPage{p: page}, nil
}

// bindPage reuses the first open tab if Chrome already has one, otherwise
// creates a blank page, then applies viewport and user-agent overrides.
func (e *RodEngine) bindPage(browser *rod.Browser) (*rod.Page, error) {
	var page *rod.Page
	pages, err := browser.Pages()
	if err == nil && len(pages) > 0 {
		page = pages.First()
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			return nil, fmt.Errorf("create page: %w", err)
		}
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             e.opts.ViewportWidth,
		Height:            e.opts.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	if e.opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent: e.opts.UserAgent,
		}); err != nil {
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}
	return page, nil
}

// watch signals onDisconnect when the page's target dies or the CDP
// connection stops answering. Both paths funnel through a sync.Once so the
// session manager sees exactly one message per loss.
func (e *RodEngine) watch(ctx context.Context, browser *rod.Browser, page *rod.Page, onDisconnect func()) {
	var once sync.Once
	notify := func() {
		once.Do(func() {
			if onDisconnect != nil {
				onDisconnect()
			}
		})
	}

	targetID := page.TargetID
	go func() {
		wait := browser.EachEvent(
			func(ev *proto.TargetTargetCrashed) bool {
				if ev.TargetID == targetID {
					notify()
					return true
				}
				return false
			},
			func(ev *proto.TargetTargetDestroyed) bool {
				if ev.TargetID == targetID {
					notify()
					return true
				}
				return false
			},
		)
		wait()
	}()

	stop := e.stop
	go func() {
		ticker := time.NewTicker(e.opts.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := browser.Version(); err != nil {
					notify()
					return
				}
			}
		}
	}()
}

// Close tears the browser down. The handle is never repaired; a new Launch
// builds a fresh one.
func (e *RodEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped.Do(func() { close(e.stop) })
	if e.browser == nil {
		return nil
	}
	err := e.browser.Close()
	e.browser = nil
	return err
}

// rodPage adapts *rod.Page to the driver.Page capability surface.
type rodPage struct {
	p *rod.Page
}

func (r *rodPage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	p := r.p.Context(ctx).Timeout(timeout)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	// Idle heuristic is best-effort; SPAs keep background traffic alive.
	_ = p.WaitIdle(timeout)
	return nil
}

func (r *rodPage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	el, err := r.p.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("wait for %q: %w", selector, err)
	}
	if err := el.WaitVisible(); err != nil {
		return fmt.Errorf("wait visible %q: %w", selector, err)
	}
	return nil
}

func (r *rodPage) WaitHidden(ctx context.Context, selector string, timeout time.Duration) error {
	p := r.p.Context(ctx).Timeout(timeout)
	has, el, err := p.Has(selector)
	if err != nil {
		return fmt.Errorf("probe %q: %w", selector, err)
	}
	if !has {
		return nil
	}
	if err := el.WaitInvisible(); err != nil {
		// The node may have been removed outright, which also counts
		// as hidden.
		if stillHas, _, herr := r.p.Context(ctx).Has(selector); herr == nil && !stillHas {
			return nil
		}
		return fmt.Errorf("wait hidden %q: %w", selector, err)
	}
	return nil
}

func (r *rodPage) Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	res, err := r.p.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return json.RawMessage("null"), nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal eval result: %w", err)
	}
	return raw, nil
}

func (r *rodPage) Click(ctx context.Context, selector string) error {
	el, err := r.p.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("find %q: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

func (r *rodPage) PressEnter(ctx context.Context, selector string) error {
	el, err := r.p.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("find %q: %w", selector, err)
	}
	if err := el.Focus(); err != nil {
		return fmt.Errorf("focus %q: %w", selector, err)
	}
	if err := r.p.Context(ctx).Keyboard.Press(input.Enter); err != nil {
		return fmt.Errorf("press enter: %w", err)
	}
	return nil
}

func (r *rodPage) Cookies(ctx context.Context) ([]Cookie, error) {
	res, err := proto.NetworkGetCookies{}.Call(r.p.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	cookies := make([]Cookie, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
			SameSite: string(c.SameSite),
			Priority: string(c.Priority),
		})
	}
	return cookies, nil
}

func (r *rodPage) SetCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
			Priority: proto.NetworkCookiePriority(c.Priority),
		})
	}
	if err := r.p.Context(ctx).SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (r *rodPage) Reload(ctx context.Context) error {
	if err := r.p.Context(ctx).Reload(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

func (r *rodPage) HTML(ctx context.Context) (string, error) {
	html, err := r.p.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("page html: %w", err)
	}
	return html, nil
}

func (r *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	shot, err := r.p.Context(ctx).Screenshot(true, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return shot, nil
}
