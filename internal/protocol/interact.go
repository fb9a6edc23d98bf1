// Package protocol implements the fixed UI sequence that turns a prompt
// into an answer: input, submit, await completion, extract.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/browser"
	"chatrelay/internal/config"
	"chatrelay/internal/driver"
	"chatrelay/internal/recorder"
)

// SurfaceKind is the closed set of input surfaces the protocol knows how
// to drive. Plain fields take a value write; rich-text containers need a
// content reset with explicit line-break nodes.
type SurfaceKind int

const (
	PlainInput SurfaceKind = iota
	RichTextInput
)

func (k SurfaceKind) String() string {
	if k == RichTextInput {
		return "rich"
	}
	return "plain"
}

const detectSurfaceJS = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return '';
	return el.tagName.toLowerCase();
}`

// plainInsertJS clears and sets the value through the native setter so
// framework-controlled fields still see the change, then fires a single
// input event. One atomic operation, line breaks preserved.
const plainInsertJS = `(sel, text) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.focus();
	const proto = el.tagName === 'TEXTAREA'
		? window.HTMLTextAreaElement.prototype
		: window.HTMLInputElement.prototype;
	const desc = Object.getOwnPropertyDescriptor(proto, 'value');
	if (desc && desc.set) {
		desc.set.call(el, text);
	} else {
		el.value = text;
	}
	el.dispatchEvent(new InputEvent('input', { bubbles: true }));
	return true;
}`

// richInsertJS resets a contenteditable surface and rebuilds the prompt
// as text nodes with <br> separators. Keystroke simulation would mangle
// embedded line breaks here.
const richInsertJS = `(sel, text) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.focus();
	el.innerHTML = '';
	const lines = String(text).split('\n');
	lines.forEach((line, i) => {
		el.appendChild(document.createTextNode(line));
		if (i < lines.length - 1) el.appendChild(document.createElement('br'));
	});
	el.dispatchEvent(new InputEvent('input', { bubbles: true }));
	return true;
}`

const submitEnabledJS = `(sel) => {
	const btn = document.querySelector(sel);
	return !!btn && !btn.disabled;
}`

// extractLastJS reads the newest response entry, preferring the structured
// content node and falling back to the raw text of the enclosing one.
const extractLastJS = `(msgSel, contentSel) => {
	const msgs = document.querySelectorAll(msgSel);
	if (!msgs.length) return '';
	const last = msgs[msgs.length - 1];
	const content = contentSel ? last.querySelector(contentSel) : null;
	const text = content ? content.innerText : last.innerText;
	return (text || '').trim();
}`

// Asker drives one prompt through the scraped UI. It is not safe for
// concurrent use against the same page; the request queue guarantees
// single-flight.
type Asker struct {
	cfg   config.ChatConfig
	snaps *recorder.SnapshotWriter
	log   *zap.Logger
}

func NewAsker(cfg config.ChatConfig, snaps *recorder.SnapshotWriter, log *zap.Logger) *Asker {
	return &Asker{cfg: cfg, snaps: snaps, log: log}
}

// Ask runs the full input-submit-await-extract sequence and returns the
// answer text. Any step failure is wrapped into one descriptive error and
// surfaced to the caller; retry policy lives with the queue worker, which
// has none.
func (a *Asker) Ask(ctx context.Context, page driver.Page, prompt string) (string, error) {
	if page == nil {
		return "", browser.ErrNotReady
	}
	cfg := a.cfg

	// 1. Navigate to the target application.
	if err := page.Navigate(ctx, cfg.TargetURL, cfg.GetNavigationTimeout()); err != nil {
		return "", fmt.Errorf("interaction failed (navigate): %w", err)
	}

	// 2. Locate the input surface and detect its kind.
	if err := page.WaitVisible(ctx, cfg.InputSelector, cfg.GetElementTimeout()); err != nil {
		return "", fmt.Errorf("interaction failed (locate input): %w", err)
	}
	kind, err := a.surfaceKind(ctx, page)
	if err != nil {
		return "", fmt.Errorf("interaction failed (detect input kind): %w", err)
	}

	// 3. Clear and insert the prompt atomically.
	insertJS := plainInsertJS
	if kind == RichTextInput {
		insertJS = richInsertJS
	}
	ok, err := a.evalBool(ctx, page, insertJS, cfg.InputSelector, prompt)
	if err != nil {
		return "", fmt.Errorf("interaction failed (insert prompt): %w", err)
	}
	if !ok {
		return "", fmt.Errorf("interaction failed (insert prompt): input surface %q disappeared", cfg.InputSelector)
	}
	sleepCtx(ctx, cfg.GetSettleDelay())

	// 4. Submit: dedicated control when present and enabled, confirm key
	// as fallback.
	if err := a.submit(ctx, page); err != nil {
		return "", fmt.Errorf("interaction failed (submit): %w", err)
	}

	// 5. Completion: wait for the in-progress indicator to show then
	// clear. Some surfaces never expose it, so a missed appearance within
	// the grace window degrades to a fixed settle delay.
	if err := page.WaitVisible(ctx, cfg.StopSelector, cfg.GetIndicatorGrace()); err == nil {
		if err := page.WaitHidden(ctx, cfg.StopSelector, cfg.GetResponseTimeout()); err != nil {
			return "", fmt.Errorf("interaction failed (await completion): %w", err)
		}
	} else {
		a.log.Debug("progress indicator never appeared, settling",
			zap.String("selector", cfg.StopSelector),
			zap.Duration("settle", cfg.GetFallbackSettle()))
		sleepCtx(ctx, cfg.GetFallbackSettle())
	}

	// 6. Extract the last response entry.
	raw, err := page.Eval(ctx, extractLastJS, cfg.MessageSelector, cfg.ContentSelector)
	if err != nil {
		return "", fmt.Errorf("interaction failed (extract answer): %w", err)
	}
	var answer string
	if err := json.Unmarshal(raw, &answer); err != nil {
		return "", fmt.Errorf("interaction failed (extract answer): decode: %w", err)
	}

	// 7. Empty extraction gets a diagnostic snapshot for offline
	// debugging. Side effect only; the empty answer still goes back.
	if answer == "" {
		a.captureDiagnostics(ctx, page)
	}
	return answer, nil
}

func (a *Asker) surfaceKind(ctx context.Context, page driver.Page) (SurfaceKind, error) {
	raw, err := page.Eval(ctx, detectSurfaceJS, a.cfg.InputSelector)
	if err != nil {
		return PlainInput, err
	}
	var tag string
	if err := json.Unmarshal(raw, &tag); err != nil {
		return PlainInput, fmt.Errorf("decode tag: %w", err)
	}
	switch tag {
	case "":
		return PlainInput, fmt.Errorf("input surface %q not found", a.cfg.InputSelector)
	case "textarea", "input":
		return PlainInput, nil
	default:
		return RichTextInput, nil
	}
}

func (a *Asker) submit(ctx context.Context, page driver.Page) error {
	enabled, err := a.evalBool(ctx, page, submitEnabledJS, a.cfg.SubmitSelector)
	if err != nil {
		return err
	}
	if enabled {
		return page.Click(ctx, a.cfg.SubmitSelector)
	}
	return page.PressEnter(ctx, a.cfg.InputSelector)
}

func (a *Asker) evalBool(ctx context.Context, page driver.Page, js string, args ...interface{}) (bool, error) {
	raw, err := page.Eval(ctx, js, args...)
	if err != nil {
		return false, err
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("decode result: %w", err)
	}
	return v, nil
}

// captureDiagnostics writes a screenshot plus full page markup. Failures
// here are logged and swallowed; diagnostics never fail a request.
func (a *Asker) captureDiagnostics(ctx context.Context, page driver.Page) {
	shot, err := page.Screenshot(ctx)
	if err != nil {
		a.log.Warn("diagnostic screenshot failed", zap.Error(err))
	}
	html, err := page.HTML(ctx)
	if err != nil {
		a.log.Warn("diagnostic page dump failed", zap.Error(err))
	}
	base, err := a.snaps.Write("answer", shot, html)
	if err != nil {
		a.log.Warn("diagnostic snapshot write failed", zap.Error(err))
		return
	}
	a.log.Warn("extracted answer was empty, snapshot captured", zap.String("path", base))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
