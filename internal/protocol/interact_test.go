package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/browser"
	"chatrelay/internal/config"
	"chatrelay/internal/driver"
	"chatrelay/internal/recorder"
)

// scriptedPage simulates the scraped UI: which kind of input surface it
// exposes, whether the submit control is enabled, whether the progress
// indicator shows, and what the last message reads.
type scriptedPage struct {
	tag              string
	submitEnabled    bool
	indicatorAppears bool
	answer           string

	navigateErr error
	evalErr     error

	inserted       string
	insertedRich   bool
	clicked        []string
	pressedEnter   bool
	waitHiddenSels []string
	navigations    []string
	screenshots    int
	htmlDumps      int
}

func (p *scriptedPage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if p.navigateErr != nil {
		return p.navigateErr
	}
	p.navigations = append(p.navigations, url)
	return nil
}

func (p *scriptedPage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if strings.Contains(selector, "stop") && !p.indicatorAppears {
		return errors.New("element not found")
	}
	return nil
}

func (p *scriptedPage) WaitHidden(ctx context.Context, selector string, timeout time.Duration) error {
	p.waitHiddenSels = append(p.waitHiddenSels, selector)
	return nil
}

func (p *scriptedPage) Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	if p.evalErr != nil {
		return nil, p.evalErr
	}
	switch {
	case strings.Contains(js, "tagName.toLowerCase"):
		return json.Marshal(p.tag)
	case strings.Contains(js, "HTMLTextAreaElement"):
		p.inserted = args[1].(string)
		return json.RawMessage("true"), nil
	case strings.Contains(js, "createTextNode"):
		p.inserted = args[1].(string)
		p.insertedRich = true
		return json.RawMessage("true"), nil
	case strings.Contains(js, "disabled"):
		return json.Marshal(p.submitEnabled)
	case strings.Contains(js, "querySelectorAll(msgSel)"):
		return json.Marshal(p.answer)
	default:
		return json.RawMessage("null"), nil
	}
}

func (p *scriptedPage) Click(ctx context.Context, selector string) error {
	p.clicked = append(p.clicked, selector)
	return nil
}

func (p *scriptedPage) PressEnter(ctx context.Context, selector string) error {
	p.pressedEnter = true
	return nil
}

func (p *scriptedPage) Cookies(ctx context.Context) ([]driver.Cookie, error) { return nil, nil }

func (p *scriptedPage) SetCookies(ctx context.Context, cookies []driver.Cookie) error { return nil }

func (p *scriptedPage) Reload(ctx context.Context) error { return nil }

func (p *scriptedPage) HTML(ctx context.Context) (string, error) {
	p.htmlDumps++
	return "<html><body>stub</body></html>", nil
}

func (p *scriptedPage) Screenshot(ctx context.Context) ([]byte, error) {
	p.screenshots++
	return []byte{0x89, 0x50}, nil
}

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		TargetURL:         "https://chat.example.com",
		InputSelector:     "#prompt",
		SubmitSelector:    "button.send",
		StopSelector:      "button.stop",
		MessageSelector:   ".message",
		ContentSelector:   ".markdown",
		NavigationTimeout: "1s",
		ElementTimeout:    "1s",
		ResponseTimeout:   "1s",
		IndicatorGrace:    "10ms",
		SettleDelay:       "1ms",
		FallbackSettle:    "1ms",
		MaxPromptLen:      4000,
	}
}

func newTestAsker(t *testing.T, dir string) *Asker {
	t.Helper()
	return NewAsker(testChatConfig(), recorder.NewSnapshotWriter(dir), zap.NewNop())
}

func TestAskPlainSurfaceWithSubmitButton(t *testing.T) {
	page := &scriptedPage{
		tag:              "textarea",
		submitEnabled:    true,
		indicatorAppears: true,
		answer:           "the answer",
	}
	asker := newTestAsker(t, t.TempDir())

	got, err := asker.Ask(context.Background(), page, "what is up?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got != "the answer" {
		t.Errorf("expected 'the answer', got %q", got)
	}
	if page.inserted != "what is up?" {
		t.Errorf("prompt not inserted verbatim: %q", page.inserted)
	}
	if page.insertedRich {
		t.Error("expected plain insert strategy for a textarea")
	}
	if len(page.clicked) != 1 || page.clicked[0] != "button.send" {
		t.Errorf("expected submit button click, got %v", page.clicked)
	}
	if page.pressedEnter {
		t.Error("expected no Enter fallback when the button is enabled")
	}
	// Indicator appeared, so completion waits for its disappearance.
	if len(page.waitHiddenSels) != 1 || page.waitHiddenSels[0] != "button.stop" {
		t.Errorf("expected wait-hidden on stop indicator, got %v", page.waitHiddenSels)
	}
}

func TestAskRichSurfaceWithEnterFallback(t *testing.T) {
	page := &scriptedPage{
		tag:              "div",
		submitEnabled:    false,
		indicatorAppears: true,
		answer:           "rich answer",
	}
	asker := newTestAsker(t, t.TempDir())

	prompt := "line one\nline two"
	got, err := asker.Ask(context.Background(), page, prompt)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got != "rich answer" {
		t.Errorf("expected 'rich answer', got %q", got)
	}
	if !page.insertedRich {
		t.Error("expected rich-content insert strategy for a contenteditable surface")
	}
	if page.inserted != prompt {
		t.Errorf("embedded line breaks not preserved: %q", page.inserted)
	}
	if !page.pressedEnter {
		t.Error("expected Enter fallback when the submit control is disabled")
	}
	if len(page.clicked) != 0 {
		t.Errorf("expected no click, got %v", page.clicked)
	}
}

func TestAskFallsBackWhenIndicatorNeverAppears(t *testing.T) {
	page := &scriptedPage{
		tag:              "textarea",
		submitEnabled:    true,
		indicatorAppears: false,
		answer:           "late answer",
	}
	asker := newTestAsker(t, t.TempDir())

	got, err := asker.Ask(context.Background(), page, "hi")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got != "late answer" {
		t.Errorf("expected 'late answer', got %q", got)
	}
	if len(page.waitHiddenSels) != 0 {
		t.Error("expected no wait-hidden when the indicator never showed")
	}
}

func TestAskEmptyAnswerCapturesSnapshot(t *testing.T) {
	dir := t.TempDir()
	page := &scriptedPage{
		tag:              "textarea",
		submitEnabled:    true,
		indicatorAppears: true,
		answer:           "",
	}
	asker := newTestAsker(t, dir)

	got, err := asker.Ask(context.Background(), page, "hi")
	if err != nil {
		t.Fatalf("empty answer is not a failure: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty answer, got %q", got)
	}
	if page.screenshots != 1 || page.htmlDumps != 1 {
		t.Errorf("expected one screenshot and one page dump, got %d/%d", page.screenshots, page.htmlDumps)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected png + html snapshot files, got %d", len(entries))
	}
}

func TestAskWrapsStepFailures(t *testing.T) {
	page := &scriptedPage{navigateErr: errors.New("net::ERR_CONNECTION_REFUSED")}
	asker := newTestAsker(t, t.TempDir())

	_, err := asker.Ask(context.Background(), page, "hi")
	if err == nil {
		t.Fatal("expected navigation failure to surface")
	}
	if !strings.Contains(err.Error(), "interaction failed (navigate)") {
		t.Errorf("expected wrapped step error, got %v", err)
	}
}

func TestAskNilPageIsNotReady(t *testing.T) {
	asker := newTestAsker(t, t.TempDir())
	_, err := asker.Ask(context.Background(), nil, "hi")
	if !errors.Is(err, browser.ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestAskMissingInputSurface(t *testing.T) {
	page := &scriptedPage{tag: ""}
	asker := newTestAsker(t, t.TempDir())

	_, err := asker.Ask(context.Background(), page, "hi")
	if err == nil {
		t.Fatal("expected failure for missing input surface")
	}
	if !strings.Contains(err.Error(), "detect input kind") {
		t.Errorf("expected detect step error, got %v", err)
	}
}
