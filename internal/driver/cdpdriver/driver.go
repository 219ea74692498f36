// internal/driver/cdpdriver/driver.go
package cdpdriver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/config"
)

// Name identifies this driver in reports.
const Name = "chromedp"

const browserStartTimeout = 60 * time.Second

type tab struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	rec    *recorder
}

// run executes actions on the tab, bounded by both the tab's lifetime and ctx.
// Only the context returned by chromedp.NewContext closes the tab; the
// derived run context may be cancelled freely.
func (t *tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Driver controls a local Chrome through the DevTools protocol. Every tab
// lives in its own browser context, so cookies and storage never leak between
// scenarios. The browser starts lazily on the first OpenTab.
type Driver struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	startOnce sync.Once
	startErr  error

	mu     sync.RWMutex
	tabs   map[string]*tab
	closed bool
}

// New creates a driver. No browser is launched until a tab is opened.
func New(cfg config.BrowserConfig, logger *zap.Logger) *Driver {
	return &Driver{
		cfg:    cfg,
		logger: logger.Named("cdp_driver"),
		tabs:   make(map[string]*tab),
	}
}

func (d *Driver) Name() string { return Name }

func (d *Driver) start(ctx context.Context) error {
	d.startOnce.Do(func() {
		d.logger.Info("Launching browser.", zap.Bool("headless", d.cfg.Headless))
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(d.cfg)...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx,
			chromedp.WithLogf(d.logger.Sugar().Debugf),
			chromedp.WithErrorf(d.logger.Sugar().Errorf),
		)

		started := make(chan error, 1)
		go func() { started <- chromedp.Run(browserCtx) }()

		var err error
		select {
		case err = <-started:
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(browserStartTimeout):
			err = fmt.Errorf("timed out after %v", browserStartTimeout)
		}
		if err != nil {
			browserCancel()
			allocCancel()
			d.startErr = fmt.Errorf("failed to launch browser: %w", err)
			return
		}
		d.allocCancel, d.browserCtx, d.browserCancel = allocCancel, browserCtx, browserCancel
	})
	return d.startErr
}

// OpenTab creates an isolated browser context with one page and starts
// recording its console and network activity.
func (d *Driver) OpenTab(ctx context.Context) (string, error) {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return "", schemas.ErrNotConnected
	}
	if err := d.start(ctx); err != nil {
		return "", err
	}

	tabCtx, cancel := chromedp.NewContext(d.browserCtx, chromedp.WithNewBrowserContext())
	t := &tab{
		id:     uuid.NewString(),
		ctx:    tabCtx,
		cancel: cancel,
		rec:    newRecorder(d.cfg.BufferSize),
	}
	chromedp.ListenTarget(tabCtx, t.rec.handle)

	w, h := viewport(d.cfg)
	if err := t.run(ctx,
		network.Enable(),
		runtime.Enable(),
		log.Enable(),
		chromedp.EmulateViewport(int64(w), int64(h)),
	); err != nil {
		cancel()
		return "", fmt.Errorf("failed to open tab: %w", err)
	}

	d.mu.Lock()
	d.tabs[t.id] = t
	d.mu.Unlock()
	d.logger.Debug("Tab opened.", zap.String("tab_id", t.id))
	return t.id, nil
}

func (d *Driver) tab(id string) (*tab, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tabs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schemas.ErrUnknownTab, id)
	}
	return t, nil
}

// CloseTab disposes the tab and its browser context.
func (d *Driver) CloseTab(ctx context.Context, tabID string) error {
	d.mu.Lock()
	t, ok := d.tabs[tabID]
	delete(d.tabs, tabID)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", schemas.ErrUnknownTab, tabID)
	}
	t.cancel()
	return nil
}

func (d *Driver) Navigate(ctx context.Context, tabID, url string) error {
	t, err := d.tab(tabID)
	if err != nil {
		return err
	}
	if err := t.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// Find locates target on the page and tags it for later Act calls.
func (d *Driver) Find(ctx context.Context, tabID string, target schemas.Target) (schemas.ElementRef, error) {
	t, err := d.tab(tabID)
	if err != nil {
		return schemas.ElementRef{}, err
	}
	css, text := locator(target)
	ref := schemas.ElementRef{ID: uuid.NewString(), Description: target.String()}

	var found bool
	if err := t.run(ctx, chromedp.Evaluate(buildLocateScript(css, text, ref.ID), &found)); err != nil {
		return schemas.ElementRef{}, fmt.Errorf("failed to locate %q: %w", target.String(), err)
	}
	if !found {
		return schemas.ElementRef{}, fmt.Errorf("%w: %s", schemas.ErrElementNotFound, target.String())
	}
	return ref, nil
}

// Act performs one interaction. Element interactions need a Ref from Find,
// except clicks, which also accept a viewport coordinate.
func (d *Driver) Act(ctx context.Context, tabID string, in schemas.Interaction) error {
	t, err := d.tab(tabID)
	if err != nil {
		return err
	}

	if in.Kind == schemas.ActClick && in.Ref == nil && in.Coordinate != nil {
		return t.run(ctx, chromedp.MouseClickXY(in.Coordinate.X, in.Coordinate.Y))
	}
	switch in.Kind {
	case schemas.ActScroll:
		if in.Ref != nil {
			return t.run(ctx, chromedp.ScrollIntoView(refSelector(*in.Ref), chromedp.ByQuery))
		}
		return t.run(ctx, chromedp.Evaluate(scrollScript(in.Payload), nil))
	case schemas.ActKey:
		return t.run(ctx, chromedp.KeyEvent(keySequence(in.Payload)))
	}

	if in.Ref == nil {
		return &schemas.ContractError{Op: "act", Err: fmt.Errorf("%s requires an element reference", in.Kind)}
	}
	sel := refSelector(*in.Ref)

	switch in.Kind {
	case schemas.ActClick:
		return t.run(ctx,
			chromedp.ScrollIntoView(sel, chromedp.ByQuery),
			chromedp.Click(sel, chromedp.ByQuery),
		)
	case schemas.ActType:
		return t.run(ctx,
			chromedp.Focus(sel, chromedp.ByQuery),
			chromedp.SendKeys(sel, in.Payload, chromedp.ByQuery),
		)
	case schemas.ActClear:
		return t.run(ctx, chromedp.Clear(sel, chromedp.ByQuery))
	case schemas.ActHover:
		return t.evalBool(ctx, fmt.Sprintf(hoverScript, jsString(sel)), "hover target vanished")
	case schemas.ActUpload:
		return t.run(ctx, chromedp.SetUploadFiles(sel, []string{in.Payload}, chromedp.ByQuery))
	case schemas.ActSelect:
		return t.evalBool(ctx, fmt.Sprintf(selectScript, jsString(sel), jsString(in.Payload)),
			fmt.Sprintf("no option %q", in.Payload))
	}
	return fmt.Errorf("%w: %s", schemas.ErrUnsupportedAction, in.Kind)
}

func (t *tab) evalBool(ctx context.Context, script, failure string) error {
	var ok bool
	if err := t.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return err
	}
	if !ok {
		return errors.New(failure)
	}
	return nil
}

// Snapshot returns the serialized DOM of the page.
func (d *Driver) Snapshot(ctx context.Context, tabID string) (string, error) {
	t, err := d.tab(tabID)
	if err != nil {
		return "", err
	}
	var html string
	if err := t.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to capture snapshot: %w", err)
	}
	return html, nil
}

// Screenshot writes a PNG of the viewport into the artifacts directory and
// returns its path.
func (d *Driver) Screenshot(ctx context.Context, tabID string) (string, error) {
	t, err := d.tab(tabID)
	if err != nil {
		return "", err
	}
	var buf []byte
	if err := t.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", fmt.Errorf("failed to capture screenshot: %w", err)
	}

	dir := d.cfg.ArtifactsDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifacts directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.png", tabID[:8], time.Now().UnixNano()))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	return path, nil
}

func (d *Driver) CurrentURL(ctx context.Context, tabID string) (string, error) {
	t, err := d.tab(tabID)
	if err != nil {
		return "", err
	}
	var url string
	if err := t.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// ReadConsole renders the buffered console entries as JSON lines.
func (d *Driver) ReadConsole(_ context.Context, tabID string, opts schemas.ReadOptions) (string, error) {
	t, err := d.tab(tabID)
	if err != nil {
		return "", err
	}
	return t.rec.console.read(opts), nil
}

// ReadNetwork renders the completed requests as JSON lines.
func (d *Driver) ReadNetwork(_ context.Context, tabID string, opts schemas.ReadOptions) (string, error) {
	t, err := d.tab(tabID)
	if err != nil {
		return "", err
	}
	return t.rec.network.read(opts), nil
}

// Close closes every tab and shuts the browser down.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	tabs := d.tabs
	d.tabs = make(map[string]*tab)
	d.mu.Unlock()

	for _, t := range tabs {
		t.cancel()
	}
	if d.browserCancel != nil {
		d.browserCancel()
		d.allocCancel()
		d.logger.Info("Browser closed.", zap.Int("tabs_closed", len(tabs)))
	}
	return nil
}

var _ schemas.Driver = (*Driver)(nil)
