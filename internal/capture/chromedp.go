package capture

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"pageshot/internal/chrome"
	u "pageshot/internal/utils"
)

// ChromeEngine starts a private headless Chrome for every capture and stops
// it before returning.
type ChromeEngine struct {
	Config u.Config
}

func (e *ChromeEngine) Name() string { return "chromedp" }

func (e *ChromeEngine) Screenshot(ctx context.Context, req Request) ([]byte, error) {
	if base := e.Config.Chrome.UserDataDir; base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, fmt.Errorf("create profile base dir: %w", err)
		}
	}
	tmpDir, err := os.MkdirTemp(e.Config.Chrome.UserDataDir, "pageshot-profile-*")
	if err != nil {
		return nil, fmt.Errorf("cannot create temp profile dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := e.Config
	if req.Viewport.Width > 0 && req.Viewport.Height > 0 {
		cfg.Capture.Viewport = req.Viewport
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, chrome.AllocatorOptions(cfg, tmpDir)...)
	defer allocCancel()
	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	return ScreenshotInTab(browserCtx, req)
}

// TabPool leases browser tabs. *chrome.Pool implements it.
type TabPool interface {
	Acquire(ctx context.Context) (*chrome.Tab, error)
	Release(tab *chrome.Tab, err error)
	Restart() error
}

// PoolEngine captures inside a tab leased from a shared Chrome pool.
type PoolEngine struct {
	Pool           TabPool
	AcquireTimeout time.Duration

	// render defaults to ScreenshotInTab.
	render func(ctx context.Context, req Request) ([]byte, error)
}

func (e *PoolEngine) Name() string { return "pool" }

func (e *PoolEngine) Screenshot(ctx context.Context, req Request) ([]byte, error) {
	render := e.render
	if render == nil {
		render = ScreenshotInTab
	}
	runOnce := func() ([]byte, error) {
		wait := e.AcquireTimeout
		if wait <= 0 {
			wait = 5 * time.Second
		}
		acquireCtx, acquireCancel := context.WithTimeout(ctx, wait)
		defer acquireCancel()

		tab, err := e.Pool.Acquire(acquireCtx)
		if err != nil {
			return nil, err
		}

		var tabCtx context.Context
		var cancel context.CancelFunc
		if deadline, ok := ctx.Deadline(); ok {
			tabCtx, cancel = context.WithDeadline(tab.Ctx, deadline)
		} else {
			tabCtx, cancel = context.WithCancel(tab.Ctx)
		}
		stop := context.AfterFunc(ctx, cancel)
		buf, renderErr := render(tabCtx, req)
		stop()
		cancel()

		e.Pool.Release(tab, renderErr)
		return buf, renderErr
	}

	buf, err := runOnce()
	if err != nil && ctx.Err() == nil && chrome.IsSessionInterrupted(err) {
		u.Warn("Chrome session interrupted; restarting pool and retrying once", "error", err)
		if rerr := e.Pool.Restart(); rerr != nil {
			return nil, rerr
		}
		return runOnce()
	}
	return buf, err
}

// ScreenshotInTab navigates the tab in ctx to req.URL and returns a PNG.
// chromedp.Navigate waits for the load event and fails on net:: errors.
func ScreenshotInTab(ctx context.Context, req Request) ([]byte, error) {
	var buf []byte
	var actions []chromedp.Action

	if req.Viewport.Width > 0 && req.Viewport.Height > 0 {
		actions = append(actions,
			emulation.SetDeviceMetricsOverride(int64(req.Viewport.Width), int64(req.Viewport.Height), 1, false),
		)
	}
	actions = append(actions, chromedp.Navigate(req.URL))
	if req.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(req.WaitSelector, chromedp.ByQuery))
	}
	if req.FullPage {
		// quality 100 keeps the capture in PNG
		actions = append(actions, chromedp.FullScreenshot(&buf, 100))
	} else {
		actions = append(actions, chromedp.CaptureScreenshot(&buf))
	}

	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, err
	}
	return buf, nil
}
