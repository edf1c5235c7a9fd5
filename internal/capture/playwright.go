package capture

import (
	"context"
	"fmt"

	"github.com/playwright-community/playwright-go"

	u "pageshot/internal/utils"
)

// PlaywrightEngine drives Chromium through the Playwright driver.
type PlaywrightEngine struct {
	Config u.Config
}

func (e *PlaywrightEngine) Name() string { return "playwright" }

func (e *PlaywrightEngine) Screenshot(ctx context.Context, req Request) ([]byte, error) {
	opts := &playwright.RunOptions{
		DriverDirectory: e.Config.Playwright.DriverDir,
		Browsers:        []string{"chromium"},
	}
	if e.Config.Playwright.Install {
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	defer pw.Stop()

	launch := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args:     []string{"--disable-dev-shm-usage"},
	}
	if e.Config.Chrome.ChromePath != "" {
		launch.ExecutablePath = playwright.String(e.Config.Chrome.ChromePath)
	}
	if e.Config.Chrome.NoSandbox {
		launch.ChromiumSandbox = playwright.Bool(false)
	}
	browser, err := pw.Chromium.Launch(launch)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	defer browser.Close()

	pageOpts := playwright.BrowserNewPageOptions{}
	if req.Viewport.Width > 0 && req.Viewport.Height > 0 {
		pageOpts.Viewport = &playwright.Size{Width: req.Viewport.Width, Height: req.Viewport.Height}
	}
	page, err := browser.NewPage(pageOpts)
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}

	// Playwright has its own timeouts; derive them from ctx so both agree.
	gotoOpts := playwright.PageGotoOptions{}
	if ms, ok := remainingMillis(ctx); ok {
		gotoOpts.Timeout = playwright.Float(ms)
		page.SetDefaultTimeout(ms)
	}
	resp, err := page.Goto(req.URL, gotoOpts)
	if err != nil {
		return nil, fmt.Errorf("goto: %w", err)
	}
	if resp != nil {
		u.Debug("Page loaded", "url", req.URL, "status", resp.Status())
	}

	if req.WaitSelector != "" {
		if _, err := page.WaitForSelector(req.WaitSelector, playwright.PageWaitForSelectorOptions{
			State: playwright.WaitForSelectorStateVisible,
		}); err != nil {
			return nil, fmt.Errorf("wait for %s: %w", req.WaitSelector, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf, err := page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(req.FullPage),
		Type:     playwright.ScreenshotTypePng,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}
