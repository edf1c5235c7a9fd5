package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pageshot/internal/chrome"
	u "pageshot/internal/utils"
)

// NewEngine returns the engine named by cfg.Capture.Engine. A non-nil pool
// turns "chromedp" into the pooled variant.
func NewEngine(cfg u.Config, pool *chrome.Pool) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Capture.Engine)) {
	case "", "chromedp":
		if pool != nil {
			return &PoolEngine{Pool: pool}, nil
		}
		return &ChromeEngine{Config: cfg}, nil
	case "pool":
		if pool == nil {
			return nil, fmt.Errorf("%w: pool engine requires chrome.pool_size > 0", ErrUnknownEngine)
		}
		return &PoolEngine{Pool: pool}, nil
	case "playwright":
		return &PlaywrightEngine{Config: cfg}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Capture.Engine)
	}
}

func remainingMillis(ctx context.Context) (float64, bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, false
	}
	left := time.Until(deadline)
	if left < time.Millisecond {
		left = time.Millisecond
	}
	return float64(left.Milliseconds()), true
}
