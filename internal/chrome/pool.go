package chrome

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	u "pageshot/internal/utils"
)

// ErrPoolClosed is returned by Acquire and Restart after Close.
var ErrPoolClosed = errors.New("chrome pool closed")

// Pool keeps one headless Chrome alive and hands out a bounded number of tabs.
type Pool struct {
	cfg u.Config

	mu            sync.Mutex
	sem           chan struct{}
	profileDir    string
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	started       bool
	starting      *startup
	closed        bool
	restarts      int
	lastRestart   time.Time
}

// startup is one in-flight browser launch shared by every waiting Acquire.
type startup struct {
	done chan struct{}
	err  error
}

// Tab is a browser tab leased from the pool.
type Tab struct {
	Ctx    context.Context
	cancel context.CancelFunc
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Enabled      bool      `json:"enabled"`
	Capacity     int       `json:"capacity"`
	Idle         int       `json:"idle"`
	InUse        int       `json:"in_use"`
	PoolSizeConf int       `json:"pool_size_conf"`
	ProfileDir   string    `json:"profile_dir"`
	TimeoutSecs  int       `json:"timeout_secs"`
	Restarts     int       `json:"restarts"`
	LastRestart  time.Time `json:"last_restart"`
}

// AllocatorOptions returns the exec allocator flags shared by the pool and
// the per-capture browser.
func AllocatorOptions(cfg u.Config, profileDir string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.WindowSize(cfg.Capture.Viewport.Width, cfg.Capture.Viewport.Height),
		// Software rendering keeps minimal containers away from Vulkan/ANGLE.
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.Chrome.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.Chrome.ChromePath))
	}
	if cfg.Chrome.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// NewPool prepares a pool of cfg.Chrome.PoolSize tabs. Chrome itself is
// started on the first Acquire.
func NewPool(cfg u.Config) (*Pool, error) {
	if cfg.Chrome.PoolSize <= 0 {
		return nil, errors.New("chrome pool disabled (pool_size <= 0)")
	}
	p := &Pool{
		cfg: cfg,
		sem: make(chan struct{}, cfg.Chrome.PoolSize),
	}
	for i := 0; i < cfg.Chrome.PoolSize; i++ {
		p.sem <- struct{}{}
	}
	if err := p.startLocked(); err != nil {
		return nil, err
	}
	u.Info("Chrome pool created", "size", cfg.Chrome.PoolSize, "profile_dir", p.profileDir)
	return p, nil
}

func createProfileDir(cfg u.Config) (string, error) {
	base := cfg.Chrome.UserDataDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create profile base dir: %w", err)
	}
	dir, err := os.MkdirTemp(base, "pageshot-chrome-*")
	if err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}
	return dir, nil
}

// startLocked builds fresh allocator and browser contexts. Caller holds mu
// or owns p exclusively.
func (p *Pool) startLocked() error {
	dir, err := createProfileDir(p.cfg)
	if err != nil {
		return err
	}
	p.profileDir = dir
	p.allocCtx, p.allocCancel = chromedp.NewExecAllocator(context.Background(), AllocatorOptions(p.cfg, dir)...)
	p.browserCtx, p.browserCancel = chromedp.NewContext(p.allocCtx)
	p.started = false
	return nil
}

func (p *Pool) stopLocked() {
	if p.browserCancel != nil {
		p.browserCancel()
		p.browserCancel = nil
	}
	if p.allocCancel != nil {
		p.allocCancel()
		p.allocCancel = nil
	}
	if p.profileDir != "" {
		_ = os.RemoveAll(p.profileDir)
		p.profileDir = ""
	}
	p.started = false
	p.starting = nil
}

// ensureStarted launches Chrome once so every tab shares the same browser.
// Concurrent callers wait on the same launch instead of starting their own.
func (p *Pool) ensureStarted(ctx context.Context) error {
	p.mu.Lock()
	if p.started || p.allocCtx == nil {
		p.mu.Unlock()
		return nil
	}
	s := p.starting
	if s == nil {
		s = &startup{done: make(chan struct{})}
		p.starting = s
		go p.launch(s, p.browserCtx)
	}
	p.mu.Unlock()

	select {
	case <-s.done:
		if s.err != nil {
			return fmt.Errorf("start chrome: %w", s.err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("start chrome: %w", ctx.Err())
	}
}

// launch runs the first action on browserCtx, which starts the Chrome
// process. A launch slower than the capture timeout tears the browser down
// so the next attempt starts from a fresh allocator.
func (p *Pool) launch(s *startup, browserCtx context.Context) {
	timeout := p.cfg.CaptureTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(browserCtx) }()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		err = context.DeadlineExceeded
	}

	p.mu.Lock()
	switch {
	case p.starting != s:
		// Restart or Close replaced this browser while it was starting.
		if err == nil {
			err = errors.New("chrome restarted during launch")
		}
	case err == nil:
		p.started = true
		p.starting = nil
	case errors.Is(err, context.DeadlineExceeded):
		u.Warn("Chrome launch timed out, resetting browser", "timeout", timeout)
		p.stopLocked()
		if serr := p.startLocked(); serr != nil {
			u.Error("Chrome pool reset failed", "error", serr)
		}
	default:
		p.starting = nil
	}
	p.mu.Unlock()

	s.err = err
	close(s.done)
}

// Acquire waits for a free tab slot and opens a new tab.
func (p *Pool) Acquire(ctx context.Context) (*Tab, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.sem:
	}

	if err := p.ensureStarted(ctx); err != nil {
		p.sem <- struct{}{}
		return nil, err
	}

	p.mu.Lock()
	parent := p.browserCtx
	p.mu.Unlock()
	if parent == nil {
		p.sem <- struct{}{}
		return nil, ErrPoolClosed
	}

	tabCtx, cancel := chromedp.NewContext(parent)
	return &Tab{Ctx: tabCtx, cancel: cancel}, nil
}

// Release closes the tab and frees its slot. A session-level err is logged;
// the caller decides whether to Restart.
func (p *Pool) Release(tab *Tab, err error) {
	if tab != nil && tab.cancel != nil {
		tab.cancel()
	}
	if err != nil && IsSessionInterrupted(err) {
		u.Warn("Chrome tab released after session error", "error", err)
	}
	select {
	case p.sem <- struct{}{}:
	default:
	}
}

// Restart replaces the browser and profile directory.
func (p *Pool) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.stopLocked()
	if err := p.startLocked(); err != nil {
		return err
	}
	p.restarts++
	p.lastRestart = time.Now()
	u.Warn("Chrome pool restarted", "restarts", p.restarts, "profile_dir", p.profileDir)
	return nil
}

// Close stops Chrome and removes the profile directory. Safe to call twice.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.stopLocked()
	p.browserCtx = nil
}

// Stats reports capacity and usage.
func (p *Pool) Stats(timeoutSecs int) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	capacity := cap(p.sem)
	idle := len(p.sem)
	return Stats{
		Enabled:      !p.closed && capacity > 0,
		Capacity:     capacity,
		Idle:         idle,
		InUse:        capacity - idle,
		PoolSizeConf: p.cfg.Chrome.PoolSize,
		ProfileDir:   p.profileDir,
		TimeoutSecs:  timeoutSecs,
		Restarts:     p.restarts,
		LastRestart:  p.lastRestart,
	}
}

// IsSessionInterrupted reports errors after which the browser session should
// be considered dead.
func IsSessionInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"target closed", "websocket", "connection reset", "browser closed", "invalid context"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
