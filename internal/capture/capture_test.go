package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pageshot/internal/chrome"
	u "pageshot/internal/utils"
)

type fakeEngine struct {
	buf   []byte
	err   error
	calls int
	seen  Request
	block bool
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Screenshot(ctx context.Context, req Request) ([]byte, error) {
	f.calls++
	f.seen = req
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.buf, f.err
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func outputPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "jules-scratch", "verification", "login_screenshot.png")
}

func TestRun_WritesValidPNG(t *testing.T) {
	eng := &fakeEngine{buf: testPNG(t, 64, 32)}
	out := outputPath(t)

	res, err := Run(context.Background(), eng, Request{URL: "http://localhost:5173/login", Output: out})
	require.NoError(t, err)

	assert.Equal(t, out, res.Path)
	assert.Equal(t, "fake", res.Engine)
	assert.Equal(t, 64, res.Width)
	assert.Equal(t, 32, res.Height)
	assert.Equal(t, len(eng.buf), res.Bytes)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	w, h, err := DecodePNG(data)
	require.NoError(t, err)
	assert.Equal(t, 64, w)
	assert.Equal(t, 32, h)

	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not remain")
}

func TestRun_OverwritesExistingFile(t *testing.T) {
	out := outputPath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(out), 0o755))
	require.NoError(t, os.WriteFile(out, []byte("old"), 0o644))

	eng := &fakeEngine{buf: testPNG(t, 8, 8)}
	_, err := Run(context.Background(), eng, Request{URL: "http://localhost:5173/login", Output: out})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, eng.buf, data)
}

func TestRun_FailuresLeaveNoFile(t *testing.T) {
	refused := errors.New("page load error net::ERR_CONNECTION_REFUSED")
	tests := []struct {
		name string
		eng  *fakeEngine
		want error
	}{
		{name: "navigation error", eng: &fakeEngine{err: refused}, want: refused},
		{name: "empty image", eng: &fakeEngine{buf: nil}, want: ErrEmptyImage},
		{name: "not a png", eng: &fakeEngine{buf: []byte("\xff\xd8\xff\xe0 jpeg-ish")}, want: ErrInvalidImage},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := outputPath(t)
			_, err := Run(context.Background(), tc.eng, Request{URL: "http://localhost:5173/login", Output: out})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.NoFileExists(t, out)
		})
	}
}

func TestRun_ValidatesRequest(t *testing.T) {
	eng := &fakeEngine{buf: testPNG(t, 1, 1)}
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{name: "missing url", req: Request{Output: "x.png"}, want: ErrInvalidURL},
		{name: "ftp url", req: Request{URL: "ftp://localhost/x", Output: "x.png"}, want: ErrInvalidURL},
		{name: "relative url", req: Request{URL: "/login", Output: "x.png"}, want: ErrInvalidURL},
		{name: "jpeg output", req: Request{URL: "http://localhost:5173/login", Output: "x.jpg"}, want: ErrInvalidOutput},
		{name: "empty output", req: Request{URL: "http://localhost:5173/login"}, want: ErrInvalidOutput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Run(context.Background(), eng, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, eng.calls, "engine must not run for invalid requests")
}

func TestRun_TimeoutBoundsEngine(t *testing.T) {
	eng := &fakeEngine{block: true}
	out := outputPath(t)

	start := time.Now()
	_, err := Run(context.Background(), eng, Request{URL: "http://localhost:5173/login", Output: out, Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.NoFileExists(t, out)
}

func TestRequestFromConfig_Defaults(t *testing.T) {
	req := RequestFromConfig(u.DefaultConfig())
	assert.Equal(t, "http://localhost:5173/login", req.URL)
	assert.Equal(t, "jules-scratch/verification/login_screenshot.png", req.Output)
	assert.Equal(t, 30*time.Second, req.Timeout)
	assert.Equal(t, u.Viewport{Width: 1280, Height: 720}, req.Viewport)
}

func TestNewEngine(t *testing.T) {
	cfg := u.DefaultConfig()

	eng, err := NewEngine(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "chromedp", eng.Name())

	pool := &chrome.Pool{}
	eng, err = NewEngine(cfg, pool)
	require.NoError(t, err)
	assert.Equal(t, "pool", eng.Name())

	cfg.Capture.Engine = "Playwright"
	eng, err = NewEngine(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "playwright", eng.Name())

	cfg.Capture.Engine = "pool"
	_, err = NewEngine(cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownEngine)

	cfg.Capture.Engine = "webkit"
	_, err = NewEngine(cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownEngine)
}

func TestChromeEngine_MissingBinary(t *testing.T) {
	cfg := u.DefaultConfig()
	cfg.Chrome.ChromePath = "/definitely/missing/chrome"
	cfg.Chrome.UserDataDir = t.TempDir()
	out := outputPath(t)

	_, err := Run(context.Background(), &ChromeEngine{Config: cfg}, Request{
		URL: "http://localhost:5173/login", Output: out, Timeout: 5 * time.Second,
	})
	require.Error(t, err)
	assert.NoFileExists(t, out)

	entries, err := os.ReadDir(cfg.Chrome.UserDataDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp profile dir must be removed")
}

func TestPoolEngine_ClosedPool(t *testing.T) {
	pool := &chrome.Pool{}
	pool.Close()
	_, err := (&PoolEngine{Pool: pool}).Screenshot(context.Background(), Request{URL: "http://localhost:5173/login"})
	assert.ErrorIs(t, err, chrome.ErrPoolClosed)
}

type fakeTabPool struct {
	acquired, released, restarts int
	restartErr                   error
	releasedErrs                 []error
}

func (f *fakeTabPool) Acquire(ctx context.Context) (*chrome.Tab, error) {
	f.acquired++
	return &chrome.Tab{Ctx: ctx}, nil
}

func (f *fakeTabPool) Release(_ *chrome.Tab, err error) {
	f.released++
	f.releasedErrs = append(f.releasedErrs, err)
}

func (f *fakeTabPool) Restart() error {
	f.restarts++
	return f.restartErr
}

// renderFailingOnce fails the first call with err and then returns buf.
func renderFailingOnce(err error, buf []byte) (func(context.Context, Request) ([]byte, error), *int) {
	calls := 0
	return func(context.Context, Request) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, err
		}
		return buf, nil
	}, &calls
}

func TestPoolEngine_RestartsAndRetriesOnceAfterSessionLoss(t *testing.T) {
	pool := &fakeTabPool{}
	want := testPNG(t, 4, 4)
	render, calls := renderFailingOnce(errors.New("websocket: close 1006"), want)
	eng := &PoolEngine{Pool: pool, render: render}

	buf, err := eng.Screenshot(context.Background(), Request{URL: "http://localhost:5173/login"})
	require.NoError(t, err)
	assert.Equal(t, want, buf)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, 1, pool.restarts)
	assert.Equal(t, 2, pool.acquired)
	assert.Equal(t, 2, pool.released, "every leased tab goes back")
	assert.Error(t, pool.releasedErrs[0])
	assert.NoError(t, pool.releasedErrs[1])
}

func TestPoolEngine_NoRetryForPageErrors(t *testing.T) {
	pool := &fakeTabPool{}
	refused := errors.New("page load error net::ERR_CONNECTION_REFUSED")
	render, calls := renderFailingOnce(refused, testPNG(t, 1, 1))

	_, err := (&PoolEngine{Pool: pool, render: render}).Screenshot(context.Background(), Request{URL: "http://localhost:5173/login"})
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, 1, *calls)
	assert.Zero(t, pool.restarts)
}

func TestPoolEngine_RestartFailureIsReturned(t *testing.T) {
	pool := &fakeTabPool{restartErr: chrome.ErrPoolClosed}
	render, calls := renderFailingOnce(errors.New("target closed"), testPNG(t, 1, 1))

	_, err := (&PoolEngine{Pool: pool, render: render}).Screenshot(context.Background(), Request{URL: "http://localhost:5173/login"})
	assert.ErrorIs(t, err, chrome.ErrPoolClosed)
	assert.Equal(t, 1, *calls)
}

func TestPoolEngine_RetriesAtMostOnce(t *testing.T) {
	pool := &fakeTabPool{}
	calls := 0
	render := func(context.Context, Request) ([]byte, error) {
		calls++
		return nil, errors.New("target closed")
	}

	_, err := (&PoolEngine{Pool: pool, render: render}).Screenshot(context.Background(), Request{URL: "http://localhost:5173/login"})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, pool.restarts)
}

func TestPlaywrightEngine_MissingDriver(t *testing.T) {
	cfg := u.DefaultConfig()
	cfg.Playwright.DriverDir = t.TempDir()
	out := outputPath(t)

	_, err := Run(context.Background(), &PlaywrightEngine{Config: cfg}, Request{
		URL: "http://localhost:5173/login", Output: out, Timeout: 5 * time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start playwright")
	assert.NoFileExists(t, out)
}

func TestScreenshotInTab_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ScreenshotInTab(ctx, Request{URL: "http://localhost:5173/login", FullPage: true})
	assert.Error(t, err)
}

func TestRemainingMillis(t *testing.T) {
	_, ok := remainingMillis(context.Background())
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ms, ok := remainingMillis(ctx)
	assert.True(t, ok)
	assert.InDelta(t, 60000, ms, 1000)
}

func TestTake_ReturnsBytesWithoutWriting(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	eng := &fakeEngine{buf: testPNG(t, 10, 20)}

	buf, res, err := Take(context.Background(), eng, Request{URL: "https://example.com", Output: "ignored.png"})
	require.NoError(t, err)
	assert.Equal(t, eng.buf, buf)
	assert.Equal(t, 10, res.Width)
	assert.Equal(t, 20, res.Height)
	assert.Empty(t, res.Path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
