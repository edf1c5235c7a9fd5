package chrome

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	u "pageshot/internal/utils"
)

func testConfig(t *testing.T, poolSize int) u.Config {
	cfg := u.DefaultConfig()
	cfg.Chrome.PoolSize = poolSize
	cfg.Chrome.UserDataDir = filepath.Join(t.TempDir(), "chrome")
	cfg.Capture.TimeoutSecs = 1
	return cfg
}

// idlePool builds a pool that never launches Chrome.
func idlePool(size int) *Pool {
	p := &Pool{sem: make(chan struct{}, size), browserCtx: context.Background()}
	for i := 0; i < size; i++ {
		p.sem <- struct{}{}
	}
	return p
}

func TestCreateProfileDir_DefaultAndCustomBase(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Chrome.UserDataDir = ""
	dir1, err := createProfileDir(cfg)
	if err != nil {
		t.Fatalf("createProfileDir default base failed: %v", err)
	}
	defer os.RemoveAll(dir1)
	if _, err := os.Stat(dir1); err != nil {
		t.Fatalf("expected created dir to exist: %v", err)
	}

	customBase := t.TempDir()
	cfg.Chrome.UserDataDir = customBase
	dir2, err := createProfileDir(cfg)
	if err != nil {
		t.Fatalf("createProfileDir custom base failed: %v", err)
	}
	if filepath.Dir(dir2) != customBase {
		t.Fatalf("expected profile dir under custom base %q, got %q", customBase, dir2)
	}
}

func TestCreateProfileDir_InvalidBase(t *testing.T) {
	cfg := u.DefaultConfig()
	cfg.Chrome.UserDataDir = "/dev/null/x"
	if _, err := createProfileDir(cfg); err == nil {
		t.Fatalf("expected error for invalid base dir")
	}
}

func TestPoolAcquireReleaseAndClose(t *testing.T) {
	p := idlePool(1)

	tab, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected acquire success, got %v", err)
	}
	if tab == nil || tab.Ctx == nil {
		t.Fatalf("expected non-nil tab")
	}
	if len(p.sem) != 0 {
		t.Fatalf("expected token consumed after acquire")
	}

	p.Release(tab, nil)
	if len(p.sem) != 1 {
		t.Fatalf("expected token returned after release")
	}

	p.Close()
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolAcquireContextCanceled(t *testing.T) {
	p := &Pool{sem: make(chan struct{}, 1), browserCtx: context.Background()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestPoolAcquireTimesOutWhenNoCapacity(t *testing.T) {
	p := idlePool(1)
	tab, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(tab, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected acquire deadline exceeded, got %v", err)
	}
}

func TestPoolReleaseNeverOverfills(t *testing.T) {
	p := idlePool(1)
	p.Release(nil, errors.New("target closed"))
	if len(p.sem) != 1 {
		t.Fatalf("expected capacity to stay at 1, got %d", len(p.sem))
	}
}

func TestPoolStatsAndClose(t *testing.T) {
	p := idlePool(2)
	p.cfg = testConfig(t, 2)
	p.profileDir = t.TempDir()

	st := p.Stats(1)
	if !st.Enabled || st.Capacity != 2 || st.Idle != 2 || st.InUse != 0 || st.PoolSizeConf != 2 {
		t.Fatalf("unexpected stats before acquire: %+v", st)
	}

	tab, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if st = p.Stats(1); st.InUse != 1 {
		t.Fatalf("expected one in use, got %+v", st)
	}
	p.Release(tab, nil)

	p.Close()
	p.Close()
	if st = p.Stats(1); st.Enabled {
		t.Fatalf("expected stats disabled after close: %+v", st)
	}
}

func TestPoolRestartClosed(t *testing.T) {
	p := &Pool{closed: true}
	if err := p.Restart(); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolRestart_NewProfileDir(t *testing.T) {
	p := &Pool{cfg: testConfig(t, 1), sem: make(chan struct{}, 1)}
	p.sem <- struct{}{}
	old := t.TempDir()
	p.profileDir = old

	if err := p.Restart(); err != nil {
		t.Fatalf("expected restart success, got %v", err)
	}
	if p.profileDir == "" || p.profileDir == old {
		t.Fatalf("expected new profile dir, got %q", p.profileDir)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected old profile dir removed, stat err = %v", err)
	}
	if p.Stats(1).Restarts != 1 {
		t.Fatalf("expected restart counter increment")
	}
	p.Close()
}

func TestNewPool_Disabled(t *testing.T) {
	if _, err := NewPool(testConfig(t, 0)); err == nil {
		t.Fatalf("expected disabled pool error")
	}
}

func TestNewPool_InvalidProfileBase(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Chrome.UserDataDir = "/dev/null/not-allowed"
	if _, err := NewPool(cfg); err == nil {
		t.Fatalf("expected profile dir error")
	}
}

func TestNewPool_DoesNotLaunchChrome(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.Chrome.ChromePath = "/definitely/missing/chrome"

	p, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("expected lazy pool init, got %v", err)
	}
	defer p.Close()
	if st := p.Stats(1); st.Capacity != 2 || st.Idle != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	// The first Acquire tries to launch the missing binary and gives the slot back.
	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatalf("expected launch error for missing chrome binary")
	}
	if st := p.Stats(1); st.Idle != 2 {
		t.Fatalf("expected slot returned after failed launch: %+v", st)
	}
}

// slowChrome writes a fake browser that records each launch and never
// prints a DevTools URL.
func slowChrome(t *testing.T) (bin, launches string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script browser stub needs a unix shell")
	}
	dir := t.TempDir()
	launches = filepath.Join(dir, "launches.log")
	bin = filepath.Join(dir, "chrome")
	script := "#!/bin/sh\necho launch >> '" + launches + "'\nexec sleep 5\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake chrome: %v", err)
	}
	return bin, launches
}

func countLaunches(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatalf("read launches: %v", err)
	}
	return strings.Count(string(data), "launch")
}

func TestPoolAcquire_SlowLaunchStartsOneBrowser(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.Capture.TimeoutSecs = 10
	bin, launches := slowChrome(t)
	cfg.Chrome.ChromePath = bin

	p, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer p.Close()

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, err := p.Acquire(ctx)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("acquire %d: expected deadline exceeded, got %v", i, err)
		}
	}
	if n := countLaunches(t, launches); n != 1 {
		t.Fatalf("expected one browser launch, got %d", n)
	}
	if st := p.Stats(1); st.Idle != 2 {
		t.Fatalf("expected slots returned after failed acquires: %+v", st)
	}

	// Stats must not block behind the pending launch.
	done := make(chan struct{})
	go func() {
		p.Stats(1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stats blocked while chrome was starting")
	}
}

func TestPoolAcquire_LaunchTimeoutResetsBrowser(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Chrome.ChromePath, _ = slowChrome(t)

	p, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer p.Close()
	oldDir := p.Stats(1).ProfileDir

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected launch deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("launch timeout not enforced, took %v", elapsed)
	}

	newDir := p.Stats(1).ProfileDir
	if newDir == "" || newDir == oldDir {
		t.Fatalf("expected a fresh profile dir after reset, got %q", newDir)
	}
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Fatalf("expected old profile dir removed, stat err = %v", err)
	}
}

func TestIsSessionInterrupted(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "context canceled", err: context.Canceled, want: true},
		{name: "wrapped deadline", err: errors.Join(errors.New("navigate"), context.DeadlineExceeded), want: true},
		{name: "target closed", err: errors.New("target closed"), want: true},
		{name: "websocket", err: errors.New("websocket: close 1006"), want: true},
		{name: "page load error", err: errors.New("page load error net::ERR_CONNECTION_REFUSED"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsSessionInterrupted(tc.err); got != tc.want {
				t.Fatalf("IsSessionInterrupted(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
