package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"pageshot/internal/capture"
	"pageshot/internal/chrome"
	"pageshot/internal/history"
	u "pageshot/internal/utils"
)

const (
	minViewport = 100
	maxViewport = 4096
)

var filenamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+\.png$`)

// ScreenshotParams holds validated query parameters.
type ScreenshotParams struct {
	URL      string
	Viewport u.Viewport
	FullPage bool
	Filename string
}

// ScreenshotService bundles configuration and dependencies for captures.
type ScreenshotService struct {
	Config  *u.Config
	Redis   *redis.Client
	History history.Recorder

	// newEngine is swapped in tests.
	newEngine func(cfg u.Config, pool *chrome.Pool) (capture.Engine, error)

	poolMu  sync.Mutex
	pool    *chrome.Pool
	poolErr error
}

// NewScreenshotService creates a service. rdb and rec may be nil.
func NewScreenshotService(cfg u.Config, rdb *redis.Client, rec history.Recorder) *ScreenshotService {
	if rec == nil {
		rec = history.Nop{}
	}
	return &ScreenshotService{
		Config:    &cfg,
		Redis:     rdb,
		History:   rec,
		newEngine: capture.NewEngine,
	}
}

func (svc *ScreenshotService) getChromePool() (*chrome.Pool, error) {
	svc.poolMu.Lock()
	defer svc.poolMu.Unlock()

	if svc.Config.Chrome.PoolSize <= 0 {
		return nil, nil
	}
	if svc.pool != nil {
		return svc.pool, nil
	}
	if svc.poolErr != nil {
		return nil, svc.poolErr
	}
	pool, err := chrome.NewPool(*svc.Config)
	if err != nil {
		svc.poolErr = err
		return nil, err
	}
	svc.pool = pool
	return svc.pool, nil
}

// Close releases the Chrome pool.
func (svc *ScreenshotService) Close() {
	svc.poolMu.Lock()
	defer svc.poolMu.Unlock()
	if svc.pool != nil {
		svc.pool.Close()
		svc.pool = nil
	}
}

func (svc *ScreenshotService) engine() (capture.Engine, error) {
	pool, err := svc.getChromePool()
	if err != nil {
		return nil, err
	}
	return svc.newEngine(*svc.Config, pool)
}

// HandleScreenshot renders ?url= and returns the PNG, using the Redis cache
// when enabled.
func (svc *ScreenshotService) HandleScreenshot(c *fiber.Ctx) error {
	params, err := validateAndExtractParams(c, *svc.Config)
	if err != nil {
		return err
	}

	cacheKey := computeCacheKey(params)
	if svc.cacheEnabled() {
		if cached, err := getCachedScreenshot(c, svc.Redis, cacheKey); err == nil && cached != nil {
			return sendPNG(c, cached, params.Filename)
		}
	}

	eng, err := svc.engine()
	if err != nil {
		u.Error("Capture engine unavailable", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Capture engine unavailable: "+err.Error())
	}

	req := capture.Request{
		URL:      params.URL,
		Viewport: params.Viewport,
		FullPage: params.FullPage,
		Timeout:  svc.Config.CaptureTimeout(),
	}
	buf, res, err := capture.Take(c.UserContext(), eng, req)
	svc.track(res, req.Output, err)
	if err != nil {
		return captureError(err, svc.Config.Capture.TimeoutSecs)
	}
	if len(buf) > svc.Config.Limits.MaxImageBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "Screenshot exceeds allowed size")
	}

	if svc.cacheEnabled() {
		setCachedScreenshot(c, svc.Redis, cacheKey, buf, svc.Config.Cache.ScreenshotCacheTTL)
	}

	u.Info("Screenshot generated", "url", params.URL, "bytes", len(buf), "request_id", c.Get("X-Request-ID"))
	return sendPNG(c, buf, params.Filename)
}

// HandleCapture runs the configured capture to the configured output path on
// the server and returns the result.
func (svc *ScreenshotService) HandleCapture(c *fiber.Ctx) error {
	eng, err := svc.engine()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Capture engine unavailable: "+err.Error())
	}
	req := capture.RequestFromConfig(*svc.Config)
	res, err := capture.Run(c.UserContext(), eng, req)
	svc.track(res, req.Output, err)
	if err != nil {
		return captureError(err, svc.Config.Capture.TimeoutSecs)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// HandleHistory lists recent captures.
func (svc *ScreenshotService) HandleHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	entries, err := svc.History.Recent(ctx, limit)
	if errors.Is(err, history.ErrDisabled) {
		return fiber.NewError(fiber.StatusServiceUnavailable, "Capture history is disabled")
	}
	if err != nil {
		u.Error("Capture history query failed", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Capture history unavailable")
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return c.JSON(fiber.Map{"captures": entries})
}

// HandleChromeStats exposes Chrome pool capacity and usage.
func (svc *ScreenshotService) HandleChromeStats(c *fiber.Ctx) error {
	pool, err := svc.getChromePool()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Chrome pool init failed: "+err.Error())
	}
	if pool == nil {
		return c.JSON(chrome.Stats{
			PoolSizeConf: svc.Config.Chrome.PoolSize,
			TimeoutSecs:  svc.Config.Capture.TimeoutSecs,
		})
	}
	return c.JSON(pool.Stats(svc.Config.Capture.TimeoutSecs))
}

func (svc *ScreenshotService) cacheEnabled() bool {
	return svc.Redis != nil && svc.Config.Cache.ScreenshotCacheEnabled
}

func (svc *ScreenshotService) track(res capture.Result, output string, err error) {
	e := history.Entry{
		URL:        res.URL,
		Output:     output,
		Engine:     res.Engine,
		Bytes:      res.Bytes,
		Width:      res.Width,
		Height:     res.Height,
		DurationMS: res.Duration.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	history.Track(context.Background(), svc.History, e)
}

// captureError maps capture failures to HTTP errors.
func captureError(err error, timeoutSecs int) error {
	switch {
	case errors.Is(err, capture.ErrInvalidURL), errors.Is(err, capture.ErrInvalidOutput):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		u.Error("Screenshot timeout", "timeout_secs", timeoutSecs, "error", err.Error())
		return fiber.NewError(fiber.StatusRequestTimeout, "Screenshot took too long")
	case chrome.IsSessionInterrupted(err):
		u.Error("Chrome session interrupted", "error", err.Error())
		return fiber.NewError(fiber.StatusServiceUnavailable, "Chrome session interrupted")
	default:
		u.Error("Screenshot failed", "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError, "Screenshot failed: "+err.Error())
	}
}

func validateAndExtractParams(c *fiber.Ctx, cfg u.Config) (*ScreenshotParams, error) {
	urlStr := c.Query("url")
	if urlStr == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid URL: missing")
	}
	if err := capture.ValidateURL(urlStr); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid URL: must be HTTP or HTTPS")
	}

	vp := cfg.Capture.Viewport
	for _, dim := range []struct {
		name string
		dst  *int
	}{{"width", &vp.Width}, {"height", &vp.Height}} {
		raw := c.Query(dim.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < minViewport || n > maxViewport {
			return nil, fiber.NewError(fiber.StatusBadRequest,
				fmt.Sprintf("Invalid %s: must be an integer between %d and %d", dim.name, minViewport, maxViewport))
		}
		*dim.dst = n
	}

	fullPage := cfg.Capture.FullPage
	if raw := c.Query("full_page"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid full_page: must be a boolean")
		}
		fullPage = b
	}

	filename := c.Query("filename")
	if filename == "" {
		filename = "screenshot.png"
	} else {
		if !strings.HasSuffix(filename, ".png") {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Filename must end with .png")
		}
		if !filenamePattern.MatchString(filename) {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Filename contains invalid characters")
		}
	}

	return &ScreenshotParams{URL: urlStr, Viewport: vp, FullPage: fullPage, Filename: filename}, nil
}

func computeCacheKey(p *ScreenshotParams) string {
	h := sha256.New()
	h.Write([]byte(p.URL))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(p.Viewport.Width) + "x" + strconv.Itoa(p.Viewport.Height)))
	h.Write([]byte(strconv.FormatBool(p.FullPage)))
	return "shotcache:" + hex.EncodeToString(h.Sum(nil))
}

func getCachedScreenshot(c *fiber.Ctx, rdb *redis.Client, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(c.Context(), time.Second)
	defer cancel()

	cached, err := rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		u.Warn("Redis read failed", "error", err)
		return nil, err
	}
	u.Info("Screenshot cache hit", "key", key)
	return cached, nil
}

func setCachedScreenshot(c *fiber.Ctx, rdb *redis.Client, key string, data []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(c.Context(), time.Second)
	defer cancel()

	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		u.Warn("Redis write failed", "error", err)
	}
}

func sendPNG(c *fiber.Ctx, buf []byte, filename string) error {
	c.Set(fiber.HeaderContentType, "image/png")
	c.Set(fiber.HeaderContentDisposition, "inline; filename="+filename)
	return c.Send(buf)
}
