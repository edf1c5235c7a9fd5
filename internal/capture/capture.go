// Package capture takes a screenshot of a web page and writes it to disk.
//
// A capture launches (or leases) a headless browser, navigates to the URL,
// waits for the load event and stores the PNG at the output path. The file
// only appears once a valid image was produced.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	neturl "net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/xid"

	u "pageshot/internal/utils"
)

var (
	ErrInvalidURL    = errors.New("invalid url: must be http or https")
	ErrInvalidOutput = errors.New("invalid output: path must end with .png")
	ErrEmptyImage    = errors.New("browser returned an empty screenshot")
	ErrInvalidImage  = errors.New("browser returned an invalid png")
	ErrUnknownEngine = errors.New("unknown capture engine")
)

// Request describes one capture.
type Request struct {
	URL          string
	Output       string
	Viewport     u.Viewport
	FullPage     bool
	WaitSelector string
	Timeout      time.Duration
}

// Result describes a stored screenshot.
type Result struct {
	URL      string        `json:"url"`
	Path     string        `json:"path"`
	Engine   string        `json:"engine"`
	Bytes    int           `json:"bytes"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Duration time.Duration `json:"duration_ns"`
}

// Engine renders a page and returns PNG bytes.
type Engine interface {
	Name() string
	Screenshot(ctx context.Context, req Request) ([]byte, error)
}

// RequestFromConfig builds the configured default request.
func RequestFromConfig(cfg u.Config) Request {
	return Request{
		URL:          cfg.Capture.URL,
		Output:       cfg.Capture.Output,
		Viewport:     cfg.Capture.Viewport,
		FullPage:     cfg.Capture.FullPage,
		WaitSelector: cfg.Capture.WaitSelector,
		Timeout:      cfg.CaptureTimeout(),
	}
}

// ValidateURL accepts absolute http and https URLs.
func ValidateURL(raw string) error {
	parsed, err := neturl.ParseRequestURI(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

func (r Request) validate() error {
	if err := ValidateURL(r.URL); err != nil {
		return err
	}
	if r.Output == "" || !strings.EqualFold(filepath.Ext(r.Output), ".png") {
		return fmt.Errorf("%w: %q", ErrInvalidOutput, r.Output)
	}
	return nil
}

// Run captures req.URL with eng and writes the image to req.Output.
// On any error no file is left at req.Output.
func Run(ctx context.Context, eng Engine, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	buf, res, err := Take(ctx, eng, req)
	if err != nil {
		return res, err
	}
	if err := writeFileAtomic(req.Output, buf); err != nil {
		return res, err
	}
	res.Path = req.Output
	u.Info("Screenshot saved", "url", res.URL, "path", res.Path, "engine", res.Engine,
		"bytes", res.Bytes, "width", res.Width, "height", res.Height, "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// Take captures req.URL with eng and returns the validated PNG bytes
// without touching the filesystem. req.Output is ignored.
func Take(ctx context.Context, eng Engine, req Request) ([]byte, Result, error) {
	res := Result{URL: req.URL, Engine: eng.Name()}
	if err := ValidateURL(req.URL); err != nil {
		return nil, res, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	buf, err := eng.Screenshot(ctx, req)
	res.Duration = time.Since(start)
	if err != nil {
		return nil, res, fmt.Errorf("%s capture of %s: %w", eng.Name(), req.URL, err)
	}
	width, height, err := DecodePNG(buf)
	if err != nil {
		return nil, res, err
	}
	res.Bytes = len(buf)
	res.Width = width
	res.Height = height
	return buf, res, nil
}

// DecodePNG checks that buf is a non-empty PNG and returns its dimensions.
func DecodePNG(buf []byte) (int, int, error) {
	if len(buf) == 0 {
		return 0, 0, ErrEmptyImage
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(buf))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return 0, 0, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}
	return cfg.Width, cfg.Height, nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+xid.New().String()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write screenshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("move screenshot into place: %w", err)
	}
	return nil
}
