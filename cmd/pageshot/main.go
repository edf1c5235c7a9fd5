// Command pageshot captures a screenshot of a web page with headless Chrome.
//
// Run without arguments it opens http://localhost:5173/login and writes
// jules-scratch/verification/login_screenshot.png.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pageshot/internal/capture"
	"pageshot/internal/history"
	u "pageshot/internal/utils"
)

// errPoolEngineCLI rejects the pooled engine for one-shot captures; the pool
// lives only as long as `pageshot serve`.
var errPoolEngineCLI = errors.New(`engine "pool" is only available with "pageshot serve"; use chromedp or playwright`)

type rootOptions struct {
	configPath   string
	url          string
	output       string
	engine       string
	waitSelector string
	width        int
	height       int
	fullPage     bool
	timeout      time.Duration
	flags        func(name string) bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		u.Error("pageshot failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return newRootCmdFor(&rootOptions{})
}

func newRootCmdFor(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pageshot",
		Short:         "Capture a screenshot of a web page",
		Long:          "Launches headless Chrome, opens the configured URL, saves a PNG and exits.\nWith no flags it captures " + u.DefaultCaptureURL + " to " + u.DefaultCaptureOutput + ".",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.load(); err != nil {
				return err
			}
			return runCapture(cmd.Context(), u.GetConfig())
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default $CONFIG_PATH or ./config.yaml)")

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "", "page to capture")
	f.StringVar(&opts.output, "output", "", "PNG file to write")
	f.StringVar(&opts.engine, "engine", "", "capture engine: chromedp or playwright")
	f.StringVar(&opts.waitSelector, "wait-selector", "", "CSS selector to wait for before capturing")
	f.IntVar(&opts.width, "width", 0, "viewport width")
	f.IntVar(&opts.height, "height", 0, "viewport height")
	f.BoolVar(&opts.fullPage, "full-page", false, "capture the full scrollable page")
	f.DurationVar(&opts.timeout, "timeout", 0, "overall capture timeout")
	opts.flags = func(name string) bool { return cmd.Flags().Changed(name) }

	cmd.AddCommand(newServeCmd(opts))
	return cmd
}

// load reads the config file, applies environment and flag overrides,
// validates the result and initialises logging. The outcome is available
// through u.GetConfig.
func (o *rootOptions) load() error {
	cfg, err := u.Parse(u.ResolveConfigPath(o.configPath))
	if err != nil {
		return err
	}
	if cfg.Chrome.ChromePath == "" {
		if v := os.Getenv("CHROME_BIN"); v != "" {
			cfg.Chrome.ChromePath = v
		}
	}
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	u.SetConfig(cfg)

	u.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)
	return nil
}

func (o *rootOptions) apply(cfg *u.Config) {
	changed := o.flags
	if changed == nil {
		changed = func(string) bool { return false }
	}
	if changed("url") {
		cfg.Capture.URL = o.url
	}
	if changed("output") {
		cfg.Capture.Output = o.output
	}
	if changed("engine") {
		cfg.Capture.Engine = o.engine
	}
	if changed("wait-selector") {
		cfg.Capture.WaitSelector = o.waitSelector
	}
	if changed("width") {
		cfg.Capture.Viewport.Width = o.width
	}
	if changed("height") {
		cfg.Capture.Viewport.Height = o.height
	}
	if changed("full-page") {
		cfg.Capture.FullPage = o.fullPage
	}
	if changed("timeout") {
		cfg.Capture.Timeout = o.timeout
	}
}

// runCapture performs one capture with a scoped browser and records it.
func runCapture(ctx context.Context, cfg u.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Capture.Engine), "pool") {
		return errPoolEngineCLI
	}
	eng, err := capture.NewEngine(cfg, nil)
	if err != nil {
		return err
	}

	rec, err := history.New(cfg.History.Postgres)
	if err != nil {
		u.Warn("Capture history unavailable", "error", err)
		rec = history.Nop{}
	}
	defer rec.Close()

	req := capture.RequestFromConfig(cfg)
	res, err := capture.Run(ctx, eng, req)

	entry := history.Entry{
		URL:        req.URL,
		Output:     req.Output,
		Engine:     eng.Name(),
		Bytes:      res.Bytes,
		Width:      res.Width,
		Height:     res.Height,
		DurationMS: res.Duration.Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	history.Track(ctx, rec, entry)
	return err
}
