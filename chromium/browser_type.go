package chromium

import (
	"context"
	"fmt"
	"time"

	"github.com/petrelbrowser/petrel/common"
	"github.com/petrelbrowser/petrel/log"
)

// LaunchOptions control how a local browser process is started.
type LaunchOptions struct {
	ExecutablePath string
	Headless       bool
	Args           map[string]any // extra flags, overriding the defaults
	Env            []string
	Timeout        time.Duration // waiting for the DevTools banner
}

// NewLaunchOptions returns launch options with sane defaults.
func NewLaunchOptions() *LaunchOptions {
	return &LaunchOptions{
		Headless: true,
		Timeout:  30 * time.Second,
	}
}

// BrowserType launches a Chrome browser instance or connects to an
// existing one. It's the entry point for interacting with the browser.
type BrowserType struct {
	logger *log.Logger
}

// NewBrowserType returns a new Chrome browser type.
func NewBrowserType(logger *log.Logger) *BrowserType {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &BrowserType{logger: logger}
}

// Launch starts a local browser process and connects to it. Closing the
// returned Browser leaves the process to the returned BrowserProcess.
func (b *BrowserType) Launch(
	ctx context.Context, opts *LaunchOptions, browserOpts *common.BrowserOptions,
) (*common.Browser, *BrowserProcess, error) {
	if opts == nil {
		opts = NewLaunchOptions()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	allocator := NewAllocator(opts.ExecutablePath, opts.Args, opts.Env)
	proc, err := allocator.Allocate(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("launching browser: %w", err)
	}

	browser, err := common.Connect(ctx, proc.WsURL(), browserOpts, b.logger)
	if err != nil {
		proc.Terminate()
		return nil, nil, fmt.Errorf("connecting to browser: %w", err)
	}

	return browser, proc, nil
}

// Connect attaches to an already running browser over its DevTools
// websocket endpoint.
func (b *BrowserType) Connect(
	ctx context.Context, wsURL string, browserOpts *common.BrowserOptions,
) (*common.Browser, error) {
	return common.Connect(ctx, wsURL, browserOpts, b.logger)
}

// defaultFlags is the flag set Chromium is launched with unless a flag is
// overridden through LaunchOptions.Args. After Puppeteer's and
// Playwright's default behavior.
func defaultFlags(opts *LaunchOptions) map[string]any {
	f := map[string]any{
		"disable-background-networking":                      true,
		"enable-features":                                    "NetworkService,NetworkServiceInProcess",
		"disable-background-timer-throttling":                true,
		"disable-backgrounding-occluded-windows":             true,
		"disable-breakpad":                                   true,
		"disable-component-extensions-with-background-pages": true,
		"disable-default-apps":                               true,
		"disable-dev-shm-usage":                              true,
		"disable-extensions":                                 true,
		//nolint:lll
		"disable-features":                "ImprovedCookieControls,LazyFrameLoading,GlobalMediaControls,DestroyProfileOnBrowserClose,MediaRouter,AcceptCHFrame",
		"disable-hang-monitor":            true,
		"disable-ipc-flooding-protection": true,
		"disable-popup-blocking":          true,
		"disable-prompt-on-repost":        true,
		"disable-renderer-backgrounding":  true,
		"force-color-profile":             "srgb",
		"metrics-recording-only":          true,
		"no-first-run":                    true,
		"enable-automation":               true,
		"password-store":                  "basic",
		"use-mock-keychain":               true,
		"no-service-autorun":              true,

		"no-default-browser-check": true,
		"headless":                 opts.Headless,
		"window-size":              fmt.Sprintf("%d,%d", 800, 600),
	}
	if opts.Headless {
		f["hide-scrollbars"] = true
		f["mute-audio"] = true
		f["blink-settings"] = "primaryHoverType=2,availableHoverTypes=2,primaryPointerType=4,availablePointerTypes=4"
	}
	return f
}
