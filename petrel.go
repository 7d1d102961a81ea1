// Package petrel is a Chrome DevTools Protocol client. It drives a browser
// over its DevTools websocket endpoint: launching or attaching to a
// process, creating pages, navigating them, and issuing raw protocol
// commands through the cdproto command wrappers.
package petrel

import (
	"context"

	"github.com/petrelbrowser/petrel/chromium"
	"github.com/petrelbrowser/petrel/common"
	"github.com/petrelbrowser/petrel/log"
)

// Handles re-exported so most programs only import this package.
type (
	Browser        = common.Browser
	Page           = common.Page
	BrowserOptions = common.BrowserOptions
	GotoOptions    = common.GotoOptions
	Viewport       = common.Viewport
	Navigation     = common.Navigation
	LaunchOptions  = chromium.LaunchOptions
	BrowserProcess = chromium.BrowserProcess
)

// Connect attaches to a running browser over its DevTools websocket URL.
func Connect(ctx context.Context, wsURL string, opts *BrowserOptions) (*Browser, error) {
	return common.Connect(ctx, wsURL, opts, log.NewNullLogger())
}

// Launch starts a local Chromium with default options and connects to it.
func Launch(ctx context.Context, launchOpts *LaunchOptions, opts *BrowserOptions) (*Browser, *BrowserProcess, error) {
	bt := chromium.NewBrowserType(log.NewNullLogger())
	return bt.Launch(ctx, launchOpts, opts)
}
