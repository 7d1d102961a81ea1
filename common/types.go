package common

import "time"

// Viewport configures device metrics emulation for new pages. A nil
// viewport skips the emulation phase of target initialization.
type Viewport struct {
	Width             int64
	Height            int64
	DeviceScaleFactor float64
	IsMobile          bool
	IsLandscape       bool
	HasTouch          bool
}

// BrowserOptions configures a browser connection.
type BrowserOptions struct {
	// Viewport applied to every new page; nil disables emulation.
	Viewport *Viewport

	// IgnoreHTTPSErrors suppresses certificate errors on every target.
	IgnoreHTTPSErrors bool

	// RequestTimeout is the window a command response must arrive in
	// before its caller is failed with a timeout.
	RequestTimeout time.Duration

	// EvictionInterval is how often pending requests are swept for missed
	// deadlines.
	EvictionInterval time.Duration
}

// NewBrowserOptions returns the default browser options.
func NewBrowserOptions() *BrowserOptions {
	return &BrowserOptions{
		IgnoreHTTPSErrors: true,
		RequestTimeout:    defaultCommandTimeout,
		EvictionInterval:  time.Second,
	}
}

// GotoOptions configures one navigation.
type GotoOptions struct {
	// Referrer to send with the navigation request.
	Referrer string

	// WaitUntil is the set of lifecycle events the frame and its subtree
	// must observe before the navigation counts as complete. Defaults to
	// the "load" event.
	WaitUntil []string

	// Timeout is the navigation deadline. Defaults to 30s.
	Timeout time.Duration
}
