package common

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/petrelbrowser/petrel/log"
)

// BlankPage is the address of an empty page.
const BlankPage = "about:blank"

// Page is a handle on one initialized page target. Like Browser, it is
// safe for concurrent use.
type Page struct {
	handler   *Handler
	targetID  target.ID
	sessionID target.SessionID
	logger    *log.Logger
}

// TargetID returns the identifier of the underlying target.
func (p *Page) TargetID() target.ID { return p.targetID }

// Goto navigates the page's main frame and waits for the navigation to
// reach the configured lifecycle events (load, by default).
func (p *Page) Goto(ctx context.Context, url string, opts *GotoOptions) (*Navigation, error) {
	if opts == nil {
		opts = &GotoOptions{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}

	reply := make(chan gotoResult, 1)
	msg := msgNavigate{
		targetID:  p.targetID,
		url:       url,
		referrer:  opts.Referrer,
		waitUntil: opts.WaitUntil,
		timeout:   timeout,
		reply:     reply,
	}
	if err := p.handler.send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return nil, fmt.Errorf("navigating to %q: %w", url, res.err)
		}
		return res.nav, nil
	case <-p.handler.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// URL returns the main frame's current URL.
func (p *Page) URL(ctx context.Context) (string, error) {
	reply := make(chan string, 1)
	if err := p.handler.send(ctx, msgPageURL{targetID: p.targetID, reply: reply}); err != nil {
		return "", err
	}
	select {
	case url := <-reply:
		return url, nil
	case <-p.handler.done:
		return "", ErrConnectionClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close asks the browser to dispose of the page's target.
func (p *Page) Close(ctx context.Context) error {
	if err := p.handler.Execute(ctx, target.CommandCloseTarget, target.CloseTarget(p.targetID), nil); err != nil {
		return fmt.Errorf("closing page: %w", err)
	}
	return nil
}

// Execute implements cdp.Executor scoped to the page's session, so cdproto
// command wrappers can run against this page directly.
func (p *Page) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return p.handler.execute(ctx, method, p.sessionID, params, res)
}
