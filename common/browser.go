package common

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/petrelbrowser/petrel/log"
)

// Browser is a handle on one CDP connection. It is safe for concurrent use;
// every method funnels through the handler loop.
type Browser struct {
	conn    *Connection
	handler *Handler
	logger  *log.Logger

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Connect dials a browser's DevTools websocket endpoint and starts the
// dispatch loop. The returned Browser stays usable until Close is called,
// ctx ends, or the connection drops.
func Connect(ctx context.Context, wsURL string, opts *BrowserOptions, logger *log.Logger) (*Browser, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	conn, err := NewConnection(ctx, wsURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	handlerCtx, cancel := context.WithCancel(ctx)
	h := NewHandler(conn, opts, logger)
	go h.run(handlerCtx)

	return &Browser{
		conn:    conn,
		handler: h,
		logger:  logger,
		cancel:  cancel,
	}, nil
}

// NewPage creates a target for url (about:blank if empty) and waits for it
// to finish its initialization sequence and first load.
func (b *Browser) NewPage(ctx context.Context, url string) (*Page, error) {
	if url == "" {
		url = BlankPage
	}
	reply := make(chan pageResult, 1)
	msg := msgCreatePage{params: target.CreateTarget(url), reply: reply}
	if err := b.handler.send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return nil, fmt.Errorf("creating page: %w", res.err)
		}
		return res.page, nil
	case <-b.handler.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pages returns a handle for every initialized page target.
func (b *Browser) Pages(ctx context.Context) ([]*Page, error) {
	reply := make(chan []*Page, 1)
	if err := b.handler.send(ctx, msgGetPages{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case pages := <-reply:
		return pages, nil
	case <-b.handler.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute implements cdp.Executor against the browser-level session.
func (b *Browser) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return b.handler.Execute(ctx, method, params, res)
}

// Close tears down the connection. All in-flight commands and navigations
// fail with ErrConnectionClosed.
func (b *Browser) Close() {
	b.closeOnce.Do(func() {
		b.logger.Debugf("Browser:Close", "closing browser connection")
		b.conn.Close()
		b.cancel()
	})
}
