package chromium

import (
	"context"
	"os"
	"sync"
)

// BrowserProcess is a handle on a running local browser process.
type BrowserProcess struct {
	cancel context.CancelFunc

	process *os.Process

	// Closed when the process exits for any reason.
	processDone chan struct{}

	wsURL       string
	userDataDir string

	terminateOnce sync.Once
}

func newBrowserProcess(
	cancel context.CancelFunc, process *os.Process,
	processDone chan struct{}, wsURL, userDataDir string,
) *BrowserProcess {
	return &BrowserProcess{
		cancel:      cancel,
		process:     process,
		processDone: processDone,
		wsURL:       wsURL,
		userDataDir: userDataDir,
	}
}

// WsURL returns the DevTools websocket URL the process printed on startup.
func (p *BrowserProcess) WsURL() string { return p.wsURL }

// Pid returns the browser process ID.
func (p *BrowserProcess) Pid() int { return p.process.Pid }

// UserDataDir returns the profile directory the browser runs with.
func (p *BrowserProcess) UserDataDir() string { return p.userDataDir }

// Done is closed when the process has exited and its temporary storage
// has been cleaned up.
func (p *BrowserProcess) Done() <-chan struct{} { return p.processDone }

// Terminate kills the browser process. Use Browser.Close first for a
// graceful shutdown; Terminate is the hammer.
func (p *BrowserProcess) Terminate() {
	p.terminateOnce.Do(p.cancel)
}

// Wait blocks until the process exits or ctx ends.
func (p *BrowserProcess) Wait(ctx context.Context) error {
	select {
	case <-p.processDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
