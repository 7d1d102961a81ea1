package chromium

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Allocator finds and runs a Chromium executable.
type Allocator struct {
	execPath  string         // path to the Chromium executable
	initFlags map[string]any // CLI flags to pass to the Chromium executable
	initEnv   []string       // environment variables to pass to the Chromium executable

	userDataDir string
	removeDir   bool // userDataDir is ours to delete
}

// NewAllocator returns a new Allocator. An empty execPath triggers a lookup
// of well-known Chromium install locations.
func NewAllocator(execPath string, flags map[string]any, env []string) *Allocator {
	if execPath == "" {
		execPath = findExecPath()
	}
	if flags == nil {
		flags = make(map[string]any)
	}
	return &Allocator{
		execPath:  execPath,
		initFlags: flags,
		initEnv:   env,
	}
}

// Allocate starts a new Chromium browser process and returns it with the
// DevTools websocket URL parsed from its output.
func (a *Allocator) Allocate(ctx context.Context, opts *LaunchOptions) (_ *BrowserProcess, rerr error) {
	if a.execPath == "" {
		return nil, errors.New("no chromium executable found on this system")
	}

	args, err := a.prepareArgs(opts)
	if err != nil {
		return nil, fmt.Errorf("cannot prepare args: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, a.execPath, args...) //nolint:gosec
	killAfterParent(cmd)

	defer func() {
		if rerr != nil {
			cancel()
			a.cleanup()
		}
	}()

	// Pipe stderr to stdout; the DevTools banner goes to stderr.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("cannot pipe stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if len(a.initEnv) > 0 {
		cmd.Env = append(os.Environ(), a.initEnv...)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cannot start browser executable: %w", err)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("context err after command start: %w", ctx.Err())
	}

	processDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		a.cleanup()
		close(processDone)
	}()

	ctxTimeout, cancelTimeout := context.WithTimeout(ctx, opts.Timeout)
	defer cancelTimeout()

	wsURL, err := parseDevToolsURL(ctxTimeout, stdout)
	if err != nil {
		return nil, fmt.Errorf("cannot parse websocket url: %w", err)
	}
	// Keep draining so the child never blocks on a full pipe.
	go func() {
		_, _ = io.Copy(io.Discard, stdout)
	}()

	return newBrowserProcess(cancel, cmd.Process, processDone, wsURL, a.userDataDir), nil
}

// prepareArgs settles the user data directory and renders the flag map
// into command-line arguments.
func (a *Allocator) prepareArgs(opts *LaunchOptions) ([]string, error) {
	if dir, ok := a.initFlags["user-data-dir"].(string); ok && dir != "" {
		a.userDataDir = dir
	} else {
		dir, err := os.MkdirTemp("", "petrel-chromium-*")
		if err != nil {
			return nil, fmt.Errorf("cannot make user temp directory: %w", err)
		}
		a.userDataDir = dir
		a.removeDir = true
		a.initFlags["user-data-dir"] = dir
	}

	for name, value := range defaultFlags(opts) {
		if _, ok := a.initFlags[name]; !ok {
			a.initFlags[name] = value
		}
	}

	return a.parseArgs()
}

// parseArgs renders the flag map as --name=value arguments, sorted so the
// command line is stable across runs.
func (a *Allocator) parseArgs() ([]string, error) {
	var args []string
	for name, value := range a.initFlags {
		switch value := value.(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, fmt.Sprintf("--%s", name))
			}
		default:
			return nil, fmt.Errorf("invalid browser command line flag %q", name)
		}
	}
	if _, ok := a.initFlags["no-sandbox"]; !ok && os.Getuid() == 0 {
		// Running as root, for example in a Linux container. Chromium
		// needs --no-sandbox when running as root.
		args = append(args, "--no-sandbox")
	}
	if _, ok := a.initFlags["remote-debugging-port"]; !ok {
		args = append(args, "--remote-debugging-port=0")
	}
	sort.Strings(args)

	// Force the first page to be blank instead of the welcome page;
	// --no-first-run doesn't enforce that.
	args = append(args, "about:blank")

	return args, nil
}

func (a *Allocator) cleanup() {
	if a.removeDir && a.userDataDir != "" {
		_ = os.RemoveAll(a.userDataDir)
	}
}

// parseDevToolsURL grabs the websocket address from chrome's output and
// returns it.
func parseDevToolsURL(ctx context.Context, rc io.Reader) (string, error) {
	type result struct {
		wsURL string
		err   error
	}
	c := make(chan result, 1)
	go func() {
		const prefix = "DevTools listening on "

		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			if s := scanner.Text(); strings.HasPrefix(s, prefix) {
				c <- result{
					strings.TrimPrefix(strings.TrimSpace(s), prefix),
					nil,
				}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c <- result{"", fmt.Errorf("scanner err: %w", err)}
			return
		}
		c <- result{"", errors.New("browser exited before DevTools started listening")}
	}()
	select {
	case r := <-c:
		return r.wsURL, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("ctx err: %w", ctx.Err())
	}
}

// findExecPath finds the path to the Chromium executable and returns it.
func findExecPath() string {
	for _, path := range [...]string{
		// Unix-like
		"headless_shell",
		"headless-shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",

		// Windows
		"chrome",
		"chrome.exe", // in case PATHEXT is misconfigured
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		filepath.Join(os.Getenv("USERPROFILE"), `AppData\Local\Google\Chrome\Application\chrome.exe`),

		// Mac
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	} {
		if _, err := exec.LookPath(path); err == nil {
			return path
		}
	}

	return ""
}
