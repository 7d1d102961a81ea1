package common

import (
	"fmt"
	"time"

	"github.com/chromedp/cdproto"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/petrelbrowser/petrel/log"
)

// Session is an attached conversation with one target, required for
// multiplexed command routing.
type Session struct {
	id         target.SessionID
	targetType string
	targetID   target.ID
}

// ID returns the session's ID.
func (s *Session) ID() target.SessionID { return s.id }

// TargetID returns the ID of the target the session is attached to.
func (s *Session) TargetID() target.ID { return s.targetID }

type targetState int

// Initialization phases, strictly ordered. The emulation phase is skipped
// when no viewport is configured.
const (
	targetAttaching targetState = iota
	targetInitializingFrame
	targetInitializingNetwork
	targetInitializingPage
	targetInitializingEmulation
	targetInitialized
	targetFailed
	// targetIdle is for target types the runtime tracks but does not
	// attach to (workers, the browser target itself).
	targetIdle
)

func (s targetState) String() string {
	switch s {
	case targetAttaching:
		return "attaching"
	case targetInitializingFrame:
		return "initializing-frame"
	case targetInitializingNetwork:
		return "initializing-network"
	case targetInitializingPage:
		return "initializing-page"
	case targetInitializingEmulation:
		return "initializing-emulation"
	case targetInitialized:
		return "initialized"
	case targetFailed:
		return "failed"
	case targetIdle:
		return "idle"
	}
	return "unknown"
}

// request is one outbound command produced by a target.
type request struct {
	method    string
	sessionID target.SessionID
	params    easyjson.RawMessage

	// Set when the request belongs to a watched navigation.
	isNavigation bool
	navigationID navigationID
}

type pageResult struct {
	page *Page
	err  error
}

// navigationJob is a queued goto call, drained once the target is
// initialized.
type navigationJob struct {
	id        navigationID
	url       string
	referrer  string
	waitUntil []string
	timeout   time.Duration
}

// Target is the per-target state machine. It owns the target's frame,
// network and emulation managers, drives the ordered initialization
// sequence through command chains, and routes inbound session events to
// the right sub-manager. All its state is mutated only from the handler
// goroutine.
type Target struct {
	info             *target.Info
	sessionID        target.SessionID
	state            targetState
	chain            *commandChain
	frameManager     *FrameManager
	networkManager   *NetworkManager
	emulationManager *EmulationManager
	viewport         *Viewport

	// initiator is the caller waiting for this target to become a usable
	// page; notified exactly once.
	initiator     chan pageResult
	initiatorDone bool

	pendingNavigations []*navigationJob
	failedNavigations  []navigationResult

	logger *log.Logger
}

// NewTarget tracks a newly created or discovered target.
func NewTarget(info *target.Info, viewport *Viewport, ignoreHTTPSErrors bool, logger *log.Logger) *Target {
	t := &Target{
		info:             info,
		state:            targetAttaching,
		frameManager:     NewFrameManager(logger),
		networkManager:   NewNetworkManager(ignoreHTTPSErrors, logger),
		emulationManager: NewEmulationManager(),
		viewport:         viewport,
		logger:           logger,
	}
	if !t.isPage() {
		t.state = targetIdle
		return t
	}
	attach := target.AttachToTarget(info.TargetID).WithFlatten(true)
	t.chain = newCommandChain(chainCommand{
		method: target.CommandAttachToTarget,
		params: mustMarshal(attach),
	})
	return t
}

// ID returns the target's ID.
func (t *Target) ID() target.ID { return t.info.TargetID }

// Info returns the target's descriptor as reported by the browser.
func (t *Target) Info() *target.Info { return t.info }

// Type returns the target type ("page", "service_worker", ...).
func (t *Target) Type() string { return t.info.Type }

// Opener returns the ID of the target that opened this one, if any.
func (t *Target) Opener() target.ID { return t.info.OpenerID }

func (t *Target) isPage() bool {
	return t.info.Type == "page" || t.info.Type == "background_page"
}

func (t *Target) session() target.SessionID { return t.sessionID }

func (t *Target) setSession(id target.SessionID) { t.sessionID = id }

func (t *Target) clearSession() { t.sessionID = "" }

func (t *Target) setInitiator(ch chan pageResult) { t.initiator = ch }

// poll advances the target towards its initialized state and returns the
// next command to submit, if any.
func (t *Target) poll(now time.Time) *request {
	for {
		switch t.state {
		case targetFailed, targetIdle:
			return nil
		case targetInitialized:
			return t.pollNavigation(now)
		}

		cmd, status, err := t.chain.poll(now)
		switch status {
		case chainReady:
			sessionID := t.sessionID
			if t.state == targetAttaching {
				// Attaching is a browser-level command; there is no
				// session to route it through yet.
				sessionID = ""
			}
			return &request{method: cmd.method, sessionID: sessionID, params: cmd.params}
		case chainWaiting:
			return nil
		case chainExpired:
			t.failInit(err)
			return nil
		case chainDone:
			if !t.advance() {
				return nil
			}
		}
	}
}

// advance moves to the next initialization phase. It returns false when the
// target must keep waiting (attached command chain finished but the session
// has not been reported yet).
func (t *Target) advance() bool {
	switch t.state {
	case targetAttaching:
		if t.sessionID == "" {
			return false
		}
		t.state = targetInitializingFrame
		t.chain = newCommandChain(t.frameManager.initCommands()...)
	case targetInitializingFrame:
		t.state = targetInitializingNetwork
		t.chain = newCommandChain(t.networkManager.initCommands()...)
	case targetInitializingNetwork:
		t.state = targetInitializingPage
		t.chain = newCommandChain(t.pageInitCommands()...)
	case targetInitializingPage:
		if t.viewport == nil {
			t.state = targetInitialized
			t.chain = nil
			break
		}
		t.state = targetInitializingEmulation
		t.chain = newCommandChain(t.emulationManager.initCommands(t.viewport)...)
	case targetInitializingEmulation:
		t.state = targetInitialized
		t.chain = nil
	}
	t.logger.Debugf("Target:advance", "target %s now %s", t.info.TargetID, t.state)
	return true
}

// pageInitCommands is the final setup phase shared by all page targets.
func (t *Target) pageInitCommands() []chainCommand {
	autoAttach := target.SetAutoAttach(true, true).WithFlatten(true)
	return []chainCommand{
		{method: target.CommandSetAutoAttach, params: mustMarshal(autoAttach)},
		{method: performance.CommandEnable, params: mustMarshal(performance.Enable())},
		{method: cdplog.CommandEnable, params: mustMarshal(cdplog.Enable())},
	}
}

func (t *Target) pollNavigation(now time.Time) *request {
	for len(t.pendingNavigations) > 0 {
		job := t.pendingNavigations[0]
		t.pendingNavigations = t.pendingNavigations[1:]

		mf := t.frameManager.mainFrame()
		if mf == nil {
			t.failedNavigations = append(t.failedNavigations, navigationResult{
				id:  job.id,
				err: fmt.Errorf("target %q has no main frame: %w", t.info.TargetID, ErrFrameNotFound),
			})
			continue
		}
		cmd, err := t.frameManager.navigateFrame(
			job.id, mf.id, job.url, job.referrer, job.waitUntil, now, job.timeout)
		if err != nil {
			t.failedNavigations = append(t.failedNavigations, navigationResult{id: job.id, err: err})
			continue
		}
		return &request{
			method:       cmd.method,
			sessionID:    t.sessionID,
			params:       cmd.params,
			isNavigation: true,
			navigationID: job.id,
		}
	}
	return nil
}

// enqueueNavigation queues a goto call; it is issued once the target is
// initialized.
func (t *Target) enqueueNavigation(job *navigationJob) {
	t.pendingNavigations = append(t.pendingNavigations, job)
}

// navigationResults drains completed, failed and timed out navigations.
func (t *Target) navigationResults(now time.Time) []navigationResult {
	results := t.failedNavigations
	t.failedNavigations = nil
	return append(results, t.frameManager.poll(now)...)
}

// onResponse feeds a response for one of the target's own initialization
// commands back into the active chain.
func (t *Target) onResponse(method string, msg *cdproto.Message) {
	if msg.Error != nil {
		t.failInit(fmt.Errorf("%q during %s: %w", method, t.state, msg.Error))
		return
	}

	if method == page.CommandGetFrameTree {
		res := new(page.GetFrameTreeReturns)
		if err := easyjson.Unmarshal(msg.Result, res); err != nil {
			t.failInit(fmt.Errorf("decoding frame tree: %w", err))
			return
		}
		t.frameManager.onFrameTree(res.FrameTree)
	}

	if t.chain != nil && t.chain.receivedResponse(method) {
		t.advanceIfDone()
	}
}

// advanceIfDone moves through initialization phases as soon as the active
// chain's last response arrives, so the state never lags behind the
// responses already processed. Commands of the next phase are issued by the
// following poll.
func (t *Target) advanceIfDone() {
	for t.chain != nil && t.chain.done() {
		if !t.advance() {
			return
		}
	}
}

// onCommandTimeout is called when one of the target's initialization
// commands was evicted without a response. A stalled initialization fails
// the waiting initiator instead of parking the target forever.
func (t *Target) onCommandTimeout(method string) {
	if t.state == targetInitialized || t.state == targetFailed {
		return
	}
	t.failInit(fmt.Errorf("%q during %s: %w", method, t.state, ErrRequestTimeout))
}

// failInit marks initialization as failed and notifies a waiting initiator.
func (t *Target) failInit(err error) {
	t.logger.Errorf("Target:init", "target %s failed in state %s: %s", t.info.TargetID, t.state, err)
	t.state = targetFailed
	t.chain = nil
	t.notifyInitiator(pageResult{err: err})
}

// close fails everything still waiting on this target: the initiator,
// queued navigations, and navigations already in flight.
func (t *Target) close() {
	t.notifyInitiator(pageResult{err: ErrTargetClosed})
	for _, job := range t.pendingNavigations {
		t.failedNavigations = append(t.failedNavigations, navigationResult{id: job.id, err: ErrTargetClosed})
	}
	t.pendingNavigations = nil
	for _, id := range t.frameManager.abortNavigations() {
		t.failedNavigations = append(t.failedNavigations, navigationResult{id: id, err: ErrTargetClosed})
	}
}

// readyForInitiator reports whether a waiting initiator can be handed the
// finished page: target initialized and main frame loaded.
func (t *Target) readyForInitiator() bool {
	if t.state != targetInitialized || t.initiator == nil || t.initiatorDone {
		return false
	}
	mf := t.frameManager.mainFrame()
	return mf != nil && mf.hasLifecycle(map[string]struct{}{LifecycleLoad: {}})
}

// notifyInitiator delivers the page result exactly once. A gone initiator
// is not an error; the result is dropped.
func (t *Target) notifyInitiator(res pageResult) {
	if t.initiator == nil || t.initiatorDone {
		return
	}
	t.initiatorDone = true
	select {
	case t.initiator <- res:
	default:
	}
}

// onEvent routes an inbound session event to the frame and network
// managers. Events are processed in every state; initialization does not
// gate them.
func (t *Target) onEvent(ev any) {
	switch ev := ev.(type) {
	case *page.EventFrameAttached:
		t.frameManager.onFrameAttached(ev.FrameID, ev.ParentFrameID)
	case *page.EventFrameDetached:
		t.frameManager.onFrameDetached(ev.FrameID)
	case *page.EventFrameNavigated:
		if err := t.frameManager.onFrameNavigated(ev.Frame); err != nil {
			t.logger.Debugf("Target:onEvent", "target %s: %s", t.info.TargetID, err)
		}
	case *page.EventNavigatedWithinDocument:
		t.frameManager.onFrameNavigatedWithinDocument(ev.FrameID, ev.URL)
	case *page.EventFrameStoppedLoading:
		t.frameManager.onFrameStoppedLoading(ev.FrameID)
	case *page.EventLifecycleEvent:
		t.frameManager.onLifecycleEvent(ev)
	case *network.EventRequestWillBeSent:
		t.networkManager.onRequestWillBeSent(ev)
	case *network.EventLoadingFinished:
		t.networkManager.onLoadingFinished(ev)
	case *network.EventLoadingFailed:
		t.networkManager.onLoadingFailed(ev)
	case *target.EventTargetInfoChanged:
		t.info = ev.TargetInfo
	}
}
