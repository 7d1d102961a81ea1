package common

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/security"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrelbrowser/petrel/log"
)

func newTestTarget(t *testing.T, viewport *Viewport) *Target {
	t.Helper()
	info := &target.Info{TargetID: "target-1", Type: "page", URL: BlankPage}
	return NewTarget(info, viewport, true, log.NewNullLogger())
}

// initStep asserts the target's next command and feeds it an empty result.
func initStep(t *testing.T, tgt *Target, now time.Time, method string) {
	t.Helper()
	req := tgt.poll(now)
	require.NotNil(t, req, "expected %q to be issued", method)
	require.Equal(t, method, req.method)
	tgt.onResponse(req.method, &cdproto.Message{Result: easyjson.RawMessage(`{}`)})
}

const frameTreeResult = `{
	"frameTree": {
		"frame": {
			"id": "frame-1",
			"loaderId": "loader-1",
			"url": "about:blank",
			"securityOrigin": "://",
			"mimeType": "text/html"
		}
	}
}`

func TestTargetInitializationSequence(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tgt := newTestTarget(t, nil)

	// Attaching happens on the browser session.
	req := tgt.poll(now)
	require.NotNil(t, req)
	require.Equal(t, target.CommandAttachToTarget, req.method)
	assert.Empty(t, req.sessionID)

	// The chain may not advance until the session is reported.
	tgt.onResponse(req.method, &cdproto.Message{Result: easyjson.RawMessage(`{"sessionId":"session-1"}`)})
	assert.Nil(t, tgt.poll(now))

	tgt.setSession("session-1")

	// Frame domain.
	initStep(t, tgt, now, page.CommandEnable)
	req = tgt.poll(now)
	require.NotNil(t, req)
	require.Equal(t, page.CommandGetFrameTree, req.method)
	assert.Equal(t, target.SessionID("session-1"), req.sessionID)
	tgt.onResponse(req.method, &cdproto.Message{Result: easyjson.RawMessage(frameTreeResult)})
	require.NotNil(t, tgt.frameManager.mainFrame(), "frame tree snapshot must seed the main frame")

	initStep(t, tgt, now, page.CommandSetLifecycleEventsEnabled)
	initStep(t, tgt, now, runtime.CommandEnable)

	// Network domain, with certificate errors suppressed.
	initStep(t, tgt, now, network.CommandEnable)
	initStep(t, tgt, now, security.CommandSetIgnoreCertificateErrors)

	// Page-level setup.
	initStep(t, tgt, now, target.CommandSetAutoAttach)
	initStep(t, tgt, now, performance.CommandEnable)
	initStep(t, tgt, now, cdplog.CommandEnable)

	// No viewport: the emulation phase is skipped.
	assert.Equal(t, targetInitialized, tgt.state)
	assert.Nil(t, tgt.poll(now))
}

func TestTargetEmulationPhase(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tgt := newTestTarget(t, &Viewport{Width: 375, Height: 667, IsMobile: true, HasTouch: true})

	req := tgt.poll(now)
	require.Equal(t, target.CommandAttachToTarget, req.method)
	tgt.onResponse(req.method, &cdproto.Message{Result: easyjson.RawMessage(`{"sessionId":"session-1"}`)})
	tgt.setSession("session-1")

	for _, method := range []string{
		page.CommandEnable, page.CommandGetFrameTree, page.CommandSetLifecycleEventsEnabled, runtime.CommandEnable,
		network.CommandEnable, security.CommandSetIgnoreCertificateErrors,
		target.CommandSetAutoAttach, performance.CommandEnable, cdplog.CommandEnable,
	} {
		initStep(t, tgt, now, method)
	}

	initStep(t, tgt, now, emulation.CommandSetDeviceMetricsOverride)
	initStep(t, tgt, now, emulation.CommandSetTouchEmulationEnabled)

	assert.Equal(t, targetInitialized, tgt.state)
}

func TestTargetNonPageStaysIdle(t *testing.T) {
	t.Parallel()

	info := &target.Info{TargetID: "worker-1", Type: "service_worker"}
	tgt := NewTarget(info, nil, true, log.NewNullLogger())

	assert.Equal(t, targetIdle, tgt.state)
	assert.Nil(t, tgt.poll(time.Now()))
}

func TestTargetInitTimeoutFailsInitiator(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tgt := newTestTarget(t, nil)
	initiator := make(chan pageResult, 1)
	tgt.setInitiator(initiator)

	req := tgt.poll(now)
	require.Equal(t, target.CommandAttachToTarget, req.method)

	// The attach command was evicted without a response: the waiting
	// initiator is failed instead of parked forever.
	tgt.onCommandTimeout(req.method)

	assert.Equal(t, targetFailed, tgt.state)
	assert.Nil(t, tgt.poll(now))

	select {
	case res := <-initiator:
		require.Error(t, res.err)
		assert.ErrorIs(t, res.err, ErrRequestTimeout)
	default:
		t.Fatal("initiator was not notified")
	}
}

func TestTargetInitErrorResponseFailsInitiator(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tgt := newTestTarget(t, nil)
	initiator := make(chan pageResult, 1)
	tgt.setInitiator(initiator)

	req := tgt.poll(now)
	tgt.onResponse(req.method, &cdproto.Message{Error: &cdproto.Error{Code: -32000, Message: "no such target"}})

	assert.Equal(t, targetFailed, tgt.state)
	select {
	case res := <-initiator:
		require.Error(t, res.err)
	default:
		t.Fatal("initiator was not notified")
	}
}

func TestTargetChainExpiryFailsInit(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tgt := newTestTarget(t, nil)
	initiator := make(chan pageResult, 1)
	tgt.setInitiator(initiator)

	req := tgt.poll(now)
	require.NotNil(t, req)

	// Poll far past the chain deadline without ever answering.
	assert.Nil(t, tgt.poll(now.Add(defaultCommandTimeout+time.Second)))
	assert.Equal(t, targetFailed, tgt.state)

	select {
	case res := <-initiator:
		assert.ErrorIs(t, res.err, ErrRequestTimeout)
	default:
		t.Fatal("initiator was not notified")
	}
}

func TestTargetQueuedNavigationIssuedAfterInit(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tgt := newTestTarget(t, nil)
	tgt.enqueueNavigation(&navigationJob{id: 1, url: "https://a.test/"})

	req := tgt.poll(now)
	require.Equal(t, target.CommandAttachToTarget, req.method, "queued navigations wait for initialization")
	tgt.onResponse(req.method, &cdproto.Message{Result: easyjson.RawMessage(`{"sessionId":"session-1"}`)})
	tgt.setSession("session-1")

	initStep(t, tgt, now, page.CommandEnable)
	req = tgt.poll(now)
	tgt.onResponse(req.method, &cdproto.Message{Result: easyjson.RawMessage(frameTreeResult)})
	for _, method := range []string{
		page.CommandSetLifecycleEventsEnabled, runtime.CommandEnable,
		network.CommandEnable, security.CommandSetIgnoreCertificateErrors,
		target.CommandSetAutoAttach, performance.CommandEnable, cdplog.CommandEnable,
	} {
		initStep(t, tgt, now, method)
	}
	require.Equal(t, targetInitialized, tgt.state)

	req = tgt.poll(now)
	require.NotNil(t, req)
	assert.Equal(t, page.CommandNavigate, req.method)
	assert.True(t, req.isNavigation)
	assert.Equal(t, navigationID(1), req.navigationID)
	assert.Equal(t, target.SessionID("session-1"), req.sessionID)
}

func TestTargetCloseFailsWaiters(t *testing.T) {
	t.Parallel()

	tgt := newTestTarget(t, nil)
	initiator := make(chan pageResult, 1)
	tgt.setInitiator(initiator)
	tgt.enqueueNavigation(&navigationJob{id: 2, url: "https://a.test/"})

	tgt.close()

	select {
	case res := <-initiator:
		assert.ErrorIs(t, res.err, ErrTargetClosed)
	default:
		t.Fatal("initiator was not notified")
	}

	results := tgt.navigationResults(time.Now())
	require.Len(t, results, 1)
	assert.Equal(t, navigationID(2), results[0].id)
	assert.ErrorIs(t, results[0].err, ErrTargetClosed)
}

func TestTargetCloseFailsInflightNavigation(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tgt := newTestTarget(t, nil)
	require.NoError(t, tgt.frameManager.onFrameNavigated(&cdp.Frame{ID: "frame-1", URL: BlankPage, LoaderID: "loader-1"}))

	// A navigation was issued and is waiting on lifecycle events that will
	// never arrive because the target goes away.
	_, err := tgt.frameManager.navigateFrame(3, "frame-1", "https://a.test/", "", nil, now, 0)
	require.NoError(t, err)

	tgt.close()

	results := tgt.navigationResults(now)
	require.Len(t, results, 1)
	assert.Equal(t, navigationID(3), results[0].id)
	assert.ErrorIs(t, results[0].err, ErrTargetClosed)
}

func TestTargetReadyForInitiator(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tgt := newTestTarget(t, nil)
	initiator := make(chan pageResult, 1)
	tgt.setInitiator(initiator)

	req := tgt.poll(now)
	tgt.onResponse(req.method, &cdproto.Message{Result: easyjson.RawMessage(`{"sessionId":"session-1"}`)})
	tgt.setSession("session-1")
	initStep(t, tgt, now, page.CommandEnable)
	req = tgt.poll(now)
	tgt.onResponse(req.method, &cdproto.Message{Result: easyjson.RawMessage(frameTreeResult)})
	for _, method := range []string{
		page.CommandSetLifecycleEventsEnabled, runtime.CommandEnable,
		network.CommandEnable, security.CommandSetIgnoreCertificateErrors,
		target.CommandSetAutoAttach, performance.CommandEnable, cdplog.CommandEnable,
	} {
		initStep(t, tgt, now, method)
	}
	require.Equal(t, targetInitialized, tgt.state)

	// Initialized, but the main frame has not loaded yet.
	assert.False(t, tgt.readyForInitiator())

	tgt.onEvent(&page.EventLifecycleEvent{FrameID: "frame-1", LoaderID: "loader-1", Name: LifecycleLoad})
	assert.True(t, tgt.readyForInitiator())

	tgt.notifyInitiator(pageResult{page: &Page{targetID: tgt.ID()}})
	assert.False(t, tgt.readyForInitiator(), "an initiator is notified exactly once")

	select {
	case res := <-initiator:
		require.NoError(t, res.err)
		require.NotNil(t, res.page)
	default:
		t.Fatal("initiator was not notified")
	}
}

func TestTargetSessionEventRouting(t *testing.T) {
	t.Parallel()

	tgt := newTestTarget(t, nil)
	require.NoError(t, tgt.frameManager.onFrameNavigated(&cdp.Frame{ID: "frame-1", URL: BlankPage, LoaderID: "loader-1"}))

	tgt.onEvent(&network.EventRequestWillBeSent{RequestID: "req-1"})
	assert.Equal(t, 1, tgt.networkManager.inflightCount())
	tgt.onEvent(&network.EventLoadingFinished{RequestID: "req-1"})
	assert.Equal(t, 0, tgt.networkManager.inflightCount())

	tgt.onEvent(&target.EventTargetInfoChanged{
		TargetInfo: &target.Info{TargetID: "target-1", Type: "page", URL: "https://a.test/"},
	})
	assert.Equal(t, "https://a.test/", tgt.Info().URL)
}
