package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/petrelbrowser/petrel/log"
)

type pendingKind int

// Why a call ID was sent. Exactly one response consumes each entry.
const (
	// pendingExternal is a raw command issued by a caller awaiting the
	// response on its reply channel.
	pendingExternal pendingKind = iota
	// pendingCreateTarget is a Target.createTarget whose response links the
	// caller to the created target.
	pendingCreateTarget
	// pendingNavigate is a Page.navigate tracked by a navigation watcher.
	pendingNavigate
	// pendingInternal is one of a target's own initialization commands.
	pendingInternal
)

type pendingRequest struct {
	kind     pendingKind
	method   string
	issued   time.Time
	deadline time.Time

	reply        chan commandResult // pendingExternal
	initiator    chan pageResult    // pendingCreateTarget
	navigationID navigationID       // pendingNavigate
	targetID     target.ID          // pendingNavigate, pendingInternal
}

type commandResult struct {
	msg *cdproto.Message
	err error
}

// orphanInitiator waits for the TargetCreated event a createTarget response
// already promised. The deadline bounds how long the event may lag before
// the waiting caller is failed.
type orphanInitiator struct {
	initiator chan pageResult
	deadline  time.Time
}

// Navigation is the caller-visible outcome of a completed goto.
type Navigation struct {
	Kind NavigationKind
	URL  string
}

type gotoResult struct {
	nav *Navigation
	err error
}

// Messages funneled from caller-facing handles into the handler loop. Each
// carries a buffered single-use reply channel.
type (
	msgCommand struct {
		method    string
		sessionID target.SessionID
		params    easyjson.RawMessage
		reply     chan commandResult
	}
	msgCreatePage struct {
		params *target.CreateTargetParams
		reply  chan pageResult
	}
	msgGetPages struct {
		reply chan []*Page
	}
	msgNavigate struct {
		targetID  target.ID
		url       string
		referrer  string
		waitUntil []string
		timeout   time.Duration
		reply     chan gotoResult
	}
	msgPageURL struct {
		targetID target.ID
		reply    chan string
	}
)

// Handler is the top-level dispatcher for one browser connection. One
// goroutine owns every map below; concurrency enters only through the
// fromCaller channel and leaves only through reply channels, so no locking
// is needed on the target/session/pending state.
type Handler struct {
	conn   *Connection
	logger *log.Logger
	opts   *BrowserOptions

	targets     map[target.ID]*Target
	sessions    map[target.SessionID]*Session
	pending     map[int64]*pendingRequest
	navigations map[navigationID]chan gotoResult

	// Initiators whose Target.createTarget response arrived before the
	// TargetCreated event, keyed by the target they wait for.
	orphanInitiators map[target.ID]orphanInitiator

	fromCaller chan any
	nextNavID  navigationID

	done      chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a dispatcher over an established connection.
func NewHandler(conn *Connection, opts *BrowserOptions, logger *log.Logger) *Handler {
	if opts == nil {
		opts = NewBrowserOptions()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultCommandTimeout
	}
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = time.Second
	}
	return &Handler{
		conn:             conn,
		logger:           logger,
		opts:             opts,
		targets:          make(map[target.ID]*Target),
		sessions:         make(map[target.SessionID]*Session),
		pending:          make(map[int64]*pendingRequest),
		navigations:      make(map[navigationID]chan gotoResult),
		orphanInitiators: make(map[target.ID]orphanInitiator),
		fromCaller:       make(chan any, 32),
		done:             make(chan struct{}),
	}
}

// run is the handler's event loop. It drains caller messages, target work,
// inbound frames and the eviction tick until the connection ends.
func (h *Handler) run(ctx context.Context) {
	h.bootstrap()

	ticker := time.NewTicker(h.opts.EvictionInterval)
	defer ticker.Stop()

	for {
		h.pollTargets(time.Now())

		select {
		case msg := <-h.fromCaller:
			h.onCallerMessage(msg)
		case msg := <-h.conn.recv():
			h.onMessage(msg)
		case err := <-h.conn.errors():
			h.logger.Errorf("Handler", "transport error: %s", err)
			h.shutdown(err)
			return
		case <-h.conn.closed():
			h.shutdown(ErrConnectionClosed)
			return
		case now := <-ticker.C:
			h.evict(now)
		case <-ctx.Done():
			h.shutdown(ctx.Err())
			return
		}
	}
}

// bootstrap enables target discovery; every TargetCreated after this builds
// the target table.
func (h *Handler) bootstrap() {
	discover := target.SetDiscoverTargets(true)
	h.submit(&request{
		method: target.CommandSetDiscoverTargets,
		params: mustMarshal(discover),
	}, &pendingRequest{kind: pendingInternal, method: target.CommandSetDiscoverTargets})
}

// nextCallID returns the connection's next sequential id, skipping any id
// that is somehow still pending after a wraparound.
func (h *Handler) nextCallID() int64 {
	id := h.conn.nextCallID()
	for _, busy := h.pending[id]; busy; _, busy = h.pending[id] {
		id = h.conn.nextCallID()
	}
	return id
}

// submit sends one command frame and registers its pending entry.
func (h *Handler) submit(req *request, pr *pendingRequest) {
	id := h.nextCallID()
	now := time.Now()
	pr.method = req.method
	pr.issued = now
	pr.deadline = now.Add(h.opts.RequestTimeout)

	if err := h.conn.submitCommand(id, req.method, req.sessionID, req.params); err != nil {
		h.failPending(pr, err)
		return
	}
	h.pending[id] = pr
}

// pollTargets drains every target's finished navigations and ready
// commands, and hands pages to initiators whose main frame has loaded.
func (h *Handler) pollTargets(now time.Time) {
	for _, t := range h.targets {
		for _, res := range t.navigationResults(now) {
			h.resolveNavigation(res)
		}
		for req := t.poll(now); req != nil; req = t.poll(now) {
			pr := &pendingRequest{kind: pendingInternal, targetID: t.ID()}
			if req.isNavigation {
				pr = &pendingRequest{kind: pendingNavigate, navigationID: req.navigationID, targetID: t.ID()}
			}
			h.submit(req, pr)
		}
		if t.readyForInitiator() {
			t.notifyInitiator(pageResult{page: h.pageFor(t)})
		}
	}
}

func (h *Handler) pageFor(t *Target) *Page {
	return &Page{
		handler:   h,
		targetID:  t.ID(),
		sessionID: t.session(),
		logger:    h.logger,
	}
}

func (h *Handler) onCallerMessage(msg any) {
	switch m := msg.(type) {
	case msgCommand:
		h.submit(
			&request{method: m.method, sessionID: m.sessionID, params: m.params},
			&pendingRequest{kind: pendingExternal, reply: m.reply},
		)
	case msgCreatePage:
		h.submit(
			&request{method: target.CommandCreateTarget, params: mustMarshal(m.params)},
			&pendingRequest{kind: pendingCreateTarget, initiator: m.reply},
		)
	case msgGetPages:
		var pages []*Page
		for _, t := range h.targets {
			if t.isPage() && t.state == targetInitialized {
				pages = append(pages, h.pageFor(t))
			}
		}
		replyTo(m.reply, pages)
	case msgNavigate:
		h.startNavigation(m)
	case msgPageURL:
		var url string
		if t := h.targets[m.targetID]; t != nil {
			if mf := t.frameManager.mainFrame(); mf != nil {
				url = mf.URL()
			}
		}
		replyTo(m.reply, url)
	default:
		h.logger.Errorf("Handler", "unknown caller message %T", msg)
	}
}

func (h *Handler) startNavigation(m msgNavigate) {
	t := h.targets[m.targetID]
	if t == nil {
		replyTo(m.reply, gotoResult{err: fmt.Errorf("target %q: %w", m.targetID, ErrTargetClosed)})
		return
	}
	h.nextNavID++
	id := h.nextNavID
	h.navigations[id] = m.reply
	t.enqueueNavigation(&navigationJob{
		id:        id,
		url:       m.url,
		referrer:  m.referrer,
		waitUntil: m.waitUntil,
		timeout:   m.timeout,
	})
}

// onMessage classifies one inbound frame: an id makes it a response, a
// method makes it an event.
func (h *Handler) onMessage(msg *cdproto.Message) {
	if msg.ID != 0 {
		h.onResponse(msg)
		return
	}
	h.onEvent(msg)
}

// onResponse consumes the pending entry recorded for the response's call
// ID. Responses without one were evicted earlier and are discarded.
func (h *Handler) onResponse(msg *cdproto.Message) {
	pr, ok := h.pending[msg.ID]
	if !ok {
		h.logger.Debugf("Handler:onResponse", "discarding response for unknown call id %d", msg.ID)
		return
	}
	delete(h.pending, msg.ID)

	switch pr.kind {
	case pendingExternal:
		replyTo(pr.reply, commandResult{msg: msg})
	case pendingCreateTarget:
		h.onCreateTargetResponse(pr, msg)
	case pendingNavigate:
		h.onNavigateResponse(pr, msg)
	case pendingInternal:
		if t := h.targets[pr.targetID]; t != nil {
			t.onResponse(pr.method, msg)
		}
	}
}

func (h *Handler) onCreateTargetResponse(pr *pendingRequest, msg *cdproto.Message) {
	if msg.Error != nil {
		replyTo(pr.initiator, pageResult{err: msg.Error})
		return
	}
	res := new(target.CreateTargetReturns)
	if err := easyjson.Unmarshal(msg.Result, res); err != nil {
		replyTo(pr.initiator, pageResult{err: fmt.Errorf("decoding createTarget result: %w", err)})
		return
	}
	if t := h.targets[res.TargetID]; t != nil {
		t.setInitiator(pr.initiator)
		return
	}
	// The TargetCreated event has not arrived yet; link them when it does,
	// or fail the caller if the event never comes.
	h.orphanInitiators[res.TargetID] = orphanInitiator{
		initiator: pr.initiator,
		deadline:  time.Now().Add(h.opts.RequestTimeout),
	}
}

func (h *Handler) onNavigateResponse(pr *pendingRequest, msg *cdproto.Message) {
	if msg.Error != nil {
		h.failNavigation(pr.navigationID, pr.targetID, msg.Error)
		return
	}
	res := new(page.NavigateReturns)
	if err := easyjson.Unmarshal(msg.Result, res); err != nil {
		h.failNavigation(pr.navigationID, pr.targetID, fmt.Errorf("decoding navigate result: %w", err))
		return
	}
	if res.ErrorText != "" {
		h.failNavigation(pr.navigationID, pr.targetID, errors.New(res.ErrorText))
		return
	}
	// Completion is decided by the frame's lifecycle watcher, not by the
	// command response.
}

func (h *Handler) resolveNavigation(res navigationResult) {
	ch, ok := h.navigations[res.id]
	if !ok {
		return
	}
	delete(h.navigations, res.id)
	if res.err != nil {
		replyTo(ch, gotoResult{err: res.err})
		return
	}
	replyTo(ch, gotoResult{nav: &Navigation{Kind: res.kind, URL: res.url}})
}

func (h *Handler) failNavigation(id navigationID, targetID target.ID, err error) {
	if t := h.targets[targetID]; t != nil {
		t.frameManager.cancelNavigation(id)
	}
	if ch, ok := h.navigations[id]; ok {
		delete(h.navigations, id)
		replyTo(ch, gotoResult{err: err})
	}
}

// onEvent decodes an event frame and routes it: session events go to their
// target, browser-global target lifecycle events mutate the target and
// session tables.
func (h *Handler) onEvent(msg *cdproto.Message) {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		var unknown cdp.ErrUnknownCommandOrEvent
		if errors.As(err, &unknown) {
			// Event from a browser version newer (or older) than the
			// protocol definitions; nothing routes on it.
			h.logger.Debugf("Handler:onEvent", "ignoring unknown event %q", msg.Method)
			return
		}
		h.logger.Errorf("Handler:onEvent", "decoding %q: %s", msg.Method, err)
		return
	}

	if msg.SessionID != "" {
		if s, ok := h.sessions[msg.SessionID]; ok {
			if t := h.targets[s.targetID]; t != nil {
				t.onEvent(ev)
			}
		}
		return
	}

	switch ev := ev.(type) {
	case *target.EventTargetCreated:
		h.onTargetCreated(ev)
	case *target.EventAttachedToTarget:
		h.onAttachedToTarget(ev)
	case *target.EventDetachedFromTarget:
		h.onDetachedFromTarget(ev)
	case *target.EventTargetDestroyed:
		h.onTargetDestroyed(ev)
	case *target.EventTargetInfoChanged:
		if t := h.targets[ev.TargetInfo.TargetID]; t != nil {
			t.onEvent(ev)
		}
	}
}

func (h *Handler) onTargetCreated(ev *target.EventTargetCreated) {
	info := ev.TargetInfo
	if _, ok := h.targets[info.TargetID]; ok {
		return
	}
	t := NewTarget(info, h.opts.Viewport, h.opts.IgnoreHTTPSErrors, h.logger)
	h.targets[info.TargetID] = t
	h.logger.Debugf("Handler:onTargetCreated", "tracking target %s (%s)", info.TargetID, info.Type)

	if o, ok := h.orphanInitiators[info.TargetID]; ok {
		delete(h.orphanInitiators, info.TargetID)
		t.setInitiator(o.initiator)
	}
}

func (h *Handler) onAttachedToTarget(ev *target.EventAttachedToTarget) {
	info := ev.TargetInfo
	h.sessions[ev.SessionID] = &Session{
		id:         ev.SessionID,
		targetType: info.Type,
		targetID:   info.TargetID,
	}
	if t := h.targets[info.TargetID]; t != nil {
		t.setSession(ev.SessionID)
	}
}

// onDetachedFromTarget can fire multiple times per target if several
// sessions were attached to it over its lifetime.
func (h *Handler) onDetachedFromTarget(ev *target.EventDetachedFromTarget) {
	s, ok := h.sessions[ev.SessionID]
	if !ok {
		return
	}
	delete(h.sessions, ev.SessionID)
	if t := h.targets[s.targetID]; t != nil && t.session() == ev.SessionID {
		t.clearSession()
	}
}

func (h *Handler) onTargetDestroyed(ev *target.EventTargetDestroyed) {
	t, ok := h.targets[ev.TargetID]
	if !ok {
		return
	}
	delete(h.targets, ev.TargetID)

	for sid, s := range h.sessions {
		if s.targetID == ev.TargetID {
			delete(h.sessions, sid)
		}
	}
	for id, pr := range h.pending {
		if (pr.kind == pendingInternal || pr.kind == pendingNavigate) && pr.targetID == ev.TargetID {
			delete(h.pending, id)
			h.failPending(pr, ErrTargetClosed)
		}
	}

	t.close()
	for _, res := range t.navigationResults(time.Now()) {
		h.resolveNavigation(res)
	}
}

// evict sweeps the pending map and fails every entry past its deadline.
// A genuine response arriving later finds no entry and is discarded.
func (h *Handler) evict(now time.Time) {
	for id, pr := range h.pending {
		if !now.After(pr.deadline) {
			continue
		}
		delete(h.pending, id)
		h.logger.Warnf("Handler:evict", "no response for %q (call id %d) within %s", pr.method, id, h.opts.RequestTimeout)
		h.failPending(pr, fmt.Errorf("%q: %w", pr.method, ErrRequestTimeout))
	}
	for id, o := range h.orphanInitiators {
		if !now.After(o.deadline) {
			continue
		}
		delete(h.orphanInitiators, id)
		h.logger.Warnf("Handler:evict", "target %s was never announced within %s", id, h.opts.RequestTimeout)
		replyTo(o.initiator, pageResult{err: fmt.Errorf("target %s was never announced: %w", id, ErrRequestTimeout)})
	}
}

// failPending delivers a failure to whoever waits on one pending request.
func (h *Handler) failPending(pr *pendingRequest, err error) {
	switch pr.kind {
	case pendingExternal:
		replyTo(pr.reply, commandResult{err: err})
	case pendingCreateTarget:
		replyTo(pr.initiator, pageResult{err: err})
	case pendingNavigate:
		h.failNavigation(pr.navigationID, pr.targetID, err)
	case pendingInternal:
		if t := h.targets[pr.targetID]; t != nil {
			t.onCommandTimeout(pr.method)
		}
	}
}

// shutdown fails every still-pending request, navigation and initiator
// before the loop exits; nothing is silently dropped.
func (h *Handler) shutdown(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}
	for id, pr := range h.pending {
		delete(h.pending, id)
		h.failPending(pr, err)
	}
	for id, ch := range h.navigations {
		delete(h.navigations, id)
		replyTo(ch, gotoResult{err: err})
	}
	for id, o := range h.orphanInitiators {
		delete(h.orphanInitiators, id)
		replyTo(o.initiator, pageResult{err: err})
	}
	for _, t := range h.targets {
		t.notifyInitiator(pageResult{err: err})
	}
	h.closeOnce.Do(func() { close(h.done) })
	h.conn.Close()
}

// send funnels a caller message into the handler loop.
func (h *Handler) send(ctx context.Context, msg any) error {
	select {
	case h.fromCaller <- msg:
		return nil
	case <-h.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute implements cdp.Executor: it issues one raw command through the
// handler loop and decodes the typed result. Abandoning the context leaves
// the remote request in flight; its reply is dropped when it arrives.
func (h *Handler) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return h.execute(ctx, method, "", params, res)
}

func (h *Handler) execute(
	ctx context.Context, method string, sessionID target.SessionID,
	params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	var buf easyjson.RawMessage
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return fmt.Errorf("marshaling %q params: %w", method, err)
		}
	}

	reply := make(chan commandResult, 1)
	msg := msgCommand{method: method, sessionID: sessionID, params: buf, reply: reply}
	if err := h.send(ctx, msg); err != nil {
		return err
	}

	select {
	case r := <-reply:
		switch {
		case r.err != nil:
			return r.err
		case r.msg.Error != nil:
			return r.msg.Error
		case res != nil:
			return easyjson.Unmarshal(r.msg.Result, res)
		}
		return nil
	case <-h.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
