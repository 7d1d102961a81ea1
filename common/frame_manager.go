package common

import (
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"

	"github.com/petrelbrowser/petrel/log"
)

// defaultNavigationTimeout is the window a navigation must complete in.
const defaultNavigationTimeout = 30 * time.Second

// Lifecycle event names reported by Page.lifecycleEvent.
const (
	lifecycleInit             = "init"
	LifecycleDOMContentLoaded = "DOMContentLoaded"
	LifecycleLoad             = "load"
	LifecycleNetworkIdle      = "networkIdle"
)

// navigationID identifies one in-progress navigation inside a handler.
type navigationID uint64

// NavigationKind reports how a completed navigation changed the frame's
// document.
type NavigationKind int

const (
	// NavigationNewDocument means the frame committed a new document (its
	// loader changed).
	NavigationNewDocument NavigationKind = iota
	// NavigationSameDocument means the frame navigated within the current
	// document (anchor jump, history API).
	NavigationSameDocument
)

func (k NavigationKind) String() string {
	if k == NavigationSameDocument {
		return "same-document"
	}
	return "new-document"
}

// Frame is one node of a target's frame tree. Parent and child links are
// frame ID references into the manager's flat map, never pointers.
type Frame struct {
	id              cdp.FrameID
	parentID        cdp.FrameID
	childFrames     map[cdp.FrameID]struct{}
	url             string
	name            string
	loaderID        cdp.LoaderID
	lifecycleEvents map[string]struct{}
}

func newFrame(id cdp.FrameID) *Frame {
	return &Frame{
		id:              id,
		childFrames:     make(map[cdp.FrameID]struct{}),
		lifecycleEvents: make(map[string]struct{}),
	}
}

// ID returns the frame's ID.
func (f *Frame) ID() cdp.FrameID { return f.id }

// URL returns the frame's current URL.
func (f *Frame) URL() string { return f.url }

// Name returns the frame's name attribute, if any.
func (f *Frame) Name() string { return f.name }

// LoaderID returns the generation marker of the frame's current document.
func (f *Frame) LoaderID() cdp.LoaderID { return f.loaderID }

func (f *Frame) navigated(cf *cdp.Frame) {
	f.name = cf.Name
	f.url = cf.URL + cf.URLFragment
	f.loaderID = cf.LoaderID
}

func (f *Frame) navigatedWithinDocument(url string) {
	f.url = url
}

func (f *Frame) onLifecycleEvent(name string, loaderID cdp.LoaderID) {
	if name == lifecycleInit {
		// A new document started loading; previous lifecycle milestones
		// belong to the old document.
		f.loaderID = loaderID
		f.lifecycleEvents = make(map[string]struct{})
	}
	f.lifecycleEvents[name] = struct{}{}
}

func (f *Frame) onLoadingStopped() {
	f.lifecycleEvents[LifecycleDOMContentLoaded] = struct{}{}
	f.lifecycleEvents[LifecycleLoad] = struct{}{}
}

func (f *Frame) hasLifecycle(expected map[string]struct{}) bool {
	for name := range expected {
		if _, ok := f.lifecycleEvents[name]; !ok {
			return false
		}
	}
	return true
}

// navigationWatcher tracks one issued navigation until it completes.
type navigationWatcher struct {
	id       navigationID
	frameID  cdp.FrameID
	expected map[string]struct{}
	// loaderID is the frame's loader at the time the navigation was
	// requested. An unchanged loader with complete lifecycle events is
	// stale bookkeeping from the previous navigation, not completion.
	loaderID cdp.LoaderID
	sameDoc  bool
	deadline time.Time
}

// navigationResult is the final outcome of one watched navigation.
type navigationResult struct {
	id   navigationID
	kind NavigationKind
	url  string
	err  error
}

// FrameManager tracks the frame tree of one target and decides when a
// requested navigation has completed.
type FrameManager struct {
	mainFrameID cdp.FrameID
	frames      map[cdp.FrameID]*Frame
	watchers    map[navigationID]*navigationWatcher
	logger      *log.Logger
}

// NewFrameManager creates an empty frame tree tracker.
func NewFrameManager(logger *log.Logger) *FrameManager {
	return &FrameManager{
		frames:   make(map[cdp.FrameID]*Frame),
		watchers: make(map[navigationID]*navigationWatcher),
		logger:   logger,
	}
}

// initCommands returns the setup sequence enabling frame and lifecycle
// tracking for one target.
func (m *FrameManager) initCommands() []chainCommand {
	return []chainCommand{
		{method: page.CommandEnable, params: mustMarshal(page.Enable())},
		{method: page.CommandGetFrameTree, params: mustMarshal(page.GetFrameTree())},
		{method: page.CommandSetLifecycleEventsEnabled, params: mustMarshal(page.SetLifecycleEventsEnabled(true))},
		{method: runtime.CommandEnable, params: mustMarshal(runtime.Enable())},
	}
}

// mainFrame returns the top-level frame, or nil before the first
// navigation or frame tree snapshot.
func (m *FrameManager) mainFrame() *Frame {
	if m.mainFrameID == "" {
		return nil
	}
	return m.frames[m.mainFrameID]
}

// frame returns the tracked frame with the given ID, or nil.
func (m *FrameManager) frame(id cdp.FrameID) *Frame {
	return m.frames[id]
}

// navigateFrame registers a watcher for the requested navigation and
// returns the Page.navigate command to submit. waitUntil defaults to the
// "load" lifecycle event.
func (m *FrameManager) navigateFrame(
	id navigationID, frameID cdp.FrameID, url, referrer string,
	waitUntil []string, now time.Time, timeout time.Duration,
) (chainCommand, error) {
	frame := m.frames[frameID]
	if frame == nil {
		return chainCommand{}, fmt.Errorf("navigating %q: %w", frameID, ErrFrameNotFound)
	}
	if len(waitUntil) == 0 {
		waitUntil = []string{LifecycleLoad}
	}
	expected := make(map[string]struct{}, len(waitUntil))
	for _, name := range waitUntil {
		expected[name] = struct{}{}
	}
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	m.watchers[id] = &navigationWatcher{
		id:       id,
		frameID:  frameID,
		expected: expected,
		loaderID: frame.loaderID,
		deadline: now.Add(timeout),
	}

	params := page.Navigate(url).WithFrameID(frameID)
	if referrer != "" {
		params = params.WithReferrer(referrer)
	}
	return chainCommand{method: page.CommandNavigate, params: mustMarshal(params)}, nil
}

// cancelNavigation drops the watcher for a navigation that was failed
// elsewhere (command timeout, protocol error, shutdown).
func (m *FrameManager) cancelNavigation(id navigationID) {
	delete(m.watchers, id)
}

// abortNavigations drops every live watcher and returns their IDs so the
// caller can fail the waiting navigations. Used when the target goes away
// and no further lifecycle events can arrive.
func (m *FrameManager) abortNavigations() []navigationID {
	ids := make([]navigationID, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
		delete(m.watchers, id)
	}
	return ids
}

// poll resolves watchers whose navigation completed or whose deadline
// passed. Each watcher resolves at most once.
func (m *FrameManager) poll(now time.Time) []navigationResult {
	var results []navigationResult
	for id, w := range m.watchers {
		res, done := m.checkWatcher(w, now)
		if !done {
			continue
		}
		delete(m.watchers, id)
		results = append(results, res)
	}
	return results
}

func (m *FrameManager) checkWatcher(w *navigationWatcher, now time.Time) (navigationResult, bool) {
	if now.After(w.deadline) {
		return navigationResult{id: w.id, err: fmt.Errorf("frame %q: %w", w.frameID, ErrNavigationTimeout)}, true
	}
	frame := m.frames[w.frameID]
	if frame == nil {
		return navigationResult{id: w.id, err: fmt.Errorf("frame %q: %w", w.frameID, ErrFrameNotFound)}, true
	}
	if !m.subtreeLifecycleComplete(frame, w.expected) {
		return navigationResult{}, false
	}
	switch {
	case frame.loaderID != w.loaderID:
		return navigationResult{id: w.id, kind: NavigationNewDocument, url: frame.url}, true
	case w.sameDoc:
		return navigationResult{id: w.id, kind: NavigationSameDocument, url: frame.url}, true
	default:
		// Lifecycle looks complete but the document generation never
		// changed and no same-document navigation arrived: these are the
		// previous document's events.
		return navigationResult{}, false
	}
}

// subtreeLifecycleComplete reports whether the frame and every tracked
// descendant have observed all expected lifecycle events.
func (m *FrameManager) subtreeLifecycleComplete(frame *Frame, expected map[string]struct{}) bool {
	if !frame.hasLifecycle(expected) {
		return false
	}
	for id := range frame.childFrames {
		child := m.frames[id]
		if child == nil {
			continue
		}
		if !m.subtreeLifecycleComplete(child, expected) {
			return false
		}
	}
	return true
}

// onFrameTree seeds the tracker from a Page.getFrameTree snapshot.
func (m *FrameManager) onFrameTree(tree *page.FrameTree) {
	if tree == nil || tree.Frame == nil {
		return
	}
	if tree.Frame.ParentID == "" {
		if err := m.onFrameNavigated(tree.Frame); err != nil {
			m.logger.Errorf("FrameManager:onFrameTree", "%s", err)
		}
	} else {
		m.onFrameAttached(tree.Frame.ID, tree.Frame.ParentID)
		if frame := m.frames[tree.Frame.ID]; frame != nil {
			frame.navigated(tree.Frame)
		}
	}
	for _, child := range tree.ChildFrames {
		m.onFrameTree(child)
	}
}

// onFrameAttached tracks a newly attached frame. Attaching an already
// tracked frame is a no-op; an unknown parent means the attach raced a
// detach and is dropped.
func (m *FrameManager) onFrameAttached(frameID, parentID cdp.FrameID) {
	if _, ok := m.frames[frameID]; ok {
		return
	}
	parent, ok := m.frames[parentID]
	if !ok {
		m.logger.Debugf("FrameManager:onFrameAttached", "frame %q attached to untracked parent %q", frameID, parentID)
		return
	}
	frame := newFrame(frameID)
	frame.parentID = parentID
	parent.childFrames[frameID] = struct{}{}
	m.frames[frameID] = frame
}

// onFrameDetached removes the frame and all its descendants.
func (m *FrameManager) onFrameDetached(frameID cdp.FrameID) {
	m.removeFramesRecursively(frameID)
}

// onFrameNavigated records a committed document navigation. A top-level
// navigation reuses the existing main frame entry so external references
// to it stay valid; its stale descendants are detached first.
func (m *FrameManager) onFrameNavigated(cf *cdp.Frame) error {
	isMainFrame := cf.ParentID == ""
	frame := m.frames[cf.ID]

	if !isMainFrame && frame == nil {
		return fmt.Errorf("navigated frame %q is not tracked: %w", cf.ID, ErrFrameNotFound)
	}

	if frame != nil {
		for id := range frame.childFrames {
			m.removeFramesRecursively(id)
		}
		frame.childFrames = make(map[cdp.FrameID]struct{})
	}

	if isMainFrame {
		if mf := m.mainFrame(); mf != nil {
			if frame == nil {
				// Cross-process navigation changed the main frame's ID.
				// Rebind the existing entry instead of allocating a new one.
				for id := range mf.childFrames {
					m.removeFramesRecursively(id)
				}
				mf.childFrames = make(map[cdp.FrameID]struct{})
				delete(m.frames, mf.id)
				mf.id = cf.ID
				frame = mf
			}
		} else {
			// Initial main frame navigation.
			frame = newFrame(cf.ID)
		}
		frame.parentID = ""
		m.frames[cf.ID] = frame
		m.mainFrameID = cf.ID
	}

	frame.navigated(cf)
	return nil
}

// onFrameNavigatedWithinDocument records a same-document navigation and
// flags any watcher waiting on the frame.
func (m *FrameManager) onFrameNavigatedWithinDocument(frameID cdp.FrameID, url string) {
	frame := m.frames[frameID]
	if frame == nil {
		return
	}
	frame.navigatedWithinDocument(url)
	for _, w := range m.watchers {
		if w.frameID == frameID {
			w.sameDoc = true
		}
	}
}

// onFrameStoppedLoading marks the load milestones for frames whose
// lifecycle events are not individually reported.
func (m *FrameManager) onFrameStoppedLoading(frameID cdp.FrameID) {
	if frame := m.frames[frameID]; frame != nil {
		frame.onLoadingStopped()
	}
}

// onLifecycleEvent records a named navigation milestone for a frame.
func (m *FrameManager) onLifecycleEvent(ev *page.EventLifecycleEvent) {
	if frame := m.frames[ev.FrameID]; frame != nil {
		frame.onLifecycleEvent(ev.Name, ev.LoaderID)
	}
}

// removeFramesRecursively drops the frame and its descendants from the
// tree, unlinking it from its parent's child set.
func (m *FrameManager) removeFramesRecursively(id cdp.FrameID) {
	frame, ok := m.frames[id]
	if !ok {
		return
	}
	delete(m.frames, id)
	for child := range frame.childFrames {
		m.removeFramesRecursively(child)
	}
	if parent, ok := m.frames[frame.parentID]; ok {
		delete(parent.childFrames, frame.id)
	}
}
