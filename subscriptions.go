package mcp

import (
	"context"
	"hash/fnv"
	"iter"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"
)

// UpdateKind distinguishes ordinary change events from watch-health diagnostics.
type UpdateKind int

// UpdateKind values.
const (
	// UpdateChanged reports that a subscribed resource changed.
	UpdateChanged UpdateKind = iota
	// UpdateDegraded reports that change detection for a URI keeps failing;
	// the subscription stays active but notifications may lag.
	UpdateDegraded
)

// ResourceUpdate is one debounced change event for a subscribed resource.
type ResourceUpdate struct {
	URI       string
	Timestamp time.Time
	Kind      UpdateKind
}

// SubscriptionState tracks the health of one URI's change detection.
type SubscriptionState int

// Subscription lifecycle states.
const (
	StateUnsubscribed SubscriptionState = iota
	StateSubscribing
	StateActive
	StateDegraded
)

type watchStrategy int

const (
	strategyFileWatch watchStrategy = iota
	strategyPoll
)

// consecutive detection failures before a subscription enters Degraded
const degradedThreshold = 5

// SubscriptionManager owns the subscription lifecycle for resource URIs:
// classification into OS file watch versus adaptive polling, reference
// counting so one URI holds at most one underlying watcher regardless of
// subscriber count, and a debounce stage that collapses bursts of raw change
// signals into a bounded notification rate.
//
// A manager is created at server start and torn down with Close at server
// stop; independent instances are safe to run side by side.
type SubscriptionManager struct {
	resources ResourceProvider
	policy    AccessPolicy
	logger    *slog.Logger

	debounceWindow  time.Duration
	pollInterval    time.Duration
	pollMaxInterval time.Duration
	maxWatchers     int

	mu           sync.Mutex
	watchers     map[string]*resourceWatcher
	fileWatchers int

	rawSignals chan rawSignal
	updates    chan ResourceUpdate

	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

type rawSignal struct {
	uri  string
	kind UpdateKind
	at   time.Time
}

type resourceWatcher struct {
	uri      string
	strategy watchStrategy
	sessions map[string]struct{}

	cancel  context.CancelFunc
	stopped chan struct{}

	// mu guards state and failures. It is never held together with the
	// manager's mutex by the watcher goroutines, so teardown can wait for
	// them without deadlocking.
	mu       sync.Mutex
	state    SubscriptionState
	failures int
}

// NewSubscriptionManager creates a manager using the given provider for
// polling reads and the given policy for pre-allocation URI validation. The
// debounce loop starts immediately; callers must Close the manager when done.
func NewSubscriptionManager(
	cfg Config,
	resources ResourceProvider,
	policy AccessPolicy,
	logger *slog.Logger,
) *SubscriptionManager {
	cfg = cfg.withDefaults()
	m := &SubscriptionManager{
		resources:       resources,
		policy:          policy,
		logger:          logger.With(slog.String("component", "subscriptions")),
		debounceWindow:  cfg.DebounceWindow,
		pollInterval:    cfg.PollInterval,
		pollMaxInterval: cfg.PollMaxInterval,
		maxWatchers:     cfg.MaxWatchers,
		watchers:        make(map[string]*resourceWatcher),
		rawSignals:      make(chan rawSignal, 16),
		updates:         make(chan ResourceUpdate, 16),
		done:            make(chan struct{}),
		closed:          make(chan struct{}),
	}

	go m.run()

	return m
}

// Subscribe registers a session's interest in a URI. The access policy is
// consulted before any watch or poll resource is allocated; a rejected URI
// never creates an OS handle. The first subscriber to a URI starts its
// watcher, later subscribers only join the notification target set.
func (m *SubscriptionManager) Subscribe(sessionID, uri string) error {
	if m.policy != nil && !m.policy.IsAccessible(uri) {
		return ErrAccessDenied
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.watchers[uri]; ok {
		w.sessions[sessionID] = struct{}{}
		return nil
	}

	strategy := strategyPoll
	path, isFile := fileURIPath(uri)
	if isFile {
		if m.fileWatchers >= m.maxWatchers {
			return ErrTooManyWatchers
		}
		strategy = strategyFileWatch
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &resourceWatcher{
		uri:      uri,
		strategy: strategy,
		state:    StateActive,
		sessions: map[string]struct{}{sessionID: {}},
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
	m.watchers[uri] = w

	if strategy == strategyFileWatch {
		m.fileWatchers++
		go m.runFileWatch(ctx, w, path)
	} else {
		go m.runPoll(ctx, w)
	}

	return nil
}

// Unsubscribe drops a session's interest in a URI. When the last session
// leaves, the URI's watcher or poll task is torn down and its watcher slot
// released; other URIs are unaffected. Unknown pairs are a no-op.
func (m *SubscriptionManager) Unsubscribe(sessionID, uri string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watchers[uri]
	if !ok {
		return
	}
	delete(w.sessions, sessionID)
	if len(w.sessions) > 0 {
		return
	}

	m.teardownLocked(w)
}

// DropSession removes the session from every subscription's notification
// target set, tearing down watchers whose last subscriber it was.
func (m *SubscriptionManager) DropSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.watchers {
		if _, ok := w.sessions[sessionID]; !ok {
			continue
		}
		delete(w.sessions, sessionID)
		if len(w.sessions) == 0 {
			m.teardownLocked(w)
		}
	}
}

// SubscribersOf returns a snapshot of the session IDs subscribed to a URI.
// Fan-out iterates the snapshot so no lock is held across slow writes.
func (m *SubscriptionManager) SubscribersOf(uri string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watchers[uri]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(w.sessions))
	for id := range w.sessions {
		ids = append(ids, id)
	}
	return ids
}

// WatcherCount returns the number of active OS file watches.
func (m *SubscriptionManager) WatcherCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fileWatchers
}

// State returns the lifecycle state of a URI's subscription.
func (m *SubscriptionManager) State(uri string) SubscriptionState {
	m.mu.Lock()
	w, ok := m.watchers[uri]
	m.mu.Unlock()
	if !ok {
		return StateUnsubscribed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Updates returns an iterator over the manager's debounced change events. The
// sequence is infinite until the manager is closed and is meant for a single
// consuming loop, which fans events out to subscribed sessions.
func (m *SubscriptionManager) Updates() iter.Seq[ResourceUpdate] {
	return func(yield func(ResourceUpdate) bool) {
		for {
			select {
			case <-m.done:
				return
			case u := <-m.updates:
				if !yield(u) {
					return
				}
			}
		}
	}
}

// Close tears down every watcher and stops the debounce loop. It is safe to
// call more than once.
func (m *SubscriptionManager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		for _, w := range m.watchers {
			m.teardownLocked(w)
		}
		m.mu.Unlock()

		close(m.done)
		<-m.closed
	})
}

// teardownLocked cancels the watcher's task and waits for it to exit before
// releasing its slot, so a new subscribe to the same URI can never observe
// two live watches. Callers hold m.mu.
func (m *SubscriptionManager) teardownLocked(w *resourceWatcher) {
	w.cancel()
	<-w.stopped
	if w.strategy == strategyFileWatch {
		m.fileWatchers--
	}
	w.mu.Lock()
	w.state = StateUnsubscribed
	w.mu.Unlock()
	delete(m.watchers, w.uri)
}

func (m *SubscriptionManager) runFileWatch(ctx context.Context, w *resourceWatcher, path string) {
	defer close(w.stopped)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.pollInterval
	bo.MaxInterval = m.pollMaxInterval

	for {
		watcher, err := fsnotify.NewWatcher()
		if err == nil {
			if err = watcher.Add(path); err != nil {
				// Best-effort close; the handle never became useful.
				_ = watcher.Close()
			}
		}
		if err != nil {
			m.noteFailure(w, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
				continue
			}
		}

		m.noteSuccess(w)
		bo.Reset()

		if !m.consumeWatchEvents(ctx, w, watcher) {
			_ = watcher.Close()
			return
		}
		// The watch ended without cancellation (file removed or renamed, or
		// the event channel closed); re-establish it after a delay.
		_ = watcher.Close()
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// consumeWatchEvents forwards raw fsnotify events for one watch until the
// context is cancelled (returns false) or the watch must be re-established
// (returns true).
func (m *SubscriptionManager) consumeWatchEvents(
	ctx context.Context,
	w *resourceWatcher,
	watcher *fsnotify.Watcher,
) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-watcher.Events:
			if !ok {
				return true
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) != 0 {
				m.signal(ctx, w.uri, UpdateChanged)
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// The kernel watch dies with the inode; surface the change and
				// re-attach so a recreated file keeps notifying.
				m.signal(ctx, w.uri, UpdateChanged)
				return true
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return true
			}
			m.logger.Debug("file watch error",
				slog.String("uri", w.uri),
				slog.String("err", err.Error()))
		}
	}
}

func (m *SubscriptionManager) runPoll(ctx context.Context, w *resourceWatcher) {
	defer close(w.stopped)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.pollInterval
	bo.MaxInterval = m.pollMaxInterval

	var lastHash uint64
	primed := false

	// Prime the baseline so the act of subscribing does not emit a change.
	if h, err := m.readHash(ctx, w.uri); err == nil {
		lastHash = h
		primed = true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}

		h, err := m.readHash(ctx, w.uri)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.noteFailure(w, err)
			continue
		}

		m.noteSuccess(w)
		bo.Reset()

		if primed && h != lastHash {
			m.signal(ctx, w.uri, UpdateChanged)
		}
		lastHash = h
		primed = true
	}
}

func (m *SubscriptionManager) readHash(ctx context.Context, uri string) (uint64, error) {
	result, err := m.resources.ReadResource(ctx, uri)
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	for _, c := range result.Contents {
		h.Write([]byte(c.URI))
		h.Write([]byte(c.Text))
		h.Write([]byte(c.Blob))
	}
	return h.Sum64(), nil
}

// noteFailure counts consecutive detection failures and flips the
// subscription to Degraded past the threshold, emitting a diagnostic event
// instead of hiding the failure. The subscription stays logically active.
func (m *SubscriptionManager) noteFailure(w *resourceWatcher, err error) {
	w.mu.Lock()
	w.failures++
	degraded := w.failures == degradedThreshold
	if degraded {
		w.state = StateDegraded
	}
	w.mu.Unlock()

	m.logger.Debug("change detection failed",
		slog.String("uri", w.uri),
		slog.String("err", err.Error()))

	if degraded {
		m.logger.Warn("subscription degraded", slog.String("uri", w.uri))
		select {
		case m.rawSignals <- rawSignal{uri: w.uri, kind: UpdateDegraded, at: time.Now()}:
		case <-m.done:
		}
	}
}

func (m *SubscriptionManager) noteSuccess(w *resourceWatcher) {
	w.mu.Lock()
	w.failures = 0
	if w.state == StateDegraded {
		w.state = StateActive
	}
	w.mu.Unlock()
}

func (m *SubscriptionManager) signal(ctx context.Context, uri string, kind UpdateKind) {
	select {
	case m.rawSignals <- rawSignal{uri: uri, kind: kind, at: time.Now()}:
	case <-ctx.Done():
	case <-m.done:
	}
}

// run is the debounce stage: raw change signals for one URI arriving within
// the window collapse into a single emitted event at the window's end.
// Diagnostic signals bypass the window since they are already rate-limited by
// the failure threshold.
func (m *SubscriptionManager) run() {
	defer close(m.closed)

	deadlines := make(map[string]time.Time)
	timer := time.NewTimer(m.debounceWindow)
	if !timer.Stop() {
		<-timer.C
	}
	timerSet := false

	rearm := func() {
		if timerSet {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timerSet = false
		}
		var earliest time.Time
		for _, dl := range deadlines {
			if earliest.IsZero() || dl.Before(earliest) {
				earliest = dl
			}
		}
		if !earliest.IsZero() {
			timer.Reset(time.Until(earliest))
			timerSet = true
		}
	}

	for {
		select {
		case <-m.done:
			return
		case sig := <-m.rawSignals:
			if sig.kind == UpdateDegraded {
				m.emit(ResourceUpdate{URI: sig.uri, Timestamp: sig.at, Kind: UpdateDegraded})
				continue
			}
			if _, ok := deadlines[sig.uri]; !ok {
				deadlines[sig.uri] = sig.at.Add(m.debounceWindow)
				rearm()
			}
		case <-timer.C:
			timerSet = false
			now := time.Now()
			for uri, dl := range deadlines {
				if dl.After(now) {
					continue
				}
				delete(deadlines, uri)
				m.emit(ResourceUpdate{URI: uri, Timestamp: now, Kind: UpdateChanged})
			}
			rearm()
		}
	}
}

func (m *SubscriptionManager) emit(u ResourceUpdate) {
	select {
	case m.updates <- u:
	case <-m.done:
	}
}

// fileURIPath resolves a file:// URI to its filesystem path. Anything else is
// treated as a dynamic resource and polled.
func fileURIPath(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	if u.Path == "" {
		return "", false
	}
	return u.Path, true
}
