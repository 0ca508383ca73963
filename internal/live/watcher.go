// Package live keeps per-user entitlement state current by recomputing it on
// every document change delivered by the store.
package live

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/codexlearn/codex/internal/store"
	"github.com/codexlearn/codex/pkg/entitlements"
)

// ChangeFunc receives a freshly computed payload.
type ChangeFunc func(entitlements.Payload)

// Watcher holds the latest subscription snapshot for one user.
type Watcher struct {
	userID    string
	evaluator *entitlements.Evaluator

	mu        sync.RWMutex
	snapshot  *entitlements.Subscription
	payload   entitlements.Payload
	lastErr   error
	listeners map[uint64]ChangeFunc
	nextID    uint64
	closed    bool
	// ready is set once the store has delivered its first read.
	ready bool

	// notifyMu orders payload deliveries; listeners run while it is held.
	notifyMu sync.Mutex

	unsubscribe func()
	once        sync.Once
}

// Watch subscribes to userID's document. The watcher starts in the fail-closed
// state and is updated asynchronously as snapshots arrive.
func Watch(ctx context.Context, st store.Store, e *entitlements.Evaluator, userID string) (*Watcher, error) {
	if st == nil || e == nil {
		return nil, errors.New("live: store and evaluator are required")
	}
	w := &Watcher{
		userID:    userID,
		evaluator: e,
		payload:   e.BuildPayload(nil),
		listeners: make(map[uint64]ChangeFunc),
	}
	unsubscribe, err := st.Subscribe(ctx, userID, w.handle)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.unsubscribe = unsubscribe
	w.mu.Unlock()
	return w, nil
}

func (w *Watcher) handle(sub *entitlements.Subscription, err error) {
	w.notify(func() bool {
		if err != nil {
			log.Warn().Err(err).Str("user_id", w.userID).Msg("Subscription read failed, entitlements fail closed")
			w.lastErr = err
			w.snapshot = nil
			return true
		}
		if sub != nil && w.snapshot != nil && sub.Version <= w.snapshot.Version {
			return false
		}
		w.lastErr = nil
		w.snapshot = sub
		return true
	})
}

// Refresh recomputes the payload from the held snapshot, for example after a
// catalog reload, and notifies listeners.
func (w *Watcher) Refresh() {
	w.notify(func() bool { return true })
}

// notify applies update under the write lock and, when it reports a change,
// rebuilds the payload and calls listeners. Deliveries are serialized so every
// listener sees payloads in the order they were computed.
func (w *Watcher) notify(update func() bool) {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()

	w.mu.Lock()
	if w.closed || !update() {
		w.mu.Unlock()
		return
	}
	w.ready = true
	w.payload = w.evaluator.BuildPayload(w.snapshot)
	payload := w.payload
	listeners := make([]ChangeFunc, 0, len(w.listeners))
	for _, fn := range w.listeners {
		listeners = append(listeners, fn)
	}
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(payload)
	}
}

// Snapshot returns a copy of the latest subscription, or nil.
func (w *Watcher) Snapshot() *entitlements.Subscription {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshot.Clone()
}

// Payload returns the most recently computed payload.
func (w *Watcher) Payload() entitlements.Payload {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.payload
}

// Err returns the last store error, cleared by the next good snapshot.
func (w *Watcher) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

// HasFeature evaluates against the latest snapshot.
func (w *Watcher) HasFeature(featureID string) bool {
	return w.evaluator.HasFeature(w.Snapshot(), featureID)
}

// CanUseFeature evaluates against the latest snapshot.
func (w *Watcher) CanUseFeature(featureID string) bool {
	return w.evaluator.CanUseFeature(w.Snapshot(), featureID)
}

// OnChange registers fn for future payloads and returns a function that removes it.
func (w *Watcher) OnChange(fn ChangeFunc) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addListener(fn)
}

// Listen registers fn and calls it with the current payload before any later
// change is delivered to it. Before the first store read fn only receives that
// read, so it never sees the placeholder payload.
func (w *Watcher) Listen(fn ChangeFunc) func() {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()

	w.mu.Lock()
	remove := w.addListener(fn)
	deliver := !w.closed && w.ready
	payload := w.payload
	w.mu.Unlock()
	if deliver {
		fn(payload)
	}
	return remove
}

// Replay calls fn with the current payload, ordered with change deliveries.
func (w *Watcher) Replay(fn ChangeFunc) {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()
	fn(w.Payload())
}

func (w *Watcher) addListener(fn ChangeFunc) func() {
	if w.closed {
		return func() {}
	}
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

// Close unsubscribes from the store and drops listeners.
func (w *Watcher) Close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.listeners = map[uint64]ChangeFunc{}
		unsubscribe := w.unsubscribe
		w.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
	})
}
