package live

import (
	"context"
	"sync"

	"github.com/codexlearn/codex/internal/metrics"
	"github.com/codexlearn/codex/internal/store"
	"github.com/codexlearn/codex/pkg/entitlements"
)

// Manager shares one Watcher per user among many consumers.
type Manager struct {
	store     store.Store
	evaluator *entitlements.Evaluator

	mu       sync.Mutex
	watchers map[string]*managed
}

type managed struct {
	watcher *Watcher
	refs    int
}

// NewManager creates a manager over st.
func NewManager(st store.Store, e *entitlements.Evaluator) *Manager {
	return &Manager{store: st, evaluator: e, watchers: make(map[string]*managed)}
}

// Acquire returns the user's watcher and a release function. The watcher is
// closed when the last holder releases it.
func (m *Manager) Acquire(ctx context.Context, userID string) (*Watcher, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.watchers[userID]
	if !ok {
		w, err := Watch(ctx, m.store, m.evaluator, userID)
		if err != nil {
			return nil, nil, err
		}
		entry = &managed{watcher: w}
		m.watchers[userID] = entry
		metrics.LiveWatchers.Set(float64(len(m.watchers)))
	}
	entry.refs++

	var once sync.Once
	release := func() {
		once.Do(func() { m.release(userID, entry) })
	}
	return entry.watcher, release, nil
}

func (m *Manager) release(userID string, entry *managed) {
	m.mu.Lock()
	entry.refs--
	last := entry.refs <= 0 && m.watchers[userID] == entry
	if last {
		delete(m.watchers, userID)
		metrics.LiveWatchers.Set(float64(len(m.watchers)))
	}
	m.mu.Unlock()
	if last {
		entry.watcher.Close()
	}
}

// RefreshAll recomputes every watcher's payload, for example after the plan
// catalog changes.
func (m *Manager) RefreshAll() {
	m.mu.Lock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, e := range m.watchers {
		ws = append(ws, e.watcher)
	}
	m.mu.Unlock()
	for _, w := range ws {
		w.Refresh()
	}
}

// Len returns the number of active watchers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// Close closes every watcher.
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.watchers
	m.watchers = make(map[string]*managed)
	metrics.LiveWatchers.Set(0)
	m.mu.Unlock()
	for _, e := range all {
		e.watcher.Close()
	}
}
