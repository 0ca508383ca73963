package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/codexlearn/codex/pkg/entitlements"
)

// MemoryStore is an in-process Store. It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]*entitlements.Subscription
	codes    map[string]*AccessCode
	now      func() time.Time
	dispatch *dispatcher
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]*entitlements.Subscription),
		codes:    make(map[string]*AccessCode),
		now:      time.Now,
		dispatch: newDispatcher(),
	}
}

// Get returns a copy of the user's document.
func (m *MemoryStore) Get(ctx context.Context, userID string) (*entitlements.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	doc, ok := m.docs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

// Subscribe registers fn and delivers the current document immediately.
func (m *MemoryStore) Subscribe(ctx context.Context, userID string, fn Listener) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	r, cancel := m.dispatch.register(userID, fn)
	r.enqueue(event{sub: m.docs[userID].Clone()})
	return cancel, nil
}

// Update applies fn atomically.
func (m *MemoryStore) Update(ctx context.Context, userID string, fn UpdateFunc) (*entitlements.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.applyLocked(userID, fn)
}

func (m *MemoryStore) applyLocked(userID string, fn UpdateFunc) (*entitlements.Subscription, error) {
	prev := m.docs[userID]
	next, err := fn(prev.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return prev.Clone(), nil
	}
	doc, err := prepare(userID, prev, next, m.now())
	if err != nil {
		return nil, err
	}
	m.docs[userID] = doc
	m.dispatch.publish(userID, doc)
	return doc.Clone(), nil
}

// List returns every document ordered by user id.
func (m *MemoryStore) List(ctx context.Context) ([]*entitlements.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*entitlements.Subscription, 0, len(m.docs))
	for _, doc := range m.docs {
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// PutCodes stores access codes, replacing any with the same code.
func (m *MemoryStore) PutCodes(ctx context.Context, codes ...AccessCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for i := range codes {
		m.codes[codes[i].Code] = cloneCode(&codes[i])
	}
	return nil
}

// GetCode looks up an access code.
func (m *MemoryStore) GetCode(ctx context.Context, code string) (*AccessCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	c, ok := m.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	return cloneCode(c), nil
}

// RedeemCode marks the code used and writes the resulting document.
func (m *MemoryStore) RedeemCode(ctx context.Context, code, userID string, fn RedeemFunc) (*entitlements.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	c, ok := m.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	if c.Redeemed() {
		return nil, ErrCodeRedeemed
	}
	doc, err := m.applyLocked(userID, func(cur *entitlements.Subscription) (*entitlements.Subscription, error) {
		return fn(*cloneCode(c), cur)
	})
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	c.RedeemedBy = userID
	c.RedeemedAt = &now
	return doc, nil
}

// Close stops all subscriptions. It is safe to call more than once.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.dispatch.close()
	return nil
}
