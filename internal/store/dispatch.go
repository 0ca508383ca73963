package store

import (
	"sync"

	"github.com/codexlearn/codex/pkg/entitlements"
)

type event struct {
	sub *entitlements.Subscription
	err error
}

// dispatcher fans committed documents out to per-user registrations. Each
// registration drains its own queue on a dedicated goroutine so a slow
// listener never blocks writers or other listeners.
type dispatcher struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]*registration
	nextID uint64
	closed bool
}

type registration struct {
	fn   Listener
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu          sync.Mutex
	queue       []event
	delivered   bool
	lastVersion int64
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[string]map[uint64]*registration)}
}

// register adds fn for userID. The returned cancel is idempotent.
func (d *dispatcher) register(userID string, fn Listener) (*registration, func()) {
	r := &registration{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		r.stop()
		return r, func() {}
	}
	id := d.nextID
	d.nextID++
	if d.subs[userID] == nil {
		d.subs[userID] = make(map[uint64]*registration)
	}
	d.subs[userID][id] = r
	d.mu.Unlock()

	go r.run()

	cancel := func() {
		d.mu.Lock()
		if regs := d.subs[userID]; regs != nil {
			delete(regs, id)
			if len(regs) == 0 {
				delete(d.subs, userID)
			}
		}
		d.mu.Unlock()
		r.stop()
	}
	return r, cancel
}

// publish delivers a committed document to every listener of userID.
func (d *dispatcher) publish(userID string, sub *entitlements.Subscription) {
	d.each(userID, func(r *registration) { r.enqueue(event{sub: sub.Clone()}) })
}

// publishErr delivers a backend failure to every listener of userID.
func (d *dispatcher) publishErr(userID string, err error) {
	d.each(userID, func(r *registration) { r.enqueue(event{err: err}) })
}

// publishAll delivers a backend failure to every listener.
func (d *dispatcher) publishAll(err error) {
	d.mu.Lock()
	var regs []*registration
	for _, m := range d.subs {
		for _, r := range m {
			regs = append(regs, r)
		}
	}
	d.mu.Unlock()
	for _, r := range regs {
		r.enqueue(event{err: err})
	}
}

// watched returns the user ids with at least one listener.
func (d *dispatcher) watched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	return ids
}

func (d *dispatcher) each(userID string, fn func(*registration)) {
	d.mu.Lock()
	regs := make([]*registration, 0, len(d.subs[userID]))
	for _, r := range d.subs[userID] {
		regs = append(regs, r)
	}
	d.mu.Unlock()
	for _, r := range regs {
		fn(r)
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	all := d.subs
	d.subs = make(map[string]map[uint64]*registration)
	d.mu.Unlock()
	for _, regs := range all {
		for _, r := range regs {
			r.stop()
		}
	}
}

// enqueue appends ev unless it carries an older version than one already queued.
// An error clears the high-water mark so the next read is always delivered.
func (r *registration) enqueue(ev event) {
	r.mu.Lock()
	switch {
	case ev.err != nil:
		r.delivered = false
		r.lastVersion = 0
	case ev.sub != nil:
		if r.delivered && ev.sub.Version <= r.lastVersion {
			r.mu.Unlock()
			return
		}
		r.lastVersion = ev.sub.Version
		r.delivered = true
	default:
		r.delivered = true
	}
	r.queue = append(r.queue, ev)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *registration) run() {
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}
		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				r.mu.Unlock()
				break
			}
			ev := r.queue[0]
			r.queue[0] = event{}
			r.queue = r.queue[1:]
			r.mu.Unlock()

			select {
			case <-r.done:
				return
			default:
			}
			r.fn(ev.sub, ev.err)
		}
	}
}

func (r *registration) stop() {
	r.once.Do(func() { close(r.done) })
}
