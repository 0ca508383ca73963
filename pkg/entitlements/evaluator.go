package entitlements

import (
	"math"
	"sync/atomic"
	"time"
)

// Evaluator answers entitlement queries over subscription snapshots.
// Every query fails closed: unresolvable input yields false, zero, or no limit.
type Evaluator struct {
	catalog atomic.Pointer[Catalog]
	now     func() time.Time
	metrics *Metrics
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source used for derived expiry state.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMetrics records decisions to m.
func WithMetrics(m *Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// NewEvaluator creates an evaluator over catalog.
func NewEvaluator(catalog *Catalog, opts ...Option) *Evaluator {
	e := &Evaluator{now: time.Now}
	e.catalog.Store(catalog)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the active catalog.
func (e *Evaluator) Catalog() *Catalog {
	if e == nil {
		return nil
	}
	return e.catalog.Load()
}

// SetCatalog swaps the catalog used by subsequent queries.
func (e *Evaluator) SetCatalog(c *Catalog) {
	if e == nil || c == nil {
		return
	}
	e.catalog.Store(c)
}

// plan resolves the subscription's plan. It does not check status.
func (e *Evaluator) plan(sub *Subscription) (Plan, bool) {
	if e == nil || sub == nil {
		return Plan{}, false
	}
	return e.Catalog().PlanByID(sub.PlanID)
}

// feature resolves a feature on an active subscription's plan.
func (e *Evaluator) feature(sub *Subscription, featureID string) (Feature, bool) {
	if sub == nil || sub.Status != StatusActive {
		return Feature{}, false
	}
	p, ok := e.plan(sub)
	if !ok {
		return Feature{}, false
	}
	return p.Feature(featureID)
}

// HasFeature reports whether the subscription is active and its plan includes featureID.
func (e *Evaluator) HasFeature(sub *Subscription, featureID string) bool {
	f, ok := e.feature(sub, featureID)
	return ok && f.Included
}

// CanUseFeature reports whether one more use of featureID is allowed right now.
func (e *Evaluator) CanUseFeature(sub *Subscription, featureID string) bool {
	return e.CheckUsage(sub, featureID).Allowed()
}

// GetUsage returns the counter backing featureID. Unknown ids read as zero.
func (e *Evaluator) GetUsage(sub *Subscription, featureID string) int {
	if sub == nil {
		return 0
	}
	b, ok := BucketFor(featureID)
	if !ok {
		return 0
	}
	return sub.Usage.Get(b)
}

// GetLimit returns the configured limit for featureID. It reports false for
// unlimited features, unknown features, and unresolvable plans.
func (e *Evaluator) GetLimit(sub *Subscription, featureID string) (int, bool) {
	p, ok := e.plan(sub)
	if !ok {
		return 0, false
	}
	f, ok := p.Feature(featureID)
	if !ok || f.Unlimited || f.Limit == nil {
		return 0, false
	}
	return *f.Limit, true
}

// Remaining returns how many uses are left before featureID is blocked.
func (e *Evaluator) Remaining(sub *Subscription, featureID string) (int, bool) {
	lim, ok := e.GetLimit(sub, featureID)
	if !ok {
		return 0, false
	}
	left := lim - e.GetUsage(sub, featureID)
	if left < 0 {
		left = 0
	}
	return left, true
}

// ResolveFeature returns the first id in candidates that the subscription's
// plan includes, or the first candidate when none do.
func (e *Evaluator) ResolveFeature(sub *Subscription, candidates ...string) string {
	if len(candidates) == 0 {
		return ""
	}
	for _, id := range candidates {
		if e.HasFeature(sub, id) {
			return id
		}
	}
	return candidates[0]
}

// IsActive reports whether the subscription status is active.
func (e *Evaluator) IsActive(sub *Subscription) bool {
	return sub != nil && sub.Status == StatusActive
}

// IsExpired reports whether the subscription status is expired.
func (e *Evaluator) IsExpired(sub *Subscription) bool {
	return sub != nil && sub.Status == StatusExpired
}

// DaysUntilExpiry returns ceil((end-now)/24h), or nil when no end date is set.
func (e *Evaluator) DaysUntilExpiry(sub *Subscription) *int {
	if sub == nil || sub.EndDate == nil {
		return nil
	}
	days := daysBetween(e.clock(), *sub.EndDate)
	return &days
}

func (e *Evaluator) clock() time.Time {
	if e == nil || e.now == nil {
		return time.Now()
	}
	return e.now()
}

func daysBetween(now, end time.Time) int {
	return int(math.Ceil(end.Sub(now).Hours() / 24))
}
