// Package billing mutates subscription documents: plan changes, cancellation,
// renewals, usage recording and access-code grants.
package billing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/codexlearn/codex/internal/metrics"
	"github.com/codexlearn/codex/internal/store"
	"github.com/codexlearn/codex/pkg/entitlements"
)

var (
	// ErrNotEntitled is returned when the plan does not include the feature.
	ErrNotEntitled = errors.New("feature not included in plan")
	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid subscription transition")
	// ErrUnknownPlan is returned for a plan id missing from the catalog.
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrCodeInvalid is returned for an unknown or already redeemed access code.
	ErrCodeInvalid = errors.New("access code is invalid or already redeemed")
	// ErrNoSubscription is returned when an operation needs an existing document.
	ErrNoSubscription = errors.New("no subscription")
)

// QuotaError reports a usage attempt past the feature's limit.
type QuotaError struct {
	Feature string
	Limit   int
	Used    int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: used %d of %d", e.Feature, e.Used, e.Limit)
}

// MaxCodesPerBatch bounds CreateAccessCodes.
const MaxCodesPerBatch = 500

// Service applies billing operations through a store.
type Service struct {
	store     store.Store
	evaluator *entitlements.Evaluator
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a billing service.
func NewService(st store.Store, e *entitlements.Evaluator, opts ...Option) *Service {
	s := &Service{store: st, evaluator: e, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) requirePlan(planID string) (entitlements.Plan, error) {
	p, ok := s.evaluator.Catalog().PlanByID(planID)
	if !ok {
		return entitlements.Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}
	return p, nil
}

// Ensure returns the user's document, creating the free subscription when none exists.
func (s *Service) Ensure(ctx context.Context, userID string) (*entitlements.Subscription, error) {
	sub, err := s.store.Update(ctx, userID, func(cur *entitlements.Subscription) (*entitlements.Subscription, error) {
		if cur != nil {
			return nil, nil
		}
		return &entitlements.Subscription{
			PlanID:    entitlements.PlanFree,
			Status:    entitlements.StatusActive,
			StartDate: s.clock(),
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ensure subscription for %s: %w", userID, err)
	}
	return sub, nil
}

// Upgrade moves the user to planID for one billing period starting now.
// Usage counters carry over within the period.
func (s *Service) Upgrade(ctx context.Context, userID, planID string, interval entitlements.Interval) (*entitlements.Subscription, error) {
	if _, err := s.requirePlan(planID); err != nil {
		return nil, err
	}
	interval, err := entitlements.ParseInterval(string(interval))
	if err != nil {
		return nil, err
	}

	sub, err := s.store.Update(ctx, userID, func(cur *entitlements.Subscription) (*entitlements.Subscription, error) {
		now := s.clock()
		next := cur
		if next == nil {
			next = &entitlements.Subscription{}
		} else if !entitlements.CanTransition(next.Status, entitlements.StatusActive) {
			return nil, transitionError(next.Status, entitlements.StatusActive)
		}
		if next.Status != entitlements.StatusActive {
			// A lapsed subscription starts a fresh period.
			next.Usage = entitlements.UsageCounters{}
		}
		end := interval.PeriodEnd(now)
		next.PlanID = planID
		next.Status = entitlements.StatusActive
		next.Interval = interval
		next.StartDate = now
		next.EndDate = &end
		next.CanceledAt = nil
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("upgrade %s to %s: %w", userID, planID, err)
	}
	metrics.RecordPlanChange("upgrade", planID)
	log.Info().Str("user_id", userID).Str("plan_id", planID).Str("interval", string(interval)).Msg("Subscription upgraded")
	return sub, nil
}

// Cancel marks the subscription canceled. The end date is left untouched.
func (s *Service) Cancel(ctx context.Context, userID string) (*entitlements.Subscription, error) {
	sub, err := s.store.Update(ctx, userID, func(cur *entitlements.Subscription) (*entitlements.Subscription, error) {
		if cur == nil {
			return nil, ErrNoSubscription
		}
		if !entitlements.CanTransition(cur.Status, entitlements.StatusCanceled) {
			return nil, transitionError(cur.Status, entitlements.StatusCanceled)
		}
		now := s.clock()
		cur.Status = entitlements.StatusCanceled
		cur.CanceledAt = &now
		return cur, nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", userID, err)
	}
	metrics.RecordPlanChange("cancel", sub.PlanID)
	log.Info().Str("user_id", userID).Str("plan_id", sub.PlanID).Msg("Subscription canceled")
	return sub, nil
}

// Renew starts a new billing period on the current plan and resets usage.
func (s *Service) Renew(ctx context.Context, userID string) (*entitlements.Subscription, error) {
	sub, err := s.store.Update(ctx, userID, func(cur *entitlements.Subscription) (*entitlements.Subscription, error) {
		if cur == nil {
			return nil, ErrNoSubscription
		}
		if !entitlements.CanTransition(cur.Status, entitlements.StatusActive) {
			return nil, transitionError(cur.Status, entitlements.StatusActive)
		}
		now := s.clock()
		cur.Status = entitlements.StatusActive
		cur.StartDate = now
		cur.CanceledAt = nil
		cur.Usage = entitlements.UsageCounters{}
		if cur.EndDate != nil {
			interval := cur.Interval
			if interval == "" {
				interval = entitlements.IntervalMonthly
			}
			end := interval.PeriodEnd(now)
			cur.EndDate = &end
		}
		return cur, nil
	})
	if err != nil {
		return nil, fmt.Errorf("renew %s: %w", userID, err)
	}
	metrics.RecordPlanChange("renew", sub.PlanID)
	return sub, nil
}

// RecordUsage adds n uses of featureID to the user's aliased bucket. It returns
// ErrNotEntitled or a *QuotaError instead of writing when the use is not allowed.
func (s *Service) RecordUsage(ctx context.Context, userID, featureID string, n int) (*entitlements.Subscription, error) {
	if n <= 0 {
		n = 1
	}
	sub, err := s.store.Update(ctx, userID, func(cur *entitlements.Subscription) (*entitlements.Subscription, error) {
		d := s.evaluator.CheckUsage(cur, featureID)
		switch {
		case d.Result == entitlements.ResultNotEntitled:
			return nil, ErrNotEntitled
		case !d.Allowed():
			return nil, &QuotaError{Feature: featureID, Limit: d.Limit, Used: d.Used}
		case d.HasLimit && d.Used+n > d.Limit:
			return nil, &QuotaError{Feature: featureID, Limit: d.Limit, Used: d.Used}
		}
		bucket, _ := entitlements.BucketFor(featureID)
		cur.Usage.Add(bucket, n)
		return cur, nil
	})
	if err != nil {
		var qe *QuotaError
		switch {
		case errors.As(err, &qe):
			metrics.RecordUsageDenied(featureID, "over_quota")
		case errors.Is(err, ErrNotEntitled):
			metrics.RecordUsageDenied(featureID, "not_entitled")
		}
		return nil, err
	}
	metrics.RecordUsage(featureID, n)
	return sub, nil
}

// ExpireDue marks active and canceled subscriptions whose end date has passed
// as expired. It returns the number of documents changed.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	subs, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	expired := 0
	for _, sub := range subs {
		if !due(sub, now) {
			continue
		}
		changed := false
		_, err := s.store.Update(ctx, sub.UserID, func(cur *entitlements.Subscription) (*entitlements.Subscription, error) {
			// Re-check under the write; the document may have been renewed.
			if !due(cur, now) {
				return nil, nil
			}
			cur.Status = entitlements.StatusExpired
			changed = true
			return cur, nil
		})
		if err != nil {
			return expired, fmt.Errorf("expire %s: %w", sub.UserID, err)
		}
		if changed {
			expired++
			metrics.RecordPlanChange("expire", sub.PlanID)
			log.Info().Str("user_id", sub.UserID).Str("plan_id", sub.PlanID).Msg("Subscription expired")
		}
	}
	return expired, nil
}

// transitionError reports a rejected status change and the changes that are allowed.
func transitionError(from, to entitlements.Status) error {
	return fmt.Errorf("%w: %s to %s (allowed from %s: %v)", ErrInvalidTransition, from, to, from, entitlements.ValidTransitionsFrom(from))
}

func due(sub *entitlements.Subscription, now time.Time) bool {
	if sub == nil || sub.EndDate == nil || sub.EndDate.After(now) {
		return false
	}
	return entitlements.CanTransition(sub.Status, entitlements.StatusExpired)
}

// CreateAccessCodes generates count codes that each grant planID for days.
func (s *Service) CreateAccessCodes(ctx context.Context, planID string, days, count int) ([]store.AccessCode, error) {
	if _, err := s.requirePlan(planID); err != nil {
		return nil, err
	}
	if days <= 0 {
		return nil, errors.New("days must be positive")
	}
	if count <= 0 || count > MaxCodesPerBatch {
		return nil, fmt.Errorf("count must be between 1 and %d", MaxCodesPerBatch)
	}

	now := s.clock()
	entropy := ulid.Monotonic(rand.Reader, 0)
	codes := make([]store.AccessCode, 0, count)
	for range count {
		id, err := ulid.New(ulid.Timestamp(now), entropy)
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		codes = append(codes, store.AccessCode{
			Code:      id.String(),
			PlanID:    planID,
			Days:      days,
			CreatedAt: now,
		})
	}
	if err := s.store.PutCodes(ctx, codes...); err != nil {
		return nil, fmt.Errorf("store access codes: %w", err)
	}
	log.Info().Str("plan_id", planID).Int("days", days).Int("count", count).Msg("Access codes created")
	return codes, nil
}

// Redeem grants the code's plan to userID for the code's duration. The code is
// consumed in the same write.
func (s *Service) Redeem(ctx context.Context, userID, code string) (*entitlements.Subscription, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, ErrCodeInvalid
	}
	sub, err := s.store.RedeemCode(ctx, code, userID, func(ac store.AccessCode, cur *entitlements.Subscription) (*entitlements.Subscription, error) {
		if _, err := s.requirePlan(ac.PlanID); err != nil {
			return nil, err
		}
		next := cur
		if next == nil {
			next = &entitlements.Subscription{}
		} else if !entitlements.CanTransition(next.Status, entitlements.StatusActive) {
			return nil, transitionError(next.Status, entitlements.StatusActive)
		}
		now := s.clock()
		end := now.AddDate(0, 0, ac.Days)
		if next.Status != entitlements.StatusActive {
			next.Usage = entitlements.UsageCounters{}
		}
		next.PlanID = ac.PlanID
		next.Status = entitlements.StatusActive
		next.Interval = ""
		next.StartDate = now
		next.EndDate = &end
		next.CanceledAt = nil
		return next, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrCodeNotFound) || errors.Is(err, store.ErrCodeRedeemed) {
			return nil, ErrCodeInvalid
		}
		return nil, fmt.Errorf("redeem code for %s: %w", userID, err)
	}
	metrics.RecordPlanChange("redeem", sub.PlanID)
	log.Info().Str("user_id", userID).Str("plan_id", sub.PlanID).Msg("Access code redeemed")
	return sub, nil
}

// Grant sets the user's plan for days without a code. Used by administrators.
func (s *Service) Grant(ctx context.Context, userID, planID string, days int) (*entitlements.Subscription, error) {
	if _, err := s.requirePlan(planID); err != nil {
		return nil, err
	}
	sub, err := s.store.Update(ctx, userID, func(cur *entitlements.Subscription) (*entitlements.Subscription, error) {
		next := cur
		if next == nil {
			next = &entitlements.Subscription{}
		}
		now := s.clock()
		next.PlanID = planID
		next.Status = entitlements.StatusActive
		next.Interval = ""
		next.StartDate = now
		next.CanceledAt = nil
		next.EndDate = nil
		if days > 0 {
			end := now.AddDate(0, 0, days)
			next.EndDate = &end
		}
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("grant %s to %s: %w", planID, userID, err)
	}
	metrics.RecordPlanChange("grant", planID)
	log.Info().Str("user_id", userID).Str("plan_id", planID).Int("days", days).Msg("Plan granted")
	return sub, nil
}
