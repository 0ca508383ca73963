// Package store persists subscription documents and streams their changes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/codexlearn/codex/internal/metrics"
	"github.com/codexlearn/codex/pkg/entitlements"
)

var (
	// ErrNotFound is returned when no document exists for a user.
	ErrNotFound = errors.New("subscription not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
	// ErrCodeNotFound is returned for an unknown access code.
	ErrCodeNotFound = errors.New("access code not found")
	// ErrCodeRedeemed is returned when an access code was already used.
	ErrCodeRedeemed = errors.New("access code already redeemed")
)

// Listener receives the current document after registration and after every
// committed change. sub is nil when no document exists. Backend failures are
// delivered as (nil, err).
type Listener func(sub *entitlements.Subscription, err error)

// UpdateFunc computes the next document from a copy of the current one (nil
// when absent). Returning a nil document leaves the store unchanged.
type UpdateFunc func(cur *entitlements.Subscription) (*entitlements.Subscription, error)

// RedeemFunc computes the document that results from redeeming code.
type RedeemFunc func(code AccessCode, cur *entitlements.Subscription) (*entitlements.Subscription, error)

// AccessCode grants a plan for a fixed number of days when redeemed.
type AccessCode struct {
	Code       string     `json:"code"`
	PlanID     string     `json:"planId"`
	Days       int        `json:"days"`
	CreatedAt  time.Time  `json:"createdAt"`
	RedeemedBy string     `json:"redeemedBy,omitempty"`
	RedeemedAt *time.Time `json:"redeemedAt,omitempty"`
}

// Redeemed reports whether the code has been used.
func (c AccessCode) Redeemed() bool {
	return c.RedeemedBy != ""
}

// Store is the subscription document store.
type Store interface {
	Get(ctx context.Context, userID string) (*entitlements.Subscription, error)
	Subscribe(ctx context.Context, userID string, fn Listener) (cancel func(), err error)
	Update(ctx context.Context, userID string, fn UpdateFunc) (*entitlements.Subscription, error)
	List(ctx context.Context) ([]*entitlements.Subscription, error)

	PutCodes(ctx context.Context, codes ...AccessCode) error
	GetCode(ctx context.Context, code string) (*AccessCode, error)
	// RedeemCode marks code used by userID and writes the document returned by
	// fn in the same transaction.
	RedeemCode(ctx context.Context, code, userID string, fn RedeemFunc) (*entitlements.Subscription, error)

	Close() error
}

// prepare stamps the next document for a write and validates it.
func prepare(userID string, prev, next *entitlements.Subscription, now time.Time) (*entitlements.Subscription, error) {
	doc := next.Clone()
	doc.UserID = userID
	doc.UpdatedAt = now.UTC()
	doc.Version = 1
	if prev != nil {
		doc.Version = prev.Version + 1
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func cloneCode(c *AccessCode) *AccessCode {
	if c == nil {
		return nil
	}
	cp := *c
	if c.RedeemedAt != nil {
		t := *c.RedeemedAt
		cp.RedeemedAt = &t
	}
	return &cp
}

// observe times a store operation.
func observe(backend, op string) func(error) {
	start := time.Now()
	return func(err error) { metrics.ObserveStore(backend, op, start, err) }
}
