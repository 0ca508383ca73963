package entitlements

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the subscription lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusCanceled:
		return true
	}
	return false
}

// Interval is a billing period length.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// ParseInterval normalizes an interval string.
func ParseInterval(s string) (Interval, error) {
	switch Interval(strings.ToLower(strings.TrimSpace(s))) {
	case IntervalMonthly, "month":
		return IntervalMonthly, nil
	case IntervalYearly, "year", "annual":
		return IntervalYearly, nil
	}
	return "", fmt.Errorf("unknown billing interval %q", s)
}

// PeriodEnd returns the end of a billing period starting at start.
func (i Interval) PeriodEnd(start time.Time) time.Time {
	if i == IntervalYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// UsageCounters holds per-capability usage within the current billing period.
type UsageCounters struct {
	AICoachMessages       int `json:"aiCoachMessages"`
	CodeAnalyses          int `json:"codeAnalyses"`
	InterviewPrepSessions int `json:"interviewPrepSessions"`
	ProjectsCreated       int `json:"projectsCreated"`
	AssignmentsSubmitted  int `json:"assignmentsSubmitted"`
	LessonsGenerated      int `json:"lessonsGenerated"`
	VideosGenerated       int `json:"videosGenerated"`
}

// Get returns the value of a bucket. Unknown buckets read as zero.
func (u UsageCounters) Get(b Bucket) int {
	if p := u.field(b); p != nil {
		return *p
	}
	return 0
}

// Add increments a bucket and reports whether the bucket exists.
func (u *UsageCounters) Add(b Bucket, n int) bool {
	p := u.field(b)
	if p == nil {
		return false
	}
	*p += n
	return true
}

// Map returns the counters keyed by bucket name.
func (u UsageCounters) Map() map[Bucket]int {
	return map[Bucket]int{
		BucketAICoachMessages:       u.AICoachMessages,
		BucketCodeAnalyses:          u.CodeAnalyses,
		BucketInterviewPrepSessions: u.InterviewPrepSessions,
		BucketProjectsCreated:       u.ProjectsCreated,
		BucketAssignmentsSubmitted:  u.AssignmentsSubmitted,
		BucketLessonsGenerated:      u.LessonsGenerated,
		BucketVideosGenerated:       u.VideosGenerated,
	}
}

func (u *UsageCounters) field(b Bucket) *int {
	switch b {
	case BucketAICoachMessages:
		return &u.AICoachMessages
	case BucketCodeAnalyses:
		return &u.CodeAnalyses
	case BucketInterviewPrepSessions:
		return &u.InterviewPrepSessions
	case BucketProjectsCreated:
		return &u.ProjectsCreated
	case BucketAssignmentsSubmitted:
		return &u.AssignmentsSubmitted
	case BucketLessonsGenerated:
		return &u.LessonsGenerated
	case BucketVideosGenerated:
		return &u.VideosGenerated
	}
	return nil
}

// Subscription is the per-user subscription document.
type Subscription struct {
	UserID     string        `json:"userId"`
	PlanID     string        `json:"planId"`
	Status     Status        `json:"status"`
	Interval   Interval      `json:"interval,omitempty"`
	StartDate  time.Time     `json:"startDate"`
	EndDate    *time.Time    `json:"endDate,omitempty"`
	CanceledAt *time.Time    `json:"canceledAt,omitempty"`
	Usage      UsageCounters `json:"usage"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	// Version is assigned by the store and increases with every committed write.
	Version int64 `json:"version"`
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	cp := *s
	cp.EndDate = cloneTimePtr(s.EndDate)
	cp.CanceledAt = cloneTimePtr(s.CanceledAt)
	return &cp
}

// Validate checks the document shape. It does not consult the catalog.
func (s *Subscription) Validate() error {
	if s == nil {
		return errors.New("subscription is nil")
	}
	var errs []error
	if strings.TrimSpace(s.UserID) == "" {
		errs = append(errs, errors.New("userId is required"))
	}
	if strings.TrimSpace(s.PlanID) == "" {
		errs = append(errs, errors.New("planId is required"))
	}
	if !s.Status.Valid() {
		errs = append(errs, fmt.Errorf("invalid status %q", s.Status))
	}
	if s.EndDate != nil && !s.StartDate.IsZero() && s.EndDate.Before(s.StartDate) {
		errs = append(errs, errors.New("endDate precedes startDate"))
	}
	for b, v := range s.Usage.Map() {
		if v < 0 {
			errs = append(errs, fmt.Errorf("usage %s is negative", b))
		}
	}
	return errors.Join(errs...)
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
