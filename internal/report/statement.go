// Package report renders per-user usage statements.
package report

import (
	"strconv"
	"time"

	"github.com/codexlearn/codex/pkg/entitlements"
)

// Statement is the data behind a usage statement.
type Statement struct {
	UserID      string
	PlanID      string
	PlanName    string
	Status      string
	Interval    string
	PeriodStart time.Time
	PeriodEnd   *time.Time
	GeneratedAt time.Time
	Lines       []Line
}

// Line is one feature row.
type Line struct {
	Feature   string
	Name      string
	Included  bool
	Unlimited bool
	Used      int
	Limit     *int
	State     string
}

// LimitText renders the limit column.
func (l Line) LimitText() string {
	switch {
	case !l.Included:
		return "not included"
	case l.Unlimited:
		return "unlimited"
	case l.Limit == nil:
		return "-"
	}
	return strconv.Itoa(*l.Limit)
}

// NewStatement builds a statement from the user's document and its evaluated
// payload. sub may be nil.
func NewStatement(sub *entitlements.Subscription, p entitlements.Payload, now time.Time) *Statement {
	s := &Statement{
		UserID:      p.UserID,
		PlanID:      p.PlanID,
		PlanName:    p.PlanName,
		Status:      p.Status,
		GeneratedAt: now.UTC(),
	}
	if s.PlanName == "" {
		s.PlanName = s.PlanID
	}
	if sub != nil {
		s.UserID = sub.UserID
		s.Interval = string(sub.Interval)
		s.PeriodStart = sub.StartDate.UTC()
		if sub.EndDate != nil {
			end := sub.EndDate.UTC()
			s.PeriodEnd = &end
		}
	}
	for _, fs := range p.Features {
		s.Lines = append(s.Lines, Line{
			Feature:   fs.ID,
			Name:      fs.Name,
			Included:  fs.HasFeature,
			Unlimited: fs.Unlimited,
			Used:      fs.Usage,
			Limit:     fs.Limit,
			State:     fs.State,
		})
	}
	return s
}

func (s *Statement) periodText() string {
	if s.PeriodStart.IsZero() {
		return "-"
	}
	start := s.PeriodStart.Format("2006-01-02")
	if s.PeriodEnd == nil {
		return start + " onwards"
	}
	return start + " to " + s.PeriodEnd.Format("2006-01-02")
}
