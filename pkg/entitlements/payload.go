package entitlements

import "time"

// Payload is the normalized entitlement view for a single user.
// Clients should gate on Features rather than inferring access from the plan id.
type Payload struct {
	UserID string `json:"user_id,omitempty"`

	// PlanID and PlanName are for display only.
	PlanID   string `json:"plan_id,omitempty"`
	PlanName string `json:"plan_name,omitempty"`

	Status      string `json:"status"`
	Access      string `json:"access"`
	ShowWarning bool   `json:"show_warning"`
	IsActive    bool   `json:"is_active"`
	IsExpired   bool   `json:"is_expired"`

	// DaysUntilExpiry is nil when the subscription has no end date.
	DaysUntilExpiry *int    `json:"days_until_expiry,omitempty"`
	EndDate         *string `json:"end_date,omitempty"`

	Features       []FeatureStatus `json:"features"`
	UpgradeReasons []UpgradeReason `json:"upgrade_reasons"`

	// Version is the store version of the snapshot this payload was built from.
	Version int64 `json:"version"`
}

// FeatureStatus is the evaluated state of one feature.
type FeatureStatus struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	HasFeature bool   `json:"has_feature"`
	CanUse     bool   `json:"can_use"`
	Unlimited  bool   `json:"unlimited"`
	Usage      int    `json:"usage"`
	Limit      *int   `json:"limit"`
	Remaining  *int   `json:"remaining,omitempty"`
	// State is one of "ok", "warning", "enforced" or "locked".
	State string `json:"state"`
}

// UpgradeReason is a user-facing prompt to move to a higher plan.
type UpgradeReason struct {
	Feature   string `json:"feature"`
	Reason    string `json:"reason"`
	ActionURL string `json:"action_url,omitempty"`
}

// Feature returns the status for id.
func (p Payload) Feature(id string) (FeatureStatus, bool) {
	for _, f := range p.Features {
		if f.ID == id {
			return f, true
		}
	}
	return FeatureStatus{}, false
}

// BuildPayload evaluates every known feature against sub. A nil sub yields the
// locked payload.
func (e *Evaluator) BuildPayload(sub *Subscription) Payload {
	payload := Payload{
		Status:         string(StatusExpired),
		Access:         string(AccessReadOnly),
		ShowWarning:    true,
		Features:       make([]FeatureStatus, 0, len(featureBuckets)),
		UpgradeReasons: []UpgradeReason{},
	}

	if sub != nil {
		behavior := BehaviorFor(sub.Status)
		payload.UserID = sub.UserID
		payload.PlanID = sub.PlanID
		payload.Status = string(behavior.Status)
		payload.Access = string(behavior.Access)
		payload.ShowWarning = behavior.ShowWarning
		payload.IsActive = e.IsActive(sub)
		payload.IsExpired = e.IsExpired(sub)
		payload.DaysUntilExpiry = e.DaysUntilExpiry(sub)
		payload.Version = sub.Version
		if sub.EndDate != nil {
			end := sub.EndDate.UTC().Format(time.RFC3339)
			payload.EndDate = &end
		}
		if p, ok := e.plan(sub); ok {
			payload.PlanName = p.Name
		}
	}

	granted := make(map[Bucket]bool)
	for _, id := range KnownFeatures() {
		fs := e.featureStatus(sub, id)
		payload.Features = append(payload.Features, fs)
		if fs.HasFeature {
			granted[featureBuckets[id]] = true
		}
	}
	for _, fs := range payload.Features {
		// A locked tier is not worth a prompt when a sibling tier is granted.
		if fs.State == "locked" && granted[featureBuckets[fs.ID]] {
			continue
		}
		if reason, ok := upgradeReason(fs); ok {
			payload.UpgradeReasons = append(payload.UpgradeReasons, reason)
		}
	}
	return payload
}

// FeatureStatus evaluates a single feature.
func (e *Evaluator) FeatureStatus(sub *Subscription, featureID string) FeatureStatus {
	return e.featureStatus(sub, featureID)
}

func (e *Evaluator) featureStatus(sub *Subscription, id string) FeatureStatus {
	decision := e.decide(sub, id)
	fs := FeatureStatus{
		ID:         id,
		Name:       FeatureDisplayName(id),
		HasFeature: e.HasFeature(sub, id),
		CanUse:     decision.Allowed(),
		Unlimited:  decision.Unlimited,
		Usage:      e.GetUsage(sub, id),
	}
	if lim, ok := e.GetLimit(sub, id); ok {
		fs.Limit = &lim
		left, _ := e.Remaining(sub, id)
		fs.Remaining = &left
	}

	switch {
	case !fs.HasFeature:
		fs.State = "locked"
	case fs.Unlimited:
		fs.State = "ok"
	case fs.Limit == nil:
		fs.State = "enforced"
	default:
		fs.State = LimitState(fs.Usage, *fs.Limit)
	}
	return fs
}

// LimitState returns the over-limit UX state for current usage against limit.
func LimitState(current, limit int) string {
	if current >= limit {
		return "enforced"
	}
	// Small limits warn one use before the wall; larger ones at 90%.
	if limit > 1 && limit <= 10 {
		if current >= limit-1 {
			return "warning"
		}
	} else if current*10 >= limit*9 {
		return "warning"
	}
	return "ok"
}

func upgradeReason(fs FeatureStatus) (UpgradeReason, bool) {
	var reason string
	switch fs.State {
	case "locked":
		reason = fs.Name + " is not included in your current plan."
	case "enforced":
		reason = "You have used all of your " + fs.Name + " allowance for this period."
	case "warning":
		reason = "You are close to your " + fs.Name + " limit."
	default:
		return UpgradeReason{}, false
	}
	return UpgradeReason{
		Feature:   fs.ID,
		Reason:    reason,
		ActionURL: UpgradeURLForFeature(fs.ID),
	}, true
}
