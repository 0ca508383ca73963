package entitlements

// DecisionResult classifies a usage check.
type DecisionResult string

const (
	ResultAllowed     DecisionResult = "allowed"
	ResultNotEntitled DecisionResult = "not_entitled"
	ResultOverQuota   DecisionResult = "over_quota"
)

// UsageDecision is the outcome of CheckUsage.
type UsageDecision struct {
	Feature   string
	Result    DecisionResult
	Unlimited bool
	Used      int
	// Limit is meaningful only when HasLimit is true.
	Limit    int
	HasLimit bool
}

// Allowed reports whether the use may proceed.
func (d UsageDecision) Allowed() bool {
	return d.Result == ResultAllowed
}

// CheckUsage evaluates whether one more use of featureID is permitted and
// records the decision. A limited feature with no recorded limit is treated as
// over quota.
func (e *Evaluator) CheckUsage(sub *Subscription, featureID string) UsageDecision {
	d := e.decide(sub, featureID)
	e.record(d)
	return d
}

// decide is CheckUsage without instrumentation, for rendering payloads.
func (e *Evaluator) decide(sub *Subscription, featureID string) UsageDecision {
	d := UsageDecision{Feature: featureID, Result: ResultNotEntitled}

	f, ok := e.feature(sub, featureID)
	if !ok || !f.Included {
		return d
	}
	d.Used = e.GetUsage(sub, featureID)
	if f.Unlimited {
		d.Unlimited = true
		d.Result = ResultAllowed
		return d
	}
	if f.Limit == nil {
		d.Result = ResultOverQuota
		return d
	}
	d.Limit, d.HasLimit = *f.Limit, true
	if d.Used < d.Limit {
		d.Result = ResultAllowed
	} else {
		d.Result = ResultOverQuota
	}
	return d
}

func (e *Evaluator) record(d UsageDecision) {
	if e == nil {
		return
	}
	e.metrics.RecordDecision(d.Feature, d.Result)
}
