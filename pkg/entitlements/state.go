package entitlements

import "slices"

// Access categorizes what a user may do in a given status.
type Access string

const (
	AccessFull     Access = "full"     // Plan features available
	AccessReadOnly Access = "readonly" // Existing work visible, gated actions blocked
)

// StatusBehavior describes what a subscription status allows.
type StatusBehavior struct {
	Status            Status
	Access            Access
	FeaturesAvailable bool
	ShowWarning       bool
	Description       string
}

// StatusBehaviors maps each status to its behavior.
var StatusBehaviors = map[Status]StatusBehavior{
	StatusActive: {
		Status:            StatusActive,
		Access:            AccessFull,
		FeaturesAvailable: true,
		Description:       "Plan features active within their limits.",
	},
	StatusExpired: {
		Status:      StatusExpired,
		Access:      AccessReadOnly,
		ShowWarning: true,
		Description: "Billing period ended; renew to restore features.",
	},
	StatusCanceled: {
		Status:      StatusCanceled,
		Access:      AccessReadOnly,
		ShowWarning: true,
		Description: "Subscription canceled; plan features revoked.",
	},
}

// BehaviorFor returns the behavior for s. Unknown statuses behave as expired.
func BehaviorFor(s Status) StatusBehavior {
	if b, ok := StatusBehaviors[s]; ok {
		return b
	}
	return StatusBehaviors[StatusExpired]
}

// Transition is a status change.
type Transition struct {
	From Status
	To   Status
}

var validTransitions = map[Transition]bool{
	{StatusActive, StatusExpired}:   true, // Billing period ended
	{StatusActive, StatusCanceled}:  true, // User canceled
	{StatusActive, StatusActive}:    true, // Plan change or renewal
	{StatusExpired, StatusActive}:   true, // Renewal or upgrade
	{StatusCanceled, StatusActive}:  true, // Resubscribe
	{StatusCanceled, StatusExpired}: true, // Canceled period ran out
}

// CanTransition reports whether a status change is allowed.
func CanTransition(from, to Status) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns the allowed targets from a status, sorted.
func ValidTransitionsFrom(from Status) []Status {
	targets := make([]Status, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}
