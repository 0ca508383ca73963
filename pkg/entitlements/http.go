package entitlements

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// DefaultUpgradeURL is used when no feature-specific page exists.
const DefaultUpgradeURL = "/pricing?utm_source=app&utm_medium=paywall"

// UpgradeURLResolver resolves a feature-specific upgrade URL.
type UpgradeURLResolver func(feature string) string

// UpgradeURLForFeature returns the pricing URL that highlights featureID.
func UpgradeURLForFeature(featureID string) string {
	if _, ok := featureBuckets[featureID]; !ok {
		return DefaultUpgradeURL
	}
	return DefaultUpgradeURL + "&feature=" + url.QueryEscape(featureID)
}

// WritePaymentRequired writes a JSON 402 response.
func WritePaymentRequired(w http.ResponseWriter, payload map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteFeatureRequired writes the 402 response for a feature outside the plan.
func WriteFeatureRequired(w http.ResponseWriter, feature, message string, resolveURL UpgradeURLResolver) {
	WritePaymentRequired(w, map[string]interface{}{
		"error":       "feature_required",
		"message":     message,
		"feature":     feature,
		"upgrade_url": resolve(resolveURL, feature),
	})
}

// WriteQuotaExceeded writes the 402 response for an exhausted allowance.
func WriteQuotaExceeded(w http.ResponseWriter, feature string, limit, used int, resolveURL UpgradeURLResolver) {
	WritePaymentRequired(w, map[string]interface{}{
		"error":       "quota_exceeded",
		"message":     "You have reached your " + FeatureDisplayName(feature) + " limit for this billing period.",
		"feature":     feature,
		"limit":       limit,
		"used":        used,
		"upgrade_url": resolve(resolveURL, feature),
	})
}

// WriteDecision writes the 402 matching a denied decision. It returns false
// and writes nothing when the decision allows the use.
func WriteDecision(w http.ResponseWriter, d UsageDecision, resolveURL UpgradeURLResolver) bool {
	switch d.Result {
	case ResultNotEntitled:
		WriteFeatureRequired(w, d.Feature, FeatureDisplayName(d.Feature)+" is not included in your plan.", resolveURL)
		return true
	case ResultOverQuota:
		WriteQuotaExceeded(w, d.Feature, d.Limit, d.Used, resolveURL)
		return true
	}
	return false
}

func resolve(resolveURL UpgradeURLResolver, feature string) string {
	if resolveURL == nil {
		return ""
	}
	return resolveURL(feature)
}
