package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/codexlearn/codex/internal/ai"
	"github.com/codexlearn/codex/internal/billing"
	"github.com/codexlearn/codex/internal/logging"
	"github.com/codexlearn/codex/internal/report"
	"github.com/codexlearn/codex/internal/store"
	"github.com/codexlearn/codex/pkg/entitlements"
)

func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": rt.version})
}

func (rt *Router) handlePlans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]entitlements.Plan{"plans": rt.evaluator.Catalog().Plans()})
}

// payloadFor returns the caller's payload. Store failures yield the locked
// payload rather than an error.
func (rt *Router) payloadFor(ctx context.Context, userID string) (*entitlements.Subscription, entitlements.Payload) {
	sub, err := rt.billing.Ensure(ctx, userID)
	if err != nil {
		logger := logging.FromContext(ctx)
		logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load subscription, serving locked entitlements")
		return nil, rt.evaluator.BuildPayload(nil)
	}
	return sub, rt.evaluator.BuildPayload(sub)
}

func (rt *Router) handleEntitlements(w http.ResponseWriter, r *http.Request) {
	_, payload := rt.payloadFor(r.Context(), userIDFrom(r.Context()))
	writeJSON(w, http.StatusOK, payload)
}

type featureResponse struct {
	Feature    string `json:"feature"`
	HasFeature bool   `json:"hasFeature"`
	CanUse     bool   `json:"canUse"`
	Usage      int    `json:"usage"`
	Limit      *int   `json:"limit"`
	Unlimited  bool   `json:"unlimited"`
	State      string `json:"state"`
}

func newFeatureResponse(fs entitlements.FeatureStatus) featureResponse {
	return featureResponse{
		Feature:    fs.ID,
		HasFeature: fs.HasFeature,
		CanUse:     fs.CanUse,
		Usage:      fs.Usage,
		Limit:      fs.Limit,
		Unlimited:  fs.Unlimited,
		State:      fs.State,
	}
}

func (rt *Router) handleFeature(w http.ResponseWriter, r *http.Request) {
	featureID := chi.URLParam(r, "feature")
	sub, _ := rt.payloadFor(r.Context(), userIDFrom(r.Context()))
	writeJSON(w, http.StatusOK, newFeatureResponse(rt.evaluator.FeatureStatus(sub, featureID)))
}

func (rt *Router) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var req billing.UpgradeRequest
	if !rt.decode(w, r, &req) {
		return
	}
	if _, err := rt.billing.Upgrade(r.Context(), userIDFrom(r.Context()), req.PlanID, entitlements.Interval(req.Interval)); err != nil {
		rt.writeServiceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, billing.Result{Success: true})
}

func (rt *Router) handleCancel(w http.ResponseWriter, r *http.Request) {
	if _, err := rt.billing.Cancel(r.Context(), userIDFrom(r.Context())); err != nil {
		rt.writeServiceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, billing.Result{Success: true})
}

type usageRequest struct {
	Amount int `json:"amount,omitempty" validate:"omitempty,min=1,max=100"`
}

func (rt *Router) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	featureID := chi.URLParam(r, "feature")
	if _, ok := entitlements.BucketFor(featureID); !ok {
		entitlements.WriteFeatureRequired(w, featureID, "Unknown feature.", entitlements.UpgradeURLForFeature)
		return
	}
	var req usageRequest
	if !rt.decode(w, r, &req) {
		return
	}
	userID := userIDFrom(r.Context())
	if _, err := rt.billing.Ensure(r.Context(), userID); err != nil {
		rt.writeServiceError(w, r, err, featureID)
		return
	}
	sub, err := rt.billing.RecordUsage(r.Context(), userID, featureID, req.Amount)
	if err != nil {
		rt.writeServiceError(w, r, err, featureID)
		return
	}
	writeJSON(w, http.StatusOK, newFeatureResponse(rt.evaluator.FeatureStatus(sub, featureID)))
}

type redeemRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

func (rt *Router) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !rt.decode(w, r, &req) {
		return
	}
	sub, err := rt.billing.Redeem(r.Context(), userIDFrom(r.Context()), req.Code)
	if err != nil {
		rt.writeServiceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, rt.evaluator.BuildPayload(sub))
}

func (rt *Router) statement(r *http.Request) *report.Statement {
	sub, payload := rt.payloadFor(r.Context(), userIDFrom(r.Context()))
	return report.NewStatement(sub, payload, rt.now())
}

func (rt *Router) handleStatementPDF(w http.ResponseWriter, r *http.Request) {
	out, err := report.PDF(rt.statement(r))
	if err != nil {
		rt.writeServiceError(w, r, err, "")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="usage-statement.pdf"`)
	_, _ = w.Write(out)
}

func (rt *Router) handleStatementCSV(w http.ResponseWriter, r *http.Request) {
	out, err := report.CSV(rt.statement(r))
	if err != nil {
		rt.writeServiceError(w, r, err, "")
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="usage-statement.csv"`)
	_, _ = w.Write(out)
}

type createCodesRequest struct {
	PlanID string `json:"planId" validate:"required"`
	Days   int    `json:"days" validate:"required,min=1,max=3650"`
	Count  int    `json:"count" validate:"required,min=1,max=500"`
}

func (rt *Router) handleCreateCodes(w http.ResponseWriter, r *http.Request) {
	var req createCodesRequest
	if !rt.decode(w, r, &req) {
		return
	}
	codes, err := rt.billing.CreateAccessCodes(r.Context(), req.PlanID, req.Days, req.Count)
	if err != nil {
		rt.writeServiceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, map[string][]store.AccessCode{"codes": codes})
}

type grantRequest struct {
	PlanID string `json:"planId" validate:"required"`
	Days   int    `json:"days" validate:"min=0,max=3650"`
}

func (rt *Router) handleGrant(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "user"))
	var req grantRequest
	if !rt.decode(w, r, &req) {
		return
	}
	sub, err := rt.billing.Grant(r.Context(), userID, req.PlanID, req.Days)
	if err != nil {
		rt.writeServiceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, rt.evaluator.BuildPayload(sub))
}

func (rt *Router) handleRenew(w http.ResponseWriter, r *http.Request) {
	sub, err := rt.billing.Renew(r.Context(), strings.TrimSpace(chi.URLParam(r, "user")))
	if err != nil {
		rt.writeServiceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, rt.evaluator.BuildPayload(sub))
}

// writeServiceError maps service errors to responses. feature names the
// capability for 402 responses.
func (rt *Router) writeServiceError(w http.ResponseWriter, r *http.Request, err error, feature string) {
	var qe *billing.QuotaError
	switch {
	case errors.As(err, &qe):
		entitlements.WriteQuotaExceeded(w, qe.Feature, qe.Limit, qe.Used, entitlements.UpgradeURLForFeature)
	case errors.Is(err, billing.ErrNotEntitled):
		entitlements.WriteFeatureRequired(w, feature,
			fmt.Sprintf("%s is not included in your plan.", entitlements.FeatureDisplayName(feature)),
			entitlements.UpgradeURLForFeature)
	case errors.Is(err, billing.ErrUnknownPlan):
		writeErrorResponse(w, r, http.StatusBadRequest, "unknown_plan", "Unknown plan", nil)
	case errors.Is(err, billing.ErrCodeInvalid):
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_code", "Access code is invalid or already redeemed", nil)
	case errors.Is(err, billing.ErrInvalidTransition):
		writeErrorResponse(w, r, http.StatusConflict, "invalid_transition", "Subscription cannot change to the requested state", nil)
	case errors.Is(err, billing.ErrNoSubscription):
		writeErrorResponse(w, r, http.StatusNotFound, "no_subscription", "No subscription", nil)
	case errors.Is(err, ai.ErrVideoUnavailable):
		writeErrorResponse(w, r, http.StatusServiceUnavailable, "unavailable", "Video generation is not available", nil)
	case errors.Is(err, ai.ErrPollExhausted):
		writeErrorResponse(w, r, http.StatusGatewayTimeout, "generation_timeout", "Generation did not finish in time", nil)
	case errors.Is(err, ai.ErrInvalidOutput):
		writeErrorResponse(w, r, http.StatusBadGateway, "invalid_output", "The model returned an unusable response", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeErrorResponse(w, r, http.StatusServiceUnavailable, "canceled", "Request canceled", nil)
	default:
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeErrorResponse(w, r, http.StatusInternalServerError, "internal_error", "An unexpected error occurred", nil)
	}
}
