package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/codexlearn/codex/internal/ai"
	"github.com/codexlearn/codex/pkg/entitlements"
)

// gatedBucket is the usage bucket each gated flow draws from.
var gatedBucket = map[string]entitlements.Bucket{
	ai.FlowCoach:     entitlements.BucketAICoachMessages,
	ai.FlowAnalyze:   entitlements.BucketCodeAnalyses,
	ai.FlowInterview: entitlements.BucketInterviewPrepSessions,
	ai.FlowLesson:    entitlements.BucketLessonsGenerated,
	ai.FlowVideo:     entitlements.BucketVideosGenerated,
}

// gatedFeature names the feature tier reported in a 402 for flow: the tier the
// user's plan includes, or the entry tier when none is included.
func (rt *Router) gatedFeature(sub *entitlements.Subscription, flow string) string {
	bucket, ok := gatedBucket[flow]
	if !ok {
		return ""
	}
	return rt.evaluator.ResolveFeature(sub, entitlements.FeaturesForBucket(bucket)...)
}

func (rt *Router) handleFlow(w http.ResponseWriter, r *http.Request) {
	flow := chi.URLParam(r, "flow")
	if rt.flows == nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, "unavailable", "AI features are not configured", nil)
		return
	}

	ctx := r.Context()
	userID := userIDFrom(ctx)
	var run func(context.Context) (interface{}, error)

	switch flow {
	case ai.FlowCoach:
		var req ai.CoachRequest
		if !rt.decode(w, r, &req) {
			return
		}
		run = func(ctx context.Context) (interface{}, error) { return rt.flows.CoachReply(ctx, userID, req) }
	case ai.FlowAnalyze:
		var req ai.AnalyzeRequest
		if !rt.decode(w, r, &req) {
			return
		}
		run = func(ctx context.Context) (interface{}, error) { return rt.flows.AnalyzeCode(ctx, userID, req) }
	case ai.FlowInterview:
		var req ai.InterviewRequest
		if !rt.decode(w, r, &req) {
			return
		}
		run = func(ctx context.Context) (interface{}, error) { return rt.flows.InterviewPrep(ctx, userID, req) }
	case ai.FlowLesson:
		var req ai.LessonRequest
		if !rt.decode(w, r, &req) {
			return
		}
		run = func(ctx context.Context) (interface{}, error) { return rt.flows.GenerateLesson(ctx, userID, req) }
	case ai.FlowPath:
		var req ai.LearningPathRequest
		if !rt.decode(w, r, &req) {
			return
		}
		run = func(ctx context.Context) (interface{}, error) { return rt.flows.LearningPath(ctx, req) }
	case ai.FlowVideo:
		var req ai.VideoRequest
		if !rt.decode(w, r, &req) {
			return
		}
		run = func(ctx context.Context) (interface{}, error) { return rt.flows.GenerateVideo(ctx, userID, req) }
	default:
		writeErrorResponse(w, r, http.StatusNotFound, "unknown_flow", "Unknown AI flow", nil)
		return
	}

	// New users start on the free plan before their first charge.
	sub, err := rt.billing.Ensure(ctx, userID)
	if err != nil {
		rt.writeServiceError(w, r, err, rt.gatedFeature(nil, flow))
		return
	}
	out, err := run(ctx)
	if err != nil {
		rt.writeServiceError(w, r, err, rt.gatedFeature(sub, flow))
		return
	}
	writeJSON(w, http.StatusOK, out)
}
