package entitlements

import (
	"testing"
	"time"
)

func fixtureCatalog() *Catalog {
	return MustCatalog(
		Plan{
			ID:    PlanAIEssentials,
			Name:  "AI Essentials",
			Price: 9.99,
			Features: []Feature{
				{ID: FeatureAICoachBasic, Included: true, Limit: limit(50)},
				{ID: FeatureCodeAnalysisUnlimited, Included: true, Unlimited: true},
				{ID: FeatureInterviewPrep, Included: false, Limit: limit(5)},
				{ID: FeatureProjects, Included: true},
			},
		},
	)
}

func activeSub(aiCoach int) *Subscription {
	return &Subscription{
		UserID: "u1",
		PlanID: PlanAIEssentials,
		Status: StatusActive,
		Usage:  UsageCounters{AICoachMessages: aiCoach},
	}
}

func TestEvaluator_BasicLimitBelowBoundary(t *testing.T) {
	e := NewEvaluator(fixtureCatalog())
	sub := activeSub(49)

	if !e.CanUseFeature(sub, FeatureAICoachBasic) {
		t.Fatalf("CanUseFeature(%q) = false, want true", FeatureAICoachBasic)
	}
	if got := e.GetUsage(sub, FeatureAICoachBasic); got != 49 {
		t.Fatalf("GetUsage(%q) = %d, want 49", FeatureAICoachBasic, got)
	}
	got, ok := e.GetLimit(sub, FeatureAICoachBasic)
	if !ok || got != 50 {
		t.Fatalf("GetLimit(%q) = (%d, %v), want (50, true)", FeatureAICoachBasic, got, ok)
	}
}

func TestEvaluator_LimitReachedBlocks(t *testing.T) {
	e := NewEvaluator(fixtureCatalog())
	sub := activeSub(50)

	if !e.HasFeature(sub, FeatureAICoachBasic) {
		t.Fatalf("HasFeature(%q) = false, want true", FeatureAICoachBasic)
	}
	if e.CanUseFeature(sub, FeatureAICoachBasic) {
		t.Fatalf("CanUseFeature(%q) at usage == limit = true, want false", FeatureAICoachBasic)
	}
}

func TestEvaluator_ExpiredSubscriptionFailsClosed(t *testing.T) {
	e := NewEvaluator(fixtureCatalog())
	sub := activeSub(49)
	sub.Status = StatusExpired

	if e.HasFeature(sub, FeatureAICoachBasic) {
		t.Fatal("HasFeature on expired subscription = true, want false")
	}
	if e.CanUseFeature(sub, FeatureAICoachBasic) {
		t.Fatal("CanUseFeature on expired subscription = true, want false")
	}
}

func TestEvaluator_InactiveStatusDeniesEveryFeature(t *testing.T) {
	e := NewEvaluator(DefaultCatalog())
	for _, status := range []Status{StatusExpired, StatusCanceled, "", "paused"} {
		for _, planID := range []string{PlanFree, PlanAIEssentials, PlanPro, PlanTeam} {
			sub := &Subscription{UserID: "u1", PlanID: planID, Status: status}
			for _, id := range KnownFeatures() {
				if e.HasFeature(sub, id) {
					t.Errorf("HasFeature(%q) with status %q plan %q = true, want false", id, status, planID)
				}
				if e.CanUseFeature(sub, id) {
					t.Errorf("CanUseFeature(%q) with status %q plan %q = true, want false", id, status, planID)
				}
			}
		}
	}
}

func TestEvaluator_UnknownPlanFailsClosed(t *testing.T) {
	e := NewEvaluator(fixtureCatalog())
	sub := activeSub(3)
	sub.PlanID = "enterprise_legacy"

	for _, id := range append(KnownFeatures(), "not_a_feature") {
		if e.HasFeature(sub, id) {
			t.Errorf("HasFeature(%q) = true, want false", id)
		}
		if e.CanUseFeature(sub, id) {
			t.Errorf("CanUseFeature(%q) = true, want false", id)
		}
		if _, ok := e.GetLimit(sub, id); ok {
			t.Errorf("GetLimit(%q) reported a limit for an unknown plan", id)
		}
	}
	if got := e.GetUsage(sub, "not_a_feature"); got != 0 {
		t.Errorf("GetUsage(unknown feature) = %d, want 0", got)
	}
}

func TestEvaluator_NilInputsFailClosed(t *testing.T) {
	var nilEval *Evaluator
	e := NewEvaluator(nil)

	for _, ev := range []*Evaluator{nilEval, e} {
		if ev.HasFeature(nil, FeatureAICoachBasic) {
			t.Error("HasFeature(nil) = true, want false")
		}
		if ev.CanUseFeature(activeSub(0), FeatureAICoachBasic) {
			t.Error("CanUseFeature without catalog = true, want false")
		}
		if got := ev.GetUsage(nil, FeatureAICoachBasic); got != 0 {
			t.Errorf("GetUsage(nil) = %d, want 0", got)
		}
		if _, ok := ev.GetLimit(nil, FeatureAICoachBasic); ok {
			t.Error("GetLimit(nil) reported a limit")
		}
		if ev.DaysUntilExpiry(nil) != nil {
			t.Error("DaysUntilExpiry(nil) != nil")
		}
	}
}

func TestEvaluator_UnlimitedIgnoresUsage(t *testing.T) {
	e := NewEvaluator(fixtureCatalog())
	for _, used := range []int{0, 50, 1_000_000} {
		sub := activeSub(0)
		sub.Usage.CodeAnalyses = used
		if !e.CanUseFeature(sub, FeatureCodeAnalysisUnlimited) {
			t.Errorf("CanUseFeature(unlimited) with usage %d = false, want true", used)
		}
	}
}

func TestEvaluator_CanUseFeatureStrictBoundary(t *testing.T) {
	e := NewEvaluator(fixtureCatalog())
	tests := []struct {
		used int
		want bool
	}{
		{0, true},
		{1, true},
		{49, true},
		{50, false},
		{51, false},
	}
	for _, tt := range tests {
		if got := e.CanUseFeature(activeSub(tt.used), FeatureAICoachBasic); got != tt.want {
			t.Errorf("CanUseFeature with usage %d = %v, want %v", tt.used, got, tt.want)
		}
	}
}

func TestEvaluator_NotIncludedAndMissingLimit(t *testing.T) {
	e := NewEvaluator(fixtureCatalog())
	sub := activeSub(0)

	if e.HasFeature(sub, FeatureInterviewPrep) {
		t.Error("HasFeature on excluded feature = true, want false")
	}
	if e.CanUseFeature(sub, FeatureInterviewPrep) {
		t.Error("CanUseFeature on excluded feature = true, want false")
	}
	if !e.HasFeature(sub, FeatureProjects) {
		t.Error("HasFeature(projects) = false, want true")
	}
	if e.CanUseFeature(sub, FeatureProjects) {
		t.Error("CanUseFeature on a limited feature with no recorded limit = true, want false")
	}
}

func TestEvaluator_GetLimitNullCases(t *testing.T) {
	e := NewEvaluator(fixtureCatalog())
	missingPlan := activeSub(0)
	missingPlan.PlanID = "gone"

	tests := []struct {
		name    string
		sub     *Subscription
		feature string
		want    int
		wantOK  bool
	}{
		{"limited_feature", activeSub(0), FeatureAICoachBasic, 50, true},
		{"excluded_feature_keeps_limit", activeSub(0), FeatureInterviewPrep, 5, true},
		{"unlimited_feature", activeSub(0), FeatureCodeAnalysisUnlimited, 0, false},
		{"unknown_feature", activeSub(0), "nope", 0, false},
		{"feature_not_in_plan", activeSub(0), FeatureVideoGeneration, 0, false},
		{"missing_plan", missingPlan, FeatureAICoachBasic, 0, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := e.GetLimit(tt.sub, tt.feature)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("GetLimit(%q) = (%d, %v), want (%d, %v)", tt.feature, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestEvaluator_GetUsageIsIdempotent(t *testing.T) {
	e := NewEvaluator(fixtureCatalog())
	sub := activeSub(7)
	before := *sub

	for i := 0; i < 5; i++ {
		if got := e.GetUsage(sub, FeatureAICoachBasic); got != 7 {
			t.Fatalf("GetUsage call %d = %d, want 7", i, got)
		}
	}
	if *sub != before {
		t.Fatalf("GetUsage mutated the snapshot: %+v != %+v", *sub, before)
	}
}

func TestEvaluator_TiersShareUsageBucket(t *testing.T) {
	e := NewEvaluator(fixtureCatalog())
	sub := activeSub(12)

	if e.GetUsage(sub, FeatureAICoachBasic) != e.GetUsage(sub, FeatureAICoachUnlimited) {
		t.Fatal("basic and unlimited AI coach tiers should read the same bucket")
	}
}

func TestEvaluator_DerivedExpiryState(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEvaluator(fixtureCatalog(), WithClock(func() time.Time { return now }))

	sub := activeSub(0)
	if e.DaysUntilExpiry(sub) != nil {
		t.Fatal("DaysUntilExpiry without end date should be nil")
	}

	tests := []struct {
		end  time.Time
		want int
	}{
		{now.Add(24 * time.Hour), 1},
		{now.Add(36 * time.Hour), 2},
		{now.Add(time.Minute), 1},
		{now.Add(-48 * time.Hour), -2},
	}
	for _, tt := range tests {
		end := tt.end
		sub.EndDate = &end
		got := e.DaysUntilExpiry(sub)
		if got == nil || *got != tt.want {
			t.Errorf("DaysUntilExpiry(end=%s) = %v, want %d", tt.end, got, tt.want)
		}
	}

	if !e.IsActive(sub) || e.IsExpired(sub) {
		t.Error("active subscription should be active and not expired")
	}
	sub.Status = StatusExpired
	if e.IsActive(sub) || !e.IsExpired(sub) {
		t.Error("expired subscription should be expired and not active")
	}
}

func TestEvaluator_RemainingAndResolveFeature(t *testing.T) {
	e := NewEvaluator(DefaultCatalog())
	sub := &Subscription{UserID: "u1", PlanID: PlanAIEssentials, Status: StatusActive,
		Usage: UsageCounters{AICoachMessages: 60}}

	left, ok := e.Remaining(sub, FeatureAICoachBasic)
	if !ok || left != 0 {
		t.Errorf("Remaining over the limit = (%d, %v), want (0, true)", left, ok)
	}
	if got := e.ResolveFeature(sub, FeatureAICoachUnlimited, FeatureAICoachBasic); got != FeatureAICoachBasic {
		t.Errorf("ResolveFeature on AI Essentials = %q, want %q", got, FeatureAICoachBasic)
	}

	sub.PlanID = PlanPro
	if got := e.ResolveFeature(sub, FeatureAICoachUnlimited, FeatureAICoachBasic); got != FeatureAICoachUnlimited {
		t.Errorf("ResolveFeature on Pro = %q, want %q", got, FeatureAICoachUnlimited)
	}
	if got := e.ResolveFeature(nil, FeatureAICoachUnlimited, FeatureAICoachBasic); got != FeatureAICoachUnlimited {
		t.Errorf("ResolveFeature(nil) = %q, want first candidate", got)
	}
}

func TestEvaluator_SetCatalogSwapsPlans(t *testing.T) {
	e := NewEvaluator(fixtureCatalog())
	sub := &Subscription{UserID: "u1", PlanID: PlanTeam, Status: StatusActive}
	if e.HasFeature(sub, FeatureVideoGeneration) {
		t.Fatal("team plan should be unknown in fixture catalog")
	}

	e.SetCatalog(DefaultCatalog())
	if !e.HasFeature(sub, FeatureVideoGeneration) {
		t.Fatal("team plan should include video generation after catalog swap")
	}

	e.SetCatalog(nil)
	if e.Catalog() == nil {
		t.Fatal("SetCatalog(nil) should keep the existing catalog")
	}
}

func TestCheckUsage_Results(t *testing.T) {
	e := NewEvaluator(fixtureCatalog())
	tests := []struct {
		name    string
		sub     *Subscription
		feature string
		want    DecisionResult
	}{
		{"allowed", activeSub(1), FeatureAICoachBasic, ResultAllowed},
		{"over_quota", activeSub(50), FeatureAICoachBasic, ResultOverQuota},
		{"not_included", activeSub(0), FeatureInterviewPrep, ResultNotEntitled},
		{"missing_limit", activeSub(0), FeatureProjects, ResultOverQuota},
		{"nil_subscription", nil, FeatureAICoachBasic, ResultNotEntitled},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := e.CheckUsage(tt.sub, tt.feature).Result; got != tt.want {
				t.Errorf("CheckUsage(%q).Result = %q, want %q", tt.feature, got, tt.want)
			}
		})
	}
}
