package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/codexlearn/codex/internal/ai"
	"github.com/codexlearn/codex/internal/billing"
	"github.com/codexlearn/codex/internal/store"
	"github.com/codexlearn/codex/pkg/entitlements"
)

const (
	testSecret     = "0123456789abcdef0123456789abcdef"
	testAdminToken = "admin-token"
)

type testEnv struct {
	handler http.Handler
	auth    *TokenAuth
	store   *store.MemoryStore
	billing *billing.Service
}

func newTestEnv(t *testing.T, adminHash string) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	e := entitlements.NewEvaluator(entitlements.DefaultCatalog())
	svc := billing.NewService(st, e)
	auth, err := NewTokenAuth(testSecret)
	require.NoError(t, err)
	flows := ai.NewFlows(ai.NewFakeProvider(), svc,
		ai.WithPollConfig(ai.PollConfig{Interval: time.Millisecond, MaxAttempts: 5, Timeout: 5 * time.Second}))

	h := NewRouter(Config{
		Billing:        svc,
		Evaluator:      e,
		Flows:          flows,
		Auth:           auth,
		AdminTokenHash: adminHash,
		AllowedOrigins: []string{"https://*.codex.dev"},
		Version:        "test",
	})
	return &testEnv{handler: h, auth: auth, store: st, billing: svc}
}

func adminHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminToken), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := e.auth.Issue(user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthAndPlans(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/api/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var plans struct {
		Plans []entitlements.Plan `json:"plans"`
	}
	decodeBody(t, rec, &plans)
	require.Len(t, plans.Plans, 4)
	assert.Equal(t, entitlements.PlanFree, plans.Plans[0].ID)
}

func TestEntitlementsRequireAuth(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/api/entitlements", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestEntitlementsCreatesFreePlan(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/api/entitlements", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var p entitlements.Payload
	decodeBody(t, rec, &p)
	assert.Equal(t, entitlements.PlanFree, p.PlanID)
	assert.True(t, p.IsActive)

	rec = env.do(t, http.MethodGet, "/api/entitlements/interview_prep", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fs featureResponse
	decodeBody(t, rec, &fs)
	assert.Equal(t, "interview_prep", fs.Feature)
	assert.False(t, fs.HasFeature)
	assert.Equal(t, "locked", fs.State)

	rec = env.do(t, http.MethodGet, "/api/entitlements/unknown_feature", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &fs)
	assert.False(t, fs.HasFeature)
	assert.False(t, fs.CanUse)
}

func TestUpgradeAndCancel(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/subscription/upgrade", "u1", map[string]string{"planId": "pro"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	assert.Equal(t, "validation_failed", apiErr.Code)
	assert.Equal(t, "required", apiErr.Details["interval"])

	rec = env.do(t, http.MethodPost, "/api/subscription/upgrade", "u1", map[string]string{"planId": "gold", "interval": "monthly"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	decodeBody(t, rec, &apiErr)
	assert.Equal(t, "unknown_plan", apiErr.Code)

	rec = env.do(t, http.MethodPost, "/api/subscription/upgrade", "u1", map[string]string{"planId": "pro", "interval": "yearly"})
	require.Equal(t, http.StatusOK, rec.Code)
	var res billing.Result
	decodeBody(t, rec, &res)
	assert.True(t, res.Success)

	sub, err := env.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanPro, sub.PlanID)
	assert.Equal(t, entitlements.IntervalYearly, sub.Interval)

	rec = env.do(t, http.MethodPost, "/api/subscription/cancel", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/subscription/cancel", "u1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/subscription/cancel", "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordUsageQuota(t *testing.T) {
	env := newTestEnv(t, "")

	for i := 1; i <= 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/usage/projects", "u1", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var fs featureResponse
		decodeBody(t, rec, &fs)
		assert.Equal(t, i, fs.Usage)
	}

	rec := env.do(t, http.MethodPost, "/api/usage/projects", "u1", nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "quota_exceeded", body["error"])
	assert.Equal(t, "projects", body["feature"])
	assert.EqualValues(t, 3, body["limit"])
	assert.EqualValues(t, 3, body["used"])
	assert.Contains(t, body["upgrade_url"], "feature=projects")
}

func TestRecordUsageNotEntitled(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/usage/interview_prep", "u1", map[string]int{"amount": 1})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "feature_required", body["error"])
	assert.Equal(t, "interview_prep", body["feature"])

	rec = env.do(t, http.MethodPost, "/api/usage/projects", "u1", map[string]int{"amount": 1000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/usage/teleport", "u1", nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestAIFlows(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/ai/coach", "u1", ai.CoachRequest{Message: "help"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reply ai.CoachResponse
	decodeBody(t, rec, &reply)
	assert.NotEmpty(t, reply.Reply)

	sub, err := env.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Usage.AICoachMessages)

	rec = env.do(t, http.MethodPost, "/api/ai/interview", "u1", ai.InterviewRequest{Role: "backend engineer"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "feature_required", body["error"])
	assert.Equal(t, entitlements.FeatureInterviewPrep, body["feature"])

	rec = env.do(t, http.MethodPost, "/api/ai/path", "u1", ai.LearningPathRequest{Goal: "ship a Go service"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/ai/coach", "u1", ai.CoachRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/ai/haiku", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatementDownloads(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/api/usage/statement.pdf", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	rec = env.do(t, http.MethodGet, "/api/usage/statement.csv", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# Code-X Usage Statement")
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t, adminHash(t))

	doAdmin := func(token, path string, body interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req := httptest.NewRequest(http.MethodPost, path, &buf)
		if token != "" {
			req.Header.Set("X-Admin-Token", token)
		}
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	codesReq := map[string]interface{}{"planId": "pro", "days": 30, "count": 2}
	assert.Equal(t, http.StatusForbidden, doAdmin("", "/api/admin/access-codes", codesReq).Code)
	assert.Equal(t, http.StatusForbidden, doAdmin("wrong", "/api/admin/access-codes", codesReq).Code)

	rec := doAdmin(testAdminToken, "/api/admin/access-codes", codesReq)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Codes []store.AccessCode `json:"codes"`
	}
	decodeBody(t, rec, &created)
	require.Len(t, created.Codes, 2)

	rec = env.do(t, http.MethodPost, "/api/access-codes/redeem", "u1", map[string]string{"code": strings.ToLower(created.Codes[0].Code)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var p entitlements.Payload
	decodeBody(t, rec, &p)
	assert.Equal(t, entitlements.PlanPro, p.PlanID)

	rec = env.do(t, http.MethodPost, "/api/access-codes/redeem", "u2", map[string]string{"code": created.Codes[0].Code})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	assert.Equal(t, "invalid_code", apiErr.Code)

	rec = doAdmin(testAdminToken, "/api/admin/subscriptions/u3/grant", map[string]interface{}{"planId": "team"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p = entitlements.Payload{}
	decodeBody(t, rec, &p)
	assert.Equal(t, entitlements.PlanTeam, p.PlanID)
	assert.Nil(t, p.DaysUntilExpiry)

	rec = doAdmin(testAdminToken, "/api/admin/subscriptions/u3/renew", struct{}{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, doAdmin(testAdminToken, "/api/admin/subscriptions/ghost/renew", struct{}{}).Code)
}

func TestAdminDisabledWithoutHash(t *testing.T) {
	env := newTestEnv(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/admin/access-codes", strings.NewReader(`{}`))
	req.Header.Set("X-Admin-Token", testAdminToken)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, "")

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/entitlements", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, "https://app.codex.dev", preflight("https://app.codex.dev").Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, preflight("https://evil.example").Header().Get("Access-Control-Allow-Origin"))
}

func TestBillingClientAgainstRouter(t *testing.T) {
	env := newTestEnv(t, "")
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	token, err := env.auth.Issue("u1", time.Hour)
	require.NoError(t, err)
	client := billing.NewClient(srv.URL, token)

	require.NoError(t, client.Upgrade(context.Background(), entitlements.PlanAIEssentials, entitlements.IntervalMonthly))
	sub, err := env.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanAIEssentials, sub.PlanID)

	require.NoError(t, client.Cancel(context.Background()))
	err = client.Cancel(context.Background())
	var remote *billing.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusConflict, remote.StatusCode)
}

func TestGatedFeatureNamesIncludedTier(t *testing.T) {
	rt := &Router{evaluator: entitlements.NewEvaluator(entitlements.DefaultCatalog())}
	pro := &entitlements.Subscription{UserID: "u1", PlanID: entitlements.PlanPro, Status: entitlements.StatusActive}
	free := &entitlements.Subscription{UserID: "u1", PlanID: entitlements.PlanFree, Status: entitlements.StatusActive}

	assert.Equal(t, entitlements.FeatureAICoachUnlimited, rt.gatedFeature(pro, ai.FlowCoach))
	assert.Equal(t, entitlements.FeatureAICoachBasic, rt.gatedFeature(free, ai.FlowCoach))
	assert.Equal(t, entitlements.FeatureAICoachBasic, rt.gatedFeature(nil, ai.FlowCoach))
	assert.Equal(t, entitlements.FeatureVideoGeneration, rt.gatedFeature(free, ai.FlowVideo))
	assert.Equal(t, "", rt.gatedFeature(free, ai.FlowPath))
}
