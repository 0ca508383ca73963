package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenAuthRoundTrip(t *testing.T) {
	auth, err := NewTokenAuth(testSecret)
	require.NoError(t, err)

	token, err := auth.Issue("u1", time.Minute)
	require.NoError(t, err)
	user, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", user)

	_, err = auth.Issue(" ", time.Minute)
	assert.Error(t, err)
	_, err = NewTokenAuth("")
	assert.Error(t, err)
}

func TestTokenAuthRejects(t *testing.T) {
	auth, err := NewTokenAuth(testSecret)
	require.NoError(t, err)
	other, err := NewTokenAuth("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)

	foreign, err := other.Issue("u1", time.Minute)
	require.NoError(t, err)

	sign := func(method jwt.SigningMethod, key interface{}, claims jwt.RegisteredClaims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	now := time.Now()
	expired := sign(jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
		Issuer: tokenIssuer, Subject: "u1", ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
	})
	noExpiry := sign(jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
		Issuer: tokenIssuer, Subject: "u1",
	})
	wrongIssuer := sign(jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
		Issuer: "someone-else", Subject: "u1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	unsigned := sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.RegisteredClaims{
		Issuer: tokenIssuer, Subject: "u1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	noSubject := sign(jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
		Issuer: tokenIssuer, ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})

	for name, token := range map[string]string{
		"garbage":      "not-a-token",
		"foreign":      foreign,
		"expired":      expired,
		"no_expiry":    noExpiry,
		"wrong_issuer": wrongIssuer,
		"alg_none":     unsigned,
		"no_subject":   noSubject,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := auth.Verify(token)
			assert.Error(t, err)
		})
	}
}

func TestTokenAuthUserIDSources(t *testing.T) {
	auth, err := NewTokenAuth(testSecret)
	require.NoError(t, err)
	token, err := auth.Issue("u1", time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws/entitlements?access_token="+token, nil)
	user, err := auth.UserID(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", user)

	r = httptest.NewRequest(http.MethodGet, "/api/entitlements", nil)
	r.Header.Set("Authorization", "bearer "+token)
	user, err = auth.UserID(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", user)

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = auth.UserID(r)
	assert.ErrorIs(t, err, errInvalidToken)

	r = httptest.NewRequest(http.MethodGet, "/api/entitlements", nil)
	_, err = auth.UserID(r)
	assert.ErrorIs(t, err, errMissingToken)
}

func TestErrorHandlerRecoversPanics(t *testing.T) {
	h := ErrorHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-7", rec.Header().Get("X-Request-ID"))
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	assert.Equal(t, "internal_error", apiErr.Code)
	assert.Equal(t, "req-7", apiErr.RequestID)
}
