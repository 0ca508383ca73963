package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultTokenTTL = 24 * time.Hour
	tokenLeeway     = 30 * time.Second
	tokenIssuer     = "codex"
)

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

type ctxKey int

const userIDKey ctxKey = iota

// TokenAuth issues and verifies HS256 bearer tokens whose subject is the user id.
type TokenAuth struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenAuth creates an authenticator for secret.
func NewTokenAuth(secret string) (*TokenAuth, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &TokenAuth{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithLeeway(tokenLeeway),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Issue signs a token for userID valid for ttl (24h when ttl is not positive).
func (a *TokenAuth) Issue(userID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(a.secret)
}

// Verify validates token and returns its subject.
func (a *TokenAuth) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}

// UserID authenticates r from the Authorization header, or the access_token
// query parameter for browser WebSocket upgrades.
func (a *TokenAuth) UserID(r *http.Request) (string, error) {
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", errInvalidToken
		}
		token = strings.TrimSpace(value)
	} else {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return "", errMissingToken
	}
	return a.Verify(token)
}

// Middleware rejects unauthenticated requests with 401.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.UserID(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="codex"`)
			writeErrorResponse(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// RequireAdmin checks the X-Admin-Token header against a bcrypt hash. An empty
// hash disables the routes.
func RequireAdmin(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				writeErrorResponse(w, r, http.StatusNotFound, "not_found", "Admin API is disabled", nil)
				return
			}
			token := r.Header.Get("X-Admin-Token")
			if token == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
				writeErrorResponse(w, r, http.StatusForbidden, "forbidden", "Invalid admin token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
