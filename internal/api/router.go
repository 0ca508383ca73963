// Package api serves the Code-X HTTP API.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/codexlearn/codex/internal/ai"
	"github.com/codexlearn/codex/internal/billing"
	"github.com/codexlearn/codex/internal/websocket"
	"github.com/codexlearn/codex/pkg/entitlements"
)

// Config wires the router to its services. Flows and Hub are optional.
type Config struct {
	Billing        *billing.Service
	Evaluator      *entitlements.Evaluator
	Flows          *ai.Flows
	Hub            *websocket.Hub
	Auth           *TokenAuth
	AdminTokenHash string
	AllowedOrigins []string
	Version        string
}

// Router holds handler dependencies.
type Router struct {
	billing   *billing.Service
	evaluator *entitlements.Evaluator
	flows     *ai.Flows
	version   string
	validate  *validator.Validate
	now       func() time.Time
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config) http.Handler {
	rt := &Router{
		billing:   cfg.Billing,
		evaluator: cfg.Evaluator,
		flows:     cfg.Flows,
		version:   cfg.Version,
		validate:  newValidator(),
		now:       time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP, ErrorHandler)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return websocket.OriginAllowed(cfg.AllowedOrigins, origin)
		},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", rt.handleHealth)
	r.Get("/api/plans", rt.handlePlans)

	if cfg.Hub != nil {
		r.Get("/ws/entitlements", cfg.Hub.HandleWebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		r.Get("/api/entitlements", rt.handleEntitlements)
		r.Get("/api/entitlements/{feature}", rt.handleFeature)

		r.Post("/api/subscription/upgrade", rt.handleUpgrade)
		r.Post("/api/subscription/cancel", rt.handleCancel)

		r.Post("/api/usage/{feature}", rt.handleRecordUsage)
		r.Get("/api/usage/statement.pdf", rt.handleStatementPDF)
		r.Get("/api/usage/statement.csv", rt.handleStatementCSV)

		r.Post("/api/access-codes/redeem", rt.handleRedeem)

		r.Post("/api/ai/{flow}", rt.handleFlow)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(RequireAdmin(cfg.AdminTokenHash))
		r.Post("/access-codes", rt.handleCreateCodes)
		r.Post("/subscriptions/{user}/grant", rt.handleGrant)
		r.Post("/subscriptions/{user}/renew", rt.handleRenew)
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeErrorResponse(w, req, http.StatusNotFound, "not_found", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeErrorResponse(w, req, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
	})
	return r
}
