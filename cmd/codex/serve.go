package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codexlearn/codex/internal/ai"
	"github.com/codexlearn/codex/internal/api"
	"github.com/codexlearn/codex/internal/billing"
	"github.com/codexlearn/codex/internal/config"
	"github.com/codexlearn/codex/internal/live"
	"github.com/codexlearn/codex/internal/logging"
	"github.com/codexlearn/codex/internal/store"
	"github.com/codexlearn/codex/internal/websocket"
	"github.com/codexlearn/codex/pkg/entitlements"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, WebSocket push and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// loadConfig reads configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "codex"})

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "codex"})
	return cfg, nil
}

func loadCatalog(cfg *config.Config) (*entitlements.Catalog, error) {
	if cfg.PlansFile == "" {
		return entitlements.DefaultCatalog(), nil
	}
	return config.LoadCatalogFile(cfg.PlansFile)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	return store.Open(ctx, store.Config{
		Backend:     cfg.Store,
		SQLitePath:  cfg.SQLitePath,
		PostgresDSN: cfg.PostgresDSN,
	})
}

func newProvider(cfg *config.Config) ai.Provider {
	if cfg.GeminiAPIKey == "" {
		log.Warn().Msg("GEMINI_API_KEY not set, AI features return canned sample output")
		return ai.NewFakeProvider()
	}
	return ai.NewGeminiClient(ai.GeminiConfig{
		APIKey:     cfg.GeminiAPIKey,
		Model:      cfg.GeminiModel,
		VideoModel: cfg.VideoModel,
	})
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().Str("version", Version).Str("store", cfg.Store).Msg("Starting Code-X server")

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return fmt.Errorf("load plans: %w", err)
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	evaluator := entitlements.NewEvaluator(catalog, entitlements.WithMetrics(entitlements.NewMetrics(nil)))
	svc := billing.NewService(st, evaluator)
	flows := ai.NewFlows(newProvider(cfg), svc)
	manager := live.NewManager(st, evaluator)
	defer manager.Close()

	auth, err := api.NewTokenAuth(cfg.JWTSecret)
	if err != nil {
		return err
	}
	hub := websocket.NewHub(manager, auth.UserID, cfg.AllowedOrigins)

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(api.Config{
			Billing:        svc,
			Evaluator:      evaluator,
			Flows:          flows,
			Hub:            hub,
			Auth:           auth,
			AdminTokenHash: cfg.AdminTokenHash,
			AllowedOrigins: cfg.AllowedOrigins,
			Version:        Version,
		}),
		// ReadTimeout would also cut upgraded WebSocket connections.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return runMetricsServer(gctx, cfg.MetricsAddr) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		runExpirySweeper(gctx, svc, cfg.ExpirySweep)
		return nil
	})

	if cfg.PlansFile != "" {
		watcher, err := config.NewCatalogWatcher(cfg.PlansFile, func(c *entitlements.Catalog) {
			evaluator.SetCatalog(c)
			manager.RefreshAll()
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create plans watcher, plan changes will require SIGHUP")
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
			g.Go(func() error {
				reloadOnHangup(gctx, watcher)
				return nil
			})
		}
	}

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}

// reloadOnHangup reloads the plans file on SIGHUP.
func reloadOnHangup(ctx context.Context, watcher *config.CatalogWatcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			log.Info().Msg("Received SIGHUP, reloading plans")
			if err := watcher.Reload(); err != nil {
				log.Error().Err(err).Msg("Failed to reload plans after SIGHUP")
			}
		}
	}
}

// runExpirySweeper expires lapsed subscriptions every interval until ctx is done.
func runExpirySweeper(ctx context.Context, svc *billing.Service, interval time.Duration) {
	sweep := func() {
		n, err := svc.ExpireDue(ctx, time.Now())
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Expiry sweep failed")
			return
		}
		if n > 0 {
			log.Info().Int("expired", n).Msg("Expiry sweep completed")
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
