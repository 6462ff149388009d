package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyralabs/companion-gateway/internal/agents"
	"github.com/lyralabs/companion-gateway/internal/auth"
	"github.com/lyralabs/companion-gateway/internal/billing"
	"github.com/lyralabs/companion-gateway/internal/chat"
	"github.com/lyralabs/companion-gateway/internal/config"
	"github.com/lyralabs/companion-gateway/internal/fleet"
	"github.com/lyralabs/companion-gateway/internal/health"
	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/metrics"
	"github.com/lyralabs/companion-gateway/internal/middleware"
	"github.com/lyralabs/companion-gateway/internal/ratelimit"
	"github.com/lyralabs/companion-gateway/internal/tracing"
)

// registryAlarmThreshold is the bucket count above which the health
// check reports the limiter registry as degraded.
const registryAlarmThreshold = 100_000

// Server composes the gateway: admission limiter, auth, chat proxy,
// agent dispatch, billing intake, and fleet simulator behind a shared
// middleware chain, plus a separate metrics listener.
type Server struct {
	config        *config.Config
	appServer     *http.Server
	metricsServer *http.Server
	healthManager *health.Manager
	logger        *logger.ComponentLogger

	limiter     *ratelimit.Limiter
	fleetSim    *fleet.Simulator
	chatHistory *chat.RedisHistory
}

// New builds the server and all enabled components from configuration.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{
		config:        cfg,
		healthManager: health.NewManager(),
		logger:        logger.Get().WithComponent("server"),
	}

	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.New(ratelimit.Config{
			RefillPerMinute: cfg.RateLimit.RefillPerMinute,
			Burst:           cfg.RateLimit.Burst,
			IdleEviction:    time.Duration(cfg.RateLimit.IdleEvictionSeconds) * time.Second,
			SweepInterval:   time.Duration(cfg.RateLimit.SweepIntervalSeconds) * time.Second,
		})
		s.healthManager.Register("ratelimit",
			health.RegistryChecker(s.limiter.Len, registryAlarmThreshold))
	}

	mux := http.NewServeMux()
	if err := s.registerRoutes(ctx, mux); err != nil {
		return nil, err
	}

	handler, err := s.buildChain(mux)
	if err != nil {
		return nil, err
	}

	s.appServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:        handler,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	if cfg.Observability.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Observability.MetricsPath, metrics.Handler())
		s.metricsServer = &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
			Handler:     metricsMux,
			ReadTimeout: cfg.Server.ReadTimeout,
			IdleTimeout: cfg.Server.IdleTimeout,
		}
	}

	return s, nil
}

func (s *Server) registerRoutes(ctx context.Context, mux *http.ServeMux) error {
	cfg := s.config

	obs := cfg.Observability
	mux.HandleFunc("GET "+obs.HealthPath, s.healthManager.HealthHandler())
	mux.HandleFunc("GET "+obs.ReadinessPath, s.healthManager.ReadinessHandler())
	mux.HandleFunc("GET "+obs.LivenessPath, s.healthManager.LivenessHandler())

	if cfg.Auth.Enabled {
		tokenHandler, err := auth.NewTokenHandler(&cfg.Auth)
		if err != nil {
			return fmt.Errorf("failed to create token handler: %w", err)
		}
		mux.Handle("POST /auth/token", tokenHandler)
	}

	if cfg.Chat.Enabled {
		client, err := chat.NewClient(&cfg.Chat)
		if err != nil {
			return fmt.Errorf("failed to create chat client: %w", err)
		}

		history, err := chat.NewRedisHistory(ctx, &cfg.Chat)
		if err != nil {
			return fmt.Errorf("failed to create chat history store: %w", err)
		}
		s.chatHistory = history

		var recorder billing.Recorder = billing.NopRecorder{}
		if cfg.Billing.Enabled {
			recorder, err = billing.NewDynamoRecorder(ctx, &cfg.Billing)
			if err != nil {
				return fmt.Errorf("failed to create usage recorder: %w", err)
			}
		}

		mux.Handle("POST /v1/chat", chat.NewHandler(client, history, recorder))

		s.healthManager.Register("redis", health.RedisChecker(func(ctx context.Context) error {
			_, err := history.Load(ctx, "health-probe")
			return err
		}))
		s.healthManager.Register("chat-upstream",
			health.BreakerChecker("chat-upstream", client.BreakerState))
	}

	if len(cfg.Agents) > 0 {
		registry, err := agents.NewRegistry(cfg.Agents)
		if err != nil {
			return fmt.Errorf("failed to build agent registry: %w", err)
		}
		agentHandler := agents.NewHandler(registry)
		mux.HandleFunc("GET /v1/agents", agentHandler.List)
		mux.HandleFunc("GET /v1/agents/{id}", agentHandler.Get)
		mux.HandleFunc("POST /v1/agents/{id}/process", agentHandler.Process)
	}

	if cfg.Billing.Enabled {
		webhook, err := billing.NewWebhookHandler(&cfg.Billing)
		if err != nil {
			return fmt.Errorf("failed to create billing webhook handler: %w", err)
		}
		mux.Handle("POST /v1/billing/webhook", webhook)
	}

	if cfg.Fleet.Enabled {
		s.fleetSim = fleet.NewSimulator(&cfg.Fleet)
		fleetHandler := fleet.NewHandler(s.fleetSim)
		mux.HandleFunc("GET /v1/fleet/robots", fleetHandler.List)
		mux.HandleFunc("GET /v1/fleet/robots/{id}", fleetHandler.Get)
		mux.HandleFunc("POST /v1/fleet/robots/{id}/command", fleetHandler.Command)
	}

	return nil
}

// buildChain assembles the middleware chain. Order matters: recovery
// wraps everything, auth runs before admission control so the limiter
// can key on the authenticated user, and the body cap runs before any
// handler reads the payload.
func (s *Server) buildChain(mux *http.ServeMux) (http.Handler, error) {
	cfg := s.config

	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.SecurityHeaders(&cfg.Security),
		middleware.CORS(&cfg.Security),
		middleware.Logging(),
		tracing.Middleware(),
		middleware.BodyLimit(cfg.Security.MaxRequestBodySize),
	)

	authMiddleware, err := auth.NewMiddleware(&cfg.Auth, s.publicPaths())
	if err != nil {
		return nil, fmt.Errorf("failed to create auth middleware: %w", err)
	}
	chain = chain.Append(authMiddleware.Handler)

	if s.limiter != nil {
		chain = chain.Append(ratelimit.Middleware(s.limiter))
	}

	return chain.Then(mux), nil
}

// publicPaths lists path prefixes that skip session authentication.
// Webhooks carry their own HMAC signature; health endpoints must stay
// reachable for probes.
func (s *Server) publicPaths() []string {
	obs := s.config.Observability
	return []string{
		"/auth/token",
		"/v1/billing/webhook",
		obs.HealthPath,
		obs.ReadinessPath,
		obs.LivenessPath,
	}
}

// Start runs the listeners and blocks until shutdown.
func (s *Server) Start() error {
	errChan := make(chan error, 2)

	go func() {
		s.logger.Info("starting HTTP server", logger.Fields{
			"port": s.config.Server.HTTPPort,
		})
		if err := s.appServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if s.metricsServer != nil {
		go func() {
			s.logger.Info("starting metrics server", logger.Fields{
				"port": s.config.Observability.MetricsPort,
				"path": s.config.Observability.MetricsPath,
			})
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	go s.handleSignals(errChan)

	return <-errChan
}

func (s *Server) handleSignals(errChan chan error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	s.logger.Info("shutdown signal received", logger.Fields{
		"signal": sig.String(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	errChan <- s.Shutdown(ctx)
}

// Shutdown stops the listeners and releases component resources.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	if s.appServer != nil {
		if err := s.appServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to shut down HTTP server: %w", err)
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to shut down metrics server: %w", err)
		}
	}

	if s.limiter != nil {
		s.limiter.Close()
	}
	if s.fleetSim != nil {
		s.fleetSim.Close()
	}
	if s.chatHistory != nil {
		if err := s.chatHistory.Close(); err != nil {
			s.logger.Warn("failed to close redis client", logger.Fields{
				"error": err.Error(),
			})
		}
	}

	s.logger.Info("server shutdown complete")
	return firstErr
}
