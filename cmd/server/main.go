package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/dittorahmat/sentinel/internal/auth"
	"github.com/dittorahmat/sentinel/internal/config"
	"github.com/dittorahmat/sentinel/internal/health"
	"github.com/dittorahmat/sentinel/internal/logger"
	"github.com/dittorahmat/sentinel/internal/metrics"
	"github.com/dittorahmat/sentinel/internal/middleware"
	"github.com/dittorahmat/sentinel/internal/password"
	"github.com/dittorahmat/sentinel/internal/repository"
)

var version = "dev"

func main() {
	log := logger.New(logger.DefaultConfig())

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	dbPool, err := setupDatabase(cfg, log)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// The attempt log uses sqlx over the pgx stdlib driver; it shares the
	// database but not the pool with the pgx repositories.
	sqlxDB, err := sqlx.Open("pgx", cfg.Database.DSN())
	if err != nil {
		log.Error("failed to open sqlx connection", "error", err)
		os.Exit(1)
	}
	defer sqlxDB.Close()
	sqlxDB.SetMaxOpenConns(10)
	sqlxDB.SetMaxIdleConns(5)

	userRepo := repository.NewUserRepository(dbPool)
	sessionRepo := repository.NewSessionRepository(dbPool)
	tokenRepo := repository.NewTokenRepository(dbPool)
	attemptRepo := repository.NewAttemptRepository(sqlxDB)

	hasher, err := password.NewHasher(password.DefaultParams)
	if err != nil {
		log.Error("invalid password hashing parameters", "error", err)
		os.Exit(1)
	}

	sessions := auth.NewSessionManager(sessionRepo, userRepo, cfg.Session, cfg.Rotation, log)
	lockout := auth.NewLockoutGuard(userRepo, cfg.Lockout, log)
	limiter := auth.NewRateLimiter(attemptRepo, tokenRepo, cfg.RateLimit, cfg.Reset)
	authService := auth.NewAuthService(userRepo, hasher, sessions, lockout, limiter, log)
	csrfGuard := auth.NewCsrfGuard(cfg.CSRF, cfg.Session.MaxAge)

	// The dev reset link never leaves the config stage in production,
	// regardless of the flag.
	devLink := cfg.Reset.DevResetLink && !cfg.IsProduction()
	resetFlow := auth.NewPasswordResetWorkflow(
		dbPool, userRepo, tokenRepo, attemptRepo,
		sessions, hasher, limiter, cfg.Reset, devLink, log,
	)

	authHandler := auth.NewAuthHandler(authService, sessions, resetFlow, csrfGuard, cfg, log)
	healthHandler := health.NewHandler(health.Config{
		DBPool:  dbPool,
		Version: version,
	})

	dbStats := metrics.NewDBStatsCollector(dbPool, sqlxDB.DB)
	dbStats.Start(15 * time.Second)
	defer dbStats.Stop()

	pruneCtx, cancelPrune := context.WithCancel(context.Background())
	defer cancelPrune()
	go runPruneLoop(pruneCtx, cfg, sessions, resetFlow, attemptRepo, log)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if cfg.Network.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.StructuredLogger(log))
	r.Use(metrics.Middleware)
	r.Use(middleware.SecurityHeaders)

	// With no configured origins the middleware is left off entirely.
	// An empty AllowedOrigins would make go-chi/cors allow every
	// origin, which is the one thing an unset production config must
	// never mean.
	if origins := corsOrigins(cfg); len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", cfg.CSRF.HeaderName},
			ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	} else {
		log.Warn("CORS_ALLOWED_ORIGINS not set, cross-origin requests are denied")
	}

	// Coarse per-process burst brake in front of the durable limits.
	throttle := middleware.NewIPThrottle(120, time.Minute, cfg.Network.TrustProxy)
	r.Use(throttle.Handler)

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		auth.RegisterRoutes(r, authHandler)
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", "addr", addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
}

// runPruneLoop deletes expired sessions, dead reset tokens, and
// attempt-log rows past their retention window.
func runPruneLoop(
	ctx context.Context,
	cfg *config.Config,
	sessions *auth.SessionManager,
	resetFlow *auth.PasswordResetWorkflow,
	attempts repository.AttemptRepository,
	log *slog.Logger,
) {
	ticker := time.NewTicker(cfg.Retention.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		runCtx, cancel := context.WithTimeout(ctx, time.Minute)

		if n, err := sessions.PruneExpired(runCtx); err != nil {
			log.Error("session prune failed", "error", err)
		} else if n > 0 {
			log.Info("pruned sessions", "count", n)
		}

		if n, err := resetFlow.PruneTokens(runCtx); err != nil {
			log.Error("reset token prune failed", "error", err)
		} else if n > 0 {
			log.Info("pruned reset tokens", "count", n)
		}

		now := time.Now()
		if n, err := attempts.PruneLoginAttempts(runCtx, now.Add(-cfg.Retention.LoginAttempts)); err != nil {
			log.Error("login attempt prune failed", "error", err)
		} else if n > 0 {
			log.Info("pruned login attempts", "count", n)
		}

		if n, err := attempts.PruneResetRequests(runCtx, now.Add(-cfg.Retention.ResetRequests)); err != nil {
			log.Error("reset request prune failed", "error", err)
		} else if n > 0 {
			log.Info("pruned reset requests", "count", n)
		}

		cancel()
	}
}

// corsOrigins returns the allowed browser origins. CORS_ALLOWED_ORIGINS
// is a comma-separated list; development defaults to localhost. In
// production an unset list means no cross-origin access at all.
func corsOrigins(cfg *config.Config) []string {
	if raw := os.Getenv("CORS_ALLOWED_ORIGINS"); raw != "" {
		var origins []string
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		return origins
	}
	if cfg.IsProduction() {
		return nil
	}
	return []string{"http://localhost:3000", "http://localhost:5173"}
}

// setupDatabase creates and configures the pgx connection pool.
func setupDatabase(cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to database",
		"dbname", cfg.Database.DBName,
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
	)
	return pool, nil
}
