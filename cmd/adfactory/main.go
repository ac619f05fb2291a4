package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	afhttp "github.com/Strob0t/AdFactory/internal/adapter/http"
	"github.com/Strob0t/AdFactory/internal/adapter/kie"
	afnats "github.com/Strob0t/AdFactory/internal/adapter/nats"
	"github.com/Strob0t/AdFactory/internal/adapter/natskv"
	afotel "github.com/Strob0t/AdFactory/internal/adapter/otel"
	"github.com/Strob0t/AdFactory/internal/adapter/postgres"
	"github.com/Strob0t/AdFactory/internal/adapter/ristretto"
	"github.com/Strob0t/AdFactory/internal/adapter/tiered"
	"github.com/Strob0t/AdFactory/internal/adapter/ws"
	"github.com/Strob0t/AdFactory/internal/config"
	"github.com/Strob0t/AdFactory/internal/logger"
	"github.com/Strob0t/AdFactory/internal/middleware"
	mq "github.com/Strob0t/AdFactory/internal/port/messagequeue"
	"github.com/Strob0t/AdFactory/internal/port/notifier"
	"github.com/Strob0t/AdFactory/internal/resilience"
	"github.com/Strob0t/AdFactory/internal/secrets"
	"github.com/Strob0t/AdFactory/internal/service"
)

const (
	idempotencyBucket = "adfactory-idempotency"
	eventTimeout      = 5 * time.Second
	kieAPIKey         = "KIE_API_KEY"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			exitOnError(runMigrate(os.Args[2:]))
			return
		case "batches":
			exitOnError(runBatches(os.Args[2:]))
			return
		case "serve":
			os.Args = append(os.Args[:1], os.Args[2:]...)
		}
	}
	exitOnError(run(os.Args[1:]))
}

func exitOnError(err error) {
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"max_in_flight", cfg.Engine.MaxInFlight,
	)

	ctx := context.Background()

	// --- Telemetry ---
	otelShutdown, err := afotel.Init(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := afotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	// NATS
	queue, err := afnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	// Caches: ristretto L1 over a JetStream KV L2 for uploaded asset URLs,
	// and a KV bucket of stored responses for idempotent submissions.
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("ristretto: %w", err)
	}
	defer l1.Close()
	assetKV, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return fmt.Errorf("asset cache bucket: %w", err)
	}
	assetCache := tiered.New(l1, natskv.New(assetKV), cfg.Cache.L2TTL)

	idemKV, err := queue.KeyValue(ctx, idempotencyBucket, cfg.Server.IdempotencyTTL)
	if err != nil {
		return fmt.Errorf("idempotency bucket: %w", err)
	}

	// --- Engine ---
	vault, err := secrets.NewVault(kieSecretLoader(&cfg.Kie))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	slog.Info("kie credentials loaded", "api_key", vault.Redacted(kieAPIKey))

	kieClient := kie.NewClient(&cfg.Kie, cfg.Engine.ProbeTimeout)
	kieClient.SetKeySource(vault.Source(kieAPIKey))
	kieClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	callPool := resilience.NewPool(cfg.Engine.MaxInFlight)

	hub := ws.NewHub(cfg.Server.CORSOrigin)
	defer hub.Close()
	events := service.NewEventSink(hub, queue, eventTimeout)
	defer events.Close()

	notifiers, err := notifier.Build(cfg.Notify.Providers)
	if err != nil {
		return fmt.Errorf("notifiers: %w", err)
	}
	slog.Info("notifiers configured", "count", len(notifiers), "available", notifier.Available())

	assets := service.NewAssetService(kieClient, assetCache, cfg.Cache.L2TTL, cfg.Kie.UploadPath, callPool)
	batches := service.NewBatchService(&cfg.Engine, service.BatchDeps{
		Store:     postgres.NewStore(pool),
		Assets:    assets,
		Submitter: service.NewSubmitter(kieClient, assets, callPool),
		Poller: service.NewPoller(kieClient,
			service.NewResultValidator(kieClient, cfg.Engine.ProbeTimeout),
			metrics, cfg.Engine.MaxTransientFails),
		Events:        events,
		Notifications: service.NewNotificationService(notifiers, cfg.Notify.Events),
		Observer:      metrics,
	})

	cancelSub, err := queue.Subscribe(ctx, mq.SubjectBatchCancel, batches.HandleCancelMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", mq.SubjectBatchCancel, err)
	}
	defer cancelSub()

	// --- HTTP ---
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()
	idempotent := middleware.Idempotency(natskv.New(idemKV), cfg.Server.IdempotencyTTL)

	handlers := &afhttp.Handlers{
		Batches: batches,
		Health: map[string]afhttp.HealthCheck{
			"postgres": pool.Ping,
			"nats": func(context.Context) error {
				if !queue.IsConnected() {
					return errors.New("disconnected")
				}
				return nil
			},
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(afhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(afhttp.SecurityHeaders)
	r.Use(afhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(afotel.HTTPMiddleware(cfg.OTEL.ServiceName))

	r.Get("/ws", hub.HandleWS)
	afhttp.MountRoutes(r, handlers, func(next http.Handler) http.Handler {
		return limiter.Handler(idempotent(next))
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SIGHUP reloads the Kie credentials
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
				continue
			}
			slog.Info("kie credentials reloaded", "api_key", vault.Redacted(kieAPIKey))
		}
	}()

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-done:
	case err := <-serveErr:
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := batches.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}
	return nil
}

// kieSecretLoader reads the API key from the secrets file when one is
// configured, otherwise from the environment. The configured key is the
// fallback.
func kieSecretLoader(cfg *config.Kie) secrets.Loader {
	load := secrets.EnvLoader(kieAPIKey)
	if cfg.SecretsFile != "" {
		load = secrets.FileLoader(cfg.SecretsFile)
	}
	return func() (map[string]string, error) {
		vals, err := load()
		if err != nil {
			return nil, err
		}
		if vals[kieAPIKey] == "" && cfg.APIKey != "" {
			vals[kieAPIKey] = cfg.APIKey
		}
		return vals, nil
	}
}
