// Command courier runs the notification delivery service: the producer API,
// the delivery engine with its channel adapters, and the in-app websocket
// surface, all in one process.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/courierhq/courier/internal/adapter/email"
	"github.com/courierhq/courier/internal/adapter/inapp"
	"github.com/courierhq/courier/internal/adapter/push"
	"github.com/courierhq/courier/internal/adapter/sms"
	"github.com/courierhq/courier/internal/bus"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/httpserver"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/notify"
	"github.com/courierhq/courier/internal/preference"
	"github.com/courierhq/courier/internal/telemetry"
	"github.com/courierhq/courier/internal/template"
	"github.com/courierhq/courier/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := telemetry.NewLogger(&telemetry.LogConfig{
		Level:  telemetry.LogLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Component("main")

	db, err := openDatabase(cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Shared infrastructure.
	events := bus.New()
	collector := metrics.NewCollector()
	queue := notify.NewRedisQueueFromClient(redisClient)
	limiter := notify.NewRedisRateLimiter(redisClient)
	repo := notify.NewPostgresRepository(db)
	dlog := notify.NewPostgresDeliveryLog(db)

	// Rendering and preferences.
	templateStore := template.NewPostgresStore(db)
	renderer := template.NewRenderer(templateStore, logger)
	prefStore := preference.NewPostgresStore(db)
	resolver := preference.NewResolver(prefStore, redisClient, logger)
	defer resolver.Close()

	// Channel adapters.
	emailAdapter := email.New(email.Config{
		BaseURL:     cfg.Provider.EmailBaseURL,
		APIKey:      cfg.Provider.EmailAPIKey,
		FromAddress: cfg.Provider.EmailFromAddress,
		Timeout:     cfg.Adapter.Timeout,
	}, prefStore, dlog, logger)

	smsAdapter := sms.New(sms.Config{
		BaseURL:            cfg.Provider.SMSBaseURL,
		APIKey:             cfg.Provider.SMSAPIKey,
		SenderID:           cfg.Provider.SMSSenderID,
		DefaultCountryCode: cfg.Provider.SMSDefaultCountry,
		Timeout:            cfg.Adapter.Timeout,
	}, dlog, logger)

	tokenRegistry := push.NewPostgresRegistry(db)
	pushAdapter := push.New(push.Config{
		BaseURL: cfg.Provider.PushBaseURL,
		APIKey:  cfg.Provider.PushAPIKey,
		Timeout: cfg.Adapter.Timeout,
	}, tokenRegistry, dlog, events, logger)

	inbox := inapp.NewPostgresInbox(db)
	hub := inapp.NewHub(cfg.Session, inbox, events, logger)
	inappAdapter := inapp.New(inbox, hub, dlog, logger)

	adapters := []notify.Adapter{emailAdapter, smsAdapter, pushAdapter, inappAdapter}

	// Pipeline.
	engine := notify.NewEngine(cfg, queue, repo, dlog, limiter, adapters, events, collector, logger)
	orchestrator := notify.NewOrchestrator(cfg, repo, dlog, queue, renderer, resolver, collector, logger)
	verifier := webhook.NewVerifier(cfg.Webhook)

	server := httpserver.New(cfg, orchestrator, engine, inappAdapter, hub, tokenRegistry, verifier, collector, logger)

	// Operational visibility on terminal failures.
	deadLetterLog := logger.Component("deadletter")
	events.Subscribe(func(ev bus.Event) {
		deadLetterLog.WithFields(map[string]interface{}{
			"channel": ev.Channel, "job_id": ev.JobID, "kind": ev.ErrorKind,
		}).Warn("job dead-lettered")
	}, bus.EventJobDeadLettered)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.Start(ctx)
	stopPurge := pushAdapter.StartDormancyPurge(cfg.Provider.TokenDormancyDays, 12*time.Hour)
	stopSweep := inappAdapter.StartInboxSweep(cfg.Inbox.SweepInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received; draining")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown incomplete")
		}

		stopPurge()
		stopSweep()
		engine.Stop()
		hub.Close()
		events.Close()
		return nil
	})

	log.WithField("environment", cfg.Environment).Info("courier started")
	return g.Wait()
}

// openDatabase connects with a short retry loop so the service survives a
// database that comes up a few seconds later.
func openDatabase(url string, log *telemetry.ContextualLogger) (*sql.DB, error) {
	if url == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	var pingErr error
	for attempt := 1; attempt <= 5; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		pingErr = db.PingContext(ctx)
		cancel()
		if pingErr == nil {
			return db, nil
		}
		log.WithError(pingErr).WithField("attempt", attempt).Warn("database not ready; retrying")
		time.Sleep(2 * time.Second)
	}
	_ = db.Close()
	return nil, fmt.Errorf("failed to connect to database: %w", pingErr)
}
