package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/puffer/broker/pkg/api"
	"github.com/Mindburn-Labs/puffer/broker/pkg/artifacts"
	"github.com/Mindburn-Labs/puffer/broker/pkg/auth"
	"github.com/Mindburn-Labs/puffer/broker/pkg/config"
	"github.com/Mindburn-Labs/puffer/broker/pkg/crypto"
	"github.com/Mindburn-Labs/puffer/broker/pkg/decision"
	"github.com/Mindburn-Labs/puffer/broker/pkg/envelope"
	"github.com/Mindburn-Labs/puffer/broker/pkg/ingest"
	"github.com/Mindburn-Labs/puffer/broker/pkg/intake"
	"github.com/Mindburn-Labs/puffer/broker/pkg/logging"
	"github.com/Mindburn-Labs/puffer/broker/pkg/notify"
	"github.com/Mindburn-Labs/puffer/broker/pkg/observability"
	"github.com/Mindburn-Labs/puffer/broker/pkg/ratelimit"
	"github.com/Mindburn-Labs/puffer/broker/pkg/store"
	"github.com/Mindburn-Labs/puffer/broker/pkg/sweeper"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger := newLogger(cfg, stdout)
	slog.SetDefault(logger)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		logger.Error("listen failed", "addr", cfg.Addr(), "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, ln, logger); err != nil {
		logger.Error("broker stopped with error", "error", err)
		return 1
	}
	return 0
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return logging.New(w, logging.Options{
		Level:       logging.ParseLevel(cfg.LogLevel),
		Environment: cfg.Environment,
	})
}

// openDatabase opens Postgres when a URL is configured and SQLite otherwise.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, store.Dialect, error) {
	if cfg.DatabaseURL != "" {
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		return db, store.DialectPostgres, err
	}
	db, err := store.OpenSQLite(ctx, cfg.DBPath)
	return db, store.DialectSQLite, err
}

// limiterStore picks Redis when configured so several brokers share
// windows. The returned cleanup releases it.
func limiterStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, wg *sync.WaitGroup) (ratelimit.Store, func(), error) {
	if cfg.Limits.RedisAddr != "" {
		rs := ratelimit.NewRedisStore(cfg.Limits.RedisAddr, cfg.Limits.RedisPassword, cfg.Limits.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("rate limiter backend", "backend", "redis", "addr", cfg.Limits.RedisAddr)
		return rs, func() { _ = rs.Close() }, nil
	}

	ms := ratelimit.NewMemoryStore()
	wg.Add(1)
	go func() {
		defer wg.Done()
		ms.RunJanitor(ctx, ratelimit.DefaultWindow)
	}()
	logger.Info("rate limiter backend", "backend", "memory")
	return ms, func() {}, nil
}

// serve runs the broker on ln until ctx is cancelled.
//
//nolint:gocognit,gocyclo
func serve(ctx context.Context, cfg *config.Config, ln net.Listener, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() { _ = db.Close() }()
	if err := store.Migrate(ctx, db, dialect); err != nil {
		_ = ln.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	st := store.New(db)

	signer, err := crypto.NewHMACSigner(cfg.PhoneSharedSecret)
	if err != nil {
		_ = ln.Close()
		return err
	}

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.Telemetry.Enabled
	otelCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	otelCfg.Insecure = cfg.Telemetry.Insecure
	otelCfg.Environment = cfg.Environment
	telemetry, err := observability.New(ctx, otelCfg)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		_ = telemetry.Shutdown(sctx)
	}()

	metrics := observability.NewMetrics()
	events := observability.NewEventRecorder(logger, metrics)

	limits, closeLimits, err := limiterStore(ctx, cfg, logger, &wg)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer closeLimits()

	vault, err := artifacts.New(ctx, cfg.Artifacts)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("artifact vault: %w", err)
	}

	sw := sweeper.New(st, events,
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithMetrics(metrics),
		sweeper.WithLogger(logger.With("component", "sweeper")),
	)

	intakeOpts := []intake.Option{intake.WithLogger(logger.With("component", "intake"))}
	if tg := notify.NewTelegram(cfg.Telegram.APIBase, cfg.Telegram.BotToken, cfg.Telegram.ChatID); tg.Enabled() {
		intakeOpts = append(intakeOpts, intake.WithNotifier(tg))
	}
	creator := intake.NewService(st, envelope.NewBuilder(signer, cfg.ApprovalTTL), events, intakeOpts...)

	coordinator := decision.NewCoordinator(st, events,
		decision.WithSweeper(sw),
		decision.WithExecutionTimeout(cfg.ExecutionTimeout),
		decision.WithTelemetry(telemetry),
		decision.WithLogger(logger.With("component", "decision")),
	)

	ipLimiter := api.NewIPRateLimiter(cfg.Limits.IPRPS, cfg.Limits.IPBurst)
	server := api.NewServer(api.Deps{
		Store:        st,
		Intake:       creator,
		Decisions:    coordinator,
		Sweeper:      sw,
		Auth:         auth.NewAuthenticator(cfg.APIToken, cfg.PhoneAPIToken),
		AgentLimiter: ratelimit.New(limits, ratelimit.AgentPolicy),
		PhoneLimiter: ratelimit.New(limits, ratelimit.PhonePolicy),
		IPLimiter:    ipLimiter,
		Metrics:      metrics,
		Logger:       logger.With("component", "api"),
	})

	wg.Add(2)
	go func() {
		defer wg.Done()
		sw.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		ipLimiter.Cleanup(ctx)
	}()

	if cfg.InboxPath != "" {
		ingestOpts := []ingest.Option{
			ingest.WithMetrics(metrics),
			ingest.WithTelemetry(telemetry),
			ingest.WithLogger(logger.With("component", "ingest")),
		}
		if vault != nil {
			ingestOpts = append(ingestOpts, ingest.WithVault(vault))
		}
		ing, err := ingest.New(ingest.Config{
			InboxPath:         cfg.InboxPath,
			StabilityWindow:   cfg.StabilityWindow,
			ReconcileInterval: cfg.ReconcileInterval,
		}, st, signer, events, ingestOpts...)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("ingest: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ing.Run(ctx)
		}()
	} else {
		logger.Warn("ICLOUD_INBOX_PATH not set; completions will not be ingested")
	}

	srv := &http.Server{
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	logger.Info("broker_started",
		"addr", ln.Addr().String(),
		"database", string(dialect),
		"inbox", cfg.InboxPath,
		"telegram", cfg.Telegram.Enabled(),
		"archive", cfg.Artifacts.StorageType,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	logger.Info("broker shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil && serveErr == nil {
		serveErr = err
	}
	cancel()
	wg.Wait()
	return serveErr
}
