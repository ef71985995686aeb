package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/omnivia/importd/internal/admission"
	"github.com/omnivia/importd/internal/httpapi"
	"github.com/omnivia/importd/internal/importer"
	"github.com/omnivia/importd/internal/secretfile"
	"github.com/omnivia/importd/internal/staging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	log, err := newLogger(os.Getenv("IMPORT_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("importd stopped", zap.Error(err))
	}
}

func run(ctx context.Context, log *zap.Logger) error {
	addr := os.Getenv("IMPORT_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	backend, err := buildBackendFromEnv()
	if err != nil {
		return fmt.Errorf("failed to initialize staging backend: %w", err)
	}
	defer func() { _ = backend.Close() }()

	controller := admission.NewController(admission.Config{
		RatePerSecond:     floatEnv(log, "IMPORT_RATE_LIMIT_RPS", admission.DefaultRatePerSecond),
		Burst:             intEnv(log, "IMPORT_RATE_LIMIT_BURST", admission.DefaultBurst),
		GlobalConcurrency: intEnv(log, "IMPORT_GLOBAL_CONCURRENCY", admission.DefaultGlobalConcurrency),
		TenantConcurrency: intEnv(log, "IMPORT_TENANT_CONCURRENCY", admission.DefaultTenantConcurrency),
		RetryWindow:       time.Duration(intEnv(log, "IMPORT_WINDOW_MS", 1000)) * time.Millisecond,
	}, admission.WithLogger(log.Named("admission")))

	group, ctx := errgroup.WithContext(ctx)

	bearer, watcher, err := bearerFromEnv(log)
	if err != nil {
		return err
	}
	if watcher != nil {
		group.Go(func() error { return ignoreCanceled(watcher.Run(ctx)) })
	}
	if bearer.Value() == "" {
		log.Warn("PROJECTS_IMPORT_BEARER is not set; every import request will fail")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	service := importer.NewService(importer.ServiceOptions{
		Store:  backend,
		Merger: backend,
		Logger: log.Named("importer"),
	})
	server := httpapi.NewServerWithConfig(service, controller, httpapi.ServerConfig{
		Bearer:         bearer,
		MaxBodyBytes:   int64Env(log, "IMPORT_MAX_BODY_BYTES", httpapi.DefaultMaxBodyBytes),
		Logger:         log.Named("http"),
		Metrics:        httpapi.NewMetrics(registry, controller),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	})
	httpServer := newHTTPServer(log, addr, server)

	group.Go(func() error {
		return ignoreCanceled(controller.Run(ctx, durationEnv(log, "IMPORT_BUCKET_SWEEP_INTERVAL", time.Minute)))
	})
	group.Go(func() error {
		log.Info("importd listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// newHTTPServer bounds each connection phase; ReadTimeout includes the
// request body.
func newHTTPServer(log *zap.Logger, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: durationEnv(log, "IMPORT_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:       durationEnv(log, "IMPORT_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      durationEnv(log, "IMPORT_WRITE_TIMEOUT", 2*time.Minute),
		IdleTimeout:       durationEnv(log, "IMPORT_IDLE_TIMEOUT", 2*time.Minute),
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if strings.TrimSpace(level) != "" {
		parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	return cfg.Build()
}

// bearerFromEnv prefers the secret file, which is watched for rotation, over
// the literal environment value.
func bearerFromEnv(log *zap.Logger) (httpapi.BearerSource, *secretfile.Watcher, error) {
	if path := strings.TrimSpace(os.Getenv("PROJECTS_IMPORT_BEARER_FILE")); path != "" {
		watcher, err := secretfile.New(path, log.Named("secretfile"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read PROJECTS_IMPORT_BEARER_FILE: %w", err)
		}
		return watcher, watcher, nil
	}
	return httpapi.StaticBearer(strings.TrimSpace(os.Getenv("PROJECTS_IMPORT_BEARER"))), nil, nil
}

func intEnv(log *zap.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		log.Warn("invalid integer setting, using fallback", zap.String("name", name), zap.String("value", raw), zap.Int("fallback", fallback))
		return fallback
	}
	return value
}

func int64Env(log *zap.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		log.Warn("invalid integer setting, using fallback", zap.String("name", name), zap.String("value", raw), zap.Int64("fallback", fallback))
		return fallback
	}
	return value
}

func floatEnv(log *zap.Logger, name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || !(value > 0) {
		log.Warn("invalid rate setting, using fallback", zap.String("name", name), zap.String("value", raw), zap.Float64("fallback", fallback))
		return fallback
	}
	return value
}

func durationEnv(log *zap.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		log.Warn("invalid duration setting, using fallback", zap.String("name", name), zap.String("value", raw), zap.Duration("fallback", fallback))
		return fallback
	}
	return value
}

func buildBackendFromEnv() (staging.Backend, error) {
	if dsn := strings.TrimSpace(os.Getenv("IMPORT_STAGING_DSN")); dsn != "" {
		return staging.BuildBackendFromDSN(dsn)
	}
	dsn, err := profileDSNFromEnv()
	if err != nil {
		return nil, err
	}
	return staging.BuildBackendFromDSN(dsn)
}

func profileDSNFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("IMPORT_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("IMPORT_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".importd"
	}
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "staging.json"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("IMPORT_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("IMPORT_POSTGRES_DSN is required when IMPORT_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported IMPORT_BACKEND_PROFILE: %s", profile)
	}
}
