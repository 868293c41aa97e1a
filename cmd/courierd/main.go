// Command courierd runs the courier job-dispatch service: the HTTP ingress
// API in front of an engine backed by the configured shared store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/courier"
	audithook "github.com/xraph/courier/audit_hook"
	"github.com/xraph/courier/caller"
	"github.com/xraph/courier/engine"
	"github.com/xraph/courier/ingress"
	"github.com/xraph/courier/store"
	badgerstore "github.com/xraph/courier/store/badger"
	"github.com/xraph/courier/store/memory"
	redisstore "github.com/xraph/courier/store/redis"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "dotenv file loaded before reading COURIER_* variables")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "courierd: load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := courier.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "courierd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("courierd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg courier.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Without any endpoint every accepted job would fail.
	if err := cfg.CheckEndpoints(); err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close store", slog.String("error", err.Error()))
		}
	}()

	if err := st.Ping(ctx); err != nil {
		// Not fatal: submissions fail with 503 until the store is back.
		logger.Warn("shared store unreachable at startup", slog.String("error", err.Error()))
	}

	endpoints := make(map[string]string)
	for _, p := range cfg.Partitions {
		if p.Endpoint != "" {
			endpoints[p.Name] = p.Endpoint
		}
	}
	c := caller.NewHTTP(cfg.Endpoint,
		caller.WithEndpoints(endpoints),
		caller.WithLogger(logger),
	)

	opts := []engine.Option{engine.WithLogger(logger)}
	if cfg.AuditLog {
		opts = append(opts, engine.WithExtension(
			audithook.New(audithook.SlogRecorder(logger.With("component", "audit")), audithook.WithLogger(logger)),
		))
	}

	eng, err := engine.Build(cfg, st, c, opts...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	api := ingress.New(eng,
		ingress.WithLogger(logger),
		ingress.WithMaxBodyBytes(cfg.MaxPayloadBytes+64<<10),
	)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("courierd listening",
			slog.String("addr", cfg.Addr),
			slog.String("store", cfg.StoreBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("courierd shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Stop accepting work before draining the workers.
		srvErr := srv.Shutdown(shutdownCtx)
		engErr := eng.Stop(shutdownCtx)
		return errors.Join(srvErr, engErr)
	})

	return g.Wait()
}

// openStore builds the configured backend wrapped in the retrying
// decorator. The returned func releases the backend's resources.
func openStore(cfg courier.Config, logger *slog.Logger) (store.Store, func() error, error) {
	var (
		backend store.Store
		closer  func() error
	)

	switch cfg.StoreBackend {
	case courier.StoreMemory:
		m := memory.New()
		backend, closer = m, m.Close
	case courier.StoreRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:         cfg.RedisAddr,
			DialTimeout:  cfg.StoreTimeout,
			ReadTimeout:  cfg.StoreTimeout,
			WriteTimeout: cfg.StoreTimeout,
		})
		backend, closer = redisstore.New(client, redisstore.WithLogger(logger)), client.Close
	case courier.StoreBadger:
		b, err := badgerstore.Open(cfg.BadgerDir, badgerstore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		backend, closer = b, b.Close
	default:
		return nil, nil, fmt.Errorf("%w: unknown store backend %q", courier.ErrInvalidConfig, cfg.StoreBackend)
	}

	st := store.NewRetrying(backend, store.RetryOptions{
		Attempts: cfg.StoreAttempts,
		Timeout:  cfg.StoreTimeout,
	})
	return st, closer, nil
}

func newLogger(cfg courier.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
