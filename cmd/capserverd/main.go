// Command capserverd runs one capability backend behind the uniform
// /process + /health contract. The --kind flag selects which backend:
// tools, resources, prompts, database, sampling, internet, or roots.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caphub/caphub-go/backend"
	"github.com/caphub/caphub-go/backend/database"
	"github.com/caphub/caphub-go/backend/internet"
	"github.com/caphub/caphub-go/backend/prompts"
	"github.com/caphub/caphub-go/backend/resources"
	"github.com/caphub/caphub-go/backend/roots"
	"github.com/caphub/caphub-go/backend/sampling"
	"github.com/caphub/caphub-go/backend/tools"
	"github.com/caphub/caphub-go/config"
	"github.com/caphub/caphub-go/internal/logctx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

func main() {
	var (
		kind       = pflag.String("kind", "tools", "backend kind: tools, resources, prompts, database, sampling, internet, roots")
		listenAddr = pflag.String("listen", "", "listen address (overrides CAPSERVER_LISTEN_ADDR)")
		logLevel   = pflag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	pflag.Parse()

	log := newLogger(*logLevel)

	cfg, err := config.BackendFromEnv()
	if err != nil {
		log.Error("config.env.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	handler, cleanup, err := buildHandler(*kind, cfg, log)
	if err != nil {
		log.Error("backend.init.fail", slog.String("kind", *kind), slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer cleanup()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: backend.NewHTTPHandler(handler, backend.WithLogger(log)),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("backend.start", slog.String("kind", *kind), slog.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("backend.serve.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("backend.stop", slog.String("kind", *kind))
}

func buildHandler(kind string, cfg *config.Backend, log *slog.Logger) (backend.Handler, func(), error) {
	noop := func() {}

	switch kind {
	case "tools":
		return tools.New(tools.WithLogger(log)), noop, nil

	case "resources":
		opts := []resources.StoreOption{
			resources.WithStoreLogger(log),
			resources.WithTTL(cfg.ResourceCacheTTL),
		}
		if cfg.ResourceDir != "" {
			opts = append(opts, resources.WithDir(cfg.ResourceDir))
		}
		store, err := resources.NewStore(1024, opts...)
		if err != nil {
			return nil, noop, err
		}
		return resources.New(store, resources.WithLogger(log)), func() { _ = store.Close() }, nil

	case "prompts":
		return prompts.New(prompts.WithLogger(log)), noop, nil

	case "sampling":
		return sampling.New(sampling.WithLogger(log)), noop, nil

	case "internet":
		return internet.New(
			internet.WithLogger(log),
			internet.WithRateLimits(cfg.InternetRequestsPerMinute, cfg.InternetDataMBPerMinute),
			internet.WithAllowedDomains(cfg.InternetAllowedDomains),
			internet.WithBlockedDomains(cfg.InternetBlockedDomains),
		), noop, nil

	case "roots":
		return roots.New(roots.WithLogger(log)), noop, nil

	case "database":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		h, err := database.New(client, database.WithLogger(log))
		if err != nil {
			return nil, noop, err
		}
		return h, func() { _ = client.Close() }, nil

	default:
		return nil, noop, errors.New("unknown backend kind: " + kind)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	log := slog.New(logctx.Handler{Handler: base})
	slog.SetDefault(log)
	return log
}
