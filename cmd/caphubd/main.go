// Command caphubd runs the capability session gateway: session lifecycle,
// request dispatch to capability backends, and the SSE notification stream.
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

	"github.com/caphub/caphub-go/config"
	"github.com/caphub/caphub-go/dispatch"
	"github.com/caphub/caphub-go/gatewayhttp"
	"github.com/caphub/caphub-go/internal/logctx"
	"github.com/caphub/caphub-go/notify"
	"github.com/caphub/caphub-go/sessions"
	"github.com/spf13/pflag"
)

func main() {
	var (
		listenAddr = pflag.String("listen", "", "listen address (overrides CAPHUB_LISTEN_ADDR)")
		routesFile = pflag.String("routes", "", "routing table YAML file (overrides CAPHUB_ROUTES_FILE)")
		logLevel   = pflag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	pflag.Parse()

	log := newLogger(*logLevel)

	cfg, err := config.GatewayFromEnv()
	if err != nil {
		log.Error("config.env.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *routesFile != "" {
		cfg.RoutesFile = *routesFile
	}

	routes, addrs, err := config.LoadRoutes(cfg.RoutesFile, cfg.BackendAddrs())
	if err != nil {
		log.Error("config.routes.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}

	router, err := dispatch.NewRouter(routes, addrs,
		dispatch.WithLogger(log),
		dispatch.WithDispatchTimeout(cfg.DispatchTimeout),
		dispatch.WithHealthTimeout(cfg.HealthTimeout),
	)
	if err != nil {
		log.Error("router.init.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}

	registry := sessions.NewRegistry(sessions.WithLogger(log))
	hub := notify.NewHub(notify.WithLogger(log))

	handler := gatewayhttp.New(registry, router, hub,
		gatewayhttp.WithLogger(log),
		gatewayhttp.WithKeepAliveInterval(cfg.KeepAliveInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := sessions.NewSweeper(registry, cfg.SweepInterval, cfg.IdleThreshold, handler.NotifyExpired, log)
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("gateway.start", slog.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("gateway.serve.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("gateway.stop")
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
