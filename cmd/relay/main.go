package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/LeventeLantos/relay/internal/api"
	"github.com/LeventeLantos/relay/internal/config"
	"github.com/LeventeLantos/relay/internal/delivery"
	"github.com/LeventeLantos/relay/internal/notify"
	"github.com/LeventeLantos/relay/internal/queue"
	"github.com/LeventeLantos/relay/internal/realtime"
	"github.com/LeventeLantos/relay/internal/scheduler"
)

const (
	defaultPollInterval = 30 * time.Second
	shutdownTimeout     = 5 * time.Second
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.Level}))
	slog.SetDefault(logger)

	if cfg.Log.Level > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("relay starting",
		"addr", cfg.Server.Address,
		"postgres", cfg.Database.PostgresURL != "",
		"redis", cfg.Redis.Enabled,
		"transport", cfg.Transport.Mode,
		"queue_delay", cfg.Queue.Delay.String(),
		"poll_interval", cfg.Queue.PollInterval.String(),
	)

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	hub := realtime.NewHub(logger.With("component", "hub"))
	var pub realtime.Publisher = hub
	if b.redis != nil {
		pub = realtime.NewRedisPublisher(b.redis, cfg.Redis.Channel)
		relay := realtime.NewRelay(b.redis, cfg.Redis.Channel, hub, logger.With("component", "relay"))
		go func() {
			if err := relay.Run(ctx, nil); err != nil {
				logger.Error("redis relay stopped", "error", err)
			}
		}()
	}

	notifier := notify.New(b.registry, pub, logger.With("component", "notify"))
	svc := delivery.NewService(b.messages, newTransport(cfg, logger), notifier, b.registry, logger.With("component", "delivery"))
	if b.cache != nil {
		svc.WithCache(b.cache)
	}

	proc, err := queue.NewProcessor(svc, cfg.Queue.Delay, cfg.Queue.BatchSize, logger)
	if err != nil {
		return err
	}
	defer proc.Close()

	interval := cfg.Queue.PollInterval
	if interval == 0 {
		interval = defaultPollInterval
	}
	poller, err := scheduler.New(interval, proc, logger)
	if err != nil {
		return err
	}
	defer poller.Stop()
	if cfg.Queue.PollInterval > 0 {
		poller.Start()
	}

	h := api.NewHandler(api.Deps{
		Messages: svc,
		Queue:    proc,
		Poller:   poller,
		Registry: b.registry,
		Gateway:  realtime.NewGateway(hub, logger.With("component", "realtime")),
		Fanout:   notifier,
		Checks:   b.checks,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.Router(h),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("relay shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
