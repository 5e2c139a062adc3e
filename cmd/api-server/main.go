package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/hackgods/clinic-scheduling-core/internal/api"
	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/broadcast"
	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/db"
	"github.com/hackgods/clinic-scheduling-core/internal/events"
	"github.com/hackgods/clinic-scheduling-core/internal/lock"
	"github.com/hackgods/clinic-scheduling-core/internal/logger"
	"github.com/hackgods/clinic-scheduling-core/internal/metrics"
	"github.com/hackgods/clinic-scheduling-core/internal/notification"
	redisclient "github.com/hackgods/clinic-scheduling-core/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Env, cfg.LogLevel)
	log.Info().
		Str("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreDriver).
		Str("lock_backend", cfg.LockBackend).
		Bool("event_relay", cfg.EventRelay).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("api-server stopped")
	}
	log.Info().Msg("api-server shut down")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	m := metrics.New()

	store, err := db.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	log.Info().Str("driver", store.Driver).Msg("store ready")

	checks := map[string]api.Checker{store.Driver: store.Ping}

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb, err = redisclient.NewRedisClient(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("close redis")
			}
		}()
		checks["redis"] = redisclient.Checker(rdb)
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.LockBackend == "redis" {
		locker = lock.NewRedisLocker(rdb, cfg.LockTTL.D(), cfg.LockWait.D())
	}

	bus := events.NewBus()
	hub := broadcast.NewHub(
		broadcast.WithLogger(log),
		broadcast.WithMetrics(m),
		broadcast.WithGreeting("Connected to "+cfg.ClinicName),
	)

	svc := appointment.NewService(store.Appointments, locker, bus, cfg,
		appointment.WithLogger(log),
		appointment.WithMetrics(m),
	)

	sender, err := notification.NewSender(cfg.Messaging, log)
	if err != nil {
		return fmt.Errorf("messaging provider: %w", err)
	}
	dispatcher := notification.NewDispatcher(
		store.Jobs,
		store.Appointments,
		sender,
		notification.NewRenderer(cfg.ClinicName, cfg.ClinicContact),
		notification.ConfigFrom(cfg.Notify),
		notification.WithLogger(log),
		notification.WithMetrics(m),
	)

	// Background work outlives the signal context so queued events can drain
	// during shutdown.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	var dispatchWG, backgroundWG conc.WaitGroup

	dispatchSub := bus.Subscribe("dispatcher")
	dispatchWG.Go(func() {
		if err := dispatcher.Run(workCtx, dispatchSub); err != nil {
			log.Error().Err(err).Msg("dispatcher stopped")
		}
	})
	backgroundWG.Go(func() {
		dispatcher.RunSweeper(workCtx, cfg.WorkerInterval.D())
	})

	if cfg.EventRelay {
		relay := events.NewRedisRelay(rdb, "", log)
		relaySub := bus.Subscribe("relay")
		backgroundWG.Go(func() {
			if err := relay.Forward(workCtx, relaySub); err != nil {
				log.Error().Err(err).Msg("relay forward stopped")
			}
		})
		backgroundWG.Go(func() {
			if err := relay.Receive(workCtx, hub, nil); err != nil {
				log.Error().Err(err).Msg("relay receive stopped")
			}
		})
	} else {
		bus.Attach(hub)
	}

	router := api.NewRouter(api.RouterConfig{
		Service:        svc,
		Hub:            hub,
		Notifications:  store.Jobs,
		Checks:         checks,
		Metrics:        m,
		Logger:         log,
		Env:            cfg.Env,
		Version:        version,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		IdempotencyTTL: cfg.IdempotencyTTL.D(),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.D())
	defer cancel()

	// Hijacked websocket connections are not closed by Shutdown.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}

	// No more bookings can arrive. Let the dispatcher finish what is queued;
	// anything left over stays pending for the next sweep.
	bus.Close()
	drained := make(chan struct{})
	go func() {
		dispatchWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Warn().Msg("shutdown timeout reached before notifications drained")
	}

	cancelWork()
	<-drained
	backgroundWG.Wait()

	return runErr
}
