package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/db"
	"github.com/hackgods/clinic-scheduling-core/internal/logger"
	"github.com/hackgods/clinic-scheduling-core/internal/notification"
)

// dispatch-worker delivers pending notification jobs out of process. It only
// sweeps the ledger; it does not see live events.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Env, cfg.LogLevel)
	log.Info().
		Str("provider", cfg.Provider).
		Dur("interval", cfg.WorkerInterval.D()).
		Msg("dispatch-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(rootCtx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	sender, err := notification.NewSender(cfg.Messaging, log)
	if err != nil {
		log.Fatal().Err(err).Msg("messaging provider")
	}

	dispatcher := notification.NewDispatcher(
		store.Jobs,
		store.Appointments,
		sender,
		notification.NewRenderer(cfg.ClinicName, cfg.ClinicContact),
		notification.ConfigFrom(cfg.Notify),
		notification.WithLogger(log),
	)

	// Run once at startup
	runOnce(rootCtx, dispatcher, log)

	ticker := time.NewTicker(cfg.WorkerInterval.D())
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping dispatch worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, dispatcher, log)
		}
	}
}

func runOnce(ctx context.Context, d *notification.Dispatcher, log zerolog.Logger) {
	start := time.Now()
	n, err := d.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("sweep failed")
		}
		return
	}
	log.Info().Int("jobs", n).Dur("took", time.Since(start)).Msg("sweep complete")
}
