package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/notification"
)

// Repository is the appointment store as the binaries need it: the
// scheduling operations plus lookups for resumed notification jobs.
type Repository interface {
	appointment.Repository
	notification.AppointmentReader
}

// Store bundles the repositories of the configured driver.
type Store struct {
	Driver       string
	Appointments Repository
	Jobs         notification.Ledger
	Ping         func(ctx context.Context) error

	close func()
}

func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

// Open connects to the store selected by STORE_DRIVER and migrates it.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		pool, err := ConnectPostgres(connectCtx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}

		applied, err := Migrate(connectCtx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		for _, name := range applied {
			log.Info().Str("migration", name).Msg("migration applied")
		}

		return &Store{
			Driver:       "postgres",
			Appointments: appointment.NewPgRepository(pool),
			Jobs:         notification.NewPgLedger(pool),
			Ping:         pool.Ping,
			close:        pool.Close,
		}, nil

	case "sqlite":
		gdb, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}

		return &Store{
			Driver:       "sqlite",
			Appointments: appointment.NewGormRepository(gdb),
			Jobs:         notification.NewGormLedger(gdb),
			Ping:         sqlDB.PingContext,
			close:        func() { _ = sqlDB.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
