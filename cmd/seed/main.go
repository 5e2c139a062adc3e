package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/clock"
	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/db"
	"github.com/hackgods/clinic-scheduling-core/internal/lock"
	"github.com/hackgods/clinic-scheduling-core/internal/logger"
)

var reasons = []string{
	"General Consultation",
	"Annual checkup",
	"Follow-up",
	"Blood test results",
	"Vaccination",
	"Fever and cough",
	"Back pain",
	"Skin rash",
	"Prescription refill",
	"Blood pressure review",
}

// seed books fake patients into free slots through the scheduling service,
// so every seeded row obeys the same rules as a real booking.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Env, cfg.LogLevel)

	count, _ := strconv.Atoi(config.Getenv("SEED_COUNT", "100"))
	days, _ := strconv.Atoi(config.Getenv("SEED_DAYS", "14"))
	if count < 1 || days < 1 {
		log.Fatal().Msg("SEED_COUNT and SEED_DAYS must be positive")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := db.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	// Seeding runs alone, so an in-process lock is enough and Redis is not
	// required.
	svc := appointment.NewService(store.Appointments, lock.NewLocalLocker(), nil, cfg)

	booked, skipped, err := seedAppointments(ctx, svc, count, days, log)
	if err != nil {
		log.Fatal().Err(err).Int("booked", booked).Msg("seed failed")
	}
	log.Info().Int("booked", booked).Int("skipped", skipped).Msg("seed complete")
}

func seedAppointments(ctx context.Context, svc *appointment.Service, count, days int, log zerolog.Logger) (booked, skipped int, err error) {
	log.Info().Int("count", count).Int("days", days).Msg("seeding appointments")

	firstDay := clock.StartOfDay(time.Now()).AddDate(0, 0, 1)
	slotsPerDay := int((8 * time.Hour) / svc.Duration()) // 09:00 to 17:00

	for i := 0; i < count; i++ {
		day := firstDay.AddDate(0, 0, gofakeit.Number(0, days-1))
		start := day.Add(9*time.Hour + time.Duration(gofakeit.Number(0, slotsPerDay-1))*svc.Duration())

		_, err := svc.Book(ctx, appointment.BookRequest{
			PatientName: gofakeit.Name(),
			PhoneNumber: "+923" + gofakeit.Numerify("#########"),
			StartTime:   start.Format(time.RFC3339),
			Reason:      gofakeit.RandomString(reasons),
		})
		switch {
		case err == nil:
			booked++
		case errors.Is(err, appointment.ErrSlotConflict), errors.Is(err, appointment.ErrValidation):
			skipped++
		default:
			return booked, skipped, err
		}

		if (i+1)%50 == 0 {
			log.Info().Int("done", i+1).Int("of", count).Msg("seed progress")
		}
	}

	return booked, skipped, nil
}
