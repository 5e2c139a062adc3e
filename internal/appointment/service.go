package appointment

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/clock"
	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/lock"
	"github.com/hackgods/clinic-scheduling-core/internal/metrics"
)

const (
	referenceAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	referenceLength   = 8
)

type BookRequest struct {
	PatientName string `json:"patient_name" validate:"required,max=200"`
	PhoneNumber string `json:"phone_number" validate:"required,max=32"`
	StartTime   string `json:"start_time" validate:"required"`
	Reason      string `json:"reason" validate:"required,max=500"`
}

type CancelRequest struct {
	PatientName string `json:"patient_name" validate:"required,max=200"`
	PhoneNumber string `json:"phone_number" validate:"required,max=32"`
	Date        string `json:"date" validate:"required"`
}

type Service struct {
	repo      Repository
	resolver  *Resolver
	publisher Publisher
	validate  *validator.Validate
	log       zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	duration   time.Duration
	listWindow time.Duration
	region     string
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l.With().Str("component", "scheduling").Logger() }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
		s.resolver.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, locker lock.Locker, publisher Publisher, cfg config.Config, opts ...Option) *Service {
	if publisher == nil {
		publisher = PublisherFunc(func(Event) {})
	}

	s := &Service{
		repo:       repo,
		resolver:   NewResolver(repo, locker, nil),
		publisher:  publisher,
		validate:   newValidator(),
		log:        zerolog.Nop(),
		now:        time.Now,
		duration:   cfg.AppointmentDuration.D(),
		listWindow: cfg.ListWindow.D(),
		region:     cfg.PhoneRegion,
	}
	if s.duration <= 0 {
		s.duration = clock.DefaultDuration
	}
	if s.listWindow <= 0 {
		s.listWindow = 90 * 24 * time.Hour
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Service) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	reason := "is invalid"
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "max":
		reason = fmt.Sprintf("must be at most %s characters", fe.Param())
	}
	return &ValidationError{Field: fe.Field(), Reason: reason}
}

// Duration is the fixed length applied to every booking.
func (s *Service) Duration() time.Duration {
	return s.duration
}

// Book validates the request, then atomically checks the calendar and
// inserts the appointment. The booked event is emitted after commit.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	req.StartTime = strings.TrimSpace(req.StartTime)
	req.Reason = strings.TrimSpace(req.Reason)

	if err := s.validateRequest(req); err != nil {
		s.metrics.ObserveBooking("invalid")
		return nil, err
	}

	phone, err := NormalizePhone(req.PhoneNumber, s.region)
	if err != nil {
		s.metrics.ObserveBooking("invalid")
		return nil, err
	}

	start, err := clock.Normalize(req.StartTime)
	if err != nil {
		s.metrics.ObserveBooking("invalid")
		return nil, err
	}
	iv, err := clock.NewInterval(start, s.duration)
	if err != nil {
		s.metrics.ObserveBooking("invalid")
		return nil, err
	}

	ref, err := gonanoid.Generate(referenceAlphabet, referenceLength)
	if err != nil {
		return nil, fmt.Errorf("generate booking reference: %w", err)
	}

	now := s.now().UTC()
	appt := &Appointment{
		ID:          uuid.New(),
		Reference:   ref,
		PatientName: req.PatientName,
		PhoneNumber: phone,
		StartTime:   iv.Start,
		Duration:    s.duration,
		Reason:      req.Reason,
		Status:      StatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.resolver.Reserve(ctx, iv,
		func(ctx context.Context, tx Repository) error {
			return tx.Insert(ctx, appt)
		},
		func() {
			s.publisher.Publish(Event{Type: EventBooked, Appointment: *appt, OccurredAt: now})
		},
	)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			s.metrics.ObserveBooking("conflict")
			s.log.Info().
				Time("start_time", iv.Start).
				Int("conflicts", len(conflict.IDs)).
				Msg("booking rejected, slot taken")
			return nil, conflict
		}
		s.metrics.ObserveBooking("error")
		return nil, fmt.Errorf("book appointment: %w", err)
	}

	s.metrics.ObserveBooking("booked")
	s.log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("reference", appt.Reference).
		Time("start_time", appt.StartTime).
		Msg("appointment booked")

	return appt, nil
}

// Cancel cancels every scheduled appointment of the patient on the given
// date and emits one canceled event per record. Matching nothing is not an
// error: repeat calls report zero.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (int, error) {
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	req.Date = strings.TrimSpace(req.Date)

	if err := s.validateRequest(req); err != nil {
		return 0, err
	}

	phone, err := NormalizePhone(req.PhoneNumber, s.region)
	if err != nil {
		return 0, err
	}
	day, err := clock.ParseDate(req.Date)
	if err != nil {
		return 0, err
	}

	// Appointments starting on day may run into the next one.
	guard := clock.Interval{Start: day, End: day.AddDate(0, 0, 1).Add(s.duration)}

	var canceled []Appointment
	err = s.resolver.Guard(ctx, guard, func(ctx context.Context) error {
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			matches, err := tx.FindScheduled(ctx, req.PatientName, phone, day)
			if err != nil {
				return fmt.Errorf("find scheduled: %w", err)
			}

			for _, m := range matches {
				updated, err := tx.UpdateStatus(ctx, m.ID, StatusScheduled, StatusCanceled)
				if errors.Is(err, ErrInvalidTransition) {
					continue
				}
				if err != nil {
					return fmt.Errorf("cancel %s: %w", m.ID, err)
				}
				canceled = append(canceled, *updated)
			}
			return nil
		})
		if err != nil {
			canceled = nil
			return err
		}

		now := s.now().UTC()
		for _, a := range canceled {
			s.publisher.Publish(Event{Type: EventCanceled, Appointment: a, OccurredAt: now})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cancel appointments: %w", err)
	}

	s.metrics.ObserveCancellations(len(canceled))
	s.log.Info().
		Str("date", clock.FormatDate(day)).
		Int("canceled", len(canceled)).
		Msg("cancel request processed")

	return len(canceled), nil
}

// List returns scheduled appointments ordered by start time: those on the
// given date, or, without a date, those from today through the list window.
func (s *Service) List(ctx context.Context, date *time.Time) ([]Appointment, error) {
	if date != nil {
		d := clock.Day(*date)
		return s.repo.ListScheduledBetween(ctx, d.Start, d.End)
	}

	from := clock.StartOfDay(s.now())
	return s.repo.ListScheduledBetween(ctx, from, s.now().UTC().Add(s.listWindow))
}

// History returns every appointment starting on the date, canceled ones
// included.
func (s *Service) History(ctx context.Context, date time.Time) ([]Appointment, error) {
	return s.repo.ListByDate(ctx, date)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetByID(ctx, id)
}
