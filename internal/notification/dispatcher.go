package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/events"
	"github.com/hackgods/clinic-scheduling-core/internal/metrics"
)

// AppointmentReader loads the appointment a resumed job refers to.
type AppointmentReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SendTimeout    time.Duration
	Lease          time.Duration
	Workers        int
	SweepBatch     int
}

func ConfigFrom(n config.Notify) Config {
	return Config{
		MaxAttempts:    n.MaxAttempts,
		InitialBackoff: n.InitialBackoff.D(),
		MaxBackoff:     n.MaxBackoff.D(),
		SendTimeout:    n.SendTimeout.D(),
		Lease:          n.Lease.D(),
		Workers:        n.Workers,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.SweepBatch < 1 {
		c.SweepBatch = 100
	}
	return c
}

// Dispatcher turns appointment events into delivered patient messages. Every
// message is backed by a Job row, so a message is sent at most once per
// (appointment, kind) and unfinished work survives a restart.
type Dispatcher struct {
	ledger   Ledger
	appts    AppointmentReader
	sender   Sender
	renderer *Renderer
	cfg      Config
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Dispatcher)

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l.With().Str("component", "dispatcher").Logger() }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(ledger Ledger, appts AppointmentReader, sender Sender, renderer *Renderer, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ledger:   ledger,
		appts:    appts,
		sender:   sender,
		renderer: renderer,
		cfg:      cfg.withDefaults(),
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func kindFor(t appointment.EventType) (Kind, bool) {
	switch t {
	case appointment.EventBooked:
		return KindConfirmation, true
	case appointment.EventCanceled:
		return KindCancellation, true
	default:
		return "", false
	}
}

// Run consumes sub until ctx ends or the subscription closes, handling at
// most cfg.Workers events at a time. In-flight deliveries finish before Run
// returns.
func (d *Dispatcher) Run(ctx context.Context, sub *events.Subscription) error {
	p := pool.New().WithMaxGoroutines(d.cfg.Workers)
	defer p.Wait()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, events.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		p.Go(func() {
			if err := d.HandleEvent(ctx, ev); err != nil && ctx.Err() == nil {
				d.log.Error().Err(err).
					Uint64("seq", ev.Seq).
					Str("appointment_id", ev.Appointment.ID.String()).
					Msg("handle event")
			}
		})
	}
}

// HandleEvent ensures the job for ev exists and delivers it unless it has
// already reached a terminal state.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev appointment.Event) error {
	kind, ok := kindFor(ev.Type)
	if !ok {
		return nil
	}

	job, err := d.ledger.Ensure(ctx, ev.Appointment.ID, kind, d.now())
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		d.log.Debug().
			Str("job_id", job.ID.String()).
			Str("status", string(job.Status)).
			Msg("duplicate event, job already finished")
		return nil
	}

	appt := ev.Appointment
	return d.process(ctx, *job, &appt)
}

// Sweep resumes pending jobs that are due: those written by the booking
// outbox, those interrupted mid-retry and those whose lease expired.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	jobs, err := d.ledger.ListDue(ctx, d.now(), d.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	p := pool.New().WithMaxGoroutines(d.cfg.Workers)
	for _, job := range jobs {
		job := job
		p.Go(func() {
			if err := d.process(ctx, job, nil); err != nil && ctx.Err() == nil {
				d.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("resume job")
			}
		})
	}
	p.Wait()

	return len(jobs), nil
}

// RunSweeper calls Sweep immediately and then every interval until ctx ends.
func (d *Dispatcher) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := d.Sweep(ctx); err != nil {
			if ctx.Err() == nil {
				d.log.Error().Err(err).Msg("sweep")
			}
		} else if n > 0 {
			d.log.Info().Int("jobs", n).Msg("sweep resumed jobs")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, job Job, appt *appointment.Appointment) error {
	claimed, err := d.ledger.Claim(ctx, job.ID, d.now(), d.cfg.Lease)
	if errors.Is(err, ErrNotClaimable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}

	if claimed.Attempts >= d.cfg.MaxAttempts {
		return d.fail(ctx, claimed, claimed.Attempts, errors.New(claimed.LastError))
	}

	if appt == nil {
		appt, err = d.appts.GetByID(ctx, claimed.AppointmentID)
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			return d.fail(ctx, claimed, claimed.Attempts, err)
		}
		if err != nil {
			return fmt.Errorf("load appointment: %w", err)
		}
	}

	body, err := d.renderer.Render(claimed.Kind, *appt)
	if err != nil {
		return d.fail(ctx, claimed, claimed.Attempts, err)
	}

	return d.deliver(ctx, claimed, appt.PhoneNumber, body)
}

// deliver retries transient failures with exponential backoff until the
// job's total attempt count reaches MaxAttempts. Each failed attempt is
// persisted before the wait so a restart resumes the count.
func (d *Dispatcher) deliver(ctx context.Context, job *Job, to, body string) error {
	attempts := job.Attempts
	remaining := d.cfg.MaxAttempts - attempts

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.cfg.InitialBackoff
	eb.MaxInterval = d.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(remaining-1)), ctx)

	var lastErr error
	op := func() error {
		attempts++
		err := d.attempt(ctx, to, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		now := d.now()
		d.log.Warn().Err(err).
			Str("job_id", job.ID.String()).
			Int("attempt", attempts).
			Dur("retry_in", wait).
			Msg("delivery attempt failed")
		if rerr := d.ledger.RecordAttempt(ctx, job.ID, attempts, err.Error(), now.Add(wait), now.Add(wait+d.cfg.Lease)); rerr != nil {
			d.log.Error().Err(rerr).Str("job_id", job.ID.String()).Msg("record attempt")
		}
	}

	err := backoff.RetryNotify(op, b, notify)

	// Final writes must land even when shutdown cancelled ctx.
	wctx := context.WithoutCancel(ctx)

	if err == nil {
		if err := d.ledger.MarkSent(wctx, job.ID, attempts, d.now()); err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		d.metrics.ObserveNotification(string(job.Kind), string(StatusSent))
		d.log.Info().
			Str("job_id", job.ID.String()).
			Str("kind", string(job.Kind)).
			Int("attempts", attempts).
			Msg("notification sent")
		return nil
	}

	if ctx.Err() != nil {
		// Interrupted: leave the job pending with its lease released so the
		// next sweep picks it up.
		msg := "delivery interrupted"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		now := d.now()
		if rerr := d.ledger.RecordAttempt(wctx, job.ID, attempts, msg, now, now); rerr != nil {
			d.log.Error().Err(rerr).Str("job_id", job.ID.String()).Msg("release interrupted job")
		}
		return ctx.Err()
	}

	return d.fail(ctx, job, attempts, err)
}

func (d *Dispatcher) attempt(ctx context.Context, to, body string) error {
	actx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	err := d.sender.Send(actx, to, body)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		err = Transient("timeout", fmt.Errorf("no provider response within %s: %w", d.cfg.SendTimeout, err))
	}

	outcome := "ok"
	switch {
	case err == nil:
	case IsPermanent(err):
		outcome = "permanent"
	default:
		outcome = "transient"
	}
	d.metrics.ObserveDelivery(outcome, time.Since(start))

	return err
}

func (d *Dispatcher) fail(ctx context.Context, job *Job, attempts int, cause error) error {
	wctx := context.WithoutCancel(ctx)
	if err := d.ledger.MarkFailed(wctx, job.ID, attempts, cause.Error(), d.now()); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	d.metrics.ObserveNotification(string(job.Kind), string(StatusFailed))
	d.log.Error().Err(cause).
		Str("job_id", job.ID.String()).
		Str("appointment_id", job.AppointmentID.String()).
		Str("kind", string(job.Kind)).
		Int("attempts", attempts).
		Msg("notification failed permanently")
	return nil
}
