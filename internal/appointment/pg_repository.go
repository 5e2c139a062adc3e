package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling-core/internal/clock"
)

// ConfirmationJobKind is the notification job kind written alongside every
// new appointment.
const ConfirmationJobKind = "confirmation"

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

// pgDB is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db pgDB
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{db: pool}
}

const appointmentColumns = `id, reference, patient_name, phone_number, start_time, end_time,
	reason, status, created_at, updated_at, canceled_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var endTime time.Time
	var status string

	err := row.Scan(
		&a.ID,
		&a.Reference,
		&a.PatientName,
		&a.PhoneNumber,
		&a.StartTime,
		&endTime,
		&a.Reason,
		&status,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.CanceledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.StartTime = a.StartTime.UTC()
	a.Duration = endTime.Sub(a.StartTime)
	a.Status = Status(status)
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgExclusionViolation:
			return &ConflictError{}
		case pgUniqueViolation:
			return fmt.Errorf("duplicate appointment key (%s): %w", pgErr.ConstraintName, err)
		}
	}
	return err
}

// Interface methods

func (r *PgRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &PgRepository{db: tx})
	})
}

func (r *PgRepository) Insert(ctx context.Context, a *Appointment) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO appointments (id, reference, patient_name, phone_number, start_time, end_time,
			                          reason, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		`, a.ID, a.Reference, a.PatientName, a.PhoneNumber, a.StartTime, a.EndTime(),
			a.Reason, string(a.Status), a.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert appointment: %w", mapPgError(err))
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO notification_jobs (id, appointment_id, kind, status, attempts, last_error,
			                               next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, 'pending', 0, '', $4, $4, $4)
			ON CONFLICT (appointment_id, kind) DO NOTHING
		`, uuid.New(), a.ID, ConfirmationJobKind, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert confirmation job: %w", err)
		}

		return nil
	})
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListByDate(ctx context.Context, day time.Time) ([]Appointment, error) {
	d := clock.Day(day)
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE start_time >= $1
		  AND start_time < $2
		ORDER BY start_time, created_at
	`, d.Start, d.End)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListScheduledBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'scheduled'
		  AND start_time >= $1
		  AND start_time < $2
		ORDER BY start_time
	`, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListOverlapping(ctx context.Context, iv clock.Interval) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'scheduled'
		  AND start_time < $2
		  AND end_time > $1
		ORDER BY start_time
	`, iv.Start, iv.End)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindScheduled(ctx context.Context, patientName, phoneNumber string, day time.Time) ([]Appointment, error) {
	d := clock.Day(day)
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'scheduled'
		  AND lower(patient_name) = lower($1)
		  AND phone_number = $2
		  AND start_time >= $3
		  AND start_time < $4
		ORDER BY start_time
	`, patientName, phoneNumber, d.Start, d.End)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now(),
		    canceled_at = CASE WHEN $2 = 'canceled' THEN now() ELSE canceled_at END
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, string(to), string(from))

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: appointment %s is not %s", ErrInvalidTransition, id, from)
	}
	return a, err
}
