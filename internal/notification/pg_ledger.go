package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, appointment_id, kind, status, attempts, last_error,
	next_attempt_at, lease_until, created_at, updated_at, sent_at`

type PgLedger struct {
	pool *pgxpool.Pool
}

func NewPgLedger(pool *pgxpool.Pool) *PgLedger {
	return &PgLedger{pool: pool}
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var kind, status string

	err := row.Scan(
		&j.ID,
		&j.AppointmentID,
		&kind,
		&status,
		&j.Attempts,
		&j.LastError,
		&j.NextAttemptAt,
		&j.LeaseUntil,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.SentAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	j.Kind = Kind(kind)
	j.Status = Status(status)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (l *PgLedger) Ensure(ctx context.Context, appointmentID uuid.UUID, kind Kind, now time.Time) (*Job, error) {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO notification_jobs (id, appointment_id, kind, status, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $4, $4)
		ON CONFLICT (appointment_id, kind) DO NOTHING
	`, uuid.New(), appointmentID, string(kind), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("ensure notification job: %w", err)
	}
	return l.GetByKey(ctx, appointmentID, kind)
}

func (l *PgLedger) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	return scanJob(l.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM notification_jobs
		WHERE id = $1
	`, id))
}

func (l *PgLedger) GetByKey(ctx context.Context, appointmentID uuid.UUID, kind Kind) (*Job, error) {
	return scanJob(l.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM notification_jobs
		WHERE appointment_id = $1
		  AND kind = $2
	`, appointmentID, string(kind)))
}

func (l *PgLedger) Claim(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*Job, error) {
	j, err := scanJob(l.pool.QueryRow(ctx, `
		UPDATE notification_jobs
		SET lease_until = $2,
		    updated_at = $3
		WHERE id = $1
		  AND status = 'pending'
		  AND (lease_until IS NULL OR lease_until < $3)
		RETURNING `+jobColumns,
		id, now.Add(lease).UTC(), now.UTC()))
	if errors.Is(err, ErrJobNotFound) {
		return nil, ErrNotClaimable
	}
	return j, err
}

func (l *PgLedger) RecordAttempt(ctx context.Context, id uuid.UUID, attempts int, lastErr string, nextAttemptAt, leaseUntil time.Time) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE notification_jobs
		SET attempts = $2,
		    last_error = $3,
		    next_attempt_at = $4,
		    lease_until = $5,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'pending'
	`, id, attempts, lastErr, nextAttemptAt.UTC(), leaseUntil.UTC())
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyTerminal
	}
	return nil
}

func (l *PgLedger) MarkSent(ctx context.Context, id uuid.UUID, attempts int, at time.Time) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE notification_jobs
		SET status = 'sent',
		    attempts = $2,
		    last_error = '',
		    sent_at = $3,
		    lease_until = NULL,
		    updated_at = $3
		WHERE id = $1
		  AND status = 'pending'
	`, id, attempts, at.UTC())
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyTerminal
	}
	return nil
}

func (l *PgLedger) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string, at time.Time) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE notification_jobs
		SET status = 'failed',
		    attempts = $2,
		    last_error = $3,
		    lease_until = NULL,
		    updated_at = $4
		WHERE id = $1
		  AND status = 'pending'
	`, id, attempts, lastErr, at.UTC())
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyTerminal
	}
	return nil
}

func (l *PgLedger) ListDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM notification_jobs
		WHERE status = 'pending'
		  AND next_attempt_at <= $1
		  AND (lease_until IS NULL OR lease_until < $1)
		ORDER BY next_attempt_at
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (l *PgLedger) ListFailed(ctx context.Context, limit int) ([]Job, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM notification_jobs
		WHERE status = 'failed'
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}
