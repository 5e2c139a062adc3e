package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
)

type Kind string

const (
	KindConfirmation Kind = appointment.ConfirmationJobKind
	KindCancellation Kind = "cancellation"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

var (
	ErrJobNotFound     = errors.New("notification job not found")
	ErrNotClaimable    = errors.New("notification job is terminal or leased elsewhere")
	ErrAlreadyTerminal = errors.New("notification job already reached a terminal state")
)

// Job is the delivery lineage of one message for one appointment. It is
// unique per (AppointmentID, Kind).
type Job struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	Kind          Kind
	Status        Status
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	LeaseUntil    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SentAt        *time.Time
}

// Ledger persists jobs so that retries survive a restart. State changes out
// of pending are compare-and-set: a job is marked sent or failed at most once.
type Ledger interface {
	// Ensure returns the job for the key, creating a pending one if absent.
	Ensure(ctx context.Context, appointmentID uuid.UUID, kind Kind, now time.Time) (*Job, error)
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	GetByKey(ctx context.Context, appointmentID uuid.UUID, kind Kind) (*Job, error)

	// Claim leases a pending job to the caller until now+lease.
	Claim(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*Job, error)
	RecordAttempt(ctx context.Context, id uuid.UUID, attempts int, lastErr string, nextAttemptAt, leaseUntil time.Time) error
	MarkSent(ctx context.Context, id uuid.UUID, attempts int, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string, at time.Time) error

	// ListDue returns pending, unleased jobs whose next attempt is due.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	ListFailed(ctx context.Context, limit int) ([]Job, error)
}
