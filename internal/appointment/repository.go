package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/clock"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
)

// Repository is the durable appointment store. Every method may be called on
// the repository handed to a WithTx callback, in which case it runs inside
// that transaction.
type Repository interface {
	// WithTx runs fn in a single atomic transaction. Nested calls use a savepoint.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error

	// Insert persists a new appointment together with its pending
	// confirmation notification job.
	Insert(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Listing, all ordered by start time ascending.
	ListByDate(ctx context.Context, day time.Time) ([]Appointment, error)
	ListScheduledBetween(ctx context.Context, from, to time.Time) ([]Appointment, error)
	ListOverlapping(ctx context.Context, iv clock.Interval) ([]Appointment, error)
	FindScheduled(ctx context.Context, patientName, phoneNumber string, day time.Time) ([]Appointment, error)

	// UpdateStatus flips status only when the stored status equals from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)
}
