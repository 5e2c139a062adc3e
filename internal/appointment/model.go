package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/clock"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCanceled  Status = "canceled"
)

// CanTransition reports whether a status change is legal. The only legal
// change is Scheduled to Canceled.
func CanTransition(from, to Status) bool {
	return from == StatusScheduled && to == StatusCanceled
}

type Appointment struct {
	ID          uuid.UUID
	Reference   string
	PatientName string
	PhoneNumber string
	StartTime   time.Time
	Duration    time.Duration
	Reason      string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CanceledAt  *time.Time
}

func (a Appointment) EndTime() time.Time {
	return a.StartTime.Add(a.Duration)
}

func (a Appointment) Interval() clock.Interval {
	return clock.Interval{Start: a.StartTime, End: a.EndTime()}
}

type EventType string

const (
	EventBooked   EventType = "booked"
	EventCanceled EventType = "canceled"
)

// Event is an immutable fact emitted once per committed state transition.
// Seq is stamped by the bus at publish time.
type Event struct {
	Seq         uint64
	Type        EventType
	Appointment Appointment
	OccurredAt  time.Time
}

// Publisher receives events after the transaction that produced them commits.
// Publish must not block.
type Publisher interface {
	Publish(ev Event)
}

type PublisherFunc func(ev Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }
