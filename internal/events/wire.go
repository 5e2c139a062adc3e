package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
)

// AppointmentPayload is the JSON shape of an appointment inside an event.
type AppointmentPayload struct {
	ID          uuid.UUID  `json:"id"`
	Reference   string     `json:"reference"`
	PatientName string     `json:"patient_name"`
	PhoneNumber string     `json:"phone_number"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CanceledAt  *time.Time `json:"canceled_at,omitempty"`
}

// Envelope is the wire form of a domain event, shared by the Redis relay and
// the live dashboard channel.
type Envelope struct {
	Type        string             `json:"type"`
	Seq         uint64             `json:"seq"`
	Appointment AppointmentPayload `json:"appointment"`
	Timestamp   time.Time          `json:"timestamp"`
}

func Encode(ev appointment.Event) Envelope {
	a := ev.Appointment
	return Envelope{
		Type: string(ev.Type),
		Seq:  ev.Seq,
		Appointment: AppointmentPayload{
			ID:          a.ID,
			Reference:   a.Reference,
			PatientName: a.PatientName,
			PhoneNumber: a.PhoneNumber,
			StartTime:   a.StartTime,
			EndTime:     a.EndTime(),
			Reason:      a.Reason,
			Status:      string(a.Status),
			CreatedAt:   a.CreatedAt,
			CanceledAt:  a.CanceledAt,
		},
		Timestamp: ev.OccurredAt,
	}
}

func (e Envelope) Decode() appointment.Event {
	p := e.Appointment
	return appointment.Event{
		Seq:  e.Seq,
		Type: appointment.EventType(e.Type),
		Appointment: appointment.Appointment{
			ID:          p.ID,
			Reference:   p.Reference,
			PatientName: p.PatientName,
			PhoneNumber: p.PhoneNumber,
			StartTime:   p.StartTime.UTC(),
			Duration:    p.EndTime.Sub(p.StartTime),
			Reason:      p.Reason,
			Status:      appointment.Status(p.Status),
			CreatedAt:   p.CreatedAt,
			CanceledAt:  p.CanceledAt,
		},
		OccurredAt: e.Timestamp,
	}
}
