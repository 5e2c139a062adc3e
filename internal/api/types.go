package api

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/notification"
)

const defaultLegacyReason = "General Consultation"

// bookPayload accepts the documented field names and the aliases sent by the
// voice agent. The first non-empty value wins.
type bookPayload struct {
	PatientName    string `json:"patient_name"`
	PatientNameAlt string `json:"patientName"`
	Name           string `json:"name"`

	PhoneNumber    string `json:"phone_number"`
	PhoneNumberAlt string `json:"phoneNumber"`
	Phone          string `json:"phone"`

	StartTime       string `json:"start_time"`
	StartTimeAlt    string `json:"startTime"`
	DateTime        string `json:"dateTime"`
	AppointmentTime string `json:"appointment_time"`

	Reason      string `json:"reason"`
	VisitReason string `json:"visitReason"`
}

func (p bookPayload) request() appointment.BookRequest {
	return appointment.BookRequest{
		PatientName: firstNonEmpty(p.PatientName, p.PatientNameAlt, p.Name),
		PhoneNumber: firstNonEmpty(p.PhoneNumber, p.PhoneNumberAlt, p.Phone),
		StartTime:   firstNonEmpty(p.StartTime, p.StartTimeAlt, p.DateTime, p.AppointmentTime),
		Reason:      firstNonEmpty(p.Reason, p.VisitReason),
	}
}

type cancelPayload struct {
	PatientName    string `json:"patient_name"`
	PatientNameAlt string `json:"patientName"`
	Name           string `json:"name"`

	PhoneNumber    string `json:"phone_number"`
	PhoneNumberAlt string `json:"phoneNumber"`
	Phone          string `json:"phone"`

	Date string `json:"date"`
}

func (p cancelPayload) request() appointment.CancelRequest {
	return appointment.CancelRequest{
		PatientName: firstNonEmpty(p.PatientName, p.PatientNameAlt, p.Name),
		PhoneNumber: firstNonEmpty(p.PhoneNumber, p.PhoneNumberAlt, p.Phone),
		Date:        p.Date,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type AppointmentResponse struct {
	ID          uuid.UUID  `json:"id"`
	Reference   string     `json:"reference"`
	PatientName string     `json:"patient_name"`
	PhoneNumber string     `json:"phone_number"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	Canceled    bool       `json:"canceled"`
	CreatedAt   time.Time  `json:"created_at"`
	CanceledAt  *time.Time `json:"canceled_at,omitempty"`
}

func toAppointmentResponse(a appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:          a.ID,
		Reference:   a.Reference,
		PatientName: a.PatientName,
		PhoneNumber: a.PhoneNumber,
		StartTime:   a.StartTime,
		EndTime:     a.EndTime(),
		Reason:      a.Reason,
		Status:      string(a.Status),
		Canceled:    a.Status == appointment.StatusCanceled,
		CreatedAt:   a.CreatedAt,
		CanceledAt:  a.CanceledAt,
	}
}

func toAppointmentList(list []appointment.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toAppointmentResponse(a))
	}
	return out
}

type CancelResponse struct {
	CanceledCount int `json:"canceled_count"`
}

type NotificationJobResponse struct {
	ID            uuid.UUID `json:"id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toJobList(jobs []notification.Job) []NotificationJobResponse {
	out := make([]NotificationJobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, NotificationJobResponse{
			ID:            j.ID,
			AppointmentID: j.AppointmentID,
			Kind:          string(j.Kind),
			Status:        string(j.Status),
			Attempts:      j.Attempts,
			LastError:     j.LastError,
			UpdatedAt:     j.UpdatedAt,
		})
	}
	return out
}

type ErrorResponse struct {
	Error          string      `json:"error"`
	Details        string      `json:"details,omitempty"`
	Field          string      `json:"field,omitempty"`
	ConflictingIDs []uuid.UUID `json:"conflicting_ids,omitempty"`
}
