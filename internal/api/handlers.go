package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/clock"
	"github.com/hackgods/clinic-scheduling-core/internal/notification"
)

// FailedJobLister is the read side of the notification ledger exposed to
// operators.
type FailedJobLister interface {
	ListFailed(ctx context.Context, limit int) ([]notification.Job, error)
}

type appointmentHandler struct {
	svc *appointment.Service
	log zerolog.Logger
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func (h *appointmentHandler) book(w http.ResponseWriter, r *http.Request) {
	var p bookPayload
	if !decodeJSON(w, r, &p) {
		return
	}

	h.create(w, r, p.request())
}

// bookLegacy serves the voice agent, which may omit the visit reason.
func (h *appointmentHandler) bookLegacy(w http.ResponseWriter, r *http.Request) {
	var p bookPayload
	if !decodeJSON(w, r, &p) {
		return
	}

	req := p.request()
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = defaultLegacyReason
	}
	h.create(w, r, req)
}

func (h *appointmentHandler) create(w http.ResponseWriter, r *http.Request, req appointment.BookRequest) {
	appt, err := h.svc.Book(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt))
}

func (h *appointmentHandler) cancel(w http.ResponseWriter, r *http.Request) {
	var p cancelPayload
	if !decodeJSON(w, r, &p) {
		return
	}

	n, err := h.svc.Cancel(r.Context(), p.request())
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{CanceledCount: n})
}

// list serves GET /appointments. Without a date it returns the upcoming
// window; include_canceled=true with a date returns the full day history.
func (h *appointmentHandler) list(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("date"))
	if raw == "" {
		appts, err := h.svc.List(r.Context(), nil)
		if err != nil {
			writeServiceError(w, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentList(appts))
		return
	}

	day, err := clock.ParseDate(raw)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}

	var appts []appointment.Appointment
	if includeCanceled, _ := strconv.ParseBool(r.URL.Query().Get("include_canceled")); includeCanceled {
		appts, err = h.svc.History(r.Context(), day)
	} else {
		appts, err = h.svc.List(r.Context(), &day)
	}
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentList(appts))
}

func (h *appointmentHandler) listLegacy(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(r.URL.Query().Get("date")) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Details: "date: is required",
			Field:   "date",
		})
		return
	}
	h.list(w, r)
}

func (h *appointmentHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Details: "id: must be a valid UUID",
			Field:   "id",
		})
		return
	}

	appt, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
}

func failedNotificationsHandler(jobs FailedJobLister, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 500 {
				writeError(w, http.StatusBadRequest, "validation_error", "limit must be between 1 and 500")
				return
			}
			limit = n
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		failed, err := jobs.ListFailed(ctx, limit)
		if err != nil {
			log.Error().Err(err).Msg("list failed notifications")
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, toJobList(failed))
	}
}
