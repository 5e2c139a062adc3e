package notification

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
)

// TimeLayout is how appointment times appear in patient messages.
const TimeLayout = "January 02, 2006 at 03:04 PM UTC"

const confirmationTemplate = `{{.Clinic}}

Dear {{.Patient}},

Your appointment has been confirmed!

Date/Time: {{.When}}
Reason: {{.Reason}}
Booking ID: #{{.Reference}}

Location: {{.Clinic}}
Contact: {{.Contact}}

To cancel, reply CANCEL or call us.

Thank you for choosing {{.Clinic}}!`

const cancellationTemplate = `{{.Clinic}}

Dear {{.Patient}},

Your appointment has been CANCELED.

Canceled: {{.When}}
Booking ID: #{{.Reference}}

To reschedule, please call us at:
{{.Contact}}

Thank you!`

type messageData struct {
	Clinic    string
	Contact   string
	Patient   string
	When      string
	Reason    string
	Reference string
}

// Renderer turns an appointment into the patient-facing text for a job kind.
// Output depends only on its inputs.
type Renderer struct {
	clinic    string
	contact   string
	templates map[Kind]*template.Template
}

func NewRenderer(clinic, contact string) *Renderer {
	return &Renderer{
		clinic:  clinic,
		contact: contact,
		templates: map[Kind]*template.Template{
			KindConfirmation: template.Must(template.New("confirmation").Parse(confirmationTemplate)),
			KindCancellation: template.Must(template.New("cancellation").Parse(cancellationTemplate)),
		},
	}
}

func (r *Renderer) Render(kind Kind, a appointment.Appointment) (string, error) {
	tmpl, ok := r.templates[kind]
	if !ok {
		return "", fmt.Errorf("no message template for kind %q", kind)
	}

	var buf bytes.Buffer
	err := tmpl.Execute(&buf, messageData{
		Clinic:    r.clinic,
		Contact:   r.contact,
		Patient:   a.PatientName,
		When:      a.StartTime.UTC().Format(TimeLayout),
		Reason:    a.Reason,
		Reference: a.Reference,
	})
	if err != nil {
		return "", fmt.Errorf("render %s message: %w", kind, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
