package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var (
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrPermanentDelivery = errors.New("permanent delivery failure")
)

// Sender delivers one text message to an E.164 number.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// DeliveryError classifies a provider failure. Permanent failures are never
// retried.
type DeliveryError struct {
	Permanent bool
	Code      string
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s delivery failure (code %s): %v", kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %v", kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool {
	if e.Permanent {
		return target == ErrPermanentDelivery
	}
	return target == ErrTransientDelivery
}

func Permanent(code string, err error) error {
	return &DeliveryError{Permanent: true, Code: code, Err: err}
}

func Transient(code string, err error) error {
	return &DeliveryError{Code: code, Err: err}
}

// IsPermanent reports whether err must not be retried. Unclassified errors
// are treated as transient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentDelivery)
}

// LogSender writes messages to the log instead of a provider. It is the
// test-mode sender.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log.With().Str("component", "log-sender").Logger()}
}

func (s *LogSender) Send(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return Transient("", err)
	}
	s.log.Info().Str("to", to).Str("body", body).Msg("message sent in test mode")
	return nil
}
