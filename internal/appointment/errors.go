package appointment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrSlotConflict = errors.New("requested time overlaps an existing appointment")
)

// ValidationError reports a missing or malformed request field. It is
// returned before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConflictError names the scheduled appointments that block a booking.
type ConflictError struct {
	IDs []uuid.UUID
}

func (e *ConflictError) Error() string {
	if len(e.IDs) == 0 {
		return ErrSlotConflict.Error()
	}
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = id.String()
	}
	return fmt.Sprintf("%s: %s", ErrSlotConflict.Error(), strings.Join(ids, ", "))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrSlotConflict
}
