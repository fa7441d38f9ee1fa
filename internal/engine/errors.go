package engine

import (
	"fmt"

	"medflow/internal/domain"
)

// InvalidStateError indicates the persisted status does not permit the
// attempted transition. Callers should refresh and re-evaluate.
type InvalidStateError struct {
	Transition string
	Current    domain.Status
	Required   domain.Status
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("transition %s requires status %s, request is %s", e.Transition, e.Required, e.Current)
}

// ValidationError indicates a missing or malformed required input. The caller
// must supply it and resubmit.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
