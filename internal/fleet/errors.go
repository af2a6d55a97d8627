// ABOUTME: Error taxonomy for fleet ingestion, dispatch, and queries
// ABOUTME: Callers classify with errors.Is; the HTTP layer maps each class to a status code

package fleet

import (
	"errors"
	"fmt"

	"github.com/Davery92/sara-jarvis/internal/bus"
)

var (
	// ErrValidation marks a request missing a required identifier.
	ErrValidation = errors.New("validation failed")

	// ErrPersistence wraps any durable store failure.
	ErrPersistence = errors.New("persistence failed")

	// ErrUnknownCommand is returned for command ids the tracker has never seen
	// or has already forgotten.
	ErrUnknownCommand = errors.New("unknown command")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func required(field string) error {
	return &ValidationError{Field: field, Message: field + " is required"}
}

// checkAgentID rejects ids that are missing or would not form a valid
// agents/{id}/... topic.
func checkAgentID(id string) error {
	if id == "" {
		return required("agent_id")
	}
	if !bus.ValidAgentID(id) {
		return &ValidationError{Field: "agent_id", Message: "agent_id must not contain MQTT topic characters (/, +, #)"}
	}
	return nil
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
