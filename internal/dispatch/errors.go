package dispatch

import (
	"errors"
	"fmt"
)

// Configuration errors reject a single operation and leave state unchanged.
var (
	ErrUnregisteredStrategy = errors.New("strategy is not registered")
	ErrInvalidPrice         = errors.New("price must be finite and positive")
)

// Store-reported conflicts. The dispatcher turns these into an InvariantViolation.
var (
	ErrOpenRecordExists = errors.New("instrument already has an open decision record")
	ErrRecordNotOpen    = errors.New("decision record is not open")
)

// InvariantViolation is fatal to the instrument's worker. The worker is
// restarted and its state rebuilt from persisted records and fills.
type InvariantViolation struct {
	Instrument string
	Detail     string
	Err        error
}

func (e *InvariantViolation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invariant violated for %s: %s: %v", e.Instrument, e.Detail, e.Err)
	}
	return fmt.Sprintf("invariant violated for %s: %s", e.Instrument, e.Detail)
}

func (e *InvariantViolation) Unwrap() error { return e.Err }

// IsInvariantViolation reports whether err carries an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}
