package saga

import "errors"

// ErrPrecondition marks failures detected before any side effect happened.
// Callers can treat them as terminal: retrying will not change the outcome.
var ErrPrecondition = errors.New("precondition_failed")

type PreconditionError struct {
	Code string
}

func (e *PreconditionError) Error() string { return e.Code }

func (e *PreconditionError) Is(target error) bool { return target == ErrPrecondition }

// Precondition returns a precondition error carrying code (e.g. "not_joined").
func Precondition(code string) error {
	return &PreconditionError{Code: code}
}

// PreconditionCode extracts the code of a precondition error anywhere in err's chain.
func PreconditionCode(err error) (string, bool) {
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return "", false
}
