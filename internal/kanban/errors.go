package kanban

import (
	"errors"
	"fmt"
)

var (
	ErrTransient = errors.New("transient service error")
	ErrPermanent = errors.New("permanent service error")
)

// TransientServiceError reports a 5xx, 429 or connection-level failure that
// survived every retry the request was allowed.
type TransientServiceError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransientServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("kanban %s %s: status %d after %d attempt(s)", e.Method, e.Endpoint, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("kanban %s %s: %v after %d attempt(s)", e.Method, e.Endpoint, e.Err, e.Attempts)
}

func (e *TransientServiceError) Is(target error) bool {
	return target == ErrTransient
}

func (e *TransientServiceError) Unwrap() error {
	return e.Err
}

// PermanentServiceError reports a status the client never retries.
type PermanentServiceError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *PermanentServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("kanban %s %s: status %d", e.Method, e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("kanban %s %s: status %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Message)
}

func (e *PermanentServiceError) Is(target error) bool {
	return target == ErrPermanent
}

// StatusCode extracts the HTTP status carried by a service error, or 0.
func StatusCode(err error) int {
	var permanent *PermanentServiceError
	if errors.As(err, &permanent) {
		return permanent.StatusCode
	}
	var transient *TransientServiceError
	if errors.As(err, &transient) {
		return transient.StatusCode
	}
	return 0
}
