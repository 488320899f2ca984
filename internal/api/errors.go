package api

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is. The concrete error carries the
// backend-provided detail text.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrValidation         = errors.New("validation failed")
)

// BackendError is a structured error decoded from the backend's {detail}
// error body.
type BackendError struct {
	Status int
	Detail string

	sentinel error
}

func (e *BackendError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("backend error (status %d)", e.Status)
}

func (e *BackendError) Unwrap() error { return e.sentinel }
