package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration means the session cannot talk to the model at all,
	// usually a missing or malformed credential.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransport covers every failure of an inference call.
	ErrTransport = errors.New("transport error")

	ErrEmptyInput      = errors.New("empty input")
	ErrBusy            = errors.New("a response is already being generated")
	ErrInvalidModel    = errors.New("invalid model identifier")
	ErrSessionNotFound = errors.New("session not found")
	ErrVoiceDisabled   = errors.New("voice features are disabled")
	ErrCleared         = errors.New("transcript was cleared during generation")
)

// RemoteError is a non-success answer from the inference service.
type RemoteError struct {
	StatusCode int
	Detail     string
}

func (e *RemoteError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("remote error: %s", e.Detail)
	}
	return fmt.Sprintf("remote error (status %d): %s", e.StatusCode, e.Detail)
}

// Unauthorized reports whether the service rejected the credential.
func (e *RemoteError) Unauthorized() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
