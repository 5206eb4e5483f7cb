package llm

import (
	"errors"
	"fmt"
)

// Configuration errors. These are never retried on another provider.
var (
	ErrNotConfigured   = errors.New("provider not configured")
	ErrUnknownProvider = errors.New("unknown provider")
)

// TransportError reports a failed call to a backend. The orchestrator treats
// it as the signal to try a fallback provider.
type TransportError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transport error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transport error: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
