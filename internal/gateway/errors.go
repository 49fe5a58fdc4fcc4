package gateway

import "fmt"

// ValidationError reports caller input the adapter refused before any
// provider call (bad amount, unparseable phone number).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// RejectedError reports that the provider responded but declined the
// request. It counts as a breaker failure; the provider message is kept so
// the route layer can decide what is safe to surface.
type RejectedError struct {
	Provider string
	Code     string
	Message  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected request (code %s): %s", e.Provider, e.Code, e.Message)
}
