package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuth is returned for invalid credentials or an expired token.
	ErrAuth     = errors.New("authentication failed")
	// ErrNetwork is returned when the API could not be reached.
	ErrNetwork  = errors.New("network unavailable")
	ErrNotFound = errors.New("not found")
)

const genericServerMessage = "the server could not process the request"

// ServerError is a non-2xx answer from the API, or a 2xx answer that could
// not be understood. Err carries the underlying cause when there is one.
type ServerError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error %d: %s", e.StatusCode, genericServerMessage)
	}
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// ValidationError rejects input before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// Message returns the text to show a user for err: the server message when
// one was supplied, a generic fallback otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		if serverErr.Message != "" {
			return serverErr.Message
		}
		return genericServerMessage
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Error()
	}
	switch {
	case errors.Is(err, ErrAuth):
		if detail, ok := detailAfter(err, ErrAuth); ok {
			return detail
		}
		return "please log in again"
	case errors.Is(err, ErrNetwork):
		return "no connection, try again"
	case errors.Is(err, ErrNotFound):
		return "story not found"
	}
	return genericServerMessage
}

// detailAfter returns the text that follows sentinel in err's message, as
// produced by fmt.Errorf("%w: detail", sentinel).
func detailAfter(err, sentinel error) (string, bool) {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	idx := strings.Index(msg, prefix)
	if idx < 0 {
		return "", false
	}
	detail := msg[idx+len(prefix):]
	return detail, detail != ""
}
