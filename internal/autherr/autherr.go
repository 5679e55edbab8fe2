// Package autherr defines the error taxonomy shared by the session core.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure of the session core.
type Kind string

const (
	KindInvalidCredentials Kind = "invalid_credentials"
	KindNetwork            Kind = "network"
	KindMissingToken       Kind = "missing_token"
	KindSessionExpired     Kind = "session_expired"
	KindCSRFUnavailable    Kind = "csrf_unavailable"
)

// Error is a classified failure. Op names the operation that failed and Err
// the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrMissingToken       = &Error{Kind: KindMissingToken}
	ErrSessionExpired     = &Error{Kind: KindSessionExpired}
	ErrCSRFUnavailable    = &Error{Kind: KindCSRFUnavailable}
)

// New returns a classified error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusError is returned for HTTP responses outside the 2xx range.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// ClientError reports whether the status is in the 4xx range.
func (e *StatusError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// StatusCode returns the HTTP status carried by err, or 0 if there is none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
