// Package proxyerr defines the typed error kinds produced by the proxy's
// core subsystems and the HTTP status each maps to.
package proxyerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the documented error classes.
type Kind string

const (
	TransientBackend       Kind = "TRANSIENT_BACKEND"
	MappingUnresolved      Kind = "MAPPING_UNRESOLVED"
	BackendSemantic        Kind = "BACKEND_SEMANTIC"
	AdmissionTimeout       Kind = "ADMISSION_TIMEOUT"
	AdmissionRejected      Kind = "ADMISSION_REJECTED"
	PersistenceUnavailable Kind = "PERSISTENCE_UNAVAILABLE"
	Fatal                  Kind = "FATAL"
)

// Error is a typed error carrying a Kind and, for BackendSemantic, the
// upstream status code that produced it.
type Error struct {
	Kind       Kind
	Message    string
	Status     int // only meaningful for BackendSemantic
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.underlying)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.underlying }

// New builds a typed error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, underlying: cause}
}

// Semantic builds a BackendSemantic error carrying the upstream status code.
func Semantic(status int, message string, cause error) *Error {
	return &Error{Kind: BackendSemantic, Message: message, Status: status, underlying: cause}
}

// As is a convenience wrapper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps an Error to the status code the HTTP front end should
// return to the client, per spec §7.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case AdmissionTimeout, AdmissionRejected:
		return http.StatusServiceUnavailable
	case TransientBackend:
		return http.StatusGatewayTimeout
	case MappingUnresolved:
		return http.StatusNotFound
	case BackendSemantic:
		if e.Status != 0 {
			return e.Status
		}
		return http.StatusBadGateway
	case PersistenceUnavailable:
		return http.StatusServiceUnavailable
	case Fatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
