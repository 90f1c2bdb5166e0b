package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/waveto/mr-ray-open/internal/remote"
	"github.com/waveto/mr-ray-open/internal/session"
)

// Kind is the closed set of failures a request can end in.
type Kind string

const (
	AuthenticationDenied   Kind = "AUTHENTICATION_DENIED"
	InadequatePermission   Kind = "INADEQUATE_PERMISSION"
	UserDeleted            Kind = "USER_DELETED"
	RemoteParticipantError Kind = "REMOTE_NOT_PARTICIPANT"
	RemoteTransientError   Kind = "REMOTE_UNAVAILABLE"
	DeadlineExceeded       Kind = "DEADLINE_EXCEEDED"
	MalformedRequest       Kind = "MALFORMED_REQUEST"
	DecodingError          Kind = "DECODING_ERROR"
	UnknownError           Kind = "UNKNOWN_ERROR"
)

// Mode selects how an outcome is presented: a full error page or a bare
// status for script callers.
type Mode int

const (
	ModeResponse Mode = iota
	ModePage
)

type kindInfo struct {
	status  int
	pageID  string
	message string
}

var kinds = map[Kind]kindInfo{
	AuthenticationDenied:   {http.StatusUnauthorized, "e0002", "Authentication denied"},
	InadequatePermission:   {http.StatusUnauthorized, "e0006", "Inadequate permission"},
	UserDeleted:            {http.StatusForbidden, "e0005", "Participant removed from conversation"},
	RemoteParticipantError: {http.StatusForbidden, "e0001", "Not a participant of the conversation"},
	RemoteTransientError:   {http.StatusBadGateway, "e0000", "Document service unavailable"},
	DeadlineExceeded:       {http.StatusServiceUnavailable, "e0003", "Request deadline exceeded"},
	MalformedRequest:       {http.StatusBadRequest, "", "Malformed request"},
	DecodingError:          {http.StatusBadRequest, "", "Request body could not be decoded"},
	UnknownError:           {http.StatusInternalServerError, "e0004", "Server error"},
}

// Failure is an error already classified into a Kind.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify maps any error onto a Kind. Errors that carry no recognisable
// cause are UnknownError.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, remote.ErrNotParticipant):
		return RemoteParticipantError
	case errors.Is(err, remote.ErrTransient):
		return RemoteTransientError
	case errors.Is(err, context.DeadlineExceeded):
		return DeadlineExceeded
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, io.ErrUnexpectedEOF):
		return DecodingError
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrTokenMismatch):
		return AuthenticationDenied
	}
	return UnknownError
}

// MapOutcome gives the status code and, in page mode, the error page id for
// a failure kind.
func MapOutcome(kind Kind, mode Mode) (int, string) {
	info, ok := kinds[kind]
	if !ok {
		info = kinds[UnknownError]
	}
	if mode != ModePage {
		return info.status, ""
	}
	return info.status, info.pageID
}

func (k Kind) message() string {
	if info, ok := kinds[k]; ok {
		return info.message
	}
	return kinds[UnknownError].message
}
