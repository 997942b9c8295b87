// Package status defines the RPC status codes and the Status value carried
// on every call's terminal completion.
package status

import "fmt"

// Code is one of the 17 canonical RPC status codes.
type Code int

const (
	OK                 Code = 0
	Cancelled          Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	DeadlineExceeded   Code = 4
	NotFound           Code = 5
	AlreadyExists      Code = 6
	PermissionDenied   Code = 7
	ResourceExhausted  Code = 8
	FailedPrecondition Code = 9
	Aborted            Code = 10
	OutOfRange         Code = 11
	Unimplemented      Code = 12
	Internal           Code = 13
	Unavailable        Code = 14
	DataLoss           Code = 15
	Unauthenticated    Code = 16
)

var codeNames = map[Code]string{
	OK:                 "OK",
	Cancelled:          "CANCELLED",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	Aborted:            "ABORTED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DataLoss:           "DATA_LOSS",
	Unauthenticated:    "UNAUTHENTICATED",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// Status is the terminal outcome of a call: a code plus an optional
// human-readable detail, surfaced via grpc-status/grpc-message trailers on
// the wire and as the call's final completion event.
type Status struct {
	Code    Code
	Message string
}

// New builds a Status.
func New(code Code, message string) *Status {
	return &Status{Code: code, Message: message}
}

// OK reports whether the status represents success.
func (s *Status) OK() bool {
	return s == nil || s.Code == OK
}

// Err converts a non-OK status into an error, or nil for OK.
func (s *Status) Err() error {
	if s.OK() {
		return nil
	}
	return &statusError{s}
}

// Error implements the error interface for non-OK statuses.
type statusError struct {
	s *Status
}

func (e *statusError) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.s.Code, e.s.Message)
}

// FromError extracts a Status from an error produced by Err, defaulting to
// Unknown for errors that did not originate here.
func FromError(err error) *Status {
	if err == nil {
		return New(OK, "")
	}
	if se, ok := err.(*statusError); ok {
		return se.s
	}
	return New(Unknown, err.Error())
}
