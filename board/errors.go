package board

import (
	"errors"
	"fmt"
)

// error taxonomy for mutation dispatch
// the engine only distinguishes connectivity failure from definite
// rejection; the kinds below carry enough detail for the queue and ui

type ErrorKind string

const (
	// no definite server answer. recovered locally: queue and retry
	ErrorKindConnectivity ErrorKind = "connectivity"
	// malformed input. never queued
	ErrorKindValidation ErrorKind = "validation"
	// stale local state. definite answer, no auto-retry
	ErrorKindConflict ErrorKind = "conflict"
	// target no longer exists. permanent for that mutation
	ErrorKindNotFound ErrorKind = "not_found"
	// handshake or token rejection. fatal for the connection
	ErrorKindAuth ErrorKind = "auth"
	// any other definite rejection
	ErrorKindRejected ErrorKind = "rejected"
)

type RequestError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// set when Kind is ErrorKindConflict
	CurrentVersion  int64 `json:"current_version,omitempty"`
	ExpectedVersion int64 `json:"expected_version,omitempty"`
}

func NewConnectivityError(cause error) *RequestError {
	return &RequestError{
		Kind:    ErrorKindConnectivity,
		Message: cause.Error(),
	}
}

func NewConflictError(currentVersion int64, expectedVersion int64) *RequestError {
	return &RequestError{
		Kind:            ErrorKindConflict,
		Message:         fmt.Sprintf("version conflict: current=%d expected=%d", currentVersion, expectedVersion),
		CurrentVersion:  currentVersion,
		ExpectedVersion: expectedVersion,
	}
}

func (self *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", self.Kind, self.Message)
}

// Definite returns whether the server gave a definite answer.
// definite rejections roll back the optimistic patch; connectivity
// failures hand the mutation to the offline queue instead.
func (self *RequestError) Definite() bool {
	return self.Kind != ErrorKindConnectivity
}

func ErrorKindOf(err error) ErrorKind {
	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		return requestErr.Kind
	}
	// an unclassified error means the transport failed before
	// a definite answer arrived
	return ErrorKindConnectivity
}

func IsConnectivityError(err error) bool {
	return ErrorKindOf(err) == ErrorKindConnectivity
}

func IsConflictError(err error) bool {
	return ErrorKindOf(err) == ErrorKindConflict
}
