package veo

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a generation failure. Every remote failure maps to
// exactly one kind: transient errors are retried inside the adapter and only
// surface once retries are exhausted, permanent errors fail the job
// immediately, and timeouts are reported as their own kind so operators can
// tell them apart from remote-reported errors.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
	KindTimeout   ErrorKind = "timeout"
)

// Error is a classified generation failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s generation error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s generation error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from err, defaulting to permanent for
// anything the adapter did not produce.
func KindOf(err error) ErrorKind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindPermanent
}

func transientErr(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

func permanentErr(message string, err error) *Error {
	return &Error{Kind: KindPermanent, Message: message, Err: err}
}

func timeoutErr(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message}
}
