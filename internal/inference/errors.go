package inference

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/kiranshivaraju/scanhunter/pkg/models"
)

// Sentinel errors. errors.Is matches an *Error against the sentinel of its Kind.
var (
	ErrTimeout     = errors.New("inference timeout")
	ErrUnreachable = errors.New("inference engine unreachable")
	ErrRejected    = errors.New("inference rejected")
	ErrMalformed   = errors.New("inference response malformed")
)

// Kind classifies an inference failure.
type Kind string

const (
	KindTimeout     Kind = "Timeout"
	KindUnreachable Kind = "Unreachable"
	KindRejected    Kind = "Rejected"
	KindMalformed   Kind = "Malformed"
)

// Error is returned by Client.Predict for every engine failure.
type Error struct {
	Kind   Kind
	Engine string
	Err    error
}

// NewError builds an *Error of the given kind with a formatted detail.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := sentinel(e.Kind).Error()
	if e.Engine != "" {
		msg = e.Engine + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{sentinel(e.Kind)}
	}
	return []error{sentinel(e.Kind), e.Err}
}

// Retryable reports whether the pipeline may try the call again.
func (e *Error) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindUnreachable
}

// ErrorKind maps the failure to the kind recorded on an upload record.
func (e *Error) ErrorKind() models.ErrorKind {
	switch e.Kind {
	case KindTimeout:
		return models.ErrorKindInferenceTimeout
	case KindUnreachable:
		return models.ErrorKindInferenceUnreachable
	case KindRejected:
		return models.ErrorKindInferenceRejected
	default:
		return models.ErrorKindInferenceMalformed
	}
}

func sentinel(k Kind) error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindUnreachable:
		return ErrUnreachable
	case KindRejected:
		return ErrRejected
	default:
		return ErrMalformed
	}
}

// Classify converts an arbitrary engine error into an *Error.
// Errors that carry no classification are treated as Unreachable.
func Classify(err error) *Error {
	var ie *Error
	if errors.As(err, &ie) {
		return ie
	}

	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: err}
	case errors.Is(err, ErrRejected):
		return &Error{Kind: KindRejected, Err: err}
	case errors.Is(err, ErrMalformed):
		return &Error{Kind: KindMalformed, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindUnreachable, Err: err}
}
