package credit

import (
	"errors"
	"fmt"
)

// Sentinel errors for credit operations
var (
	ErrCreditInsufficient = errors.New("insufficient credit")
	ErrCreditInvalidUser  = errors.New("invalid credit user")
	ErrAlreadyRefunded    = errors.New("refund already issued")
	ErrUnavailable        = errors.New("credit service unavailable")
	ErrAlreadyCharged     = errors.New("recipe already charged")
	ErrChargeNotFound     = errors.New("charge not found")
)

// Kind classifies a credit service failure.
type Kind string

// Kind constants
const (
	KindInsufficient    Kind = "CREDIT_INSUFFICIENT"
	KindInvalidUser     Kind = "CREDIT_INVALID_USER"
	KindAlreadyRefunded Kind = "REFUND_ALREADY_ISSUED"
	KindUnavailable     Kind = "CREDIT_UNAVAILABLE"
)

// Error is returned by Client implementations.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("credit %s: %s", e.Op, e.sentinel())
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.sentinel()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindInsufficient:
		return ErrCreditInsufficient
	case KindInvalidUser:
		return ErrCreditInvalidUser
	case KindAlreadyRefunded:
		return ErrAlreadyRefunded
	default:
		return ErrUnavailable
	}
}
