package stages

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kind markers. Every error returned by a Stage wraps exactly one of them.
var (
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrUnsupportedInput  = errors.New("unsupported input")
	ErrMalformedResponse = errors.New("malformed response")
)

// Kind names a stage failure class.
type Kind string

// Kind constants
const (
	KindRemoteUnavailable Kind = "REMOTE_UNAVAILABLE"
	KindUnsupportedInput  Kind = "UNSUPPORTED_INPUT"
	KindMalformedResponse Kind = "MALFORMED_RESPONSE"
)

// Wrap builds an error carrying stage context, tagged with the marker used for
// classification. A nil marker is treated as ErrRemoteUnavailable.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrRemoteUnavailable
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf classifies a stage error. Errors without a marker count as remote
// unavailability so unexpected transport failures are retried.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrUnsupportedInput):
		return KindUnsupportedInput
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformedResponse
	default:
		return KindRemoteUnavailable
	}
}

// Retryable reports whether the orchestrator may call the stage again.
func Retryable(err error) bool {
	return err != nil && KindOf(err) == KindRemoteUnavailable
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "stage failure"
	}
	return strings.Join(parts, ": ")
}
