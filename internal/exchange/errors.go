package exchange

import (
	"errors"
	"fmt"
)

// ErrTransient marks rate limits, timeouts and other network-level failures
// that are safe to retry with backoff.
var ErrTransient = errors.New("transient exchange error")

// RejectError is a venue-side order rejection (bad size, insufficient
// margin). Never retried.
type RejectError struct {
	Code   string
	Reason string
}

func (e *RejectError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("order rejected: %s", e.Reason)
	}
	return fmt.Sprintf("order rejected (code %s): %s", e.Code, e.Reason)
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func IsReject(err error) bool {
	var reject *RejectError
	return errors.As(err, &reject)
}
