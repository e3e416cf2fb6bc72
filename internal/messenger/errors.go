package messenger

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrExpiredInvite    = errors.New("invite link expired")
	ErrNoPublicHandle   = errors.New("no public handle to join")
)

// RateLimitedError is the provider's flood-wait signal.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.Wait)
}

// ConnectionError is returned by Dialer.Connect. It is the only error that
// ends a worker.
type ConnectionError struct {
	AccountID string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect account %s: %v", e.AccountID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// JoinError describes a failed attempt to enter a destination.
type JoinError struct {
	Destination string
	Err         error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join %s: %v", e.Destination, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }

type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindPermissionDenied
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	default:
		return "other"
	}
}

// Classify maps an error from a Session call to its kind. For rate limits
// the mandated wait is returned as well.
func Classify(err error) (Kind, time.Duration) {
	if err == nil {
		return KindOther, 0
	}
	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		return KindRateLimited, rl.Wait
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied, 0
	case errors.Is(err, ErrNotFound):
		return KindNotFound, 0
	default:
		return KindOther, 0
	}
}
