package circle

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("circle: not found")
	ErrRateLimited           = errors.New("circle: creation rate limited")
	ErrInvalidConfig         = errors.New("circle: invalid configuration")
	ErrInvalidAmount         = errors.New("circle: amount does not match contribution")
	ErrAlreadyMember         = errors.New("circle: already a member")
	ErrCircleFull            = errors.New("circle: membership full")
	ErrNotMember             = errors.New("circle: caller is not a member")
	ErrNotActive             = errors.New("circle: not active")
	ErrCompleted             = errors.New("circle: completed")
	ErrAlreadyContributed    = errors.New("circle: already contributed this cycle")
	ErrCycleIncomplete       = errors.New("circle: cycle contributions incomplete")
	ErrDeadlineExpired       = errors.New("circle: cycle deadline expired")
	ErrInsufficientVault     = errors.New("circle: insufficient vault balance")
	ErrInsufficientBalance   = errors.New("circle: insufficient token balance")
	ErrInsufficientAllowance = errors.New("circle: insufficient allowance")
	ErrUnauthorized          = errors.New("circle: unauthorized")
)

// RateLimitedError carries the remaining cooldown so clients can surface a
// countdown. errors.Is(err, ErrRateLimited) matches it.
type RateLimitedError struct {
	RetryAfter uint64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("circle: creation rate limited, retry in %ds", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
