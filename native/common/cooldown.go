package common

import "errors"

// CreateCooldownSeconds is the minimum spacing between successful circle
// creations by the same address.
const CreateCooldownSeconds uint64 = 300

// ErrCooldownActive signals that the cooldown window has not elapsed yet.
// Callers should surface RetryAfter from CheckCooldown alongside it.
var ErrCooldownActive = errors.New("cooldown active")

// CooldownStatus reports the outcome of a cooldown check.
type CooldownStatus struct {
	Elapsed    uint64
	RetryAfter uint64
}

// CheckCooldown verifies that at least cooldown seconds have passed since
// the previous action. A zero last timestamp means no prior action and
// always passes. Elapsed time is computed with saturating subtraction so a
// regressing clock can never underflow; elapsed exactly equal to the
// cooldown passes.
func CheckCooldown(cooldown, last, now uint64) (CooldownStatus, error) {
	if last == 0 {
		return CooldownStatus{Elapsed: now}, nil
	}
	var elapsed uint64
	if now > last {
		elapsed = now - last
	}
	if elapsed < cooldown {
		return CooldownStatus{Elapsed: elapsed, RetryAfter: cooldown - elapsed}, ErrCooldownActive
	}
	return CooldownStatus{Elapsed: elapsed}, nil
}
