package common

import (
	"errors"
	"testing"
)

func TestCheckCooldownFirstAction(t *testing.T) {
	status, err := CheckCooldown(CreateCooldownSeconds, 0, 1_000)
	if err != nil {
		t.Fatalf("first action should pass, got %v", err)
	}
	if status.RetryAfter != 0 {
		t.Fatalf("retry after = %d, want 0", status.RetryAfter)
	}
}

func TestCheckCooldownBoundary(t *testing.T) {
	cases := []struct {
		name       string
		now        uint64
		wantErr    bool
		wantRetry  uint64
		wantElapse uint64
	}{
		{"one second short", 1_299, true, 1, 299},
		{"exact boundary", 1_300, false, 0, 300},
		{"one second past", 1_301, false, 0, 301},
	}
	for _, tc := range cases {
		status, err := CheckCooldown(CreateCooldownSeconds, 1_000, tc.now)
		if tc.wantErr {
			if !errors.Is(err, ErrCooldownActive) {
				t.Fatalf("%s: err = %v, want ErrCooldownActive", tc.name, err)
			}
		} else if err != nil {
			t.Fatalf("%s: unexpected err %v", tc.name, err)
		}
		if status.RetryAfter != tc.wantRetry {
			t.Fatalf("%s: retry after = %d, want %d", tc.name, status.RetryAfter, tc.wantRetry)
		}
		if status.Elapsed != tc.wantElapse {
			t.Fatalf("%s: elapsed = %d, want %d", tc.name, status.Elapsed, tc.wantElapse)
		}
	}
}

func TestCheckCooldownClockRegression(t *testing.T) {
	// now earlier than last: elapsed saturates to zero instead of wrapping.
	status, err := CheckCooldown(CreateCooldownSeconds, 2_000, 1_000)
	if !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("err = %v, want ErrCooldownActive", err)
	}
	if status.Elapsed != 0 {
		t.Fatalf("elapsed = %d, want 0", status.Elapsed)
	}
	if status.RetryAfter != CreateCooldownSeconds {
		t.Fatalf("retry after = %d, want %d", status.RetryAfter, CreateCooldownSeconds)
	}
}

func TestCheckCooldownLongGap(t *testing.T) {
	if _, err := CheckCooldown(CreateCooldownSeconds, 1_000, 1_000+86_400); err != nil {
		t.Fatalf("day-long gap should pass, got %v", err)
	}
}
