package circle

import (
	"fmt"
	"math/bits"
)

// Contribution tracking packs one flag per member into a single 64-bit word;
// the member's join index selects the bit. All helpers are pure.

// MarkContributed sets the member's bit, rejecting a second deposit in the
// same cycle so the completeness count can never be inflated.
func MarkContributed(bitmap uint64, bit uint8) (uint64, error) {
	if bit >= MaxMembers {
		return bitmap, fmt.Errorf("%w: bit index %d out of range", ErrInvalidConfig, bit)
	}
	mask := uint64(1) << bit
	if bitmap&mask != 0 {
		return bitmap, ErrAlreadyContributed
	}
	return bitmap | mask, nil
}

// HasContributed reports whether the member's bit is set.
func HasContributed(bitmap uint64, bit uint8) bool {
	if bit >= MaxMembers {
		return false
	}
	return bitmap&(uint64(1)<<bit) != 0
}

// BitmapComplete reports whether every member has contributed this cycle.
// Population count uses the hardware popcount intrinsic.
func BitmapComplete(bitmap uint64, memberCount uint32) bool {
	return memberCount > 0 && uint32(bits.OnesCount64(bitmap)) == memberCount
}

// ContributionCount returns the number of recorded contributions.
func ContributionCount(bitmap uint64) uint32 {
	return uint32(bits.OnesCount64(bitmap))
}

// ResetBitmap returns the zero bitmap for the next cycle.
func ResetBitmap() uint64 { return 0 }
