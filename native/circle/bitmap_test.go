package circle

import (
	"errors"
	"testing"
)

func TestMarkContributedSetsBit(t *testing.T) {
	bitmap := ResetBitmap()
	var err error
	for bit := uint8(0); bit < MaxMembers; bit++ {
		bitmap, err = MarkContributed(bitmap, bit)
		if err != nil {
			t.Fatalf("mark bit %d: %v", bit, err)
		}
		if !HasContributed(bitmap, bit) {
			t.Fatalf("bit %d not set", bit)
		}
	}
	if bitmap != ^uint64(0) {
		t.Fatalf("bitmap = %x, want all ones", bitmap)
	}
	if ContributionCount(bitmap) != MaxMembers {
		t.Fatalf("count = %d, want %d", ContributionCount(bitmap), MaxMembers)
	}
}

func TestMarkContributedRejectsDouble(t *testing.T) {
	bitmap, err := MarkContributed(0, 5)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, err := MarkContributed(bitmap, 5); !errors.Is(err, ErrAlreadyContributed) {
		t.Fatalf("err = %v, want ErrAlreadyContributed", err)
	}
}

func TestMarkContributedRejectsOutOfRange(t *testing.T) {
	if _, err := MarkContributed(0, MaxMembers); err == nil {
		t.Fatal("expected error for bit index 64")
	}
}

func TestBitmapComplete(t *testing.T) {
	bitmap := uint64(0)
	for bit := uint8(0); bit < 3; bit++ {
		bitmap |= 1 << bit
	}
	if BitmapComplete(bitmap, 4) {
		t.Fatal("3 of 4 contributions should not be complete")
	}
	if !BitmapComplete(bitmap, 3) {
		t.Fatal("3 of 3 contributions should be complete")
	}
	// Pure function: repeated calls agree.
	for i := 0; i < 5; i++ {
		if !BitmapComplete(bitmap, 3) {
			t.Fatal("completeness check is not stable")
		}
	}
	if BitmapComplete(0, 0) {
		t.Fatal("zero member count must never be complete")
	}
}
