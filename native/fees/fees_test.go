package fees

import (
	"errors"
	"math/big"
	"testing"
)

func TestComputeBasicSplit(t *testing.T) {
	// 300 units at 50 bps: integer division truncates the fee to 1.
	split, err := Compute(big.NewInt(300), 50)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if split.Fee.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("fee = %s, want 1", split.Fee)
	}
	if split.Net.Cmp(big.NewInt(299)) != 0 {
		t.Fatalf("net = %s, want 299", split.Net)
	}
}

func TestComputeBounds(t *testing.T) {
	cases := []struct {
		name  string
		gross *big.Int
		bps   uint32
	}{
		{"zero gross", big.NewInt(0), 500},
		{"zero bps", big.NewInt(1_000_000), 0},
		{"full rate", big.NewInt(12345), 10_000},
		{"one token 18 decimals", mustBig("1000000000000000000"), 50},
		{"million tokens 18 decimals", mustBig("1000000000000000000000000"), 200},
		{"max amount", new(big.Int).Set(MaxAmount), 10_000},
	}
	for _, tc := range cases {
		split, err := Compute(tc.gross, tc.bps)
		if err != nil {
			t.Fatalf("%s: compute: %v", tc.name, err)
		}
		if split.Fee.Sign() < 0 || split.Fee.Cmp(tc.gross) > 0 {
			t.Fatalf("%s: fee %s outside [0, %s]", tc.name, split.Fee, tc.gross)
		}
		sum := new(big.Int).Add(split.Fee, split.Net)
		if sum.Cmp(tc.gross) != 0 {
			t.Fatalf("%s: fee+net = %s, want %s", tc.name, sum, tc.gross)
		}
	}
}

func TestComputeRejectsBadRate(t *testing.T) {
	if _, err := Compute(big.NewInt(100), 10_001); !errors.Is(err, ErrInvalidFeeRate) {
		t.Fatalf("err = %v, want ErrInvalidFeeRate", err)
	}
}

func TestComputeRejectsNegativeGross(t *testing.T) {
	if _, err := Compute(big.NewInt(-1), 100); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("err = %v, want ErrNegativeAmount", err)
	}
}

func TestComputeRejectsOversizedGross(t *testing.T) {
	over := new(big.Int).Add(MaxAmount, big.NewInt(1))
	if _, err := Compute(over, 100); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("err = %v, want ErrAmountOverflow", err)
	}
}

func TestPortionNilAmount(t *testing.T) {
	portion, err := Portion(nil, 500)
	if err != nil {
		t.Fatalf("portion: %v", err)
	}
	if portion.Sign() != 0 {
		t.Fatalf("portion = %s, want 0", portion)
	}
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad big literal " + s)
	}
	return v
}
