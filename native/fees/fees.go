package fees

import (
	"errors"
	"math/big"
)

// BpsDenominator is the basis-point scale: 10_000 bps == 100%.
const BpsDenominator = 10_000

var (
	ErrInvalidFeeRate = errors.New("fees: bps out of range")
	ErrNegativeAmount = errors.New("fees: negative amount")
	ErrAmountOverflow = errors.New("fees: amount exceeds 128-bit range")
)

// MaxAmount is the largest token amount the ledger accepts, matching the
// signed 128-bit range used by asset contracts for 18-decimal tokens.
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))

// Split is the fee/net decomposition of a gross amount. Both values are
// freshly allocated; callers may mutate them.
type Split struct {
	Fee *big.Int
	Net *big.Int
}

// CheckAmount validates that the supplied amount is non-negative and within
// the supported 128-bit range.
func CheckAmount(amount *big.Int) error {
	if amount == nil {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if amount.Cmp(MaxAmount) > 0 {
		return ErrAmountOverflow
	}
	return nil
}

// Portion computes amount*bps/10_000 with integer division, validating both
// operands. The intermediate product is exact (big.Int) but the result is
// still bounded back into the 128-bit range.
func Portion(amount *big.Int, bps uint32) (*big.Int, error) {
	if bps > BpsDenominator {
		return nil, ErrInvalidFeeRate
	}
	if err := CheckAmount(amount); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() == 0 || bps == 0 {
		return big.NewInt(0), nil
	}
	portion := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	portion.Div(portion, big.NewInt(BpsDenominator))
	if portion.Cmp(MaxAmount) > 0 {
		return nil, ErrAmountOverflow
	}
	return portion, nil
}

// Compute splits a gross amount into fee and net at the given rate.
// Guarantees 0 <= fee <= gross and net == gross - fee for every accepted
// input.
func Compute(gross *big.Int, bps uint32) (Split, error) {
	fee, err := Portion(gross, bps)
	if err != nil {
		return Split{}, err
	}
	net := big.NewInt(0)
	if gross != nil {
		net = new(big.Int).Sub(gross, fee)
	}
	if net.Sign() < 0 {
		// Unreachable with bps <= 10_000, checked anyway so a bad rate can
		// never drain more than the gross amount.
		return Split{}, ErrNegativeAmount
	}
	return Split{Fee: fee, Net: net}, nil
}
