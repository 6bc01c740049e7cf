package circle

import (
	"fmt"
	"math/big"

	"susuchain/native/fees"
)

// Ledger tracks cumulative token movement for one (circle, token) pair.
// The vault balance is derived from the two counters rather than stored,
// which makes the integrity invariant true by construction.
type Ledger struct {
	TotalDeposits    *big.Int
	TotalPayouts     *big.Int
	InsuranceAccrued *big.Int
}

// NewLedger returns a zeroed ledger.
func NewLedger() *Ledger {
	return &Ledger{
		TotalDeposits:    big.NewInt(0),
		TotalPayouts:     big.NewInt(0),
		InsuranceAccrued: big.NewInt(0),
	}
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return NewLedger()
	}
	clone := NewLedger()
	if l.TotalDeposits != nil {
		clone.TotalDeposits.Set(l.TotalDeposits)
	}
	if l.TotalPayouts != nil {
		clone.TotalPayouts.Set(l.TotalPayouts)
	}
	if l.InsuranceAccrued != nil {
		clone.InsuranceAccrued.Set(l.InsuranceAccrued)
	}
	return clone
}

// VaultBalance derives the balance currently held for the circle:
// cumulative deposits minus cumulative payouts.
func (l *Ledger) VaultBalance() *big.Int {
	if l == nil || l.TotalDeposits == nil || l.TotalPayouts == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(l.TotalDeposits, l.TotalPayouts)
}

// RecordDeposit credits the vault. The amount must be positive and the new
// cumulative total must stay inside the 128-bit range.
func (l *Ledger) RecordDeposit(amount *big.Int) error {
	if l == nil {
		return fmt.Errorf("circle: nil ledger")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit must be positive", ErrInvalidConfig)
	}
	next := new(big.Int).Add(l.TotalDeposits, amount)
	if err := fees.CheckAmount(next); err != nil {
		return err
	}
	l.TotalDeposits = next
	return l.checkInvariant()
}

// RecordPayout debits the vault, failing with ErrInsufficientVault if the
// derived balance cannot cover the amount.
func (l *Ledger) RecordPayout(amount *big.Int) error {
	if l == nil {
		return fmt.Errorf("circle: nil ledger")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: payout must be positive", ErrInvalidConfig)
	}
	if l.VaultBalance().Cmp(amount) < 0 {
		return ErrInsufficientVault
	}
	next := new(big.Int).Add(l.TotalPayouts, amount)
	if err := fees.CheckAmount(next); err != nil {
		return err
	}
	l.TotalPayouts = next
	return l.checkInvariant()
}

// AccrueInsurance adds to the insurance accumulator. The accrued amount
// stays in the vault; this counter only tracks how much of the vault is
// reserve rather than pending payout.
func (l *Ledger) AccrueInsurance(amount *big.Int) error {
	if l == nil {
		return fmt.Errorf("circle: nil ledger")
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: insurance accrual must be non-negative", ErrInvalidConfig)
	}
	next := new(big.Int).Add(l.InsuranceAccrued, amount)
	if err := fees.CheckAmount(next); err != nil {
		return err
	}
	l.InsuranceAccrued = next
	return nil
}

// checkInvariant verifies vault == deposits - payouts >= 0 with all
// counters in range after every mutation.
func (l *Ledger) checkInvariant() error {
	if l.TotalDeposits.Sign() < 0 || l.TotalPayouts.Sign() < 0 {
		return fmt.Errorf("circle: negative ledger counter")
	}
	if err := fees.CheckAmount(l.TotalDeposits); err != nil {
		return err
	}
	if err := fees.CheckAmount(l.TotalPayouts); err != nil {
		return err
	}
	if l.VaultBalance().Sign() < 0 {
		return ErrInsufficientVault
	}
	return nil
}
