package circle

import (
	"errors"
	"math/big"
	"testing"

	"susuchain/native/fees"
)

func TestLedgerInvariantHolds(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.RecordDeposit(big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := ledger.RecordDeposit(big.NewInt(200)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := ledger.VaultBalance(); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("vault = %s, want 300", got)
	}
	if err := ledger.RecordPayout(big.NewInt(300)); err != nil {
		t.Fatalf("payout: %v", err)
	}
	if got := ledger.VaultBalance(); got.Sign() != 0 {
		t.Fatalf("vault = %s, want 0", got)
	}
	diff := new(big.Int).Sub(ledger.TotalDeposits, ledger.TotalPayouts)
	if diff.Cmp(ledger.VaultBalance()) != 0 {
		t.Fatal("vault != deposits - payouts")
	}
}

func TestLedgerRejectsOverdraw(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.RecordDeposit(big.NewInt(50)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := ledger.RecordPayout(big.NewInt(51)); !errors.Is(err, ErrInsufficientVault) {
		t.Fatalf("err = %v, want ErrInsufficientVault", err)
	}
	// Failed payout must leave counters untouched.
	if ledger.TotalPayouts.Sign() != 0 {
		t.Fatalf("payouts = %s, want 0", ledger.TotalPayouts)
	}
}

func TestLedgerRejectsNonPositive(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.RecordDeposit(big.NewInt(0)); err == nil {
		t.Fatal("expected error for zero deposit")
	}
	if err := ledger.RecordDeposit(big.NewInt(-5)); err == nil {
		t.Fatal("expected error for negative deposit")
	}
}

func TestLedgerDepositOverflow(t *testing.T) {
	ledger := NewLedger()
	half := new(big.Int).Rsh(fees.MaxAmount, 1)
	if err := ledger.RecordDeposit(half); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if err := ledger.RecordDeposit(half); err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	// Third half-max deposit pushes the total past the 128-bit range.
	if err := ledger.RecordDeposit(half); !errors.Is(err, fees.ErrAmountOverflow) {
		t.Fatalf("err = %v, want ErrAmountOverflow", err)
	}
}

func TestLedgerInsuranceAccrual(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.AccrueInsurance(big.NewInt(7)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if err := ledger.AccrueInsurance(nil); err != nil {
		t.Fatalf("nil accrue: %v", err)
	}
	if ledger.InsuranceAccrued.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("insurance = %s, want 7", ledger.InsuranceAccrued)
	}
	if err := ledger.AccrueInsurance(big.NewInt(-1)); err == nil {
		t.Fatal("expected error for negative accrual")
	}
}
