package state

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"susuchain/native/circle"
	"susuchain/storage"
)

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func openCircle(id uint64) *circle.Circle {
	return &circle.Circle{
		ID:            id,
		Creator:       testAddr(0x01),
		Token:         "USDC",
		Contribution:  big.NewInt(100),
		MemberTarget:  3,
		CycleDuration: 3_600,
		Status:        circle.StatusOpen,
	}
}

func TestCircleRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	c := openCircle(7)
	c.Members = [][20]byte{testAddr(0x02)}
	if err := manager.CirclePut(c); err != nil {
		t.Fatalf("put: %v", err)
	}

	loaded, ok := manager.CircleGet(7)
	if !ok {
		t.Fatal("circle not found after put")
	}
	if loaded.ID != 7 || loaded.Token != "USDC" || loaded.MemberCount() != 1 {
		t.Fatalf("loaded mismatch: %+v", loaded)
	}
	if loaded.Contribution.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("contribution = %s", loaded.Contribution)
	}

	if _, ok := manager.CircleGet(8); ok {
		t.Fatal("unexpected circle 8")
	}
}

func TestCirclePutRejectsInvalid(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	bad := openCircle(1)
	bad.Contribution = big.NewInt(0)
	if err := manager.CirclePut(bad); !errors.Is(err, circle.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestNextCircleIDMonotonic(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	for want := uint64(1); want <= 5; want++ {
		id, err := manager.NextCircleID()
		if err != nil {
			t.Fatalf("next id: %v", err)
		}
		if id != want {
			t.Fatalf("id = %d, want %d", id, want)
		}
	}
}

func TestCooldownRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	creator := testAddr(0x05)

	ts, err := manager.LastCircleCreatedAt(creator)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ts != 0 {
		t.Fatalf("fresh address ts = %d, want 0", ts)
	}

	if err := manager.SetLastCircleCreatedAt(creator, 12_345); err != nil {
		t.Fatalf("write: %v", err)
	}
	ts, err = manager.LastCircleCreatedAt(creator)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ts != 12_345 {
		t.Fatalf("ts = %d, want 12345", ts)
	}
}

func TestFeePolicyRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	policy, err := manager.FeePolicy()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if policy.ProtocolFeeBps != 0 || policy.InsuranceFeeBps != 0 {
		t.Fatalf("default policy = %+v, want zero", policy)
	}

	if err := manager.SetFeePolicy(circle.FeePolicy{ProtocolFeeBps: 50, InsuranceFeeBps: 200}); err != nil {
		t.Fatalf("write: %v", err)
	}
	policy, err = manager.FeePolicy()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if policy.ProtocolFeeBps != 50 || policy.InsuranceFeeBps != 200 {
		t.Fatalf("policy = %+v", policy)
	}

	if err := manager.SetFeePolicy(circle.FeePolicy{ProtocolFeeBps: 10_001}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	ledger, err := manager.LedgerGet(1, "USDC")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ledger.VaultBalance().Sign() != 0 {
		t.Fatal("fresh ledger should be zero")
	}

	if err := ledger.RecordDeposit(big.NewInt(250)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := manager.LedgerPut(1, "USDC", ledger); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, err := manager.LedgerGet(1, "USDC")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if loaded.TotalDeposits.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("deposits = %s, want 250", loaded.TotalDeposits)
	}

	// Ledgers are keyed per token.
	other, err := manager.LedgerGet(1, "XLM")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if other.TotalDeposits.Sign() != 0 {
		t.Fatal("token ledgers must be independent")
	}
}

func TestVaultAddressDeterministic(t *testing.T) {
	a := CircleVaultAddress(1)
	b := CircleVaultAddress(1)
	c := CircleVaultAddress(2)
	if a != b {
		t.Fatal("vault address not deterministic")
	}
	if a == c {
		t.Fatal("distinct circles share a vault address")
	}
	if a == ([20]byte{}) {
		t.Fatal("vault address must not be zero")
	}
}

func TestTokenTransferAndAllowance(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	alice := testAddr(0x0A)
	bob := testAddr(0x0B)
	vault := CircleVaultAddress(1)

	if err := manager.Mint(alice, "USDC", big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := manager.TokenTransfer(alice, bob, "USDC", big.NewInt(200)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	balance, err := manager.BalanceOf(bob, "USDC")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("bob = %s, want 200", balance)
	}

	if err := manager.TokenTransfer(bob, alice, "USDC", big.NewInt(201)); !errors.Is(err, circle.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	if err := manager.Approve(alice, vault, "USDC", big.NewInt(100)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := manager.AllowanceConsume(alice, vault, "USDC", big.NewInt(60)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	remaining, err := manager.Allowance(alice, vault, "USDC")
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if remaining.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("allowance = %s, want 40", remaining)
	}
	if err := manager.AllowanceConsume(alice, vault, "USDC", big.NewInt(41)); !errors.Is(err, circle.ErrInsufficientAllowance) {
		t.Fatalf("err = %v, want ErrInsufficientAllowance", err)
	}
}

func TestTokenTransferSelfIsNoop(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	alice := testAddr(0x0A)

	if err := manager.Mint(alice, "USDC", big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := manager.TokenTransfer(alice, alice, "USDC", big.NewInt(60)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	balance, err := manager.BalanceOf(alice, "USDC")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance = %s, want 100", balance)
	}

	// Insufficient funds still fail, even to oneself.
	if err := manager.TokenTransfer(alice, alice, "USDC", big.NewInt(101)); !errors.Is(err, circle.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestAtomicDiscardsOnError(t *testing.T) {
	db := storage.NewMemDB()
	manager := NewManager(db)
	boom := errors.New("boom")

	err := manager.Atomic(func() error {
		if err := manager.SetLastCircleCreatedAt(testAddr(0x01), 99); err != nil {
			return err
		}
		if err := manager.Mint(testAddr(0x01), "USDC", big.NewInt(10)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if db.Len() != 0 {
		t.Fatalf("db has %d keys after aborted transaction", db.Len())
	}

	ts, err := manager.LastCircleCreatedAt(testAddr(0x01))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ts != 0 {
		t.Fatal("aborted write leaked")
	}
}

func TestAtomicCommitsOnSuccess(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	err := manager.Atomic(func() error {
		return manager.SetLastCircleCreatedAt(testAddr(0x01), 42)
	})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
	ts, err := manager.LastCircleCreatedAt(testAddr(0x01))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ts != 42 {
		t.Fatalf("ts = %d, want 42", ts)
	}
}

// TestAtomicReadsSeeStagedWrites ensures multi-step engine calls observe
// their own writes before commit.
func TestAtomicReadsSeeStagedWrites(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	err := manager.Atomic(func() error {
		if err := manager.Mint(testAddr(0x01), "USDC", big.NewInt(10)); err != nil {
			return err
		}
		balance, err := manager.BalanceOf(testAddr(0x01), "USDC")
		if err != nil {
			return err
		}
		if balance.Cmp(big.NewInt(10)) != 0 {
			t.Fatalf("staged balance = %s, want 10", balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
}

// TestConcurrentReadsDuringAtomic exercises reads racing a committing
// transaction; run with -race.
func TestConcurrentReadsDuringAtomic(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	if err := manager.CirclePut(openCircle(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	creator := testAddr(0x01)

	const iterations = 200
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			err := manager.Atomic(func() error {
				return manager.SetLastCircleCreatedAt(creator, uint64(i))
			})
			if err != nil {
				t.Errorf("atomic: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			if _, ok := manager.CircleGet(1); !ok {
				t.Error("circle 1 missing")
				return
			}
			if _, err := manager.LastCircleCreatedAt(creator); err != nil {
				t.Errorf("read: %v", err)
				return
			}
		}
	}()

	wg.Wait()
}

// TestAtomicReadersWaitForCommit pins down read isolation: a reader inside
// its own transaction never observes another transaction's staged writes.
func TestAtomicReadersWaitForCommit(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	creator := testAddr(0x02)

	staged := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- manager.Atomic(func() error {
			if err := manager.SetLastCircleCreatedAt(creator, 77); err != nil {
				return err
			}
			close(staged)
			<-release
			return nil
		})
	}()

	<-staged
	observed := make(chan uint64, 1)
	go func() {
		var ts uint64
		err := manager.Atomic(func() error {
			var readErr error
			ts, readErr = manager.LastCircleCreatedAt(creator)
			return readErr
		})
		if err != nil {
			t.Errorf("read transaction: %v", err)
		}
		observed <- ts
	}()

	// The reader is blocked behind the writer; let the writer commit.
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("write transaction: %v", err)
	}
	if ts := <-observed; ts != 77 {
		t.Fatalf("ts = %d, want committed value 77", ts)
	}
}
