package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"susuchain/native/circle"
	"susuchain/native/fees"
)

func balanceStorageKey(addr [20]byte, token string) []byte {
	buf := make([]byte, len(balancePrefix)+len(token)+1+len(addr))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], token)
	buf[len(balancePrefix)+len(token)] = ':'
	copy(buf[len(balancePrefix)+len(token)+1:], addr[:])
	return ethcrypto.Keccak256(buf)
}

func allowanceStorageKey(owner, spender [20]byte, token string) []byte {
	buf := make([]byte, len(allowancePrefix)+len(token)+1+len(owner)+len(spender))
	copy(buf, allowancePrefix)
	copy(buf[len(allowancePrefix):], token)
	buf[len(allowancePrefix)+len(token)] = ':'
	copy(buf[len(allowancePrefix)+len(token)+1:], owner[:])
	copy(buf[len(allowancePrefix)+len(token)+1+len(owner):], spender[:])
	return ethcrypto.Keccak256(buf)
}

func (m *Manager) loadAmount(key []byte) (*big.Int, error) {
	data, err := m.readRaw(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return nil, fmt.Errorf("state: corrupt amount record: %w", err)
	}
	return value, nil
}

func (m *Manager) storeAmount(key []byte, value *big.Int) error {
	if value == nil || value.Sign() < 0 {
		return fmt.Errorf("state: amount must be non-negative")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.writeRaw(key, encoded)
}

// BalanceOf returns the token balance held by an address.
func (m *Manager) BalanceOf(addr [20]byte, token string) (*big.Int, error) {
	return m.loadAmount(balanceStorageKey(addr, token))
}

// Mint credits newly issued tokens to an address. Bootstrap/admin surface;
// the engine itself never mints.
func (m *Manager) Mint(addr [20]byte, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: mint amount must be positive")
	}
	balance, err := m.BalanceOf(addr, token)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(balance, amount)
	if err := fees.CheckAmount(next); err != nil {
		return err
	}
	return m.storeAmount(balanceStorageKey(addr, token), next)
}

// Approve sets the spender's allowance over the owner's tokens, replacing
// any previous value.
func (m *Manager) Approve(owner, spender [20]byte, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: allowance must be non-negative")
	}
	if err := fees.CheckAmount(amount); err != nil {
		return err
	}
	return m.storeAmount(allowanceStorageKey(owner, spender, token), amount)
}

// Allowance returns the spender's remaining allowance over the owner's
// tokens.
func (m *Manager) Allowance(owner, spender [20]byte, token string) (*big.Int, error) {
	return m.loadAmount(allowanceStorageKey(owner, spender, token))
}

// AllowanceConsume decrements the spender's allowance, failing when the
// remaining allowance cannot cover the amount.
func (m *Manager) AllowanceConsume(owner, spender [20]byte, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: consume amount must be positive")
	}
	allowed, err := m.Allowance(owner, spender, token)
	if err != nil {
		return err
	}
	if allowed.Cmp(amount) < 0 {
		return circle.ErrInsufficientAllowance
	}
	return m.storeAmount(allowanceStorageKey(owner, spender, token), new(big.Int).Sub(allowed, amount))
}

// TokenTransfer moves tokens between addresses, failing when the sender's
// balance cannot cover the amount.
func (m *Manager) TokenTransfer(from, to [20]byte, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: transfer amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBalance, err := m.BalanceOf(from, token)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return circle.ErrInsufficientBalance
	}
	// A self-transfer nets out; writing the credit after the debit would
	// otherwise double-count the balance.
	if from == to {
		return nil
	}
	toBalance, err := m.BalanceOf(to, token)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(toBalance, amount)
	if err := fees.CheckAmount(next); err != nil {
		return err
	}
	if err := m.storeAmount(balanceStorageKey(from, token), new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return m.storeAmount(balanceStorageKey(to, token), next)
}
