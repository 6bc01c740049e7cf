package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"susuchain/native/circle"
	"susuchain/storage"
)

var (
	circleRecordPrefix   = []byte("circle:")
	circleCounterKey     = ethcrypto.Keccak256([]byte("circle-count"))
	circleCooldownPrefix = []byte("circle-cooldown:")
	circleLedgerPrefix   = []byte("circle-ledger:")
	circleVaultPrefix    = []byte("circle-vault:")
	balancePrefix        = []byte("balance:")
	allowancePrefix      = []byte("allowance:")
	feePolicyKey         = ethcrypto.Keccak256([]byte("circle-fee-policy"))
)

// Manager persists settlement state in a key-value store. Records are RLP
// encoded under keccak-derived keys. Every access, reads included, is
// expected to run inside Atomic: transactions are serialised, so each call
// observes only committed state plus its own staged writes, and a failed
// call leaves no partial write behind.
type Manager struct {
	txMu    sync.Mutex // serialises transactions
	mu      sync.Mutex // guards the staging overlay
	db      storage.Database
	pending map[string][]byte
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Atomic stages every write issued by fn and flushes the batch to the
// database only when fn succeeds. An error from fn discards all staged
// writes, giving each engine call all-or-nothing semantics. Atomic calls
// are serialised; read-only callers go through Atomic too, which blocks
// them until any in-flight transaction has committed or aborted.
func (m *Manager) Atomic(fn func() error) error {
	if m == nil {
		return fmt.Errorf("state: nil manager")
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.setPending(make(map[string][]byte))
	defer m.setPending(nil)
	if err := fn(); err != nil {
		return err
	}
	return m.flush()
}

func (m *Manager) setPending(overlay map[string][]byte) {
	m.mu.Lock()
	m.pending = overlay
	m.mu.Unlock()
}

func (m *Manager) flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range m.pending {
		if err := m.db.Put([]byte(key), value); err != nil {
			return err
		}
	}
	return nil
}

// readRaw returns the value for a key, preferring staged writes. A miss
// returns (nil, nil).
func (m *Manager) readRaw(key []byte) ([]byte, error) {
	m.mu.Lock()
	if m.pending != nil {
		if value, ok := m.pending[string(key)]; ok {
			out := make([]byte, len(value))
			copy(out, value)
			m.mu.Unlock()
			return out, nil
		}
	}
	m.mu.Unlock()
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (m *Manager) writeRaw(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		stored := make([]byte, len(value))
		copy(stored, value)
		m.pending[string(key)] = stored
		return nil
	}
	return m.db.Put(key, value)
}

// --- circle id allocation and creation cooldown ---

// NextCircleID allocates the next monotonically increasing circle id,
// starting at 1.
func (m *Manager) NextCircleID() (uint64, error) {
	data, err := m.readRaw(circleCounterKey)
	if err != nil {
		return 0, err
	}
	var current uint64
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &current); err != nil {
			return 0, fmt.Errorf("state: corrupt circle counter: %w", err)
		}
	}
	next := current + 1
	encoded, err := rlp.EncodeToBytes(next)
	if err != nil {
		return 0, err
	}
	if err := m.writeRaw(circleCounterKey, encoded); err != nil {
		return 0, err
	}
	return next, nil
}

func cooldownKey(creator [20]byte) []byte {
	buf := make([]byte, len(circleCooldownPrefix)+len(creator))
	copy(buf, circleCooldownPrefix)
	copy(buf[len(circleCooldownPrefix):], creator[:])
	return ethcrypto.Keccak256(buf)
}

// LastCircleCreatedAt returns the creator's last successful creation time,
// zero when the address has never created a circle.
func (m *Manager) LastCircleCreatedAt(creator [20]byte) (uint64, error) {
	data, err := m.readRaw(cooldownKey(creator))
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	var ts uint64
	if err := rlp.DecodeBytes(data, &ts); err != nil {
		return 0, fmt.Errorf("state: corrupt cooldown record: %w", err)
	}
	return ts, nil
}

// SetLastCircleCreatedAt records a successful creation timestamp.
func (m *Manager) SetLastCircleCreatedAt(creator [20]byte, ts uint64) error {
	encoded, err := rlp.EncodeToBytes(ts)
	if err != nil {
		return err
	}
	return m.writeRaw(cooldownKey(creator), encoded)
}

// --- global fee policy ---

type storedFeePolicy struct {
	ProtocolFeeBps  uint32
	InsuranceFeeBps uint32
}

// FeePolicy returns the default fee rates for new circles; a zero policy
// when never configured.
func (m *Manager) FeePolicy() (circle.FeePolicy, error) {
	data, err := m.readRaw(feePolicyKey)
	if err != nil {
		return circle.FeePolicy{}, err
	}
	if len(data) == 0 {
		return circle.FeePolicy{}, nil
	}
	stored := new(storedFeePolicy)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return circle.FeePolicy{}, fmt.Errorf("state: corrupt fee policy: %w", err)
	}
	return circle.FeePolicy{
		ProtocolFeeBps:  stored.ProtocolFeeBps,
		InsuranceFeeBps: stored.InsuranceFeeBps,
	}, nil
}

// SetFeePolicy persists the default fee rates.
func (m *Manager) SetFeePolicy(policy circle.FeePolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(&storedFeePolicy{
		ProtocolFeeBps:  policy.ProtocolFeeBps,
		InsuranceFeeBps: policy.InsuranceFeeBps,
	})
	if err != nil {
		return err
	}
	return m.writeRaw(feePolicyKey, encoded)
}

// CircleVaultAddress derives the deterministic vault address holding a
// circle's pooled funds.
func CircleVaultAddress(id uint64) [20]byte {
	buf := make([]byte, len(circleVaultPrefix)+8)
	copy(buf, circleVaultPrefix)
	binary.BigEndian.PutUint64(buf[len(circleVaultPrefix):], id)
	digest := ethcrypto.Keccak256(buf)
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

// CircleVaultAddress implements the engine state interface.
func (m *Manager) CircleVaultAddress(id uint64) ([20]byte, error) {
	return CircleVaultAddress(id), nil
}
