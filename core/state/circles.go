package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"susuchain/native/circle"
)

func circleStorageKey(id uint64) []byte {
	buf := make([]byte, len(circleRecordPrefix)+8)
	copy(buf, circleRecordPrefix)
	binary.BigEndian.PutUint64(buf[len(circleRecordPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func ledgerStorageKey(id uint64, token string) []byte {
	buf := make([]byte, len(circleLedgerPrefix)+8+1+len(token))
	copy(buf, circleLedgerPrefix)
	binary.BigEndian.PutUint64(buf[len(circleLedgerPrefix):], id)
	buf[len(circleLedgerPrefix)+8] = ':'
	copy(buf[len(circleLedgerPrefix)+8+1:], token)
	return ethcrypto.Keccak256(buf)
}

type storedCircle struct {
	ID              uint64
	Creator         [20]byte
	Token           string
	Contribution    *big.Int
	MemberTarget    uint32
	CycleDuration   uint64
	ProtocolFeeBps  uint32
	InsuranceFeeBps uint32
	LateFeeBps      uint32
	GraceSeconds    uint64
	PayoutOrder     uint8
	Members         [][20]byte
	Schedule        []byte
	CycleIndex      uint32
	Bitmap          uint64
	Deadline        uint64
	CreatedAt       uint64
	ActivatedAt     uint64
	Status          uint8
}

func newStoredCircle(c *circle.Circle) *storedCircle {
	contribution := big.NewInt(0)
	if c.Contribution != nil {
		contribution = new(big.Int).Set(c.Contribution)
	}
	members := make([][20]byte, len(c.Members))
	copy(members, c.Members)
	return &storedCircle{
		ID:              c.ID,
		Creator:         c.Creator,
		Token:           c.Token,
		Contribution:    contribution,
		MemberTarget:    c.MemberTarget,
		CycleDuration:   c.CycleDuration,
		ProtocolFeeBps:  c.ProtocolFeeBps,
		InsuranceFeeBps: c.InsuranceFeeBps,
		LateFeeBps:      c.LateFeeBps,
		GraceSeconds:    c.GraceSeconds,
		PayoutOrder:     uint8(c.PayoutOrder),
		Members:         members,
		Schedule:        append([]byte(nil), c.Schedule...),
		CycleIndex:      c.CycleIndex,
		Bitmap:          c.Bitmap,
		Deadline:        c.Deadline,
		CreatedAt:       c.CreatedAt,
		ActivatedAt:     c.ActivatedAt,
		Status:          uint8(c.Status),
	}
}

func (s *storedCircle) toCircle() (*circle.Circle, error) {
	if s == nil {
		return nil, fmt.Errorf("state: nil circle record")
	}
	out := &circle.Circle{
		ID:              s.ID,
		Creator:         s.Creator,
		Token:           s.Token,
		Contribution:    big.NewInt(0),
		MemberTarget:    s.MemberTarget,
		CycleDuration:   s.CycleDuration,
		ProtocolFeeBps:  s.ProtocolFeeBps,
		InsuranceFeeBps: s.InsuranceFeeBps,
		LateFeeBps:      s.LateFeeBps,
		GraceSeconds:    s.GraceSeconds,
		PayoutOrder:     circle.PayoutOrder(s.PayoutOrder),
		Members:         append([][20]byte(nil), s.Members...),
		Schedule:        append([]uint8(nil), s.Schedule...),
		CycleIndex:      s.CycleIndex,
		Bitmap:          s.Bitmap,
		Deadline:        s.Deadline,
		CreatedAt:       s.CreatedAt,
		ActivatedAt:     s.ActivatedAt,
		Status:          circle.Status(s.Status),
	}
	if s.Contribution != nil {
		out.Contribution = new(big.Int).Set(s.Contribution)
	}
	return circle.SanitizeCircle(out)
}

// CirclePut validates and persists a circle record.
func (m *Manager) CirclePut(c *circle.Circle) error {
	sanitized, err := circle.SanitizeCircle(c)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(newStoredCircle(sanitized))
	if err != nil {
		return err
	}
	return m.writeRaw(circleStorageKey(sanitized.ID), encoded)
}

// CircleGet loads a circle record by id.
func (m *Manager) CircleGet(id uint64) (*circle.Circle, bool) {
	data, err := m.readRaw(circleStorageKey(id))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedCircle)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	record, err := stored.toCircle()
	if err != nil {
		return nil, false
	}
	return record, true
}

type storedLedger struct {
	TotalDeposits    *big.Int
	TotalPayouts     *big.Int
	InsuranceAccrued *big.Int
}

// LedgerGet loads the ledger for a (circle, token) pair, returning a zeroed
// ledger when none has been written yet.
func (m *Manager) LedgerGet(id uint64, token string) (*circle.Ledger, error) {
	data, err := m.readRaw(ledgerStorageKey(id, token))
	if err != nil {
		return nil, err
	}
	ledger := circle.NewLedger()
	if len(data) == 0 {
		return ledger, nil
	}
	stored := new(storedLedger)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("state: corrupt ledger record: %w", err)
	}
	if stored.TotalDeposits != nil {
		ledger.TotalDeposits.Set(stored.TotalDeposits)
	}
	if stored.TotalPayouts != nil {
		ledger.TotalPayouts.Set(stored.TotalPayouts)
	}
	if stored.InsuranceAccrued != nil {
		ledger.InsuranceAccrued.Set(stored.InsuranceAccrued)
	}
	return ledger, nil
}

// LedgerPut persists the ledger for a (circle, token) pair after verifying
// the balance invariant.
func (m *Manager) LedgerPut(id uint64, token string, l *circle.Ledger) error {
	if l == nil {
		return fmt.Errorf("state: nil ledger")
	}
	if l.VaultBalance().Sign() < 0 {
		return circle.ErrInsufficientVault
	}
	encoded, err := rlp.EncodeToBytes(&storedLedger{
		TotalDeposits:    l.TotalDeposits,
		TotalPayouts:     l.TotalPayouts,
		InsuranceAccrued: l.InsuranceAccrued,
	})
	if err != nil {
		return err
	}
	return m.writeRaw(ledgerStorageKey(id, token), encoded)
}
