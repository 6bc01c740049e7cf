package circle

import (
	"fmt"
	"math/big"
	"strings"

	"susuchain/native/fees"
)

// Status represents the lifecycle states of a savings circle.
type Status uint8

const (
	// StatusOpen accepts new members until the configured target is reached.
	StatusOpen Status = iota
	// StatusActive runs contribution/payout cycles.
	StatusActive
	// StatusCompleted is terminal: every member has received one payout.
	StatusCompleted
)

// PayoutOrder selects how the payout schedule is derived at activation.
type PayoutOrder uint8

const (
	// PayoutRotation pays members in join order: cycle i pays bit-index i.
	PayoutRotation PayoutOrder = iota
	// PayoutRandom derives a deterministic shuffled permutation at
	// activation and keeps it for the circle's lifetime.
	PayoutRandom
)

const (
	// MinMembers is the smallest viable circle.
	MinMembers = 2
	// MaxMembers is a hard cap: contribution tracking uses a single 64-bit
	// bitmap, one bit per member.
	MaxMembers = 64
)

// Circle is the full persisted record of one savings circle. Members are
// stored in join order; a member's slice index doubles as its contribution
// bitmap bit index and never changes.
type Circle struct {
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
	PayoutOrder     PayoutOrder
	Members         [][20]byte
	Schedule        []uint8
	CycleIndex      uint32
	Bitmap          uint64
	Deadline        uint64
	CreatedAt       uint64
	ActivatedAt     uint64
	Status          Status
}

// Clone returns a deep copy so callers can mutate freely without touching
// the stored instance.
func (c *Circle) Clone() *Circle {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Contribution != nil {
		clone.Contribution = new(big.Int).Set(c.Contribution)
	} else {
		clone.Contribution = big.NewInt(0)
	}
	clone.Members = make([][20]byte, len(c.Members))
	copy(clone.Members, c.Members)
	clone.Schedule = append([]uint8(nil), c.Schedule...)
	return &clone
}

// MemberIndex resolves an address to its stable bit index.
func (c *Circle) MemberIndex(addr [20]byte) (uint8, bool) {
	if c == nil {
		return 0, false
	}
	for i, member := range c.Members {
		if member == addr {
			return uint8(i), true
		}
	}
	return 0, false
}

// IsMember reports whether the address has joined the circle.
func (c *Circle) IsMember(addr [20]byte) bool {
	_, ok := c.MemberIndex(addr)
	return ok
}

// MemberCount returns the current membership size.
func (c *Circle) MemberCount() uint32 {
	if c == nil {
		return 0
	}
	return uint32(len(c.Members))
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusActive, StatusCompleted:
		return true
	default:
		return false
	}
}

// Valid reports whether the payout order value is within the supported range.
func (o PayoutOrder) Valid() bool {
	switch o {
	case PayoutRotation, PayoutRandom:
		return true
	default:
		return false
	}
}

// NormalizeToken canonicalises a token symbol to trimmed upper case.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty token symbol", ErrInvalidConfig)
	}
	if len(trimmed) > 12 {
		return "", fmt.Errorf("%w: token symbol too long", ErrInvalidConfig)
	}
	return trimmed, nil
}

// SanitizeCircle validates and normalises a circle record loaded from
// storage or supplied by a caller, returning a cloned canonical instance.
func SanitizeCircle(c *Circle) (*Circle, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil circle", ErrInvalidConfig)
	}
	clone := c.Clone()
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	if clone.Contribution == nil || clone.Contribution.Sign() <= 0 {
		return nil, fmt.Errorf("%w: contribution must be positive", ErrInvalidConfig)
	}
	if err := fees.CheckAmount(clone.Contribution); err != nil {
		return nil, fmt.Errorf("%w: contribution out of range", ErrInvalidConfig)
	}
	if clone.MemberTarget < MinMembers || clone.MemberTarget > MaxMembers {
		return nil, fmt.Errorf("%w: member target %d outside [%d, %d]", ErrInvalidConfig, clone.MemberTarget, MinMembers, MaxMembers)
	}
	if clone.CycleDuration == 0 {
		return nil, fmt.Errorf("%w: cycle duration must be positive", ErrInvalidConfig)
	}
	if clone.ProtocolFeeBps > fees.BpsDenominator || clone.InsuranceFeeBps > fees.BpsDenominator || clone.LateFeeBps > fees.BpsDenominator {
		return nil, fmt.Errorf("%w: fee bps out of range", ErrInvalidConfig)
	}
	if clone.ProtocolFeeBps+clone.InsuranceFeeBps > fees.BpsDenominator {
		return nil, fmt.Errorf("%w: combined fee bps exceed 100%%", ErrInvalidConfig)
	}
	if !clone.PayoutOrder.Valid() {
		return nil, fmt.Errorf("%w: unknown payout order %d", ErrInvalidConfig, clone.PayoutOrder)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %d", ErrInvalidConfig, clone.Status)
	}
	if uint32(len(clone.Members)) > clone.MemberTarget {
		return nil, fmt.Errorf("%w: members exceed target", ErrInvalidConfig)
	}
	seen := make(map[[20]byte]struct{}, len(clone.Members))
	for _, member := range clone.Members {
		if _, dup := seen[member]; dup {
			return nil, fmt.Errorf("%w: duplicate member", ErrInvalidConfig)
		}
		seen[member] = struct{}{}
	}
	if clone.Status != StatusOpen {
		if uint32(len(clone.Members)) != clone.MemberTarget {
			return nil, fmt.Errorf("%w: active circle must be full", ErrInvalidConfig)
		}
		if err := validateSchedule(clone.Schedule, len(clone.Members)); err != nil {
			return nil, err
		}
	}
	return clone, nil
}

// validateSchedule checks the payout schedule is a complete permutation of
// member bit indices.
func validateSchedule(schedule []uint8, members int) error {
	if len(schedule) != members {
		return fmt.Errorf("%w: schedule length %d != member count %d", ErrInvalidConfig, len(schedule), members)
	}
	var seen uint64
	for _, idx := range schedule {
		if int(idx) >= members {
			return fmt.Errorf("%w: schedule index %d out of range", ErrInvalidConfig, idx)
		}
		bit := uint64(1) << idx
		if seen&bit != 0 {
			return fmt.Errorf("%w: schedule index %d repeated", ErrInvalidConfig, idx)
		}
		seen |= bit
	}
	return nil
}
