package circle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"susuchain/core/events"
	"susuchain/core/types"
	"susuchain/native/common"
	"susuchain/native/fees"
)

var (
	errNilState    = errors.New("circle engine: state not configured")
	errNilTreasury = errors.New("circle engine: fee treasury not configured")
)

// FeePolicy holds the default fee rates applied to circles created without
// explicit rates. Admin-settable; existing circles keep their creation-time
// rates.
type FeePolicy struct {
	ProtocolFeeBps  uint32
	InsuranceFeeBps uint32
}

// Validate checks the policy rates individually and combined.
func (p FeePolicy) Validate() error {
	if p.ProtocolFeeBps > fees.BpsDenominator || p.InsuranceFeeBps > fees.BpsDenominator {
		return fmt.Errorf("%w: fee bps out of range", ErrInvalidConfig)
	}
	if p.ProtocolFeeBps+p.InsuranceFeeBps > fees.BpsDenominator {
		return fmt.Errorf("%w: combined fee bps exceed 100%%", ErrInvalidConfig)
	}
	return nil
}

type engineState interface {
	CirclePut(*Circle) error
	CircleGet(id uint64) (*Circle, bool)
	NextCircleID() (uint64, error)
	LedgerGet(id uint64, token string) (*Ledger, error)
	LedgerPut(id uint64, token string, l *Ledger) error
	LastCircleCreatedAt(creator [20]byte) (uint64, error)
	SetLastCircleCreatedAt(creator [20]byte, ts uint64) error
	FeePolicy() (FeePolicy, error)
	SetFeePolicy(FeePolicy) error
	CircleVaultAddress(id uint64) ([20]byte, error)
	AllowanceConsume(owner, spender [20]byte, token string, amount *big.Int) error
	TokenTransfer(from, to [20]byte, token string, amount *big.Int) error
}

type circleEvent struct {
	evt *types.Event
}

func (e circleEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e circleEvent) Event() *types.Event { return e.evt }

// Engine wires the circle business logic with external state and event
// emitters. Each exported method is one logical transaction: callers are
// expected to run it inside a state transaction so a returned error leaves
// no partial mutation behind.
type Engine struct {
	state    engineState
	emitter  events.Emitter
	treasury [20]byte
	admin    [20]byte
	nowFn    func() uint64
}

// NewEngine creates a circle engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTreasury configures the address that receives protocol fees and swept
// insurance reserves.
func (e *Engine) SetTreasury(addr [20]byte) { e.treasury = addr }

// SetAdmin configures the address allowed to update the default fee policy.
func (e *Engine) SetAdmin(addr [20]byte) { e.admin = addr }

// SetNowFunc overrides the time source used by the engine. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(circleEvent{evt: event})
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return e.nowFn()
}

func (e *Engine) loadCircle(id uint64) (*Circle, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	c, ok := e.state.CircleGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (e *Engine) storeCircle(c *Circle) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.CirclePut(c)
}

func (e *Engine) ensureTreasuryConfigured() error {
	if e == nil || e.treasury == ([20]byte{}) {
		return errNilTreasury
	}
	return nil
}

// CreateParams configures a new circle. Nil fee rates fall back to the
// global default fee policy.
type CreateParams struct {
	Token           string
	Contribution    *big.Int
	MemberTarget    uint32
	CycleDuration   uint64
	ProtocolFeeBps  *uint32
	InsuranceFeeBps *uint32
	LateFeeBps      uint32
	GraceSeconds    uint64
	PayoutOrder     PayoutOrder
}

// Create allocates and persists a new circle in the joining phase. The
// per-creator cooldown is enforced and its timestamp recorded in the same
// transaction, so a failed creation never consumes the cooldown.
func (e *Engine) Create(creator [20]byte, params CreateParams) (*Circle, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	now := e.now()
	last, err := e.state.LastCircleCreatedAt(creator)
	if err != nil {
		return nil, err
	}
	status, err := common.CheckCooldown(common.CreateCooldownSeconds, last, now)
	if err != nil {
		return nil, &RateLimitedError{RetryAfter: status.RetryAfter}
	}
	policy, err := e.state.FeePolicy()
	if err != nil {
		return nil, err
	}
	protocolBps := policy.ProtocolFeeBps
	if params.ProtocolFeeBps != nil {
		protocolBps = *params.ProtocolFeeBps
	}
	insuranceBps := policy.InsuranceFeeBps
	if params.InsuranceFeeBps != nil {
		insuranceBps = *params.InsuranceFeeBps
	}
	id, err := e.state.NextCircleID()
	if err != nil {
		return nil, err
	}
	c := &Circle{
		ID:              id,
		Creator:         creator,
		Token:           params.Token,
		Contribution:    params.Contribution,
		MemberTarget:    params.MemberTarget,
		CycleDuration:   params.CycleDuration,
		ProtocolFeeBps:  protocolBps,
		InsuranceFeeBps: insuranceBps,
		LateFeeBps:      params.LateFeeBps,
		GraceSeconds:    params.GraceSeconds,
		PayoutOrder:     params.PayoutOrder,
		CreatedAt:       now,
		Status:          StatusOpen,
	}
	if c.LateFeeBps > fees.BpsDenominator {
		return nil, fmt.Errorf("%w: late fee bps out of range", ErrInvalidConfig)
	}
	sanitized, err := SanitizeCircle(c)
	if err != nil {
		return nil, err
	}
	if err := e.storeCircle(sanitized); err != nil {
		return nil, err
	}
	if err := e.state.SetLastCircleCreatedAt(creator, now); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(sanitized))
	return sanitized.Clone(), nil
}

// Join adds the caller to an open circle and returns the assigned bit
// index. Filling the last seat activates the circle: cycle zero starts, the
// payout schedule is fixed, and membership closes for good.
func (e *Engine) Join(caller [20]byte, id uint64) (uint8, error) {
	c, err := e.loadCircle(id)
	if err != nil {
		return 0, err
	}
	switch c.Status {
	case StatusCompleted:
		return 0, ErrCompleted
	case StatusActive:
		return 0, ErrCircleFull
	}
	if c.IsMember(caller) {
		return 0, ErrAlreadyMember
	}
	if c.MemberCount() >= c.MemberTarget || c.MemberCount() >= MaxMembers {
		return 0, ErrCircleFull
	}
	bitIndex := uint8(c.MemberCount())
	c.Members = append(c.Members, caller)
	activated := false
	if c.MemberCount() == c.MemberTarget {
		now := e.now()
		c.Status = StatusActive
		c.ActivatedAt = now
		c.CycleIndex = 0
		c.Bitmap = ResetBitmap()
		c.Deadline = now + c.CycleDuration
		c.Schedule = buildSchedule(c.PayoutOrder, int(c.MemberTarget), c.ID, now)
		activated = true
	}
	if err := e.storeCircle(c); err != nil {
		return 0, err
	}
	e.emit(NewJoinedEvent(c, caller, bitIndex))
	if activated {
		e.emit(NewActivatedEvent(c))
	}
	return bitIndex, nil
}

// Deposit records the caller's contribution for the current cycle, moving
// tokens from the caller to the circle vault. Late deposits inside the
// grace window pay the contribution plus the configured late fee; past the
// grace window deposits are rejected outright.
func (e *Engine) Deposit(caller [20]byte, id uint64, amount *big.Int) error {
	c, err := e.loadCircle(id)
	if err != nil {
		return err
	}
	switch c.Status {
	case StatusCompleted:
		return ErrCompleted
	case StatusOpen:
		return ErrNotActive
	}
	bitIndex, ok := c.MemberIndex(caller)
	if !ok {
		return ErrNotMember
	}
	if amount == nil || amount.Cmp(c.Contribution) != 0 {
		return ErrInvalidAmount
	}
	now := e.now()
	penalty := big.NewInt(0)
	if now > c.Deadline {
		if c.GraceSeconds == 0 || now > c.Deadline+c.GraceSeconds {
			return ErrDeadlineExpired
		}
		penalty, err = fees.Portion(c.Contribution, c.LateFeeBps)
		if err != nil {
			return err
		}
	}
	bitmap, err := MarkContributed(c.Bitmap, bitIndex)
	if err != nil {
		return err
	}
	due := new(big.Int).Add(c.Contribution, penalty)
	if err := fees.CheckAmount(due); err != nil {
		return err
	}
	ledger, err := e.state.LedgerGet(c.ID, c.Token)
	if err != nil {
		return err
	}
	if err := ledger.RecordDeposit(due); err != nil {
		return err
	}
	if err := ledger.AccrueInsurance(penalty); err != nil {
		return err
	}
	vault, err := e.state.CircleVaultAddress(c.ID)
	if err != nil {
		return err
	}
	if err := e.state.AllowanceConsume(caller, vault, c.Token, due); err != nil {
		return err
	}
	if err := e.state.TokenTransfer(caller, vault, c.Token, due); err != nil {
		return err
	}
	if err := e.state.LedgerPut(c.ID, c.Token, ledger); err != nil {
		return err
	}
	c.Bitmap = bitmap
	if err := e.storeCircle(c); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(c, caller, due, penalty))
	return nil
}

// PayoutReceipt summarises a settled cycle.
type PayoutReceipt struct {
	Recipient    [20]byte
	Cycle        uint32
	Gross        *big.Int
	ProtocolFee  *big.Int
	InsuranceFee *big.Int
	Net          *big.Int
	Completed    bool
}

// Payout settles the current cycle once every member has contributed: the
// pooled amount is split into net (recipient), protocol fee (treasury) and
// insurance (retained in the vault), the bitmap resets, and the cycle
// advances. Settling the final cycle completes the circle and sweeps the
// insurance reserve to the treasury. Anyone may trigger a payout.
func (e *Engine) Payout(id uint64) (*PayoutReceipt, error) {
	c, err := e.loadCircle(id)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case StatusCompleted:
		return nil, ErrCompleted
	case StatusOpen:
		return nil, ErrNotActive
	}
	if !BitmapComplete(c.Bitmap, c.MemberTarget) {
		return nil, ErrCycleIncomplete
	}
	if err := e.ensureTreasuryConfigured(); err != nil {
		return nil, err
	}
	if int(c.CycleIndex) >= len(c.Schedule) {
		return nil, fmt.Errorf("%w: cycle index beyond schedule", ErrInvalidConfig)
	}
	recipient := c.Members[c.Schedule[c.CycleIndex]]
	gross := new(big.Int).Mul(c.Contribution, big.NewInt(int64(c.MemberTarget)))
	if err := fees.CheckAmount(gross); err != nil {
		return nil, err
	}
	protocolFee, err := fees.Portion(gross, c.ProtocolFeeBps)
	if err != nil {
		return nil, err
	}
	insuranceFee, err := fees.Portion(gross, c.InsuranceFeeBps)
	if err != nil {
		return nil, err
	}
	net := new(big.Int).Sub(gross, protocolFee)
	net.Sub(net, insuranceFee)
	if net.Sign() < 0 {
		return nil, fees.ErrNegativeAmount
	}
	ledger, err := e.state.LedgerGet(c.ID, c.Token)
	if err != nil {
		return nil, err
	}
	if ledger.VaultBalance().Cmp(gross) < 0 {
		// Unreachable with correct completeness gating, checked defensively.
		return nil, ErrInsufficientVault
	}
	outflow := new(big.Int).Add(net, protocolFee)
	if outflow.Sign() > 0 {
		if err := ledger.RecordPayout(outflow); err != nil {
			return nil, err
		}
	}
	if err := ledger.AccrueInsurance(insuranceFee); err != nil {
		return nil, err
	}
	vault, err := e.state.CircleVaultAddress(c.ID)
	if err != nil {
		return nil, err
	}
	if net.Sign() > 0 {
		if err := e.state.TokenTransfer(vault, recipient, c.Token, net); err != nil {
			return nil, err
		}
	}
	if protocolFee.Sign() > 0 {
		if err := e.state.TokenTransfer(vault, e.treasury, c.Token, protocolFee); err != nil {
			return nil, err
		}
	}
	settledCycle := c.CycleIndex
	now := e.now()
	c.Bitmap = ResetBitmap()
	c.CycleIndex++
	completed := c.CycleIndex == c.MemberTarget
	swept := big.NewInt(0)
	if completed {
		c.Status = StatusCompleted
		c.Deadline = 0
		// Whatever remains in the vault is the accumulated insurance
		// reserve (fees plus late penalties); it goes to the treasury.
		swept = ledger.VaultBalance()
		if swept.Sign() > 0 {
			if err := e.state.TokenTransfer(vault, e.treasury, c.Token, swept); err != nil {
				return nil, err
			}
			if err := ledger.RecordPayout(swept); err != nil {
				return nil, err
			}
		}
	} else {
		c.Deadline = now + c.CycleDuration
	}
	if err := e.state.LedgerPut(c.ID, c.Token, ledger); err != nil {
		return nil, err
	}
	if err := e.storeCircle(c); err != nil {
		return nil, err
	}
	e.emit(NewPayoutEvent(c, recipient, settledCycle, gross, protocolFee, net))
	if completed {
		e.emit(NewCompletedEvent(c, swept))
	}
	return &PayoutReceipt{
		Recipient:    recipient,
		Cycle:        settledCycle,
		Gross:        gross,
		ProtocolFee:  protocolFee,
		InsuranceFee: insuranceFee,
		Net:          net,
		Completed:    completed,
	}, nil
}

// SetFeePolicy updates the default fee rates for future circles. Admin
// only.
func (e *Engine) SetFeePolicy(caller [20]byte, policy FeePolicy) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.admin == ([20]byte{}) || caller != e.admin {
		return ErrUnauthorized
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	if err := e.state.SetFeePolicy(policy); err != nil {
		return err
	}
	e.emit(NewFeePolicyUpdatedEvent(policy.ProtocolFeeBps, policy.InsuranceFeeBps))
	return nil
}

// Get returns a copy of the circle record.
func (e *Engine) Get(id uint64) (*Circle, error) {
	c, err := e.loadCircle(id)
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// LedgerOf returns a copy of the ledger for the circle's configured token.
func (e *Engine) LedgerOf(id uint64) (*Ledger, error) {
	c, err := e.loadCircle(id)
	if err != nil {
		return nil, err
	}
	ledger, err := e.state.LedgerGet(c.ID, c.Token)
	if err != nil {
		return nil, err
	}
	return ledger.Clone(), nil
}

// buildSchedule materialises the payout order fixed at activation. The
// random order uses a Fisher-Yates shuffle driven by keccak over the circle
// id, activation time and round, so every node derives the same
// permutation.
func buildSchedule(order PayoutOrder, n int, circleID, activatedAt uint64) []uint8 {
	schedule := make([]uint8, n)
	for i := range schedule {
		schedule[i] = uint8(i)
	}
	if order == PayoutRotation {
		return schedule
	}
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], circleID)
	binary.BigEndian.PutUint64(buf[8:16], activatedAt)
	for i := n - 1; i > 0; i-- {
		binary.BigEndian.PutUint64(buf[16:24], uint64(i))
		digest := ethcrypto.Keccak256(buf[:])
		j := binary.BigEndian.Uint64(digest[:8]) % uint64(i+1)
		schedule[i], schedule[j] = schedule[j], schedule[i]
	}
	return schedule
}
