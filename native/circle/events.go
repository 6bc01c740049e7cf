package circle

import (
	"math/big"
	"strconv"

	"susuchain/core/types"
	"susuchain/crypto"
)

const (
	EventTypeCircleCreated    = "circle.created"
	EventTypeCircleJoined     = "circle.joined"
	EventTypeCircleActivated  = "circle.activated"
	EventTypeCircleDeposited  = "circle.deposited"
	EventTypeCirclePayout     = "circle.payout"
	EventTypeCircleCompleted  = "circle.completed"
	EventTypeFeePolicyUpdated = "circle.fee_policy_updated"
)

// NewCreatedEvent returns the canonical payload for a newly created circle.
func NewCreatedEvent(c *Circle) *types.Event {
	evt := baseEvent(EventTypeCircleCreated, c)
	evt.Attributes["creator"] = addrString(c.Creator)
	evt.Attributes["contribution"] = formatAmount(c.Contribution)
	evt.Attributes["memberTarget"] = uintToString(uint64(c.MemberTarget))
	return evt
}

// NewJoinedEvent returns the payload emitted when a member joins.
func NewJoinedEvent(c *Circle, member [20]byte, bitIndex uint8) *types.Event {
	evt := baseEvent(EventTypeCircleJoined, c)
	evt.Attributes["member"] = addrString(member)
	evt.Attributes["bitIndex"] = uintToString(uint64(bitIndex))
	evt.Attributes["memberCount"] = uintToString(uint64(c.MemberCount()))
	return evt
}

// NewActivatedEvent returns the payload emitted when the circle fills up and
// begins cycle zero.
func NewActivatedEvent(c *Circle) *types.Event {
	evt := baseEvent(EventTypeCircleActivated, c)
	evt.Attributes["deadline"] = uintToString(c.Deadline)
	return evt
}

// NewDepositedEvent returns the payload for a recorded contribution. The
// penalty attribute is the late fee paid on top of the contribution, zero
// for on-time deposits.
func NewDepositedEvent(c *Circle, member [20]byte, amount, penalty *big.Int) *types.Event {
	evt := baseEvent(EventTypeCircleDeposited, c)
	evt.Attributes["member"] = addrString(member)
	evt.Attributes["amount"] = formatAmount(amount)
	evt.Attributes["penalty"] = formatAmount(penalty)
	evt.Attributes["cycle"] = uintToString(uint64(c.CycleIndex))
	return evt
}

// NewPayoutEvent returns the payload for a completed cycle payout.
func NewPayoutEvent(c *Circle, recipient [20]byte, cycle uint32, gross, fee, net *big.Int) *types.Event {
	evt := baseEvent(EventTypeCirclePayout, c)
	evt.Attributes["recipient"] = addrString(recipient)
	evt.Attributes["cycle"] = uintToString(uint64(cycle))
	evt.Attributes["gross"] = formatAmount(gross)
	evt.Attributes["fee"] = formatAmount(fee)
	evt.Attributes["net"] = formatAmount(net)
	return evt
}

// NewCompletedEvent returns the payload emitted when every member has been
// paid and the insurance reserve is swept to the treasury.
func NewCompletedEvent(c *Circle, swept *big.Int) *types.Event {
	evt := baseEvent(EventTypeCircleCompleted, c)
	evt.Attributes["insuranceSwept"] = formatAmount(swept)
	return evt
}

// NewFeePolicyUpdatedEvent returns the payload for a default fee change.
func NewFeePolicyUpdatedEvent(protocolBps, insuranceBps uint32) *types.Event {
	return &types.Event{
		Type: EventTypeFeePolicyUpdated,
		Attributes: map[string]string{
			"protocolFeeBps":  uintToString(uint64(protocolBps)),
			"insuranceFeeBps": uintToString(uint64(insuranceBps)),
		},
	}
}

func baseEvent(eventType string, c *Circle) *types.Event {
	attrs := map[string]string{}
	if c != nil {
		attrs["id"] = uintToString(c.ID)
		attrs["token"] = c.Token
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func addrString(addr [20]byte) string {
	return crypto.MustNewAddress(addr).String()
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func uintToString(v uint64) string {
	return strconv.FormatUint(v, 10)
}
