package rpc

import (
	"math/big"

	"susuchain/crypto"
	"susuchain/native/circle"
)

// CircleResult is the JSON projection of a circle record.
type CircleResult struct {
	ID              uint64   `json:"id"`
	Creator         string   `json:"creator"`
	Token           string   `json:"token"`
	Contribution    string   `json:"contribution"`
	MemberTarget    uint32   `json:"memberTarget"`
	CycleDuration   uint64   `json:"cycleDuration"`
	ProtocolFeeBps  uint32   `json:"protocolFeeBps"`
	InsuranceFeeBps uint32   `json:"insuranceFeeBps"`
	LateFeeBps      uint32   `json:"lateFeeBps,omitempty"`
	GraceSeconds    uint64   `json:"graceSeconds,omitempty"`
	PayoutOrder     string   `json:"payoutOrder"`
	Members         []string `json:"members"`
	Schedule        []uint8  `json:"schedule,omitempty"`
	CycleIndex      uint32   `json:"cycleIndex"`
	Contributions   uint32   `json:"contributions"`
	Deadline        uint64   `json:"deadline,omitempty"`
	CreatedAt       uint64   `json:"createdAt"`
	ActivatedAt     uint64   `json:"activatedAt,omitempty"`
	Status          string   `json:"status"`
}

// LedgerResult is the JSON projection of a circle's vault ledger.
type LedgerResult struct {
	CircleID         uint64 `json:"circleId"`
	Token            string `json:"token"`
	TotalDeposits    string `json:"totalDeposits"`
	TotalPayouts     string `json:"totalPayouts"`
	InsuranceAccrued string `json:"insuranceAccrued"`
	VaultBalance     string `json:"vaultBalance"`
}

// PayoutResult reports the settlement of one cycle.
type PayoutResult struct {
	CircleID     uint64 `json:"circleId"`
	Cycle        uint32 `json:"cycle"`
	Recipient    string `json:"recipient"`
	Gross        string `json:"gross"`
	ProtocolFee  string `json:"protocolFee"`
	InsuranceFee string `json:"insuranceFee"`
	Net          string `json:"net"`
	Completed    bool   `json:"completed"`
}

// BalanceResult reports an address's balance for one token.
type BalanceResult struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

func formatAddr(addr [20]byte) string {
	return crypto.MustNewAddress(addr).String()
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatStatus(s circle.Status) string {
	switch s {
	case circle.StatusOpen:
		return "open"
	case circle.StatusActive:
		return "active"
	case circle.StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

func formatPayoutOrder(o circle.PayoutOrder) string {
	if o == circle.PayoutRandom {
		return "random"
	}
	return "rotation"
}

func circleResult(c *circle.Circle) CircleResult {
	members := make([]string, len(c.Members))
	for i := range c.Members {
		members[i] = formatAddr(c.Members[i])
	}
	return CircleResult{
		ID:              c.ID,
		Creator:         formatAddr(c.Creator),
		Token:           c.Token,
		Contribution:    formatAmount(c.Contribution),
		MemberTarget:    c.MemberTarget,
		CycleDuration:   c.CycleDuration,
		ProtocolFeeBps:  c.ProtocolFeeBps,
		InsuranceFeeBps: c.InsuranceFeeBps,
		LateFeeBps:      c.LateFeeBps,
		GraceSeconds:    c.GraceSeconds,
		PayoutOrder:     formatPayoutOrder(c.PayoutOrder),
		Members:         members,
		Schedule:        append([]uint8(nil), c.Schedule...),
		CycleIndex:      c.CycleIndex,
		Contributions:   circle.ContributionCount(c.Bitmap),
		Deadline:        c.Deadline,
		CreatedAt:       c.CreatedAt,
		ActivatedAt:     c.ActivatedAt,
		Status:          formatStatus(c.Status),
	}
}

func ledgerResult(id uint64, token string, l *circle.Ledger) LedgerResult {
	return LedgerResult{
		CircleID:         id,
		Token:            token,
		TotalDeposits:    formatAmount(l.TotalDeposits),
		TotalPayouts:     formatAmount(l.TotalPayouts),
		InsuranceAccrued: formatAmount(l.InsuranceAccrued),
		VaultBalance:     formatAmount(l.VaultBalance()),
	}
}

func payoutResult(id uint64, receipt *circle.PayoutReceipt) PayoutResult {
	return PayoutResult{
		CircleID:     id,
		Cycle:        receipt.Cycle,
		Recipient:    formatAddr(receipt.Recipient),
		Gross:        formatAmount(receipt.Gross),
		ProtocolFee:  formatAmount(receipt.ProtocolFee),
		InsuranceFee: formatAmount(receipt.InsuranceFee),
		Net:          formatAmount(receipt.Net),
		Completed:    receipt.Completed,
	}
}
