package circle

import (
	"errors"
	"math/big"
	"testing"
)

func validCircle() *Circle {
	return &Circle{
		ID:            1,
		Creator:       testAddr(0x01),
		Token:         "usdc",
		Contribution:  big.NewInt(100),
		MemberTarget:  3,
		CycleDuration: 3600,
		Status:        StatusOpen,
	}
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestSanitizeCircleNormalisesToken(t *testing.T) {
	sanitized, err := SanitizeCircle(validCircle())
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if sanitized.Token != "USDC" {
		t.Fatalf("token = %q, want USDC", sanitized.Token)
	}
}

func TestSanitizeCircleRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Circle)
	}{
		{"zero contribution", func(c *Circle) { c.Contribution = big.NewInt(0) }},
		{"negative contribution", func(c *Circle) { c.Contribution = big.NewInt(-1) }},
		{"one member", func(c *Circle) { c.MemberTarget = 1 }},
		{"too many members", func(c *Circle) { c.MemberTarget = 65 }},
		{"zero duration", func(c *Circle) { c.CycleDuration = 0 }},
		{"protocol bps too high", func(c *Circle) { c.ProtocolFeeBps = 10_001 }},
		{"combined bps too high", func(c *Circle) { c.ProtocolFeeBps = 6_000; c.InsuranceFeeBps = 5_000 }},
		{"empty token", func(c *Circle) { c.Token = "  " }},
		{"bad payout order", func(c *Circle) { c.PayoutOrder = PayoutOrder(9) }},
		{"duplicate member", func(c *Circle) {
			c.Members = [][20]byte{testAddr(0x02), testAddr(0x02)}
		}},
	}
	for _, tc := range cases {
		c := validCircle()
		tc.mutate(c)
		if _, err := SanitizeCircle(c); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: err = %v, want ErrInvalidConfig", tc.name, err)
		}
	}
}

func TestSanitizeActiveCircleRequiresSchedule(t *testing.T) {
	c := validCircle()
	c.Status = StatusActive
	c.Members = [][20]byte{testAddr(0x02), testAddr(0x03), testAddr(0x04)}
	c.Schedule = []uint8{0, 1} // wrong length
	if _, err := SanitizeCircle(c); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	c.Schedule = []uint8{0, 1, 1} // repeated index
	if _, err := SanitizeCircle(c); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	c.Schedule = []uint8{2, 0, 1}
	if _, err := SanitizeCircle(c); err != nil {
		t.Fatalf("valid permutation rejected: %v", err)
	}
}

func TestCircleCloneIsDeep(t *testing.T) {
	c := validCircle()
	c.Members = [][20]byte{testAddr(0x02)}
	clone := c.Clone()
	clone.Contribution.SetInt64(999)
	clone.Members[0] = testAddr(0x0F)
	if c.Contribution.Cmp(big.NewInt(100)) != 0 {
		t.Fatal("clone shares contribution")
	}
	if c.Members[0] != testAddr(0x02) {
		t.Fatal("clone shares member slice")
	}
}

func TestMemberIndexStable(t *testing.T) {
	c := validCircle()
	c.Members = [][20]byte{testAddr(0x02), testAddr(0x03)}
	idx, ok := c.MemberIndex(testAddr(0x03))
	if !ok || idx != 1 {
		t.Fatalf("index = %d ok=%v, want 1 true", idx, ok)
	}
	if _, ok := c.MemberIndex(testAddr(0x09)); ok {
		t.Fatal("unexpected membership")
	}
}
