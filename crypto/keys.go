package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// SusuPrefix is the human-readable part used when rendering circle
// participant addresses.
const SusuPrefix = "susu"

// Address represents a 20-byte participant address rendered as bech32.
type Address struct {
	bytes []byte
}

// NewAddress wraps raw address bytes. The input must be exactly 20 bytes.
func NewAddress(b []byte) (Address, error) {
	if len(b) != 20 {
		return Address{}, fmt.Errorf("crypto: address must be 20 bytes, got %d", len(b))
	}
	out := make([]byte, 20)
	copy(out, b)
	return Address{bytes: out}, nil
}

// MustNewAddress is a convenience wrapper for fixed-size inputs.
func MustNewAddress(b [20]byte) Address {
	addr, err := NewAddress(b[:])
	if err != nil {
		panic(err)
	}
	return addr
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(SusuPrefix, conv)
	if err != nil {
		return ""
	}
	return encoded
}

func (a Address) Bytes() []byte {
	out := make([]byte, len(a.bytes))
	copy(out, a.bytes)
	return out
}

// Fixed returns the address as a fixed-size array, the form the engine and
// state manager key their records with.
func (a Address) Fixed() [20]byte {
	var out [20]byte
	copy(out[:], a.bytes)
	return out
}

// DecodeAddress parses a bech32 address string produced by Address.String.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: invalid bech32 string: %w", err)
	}
	if prefix != SusuPrefix {
		return Address{}, fmt.Errorf("crypto: unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: error converting bits: %w", err)
	}
	return NewAddress(conv)
}

// --- Key management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	addr, err := NewAddress(addrBytes)
	if err != nil {
		panic(err)
	}
	return addr
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
