package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"batchmint/crypto"
)

// Address is the raw 20-byte identifier of a ledger account.
type Address [crypto.AddressLength]byte

// Hash is a 32-byte digest used for transaction and group identifiers.
type Hash [32]byte

// AddressFromBytes copies b into an Address. It panics when b has the wrong
// length; use ParseAddress for untrusted input.
func AddressFromBytes(b []byte) Address {
	if len(b) != crypto.AddressLength {
		panic(fmt.Sprintf("types: address must be %d bytes, got %d", crypto.AddressLength, len(b)))
	}
	var a Address
	copy(a[:], b)
	return a
}

// ParseAddress decodes a bech32 address carrying the ledger prefix.
func ParseAddress(s string) (Address, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Address{}, fmt.Errorf("empty address")
	}
	hrp, raw, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return Address{}, err
	}
	if hrp != crypto.AddressHRP {
		return Address{}, fmt.Errorf("unexpected address prefix %q", hrp)
	}
	return AddressFromBytes(raw), nil
}

// String renders the bech32 form of the address.
func (a Address) String() string {
	encoded, err := crypto.EncodeAddress(crypto.AddressHRP, a[:])
	if err != nil {
		panic(err)
	}
	return encoded
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == Address{} }

// Equal reports whether two addresses are identical.
func (a Address) Equal(other Address) bool { return bytes.Equal(a[:], other[:]) }

// MarshalText encodes the address as bech32. The zero address encodes as an
// empty string so optional fields stay readable.
func (a Address) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return []byte{}, nil
	}
	return []byte(a.String()), nil
}

// UnmarshalText parses a bech32 address; an empty string yields the zero
// address.
func (a *Address) UnmarshalText(text []byte) error {
	if len(bytes.TrimSpace(text)) == 0 {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// String renders the hash as lowercase hex.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool { return h == Hash{} }

// MarshalText encodes the hash as hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex hash, tolerating an optional 0x prefix.
func (h *Hash) UnmarshalText(text []byte) error {
	raw := strings.TrimPrefix(strings.TrimSpace(string(text)), "0x")
	if raw == "" {
		*h = Hash{}
		return nil
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("decode hash: %w", err)
	}
	if len(decoded) != len(h) {
		return fmt.Errorf("hash must be %d bytes, got %d", len(h), len(decoded))
	}
	copy(h[:], decoded)
	return nil
}

// ParseHash decodes a hex hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}
