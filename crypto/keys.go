// Package crypto wraps the secp256k1 primitives used to sign ledger
// transactions and the bech32 address encoding shown to users.
package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressHRP is the human-readable part of every settlement ledger address.
const AddressHRP = "tkt"

// AddressLength is the raw byte length of an account address.
const AddressLength = 20

var errAddressLength = fmt.Errorf("crypto: address must be %d bytes long", AddressLength)

// EncodeAddress renders raw as bech32 under hrp.
func EncodeAddress(hrp string, raw []byte) (string, error) {
	if len(raw) != AddressLength {
		return "", errAddressLength
	}
	words, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, words)
}

// DecodeAddress parses a bech32 address into its human-readable part and
// raw bytes. Callers check the hrp.
func DecodeAddress(s string) (string, []byte, error) {
	hrp, words, err := bech32.Decode(s)
	if err != nil {
		return "", nil, fmt.Errorf("invalid bech32 address: %w", err)
	}
	raw, err := bech32.ConvertBits(words, 5, 8, false)
	if err != nil {
		return "", nil, fmt.Errorf("invalid bech32 payload: %w", err)
	}
	if len(raw) != AddressLength {
		return "", nil, errAddressLength
	}
	return hrp, raw, nil
}

// PrivateKey is a secp256k1 signing key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes parses a raw 32-byte secret.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address returns the raw address derived from the public key.
func (k *PrivateKey) Address() []byte {
	return crypto.PubkeyToAddress(k.PublicKey).Bytes()
}

// Sign produces a 65-byte recoverable signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if k == nil || k.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return crypto.Sign(digest, k.PrivateKey)
}

// RecoverAddress returns the raw address of the key that produced sig over
// digest.
func RecoverAddress(digest, sig []byte) ([]byte, error) {
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("crypto: signature must be %d bytes", crypto.SignatureLength)
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return nil, err
	}
	return crypto.PubkeyToAddress(*pub).Bytes(), nil
}

func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}
