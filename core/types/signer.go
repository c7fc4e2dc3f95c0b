package types

import "batchmint/crypto"

// Signer authorizes transactions for a single account. Each party of an
// atomic group signs only the legs it sends.
type Signer interface {
	Address() Address
	Sign(tx Transaction) (SignedTxn, error)
}

// KeySigner signs with an in-memory private key.
type KeySigner struct {
	key  *crypto.PrivateKey
	addr Address
}

// NewKeySigner wraps key as a Signer.
func NewKeySigner(key *crypto.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: AddressFromBytes(key.Address())}
}

// Address returns the account controlled by the key.
func (s *KeySigner) Address() Address { return s.addr }

// Sign signs tx.
func (s *KeySigner) Sign(tx Transaction) (SignedTxn, error) {
	return SignTransaction(tx, s.key)
}
