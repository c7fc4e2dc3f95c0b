package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"batchmint/crypto"
)

// TxType defines the intent carried by a transaction.
type TxType uint8

const (
	TxTypePayment       TxType = 0x01 // native currency transfer
	TxTypeAssetTransfer TxType = 0x02 // moves units of an issued asset
	TxTypeAssetCreate   TxType = 0x03 // issues a new asset
	TxTypeAssetOptIn    TxType = 0x04 // registers the sender to hold an asset
	TxTypeAppOptIn      TxType = 0x05 // allocates application local state
	TxTypeAppCall       TxType = 0x06 // invokes an application method
)

func (t TxType) String() string {
	switch t {
	case TxTypePayment:
		return "pay"
	case TxTypeAssetTransfer:
		return "axfer"
	case TxTypeAssetCreate:
		return "acfg"
	case TxTypeAssetOptIn:
		return "aoptin"
	case TxTypeAppOptIn:
		return "appoptin"
	case TxTypeAppCall:
		return "appl"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid reports whether the type is one the ledger understands.
func (t TxType) Valid() bool {
	return t >= TxTypePayment && t <= TxTypeAppCall
}

// AssetParams describes a ledger-native asset at creation time. The four
// authority addresses are fixed for the life of the asset.
type AssetParams struct {
	Total        uint64  `json:"total"`
	Decimals     uint32  `json:"decimals"`
	UnitName     string  `json:"unitName"`
	AssetName    string  `json:"assetName"`
	URL          string  `json:"url,omitempty"`
	MetadataHash Hash    `json:"metadataHash"`
	Manager      Address `json:"manager"`
	Reserve      Address `json:"reserve"`
	Freeze       Address `json:"freeze"`
	Clawback     Address `json:"clawback"`
}

// Transaction is an unsigned ledger transaction. Only the fields relevant to
// Type are populated; the rest stay at their zero values so the canonical
// encoding is stable.
type Transaction struct {
	Type       TxType  `json:"type"`
	Sender     Address `json:"sender"`
	Fee        uint64  `json:"fee"`
	FirstValid uint64  `json:"firstValid"`
	LastValid  uint64  `json:"lastValid"`
	GenesisID  string  `json:"genesisId"`
	Note       []byte  `json:"note,omitempty"`
	Group      Hash    `json:"group"`

	Receiver Address `json:"receiver"`
	Amount   uint64  `json:"amount"`

	AssetID     uint64      `json:"assetId,omitempty"`
	AssetParams AssetParams `json:"assetParams"`

	AppID   uint64   `json:"appId,omitempty"`
	AppArgs [][]byte `json:"appArgs,omitempty"`
}

var txDomain = []byte("TX")

// Encode returns the canonical RLP encoding of the transaction.
func (tx Transaction) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(tx)
}

// ID returns keccak256("TX" || rlp(tx)). The identifier covers the group
// field, so it is also the digest every signature commits to.
func (tx Transaction) ID() Hash {
	encoded, err := tx.Encode()
	if err != nil {
		// Every field is a fixed-size array, string, byte slice or unsigned
		// integer, none of which RLP refuses.
		panic(fmt.Sprintf("types: encode transaction: %v", err))
	}
	var h Hash
	copy(h[:], crypto.Keccak256(txDomain, encoded))
	return h
}

// Clone returns a deep copy of the transaction.
func (tx Transaction) Clone() Transaction {
	out := tx
	if tx.Note != nil {
		out.Note = append([]byte(nil), tx.Note...)
	}
	if tx.AppArgs != nil {
		out.AppArgs = make([][]byte, len(tx.AppArgs))
		for i, arg := range tx.AppArgs {
			out.AppArgs[i] = append([]byte(nil), arg...)
		}
	}
	return out
}

// DecodeTransaction parses the canonical RLP encoding.
func DecodeTransaction(b []byte) (Transaction, error) {
	var tx Transaction
	if err := rlp.DecodeBytes(b, &tx); err != nil {
		return Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}

// SignedTxn pairs a transaction with its sender's signature. An empty Sig
// marks a leg still waiting for its co-signer.
type SignedTxn struct {
	Txn Transaction `json:"txn"`
	Sig []byte      `json:"sig,omitempty"`
}

// Signed reports whether a signature is attached.
func (s SignedTxn) Signed() bool { return len(s.Sig) > 0 }

// Verify checks that Sig was produced by the transaction's sender.
func (s SignedTxn) Verify() error {
	if !s.Signed() {
		return fmt.Errorf("transaction %s from %s is not signed", s.Txn.ID(), s.Txn.Sender)
	}
	id := s.Txn.ID()
	recovered, err := crypto.RecoverAddress(id[:], s.Sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	if AddressFromBytes(recovered) != s.Txn.Sender {
		return fmt.Errorf("transaction %s signature does not match sender %s", id, s.Txn.Sender)
	}
	return nil
}

// SignTransaction signs tx with key. The key must belong to tx.Sender.
func SignTransaction(tx Transaction, key *crypto.PrivateKey) (SignedTxn, error) {
	if key == nil || key.PrivateKey == nil {
		return SignedTxn{}, fmt.Errorf("sign transaction: nil key")
	}
	owner := AddressFromBytes(key.Address())
	if owner != tx.Sender {
		return SignedTxn{}, fmt.Errorf("sign transaction: key %s cannot sign for sender %s", owner, tx.Sender)
	}
	id := tx.ID()
	sig, err := key.Sign(id[:])
	if err != nil {
		return SignedTxn{}, fmt.Errorf("sign transaction: %w", err)
	}
	return SignedTxn{Txn: tx.Clone(), Sig: sig}, nil
}

// Unsigned wraps transactions without signatures, ready for each party to
// fill in its own leg.
func Unsigned(txns []Transaction) []SignedTxn {
	out := make([]SignedTxn, len(txns))
	for i, tx := range txns {
		out[i] = SignedTxn{Txn: tx.Clone()}
	}
	return out
}
