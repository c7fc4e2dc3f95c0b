package queue

import (
	"encoding/binary"
	"fmt"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
)

// Global storage slots.
const (
	KeyThreshold       = "threshold"
	KeyQueueCount      = "queue_count"
	KeyBaseCost        = "base_cost"
	KeyEffectiveCost   = "effective_cost"
	KeyTimeWindow      = "time_window"
	KeyQueueStartTime  = "queue_start_time"
	KeyTotalEscrowed   = "total_escrowed"
	KeyPlatformAddress = "platform_address"
	KeyEscrowAddress   = "escrow_address"
	KeyEpoch           = "epoch"
)

// Local storage slots.
const (
	KeyRequestCount   = "request_count"
	KeyEscrowedAmount = "escrowed_amount"
	KeyLocalEpoch     = "epoch"
)

// Call methods, passed as the first application argument.
const (
	MethodInit    = "init"
	MethodJoin    = "join"
	MethodTrigger = "trigger"
	MethodRefund  = "refund"
)

// State is the coordinator's global record, decoded from application
// storage. It is reloaded from the ledger for every operation rather than
// cached.
type State struct {
	Threshold      uint64
	QueueCount     uint64
	BaseCost       uint64
	EffectiveCost  uint64
	TimeWindow     uint64
	QueueStartTime int64
	TotalEscrowed  uint64
	Platform       types.Address
	Escrow         types.Address
	Epoch          uint64
}

// Participant is one account's share of the current epoch.
type Participant struct {
	RequestCount   uint64
	EscrowedAmount uint64
	Epoch          uint64
}

// Config holds the deployment parameters of a queue application.
type Config struct {
	Threshold     uint64
	BaseCost      uint64
	EffectiveCost uint64
	TimeWindow    uint64
	Platform      types.Address
	Escrow        types.Address
}

// Validate checks deployment parameters.
func (c Config) Validate() error {
	switch {
	case c.Threshold == 0:
		return bmerrors.Validation("threshold", "must be positive")
	case c.EffectiveCost == 0:
		return bmerrors.Validation("effective_cost", "must be positive")
	case c.BaseCost > 0 && c.EffectiveCost > c.BaseCost:
		return bmerrors.Validation("effective_cost", "%d exceeds base_cost %d", c.EffectiveCost, c.BaseCost)
	case c.TimeWindow == 0:
		return bmerrors.Validation("time_window", "must be positive")
	case c.Platform.IsZero():
		return bmerrors.Validation("platform_address", "required")
	case c.Escrow.IsZero():
		return bmerrors.Validation("escrow_address", "required")
	case c.Platform == c.Escrow:
		return bmerrors.Validation("platform_address", "must differ from escrow address")
	}
	return nil
}

// GlobalState renders the initial application storage for c.
func (c Config) GlobalState() types.KeyValues {
	kv := types.KeyValues{}
	kv.SetUint(KeyThreshold, c.Threshold)
	kv.SetUint(KeyBaseCost, c.BaseCost)
	kv.SetUint(KeyEffectiveCost, c.EffectiveCost)
	kv.SetUint(KeyTimeWindow, c.TimeWindow)
	kv.SetUint(KeyQueueCount, 0)
	kv.SetUint(KeyQueueStartTime, 0)
	kv.SetUint(KeyTotalEscrowed, 0)
	kv.SetUint(KeyEpoch, 1)
	kv.SetBytes(KeyPlatformAddress, c.Platform[:])
	kv.SetBytes(KeyEscrowAddress, c.Escrow[:])
	return kv
}

// DecodeState reads the global record. Missing configuration slots yield a
// StateInconsistencyError naming each of them.
func DecodeState(kv types.KeyValues) (State, error) {
	var missing []string
	for _, key := range []string{KeyThreshold, KeyEffectiveCost, KeyTimeWindow, KeyPlatformAddress, KeyEscrowAddress} {
		if !kv.Has(key) {
			missing = append(missing, key)
		}
	}
	if kv.Has(KeyEffectiveCost) && kv.Uint(KeyEffectiveCost) == 0 {
		missing = append(missing, KeyEffectiveCost+" (zero)")
	}
	platform, okPlatform := decodeAddress(kv.Bytes(KeyPlatformAddress))
	escrow, okEscrow := decodeAddress(kv.Bytes(KeyEscrowAddress))
	if kv.Has(KeyPlatformAddress) && !okPlatform {
		missing = append(missing, KeyPlatformAddress+" (malformed)")
	}
	if kv.Has(KeyEscrowAddress) && !okEscrow {
		missing = append(missing, KeyEscrowAddress+" (malformed)")
	}
	if len(missing) > 0 {
		return State{}, &bmerrors.StateInconsistencyError{Missing: missing}
	}
	return State{
		Threshold:      kv.Uint(KeyThreshold),
		QueueCount:     kv.Uint(KeyQueueCount),
		BaseCost:       kv.Uint(KeyBaseCost),
		EffectiveCost:  kv.Uint(KeyEffectiveCost),
		TimeWindow:     kv.Uint(KeyTimeWindow),
		QueueStartTime: int64(kv.Uint(KeyQueueStartTime)),
		TotalEscrowed:  kv.Uint(KeyTotalEscrowed),
		Platform:       platform,
		Escrow:         escrow,
		Epoch:          kv.Uint(KeyEpoch),
	}, nil
}

// Store writes the mutable counters of s back into kv.
func (s State) Store(kv types.KeyValues) {
	kv.SetUint(KeyQueueCount, s.QueueCount)
	kv.SetUint(KeyTotalEscrowed, s.TotalEscrowed)
	kv.SetUint(KeyQueueStartTime, uint64(s.QueueStartTime))
	kv.SetUint(KeyEpoch, s.Epoch)
}

// DecodeParticipant reads an account's local record. A record from an earlier
// epoch reads as zero: trigger-settlement zeroes every participant by bumping
// the global epoch.
func DecodeParticipant(kv types.KeyValues, epoch uint64) Participant {
	if kv == nil || kv.Uint(KeyLocalEpoch) != epoch {
		return Participant{Epoch: epoch}
	}
	return Participant{
		RequestCount:   kv.Uint(KeyRequestCount),
		EscrowedAmount: kv.Uint(KeyEscrowedAmount),
		Epoch:          epoch,
	}
}

// Store writes p into kv.
func (p Participant) Store(kv types.KeyValues) {
	kv.SetUint(KeyRequestCount, p.RequestCount)
	kv.SetUint(KeyEscrowedAmount, p.EscrowedAmount)
	kv.SetUint(KeyLocalEpoch, p.Epoch)
}

// JoinCost returns requestCount*effectiveCost, failing on overflow.
func JoinCost(requestCount, effectiveCost uint64) (uint64, error) {
	if requestCount == 0 {
		return 0, bmerrors.Validation("requestCount", "must be at least 1")
	}
	if effectiveCost != 0 && requestCount > ^uint64(0)/effectiveCost {
		return 0, bmerrors.Validation("requestCount", "%d requests at cost %d overflow", requestCount, effectiveCost)
	}
	return requestCount * effectiveCost, nil
}

// EncodeCall builds application arguments for method.
func EncodeCall(method string, args ...uint64) [][]byte {
	out := make([][]byte, 0, 1+len(args))
	out = append(out, []byte(method))
	for _, a := range args {
		out = append(out, UintArg(a))
	}
	return out
}

// UintArg encodes v as an application argument.
func UintArg(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeUintArg reads the uint64 argument at position i.
func DecodeUintArg(args [][]byte, i int) (uint64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	if len(args[i]) != 8 {
		return 0, fmt.Errorf("argument %d must be 8 bytes, got %d", i, len(args[i]))
	}
	return binary.BigEndian.Uint64(args[i]), nil
}

func decodeAddress(b []byte) (types.Address, bool) {
	if len(b) != len(types.Address{}) {
		return types.Address{}, false
	}
	a := types.AddressFromBytes(b)
	return a, !a.IsZero()
}
