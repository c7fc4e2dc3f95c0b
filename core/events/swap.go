package events

import "batchmint/core/types"

const (
	TypeSwapProposed  = "swap.proposed"
	TypeSwapCompleted = "swap.completed"
	TypeSwapExpired   = "swap.expired"
)

type SwapProposed struct {
	SwapID string
	PartyA types.Address
	PartyB types.Address
	Expiry int64
}

func (SwapProposed) EventType() string { return TypeSwapProposed }

func (e SwapProposed) Event() *types.Event {
	return &types.Event{
		Type: TypeSwapProposed,
		Attributes: map[string]string{
			"swapId": e.SwapID,
			"partyA": e.PartyA.String(),
			"partyB": e.PartyB.String(),
			"expiry": intToString(e.Expiry),
		},
	}
}

type SwapCompleted struct {
	SwapID  string
	GroupID types.Hash
	Round   uint64
}

func (SwapCompleted) EventType() string { return TypeSwapCompleted }

func (e SwapCompleted) Event() *types.Event {
	return &types.Event{
		Type: TypeSwapCompleted,
		Attributes: map[string]string{
			"swapId":  e.SwapID,
			"groupId": e.GroupID.String(),
			"round":   uintToString(e.Round),
		},
	}
}

type SwapExpired struct {
	SwapID string
	Expiry int64
}

func (SwapExpired) EventType() string { return TypeSwapExpired }

func (e SwapExpired) Event() *types.Event {
	return &types.Event{
		Type: TypeSwapExpired,
		Attributes: map[string]string{
			"swapId": e.SwapID,
			"expiry": intToString(e.Expiry),
		},
	}
}
