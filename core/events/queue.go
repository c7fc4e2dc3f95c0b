package events

import (
	"strconv"

	"batchmint/core/types"
)

const (
	TypeQueueInitialized = "queue.initialized"
	TypeQueueJoined      = "queue.joined"
	TypeQueueTriggered   = "queue.triggered"
	TypeQueueRefunded    = "queue.refunded"
)

type QueueInitialized struct {
	AppID     uint64
	Caller    types.Address
	StartTime int64
	Round     uint64
}

func (QueueInitialized) EventType() string { return TypeQueueInitialized }

func (e QueueInitialized) Event() *types.Event {
	return &types.Event{
		Type: TypeQueueInitialized,
		Attributes: map[string]string{
			"appId":     uintToString(e.AppID),
			"caller":    e.Caller.String(),
			"startTime": intToString(e.StartTime),
			"round":     uintToString(e.Round),
		},
	}
}

type QueueJoined struct {
	AppID        uint64
	Payer        types.Address
	RequestCount uint64
	Amount       uint64
	QueueCount   uint64
	Threshold    uint64
	Round        uint64
}

func (QueueJoined) EventType() string { return TypeQueueJoined }

func (e QueueJoined) Event() *types.Event {
	return &types.Event{
		Type: TypeQueueJoined,
		Attributes: map[string]string{
			"appId":        uintToString(e.AppID),
			"payer":        e.Payer.String(),
			"requestCount": uintToString(e.RequestCount),
			"amount":       uintToString(e.Amount),
			"queueCount":   uintToString(e.QueueCount),
			"threshold":    uintToString(e.Threshold),
			"round":        uintToString(e.Round),
		},
	}
}

type QueueTriggered struct {
	AppID    uint64
	Caller   types.Address
	Platform types.Address
	Amount   uint64
	Epoch    uint64
	Round    uint64
}

func (QueueTriggered) EventType() string { return TypeQueueTriggered }

func (e QueueTriggered) Event() *types.Event {
	return &types.Event{
		Type: TypeQueueTriggered,
		Attributes: map[string]string{
			"appId":    uintToString(e.AppID),
			"caller":   e.Caller.String(),
			"platform": e.Platform.String(),
			"amount":   uintToString(e.Amount),
			"epoch":    uintToString(e.Epoch),
			"round":    uintToString(e.Round),
		},
	}
}

type QueueRefunded struct {
	AppID       uint64
	Participant types.Address
	Amount      uint64
	Round       uint64
}

func (QueueRefunded) EventType() string { return TypeQueueRefunded }

func (e QueueRefunded) Event() *types.Event {
	return &types.Event{
		Type: TypeQueueRefunded,
		Attributes: map[string]string{
			"appId":       uintToString(e.AppID),
			"participant": e.Participant.String(),
			"amount":      uintToString(e.Amount),
			"round":       uintToString(e.Round),
		},
	}
}

func uintToString(v uint64) string { return strconv.FormatUint(v, 10) }

func intToString(v int64) string { return strconv.FormatInt(v, 10) }
