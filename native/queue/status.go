package queue

import "time"

// Phase names where the current epoch stands.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseOpen          Phase = "open"
	PhaseAccepting     Phase = "accepting"
	PhaseTriggerable   Phase = "triggerable"
	PhaseExpired       Phase = "expired"
)

// Status is the derived, never-stored view of the queue.
type Status struct {
	Threshold      uint64        `json:"threshold"`
	QueueCount     uint64        `json:"queueCount"`
	BaseCost       uint64        `json:"baseCost"`
	EffectiveCost  uint64        `json:"effectiveCost"`
	TotalEscrowed  uint64        `json:"totalEscrowed"`
	QueueStartTime int64         `json:"queueStartTime"`
	TimeWindow     uint64        `json:"timeWindow"`
	Epoch          uint64        `json:"epoch"`
	ThresholdMet   bool          `json:"thresholdMet"`
	TimeRemaining  time.Duration `json:"timeRemaining"`
	CanTrigger     bool          `json:"canTrigger"`
	CanRefund      bool          `json:"canRefund"`
	RequestsNeeded uint64        `json:"requestsNeeded"`
	Phase          Phase         `json:"phase"`
}

// Derive computes the status of s at unix time now. canTrigger requires the
// threshold to be met and canRefund requires it not to be, so the two are
// mutually exclusive.
func Derive(s State, now int64) Status {
	st := Status{
		Threshold:      s.Threshold,
		QueueCount:     s.QueueCount,
		BaseCost:       s.BaseCost,
		EffectiveCost:  s.EffectiveCost,
		TotalEscrowed:  s.TotalEscrowed,
		QueueStartTime: s.QueueStartTime,
		TimeWindow:     s.TimeWindow,
		Epoch:          s.Epoch,
	}
	st.ThresholdMet = s.QueueCount >= s.Threshold
	st.TimeRemaining = remaining(s, now)
	st.CanTrigger = st.ThresholdMet && s.QueueCount > 0
	st.CanRefund = !st.ThresholdMet && st.TimeRemaining == 0 && s.QueueStartTime > 0
	if !st.ThresholdMet {
		st.RequestsNeeded = s.Threshold - s.QueueCount
	}
	st.Phase = phase(s, st)
	return st
}

// windowElapsed reports whether the epoch's joining window has closed.
func windowElapsed(s State, now int64) bool {
	return s.QueueStartTime > 0 && remaining(s, now) == 0
}

func remaining(s State, now int64) time.Duration {
	if s.QueueStartTime <= 0 {
		return time.Duration(s.TimeWindow) * time.Second
	}
	end := s.QueueStartTime + int64(s.TimeWindow)
	if now >= end {
		return 0
	}
	return time.Duration(end-now) * time.Second
}

func phase(s State, st Status) Phase {
	switch {
	case st.CanTrigger:
		return PhaseTriggerable
	case s.QueueStartTime == 0 && s.QueueCount == 0 && s.Epoch <= 1:
		return PhaseUninitialized
	case s.QueueCount == 0:
		return PhaseOpen
	case st.CanRefund:
		return PhaseExpired
	default:
		return PhaseAccepting
	}
}
