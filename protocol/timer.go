package protocol

import "context"

// TimerType names one of the timers the protocol layer and sink policy
// engine arm while negotiating power (USB PD Table 6.70 and the EPR
// extensions to it).
type TimerType uint8

// Timer types and their durations below are normative: they come from the
// specification's timer table, not from any particular implementation's
// defaults.
const (
	TimerCRCReceive TimerType = iota
	TimerSenderResponse
	TimerSinkWaitCap
	TimerPSTransitionSpr
	TimerPSTransitionEpr
	TimerSinkRequest
	TimerSinkPPSPeriodic
	TimerSinkEPRKeepAlive
	TimerSinkEPREnter
	TimerNoResponse
	TimerChunkSenderRequest
	TimerChunkSenderResponse
	TimerHardResetComplete
)

// DurationMillis returns a timer type's nominal duration in milliseconds.
func (t TimerType) DurationMillis() uint64 {
	switch t {
	case TimerCRCReceive:
		return 1
	case TimerSenderResponse:
		return 300
	case TimerSinkWaitCap:
		return 465
	case TimerPSTransitionSpr:
		return 500
	case TimerPSTransitionEpr:
		return 925
	case TimerSinkRequest:
		return 100
	case TimerSinkPPSPeriodic:
		return 5000
	case TimerSinkEPRKeepAlive:
		return 375
	case TimerSinkEPREnter:
		return 500
	case TimerNoResponse:
		return 5000
	case TimerChunkSenderRequest:
		return 27
	case TimerChunkSenderResponse:
		return 27
	case TimerHardResetComplete:
		return 5
	default:
		return 0
	}
}

func (t TimerType) String() string {
	switch t {
	case TimerCRCReceive:
		return "CRCReceive"
	case TimerSenderResponse:
		return "SenderResponse"
	case TimerSinkWaitCap:
		return "SinkWaitCap"
	case TimerPSTransitionSpr:
		return "PSTransitionSpr"
	case TimerPSTransitionEpr:
		return "PSTransitionEpr"
	case TimerSinkRequest:
		return "SinkRequest"
	case TimerSinkPPSPeriodic:
		return "SinkPPSPeriodic"
	case TimerSinkEPRKeepAlive:
		return "SinkEPRKeepAlive"
	case TimerSinkEPREnter:
		return "SinkEPREnter"
	case TimerNoResponse:
		return "NoResponse"
	case TimerChunkSenderRequest:
		return "ChunkSenderRequest"
	case TimerChunkSenderResponse:
		return "ChunkSenderResponse"
	case TimerHardResetComplete:
		return "HardResetComplete"
	default:
		return "Unknown"
	}
}

// Timer arms a countdown and reports its expiry on a channel, so the
// policy engine can race it against message reception with a plain select.
type Timer interface {
	// After returns a channel that is closed once t has elapsed. If ctx
	// is canceled first, the channel is never closed.
	After(ctx context.Context, t TimerType) <-chan struct{}
}
