package policy

// stateID names a state of the sink policy engine's state machine (spec
// section 4.4). The zero value, stateStartup, is also the engine's entry
// point and the state it returns to after any hard reset.
type stateID uint8

const (
	stateStartup stateID = iota
	stateDiscovery
	stateWaitForCapabilities
	stateEvaluateCapabilities
	stateSelectCapability
	stateTransitionSink
	stateReady
	stateSendNotSupported
	stateSendSoftReset
	stateSoftReset
	stateHardReset
	stateTransitionToDefault
	stateGiveSinkCap
	stateGetSourceCap
	stateEprModeEntry
	stateEprEntryWaitForResponse
	stateEprWaitForCapabilities
	stateEprSendExit
	stateEprExitReceived
	stateEprKeepAlive
)

func (s stateID) String() string {
	switch s {
	case stateStartup:
		return "Startup"
	case stateDiscovery:
		return "Discovery"
	case stateWaitForCapabilities:
		return "WaitForCapabilities"
	case stateEvaluateCapabilities:
		return "EvaluateCapabilities"
	case stateSelectCapability:
		return "SelectCapability"
	case stateTransitionSink:
		return "TransitionSink"
	case stateReady:
		return "Ready"
	case stateSendNotSupported:
		return "SendNotSupported"
	case stateSendSoftReset:
		return "SendSoftReset"
	case stateSoftReset:
		return "SoftReset"
	case stateHardReset:
		return "HardReset"
	case stateTransitionToDefault:
		return "TransitionToDefault"
	case stateGiveSinkCap:
		return "GiveSinkCap"
	case stateGetSourceCap:
		return "GetSourceCap"
	case stateEprModeEntry:
		return "EprModeEntry"
	case stateEprEntryWaitForResponse:
		return "EprEntryWaitForResponse"
	case stateEprWaitForCapabilities:
		return "EprWaitForCapabilities"
	case stateEprSendExit:
		return "EprSendExit"
	case stateEprExitReceived:
		return "EprExitReceived"
	case stateEprKeepAlive:
		return "EprKeepAlive"
	default:
		return "Unknown"
	}
}

// Contract names the power contract currently in force between sink and
// source.
type Contract uint8

const (
	// ContractSafe5V is the default, unnegotiated vSafe5V contract.
	ContractSafe5V Contract = iota
	// ContractTransitionToExplicit is the brief window between receiving
	// PS_RDY for a new request and notifying the DPM.
	ContractTransitionToExplicit
	// ContractExplicit is a negotiated, DPM-acknowledged contract.
	ContractExplicit
)

func (c Contract) String() string {
	switch c {
	case ContractSafe5V:
		return "Safe5V"
	case ContractTransitionToExplicit:
		return "TransitionToExplicit"
	case ContractExplicit:
		return "Explicit"
	default:
		return "Unknown"
	}
}

// Mode names whether the port is operating within the Standard or
// Extended Power Range.
type Mode uint8

const (
	ModeSpr Mode = iota
	ModeEpr
)

func (m Mode) String() string {
	if m == ModeEpr {
		return "Epr"
	}
	return "Spr"
}
