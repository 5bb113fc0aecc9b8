// Package usbpd defines the top level contracts of a USB Power Delivery
// sink stack: the Driver a physical layer implements to be driven by the
// protocol layer, and the Event a device policy manager reports back to
// request renegotiation.
package usbpd

import (
	"context"
	"errors"

	"github.com/elagil/go-usbpd/message"
)

// DriverRxError is returned by Driver.Receive.
type DriverRxError struct {
	// HardReset reports that a hard reset was received before or during
	// reception, superseding whatever partial message was in flight.
	HardReset bool
}

func (e *DriverRxError) Error() string {
	if e.HardReset {
		return "usbpd: hard reset received during receive"
	}
	return "usbpd: received message discarded"
}

// DriverTxError is returned by Driver.Transmit.
type DriverTxError struct {
	// HardReset reports that a hard reset was received before or during
	// transmission.
	HardReset bool
}

func (e *DriverTxError) Error() string {
	if e.HardReset {
		return "usbpd: hard reset received during transmit"
	}
	return "usbpd: concurrent receive in progress or line noise"
}

// ErrBusy reports a bus that is busy with a concurrent receive or too
// noisy to arbitrate for. Nothing in this module returns it: Driver
// implementations report a busy line from Transmit as *DriverTxError.
var ErrBusy = errors.New("usbpd: bus busy")

// Driver is the physical-layer contract through which the protocol layer
// talks to a PHY (e.g. an FUSB302 over I2C). Unlike the port-controller
// abstraction in earlier generations of this stack, a Driver owns no
// protocol-layer state of its own: GoodCRC handling, message ID
// bookkeeping and retries live in package protocol, one layer up.
//
// Implementations should avoid heap allocation after their initialization
// stage, since they may run on microcontrollers with limited GC headroom.
type Driver interface {
	// WaitForVBUS blocks until VBUS is present, or ctx is canceled.
	WaitForVBUS(ctx context.Context) error

	// Receive reads a single raw message into buf and returns the number
	// of bytes written. It returns *DriverRxError on a discarded or
	// hard-reset-interrupted reception.
	Receive(ctx context.Context, buf []byte) (int, error)

	// Transmit sends a raw message, including its CRC. It returns
	// *DriverTxError if the line was busy or a hard reset interrupted
	// transmission.
	Transmit(ctx context.Context, data []byte) error

	// TransmitHardReset sends a hard reset signal and blocks until it has
	// gone out on the wire.
	TransmitHardReset(ctx context.Context) error
}

// EventKind discriminates the variants of Event.
type EventKind uint8

// Event kinds a DPM may report from GetEvent, driving the policy engine
// out of its Ready state to renegotiate.
const (
	// EventNone reports nothing to do this cycle; the zero value, so a
	// DPM embedding BaseDPM need not reference it explicitly.
	EventNone EventKind = iota
	// EventRequestPower asks the engine to send a new Request for power,
	// the RDO carried in Event.Power, without re-fetching capabilities.
	EventRequestPower
	// EventRequestSprSourceCapabilities asks the engine to send
	// Get_Source_Cap and re-evaluate against the SPR capabilities that
	// come back.
	EventRequestSprSourceCapabilities
	// EventRequestEprSourceCapabilities asks the engine to send
	// EPR_Get_Source_Cap and re-evaluate against the EPR capabilities
	// that come back.
	EventRequestEprSourceCapabilities
	// EventEnterEprMode asks the engine to start EPR mode entry,
	// advertising Event.PDP (in watts) as the sink's power ceiling.
	EventEnterEprMode
	// EventExitEprMode asks the engine to leave EPR mode and fall back
	// to SPR operation.
	EventExitEprMode
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "None"
	case EventRequestPower:
		return "RequestPower"
	case EventRequestSprSourceCapabilities:
		return "RequestSprSourceCapabilities"
	case EventRequestEprSourceCapabilities:
		return "RequestEprSourceCapabilities"
	case EventEnterEprMode:
		return "EnterEprMode"
	case EventExitEprMode:
		return "ExitEprMode"
	default:
		return "Invalid"
	}
}

// Event is a DPM-initiated request to renegotiate power, returned by
// DPM.GetEvent. The zero value is EventNone.
type Event struct {
	Kind EventKind
	// Power is the RDO to send, populated when Kind == EventRequestPower.
	Power message.PowerSource
	// PDP is the EPR Programmable Power ceiling, in watts, to advertise
	// when entering EPR mode, populated when Kind == EventEnterEprMode.
	PDP uint8
}

// NoEvent is the zero Event, for DPM implementations that want to name
// it explicitly.
var NoEvent = Event{Kind: EventNone}
