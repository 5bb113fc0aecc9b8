package policy

import (
	"context"

	"github.com/elagil/go-usbpd"
	"github.com/elagil/go-usbpd/message"
)

// DPM is the device policy manager contract: the application-supplied
// hook that picks which capability to request and surfaces asynchronous
// renegotiation requests. It is USB PD 3.x's "Policy Manager" role for a
// sink, kept deliberately narrow so the engine never reaches past it into
// application concerns (what voltage to run at, when to charge a battery).
type DPM interface {
	// Request picks a PDO from caps and returns the RDO to send for it.
	// Returning an error (e.g. "nothing suitable") makes the engine log it
	// and request the highest-voltage Fixed Supply PDO instead.
	Request(ctx context.Context, caps message.SourceCapabilities) (message.PowerSource, error)

	// TransitionPower notifies the device that the contract req is now
	// active on VBUS.
	TransitionPower(ctx context.Context, req message.PowerSource)

	// GetEvent reports a DPM-initiated renegotiation request, if any. The
	// engine calls this only while Ready; a DPM with nothing to report
	// should block until ctx is canceled rather than busy-poll.
	GetEvent(ctx context.Context, caps message.SourceCapabilities) usbpd.Event

	// SinkCapabilities returns this sink's own advertised capabilities,
	// sent in response to Get_Sink_Cap / EPR_Get_Sink_Cap.
	SinkCapabilities(ctx context.Context) message.SinkCapabilities

	// HardReset notifies the device that a hard reset occurred and any
	// active contract has reverted to vSafe5V.
	HardReset(ctx context.Context)

	// EPRModeEntryFailed notifies the device that EPR mode entry failed,
	// with the reason the source (or the engine itself) gave.
	EPRModeEntryFailed(ctx context.Context, reason message.EPRModeEnterFailedReason)

	// Inform notifies the device of the source capabilities the engine
	// received in reply to its own Get_Source_Cap / EPR_Get_Source_Cap.
	Inform(ctx context.Context, caps message.SourceCapabilities)
}

// BaseDPM provides default (no-op, or documented-default) behavior for
// every DPM method via overridable function fields, so a concrete DPM
// need only set the fields it cares about. Request has no safe default
// and is provided by the RequestFunc field; a BaseDPM whose RequestFunc
// is nil falls back to RequestHighestVoltage.
type BaseDPM struct {
	RequestFunc            func(ctx context.Context, caps message.SourceCapabilities) (message.PowerSource, error)
	TransitionPowerFunc    func(ctx context.Context, req message.PowerSource)
	GetEventFunc           func(ctx context.Context, caps message.SourceCapabilities) usbpd.Event
	SinkCapabilitiesFunc   func(ctx context.Context) message.SinkCapabilities
	HardResetFunc          func(ctx context.Context)
	EPRModeEntryFailedFunc func(ctx context.Context, reason message.EPRModeEnterFailedReason)
	InformFunc             func(ctx context.Context, caps message.SourceCapabilities)
}

// Request implements DPM.
func (b BaseDPM) Request(ctx context.Context, caps message.SourceCapabilities) (message.PowerSource, error) {
	if b.RequestFunc != nil {
		return b.RequestFunc(ctx, caps)
	}
	return requestHighestVoltageDefault(caps), nil
}

// TransitionPower implements DPM; the default is a no-op.
func (b BaseDPM) TransitionPower(ctx context.Context, req message.PowerSource) {
	if b.TransitionPowerFunc != nil {
		b.TransitionPowerFunc(ctx, req)
	}
}

// GetEvent implements DPM; the default pends until ctx is canceled,
// reporting nothing.
func (b BaseDPM) GetEvent(ctx context.Context, caps message.SourceCapabilities) usbpd.Event {
	if b.GetEventFunc != nil {
		return b.GetEventFunc(ctx, caps)
	}
	<-ctx.Done()
	return usbpd.NoEvent
}

// SinkCapabilities implements DPM; the default advertises vSafe5V at
// 100 mA (10 raw units), the minimal compliant sink advertisement.
func (b BaseDPM) SinkCapabilities(ctx context.Context) message.SinkCapabilities {
	if b.SinkCapabilitiesFunc != nil {
		return b.SinkCapabilitiesFunc(ctx)
	}
	return message.NewVSafe5VOnlySinkCapabilities(10)
}

// HardReset implements DPM; the default is a no-op.
func (b BaseDPM) HardReset(ctx context.Context) {
	if b.HardResetFunc != nil {
		b.HardResetFunc(ctx)
	}
}

// EPRModeEntryFailed implements DPM; the default is a no-op.
func (b BaseDPM) EPRModeEntryFailed(ctx context.Context, reason message.EPRModeEnterFailedReason) {
	if b.EPRModeEntryFailedFunc != nil {
		b.EPRModeEntryFailedFunc(ctx, reason)
	}
}

// Inform implements DPM; the default is a no-op.
func (b BaseDPM) Inform(ctx context.Context, caps message.SourceCapabilities) {
	if b.InformFunc != nil {
		b.InformFunc(ctx, caps)
	}
}

// requestHighestVoltageDefault mirrors dpm.RequestHighestVoltage without
// importing package dpm, which itself depends on policy for the DPM
// contract; duplicating this one small scan avoids an import cycle.
func requestHighestVoltageDefault(caps message.SourceCapabilities) message.PowerSource {
	var pos uint8
	var pdo message.FixedSupply
	found := false
	for i, p := range caps.Pdos() {
		if p.FixedSupply == nil {
			continue
		}
		if !found || p.FixedSupply.Voltage() > pdo.Voltage() {
			pdo = *p.FixedSupply
			pos = uint8(i + 1)
			found = true
		}
	}
	if !found {
		rdo := message.NewFixedVariableSupply(1, 0, 0, true)
		return message.PowerSource{FixedVariableSupply: &rdo}
	}
	rdo := message.NewFixedVariableSupply(pos, pdo.RawMaxCurrent(), pdo.RawMaxCurrent(), false)
	return message.PowerSource{FixedVariableSupply: &rdo}
}
