// Package policy implements the USB PD sink policy engine: the state
// machine that drives a protocol.Layer through capability discovery,
// power negotiation, EPR mode entry and exit, and reset recovery, on
// behalf of an application-supplied DPM.
package policy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/elagil/go-usbpd"
	"github.com/elagil/go-usbpd/counter"
	"github.com/elagil/go-usbpd/message"
	"github.com/elagil/go-usbpd/protocol"
)

// sourceCapabilitiesTypes matches either the SPR or EPR source
// capabilities message, the two message kinds GetSourceCap waits for.
var sourceCapabilitiesTypes = []message.MessageType{
	{Data: message.DataSourceCapabilities},
	{Extended: message.ExtendedEPRSourceCapabilities},
}

// Engine is the sink policy engine state machine. It owns no transport
// state of its own beyond its Layer: D and T are threaded through the
// same way protocol.Layer parameterizes over them, so a concrete driver
// and timer never pay for dynamic dispatch.
type Engine[D usbpd.Driver, T protocol.Timer] struct {
	layer *protocol.Layer[D, T]
	timer T
	dpm   DPM
	log   *slog.Logger

	hardResetCounter counter.Counter

	contract Contract
	mode     Mode

	caps                message.SourceCapabilities
	req                 message.PowerSource
	afterWait           bool
	pendingMode         Mode
	pdp                 uint8
	getSourceCapPending bool
}

// New constructs a sink policy Engine over layer, using timer to race
// the Ready-state timer bundle and dpm to make every policy decision the
// engine itself does not own.
func New[D usbpd.Driver, T protocol.Timer](layer *protocol.Layer[D, T], timer T, dpm DPM, opts ...Option) *Engine[D, T] {
	o := engineOptions{log: defaultLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine[D, T]{
		layer:            layer,
		timer:            timer,
		dpm:              dpm,
		log:              o.log,
		hardResetCounter: counter.New(counter.HardReset),
	}
}

// Run drives the state machine until ctx is canceled or the port
// partner proves unresponsive across repeated hard resets
// (ErrPortPartnerUnresponsive). It never returns nil: a canceled ctx
// surfaces ctx.Err().
func (e *Engine[D, T]) Run(ctx context.Context) error {
	state := stateStartup
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		next, err := e.step(ctx, state)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, ErrPortPartnerUnresponsive) {
				return err
			}
			mapped, matched := e.mapError(state, err)
			if !matched {
				e.log.Warn("policy engine: unmapped protocol error, retrying state",
					slog.String("state", state.String()), slog.Any("error", err))
				continue
			}
			next = mapped
		}
		if next != state {
			e.log.Debug("policy engine state transition",
				slog.String("from", state.String()), slog.String("to", next.String()))
		}
		state = next
	}
}

// step dispatches to the Enter/Process function for state.
func (e *Engine[D, T]) step(ctx context.Context, state stateID) (stateID, error) {
	switch state {
	case stateStartup:
		return e.stepStartup(ctx)
	case stateDiscovery:
		return e.stepDiscovery(ctx)
	case stateWaitForCapabilities:
		return e.stepWaitForCapabilities(ctx)
	case stateEvaluateCapabilities:
		return e.stepEvaluateCapabilities(ctx)
	case stateSelectCapability:
		return e.stepSelectCapability(ctx)
	case stateTransitionSink:
		return e.stepTransitionSink(ctx)
	case stateReady:
		return e.stepReady(ctx)
	case stateSendNotSupported:
		return e.stepSendNotSupported(ctx)
	case stateSendSoftReset:
		return e.stepSendSoftReset(ctx)
	case stateSoftReset:
		return e.stepSoftReset(ctx)
	case stateHardReset:
		return e.stepHardReset(ctx)
	case stateTransitionToDefault:
		return e.stepTransitionToDefault(ctx)
	case stateGiveSinkCap:
		return e.stepGiveSinkCap(ctx)
	case stateGetSourceCap:
		return e.stepGetSourceCap(ctx)
	case stateEprModeEntry:
		return e.stepEprModeEntry(ctx)
	case stateEprEntryWaitForResponse:
		return e.stepEprEntryWaitForResponse(ctx)
	case stateEprWaitForCapabilities:
		return e.stepEprWaitForCapabilities(ctx)
	case stateEprSendExit:
		return e.stepEprSendExit(ctx)
	case stateEprExitReceived:
		return e.stepEprExitReceived(ctx)
	case stateEprKeepAlive:
		return e.stepEprKeepAlive(ctx)
	default:
		return stateStartup, nil
	}
}

// mapError applies the error-to-transition table (spec section 7) for
// errors a step function did not already resolve itself.
func (e *Engine[D, T]) mapError(state stateID, err error) (stateID, bool) {
	switch state {
	case stateWaitForCapabilities, stateSelectCapability:
		if errors.Is(err, protocol.ErrReceiveTimeout) {
			return stateHardReset, true
		}
	case stateTransitionSink:
		return stateHardReset, true
	case stateSoftReset, stateSendSoftReset:
		if errors.Is(err, protocol.ErrRetriesExhausted) {
			return stateHardReset, true
		}
	case stateReady:
		if errors.Is(err, protocol.ErrUnsupportedMessage) {
			return stateSendNotSupported, true
		}
	}
	switch {
	case errors.Is(err, protocol.ErrHardReset):
		return stateTransitionToDefault, true
	case errors.Is(err, protocol.ErrSoftReset):
		return stateSoftReset, true
	case errors.Is(err, protocol.ErrUnexpectedMessage):
		return stateSendSoftReset, true
	case errors.Is(err, protocol.ErrRetriesExhausted):
		return stateSendSoftReset, true
	}
	return stateStartup, false
}

func (e *Engine[D, T]) stepStartup(ctx context.Context) (stateID, error) {
	e.contract = ContractSafe5V
	e.mode = ModeSpr
	e.layer.Reset()
	return stateDiscovery, nil
}

func (e *Engine[D, T]) stepDiscovery(ctx context.Context) (stateID, error) {
	if err := e.layer.WaitForVBUS(ctx); err != nil {
		return stateStartup, err
	}
	e.caps = message.SourceCapabilities{}
	return stateWaitForCapabilities, nil
}

func (e *Engine[D, T]) stepWaitForCapabilities(ctx context.Context) (stateID, error) {
	caps, err := e.layer.WaitForSourceCapabilities(ctx)
	if err != nil {
		return stateStartup, err
	}
	e.caps = caps
	e.layer.SetCapabilitiesLookup(caps)
	return stateEvaluateCapabilities, nil
}

func (e *Engine[D, T]) stepEvaluateCapabilities(ctx context.Context) (stateID, error) {
	e.hardResetCounter.Reset()
	e.layer.SetCapabilitiesLookup(e.caps)
	req, err := e.dpm.Request(ctx, e.caps)
	if err != nil {
		e.log.Warn("dpm request failed, falling back to highest fixed voltage", slog.Any("error", err))
		req = requestHighestVoltageDefault(e.caps)
	}
	e.req = req
	return stateSelectCapability, nil
}

// selectCapabilityTypes matches the three replies a source may send to a
// Request.
var selectCapabilityTypes = []message.MessageType{
	{Control: message.ControlAccept},
	{Control: message.ControlWait},
	{Control: message.ControlReject},
}

func (e *Engine[D, T]) stepSelectCapability(ctx context.Context) (stateID, error) {
	if err := e.layer.RequestPower(ctx, e.req); err != nil {
		return stateStartup, err
	}
	msg, err := e.layer.ReceiveMessageType(ctx, selectCapabilityTypes, protocol.TimerSenderResponse)
	if err != nil {
		if errors.Is(err, protocol.ErrReceiveTimeout) {
			return stateHardReset, nil
		}
		return stateStartup, err
	}
	switch msg.Header.MessageType().Control {
	case message.ControlAccept:
		return stateTransitionSink, nil
	case message.ControlReject:
		if e.contract == ContractSafe5V {
			return stateWaitForCapabilities, nil
		}
		e.afterWait = false
		return stateReady, nil
	default: // ControlWait
		if e.contract == ContractSafe5V {
			return stateWaitForCapabilities, nil
		}
		e.afterWait = true
		return stateReady, nil
	}
}

func (e *Engine[D, T]) stepTransitionSink(ctx context.Context) (stateID, error) {
	tt := protocol.TimerPSTransitionSpr
	if e.mode == ModeEpr {
		tt = protocol.TimerPSTransitionEpr
	}
	_, err := e.layer.ReceiveMessageType(ctx, []message.MessageType{{Control: message.ControlPSRdy}}, tt)
	if err != nil {
		return stateHardReset, nil
	}
	e.contract = ContractTransitionToExplicit
	e.dpm.TransitionPower(ctx, e.req)
	e.contract = ContractExplicit
	e.afterWait = false
	return stateReady, nil
}

// stepReady races message reception, a DPM-initiated event, and the
// Ready-state timer bundle (spec section 4.4), the Go mapping of the
// specification's select-of-futures concurrency model.
func (e *Engine[D, T]) stepReady(ctx context.Context) (stateID, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type msgResult struct {
		msg message.Message
		err error
	}
	msgCh := make(chan msgResult, 1)
	go func() {
		m, err := e.layer.ReceiveMessage(rctx)
		msgCh <- msgResult{m, err}
	}()

	evCh := make(chan usbpd.Event, 1)
	go func() {
		evCh <- e.dpm.GetEvent(rctx, e.caps)
	}()

	var ppsCh, eprKeepAliveCh, sinkReqCh <-chan struct{}
	if e.req.PPS != nil {
		ppsCh = e.timer.After(rctx, protocol.TimerSinkPPSPeriodic)
	}
	if e.mode == ModeEpr {
		eprKeepAliveCh = e.timer.After(rctx, protocol.TimerSinkEPRKeepAlive)
	}
	if e.afterWait {
		sinkReqCh = e.timer.After(rctx, protocol.TimerSinkRequest)
	}

	select {
	case <-ctx.Done():
		return stateStartup, ctx.Err()
	case r := <-msgCh:
		return e.handleReadyMessage(ctx, r.msg, r.err)
	case ev := <-evCh:
		return e.handleReadyEvent(ctx, ev)
	case <-ppsCh:
		return stateSelectCapability, nil
	case <-sinkReqCh:
		return stateSelectCapability, nil
	case <-eprKeepAliveCh:
		return stateEprKeepAlive, nil
	}
}

func (e *Engine[D, T]) handleReadyMessage(ctx context.Context, msg message.Message, err error) (stateID, error) {
	if err != nil {
		return stateStartup, err
	}
	h := msg.Header
	switch {
	case !h.IsExtended() && !h.IsData():
		if h.MessageType().Control == message.ControlGetSinkCap {
			e.pendingMode = ModeSpr
			return stateGiveSinkCap, nil
		}
		return stateStartup, protocol.ErrUnsupportedMessage

	case h.IsData():
		if msg.Payload == nil {
			return stateStartup, protocol.ErrUnsupportedMessage
		}
		switch h.MessageType().Data {
		case message.DataSourceCapabilities:
			if msg.Payload.Data == nil || msg.Payload.Data.SourceCapabilities == nil {
				return stateStartup, protocol.ErrUnsupportedMessage
			}
			if e.mode == ModeEpr && !e.getSourceCapPending {
				return stateHardReset, nil
			}
			e.caps = *msg.Payload.Data.SourceCapabilities
			return stateEvaluateCapabilities, nil
		case message.DataEPRMode:
			return stateEprExitReceived, nil
		default:
			return stateStartup, protocol.ErrUnsupportedMessage
		}

	default: // extended
		if msg.Payload == nil || msg.Payload.Extended == nil {
			return stateStartup, protocol.ErrUnsupportedMessage
		}
		switch h.MessageType().Extended {
		case message.ExtendedEPRSourceCapabilities:
			if msg.Payload.Extended.EPRSourceCapabilities == nil {
				return stateStartup, protocol.ErrUnsupportedMessage
			}
			caps := *msg.Payload.Extended.EPRSourceCapabilities
			if e.mode == ModeEpr && caps.HasEPRPdoInSPRPositions() {
				return stateHardReset, nil
			}
			e.caps = caps
			return stateEvaluateCapabilities, nil
		case message.ExtendedExtendedControl:
			ec := msg.Payload.Extended.Control
			if ec != nil && ec.MessageType() == message.ExtendedControlEPRGetSinkCap {
				e.pendingMode = ModeEpr
				return stateGiveSinkCap, nil
			}
			return stateStartup, protocol.ErrUnsupportedMessage
		default:
			return stateStartup, protocol.ErrUnsupportedMessage
		}
	}
}

func (e *Engine[D, T]) handleReadyEvent(ctx context.Context, ev usbpd.Event) (stateID, error) {
	switch ev.Kind {
	case usbpd.EventRequestSprSourceCapabilities:
		e.pendingMode = ModeSpr
		return stateGetSourceCap, nil
	case usbpd.EventRequestEprSourceCapabilities:
		e.pendingMode = ModeEpr
		return stateGetSourceCap, nil
	case usbpd.EventEnterEprMode:
		e.pdp = ev.PDP
		return stateEprModeEntry, nil
	case usbpd.EventExitEprMode:
		return stateEprSendExit, nil
	case usbpd.EventRequestPower:
		e.req = ev.Power
		return stateSelectCapability, nil
	default:
		return stateReady, nil
	}
}

func (e *Engine[D, T]) stepSendNotSupported(ctx context.Context) (stateID, error) {
	if err := e.layer.TransmitControlMessage(ctx, message.ControlNotSupported); err != nil {
		return stateStartup, err
	}
	return stateReady, nil
}

func (e *Engine[D, T]) stepSendSoftReset(ctx context.Context) (stateID, error) {
	e.layer.Reset()
	if err := e.layer.TransmitControlMessage(ctx, message.ControlSoftReset); err != nil {
		return stateStartup, err
	}
	accept := []message.MessageType{{Control: message.ControlAccept}}
	if _, err := e.layer.ReceiveMessageType(ctx, accept, protocol.TimerSenderResponse); err != nil {
		return stateStartup, err
	}
	return stateWaitForCapabilities, nil
}

func (e *Engine[D, T]) stepSoftReset(ctx context.Context) (stateID, error) {
	if err := e.layer.TransmitControlMessage(ctx, message.ControlAccept); err != nil {
		return stateStartup, err
	}
	e.layer.Reset()
	return stateWaitForCapabilities, nil
}

func (e *Engine[D, T]) stepHardReset(ctx context.Context) (stateID, error) {
	if incErr := e.hardResetCounter.Increment(); incErr != nil {
		return stateStartup, ErrPortPartnerUnresponsive
	}
	if err := e.layer.HardReset(ctx); err != nil {
		return stateStartup, err
	}
	return stateTransitionToDefault, nil
}

func (e *Engine[D, T]) stepTransitionToDefault(ctx context.Context) (stateID, error) {
	e.dpm.HardReset(ctx)
	e.layer.Reset()
	e.mode = ModeSpr
	e.contract = ContractSafe5V
	e.caps = message.SourceCapabilities{}
	return stateStartup, nil
}

func (e *Engine[D, T]) stepGiveSinkCap(ctx context.Context) (stateID, error) {
	caps := e.dpm.SinkCapabilities(ctx)
	var err error
	if e.pendingMode == ModeEpr {
		err = e.layer.TransmitEPRSinkCapabilities(ctx, caps)
	} else {
		err = e.layer.TransmitSinkCapabilities(ctx, caps)
	}
	if err != nil {
		return stateStartup, err
	}
	return stateReady, nil
}

func (e *Engine[D, T]) stepGetSourceCap(ctx context.Context) (stateID, error) {
	e.getSourceCapPending = true
	defer func() { e.getSourceCapPending = false }()

	var err error
	if e.pendingMode == ModeEpr {
		err = e.layer.TransmitExtendedControlMessage(ctx, message.ExtendedControlEPRGetSourceCap, 0)
	} else {
		err = e.layer.TransmitControlMessage(ctx, message.ControlGetSourceCap)
	}
	if err != nil {
		return stateStartup, err
	}

	msg, err := e.layer.ReceiveMessageType(ctx, sourceCapabilitiesTypes, protocol.TimerSenderResponse)
	if err != nil {
		if errors.Is(err, protocol.ErrReceiveTimeout) {
			return stateReady, nil
		}
		return stateStartup, err
	}

	var caps message.SourceCapabilities
	var gotEPR bool
	if msg.Payload != nil {
		if msg.Payload.Data != nil && msg.Payload.Data.SourceCapabilities != nil {
			caps = *msg.Payload.Data.SourceCapabilities
		}
		if msg.Payload.Extended != nil && msg.Payload.Extended.EPRSourceCapabilities != nil {
			caps = *msg.Payload.Extended.EPRSourceCapabilities
			gotEPR = true
		}
	}
	if gotEPR != (e.pendingMode == ModeEpr) {
		return stateReady, nil
	}
	e.caps = caps
	e.dpm.Inform(ctx, caps)
	return stateEvaluateCapabilities, nil
}

func (e *Engine[D, T]) stepEprModeEntry(ctx context.Context) (stateID, error) {
	if err := e.layer.TransmitEPRMode(ctx, message.EPRModeEnter, e.pdp); err != nil {
		return stateStartup, err
	}
	return e.awaitEprModeReply(ctx, true)
}

func (e *Engine[D, T]) stepEprEntryWaitForResponse(ctx context.Context) (stateID, error) {
	return e.awaitEprModeReply(ctx, false)
}

// awaitEprModeReply waits for the source's EPR_Mode reply, common to
// EprModeEntry and EprEntryWaitForResponse. allowAcknowledged is false
// for the latter, since a second Enter_Acknowledged there is itself
// unexpected.
func (e *Engine[D, T]) awaitEprModeReply(ctx context.Context, allowAcknowledged bool) (stateID, error) {
	tt := protocol.TimerSenderResponse
	if !allowAcknowledged {
		tt = protocol.TimerSinkEPREnter
	}
	msg, err := e.layer.ReceiveMessageType(ctx, []message.MessageType{{Data: message.DataEPRMode}}, tt)
	if err != nil {
		return stateStartup, err
	}
	if msg.Payload == nil || msg.Payload.Data == nil || msg.Payload.Data.EPRMode == nil {
		return stateSendSoftReset, nil
	}
	action, ok := msg.Payload.Data.EPRMode.Action()
	if !ok {
		return stateSendSoftReset, nil
	}
	switch action {
	case message.EPRModeEnterAcknowledged:
		if allowAcknowledged {
			return stateEprEntryWaitForResponse, nil
		}
		return stateSendSoftReset, nil
	case message.EPRModeEnterSucceeded:
		e.mode = ModeEpr
		return stateEprWaitForCapabilities, nil
	case message.EPRModeExit:
		return stateEprExitReceived, nil
	case message.EPRModeEnterFailed:
		e.dpm.EPRModeEntryFailed(ctx, message.EPRModeEnterFailedReason(msg.Payload.Data.EPRMode.Data()))
		return stateSendSoftReset, nil
	default:
		return stateSendSoftReset, nil
	}
}

func (e *Engine[D, T]) stepEprWaitForCapabilities(ctx context.Context) (stateID, error) {
	caps, err := e.layer.WaitForSourceCapabilities(ctx)
	if err != nil {
		return stateHardReset, nil
	}
	e.caps = caps
	return stateEvaluateCapabilities, nil
}

func (e *Engine[D, T]) stepEprSendExit(ctx context.Context) (stateID, error) {
	if err := e.layer.TransmitEPRMode(ctx, message.EPRModeExit, 0); err != nil {
		return stateStartup, err
	}
	e.mode = ModeSpr
	return stateWaitForCapabilities, nil
}

func (e *Engine[D, T]) stepEprExitReceived(ctx context.Context) (stateID, error) {
	if int(e.req.ObjectPosition()) > message.SourceCapabilitiesSPRLimit {
		return stateHardReset, nil
	}
	e.mode = ModeSpr
	return stateWaitForCapabilities, nil
}

func (e *Engine[D, T]) stepEprKeepAlive(ctx context.Context) (stateID, error) {
	if err := e.layer.TransmitExtendedControlMessage(ctx, message.ExtendedControlEPRKeepAlive, 0); err != nil {
		return stateStartup, err
	}
	ack := []message.MessageType{{Extended: message.ExtendedExtendedControl}}
	msg, err := e.layer.ReceiveMessageType(ctx, ack, protocol.TimerSenderResponse)
	if err != nil {
		return stateHardReset, nil
	}
	if msg.Payload != nil && msg.Payload.Extended != nil && msg.Payload.Extended.Control != nil &&
		msg.Payload.Extended.Control.MessageType() == message.ExtendedControlEPRKeepAliveAck {
		return stateReady, nil
	}
	return stateSendNotSupported, nil
}
