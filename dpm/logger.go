package dpm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/elagil/go-usbpd"
	"github.com/elagil/go-usbpd/message"
	"github.com/elagil/go-usbpd/policy"
)

// Logger is a passthrough DPM that logs every call via a *slog.Logger
// before forwarding to Base, for debugging a sink's negotiation
// behavior without modifying it.
type Logger struct {
	log  *slog.Logger
	Base policy.DPM
}

// NewLogger creates a Logger that writes to log and passes every call
// through to base.
func NewLogger(log *slog.Logger, base policy.DPM) *Logger {
	return &Logger{log: log, Base: base}
}

// Request implements policy.DPM.
func (l *Logger) Request(ctx context.Context, caps message.SourceCapabilities) (message.PowerSource, error) {
	l.log.Info("source capabilities received", slog.Int("count", caps.N), slog.Bool("epr", caps.IsEPRCapabilities()))
	for i, p := range caps.Pdos() {
		l.log.Debug("capability", slog.Int("position", i+1), slog.String("pdo", describePDO(p)))
	}
	req, err := l.Base.Request(ctx, caps)
	if err != nil {
		l.log.Warn("request failed", slog.Any("error", err))
		return req, err
	}
	l.log.Info("requesting power", slog.Int("object_position", int(req.ObjectPosition())))
	return req, nil
}

// TransitionPower implements policy.DPM.
func (l *Logger) TransitionPower(ctx context.Context, req message.PowerSource) {
	l.log.Info("power transitioned", slog.Int("object_position", int(req.ObjectPosition())))
	l.Base.TransitionPower(ctx, req)
}

// GetEvent implements policy.DPM.
func (l *Logger) GetEvent(ctx context.Context, caps message.SourceCapabilities) usbpd.Event {
	ev := l.Base.GetEvent(ctx, caps)
	if ev.Kind != usbpd.EventNone {
		l.log.Info("dpm event", slog.String("kind", ev.Kind.String()))
	}
	return ev
}

// SinkCapabilities implements policy.DPM.
func (l *Logger) SinkCapabilities(ctx context.Context) message.SinkCapabilities {
	return l.Base.SinkCapabilities(ctx)
}

// HardReset implements policy.DPM.
func (l *Logger) HardReset(ctx context.Context) {
	l.log.Warn("hard reset")
	l.Base.HardReset(ctx)
}

// EPRModeEntryFailed implements policy.DPM.
func (l *Logger) EPRModeEntryFailed(ctx context.Context, reason message.EPRModeEnterFailedReason) {
	l.log.Warn("epr mode entry failed", slog.Int("reason", int(reason)))
	l.Base.EPRModeEntryFailed(ctx, reason)
}

// Inform implements policy.DPM.
func (l *Logger) Inform(ctx context.Context, caps message.SourceCapabilities) {
	l.log.Info("requested source capabilities", slog.Int("count", caps.N))
	l.Base.Inform(ctx, caps)
}

func describePDO(p message.PowerDataObject) string {
	switch p.Kind() {
	case message.KindFixedSupply:
		fs := *p.FixedSupply
		return fmt.Sprintf("fixed %.1fV @ max %.1fA", float32(fs.Voltage())/1000, float32(fs.MaxCurrent())/1000)
	case message.KindVariableSupply:
		return "variable (unsupported)"
	case message.KindBattery:
		return "battery (unsupported)"
	case message.KindPPS:
		spr := *p.Augmented.Spr
		return fmt.Sprintf("pps %.1f-%.1fV @ max %.1fA", float32(spr.RawMinVoltage())/10, float32(spr.RawMaxVoltage())/10, float32(spr.RawMaxCurrent())/20)
	case message.KindEPRAVS:
		avs := *p.Augmented.Epr
		return fmt.Sprintf("avs %.1f-%.1fV, PDP %dW", float32(avs.RawMinVoltage())/10, float32(avs.RawMaxVoltage())/10, avs.RawPDP())
	default:
		return "unknown augmented"
	}
}
