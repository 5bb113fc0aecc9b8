// Package dpm implements some useful device policy managers for common
// use, plus the scan primitives they are built from.
package dpm

import (
	"github.com/elagil/go-usbpd/message"
)

// maxOperatingCurrentField is the 10 bit field width shared by every RDO
// current field.
const maxOperatingCurrentField = 0x3FF

// VoltageSelection chooses which Fixed Supply PDO RequestFixedVoltage
// targets.
type VoltageSelection struct {
	highest  bool
	lowest   bool
	specific uint32 // millivolts
}

// Highest selects the highest-voltage Fixed Supply PDO.
func Highest() VoltageSelection { return VoltageSelection{highest: true} }

// Lowest selects the lowest-voltage Fixed Supply PDO.
func Lowest() VoltageSelection { return VoltageSelection{lowest: true} }

// Specific selects the Fixed Supply PDO at exactly millivolts.
func Specific(millivolts uint32) VoltageSelection {
	return VoltageSelection{specific: millivolts}
}

// FindHighestFixedVoltage returns the 1-based object position and PDO of
// the highest-voltage Fixed Supply PDO in caps.
func FindHighestFixedVoltage(caps message.SourceCapabilities) (pos uint8, pdo message.FixedSupply, ok bool) {
	for i, p := range caps.Pdos() {
		if p.FixedSupply == nil {
			continue
		}
		if !ok || p.FixedSupply.Voltage() > pdo.Voltage() {
			pdo, pos, ok = *p.FixedSupply, uint8(i+1), true
		}
	}
	return
}

// FindLowestFixedVoltage returns the 1-based object position and PDO of
// the lowest-voltage Fixed Supply PDO in caps.
func FindLowestFixedVoltage(caps message.SourceCapabilities) (pos uint8, pdo message.FixedSupply, ok bool) {
	for i, p := range caps.Pdos() {
		if p.FixedSupply == nil {
			continue
		}
		if !ok || p.FixedSupply.Voltage() < pdo.Voltage() {
			pdo, pos, ok = *p.FixedSupply, uint8(i+1), true
		}
	}
	return
}

// FindSpecificFixedVoltage returns the Fixed Supply PDO whose voltage is
// exactly millivolts.
func FindSpecificFixedVoltage(caps message.SourceCapabilities, millivolts uint32) (pos uint8, pdo message.FixedSupply, ok bool) {
	for i, p := range caps.Pdos() {
		if p.FixedSupply != nil && p.FixedSupply.Voltage() == millivolts {
			return uint8(i + 1), *p.FixedSupply, true
		}
	}
	return 0, 0, false
}

// FindPPSVoltage returns the PPS Augmented PDO whose voltage range
// covers millivolts.
func FindPPSVoltage(caps message.SourceCapabilities, millivolts uint32) (pos uint8, pdo message.SprProgrammablePowerSupply, ok bool) {
	for i, p := range caps.Pdos() {
		if p.Augmented == nil || p.Augmented.Spr == nil {
			continue
		}
		spr := *p.Augmented.Spr
		min, max := uint32(spr.RawMinVoltage())*100, uint32(spr.RawMaxVoltage())*100
		if millivolts >= min && millivolts <= max {
			return uint8(i + 1), spr, true
		}
	}
	return 0, 0, false
}

// FindAVSVoltage returns the EPR AVS Augmented PDO whose voltage range
// covers millivolts.
func FindAVSVoltage(caps message.SourceCapabilities, millivolts uint32) (pos uint8, pdo message.EprAdjustableVoltageSupply, ok bool) {
	for i, p := range caps.Pdos() {
		if p.Augmented == nil || p.Augmented.Epr == nil {
			continue
		}
		avs := *p.Augmented.Epr
		min, max := uint32(avs.RawMinVoltage())*100, uint32(avs.RawMaxVoltage())*100
		if millivolts >= min && millivolts <= max {
			return uint8(i + 1), avs, true
		}
	}
	return 0, 0, false
}

// RequestFixedVoltage builds a Fixed/Variable RDO for the PDO chosen by
// sel, requesting currentRequest (10 mA units, clamped to the 10 bit
// field). CapabilityMismatch is set iff currentRequest exceeds the
// advertised max current.
func RequestFixedVoltage(caps message.SourceCapabilities, sel VoltageSelection, currentRequest uint16) (message.PowerSource, bool) {
	var pos uint8
	var pdo message.FixedSupply
	var ok bool
	switch {
	case sel.highest:
		pos, pdo, ok = FindHighestFixedVoltage(caps)
	case sel.lowest:
		pos, pdo, ok = FindLowestFixedVoltage(caps)
	default:
		pos, pdo, ok = FindSpecificFixedVoltage(caps, sel.specific)
	}
	if !ok {
		return message.PowerSource{}, false
	}
	op := currentRequest
	if op > maxOperatingCurrentField {
		op = maxOperatingCurrentField
	}
	mismatch := currentRequest > pdo.RawMaxCurrent()
	rdo := message.NewFixedVariableSupply(pos, op, pdo.RawMaxCurrent(), mismatch)
	return message.PowerSource{FixedVariableSupply: &rdo}, true
}

// RequestPPS builds a PPS RDO for the PPS PDO covering voltage
// (millivolts), requesting currentRequest in 50 mA units.
func RequestPPS(caps message.SourceCapabilities, currentRequest uint8, voltage uint32) (message.PowerSource, bool) {
	pos, _, ok := FindPPSVoltage(caps, voltage)
	if !ok {
		return message.PowerSource{}, false
	}
	rdo := message.NewPPSRequest(pos, uint16(voltage/20), currentRequest)
	return message.PowerSource{PPS: &rdo}, true
}

// RequestAVS builds an AVS RDO for the EPR AVS PDO covering voltage
// (millivolts), requesting currentRequest in 50 mA units.
func RequestAVS(caps message.SourceCapabilities, currentRequest uint8, voltage uint32) (message.PowerSource, bool) {
	pos, _, ok := FindAVSVoltage(caps, voltage)
	if !ok {
		return message.PowerSource{}, false
	}
	rdo := message.NewAVSRequest(pos, uint16(voltage/20), currentRequest)
	return message.PowerSource{AVS: &rdo}, true
}

// RequestHighestVoltage is the zero-configuration default sink policy:
// always request the highest-voltage Fixed Supply PDO at its full
// advertised current.
func RequestHighestVoltage(caps message.SourceCapabilities) message.PowerSource {
	pos, pdo, ok := FindHighestFixedVoltage(caps)
	if !ok {
		rdo := message.NewFixedVariableSupply(1, 0, 0, true)
		return message.PowerSource{FixedVariableSupply: &rdo}
	}
	rdo := message.NewFixedVariableSupply(pos, pdo.RawMaxCurrent(), pdo.RawMaxCurrent(), false)
	return message.PowerSource{FixedVariableSupply: &rdo}
}

// BuildEPRRequest wraps rdo together with the PDO it was built against,
// producing the two-object EPR_Request payload the source uses to verify
// the sink requested the PDO it believes it advertised. Use this instead
// of a plain RDO whenever the selected object position falls in the EPR
// range (position > message.SourceCapabilitiesSPRLimit).
func BuildEPRRequest(req message.PowerSource, caps message.SourceCapabilities) (message.PowerSource, bool) {
	idx := int(req.ObjectPosition()) - 1
	if idx < 0 || idx >= caps.N {
		return message.PowerSource{}, false
	}
	var raw uint32
	switch {
	case req.FixedVariableSupply != nil:
		raw = uint32(*req.FixedVariableSupply)
	case req.AVS != nil:
		raw = uint32(*req.AVS)
	case req.Battery != nil:
		raw = uint32(*req.Battery)
	default:
		return message.PowerSource{}, false
	}
	epr := message.EPRRequestDataObject{RDO: raw, PDO: caps.PDOs[idx]}
	return message.PowerSource{EPRRequest: &epr}, true
}
