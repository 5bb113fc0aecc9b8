package message

// ObjectPosition bounds per USB PD 6.4.2: valid positions are 1..14.
const (
	MinObjectPosition = 1
	MaxObjectPosition = 14
)

func clampObjectPosition(p uint8) uint8 {
	if p < MinObjectPosition {
		return MinObjectPosition
	}
	if p > MaxObjectPosition {
		return MaxObjectPosition
	}
	return p
}

// rawObjectPosition returns the top 4 bits common to every RDO variant.
func rawObjectPosition(raw uint32) uint8 { return uint8(raw >> 28) }

// FixedVariableSupply is an RDO for a Fixed or Variable Supply PDO.
type FixedVariableSupply uint32

// NewFixedVariableSupply builds a Fixed/Variable RDO. operatingCurrent and
// maxOperatingCurrent are clamped to the 10 bit (0x3FF) field width.
func NewFixedVariableSupply(position uint8, operatingCurrent, maxOperatingCurrent uint16, capabilityMismatch bool) FixedVariableSupply {
	position = clampObjectPosition(position)
	if operatingCurrent > 0x3FF {
		operatingCurrent = 0x3FF
	}
	if maxOperatingCurrent > 0x3FF {
		maxOperatingCurrent = 0x3FF
	}
	r := FixedVariableSupply(position)<<28 |
		FixedVariableSupply(operatingCurrent&0x3FF)<<10 |
		FixedVariableSupply(maxOperatingCurrent&0x3FF)
	if capabilityMismatch {
		r |= 1 << 26
	}
	return r
}

// ObjectPosition returns the selected source PDO position (1-based).
func (r FixedVariableSupply) ObjectPosition() uint8 { return uint8(r >> 28) }

// GiveBack reports the GiveBack Flag.
func (r FixedVariableSupply) GiveBack() bool { return r&(1<<27) != 0 }

// CapabilityMismatch reports the Capability Mismatch flag.
func (r FixedVariableSupply) CapabilityMismatch() bool { return r&(1<<26) != 0 }

// USBCommunicationsCapable reports the USB Communications Capable flag.
func (r FixedVariableSupply) USBCommunicationsCapable() bool { return r&(1<<25) != 0 }

// NoUSBSuspend reports the No USB Suspend flag.
func (r FixedVariableSupply) NoUSBSuspend() bool { return r&(1<<24) != 0 }

// WithNoUSBSuspend sets the No USB Suspend flag.
func (r FixedVariableSupply) WithNoUSBSuspend(v bool) FixedVariableSupply {
	if v {
		return r | 1<<24
	}
	return r &^ (1 << 24)
}

// WithUSBCommunicationsCapable sets the USB Communications Capable flag.
func (r FixedVariableSupply) WithUSBCommunicationsCapable(v bool) FixedVariableSupply {
	if v {
		return r | 1<<25
	}
	return r &^ (1 << 25)
}

// OperatingCurrent returns the operating current in 10 mA units.
func (r FixedVariableSupply) OperatingCurrent() uint16 { return uint16(r>>10) & 0x3FF }

// MaxOperatingCurrent returns the max operating current in 10 mA units.
func (r FixedVariableSupply) MaxOperatingCurrent() uint16 { return uint16(r) & 0x3FF }

// ToBytes serializes the RDO.
func (r FixedVariableSupply) ToBytes(buf []byte) int { putLeUint32(buf, uint32(r)); return 4 }

// BatteryRequest is an RDO for a Battery PDO.
type BatteryRequest uint32

// NewBatteryRequest builds a Battery RDO. Powers are in 250 mW units.
func NewBatteryRequest(position uint8, operatingPower, maxOperatingPower uint16) BatteryRequest {
	position = clampObjectPosition(position)
	return BatteryRequest(position)<<28 | BatteryRequest(operatingPower&0x3FF)<<10 | BatteryRequest(maxOperatingPower&0x3FF)
}

// ObjectPosition returns the selected source PDO position.
func (r BatteryRequest) ObjectPosition() uint8 { return uint8(r >> 28) }

// ToBytes serializes the RDO.
func (r BatteryRequest) ToBytes(buf []byte) int { putLeUint32(buf, uint32(r)); return 4 }

// PPSRequest is an RDO for a PPS Augmented PDO.
type PPSRequest uint32

// NewPPSRequest builds a PPS RDO. outputVoltage is in 20 mV units,
// operatingCurrent is in 50 mA units.
func NewPPSRequest(position uint8, outputVoltage uint16, operatingCurrent uint8) PPSRequest {
	position = clampObjectPosition(position)
	return PPSRequest(position)<<28 | PPSRequest(outputVoltage&0xFFF)<<9 | PPSRequest(operatingCurrent&0x7F)
}

// ObjectPosition returns the selected source PDO position.
func (r PPSRequest) ObjectPosition() uint8 { return uint8(r >> 28) }

// EPRModeCapable reports the EPR Mode Capable flag.
func (r PPSRequest) EPRModeCapable() bool { return r&(1<<22) != 0 }

// OutputVoltage returns the requested voltage in 20 mV units.
func (r PPSRequest) OutputVoltage() uint16 { return uint16(r>>9) & 0xFFF }

// OperatingCurrent returns the requested current in 50 mA units.
func (r PPSRequest) OperatingCurrent() uint8 { return uint8(r) & 0x7F }

// ToBytes serializes the RDO.
func (r PPSRequest) ToBytes(buf []byte) int { putLeUint32(buf, uint32(r)); return 4 }

// AVSRequest is an RDO for an EPR AVS Augmented PDO; same layout as PPS
// but interpreted against the wider EPR voltage range.
type AVSRequest uint32

// NewAVSRequest builds an AVS RDO. outputVoltage is in 20 mV units,
// operatingCurrent is in 50 mA units.
func NewAVSRequest(position uint8, outputVoltage uint16, operatingCurrent uint8) AVSRequest {
	position = clampObjectPosition(position)
	return AVSRequest(position)<<28 | AVSRequest(outputVoltage&0xFFF)<<9 | AVSRequest(operatingCurrent&0x7F)
}

// ObjectPosition returns the selected source PDO position.
func (r AVSRequest) ObjectPosition() uint8 { return uint8(r >> 28) }

// OutputVoltage returns the requested voltage in 20 mV units.
func (r AVSRequest) OutputVoltage() uint16 { return uint16(r>>9) & 0xFFF }

// OperatingCurrent returns the requested current in 50 mA units.
func (r AVSRequest) OperatingCurrent() uint8 { return uint8(r) & 0x7F }

// ToBytes serializes the RDO.
func (r AVSRequest) ToBytes(buf []byte) int { putLeUint32(buf, uint32(r)); return 4 }

// EPRRequestDataObject is the two-object EPR_Request payload: an RDO
// followed by a copy of the selected PDO, so the source can verify the
// sink requested the PDO it believes it advertised.
type EPRRequestDataObject struct {
	RDO uint32
	PDO PowerDataObject
}

// ToBytes serializes the EPR request (8 bytes: RDO then PDO).
func (r EPRRequestDataObject) ToBytes(buf []byte) int {
	putLeUint32(buf, r.RDO)
	putLeUint32(buf[4:], r.PDO.Raw())
	return 8
}

// PowerSource is the decoded variant of a Request (or EPR_Request) data
// message's payload.
type PowerSource struct {
	FixedVariableSupply *FixedVariableSupply
	Battery              *BatteryRequest
	PPS                  *PPSRequest
	AVS                  *AVSRequest
	EPRRequest           *EPRRequestDataObject
	UnknownRaw           *uint32
}

// ObjectPosition returns the RDO's selected source PDO position.
func (p PowerSource) ObjectPosition() uint8 {
	switch {
	case p.FixedVariableSupply != nil:
		return p.FixedVariableSupply.ObjectPosition()
	case p.Battery != nil:
		return p.Battery.ObjectPosition()
	case p.PPS != nil:
		return p.PPS.ObjectPosition()
	case p.AVS != nil:
		return p.AVS.ObjectPosition()
	case p.EPRRequest != nil:
		return rawObjectPosition(p.EPRRequest.RDO)
	case p.UnknownRaw != nil:
		return rawObjectPosition(*p.UnknownRaw)
	default:
		return 0
	}
}

// ToBytes serializes the power source request payload.
func (p PowerSource) ToBytes(buf []byte) int {
	switch {
	case p.FixedVariableSupply != nil:
		return p.FixedVariableSupply.ToBytes(buf)
	case p.Battery != nil:
		return p.Battery.ToBytes(buf)
	case p.PPS != nil:
		return p.PPS.ToBytes(buf)
	case p.AVS != nil:
		return p.AVS.ToBytes(buf)
	case p.EPRRequest != nil:
		return p.EPRRequest.ToBytes(buf)
	case p.UnknownRaw != nil:
		putLeUint32(buf, *p.UnknownRaw)
		return 4
	default:
		return 0
	}
}

func parseRequestByKind(kind Kind, raw uint32) PowerSource {
	switch kind {
	case KindFixedSupply, KindVariableSupply:
		v := FixedVariableSupply(raw)
		return PowerSource{FixedVariableSupply: &v}
	case KindBattery:
		v := BatteryRequest(raw)
		return PowerSource{Battery: &v}
	case KindPPS:
		v := PPSRequest(raw)
		return PowerSource{PPS: &v}
	case KindEPRAVS:
		v := AVSRequest(raw)
		return PowerSource{AVS: &v}
	default:
		u := raw
		return PowerSource{UnknownRaw: &u}
	}
}
