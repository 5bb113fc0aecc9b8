package message

// Kind identifies the variant of a Power Data Object, independent of its
// wire encoding.
type Kind uint8

// PDO kinds.
const (
	KindFixedSupply Kind = iota
	KindBattery
	KindVariableSupply
	KindPPS
	KindEPRAVS
	KindUnknownAugmented
)

// rawKind returns the top 2 bits of a raw PDO, the USB PD "kind" field.
func rawKind(raw uint32) uint8 {
	return uint8(raw>>30) & 0b11
}

const (
	rawKindFixedSupply    = 0b00
	rawKindBattery        = 0b01
	rawKindVariableSupply = 0b10
	rawKindAugmented      = 0b11
)

// FixedSupply is a source Fixed Supply PDO (USB PD Table 6.9).
type FixedSupply uint32

// DualRolePower reports the Dual-Role Power flag.
func (p FixedSupply) DualRolePower() bool { return p&(1<<29) != 0 }

// USBSuspendSupported reports the USB Suspend Supported flag.
func (p FixedSupply) USBSuspendSupported() bool { return p&(1<<28) != 0 }

// UnconstrainedPower reports the Unconstrained Power flag.
func (p FixedSupply) UnconstrainedPower() bool { return p&(1<<27) != 0 }

// USBCommunicationsCapable reports the USB Communications Capable flag.
func (p FixedSupply) USBCommunicationsCapable() bool { return p&(1<<26) != 0 }

// DualRoleData reports the Dual-Role Data flag.
func (p FixedSupply) DualRoleData() bool { return p&(1<<25) != 0 }

// UnchunkedExtendedMessagesSupported reports whether the source can accept
// unchunked extended messages.
func (p FixedSupply) UnchunkedExtendedMessagesSupported() bool { return p&(1<<24) != 0 }

// EPRModeCapable reports whether the source supports EPR mode entry.
func (p FixedSupply) EPRModeCapable() bool { return p&(1<<23) != 0 }

// PeakCurrent returns the raw 2 bit peak current overload code.
func (p FixedSupply) PeakCurrent() uint8 { return uint8(p>>20) & 0b11 }

// RawVoltage returns the voltage in 50 mV units.
func (p FixedSupply) RawVoltage() uint16 { return uint16(p>>10) & 0x3FF }

// Voltage returns the voltage in millivolts.
func (p FixedSupply) Voltage() uint32 { return uint32(p.RawVoltage()) * 50 }

// RawMaxCurrent returns the maximum current in 10 mA units.
func (p FixedSupply) RawMaxCurrent() uint16 { return uint16(p) & 0x3FF }

// MaxCurrent returns the maximum current in milliamps.
func (p FixedSupply) MaxCurrent() uint32 { return uint32(p.RawMaxCurrent()) * 10 }

// Battery is a source Battery Supply PDO (USB PD Table 6.12).
type Battery uint32

// RawMaxVoltage returns the maximum voltage in 50 mV units.
func (p Battery) RawMaxVoltage() uint16 { return uint16(p>>20) & 0x3FF }

// RawMinVoltage returns the minimum voltage in 50 mV units.
func (p Battery) RawMinVoltage() uint16 { return uint16(p>>10) & 0x3FF }

// RawMaxPower returns the maximum power in 250 mW units.
func (p Battery) RawMaxPower() uint16 { return uint16(p) & 0x3FF }

// VariableSupply is a source Variable Supply PDO (USB PD Table 6.11).
type VariableSupply uint32

// RawMaxVoltage returns the maximum voltage in 50 mV units.
func (p VariableSupply) RawMaxVoltage() uint16 { return uint16(p>>20) & 0x3FF }

// RawMinVoltage returns the minimum voltage in 50 mV units.
func (p VariableSupply) RawMinVoltage() uint16 { return uint16(p>>10) & 0x3FF }

// RawMaxCurrent returns the maximum current in 10 mA units.
func (p VariableSupply) RawMaxCurrent() uint16 { return uint16(p) & 0x3FF }

// SprProgrammablePowerSupply is a PPS Augmented PDO (USB PD Table 6.13).
type SprProgrammablePowerSupply uint32

// PowerLimited reports the PPS Power Limited flag.
func (p SprProgrammablePowerSupply) PowerLimited() bool { return p&(1<<27) != 0 }

// RawMaxVoltage returns the max voltage in 100 mV units.
func (p SprProgrammablePowerSupply) RawMaxVoltage() uint16 { return uint16(p>>17) & 0xFF }

// RawMinVoltage returns the min voltage in 100 mV units.
func (p SprProgrammablePowerSupply) RawMinVoltage() uint16 { return uint16(p>>8) & 0xFF }

// RawMaxCurrent returns the max current in 50 mA units.
func (p SprProgrammablePowerSupply) RawMaxCurrent() uint16 { return uint16(p) & 0x7F }

// EprAdjustableVoltageSupply is an EPR AVS Augmented PDO.
type EprAdjustableVoltageSupply uint32

// PeakCurrent returns the raw 2 bit peak current overload code.
func (p EprAdjustableVoltageSupply) PeakCurrent() uint8 { return uint8(p>>26) & 0b11 }

// RawMaxVoltage returns the max voltage in 100 mV units (9 bits: wider
// range than SPR PPS to reach 48 V).
func (p EprAdjustableVoltageSupply) RawMaxVoltage() uint16 { return uint16(p>>17) & 0x1FF }

// RawMinVoltage returns the min voltage in 100 mV units.
func (p EprAdjustableVoltageSupply) RawMinVoltage() uint16 { return uint16(p>>8) & 0xFF }

// RawPDP returns the PD Power in 1 W units.
func (p EprAdjustableVoltageSupply) RawPDP() uint8 { return uint8(p) }

// AugmentedSupply is 0b11 in the top bits of a raw PDO, further typed by
// the Spr/Epr discriminant.
type AugmentedSupply uint32

const (
	rawAugmentedSpr = 0b00
	rawAugmentedEpr = 0b01
)

func (p AugmentedSupply) discriminant() uint8 { return uint8(p>>28) & 0b11 }

// Augmented is the decoded variant of an Augmented PDO.
type Augmented struct {
	Spr     *SprProgrammablePowerSupply
	Epr     *EprAdjustableVoltageSupply
	Unknown uint32 // raw value if neither Spr nor Epr
}

// PowerDataObject is the decoded variant of a source PDO.
type PowerDataObject struct {
	FixedSupply    *FixedSupply
	Battery        *Battery
	VariableSupply *VariableSupply
	Augmented      *Augmented
	raw            uint32
}

// Raw returns the underlying 32 bit value regardless of variant, so
// round-trip testing can compare bit-for-bit.
func (p PowerDataObject) Raw() uint32 {
	switch {
	case p.FixedSupply != nil:
		return uint32(*p.FixedSupply)
	case p.Battery != nil:
		return uint32(*p.Battery)
	case p.VariableSupply != nil:
		return uint32(*p.VariableSupply)
	case p.Augmented != nil:
		switch {
		case p.Augmented.Spr != nil:
			return uint32(*p.Augmented.Spr)
		case p.Augmented.Epr != nil:
			return uint32(*p.Augmented.Epr)
		default:
			return p.Augmented.Unknown
		}
	default:
		return p.raw
	}
}

// IsZeroPadding reports whether the PDO is an all-zero filler, which is
// permitted in positions 1..7 of an EPR capabilities message.
func (p PowerDataObject) IsZeroPadding() bool { return p.Raw() == 0 }

// Kind classifies the PDO.
func (p PowerDataObject) Kind() Kind {
	switch {
	case p.FixedSupply != nil:
		return KindFixedSupply
	case p.Battery != nil:
		return KindBattery
	case p.VariableSupply != nil:
		return KindVariableSupply
	case p.Augmented != nil && p.Augmented.Spr != nil:
		return KindPPS
	case p.Augmented != nil && p.Augmented.Epr != nil:
		return KindEPRAVS
	default:
		return KindUnknownAugmented
	}
}

// ParseRawPDO decodes a raw 32 bit value into a typed PowerDataObject. It
// is a pure function over the top bits of the value; it never fails,
// since unrecognized sub-variants decode to Augmented.Unknown.
func ParseRawPDO(raw uint32) PowerDataObject {
	switch rawKind(raw) {
	case rawKindFixedSupply:
		v := FixedSupply(raw)
		return PowerDataObject{FixedSupply: &v, raw: raw}
	case rawKindBattery:
		v := Battery(raw)
		return PowerDataObject{Battery: &v, raw: raw}
	case rawKindVariableSupply:
		v := VariableSupply(raw)
		return PowerDataObject{VariableSupply: &v, raw: raw}
	default:
		a := AugmentedSupply(raw)
		switch a.discriminant() {
		case rawAugmentedSpr:
			v := SprProgrammablePowerSupply(raw)
			return PowerDataObject{Augmented: &Augmented{Spr: &v}, raw: raw}
		case rawAugmentedEpr:
			v := EprAdjustableVoltageSupply(raw)
			return PowerDataObject{Augmented: &Augmented{Epr: &v}, raw: raw}
		default:
			return PowerDataObject{Augmented: &Augmented{Unknown: raw}, raw: raw}
		}
	}
}
