package message

// MaxSinkPDOs is the maximum number of PDOs a SinkCapabilities message may
// carry.
const MaxSinkPDOs = 7

// FastRoleSwapCurrent encodes the Type-C current a sink requires after a
// Fast Role Swap.
type FastRoleSwapCurrent uint8

// Fast Role Swap current codes.
const (
	FRSNotSupported FastRoleSwapCurrent = iota
	FRSDefaultUSBPower
	FRSCurrent1A5
	FRSCurrent3A0
)

// SinkFixedSupply is a sink Fixed Supply PDO (USB PD Table 6.17).
type SinkFixedSupply uint32

// NewSinkVSafe5V builds the mandatory vSafe5V sink PDO.
func NewSinkVSafe5V(operationalCurrent10mA uint16) SinkFixedSupply {
	return NewSinkFixedSupply(100, operationalCurrent10mA)
}

// NewSinkFixedSupply builds a sink Fixed Supply PDO at the given voltage
// (50 mV units) and operational current (10 mA units).
func NewSinkFixedSupply(voltage50mV, operationalCurrent10mA uint16) SinkFixedSupply {
	return SinkFixedSupply(uint32(voltage50mV&0x3FF)<<10 | uint32(operationalCurrent10mA&0x3FF))
}

// DualRolePower reports the Dual-Role Power flag.
func (p SinkFixedSupply) DualRolePower() bool { return p&(1<<29) != 0 }

// HigherCapability reports whether the sink needs more than vSafe5V for
// full functionality.
func (p SinkFixedSupply) HigherCapability() bool { return p&(1<<28) != 0 }

// UnconstrainedPower reports the Unconstrained Power flag.
func (p SinkFixedSupply) UnconstrainedPower() bool { return p&(1<<27) != 0 }

// USBCommunicationsCapable reports the USB Communications Capable flag.
func (p SinkFixedSupply) USBCommunicationsCapable() bool { return p&(1<<26) != 0 }

// DualRoleData reports the Dual-Role Data flag.
func (p SinkFixedSupply) DualRoleData() bool { return p&(1<<25) != 0 }

// FastRoleSwap returns the Fast Role Swap required current code.
func (p SinkFixedSupply) FastRoleSwap() FastRoleSwapCurrent {
	return FastRoleSwapCurrent(uint8(p>>23) & 0b11)
}

// RawVoltage returns the voltage in 50 mV units.
func (p SinkFixedSupply) RawVoltage() uint16 { return uint16(p>>10) & 0x3FF }

// RawOperationalCurrent returns the operational current in 10 mA units.
func (p SinkFixedSupply) RawOperationalCurrent() uint16 { return uint16(p) & 0x3FF }

// SinkBattery is a sink Battery Supply PDO (USB PD Table 6.19).
type SinkBattery uint32

// RawMaxVoltage returns the maximum voltage in 50 mV units.
func (p SinkBattery) RawMaxVoltage() uint16 { return uint16(p>>20) & 0x3FF }

// RawMinVoltage returns the minimum voltage in 50 mV units.
func (p SinkBattery) RawMinVoltage() uint16 { return uint16(p>>10) & 0x3FF }

// RawOperationalPower returns the operational power in 250 mW units.
func (p SinkBattery) RawOperationalPower() uint16 { return uint16(p) & 0x3FF }

// SinkVariableSupply is a sink Variable Supply PDO (USB PD Table 6.18).
type SinkVariableSupply uint32

// RawMaxVoltage returns the maximum voltage in 50 mV units.
func (p SinkVariableSupply) RawMaxVoltage() uint16 { return uint16(p>>20) & 0x3FF }

// RawMinVoltage returns the minimum voltage in 50 mV units.
func (p SinkVariableSupply) RawMinVoltage() uint16 { return uint16(p>>10) & 0x3FF }

// RawOperationalCurrent returns the operational current in 10 mA units.
func (p SinkVariableSupply) RawOperationalCurrent() uint16 { return uint16(p) & 0x3FF }

// SinkPowerDataObject is the decoded variant of a sink PDO.
type SinkPowerDataObject struct {
	FixedSupply    *SinkFixedSupply
	Battery        *SinkBattery
	VariableSupply *SinkVariableSupply
}

// Raw returns the underlying 32 bit value.
func (p SinkPowerDataObject) Raw() uint32 {
	switch {
	case p.FixedSupply != nil:
		return uint32(*p.FixedSupply)
	case p.Battery != nil:
		return uint32(*p.Battery)
	case p.VariableSupply != nil:
		return uint32(*p.VariableSupply)
	default:
		return 0
	}
}

// SinkCapabilities is an ordered sequence of up to MaxSinkPDOs sink PDOs.
// Position 1 must be a vSafe5V fixed PDO.
type SinkCapabilities struct {
	PDOs [MaxSinkPDOs]SinkPowerDataObject
	N    int
}

// ToBytes serializes the capabilities as num little-endian raw PDOs.
func (c SinkCapabilities) ToBytes(buf []byte) int {
	for i := 0; i < c.N; i++ {
		putLeUint32(buf[i*4:], c.PDOs[i].Raw())
	}
	return c.N * 4
}

// NewVSafe5VOnlySinkCapabilities builds the minimal compliant
// SinkCapabilities advertisement: a single vSafe5V PDO.
func NewVSafe5VOnlySinkCapabilities(operationalCurrent10mA uint16) SinkCapabilities {
	v := NewSinkVSafe5V(operationalCurrent10mA)
	return SinkCapabilities{PDOs: [MaxSinkPDOs]SinkPowerDataObject{{FixedSupply: &v}}, N: 1}
}
