package dummy

import "github.com/elagil/go-usbpd/message"

// SourceCapabilities returns a canned 7-PDO SPR source capabilities
// advertisement, matching the fixture the original Rust implementation
// ships for its own tests:
//
//   - Fixed 5V @ 3A (unconstrained power)
//   - Fixed 9V @ 3A
//   - Fixed 15V @ 3A
//   - Fixed 20V @ 2.25A
//   - PPS 3.3-11V @ 5A
//   - PPS 3.3-16V @ 3A
//   - PPS 3.3-21V @ 2.25A
func SourceCapabilities() message.SourceCapabilities {
	var c message.SourceCapabilities
	raws := []uint32{
		fixedRaw(100, 300, true),
		fixedRaw(180, 300, false),
		fixedRaw(300, 300, false),
		fixedRaw(400, 225, false),
		ppsRaw(33, 110, 100, true),
		ppsRaw(33, 160, 60, true),
		ppsRaw(33, 210, 45, true),
	}
	for i, raw := range raws {
		c.PDOs[i] = message.ParseRawPDO(raw)
	}
	c.N = len(raws)
	return c
}

// fixedRaw builds a raw Fixed Supply PDO: voltage in 50 mV units, max
// current in 10 mA units.
func fixedRaw(voltage, maxCurrent uint16, unconstrainedPower bool) uint32 {
	raw := uint32(voltage&0x3FF)<<10 | uint32(maxCurrent&0x3FF)
	if unconstrainedPower {
		raw |= 1 << 27
	}
	return raw
}

// ppsRaw builds a raw SPR Programmable Power Supply (PPS) Augmented PDO:
// voltages in 100 mV units, max current in 50 mA units.
func ppsRaw(minVoltage, maxVoltage, maxCurrent uint16, powerLimited bool) uint32 {
	raw := uint32(0b11) << 30 // Augmented kind
	raw |= uint32(maxVoltage&0xFF) << 17
	raw |= uint32(minVoltage&0xFF) << 8
	raw |= uint32(maxCurrent & 0x7F)
	if powerLimited {
		raw |= 1 << 27
	}
	return raw
}

// EPRSourceCapabilities returns the same 7 SPR PDOs as SourceCapabilities,
// plus one EPR-only Fixed Supply PDO at position 8: 28V @ 5A. Large enough
// (32 bytes) that it never fits a single 26 byte chunk, so it doubles as
// the fixture for exercising chunked EPR_Source_Capabilities reassembly.
func EPRSourceCapabilities() message.SourceCapabilities {
	c := SourceCapabilities()
	c.PDOs[c.N] = message.ParseRawPDO(fixedRaw(560, 500, false)) // 28V @ 5A
	c.N++
	return c
}
