package message

// MaxSourcePDOs is the maximum number of PDOs a SourceCapabilities message
// may carry (USB PD 3.2 EPR extends the SPR-era 7 PDO limit to 16: 7 SPR
// positions plus up to 9 EPR positions).
const MaxSourcePDOs = 16

// SourceCapabilitiesSPRLimit is the number of leading positions reserved
// for SPR PDOs; positions beyond this are EPR-only.
const SourceCapabilitiesSPRLimit = 7

// SourceCapabilities is an ordered, 1-indexed-by-convention sequence of up
// to MaxSourcePDOs power data objects advertised by a source.
type SourceCapabilities struct {
	PDOs [MaxSourcePDOs]PowerDataObject
	N    int
}

// AtObjectPosition implements PDOKindLookup: position is 1-based per the
// USB PD spec's object_position field.
func (c SourceCapabilities) AtObjectPosition(position uint8) (Kind, bool) {
	idx := int(position) - 1
	if idx < 0 || idx >= c.N {
		return 0, false
	}
	return c.PDOs[idx].Kind(), true
}

// Pdos returns the populated PDO slice.
func (c SourceCapabilities) Pdos() []PowerDataObject {
	return c.PDOs[:c.N]
}

// VSafe5V returns the mandatory vSafe5V fixed supply at position 1, if
// the capabilities set is non-empty and correctly formed.
func (c SourceCapabilities) VSafe5V() (FixedSupply, bool) {
	if c.N == 0 || c.PDOs[0].FixedSupply == nil {
		return 0, false
	}
	return *c.PDOs[0].FixedSupply, true
}

// DualRolePower reports the vSafe5V PDO's Dual-Role Power flag.
func (c SourceCapabilities) DualRolePower() bool {
	v, ok := c.VSafe5V()
	return ok && v.DualRolePower()
}

// USBSuspendSupported reports the vSafe5V PDO's USB Suspend Supported flag.
func (c SourceCapabilities) USBSuspendSupported() bool {
	v, ok := c.VSafe5V()
	return ok && v.USBSuspendSupported()
}

// UnconstrainedPower reports the vSafe5V PDO's Unconstrained Power flag.
func (c SourceCapabilities) UnconstrainedPower() bool {
	v, ok := c.VSafe5V()
	return ok && v.UnconstrainedPower()
}

// DualRoleData reports the vSafe5V PDO's Dual-Role Data flag.
func (c SourceCapabilities) DualRoleData() bool {
	v, ok := c.VSafe5V()
	return ok && v.DualRoleData()
}

// UnchunkedExtendedMessagesSupported reports the vSafe5V PDO's flag of the
// same name.
func (c SourceCapabilities) UnchunkedExtendedMessagesSupported() bool {
	v, ok := c.VSafe5V()
	return ok && v.UnchunkedExtendedMessagesSupported()
}

// EPRModeCapable reports the vSafe5V PDO's EPR Mode Capable flag.
func (c SourceCapabilities) EPRModeCapable() bool {
	v, ok := c.VSafe5V()
	return ok && v.EPRModeCapable()
}

// IsEPRCapabilities reports whether this capabilities set carries EPR PDOs
// (more than the SPR-era 7 position limit).
func (c SourceCapabilities) IsEPRCapabilities() bool {
	return c.N > SourceCapabilitiesSPRLimit
}

// SPRPdos returns the first 7 positions, with zero-padding filtered out.
func (c SourceCapabilities) SPRPdos() []PowerDataObject {
	limit := c.N
	if limit > SourceCapabilitiesSPRLimit {
		limit = SourceCapabilitiesSPRLimit
	}
	out := make([]PowerDataObject, 0, limit)
	for _, p := range c.PDOs[:limit] {
		if !p.IsZeroPadding() {
			out = append(out, p)
		}
	}
	return out
}

// EPRPdos returns the positions beyond the SPR limit (8 and up).
func (c SourceCapabilities) EPRPdos() []PowerDataObject {
	if c.N <= SourceCapabilitiesSPRLimit {
		return nil
	}
	return c.PDOs[SourceCapabilitiesSPRLimit:c.N]
}

// HasEPRPdoInSPRPositions reports whether any of positions 1..7 carries an
// EPR-range fixed supply (voltage above 20 V) or an EPR Augmented PDO.
// Per USB PD 3.2 Section 8.3.3.3.8, observing this combination while the
// sink is already in EPR mode is a protocol violation that must trigger a
// hard reset.
func (c SourceCapabilities) HasEPRPdoInSPRPositions() bool {
	limit := c.N
	if limit > SourceCapabilitiesSPRLimit {
		limit = SourceCapabilitiesSPRLimit
	}
	for _, p := range c.PDOs[:limit] {
		if p.FixedSupply != nil && p.FixedSupply.Voltage() > 20000 {
			return true
		}
		if p.Augmented != nil && p.Augmented.Epr != nil {
			return true
		}
	}
	return false
}

// ParseSourceCapabilities decodes a sequence of num raw little-endian PDOs
// from payload.
func ParseSourceCapabilities(payload []byte, num int) SourceCapabilities {
	var c SourceCapabilities
	for i := 0; i < num && (i+1)*4 <= len(payload); i++ {
		raw := leUint32(payload[i*4:])
		c.PDOs[i] = ParseRawPDO(raw)
		c.N++
	}
	return c
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
