package message

// VDMType distinguishes structured from unstructured Vendor Defined
// Messages (USB PD Section 6.4.4).
type VDMType uint8

// VDM types.
const (
	VDMUnstructured VDMType = iota
	VDMStructured
)

// VDMHeader is the first 32 bit object of a Vendor_Defined data message.
// Vendor-defined messages are parsed for protocol-layer completeness but
// are not acted upon by the sink policy engine (per spec's Non-goals).
type VDMHeader struct {
	Type VDMType
	Raw  uint32
}

// SVID returns the Standard or Vendor ID field common to both VDM header
// shapes.
func (h VDMHeader) SVID() uint16 { return uint16(h.Raw >> 16) }

func parseVDMHeader(raw uint32) VDMHeader {
	// Bit 15 distinguishes structured (1) from unstructured (0) VDMs.
	if raw&(1<<15) != 0 {
		return VDMHeader{Type: VDMStructured, Raw: raw}
	}
	return VDMHeader{Type: VDMUnstructured, Raw: raw}
}

// VendorDefined is the decoded payload of a Vendor_Defined data message:
// its header plus up to 7 additional vendor-specific data objects.
type VendorDefined struct {
	Header VDMHeader
	Data   [7]uint32
	N      int
}
