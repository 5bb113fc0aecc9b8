// Package message defines types to encode and decode USB Power Delivery
// messages: headers, power/request data objects, and extended payloads.
// The codec is pure: no I/O, no allocation beyond the returned values.
package message

// MaxDataObjects is the maximum number of data objects a non-extended
// message can carry, as set by the standard.
const MaxDataObjects = 7

// MaxMessageBytes is the maximum size of a non-extended message: a 2 byte
// header plus up to MaxDataObjects 32 bit data objects.
const MaxMessageBytes = 2 + 4*MaxDataObjects

// MaxExtendedBytes is the maximum size of a reassembled extended message
// payload (USB PD 3.x Section 6.4.1.1).
const MaxExtendedBytes = 260

// MaxChunkBytes is the maximum size of a single extended message chunk.
const MaxChunkBytes = 26

// Header represents the 16 bit USB PD message header.
type Header uint16

// IsExtended returns true if the extended flag is set.
func (h Header) IsExtended() bool {
	return h&(1<<15) != 0
}

// SetExtended sets the extended flag.
func (h *Header) SetExtended(e bool) {
	var b Header
	if e {
		b = 1 << 15
	}
	*h = (*h &^ (1 << 15)) | b
}

// NumDataObjects returns the number of data objects following the header.
// Zero means a control message.
func (h Header) NumDataObjects() uint8 {
	return uint8((h >> 12) & 0b111)
}

// SetNumDataObjects sets the number of data objects following the header.
func (h *Header) SetNumDataObjects(n uint8) {
	*h = (*h &^ (0b111 << 12)) | Header(n&0b111)<<12
}

// MessageID returns the message ID, wrapping modulo 8.
func (h Header) MessageID() uint8 {
	return uint8((h >> 9) & 0b111)
}

// SetMessageID sets the message ID.
func (h *Header) SetMessageID(id uint8) {
	*h = (*h &^ (0b111 << 9)) | Header(id&0b111)<<9
}

// PowerRole returns the power role of the sender.
func (h Header) PowerRole() PowerRole {
	return PowerRole((h >> 8) & 1)
}

// SetPowerRole sets the power role of the sender.
func (h *Header) SetPowerRole(r PowerRole) {
	*h = (*h &^ (1 << 8)) | Header(r&1)<<8
}

// SpecRevision returns the spec revision carried by the header.
func (h Header) SpecRevision() SpecRevision {
	return SpecRevision((h >> 6) & 0b11)
}

// SetSpecRevision sets the spec revision carried by the header.
func (h *Header) SetSpecRevision(r SpecRevision) {
	*h = (*h &^ (0b11 << 6)) | Header(r&0b11)<<6
}

// DataRole returns the data role of the sender.
func (h Header) DataRole() DataRole {
	return DataRole((h >> 5) & 1)
}

// SetDataRole sets the data role of the sender.
func (h *Header) SetDataRole(r DataRole) {
	*h = (*h &^ (1 << 5)) | Header(r&1)<<5
}

// rawMessageType returns the 5 bit message type field, to be interpreted
// according to IsData/IsExtended.
func (h Header) rawMessageType() uint8 {
	return uint8(h & 0b11111)
}

func (h *Header) setRawMessageType(t uint8) {
	*h = (*h &^ 0b11111) | Header(t&0b11111)
}

// IsData returns true if the header describes a data message (as opposed
// to a control message). Only meaningful when IsExtended is false.
func (h Header) IsData() bool {
	return h.NumDataObjects() > 0
}

// MessageType decodes the 5 bit type field into a typed message type,
// dispatching on NumDataObjects/IsExtended the way the PD spec does.
func (h Header) MessageType() MessageType {
	raw := h.rawMessageType()
	switch {
	case h.IsExtended():
		return MessageType{Extended: ExtendedMessageType(raw)}
	case h.IsData():
		return MessageType{Data: DataMessageType(raw)}
	default:
		return MessageType{Control: ControlMessageType(raw)}
	}
}

// NewControlHeader builds a header for a control message.
func NewControlHeader(t ControlMessageType, id uint8, role PowerRole, dataRole DataRole, rev SpecRevision) Header {
	var h Header
	h.setRawMessageType(uint8(t))
	h.SetMessageID(id)
	h.SetPowerRole(role)
	h.SetDataRole(dataRole)
	h.SetSpecRevision(rev)
	return h
}

// NewDataHeader builds a header for a data message carrying n data objects.
func NewDataHeader(t DataMessageType, id uint8, n uint8, role PowerRole, dataRole DataRole, rev SpecRevision) Header {
	var h Header
	h.setRawMessageType(uint8(t))
	h.SetNumDataObjects(n)
	h.SetMessageID(id)
	h.SetPowerRole(role)
	h.SetDataRole(dataRole)
	h.SetSpecRevision(rev)
	return h
}

// NewExtendedHeader builds a header for an extended message.
func NewExtendedHeader(t ExtendedMessageType, id uint8, role PowerRole, dataRole DataRole, rev SpecRevision) Header {
	var h Header
	h.SetExtended(true)
	h.setRawMessageType(uint8(t))
	h.SetMessageID(id)
	h.SetPowerRole(role)
	h.SetDataRole(dataRole)
	h.SetSpecRevision(rev)
	return h
}

// HeaderFromBytes parses a little-endian 2 byte header.
func HeaderFromBytes(b []byte) Header {
	return Header(uint16(b[0]) | uint16(b[1])<<8)
}

// ToBytes serializes the header to 2 little-endian bytes.
func (h Header) ToBytes(b []byte) {
	b[0] = byte(h)
	b[1] = byte(h >> 8)
}

// PowerRole is the power role of a message's sender.
type PowerRole uint8

// Power roles.
const (
	PowerRoleSink PowerRole = iota
	PowerRoleSource
)

// DataRole is the data role of a message's sender.
type DataRole uint8

// Data roles.
const (
	DataRoleUFP DataRole = iota
	DataRoleDFP
)

// SpecRevision is the USB PD specification revision carried by a header.
type SpecRevision uint8

// Specification revisions.
const (
	SpecRevision1_0 SpecRevision = iota
	SpecRevision2_0
	SpecRevision3_0
)

// ControlMessageType enumerates control message types (USB PD Table 6.5).
type ControlMessageType uint8

// Control message types.
const (
	ControlGoodCRC             ControlMessageType = 0x01
	ControlGotoMin             ControlMessageType = 0x02
	ControlAccept              ControlMessageType = 0x03
	ControlReject              ControlMessageType = 0x04
	ControlPing                ControlMessageType = 0x05
	ControlPSRdy               ControlMessageType = 0x06
	ControlGetSourceCap        ControlMessageType = 0x07
	ControlGetSinkCap          ControlMessageType = 0x08
	ControlDRSwap              ControlMessageType = 0x09
	ControlPRSwap              ControlMessageType = 0x0A
	ControlVconnSwap           ControlMessageType = 0x0B
	ControlWait                ControlMessageType = 0x0C
	ControlSoftReset           ControlMessageType = 0x0D
	ControlDataReset           ControlMessageType = 0x0E
	ControlDataResetComplete   ControlMessageType = 0x0F
	ControlNotSupported        ControlMessageType = 0x10
	ControlGetSourceCapExt     ControlMessageType = 0x11
	ControlGetStatus           ControlMessageType = 0x12
	ControlFRSwap              ControlMessageType = 0x13
	ControlGetPPSStatus        ControlMessageType = 0x14
	ControlGetCountryCodes     ControlMessageType = 0x15
	ControlGetSinkCapExt       ControlMessageType = 0x16
	ControlGetSourceInfo       ControlMessageType = 0x17
	ControlGetRevision         ControlMessageType = 0x18
)

// DataMessageType enumerates data message types (USB PD Table 6.6).
type DataMessageType uint8

// Data message types.
const (
	DataSourceCapabilities DataMessageType = 0x01
	DataRequest            DataMessageType = 0x02
	DataBIST               DataMessageType = 0x03
	DataSinkCapabilities   DataMessageType = 0x04
	DataBatteryStatus      DataMessageType = 0x05
	DataAlert              DataMessageType = 0x06
	DataGetCountryInfo     DataMessageType = 0x07
	DataEnterUSB           DataMessageType = 0x08
	DataEPRRequest         DataMessageType = 0x09
	DataEPRMode            DataMessageType = 0x0A
	DataSourceInfo         DataMessageType = 0x0B
	DataRevision           DataMessageType = 0x0C
	DataVendorDefined      DataMessageType = 0x0F
)

// ExtendedMessageType enumerates extended message types relevant to a sink
// (USB PD Table 6.7). Every value from 0x01 to 0x12 is named; a type the
// decoder does not parse yields an Extended with Unknown set.
type ExtendedMessageType uint8

// Extended message types.
const (
	ExtendedSourceCapabilitiesExtended ExtendedMessageType = 0x01
	ExtendedStatus                     ExtendedMessageType = 0x02
	ExtendedGetBatteryCap              ExtendedMessageType = 0x03
	ExtendedGetBatteryStatus           ExtendedMessageType = 0x04
	ExtendedBatteryCapabilities        ExtendedMessageType = 0x05
	ExtendedGetManufacturerInfo        ExtendedMessageType = 0x06
	ExtendedManufacturerInfo           ExtendedMessageType = 0x07
	ExtendedSecurityRequest            ExtendedMessageType = 0x08
	ExtendedSecurityResponse           ExtendedMessageType = 0x09
	ExtendedFirmwareUpdateRequest      ExtendedMessageType = 0x0A
	ExtendedFirmwareUpdateResponse     ExtendedMessageType = 0x0B
	ExtendedPPSStatus                  ExtendedMessageType = 0x0C
	ExtendedCountryInfo                ExtendedMessageType = 0x0D
	ExtendedCountryCodes               ExtendedMessageType = 0x0E
	ExtendedSinkCapabilitiesExtended   ExtendedMessageType = 0x0F
	ExtendedExtendedControl            ExtendedMessageType = 0x10
	ExtendedEPRSourceCapabilities      ExtendedMessageType = 0x11
	ExtendedEPRSinkCapabilities        ExtendedMessageType = 0x12
)

// MessageType is the decoded type of a message: exactly one field is
// meaningful, determined by the header's extended/data-object-count fields.
type MessageType struct {
	Control  ControlMessageType
	Data     DataMessageType
	Extended ExtendedMessageType
}
