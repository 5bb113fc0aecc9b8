package message

// ExtendedHeader is the 16 bit header immediately following the message
// Header for an extended message (USB PD Section 6.2.1.3).
type ExtendedHeader uint16

// DataSize returns the total reassembled payload length in bytes (0-260).
func (h ExtendedHeader) DataSize() uint16 { return uint16(h) & 0x1FF }

// SetDataSize sets the total reassembled payload length.
func (h *ExtendedHeader) SetDataSize(n uint16) {
	*h = (*h &^ 0x1FF) | ExtendedHeader(n&0x1FF)
}

// RequestChunk reports the Request Chunk flag.
func (h ExtendedHeader) RequestChunk() bool { return h&(1<<10) != 0 }

// SetRequestChunk sets the Request Chunk flag.
func (h *ExtendedHeader) SetRequestChunk(v bool) {
	if v {
		*h |= 1 << 10
	} else {
		*h &^= 1 << 10
	}
}

// ChunkNumber returns the 4 bit chunk number.
func (h ExtendedHeader) ChunkNumber() uint8 { return uint8(h>>11) & 0xF }

// SetChunkNumber sets the chunk number.
func (h *ExtendedHeader) SetChunkNumber(n uint8) {
	*h = (*h &^ (0xF << 11)) | ExtendedHeader(n&0xF)<<11
}

// Chunked reports the Chunked flag.
func (h ExtendedHeader) Chunked() bool { return h&(1<<15) != 0 }

// SetChunked sets the Chunked flag.
func (h *ExtendedHeader) SetChunked(v bool) {
	if v {
		*h |= 1 << 15
	} else {
		*h &^= 1 << 15
	}
}

// ExtendedHeaderFromBytes parses a little-endian 2 byte extended header.
func ExtendedHeaderFromBytes(b []byte) ExtendedHeader {
	return ExtendedHeader(uint16(b[0]) | uint16(b[1])<<8)
}

// ToBytes serializes the extended header.
func (h ExtendedHeader) ToBytes(b []byte) {
	b[0] = byte(h)
	b[1] = byte(h >> 8)
}

// ExtendedControlMessageType enumerates Extended Control message subtypes
// (USB PD Table 6.8a).
type ExtendedControlMessageType uint8

// Extended control message types.
const (
	ExtendedControlEPRGetSourceCap ExtendedControlMessageType = 0x01
	ExtendedControlEPRGetSinkCap   ExtendedControlMessageType = 0x02
	ExtendedControlEPRKeepAlive    ExtendedControlMessageType = 0x03
	ExtendedControlEPRKeepAliveAck ExtendedControlMessageType = 0x04
)

// ExtendedControl is the 16 bit payload of an Extended_Control message.
type ExtendedControl uint16

// NewExtendedControl builds an Extended_Control payload.
func NewExtendedControl(t ExtendedControlMessageType, data uint8) ExtendedControl {
	return ExtendedControl(data)<<8 | ExtendedControl(t)
}

// MessageType returns the extended control message subtype.
func (c ExtendedControl) MessageType() ExtendedControlMessageType {
	return ExtendedControlMessageType(c)
}

// Data returns the 8 bit data field.
func (c ExtendedControl) Data() uint8 { return uint8(c >> 8) }

// ExtendedControlFromBytes parses a little-endian 2 byte payload.
func ExtendedControlFromBytes(b []byte) ExtendedControl {
	return ExtendedControl(uint16(b[0]) | uint16(b[1])<<8)
}

// ToBytes serializes the extended control payload.
func (c ExtendedControl) ToBytes(b []byte) int {
	b[0] = byte(c)
	b[1] = byte(c >> 8)
	return 2
}

// Extended is the decoded payload of a (possibly reassembled) extended
// message. The extended header itself is not retained: Chunked is always
// false and ChunkNumber 0 by the time a caller sees this type, since the
// protocol layer fully reassembles chunked messages before decoding them.
type Extended struct {
	SourceCapabilitiesExtended bool
	Control                    *ExtendedControl
	EPRSourceCapabilities      *SourceCapabilities
	EPRSinkCapabilities        *SinkCapabilities
	Unknown                    bool
}

// ToBytes serializes the extended payload, prefixed with a non-chunked
// extended header carrying the correct data size.
func (e Extended) ToBytes(buf []byte) int {
	var body [MaxExtendedBytes]byte
	n := 0
	switch {
	case e.Control != nil:
		n = e.Control.ToBytes(body[:])
	case e.EPRSourceCapabilities != nil:
		for _, p := range e.EPRSourceCapabilities.Pdos() {
			putLeUint32(body[n:], p.Raw())
			n += 4
		}
	case e.EPRSinkCapabilities != nil:
		n = e.EPRSinkCapabilities.ToBytes(body[:])
	}
	var eh ExtendedHeader
	eh.SetDataSize(uint16(n))
	eh.ToBytes(buf)
	copy(buf[2:], body[:n])
	return 2 + n
}

// ChunkedExtendedHeader peeks at the extended header of a wire payload
// (the bytes immediately following the 2 byte message Header) without
// decoding the body. The protocol layer uses this to decide whether a
// received extended message needs chunk reassembly before it can be
// handed to DecodeMessage.
func ChunkedExtendedHeader(payload []byte) (ExtendedHeader, error) {
	if len(payload) < 2 {
		return 0, errInvalidLength(2, len(payload))
	}
	return ExtendedHeaderFromBytes(payload), nil
}

// parseExtended decodes a non-chunked extended message's payload: the 2
// byte extended header followed by its body.
func parseExtended(t ExtendedMessageType, payload []byte) (Extended, error) {
	if len(payload) < 2 {
		return Extended{}, errInvalidLength(2, len(payload))
	}
	eh := ExtendedHeaderFromBytes(payload)
	return finalizeExtended(t, payload[2:2+int(eh.DataSize())])
}

// finalizeExtended decodes an already-reassembled extended body (no
// extended header prefix): either the body of a single-chunk message, or
// the fully reassembled payload the chunk assembler produced.
func finalizeExtended(t ExtendedMessageType, body []byte) (Extended, error) {
	switch t {
	case ExtendedExtendedControl:
		if len(body) < 2 {
			return Extended{}, errInvalidLength(2, len(body))
		}
		c := ExtendedControlFromBytes(body)
		return Extended{Control: &c}, nil
	case ExtendedSourceCapabilitiesExtended:
		return Extended{SourceCapabilitiesExtended: true}, nil
	case ExtendedEPRSourceCapabilities:
		c := ParseEPRSourceCapabilities(body)
		return Extended{EPRSourceCapabilities: &c}, nil
	case ExtendedEPRSinkCapabilities:
		c := ParseEPRSinkCapabilities(body)
		return Extended{EPRSinkCapabilities: &c}, nil
	default:
		return Extended{Unknown: true}, nil
	}
}

// FinalizeExtended decodes an already-reassembled extended message body
// (no extended header prefix) per its message type. The protocol layer
// calls this once the chunk assembler reports a complete payload.
func FinalizeExtended(t ExtendedMessageType, body []byte) (Extended, error) {
	return finalizeExtended(t, body)
}
