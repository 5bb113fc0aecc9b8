package message

import "fmt"

// ParseError describes a failure to parse a message from wire bytes.
type ParseError struct {
	// Kind names the failure.
	Kind string
	// Expected and Found carry extra context for length-mismatch errors.
	Expected, Found int
	// Value carries the offending raw value for unsupported-field errors.
	Value uint8
	// Msg carries a free-form description for Kind == "other".
	Msg string
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case "invalid_length":
		return fmt.Sprintf("message: invalid buffer length (expected %d, found %d)", e.Expected, e.Found)
	case "unsupported_spec_revision":
		return fmt.Sprintf("message: unsupported specification revision %d", e.Value)
	case "invalid_message_type":
		return fmt.Sprintf("message: unknown or reserved message type %#x", e.Value)
	case "invalid_data_message_type":
		return fmt.Sprintf("message: unknown or reserved data message type %#x", e.Value)
	case "invalid_control_message_type":
		return fmt.Sprintf("message: unknown or reserved control message type %#x", e.Value)
	case "chunked_requires_reassembly":
		return "message: chunked extended message requires protocol-layer reassembly"
	default:
		return "message: " + e.Msg
	}
}

func errInvalidLength(expected, found int) error {
	return &ParseError{Kind: "invalid_length", Expected: expected, Found: found}
}

// Payload is the decoded body of a data or extended message.
type Payload struct {
	Data     *Data
	Extended *Extended
}

// Message is a fully decoded USB PD message.
type Message struct {
	Header  Header
	Payload *Payload
}

// NewMessage builds a message with no payload (a control message, or a
// placeholder before a payload is attached).
func NewMessage(h Header) Message {
	return Message{Header: h}
}

// NewDataMessage builds a message carrying a data payload.
func NewDataMessage(h Header, d Data) Message {
	return Message{Header: h, Payload: &Payload{Data: &d}}
}

// NewExtendedMessage builds a message carrying an extended payload.
func NewExtendedMessage(h Header, e Extended) Message {
	return Message{Header: h, Payload: &Payload{Extended: &e}}
}

// ToBytes serializes the message and returns the number of bytes written.
// buf must be at least MaxMessageBytes (or MaxExtendedBytes+4 for extended
// messages) long.
func (m Message) ToBytes(buf []byte) int {
	m.Header.ToBytes(buf)
	n := 2
	if m.Payload == nil {
		return n
	}
	switch {
	case m.Payload.Data != nil:
		n += m.Payload.Data.ToBytes(buf[2:])
	case m.Payload.Extended != nil:
		n += m.Payload.Extended.ToBytes(buf[2:])
	}
	return n
}

// DecodeMessage parses a non-chunked message from wire bytes. Chunked
// extended messages must be reassembled by the protocol layer before
// reaching this function; see protocol.Layer.
func DecodeMessage(data []byte, lookup PDOKindLookup) (Message, error) {
	if len(data) < 2 {
		return Message{}, errInvalidLength(2, len(data))
	}
	h := HeaderFromBytes(data[:2])
	msg := NewMessage(h)
	payload := data[2:]

	mt := h.MessageType()
	switch {
	case h.IsExtended():
		eh, err := ChunkedExtendedHeader(payload)
		if err != nil {
			return Message{}, err
		}
		if eh.Chunked() {
			return Message{}, &ParseError{Kind: "chunked_requires_reassembly"}
		}
		ext, err := parseExtended(mt.Extended, payload)
		if err != nil {
			return Message{}, err
		}
		msg.Payload = &Payload{Extended: &ext}
		return msg, nil
	case h.IsData():
		d, err := parseData(msg, mt.Data, payload, lookup)
		if err != nil {
			return Message{}, err
		}
		msg.Payload = &Payload{Data: &d}
		return msg, nil
	default:
		return msg, nil
	}
}

// PDOKindLookup resolves the PDO kind previously advertised at a given
// 1-based object position, so an incoming Request's RDO can be decoded
// into the matching variant. The sink policy engine supplies its cached
// SourceCapabilities; tests may supply a stub.
type PDOKindLookup interface {
	AtObjectPosition(position uint8) (Kind, bool)
}

// NoPDOLookup always reports no PDO at any position; Request messages
// decode as a PowerSource with UnknownRaw set when no lookup is available.
type NoPDOLookup struct{}

// AtObjectPosition implements PDOKindLookup.
func (NoPDOLookup) AtObjectPosition(uint8) (Kind, bool) { return 0, false }
