package protocol

import (
	"errors"
	"fmt"
)

// Errors surfaced by Layer, mirroring the protocol-layer error taxonomy:
// the sink policy engine maps each of these to a state transition rather
// than treating them as fatal.
var (
	// ErrRetriesExhausted is returned by Layer.Transmit when the retry
	// budget is spent without a matching GoodCRC.
	ErrRetriesExhausted = errors.New("protocol: retries exhausted")

	// ErrHardReset is returned by any in-flight Layer operation that was
	// interrupted by a hard reset, observed either from usbpd.Driver or
	// by the port partner's own hard reset signalling.
	ErrHardReset = errors.New("protocol: hard reset")

	// ErrSoftReset is returned by Layer.ReceiveMessage when the port
	// partner sent a Soft_Reset control message.
	ErrSoftReset = errors.New("protocol: soft reset requested")

	// ErrReceiveTimeout is returned by Layer.ReceiveMessageType when its
	// timer fires before a matching message arrives.
	ErrReceiveTimeout = errors.New("protocol: receive timeout")

	// ErrUnexpectedMessage is returned by Layer.ReceiveMessageType when a
	// message of a type outside the allowed set arrives.
	ErrUnexpectedMessage = errors.New("protocol: unexpected message type")

	// ErrUnsupportedMessage is returned when a message is recognized but
	// not supported in the current context (reserved for callers; Layer
	// itself never returns this directly).
	ErrUnsupportedMessage = errors.New("protocol: unsupported message")

	// ErrParserReuse is returned when chunk 0 of a new extended message
	// arrives while a previous chunked assembly is still in progress.
	ErrParserReuse = errors.New("protocol: chunked assembler reused mid-assembly")
)

// ChunkOverflowError reports a chunk whose number does not match the
// assembler's expected next chunk.
type ChunkOverflowError struct {
	Got, Max int
}

func (e *ChunkOverflowError) Error() string {
	return fmt.Sprintf("protocol: chunk overflow (got %d, expected %d)", e.Got, e.Max)
}
