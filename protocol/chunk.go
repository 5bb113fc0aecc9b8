package protocol

import "github.com/elagil/go-usbpd/message"

// assembler reassembles a chunked extended message across multiple
// received chunks. Its zero value is ready to use.
//
// Invariant: inProgress implies headerSet is true (USB PD 3.x Section
// 6.6.3); each fed chunk body is at most message.MaxChunkBytes long.
type assembler struct {
	buffer        [message.MaxExtendedBytes]byte
	expectedSize  int
	receivedBytes int
	nextChunk     uint8
	messageType   message.ExtendedMessageType
	header        message.Header
	headerSet     bool
	inProgress    bool
}

// InProgress reports whether a multi-chunk assembly is underway.
func (a *assembler) InProgress() bool { return a.inProgress }

// Reset clears assembler state, discarding any partial assembly. Called
// whenever the protocol layer itself resets (soft/hard reset, re-attach).
func (a *assembler) Reset() {
	*a = assembler{}
}

// Feed appends one received chunk. chunkNumber 0 starts a new assembly
// (header and messageType are recorded from that first chunk). It
// returns the fully reassembled payload and done=true once every byte has
// arrived, or done=false if another chunk is needed.
func (a *assembler) Feed(header message.Header, eh message.ExtendedHeader, mt message.ExtendedMessageType, body []byte) (payload []byte, done bool, err error) {
	chunkNumber := eh.ChunkNumber()

	if chunkNumber == 0 {
		if a.inProgress {
			return nil, false, ErrParserReuse
		}
		a.inProgress = true
		a.headerSet = true
		a.header = header
		a.messageType = mt
		a.expectedSize = int(eh.DataSize())
		if a.expectedSize > message.MaxExtendedBytes {
			a.expectedSize = message.MaxExtendedBytes
		}
		a.receivedBytes = 0
		a.nextChunk = 0
	}

	if !a.inProgress {
		return nil, false, ErrParserReuse
	}
	if chunkNumber != a.nextChunk {
		got, max := int(chunkNumber), int(a.nextChunk)
		a.Reset()
		return nil, false, &ChunkOverflowError{Got: got, Max: max}
	}

	remaining := a.expectedSize - a.receivedBytes
	n := len(body)
	if n > remaining {
		n = remaining
	}
	copy(a.buffer[a.receivedBytes:], body[:n])
	a.receivedBytes += n
	a.nextChunk++

	if a.receivedBytes < a.expectedSize {
		return nil, false, nil
	}

	out := make([]byte, a.expectedSize)
	copy(out, a.buffer[:a.expectedSize])
	a.Reset()
	return out, true, nil
}

// MessageType returns the extended message type recorded from chunk 0 of
// the in-progress assembly.
func (a *assembler) MessageType() message.ExtendedMessageType { return a.messageType }

// Header returns the header template recorded from chunk 0 of the
// in-progress assembly, used to build a matching chunk-request frame.
func (a *assembler) Header() message.Header { return a.header }

// NextChunk returns the chunk number the assembler expects next, for
// building a chunk-request frame.
func (a *assembler) NextChunk() uint8 { return a.nextChunk }

// splitChunks splits a reassembled extended payload into
// message.MaxChunkBytes-sized chunks for transmission. A zero-length
// payload still yields one (empty) chunk, since every extended message
// has at least a chunk 0.
func splitChunks(body []byte) [][]byte {
	if len(body) == 0 {
		return [][]byte{nil}
	}
	chunks := make([][]byte, 0, (len(body)+message.MaxChunkBytes-1)/message.MaxChunkBytes)
	for i := 0; i < len(body); i += message.MaxChunkBytes {
		end := i + message.MaxChunkBytes
		if end > len(body) {
			end = len(body)
		}
		chunks = append(chunks, body[i:end])
	}
	return chunks
}
