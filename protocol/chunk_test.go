package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/elagil/go-usbpd/message"
)

// TestAssemblerFeedReassemblesSplitPayload pins the invariant from the
// extended message chunking section: feeding back every chunk splitChunks() returns for
// a payload must return that same payload, from fresh and independent
// storage rather than a slice aliasing the assembler's internal buffer
// (which Reset zeroes on every completed assembly).
func TestAssemblerFeedReassemblesSplitPayload(t *testing.T) {
	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	h := message.NewExtendedHeader(message.ExtendedEPRSourceCapabilities, 0, message.PowerRoleSource, message.DataRoleDFP, message.SpecRevision3_0)
	mt := message.ExtendedEPRSourceCapabilities

	var a assembler
	var out []byte
	for i, chunk := range splitChunks(payload) {
		var eh message.ExtendedHeader
		eh.SetChunked(true)
		eh.SetChunkNumber(uint8(i))
		eh.SetDataSize(uint16(len(payload)))

		got, done, err := a.Feed(h, eh, mt, chunk)
		if err != nil {
			t.Fatalf("Feed chunk %d: %v", i, err)
		}
		if done {
			out = got
		}
	}

	if out == nil {
		t.Fatal("assembler never reported completion")
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("reassembled payload = %v, want %v", out, payload)
	}

	// out must not alias a.buffer: Reset (already applied by Feed on
	// completion) zeroed that buffer, so writing into an aliased out
	// would corrupt it right back.
	for i := range out {
		out[i] = 0xFF
	}
	if a.buffer[0] == 0xFF {
		t.Fatal("reassembled payload aliases the assembler's internal buffer")
	}
}

// TestAssemblerFeedRejectsOutOfOrderChunk exercises the chunk-overflow
// error path: a chunk number other than the next expected one resets the
// assembler and reports ChunkOverflowError rather than silently
// accepting bytes in the wrong position.
func TestAssemblerFeedRejectsOutOfOrderChunk(t *testing.T) {
	h := message.NewExtendedHeader(message.ExtendedEPRSourceCapabilities, 0, message.PowerRoleSource, message.DataRoleDFP, message.SpecRevision3_0)
	mt := message.ExtendedEPRSourceCapabilities

	var a assembler
	var eh0 message.ExtendedHeader
	eh0.SetChunked(true)
	eh0.SetChunkNumber(0)
	eh0.SetDataSize(32)
	if _, done, err := a.Feed(h, eh0, mt, make([]byte, message.MaxChunkBytes)); err != nil || done {
		t.Fatalf("chunk 0: done=%v err=%v", done, err)
	}

	var eh2 message.ExtendedHeader
	eh2.SetChunked(true)
	eh2.SetChunkNumber(2)
	_, done, err := a.Feed(h, eh2, mt, make([]byte, 6))
	if done {
		t.Fatal("out-of-order chunk reported completion")
	}
	var overflow *ChunkOverflowError
	if !errors.As(err, &overflow) {
		t.Fatalf("err = %v, want *ChunkOverflowError", err)
	}
	if a.InProgress() {
		t.Fatal("assembler left in-progress after a rejected chunk")
	}
}
