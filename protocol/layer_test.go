package protocol_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elagil/go-usbpd/dummy"
	"github.com/elagil/go-usbpd/message"
	"github.com/elagil/go-usbpd/protocol"
)

func newLayer() (*protocol.Layer[*dummy.Driver, *dummy.Timer], *dummy.Driver, *dummy.Timer) {
	driver := dummy.NewDriver()
	timer := dummy.NewTimer()
	return protocol.NewLayer[*dummy.Driver, *dummy.Timer](driver, timer), driver, timer
}

func injectGoodCRC(driver *dummy.Driver, id uint8) {
	h := message.NewControlHeader(message.ControlGoodCRC, id, message.PowerRoleSource, message.DataRoleDFP, message.SpecRevision3_0)
	var buf [2]byte
	h.ToBytes(buf[:])
	driver.InjectReceived(buf[:])
}

func TestTransmitControlMessageSucceedsOnMatchingGoodCRC(t *testing.T) {
	layer, driver, _ := newLayer()
	injectGoodCRC(driver, 0)

	err := layer.TransmitControlMessage(context.Background(), message.ControlGetSourceCap)
	require.NoError(t, err)

	sent := driver.TakeTransmitted()
	require.NotNil(t, sent)
	h := message.HeaderFromBytes(sent[:2])
	assert.Equal(t, message.ControlGetSourceCap, h.MessageType().Control)
	assert.Equal(t, uint8(0), h.MessageID())
}

func TestTransmitRetriesExhaustedWithoutGoodCRC(t *testing.T) {
	layer, _, timer := newLayer()

	done := make(chan error, 1)
	go func() {
		done <- layer.TransmitControlMessage(context.Background(), message.ControlGetSourceCap)
	}()

	// Retry budget is 3 attempts (max 2, erroring on wrap to 0); fire the
	// CRC-receive timer for each so the transmit loop never sees a GoodCRC.
	for i := 0; i < 3; i++ {
		timer.WaitArmed(protocol.TimerCRCReceive)
		timer.Fire(protocol.TimerCRCReceive)
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, protocol.ErrRetriesExhausted)
	case <-time.After(time.Second):
		t.Fatal("transmit did not return after retries exhausted")
	}
}

func TestReceiveMessageTypeTimesOutWhenNothingArrives(t *testing.T) {
	layer, _, timer := newLayer()

	done := make(chan error, 1)
	go func() {
		_, err := layer.ReceiveMessageType(context.Background(), []message.MessageType{{Data: message.DataSourceCapabilities}}, protocol.TimerSinkWaitCap)
		done <- err
	}()

	timer.WaitArmed(protocol.TimerSinkWaitCap)
	timer.Fire(protocol.TimerSinkWaitCap)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, protocol.ErrReceiveTimeout)
	case <-time.After(time.Second):
		t.Fatal("receive did not time out")
	}
}

func TestWaitForSourceCapabilitiesDecodesFixedSupply(t *testing.T) {
	layer, driver, _ := newLayer()

	fs := uint32(message.FixedSupply(100<<10 | 300)) // 5V @ 3A
	var pdoBuf [4]byte
	pdoBuf[0] = byte(fs)
	pdoBuf[1] = byte(fs >> 8)
	pdoBuf[2] = byte(fs >> 16)
	pdoBuf[3] = byte(fs >> 24)

	h := message.NewDataHeader(message.DataSourceCapabilities, 0, 1, message.PowerRoleSource, message.DataRoleDFP, message.SpecRevision3_0)
	var frame [6]byte
	h.ToBytes(frame[:2])
	copy(frame[2:], pdoBuf[:])
	driver.InjectReceived(frame[:])

	caps, err := layer.WaitForSourceCapabilities(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, caps.N)
	v, ok := caps.VSafe5V()
	require.True(t, ok)
	assert.Equal(t, uint32(5000), v.Voltage())
}

// chunkFrame builds a raw extended-message chunk frame: a 2 byte message
// Header, a 2 byte ExtendedHeader marked Chunked, and the chunk body.
func chunkFrame(mt message.ExtendedMessageType, id uint8, chunkNumber uint8, totalSize uint16, body []byte) []byte {
	h := message.NewExtendedHeader(mt, id, message.PowerRoleSource, message.DataRoleDFP, message.SpecRevision3_0)
	var eh message.ExtendedHeader
	eh.SetChunked(true)
	eh.SetChunkNumber(chunkNumber)
	eh.SetDataSize(totalSize)
	buf := make([]byte, 4+len(body))
	h.ToBytes(buf[:2])
	eh.ToBytes(buf[2:4])
	copy(buf[4:], body)
	return buf
}

// takeTransmittedSoon polls the driver for a transmitted frame, failing
// the test if none arrives before the deadline.
func takeTransmittedSoon(t *testing.T, driver *dummy.Driver) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f := driver.TakeTransmitted(); f != nil {
			return f
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a transmitted frame")
	return nil
}

// TestWaitForSourceCapabilitiesReassemblesChunkedEPRSourceCaps drives a
// full two-chunk EPR_Source_Capabilities exchange through the layer: the
// mid-assembly chunk request it transmits must itself be GoodCRC-acked
// before the final chunk completes reassembly, and the payload handed
// back must be the untouched concatenation of both chunks (the exact
// invariant the assembler aliasing bug violated).
func TestWaitForSourceCapabilitiesReassemblesChunkedEPRSourceCaps(t *testing.T) {
	layer, driver, _ := newLayer()

	caps := dummy.EPRSourceCapabilities()
	require.True(t, caps.IsEPRCapabilities())
	payload := make([]byte, 4*caps.N)
	for i, p := range caps.Pdos() {
		raw := p.Raw()
		payload[4*i] = byte(raw)
		payload[4*i+1] = byte(raw >> 8)
		payload[4*i+2] = byte(raw >> 16)
		payload[4*i+3] = byte(raw >> 24)
	}
	require.Greater(t, len(payload), message.MaxChunkBytes, "fixture must need at least 2 chunks")

	mt := message.ExtendedEPRSourceCapabilities
	chunk0, chunk1 := payload[:message.MaxChunkBytes], payload[message.MaxChunkBytes:]

	resCh := make(chan struct {
		caps message.SourceCapabilities
		err  error
	}, 1)
	go func() {
		caps, err := layer.WaitForSourceCapabilities(context.Background())
		resCh <- struct {
			caps message.SourceCapabilities
			err  error
		}{caps, err}
	}()

	driver.InjectReceived(chunkFrame(mt, 0, 0, uint16(len(payload)), chunk0))

	// The layer requests the next chunk before it has all the bytes; ack
	// that request with GoodCRC so its own transmitFrame retry loop can
	// return, same as any other outbound frame.
	reqFrame := takeTransmittedSoon(t, driver)
	reqHeader := message.HeaderFromBytes(reqFrame[:2])
	require.True(t, reqHeader.IsExtended())
	reqEH, err := message.ChunkedExtendedHeader(reqFrame[2:])
	require.NoError(t, err)
	assert.True(t, reqEH.RequestChunk())
	assert.EqualValues(t, 1, reqEH.ChunkNumber())
	injectGoodCRC(driver, reqHeader.MessageID())

	driver.InjectReceived(chunkFrame(mt, 1, 1, uint16(len(payload)), chunk1))

	select {
	case r := <-resCh:
		require.NoError(t, r.err)
		assert.Equal(t, caps.N, r.caps.N)
		eprPDO := r.caps.EPRPdos()[0]
		require.NotNil(t, eprPDO.FixedSupply)
		assert.EqualValues(t, 28000, eprPDO.FixedSupply.Voltage())
		assert.EqualValues(t, 5000, eprPDO.FixedSupply.MaxCurrent())
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForSourceCapabilities never returned the reassembled capabilities")
	}
}

func TestReceiveMessageReturnsContextErrorWhenDriverNeverResponds(t *testing.T) {
	layer, _, _ := newLayer()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := layer.ReceiveMessage(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
