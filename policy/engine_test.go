package policy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/elagil/go-usbpd"
	"github.com/elagil/go-usbpd/dpm"
	"github.com/elagil/go-usbpd/dummy"
	"github.com/elagil/go-usbpd/message"
	"github.com/elagil/go-usbpd/policy"
	"github.com/elagil/go-usbpd/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEngine() (*policy.Engine[*dummy.Driver, *dummy.Timer], *dummy.Driver, *dummy.Timer, *dummy.DPM) {
	driver := dummy.NewDriver()
	timer := dummy.NewTimer()
	layer := protocol.NewLayer[*dummy.Driver, *dummy.Timer](driver, timer)
	dpm := dummy.NewDPM()
	return policy.New[*dummy.Driver, *dummy.Timer](layer, timer, dpm), driver, timer, dpm
}

func sourceCapsFrame(caps message.SourceCapabilities, id uint8) []byte {
	h := message.NewDataHeader(message.DataSourceCapabilities, id, uint8(caps.N), message.PowerRoleSource, message.DataRoleDFP, message.SpecRevision3_0)
	buf := make([]byte, 2+4*caps.N)
	h.ToBytes(buf[:2])
	for i, p := range caps.Pdos() {
		putLE(buf[2+4*i:], p.Raw())
	}
	return buf
}

func putLE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func controlFrame(t message.ControlMessageType, id uint8) []byte {
	h := message.NewControlHeader(t, id, message.PowerRoleSource, message.DataRoleDFP, message.SpecRevision3_0)
	buf := make([]byte, 2)
	h.ToBytes(buf)
	return buf
}

func goodCRCFrame(id uint8) []byte {
	return controlFrame(message.ControlGoodCRC, id)
}

// waitForNonGoodCRCTransmit drains and discards the engine's own GoodCRC
// acks, returning the first substantive frame it transmits.
func waitForNonGoodCRCTransmit(t *testing.T, driver *dummy.Driver) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f := driver.TakeTransmitted()
		if f == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		h := message.HeaderFromBytes(f[:2])
		if !h.IsExtended() && !h.IsData() && h.MessageType().Control == message.ControlGoodCRC {
			continue
		}
		return f
	}
	t.Fatal("timed out waiting for a non-GoodCRC transmitted frame")
	return nil
}

// TestEngineNegotiatesBasicFixedContract drives the engine through
// discovery, request, accept and PS_RDY into Ready, the sink-side half
// of a plain fixed-voltage contract (USB PD 3.x Sections 8.3.3.3.1-6).
func TestEngineNegotiatesBasicFixedContract(t *testing.T) {
	eng, driver, _, dpm := newEngine()

	transitioned := make(chan message.PowerSource, 1)
	dpm.TransitionPowerFunc = func(ctx context.Context, req message.PowerSource) {
		transitioned <- req
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	driver.InjectReceived(sourceCapsFrame(dummy.SourceCapabilities(), 0))

	reqFrame := waitForNonGoodCRCTransmit(t, driver)
	reqHeader := message.HeaderFromBytes(reqFrame[:2])
	assert.Equal(t, message.DataRequest, reqHeader.MessageType().Data)
	driver.InjectReceived(goodCRCFrame(reqHeader.MessageID()))

	driver.InjectReceived(controlFrame(message.ControlAccept, 1))
	driver.InjectReceived(controlFrame(message.ControlPSRdy, 2))

	select {
	case req := <-transitioned:
		assert.EqualValues(t, 4, req.ObjectPosition()) // highest fixed PDO: 20V @ position 4
	case <-time.After(2 * time.Second):
		t.Fatal("dpm never observed a power transition")
	}

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after context cancellation")
	}
}

// TestEnginePortPartnerUnresponsiveAfterRepeatedCapTimeouts exercises the
// hard reset counter overrun path: repeated Source_Capabilities timeouts
// each trigger a hard reset, and the third failure is reported as an
// unresponsive port partner rather than retried forever.
func TestEnginePortPartnerUnresponsiveAfterRepeatedCapTimeouts(t *testing.T) {
	eng, _, timer, _ := newEngine()

	ctx := context.Background()
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	for i := 0; i < 3; i++ {
		timer.WaitArmed(protocol.TimerSinkWaitCap)
		timer.Fire(protocol.TimerSinkWaitCap)
	}

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, policy.ErrPortPartnerUnresponsive)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not report an unresponsive port partner")
	}
}

// ackNextTransmit waits for the engine's next substantive (non-GoodCRC)
// transmitted frame and immediately GoodCRC-acknowledges it by message
// ID, the handshake every engine-initiated transmit blocks on.
func ackNextTransmit(t *testing.T, driver *dummy.Driver) []byte {
	t.Helper()
	f := waitForNonGoodCRCTransmit(t, driver)
	driver.InjectReceived(goodCRCFrame(message.HeaderFromBytes(f[:2]).MessageID()))
	return f
}

func eprModeFrame(action message.EPRModeAction, data uint8, id uint8) []byte {
	o := message.NewEPRModeDataObject(action, data)
	h := message.NewDataHeader(message.DataEPRMode, id, 1, message.PowerRoleSource, message.DataRoleDFP, message.SpecRevision3_0)
	buf := make([]byte, 2+4)
	h.ToBytes(buf[:2])
	o.ToBytes(buf[2:])
	return buf
}

func pdosToBytes(caps message.SourceCapabilities) []byte {
	buf := make([]byte, 4*caps.N)
	for i, p := range caps.Pdos() {
		putLE(buf[4*i:], p.Raw())
	}
	return buf
}

// extendedChunkFrame builds a raw chunked extended-message frame: a 2
// byte message Header followed by a 2 byte ExtendedHeader marked
// Chunked, and the chunk body.
func extendedChunkFrame(mt message.ExtendedMessageType, id uint8, chunkNumber uint8, totalSize uint16, body []byte) []byte {
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

// TestEngineReRequestsSameContractAfterWaitReply exercises the Wait path
// once a contract is already explicit: a renegotiation that the source
// answers with Wait lands the engine in Ready with afterWait set, and
// the SinkRequest timer re-emits the stored Request unchanged rather
// than asking the DPM to decide again.
func TestEngineReRequestsSameContractAfterWaitReply(t *testing.T) {
	eng, driver, timer, dpmStub := newEngine()

	transitioned := make(chan message.PowerSource, 2)
	dpmStub.TransitionPowerFunc = func(ctx context.Context, req message.PowerSource) {
		transitioned <- req
	}
	var renegotiated bool
	dpmStub.GetEventFunc = func(ctx context.Context, caps message.SourceCapabilities) usbpd.Event {
		if !renegotiated {
			renegotiated = true
			req, _ := dpm.RequestFixedVoltage(caps, dpm.Specific(9000), 300) // 9V @ 3A
			return usbpd.Event{Kind: usbpd.EventRequestPower, Power: req}
		}
		<-ctx.Done()
		return usbpd.NoEvent
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	driver.InjectReceived(sourceCapsFrame(dummy.SourceCapabilities(), 0))
	ackNextTransmit(t, driver)
	driver.InjectReceived(controlFrame(message.ControlAccept, 1))
	driver.InjectReceived(controlFrame(message.ControlPSRdy, 2))

	select {
	case req := <-transitioned:
		assert.EqualValues(t, 4, req.ObjectPosition()) // initial 20V contract
	case <-time.After(2 * time.Second):
		t.Fatal("dpm never observed the initial power transition")
	}

	firstReqFrame := ackNextTransmit(t, driver)
	firstID := message.HeaderFromBytes(firstReqFrame[:2]).MessageID()
	assert.Equal(t, message.DataRequest, message.HeaderFromBytes(firstReqFrame[:2]).MessageType().Data)

	driver.InjectReceived(controlFrame(message.ControlWait, 3))

	timer.WaitArmed(protocol.TimerSinkRequest)
	timer.Fire(protocol.TimerSinkRequest)

	secondReqFrame := ackNextTransmit(t, driver)
	secondHeader := message.HeaderFromBytes(secondReqFrame[:2])
	assert.Equal(t, message.DataRequest, secondHeader.MessageType().Data)
	assert.EqualValues(t, (firstID+1)%8, secondHeader.MessageID())
	assert.Equal(t, firstReqFrame[2:], secondReqFrame[2:], "re-request must resend the same RDO without a new DPM round-trip")

	driver.InjectReceived(controlFrame(message.ControlAccept, 4))
	driver.InjectReceived(controlFrame(message.ControlPSRdy, 5))

	select {
	case req := <-transitioned:
		assert.EqualValues(t, 2, req.ObjectPosition()) // re-requested 9V contract
	case <-time.After(2 * time.Second):
		t.Fatal("dpm never observed the re-requested power transition")
	}

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after context cancellation")
	}
}

// TestEngineEntersEprModeAndReassemblesChunkedSourceCapabilities drives
// the sink through EPR mode entry once its SPR contract is in place: EPR
// Mode Enter, the Enter_Acknowledged/Enter_Succeeded handshake, a
// genuine two-chunk EPR_Source_Capabilities reassembly across the wire
// (the exact path the chunk assembler aliasing bug broke), and a final
// Request for the EPR-only 28V PDO (USB PD 3.x Sections 8.3.3.3.8-10).
func TestEngineEntersEprModeAndReassemblesChunkedSourceCapabilities(t *testing.T) {
	eng, driver, _, dpmStub := newEngine()

	transitioned := make(chan message.PowerSource, 2)
	dpmStub.TransitionPowerFunc = func(ctx context.Context, req message.PowerSource) {
		transitioned <- req
	}
	dpmStub.GetEventFunc = func(ctx context.Context, caps message.SourceCapabilities) usbpd.Event {
		if !caps.IsEPRCapabilities() {
			return usbpd.Event{Kind: usbpd.EventEnterEprMode, PDP: 100}
		}
		<-ctx.Done()
		return usbpd.NoEvent
	}
	dpmStub.RequestFunc = func(ctx context.Context, caps message.SourceCapabilities) (message.PowerSource, error) {
		base := dpm.RequestHighestVoltage(caps)
		if !caps.IsEPRCapabilities() {
			return base, nil
		}
		epr, ok := dpm.BuildEPRRequest(base, caps)
		if !ok {
			return message.PowerSource{}, errors.New("build EPR request failed")
		}
		return epr, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	// SPR discovery: 7 PDOs, highest fixed is 20V at position 4.
	driver.InjectReceived(sourceCapsFrame(dummy.SourceCapabilities(), 0))
	ackNextTransmit(t, driver)
	driver.InjectReceived(controlFrame(message.ControlAccept, 1))
	driver.InjectReceived(controlFrame(message.ControlPSRdy, 2))

	select {
	case req := <-transitioned:
		assert.EqualValues(t, 4, req.ObjectPosition())
	case <-time.After(2 * time.Second):
		t.Fatal("dpm never observed the SPR power transition")
	}

	// GetEvent now asks to enter EPR mode.
	enterFrame := ackNextTransmit(t, driver)
	assert.Equal(t, message.DataEPRMode, message.HeaderFromBytes(enterFrame[:2]).MessageType().Data)

	driver.InjectReceived(eprModeFrame(message.EPRModeEnterAcknowledged, 0, 3))
	driver.InjectReceived(eprModeFrame(message.EPRModeEnterSucceeded, 0, 4))

	caps := dummy.EPRSourceCapabilities()
	payload := pdosToBytes(caps)
	require.Greater(t, len(payload), message.MaxChunkBytes, "fixture must need at least 2 chunks")
	mt := message.ExtendedEPRSourceCapabilities

	driver.InjectReceived(extendedChunkFrame(mt, 5, 0, uint16(len(payload)), payload[:message.MaxChunkBytes]))

	chunkReqFrame := ackNextTransmit(t, driver)
	chunkReqHeader := message.HeaderFromBytes(chunkReqFrame[:2])
	require.True(t, chunkReqHeader.IsExtended())
	chunkReqEH, err := message.ChunkedExtendedHeader(chunkReqFrame[2:])
	require.NoError(t, err)
	assert.True(t, chunkReqEH.RequestChunk())
	assert.EqualValues(t, 1, chunkReqEH.ChunkNumber())

	driver.InjectReceived(extendedChunkFrame(mt, 6, 1, uint16(len(payload)), payload[message.MaxChunkBytes:]))

	eprReqFrame := ackNextTransmit(t, driver)
	eprReqHeader := message.HeaderFromBytes(eprReqFrame[:2])
	assert.Equal(t, message.DataEPRRequest, eprReqHeader.MessageType().Data)

	driver.InjectReceived(controlFrame(message.ControlAccept, 7))
	driver.InjectReceived(controlFrame(message.ControlPSRdy, 0))

	select {
	case req := <-transitioned:
		assert.EqualValues(t, 8, req.ObjectPosition())
		require.NotNil(t, req.EPRRequest)
	case <-time.After(2 * time.Second):
		t.Fatal("dpm never observed the EPR power transition")
	}

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after context cancellation")
	}
}

// TestEnginePPSPeriodicReRequestReusesStoredRequest exercises the PPS
// periodic re-request timer: once a PPS contract is active, the timer
// re-enters SelectCapability and retransmits the same RDO on its own,
// never asking the DPM to pick again.
func TestEnginePPSPeriodicReRequestReusesStoredRequest(t *testing.T) {
	eng, driver, timer, dpmStub := newEngine()

	requestCalls := 0
	dpmStub.RequestFunc = func(ctx context.Context, caps message.SourceCapabilities) (message.PowerSource, error) {
		requestCalls++
		req, ok := dpm.RequestPPS(caps, 60, 7000) // 3A @ 7.0V
		if !ok {
			return message.PowerSource{}, errors.New("no PPS PDO covers 7.0V")
		}
		return req, nil
	}
	transitioned := make(chan message.PowerSource, 2)
	dpmStub.TransitionPowerFunc = func(ctx context.Context, req message.PowerSource) {
		transitioned <- req
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	driver.InjectReceived(sourceCapsFrame(dummy.SourceCapabilities(), 0))
	reqFrame := ackNextTransmit(t, driver)
	assert.Equal(t, message.DataRequest, message.HeaderFromBytes(reqFrame[:2]).MessageType().Data)
	driver.InjectReceived(controlFrame(message.ControlAccept, 1))
	driver.InjectReceived(controlFrame(message.ControlPSRdy, 2))

	select {
	case req := <-transitioned:
		require.NotNil(t, req.PPS)
		assert.EqualValues(t, 5, req.ObjectPosition())
	case <-time.After(2 * time.Second):
		t.Fatal("dpm never observed the initial PPS power transition")
	}
	assert.Equal(t, 1, requestCalls)

	timer.WaitArmed(protocol.TimerSinkPPSPeriodic)
	timer.Fire(protocol.TimerSinkPPSPeriodic)

	reReqFrame := ackNextTransmit(t, driver)
	assert.Equal(t, message.DataRequest, message.HeaderFromBytes(reReqFrame[:2]).MessageType().Data)
	assert.Equal(t, reqFrame[2:], reReqFrame[2:], "periodic re-request must resend the stored RDO unchanged")

	driver.InjectReceived(controlFrame(message.ControlAccept, 3))
	driver.InjectReceived(controlFrame(message.ControlPSRdy, 4))

	select {
	case req := <-transitioned:
		assert.EqualValues(t, 5, req.ObjectPosition())
	case <-time.After(2 * time.Second):
		t.Fatal("dpm never observed the re-requested PPS power transition")
	}
	assert.Equal(t, 1, requestCalls, "periodic PPS re-request must not call the DPM again")

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after context cancellation")
	}
}

// TestEngineEPRKeepAliveCycleAdvancesMessageCounter exercises the EPR
// keep-alive timer across three cycles: each firing transmits
// EPR_KeepAlive under the next message ID, awaits EPR_KeepAlive_Ack, and returns to Ready without
// dropping the active contract.
func TestEngineEPRKeepAliveCycleAdvancesMessageCounter(t *testing.T) {
	eng, driver, timer, dpmStub := newEngine()

	dpmStub.GetEventFunc = func(ctx context.Context, caps message.SourceCapabilities) usbpd.Event {
		if !caps.IsEPRCapabilities() {
			return usbpd.Event{Kind: usbpd.EventEnterEprMode, PDP: 100}
		}
		<-ctx.Done()
		return usbpd.NoEvent
	}
	dpmStub.RequestFunc = func(ctx context.Context, caps message.SourceCapabilities) (message.PowerSource, error) {
		base := dpm.RequestHighestVoltage(caps)
		if !caps.IsEPRCapabilities() {
			return base, nil
		}
		epr, ok := dpm.BuildEPRRequest(base, caps)
		if !ok {
			return message.PowerSource{}, errors.New("build EPR request failed")
		}
		return epr, nil
	}
	transitioned := make(chan message.PowerSource, 2)
	dpmStub.TransitionPowerFunc = func(ctx context.Context, req message.PowerSource) {
		transitioned <- req
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	driver.InjectReceived(sourceCapsFrame(dummy.SourceCapabilities(), 0))
	ackNextTransmit(t, driver)
	driver.InjectReceived(controlFrame(message.ControlAccept, 1))
	driver.InjectReceived(controlFrame(message.ControlPSRdy, 2))
	<-transitioned

	ackNextTransmit(t, driver) // EPR_Mode Enter
	driver.InjectReceived(eprModeFrame(message.EPRModeEnterAcknowledged, 0, 3))
	driver.InjectReceived(eprModeFrame(message.EPRModeEnterSucceeded, 0, 4))

	caps := dummy.EPRSourceCapabilities()
	payload := pdosToBytes(caps)
	mt := message.ExtendedEPRSourceCapabilities
	driver.InjectReceived(extendedChunkFrame(mt, 5, 0, uint16(len(payload)), payload[:message.MaxChunkBytes]))
	ackNextTransmit(t, driver) // chunk request
	driver.InjectReceived(extendedChunkFrame(mt, 6, 1, uint16(len(payload)), payload[message.MaxChunkBytes:]))

	eprRequestFrame := ackNextTransmit(t, driver) // EPR_Request
	driver.InjectReceived(controlFrame(message.ControlAccept, 7))
	driver.InjectReceived(controlFrame(message.ControlPSRdy, 0))
	<-transitioned // now in EPR Ready at the 28V contract

	prevTxID := message.HeaderFromBytes(eprRequestFrame[:2]).MessageID()
	nextRxID := uint8(1)
	for cycle := 0; cycle < 3; cycle++ {
		timer.WaitArmed(protocol.TimerSinkEPRKeepAlive)
		timer.Fire(protocol.TimerSinkEPRKeepAlive)

		keepAliveFrame := ackNextTransmit(t, driver)
		keepAliveHeader := message.HeaderFromBytes(keepAliveFrame[:2])
		assert.Equal(t, message.ExtendedExtendedControl, keepAliveHeader.MessageType().Extended)
		assert.Equal(t, (prevTxID+1)%8, keepAliveHeader.MessageID())
		prevTxID = keepAliveHeader.MessageID()
		ec := message.ExtendedControlFromBytes(keepAliveFrame[4:6])
		assert.Equal(t, message.ExtendedControlEPRKeepAlive, ec.MessageType())

		ackEC := message.NewExtendedControl(message.ExtendedControlEPRKeepAliveAck, 0)
		var ackBuf [2]byte
		ackEC.ToBytes(ackBuf[:])
		driver.InjectReceived(extendedChunkFrame(message.ExtendedExtendedControl, nextRxID, 0, 2, ackBuf[:]))
		nextRxID++
	}

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after context cancellation")
	}
}
