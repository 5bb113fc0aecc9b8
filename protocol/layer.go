package protocol

import (
	"context"
	"errors"

	"github.com/elagil/go-usbpd"
	"github.com/elagil/go-usbpd/counter"
	"github.com/elagil/go-usbpd/message"
)

// errTimerFired is an internal sentinel distinguishing "no data arrived
// before the deadline" from a driver error; it never escapes the package.
var errTimerFired = errors.New("protocol: timer fired before receive")

// errGoodCRCNotAllowed is returned by Transmit when asked to send a
// GoodCRC directly; GoodCRC only ever goes out via sendGoodCRC.
var errGoodCRCNotAllowed = errors.New("protocol: GoodCRC must not be transmitted directly")

// Option configures a Layer at construction time.
type Option func(*options)

type options struct {
	powerRole    message.PowerRole
	dataRole     message.DataRole
	specRevision message.SpecRevision
	lookup       message.PDOKindLookup
}

// WithPowerRole sets the power role carried in the default header
// template. Defaults to PowerRoleSink, the only role this stack plays.
func WithPowerRole(r message.PowerRole) Option {
	return func(o *options) { o.powerRole = r }
}

// WithDataRole sets the data role carried in the default header template.
func WithDataRole(r message.DataRole) Option {
	return func(o *options) { o.dataRole = r }
}

// WithSpecRevision sets the initial specification revision advertised
// before any message has been received from the port partner. It is
// updated from every subsequently received header.
func WithSpecRevision(r message.SpecRevision) Option {
	return func(o *options) { o.specRevision = r }
}

// WithCapabilitiesLookup supplies the PDO kind lookup used to decode
// incoming Request messages. The sink policy engine updates this as its
// cached source capabilities change; tests may supply a stub.
func WithCapabilitiesLookup(lookup message.PDOKindLookup) Option {
	return func(o *options) { o.lookup = lookup }
}

// Layer implements the USB PD protocol layer: GoodCRC handshaking,
// message ID bookkeeping, retries, hard reset signalling and extended
// message chunking, sitting between a usbpd.Driver and the sink policy
// engine. D and T let callers plug in a concrete driver/timer pair
// without paying for dynamic dispatch (teacher precedent: tcpe.Engine is
// parameterized the same way over its PortController).
type Layer[D usbpd.Driver, T Timer] struct {
	driver D
	timer  T

	header message.Header // template: power role, data role, spec revision

	tx    counter.Counter
	rx    counter.Counter
	retry counter.Counter

	hasRxID bool
	asm     assembler
	lookup  message.PDOKindLookup
}

// NewLayer constructs a Layer over driver and timer.
func NewLayer[D usbpd.Driver, T Timer](driver D, timer T, opts ...Option) *Layer[D, T] {
	o := options{
		powerRole:    message.PowerRoleSink,
		dataRole:     message.DataRoleUFP,
		specRevision: message.SpecRevision3_0,
		lookup:       message.NoPDOLookup{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	var h message.Header
	h.SetPowerRole(o.powerRole)
	h.SetDataRole(o.dataRole)
	h.SetSpecRevision(o.specRevision)
	return &Layer[D, T]{
		driver: driver,
		timer:  timer,
		header: h,
		tx:     counter.New(counter.MessageID),
		rx:     counter.New(counter.MessageID),
		retry:  counter.New(counter.Retry),
		lookup: o.lookup,
	}
}

// WaitForVBUS blocks until the driver reports VBUS present, or ctx is
// canceled.
func (l *Layer[D, T]) WaitForVBUS(ctx context.Context) error {
	return l.driver.WaitForVBUS(ctx)
}

// SetCapabilitiesLookup updates the PDO kind lookup used to decode
// incoming Request messages, called by the policy engine whenever its
// cached source capabilities change.
func (l *Layer[D, T]) SetCapabilitiesLookup(lookup message.PDOKindLookup) {
	if lookup == nil {
		lookup = message.NoPDOLookup{}
	}
	l.lookup = lookup
}

// Reset clears message ID, retry and reassembly state. The default
// header's spec revision is left as it is. Called on entering Startup
// and on every soft/hard reset.
func (l *Layer[D, T]) Reset() {
	l.tx.Reset()
	l.rx.Reset()
	l.retry.Reset()
	l.hasRxID = false
	l.asm.Reset()
}

func isGoodCRCHeader(h message.Header) bool {
	return !h.IsExtended() && !h.IsData() && h.MessageType().Control == message.ControlGoodCRC
}

func isGoodCRCMessage(msg message.Message) bool {
	return isGoodCRCHeader(msg.Header)
}

func applyHeaderTemplate(h *message.Header, tpl message.Header) {
	h.SetPowerRole(tpl.PowerRole())
	h.SetDataRole(tpl.DataRole())
	h.SetSpecRevision(tpl.SpecRevision())
}

// recvRawBlocking reads one raw frame with no deadline of its own; it
// relies entirely on ctx for cancellation.
func (l *Layer[D, T]) recvRawBlocking(ctx context.Context) ([]byte, error) {
	var buf [message.MaxExtendedBytes + 4]byte
	n, err := l.driver.Receive(ctx, buf[:])
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

// recvRawTimed races a single raw receive against timer type tt, the Go
// mapping of the source's future-select concurrency model (SPEC_FULL §5):
// one goroutine runs the receive, the main goroutine waits on whichever
// of {ctx, timer, receive} completes first and drops the loser.
func (l *Layer[D, T]) recvRawTimed(ctx context.Context, tt TimerType) ([]byte, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		buf []byte
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		buf, err := l.recvRawBlocking(rctx)
		resCh <- result{buf, err}
	}()

	timerCh := l.timer.After(ctx, tt)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timerCh:
		return nil, errTimerFired
	case r := <-resCh:
		return r.buf, r.err
	}
}

// sendGoodCRC acknowledges a received header with message_id = rx
// (not the tx counter). GoodCRC is never itself acknowledged.
func (l *Layer[D, T]) sendGoodCRC(ctx context.Context, rxHeader message.Header) {
	h := message.NewControlHeader(message.ControlGoodCRC, rxHeader.MessageID(), l.header.PowerRole(), l.header.DataRole(), l.header.SpecRevision())
	var buf [2]byte
	h.ToBytes(buf[:])
	_ = l.driver.Transmit(ctx, buf[:])
}

// sendChunkRequest asks the peer to retransmit the chunk the assembler
// expects next, for the extended message type it is currently
// reassembling.
func (l *Layer[D, T]) sendChunkRequest(ctx context.Context) error {
	return l.transmitChunk(ctx, l.asm.MessageType(), l.asm.NextChunk(), 0, nil, true)
}

// receiveDecoded reads and decodes the next non-GoodCRC, non-request-chunk
// message, transparently reassembling chunked extended messages (and
// requesting further chunks as needed) before returning. It blocks until
// ctx is done, a message is decoded, or a hard reset is observed.
func (l *Layer[D, T]) receiveDecoded(ctx context.Context) (message.Message, error) {
	for {
		raw, err := l.recvRawBlocking(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return message.Message{}, err
			}
			if isHardResetRx(err) {
				return message.Message{}, ErrHardReset
			}
			continue // Discarded: retry reception
		}
		if len(raw) < 2 {
			continue
		}
		h := message.HeaderFromBytes(raw[:2])
		if isGoodCRCHeader(h) {
			continue
		}

		if h.IsExtended() {
			eh, eerr := message.ChunkedExtendedHeader(raw[2:])
			if eerr != nil {
				continue
			}
			if eh.RequestChunk() {
				// A chunk (re)request directed at something we are
				// sending; the send-side loop (awaitChunkRequest) is the
				// one that should see this, not the general receive path.
				continue
			}
			if eh.Chunked() {
				mt := h.MessageType().Extended
				body := raw[4:]
				if len(body) > message.MaxChunkBytes {
					body = body[:message.MaxChunkBytes]
				}
				full, done, ferr := l.asm.Feed(h, eh, mt, body)
				if ferr != nil {
					l.asm.Reset()
					continue
				}
				if !done {
					if err := l.sendChunkRequest(ctx); err != nil {
						return message.Message{}, err
					}
					continue
				}
				ext, ferr := message.FinalizeExtended(mt, full)
				if ferr != nil {
					continue
				}
				return message.Message{Header: h, Payload: &message.Payload{Extended: &ext}}, nil
			}
		}

		msg, derr := message.DecodeMessage(raw, l.lookup)
		if derr != nil {
			continue
		}
		return msg, nil
	}
}

// ReceiveMessage returns the next non-GoodCRC, non-reserved message, with
// no timeout of its own. It surfaces ErrSoftReset if the port partner
// requested a soft reset, and adopts the received header's spec revision
// into the default header template.
func (l *Layer[D, T]) ReceiveMessage(ctx context.Context) (message.Message, error) {
	msg, err := l.receiveDecoded(ctx)
	if err != nil {
		return message.Message{}, err
	}
	l.header.SetSpecRevision(msg.Header.SpecRevision())
	if !msg.Header.IsExtended() && !msg.Header.IsData() && msg.Header.MessageType().Control == message.ControlSoftReset {
		return msg, ErrSoftReset
	}
	return msg, nil
}

func matchesAny(t message.MessageType, allowed []message.MessageType) bool {
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

func (l *Layer[D, T]) receiveMessageTypeLoop(ctx context.Context, allowed []message.MessageType) (message.Message, error) {
	for {
		msg, err := l.ReceiveMessage(ctx)
		if err != nil {
			return message.Message{}, err
		}
		id := msg.Header.MessageID()
		if !l.hasRxID {
			l.hasRxID = true
			l.rx.Set(id)
		} else if id == l.rx.Value() {
			l.sendGoodCRC(ctx, msg.Header)
			continue // retransmission: silently re-ack and keep looping
		} else {
			l.rx.Set(id)
		}
		l.sendGoodCRC(ctx, msg.Header)
		if matchesAny(msg.Header.MessageType(), allowed) {
			return msg, nil
		}
		return message.Message{}, ErrUnexpectedMessage
	}
}

// ReceiveMessageType waits for the next message whose type is in allowed,
// racing the wait against timer type tt. It updates rx message-ID
// bookkeeping and GoodCRC-acknowledges every non-GoodCRC message it
// observes, silently re-acknowledging retransmissions instead of
// returning them.
func (l *Layer[D, T]) ReceiveMessageType(ctx context.Context, allowed []message.MessageType, tt TimerType) (message.Message, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		msg message.Message
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		msg, err := l.receiveMessageTypeLoop(rctx, allowed)
		resCh <- result{msg, err}
	}()

	timerCh := l.timer.After(ctx, tt)
	select {
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	case <-timerCh:
		return message.Message{}, ErrReceiveTimeout
	case r := <-resCh:
		return r.msg, r.err
	}
}

// sourceCapabilitiesTypes is the pair of message types that carry a
// source's advertised power capabilities, SPR and EPR alike.
var sourceCapabilitiesTypes = []message.MessageType{
	{Data: message.DataSourceCapabilities},
	{Extended: message.ExtendedEPRSourceCapabilities},
}

// WaitForSourceCapabilities waits up to TimerSinkWaitCap for
// Source_Capabilities or EPR_Source_Capabilities, transparently
// reassembling the latter if chunked.
func (l *Layer[D, T]) WaitForSourceCapabilities(ctx context.Context) (message.SourceCapabilities, error) {
	msg, err := l.ReceiveMessageType(ctx, sourceCapabilitiesTypes, TimerSinkWaitCap)
	if err != nil {
		return message.SourceCapabilities{}, err
	}
	if msg.Payload != nil {
		if msg.Payload.Data != nil && msg.Payload.Data.SourceCapabilities != nil {
			return *msg.Payload.Data.SourceCapabilities, nil
		}
		if msg.Payload.Extended != nil && msg.Payload.Extended.EPRSourceCapabilities != nil {
			return *msg.Payload.Extended.EPRSourceCapabilities, nil
		}
	}
	return message.SourceCapabilities{}, ErrUnexpectedMessage
}

// transmitFrame runs the common transmit/retry/GoodCRC handshake: encode
// builds the wire bytes for the attempt given the tx message ID to use.
func (l *Layer[D, T]) transmitFrame(ctx context.Context, encode func(id uint8) []byte) error {
	for {
		id := l.tx.Value()
		frame := encode(id)
		if err := l.driver.Transmit(ctx, frame); err != nil {
			if isHardResetTx(err) {
				return ErrHardReset
			}
			continue // Discarded: retry the write, same frame
		}

		raw, err := l.recvRawTimed(ctx, TimerCRCReceive)
		ackOK := false
		if err == nil && len(raw) >= 2 {
			h := message.HeaderFromBytes(raw[:2])
			ackOK = isGoodCRCHeader(h) && h.MessageID() == id
		}
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && isHardResetRx(err) {
			return ErrHardReset
		}
		if ackOK {
			l.retry.Reset()
			if incErr := l.tx.Increment(); incErr != nil {
				// Increment reports ErrOverrun when the MessageID wraps
				// to 0; for message IDs that is normal progress, not
				// exhaustion. Nothing to do here.
				_ = incErr
			}
			return nil
		}
		if incErr := l.retry.Increment(); incErr != nil {
			return ErrRetriesExhausted
		}
	}
}

// Transmit sends msg with GoodCRC handshake and retry, per §4.3. GoodCRC
// must never be passed in directly.
func (l *Layer[D, T]) Transmit(ctx context.Context, msg message.Message) error {
	if isGoodCRCMessage(msg) {
		return errGoodCRCNotAllowed
	}
	applyHeaderTemplate(&msg.Header, l.header)
	var buf [message.MaxExtendedBytes + 4]byte
	return l.transmitFrame(ctx, func(id uint8) []byte {
		msg.Header.SetMessageID(id)
		n := msg.ToBytes(buf[:])
		return buf[:n]
	})
}

// transmitChunk sends a single extended-message chunk frame.
func (l *Layer[D, T]) transmitChunk(ctx context.Context, mt message.ExtendedMessageType, chunkNumber uint8, totalSize uint16, body []byte, requestChunk bool) error {
	var eh message.ExtendedHeader
	eh.SetChunked(true)
	eh.SetDataSize(totalSize)
	eh.SetChunkNumber(chunkNumber)
	eh.SetRequestChunk(requestChunk)
	var buf [4 + message.MaxChunkBytes]byte
	return l.transmitFrame(ctx, func(id uint8) []byte {
		h := message.NewExtendedHeader(mt, id, l.header.PowerRole(), l.header.DataRole(), l.header.SpecRevision())
		h.ToBytes(buf[:2])
		eh.ToBytes(buf[2:4])
		n := copy(buf[4:], body)
		return buf[:4+n]
	})
}

// awaitChunkRequest waits up to TimerChunkSenderRequest for the peer to
// request chunk "want" of extended message type mt, GoodCRC-acknowledging
// every message observed along the way.
func (l *Layer[D, T]) awaitChunkRequest(ctx context.Context, mt message.ExtendedMessageType, want uint8) error {
	for {
		raw, err := l.recvRawTimed(ctx, TimerChunkSenderRequest)
		if err != nil {
			if errors.Is(err, errTimerFired) {
				return ErrReceiveTimeout
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isHardResetRx(err) {
				return ErrHardReset
			}
			continue
		}
		if len(raw) < 2 {
			continue
		}
		h := message.HeaderFromBytes(raw[:2])
		if isGoodCRCHeader(h) {
			continue
		}
		l.sendGoodCRC(ctx, h)
		if !h.IsExtended() {
			continue
		}
		eh, eerr := message.ChunkedExtendedHeader(raw[2:])
		if eerr != nil {
			continue
		}
		if h.MessageType().Extended == mt && eh.RequestChunk() && eh.ChunkNumber() == want {
			return nil
		}
	}
}

// transmitExtendedChunked sends payload as one or more extended-message
// chunks, waiting for an explicit chunk request between chunks, per
// §4.3's chunk-sender rule.
func (l *Layer[D, T]) transmitExtendedChunked(ctx context.Context, mt message.ExtendedMessageType, payload []byte) error {
	chunks := splitChunks(payload)
	totalSize := uint16(len(payload))
	for i, chunk := range chunks {
		if err := l.transmitChunk(ctx, mt, uint8(i), totalSize, chunk, false); err != nil {
			return err
		}
		if i < len(chunks)-1 {
			if err := l.awaitChunkRequest(ctx, mt, uint8(i+1)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RequestPower transmits an SPR Request or EPR_Request carrying req.
func (l *Layer[D, T]) RequestPower(ctx context.Context, req message.PowerSource) error {
	dmt, n := message.DataRequest, uint8(1)
	if req.EPRRequest != nil {
		dmt, n = message.DataEPRRequest, 2
	}
	h := message.NewDataHeader(dmt, 0, n, l.header.PowerRole(), l.header.DataRole(), l.header.SpecRevision())
	return l.Transmit(ctx, message.NewDataMessage(h, message.Data{Request: &req}))
}

// TransmitControlMessage transmits a bare control message.
func (l *Layer[D, T]) TransmitControlMessage(ctx context.Context, t message.ControlMessageType) error {
	h := message.NewControlHeader(t, 0, l.header.PowerRole(), l.header.DataRole(), l.header.SpecRevision())
	return l.Transmit(ctx, message.NewMessage(h))
}

// TransmitSinkCapabilities transmits Sink_Capabilities.
func (l *Layer[D, T]) TransmitSinkCapabilities(ctx context.Context, caps message.SinkCapabilities) error {
	h := message.NewDataHeader(message.DataSinkCapabilities, 0, uint8(caps.N), l.header.PowerRole(), l.header.DataRole(), l.header.SpecRevision())
	return l.Transmit(ctx, message.NewDataMessage(h, message.Data{SinkCapabilities: &caps}))
}

// TransmitEPRSinkCapabilities transmits EPR_Sink_Capabilities, chunking
// automatically if caps does not fit in one chunk.
func (l *Layer[D, T]) TransmitEPRSinkCapabilities(ctx context.Context, caps message.SinkCapabilities) error {
	var buf [message.MaxExtendedBytes]byte
	n := caps.ToBytes(buf[:])
	return l.transmitExtendedChunked(ctx, message.ExtendedEPRSinkCapabilities, buf[:n])
}

// TransmitEPRMode transmits an EPR_Mode message with the given action and
// action-associated data byte (a PDP in watts for Enter, a reason code
// for EnterFailed, unused otherwise).
func (l *Layer[D, T]) TransmitEPRMode(ctx context.Context, action message.EPRModeAction, data uint8) error {
	o := message.NewEPRModeDataObject(action, data)
	h := message.NewDataHeader(message.DataEPRMode, 0, 1, l.header.PowerRole(), l.header.DataRole(), l.header.SpecRevision())
	return l.Transmit(ctx, message.NewDataMessage(h, message.Data{EPRMode: &o}))
}

// TransmitExtendedControlMessage transmits an Extended_Control message
// (e.g. EPR_KeepAlive, EPR_Get_Sink_Cap).
func (l *Layer[D, T]) TransmitExtendedControlMessage(ctx context.Context, t message.ExtendedControlMessageType, data uint8) error {
	c := message.NewExtendedControl(t, data)
	var buf [2]byte
	c.ToBytes(buf[:])
	return l.transmitExtendedChunked(ctx, message.ExtendedExtendedControl, buf[:])
}

// HardReset resets tx-message and retry counters and transmits hard reset
// signalling, retrying past Discarded.
func (l *Layer[D, T]) HardReset(ctx context.Context) error {
	l.tx.Reset()
	l.retry.Reset()
	for {
		err := l.driver.TransmitHardReset(ctx)
		if err == nil {
			return nil
		}
		if isHardResetTx(err) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
