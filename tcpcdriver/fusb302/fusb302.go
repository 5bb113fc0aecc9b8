// Package fusb302 implements a usbpd.Driver for the FUSB302 USB PD PHY
// from ONSemi.
//
// The register-level protocol is derived from the original TinyGo-style
// port controller driver this stack is descended from; the public shape
// (blocking Receive/Transmit over a context) is new, replacing that
// driver's Alert-and-poll contract so the protocol layer above it can use
// plain context cancellation and select instead of its own poll loop.
package fusb302

import (
	"context"
	"errors"
	"time"

	"github.com/elagil/go-usbpd"
	"github.com/elagil/go-usbpd/message"
)

// I2C is the minimum interface to I2C hardware this driver needs: a
// single combined write-then-read transfer, so one FUSB302
// implementation works across host and microcontroller I2C stacks
// alike. Derived from TinyGo's own I2C interface.
//
// Tx must be safe to call concurrently from multiple goroutines. A nil
// w or r skips the corresponding half of the transfer:
//
//	i2c.Tx(addr, nil, r) // read only
//	i2c.Tx(addr, w, nil) // write only
type I2C interface {
	Tx(addr uint16, w, r []byte) error
}

// MPN represents the manufacturer part number
type MPN uint8

// I2CAddress returns the I2C address of the FUSB302.
func (m MPN) I2CAddress() uint8 {
	return uint8(m)
}

// Manufacturer part numbers
const (
	FUSB302BUCX   MPN = 0b100010
	FUSB302BMPX   MPN = 0b100010
	FUSB302VMPX   MPN = 0b100010
	FUSB302B01MPX MPN = 0b100011
	FUSB302B10MPX MPN = 0b100100
	FUSB302B11MPX MPN = 0b100101
)

// frameSize is large enough for the biggest raw message frame the
// protocol layer ever transmits or receives: a non-extended message, or
// a single extended chunk (message.MaxMessageBytes covers both, since a
// chunk's wire size never exceeds a full non-extended message's).
const frameSize = message.MaxMessageBytes

// msgQueueSize bounds the received-frame backlog; like the original
// driver, a full queue drops frames rather than blocking interrupt
// processing.
const msgQueueSize = 10

// pollInterval is how often Run polls the interrupt registers, in the
// absence of a hardware interrupt line wired into this driver.
const pollInterval = time.Millisecond

// ErrInvalidCCState is returned when the CC state is invalid.
var ErrInvalidCCState = errors.New("fusb302: invalid cc state")

// FUSB302 is a usbpd.Driver for the FUSB302. Run must be started in its
// own goroutine before the driver is handed to protocol.NewLayer; it
// polls the interrupt registers and feeds WaitForVBUS/Receive.
type FUSB302 struct {
	port I2C
	addr uint16

	intA uint8 // accumulates interrupt bits between polls

	frames      chan [frameSize]byte
	vbus        chan struct{}
	hardResetRx chan struct{}

	buf [frameSize + 10]byte // tx/rx scratch, avoids per-call heap allocation
}

// New creates a controller. The I2C port must run at <=1MHz.
func New(port I2C, mpn MPN) *FUSB302 {
	return &FUSB302{
		port:        port,
		addr:        uint16(mpn.I2CAddress()),
		frames:      make(chan [frameSize]byte, msgQueueSize),
		vbus:        make(chan struct{}),
		hardResetRx: make(chan struct{}, 1),
	}
}

func (f *FUSB302) write(r uint8, d byte) error {
	f.buf[0] = r
	f.buf[1] = d
	return f.port.Tx(f.addr, f.buf[:2], nil)
}

func (f *FUSB302) read(r uint8) (byte, error) {
	f.buf[0] = r
	err := f.port.Tx(f.addr, f.buf[:1], f.buf[1:2])
	return f.buf[1], err
}

func (f *FUSB302) writeMany(r uint8, d []byte) error {
	f.buf[0] = r
	copy(f.buf[1:], d)
	return f.port.Tx(f.addr, f.buf[:len(d)+1], nil)
}

func (f *FUSB302) readMany(r uint8, d []byte) error {
	f.buf[0] = r
	err := f.port.Tx(f.addr, f.buf[:1], f.buf[1:len(d)+1])
	if err == nil {
		copy(d, f.buf[1:len(d)+1])
	}
	return err
}

// Init resets the chip and arms CC detection, VBUS and receive
// interrupts. Call once before Run.
func (f *FUSB302) Init() error {
	if err := f.write(regReset, regResetSWReset); err != nil {
		return err
	}
	if err := f.write(regControl1, 0b100); err != nil { // flush rx fifo
		return err
	}
	if err := f.write(regPower, regPowerPwrAll); err != nil {
		return err
	}
	if err := f.write(regControl2, 0b00000101); err != nil { // auto CC detect, sink mode
		return err
	}
	if err := f.write(regControl3, 0b111); err != nil { // auto retry
		return err
	}
	return nil
}

// Run polls the interrupt registers until ctx is canceled, dispatching
// received frames and VBUS transitions to WaitForVBUS/Receive. It is the
// driver's only background activity; everything else happens inline in
// response to a Layer call.
func (f *FUSB302) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.poll(); err != nil {
				return err
			}
		}
	}
}

func (f *FUSB302) poll() error {
	regs := make([]byte, 7)
	if err := f.readMany(regStatus0A, regs); err != nil {
		return err
	}
	status0A, _, intA, _, status0, _, intT := regs[0], regs[1], regs[2], regs[3], regs[4], regs[5], regs[6]
	intA |= f.intA
	f.intA = 0

	// Soft reset surfaces through the normal receive path: the source
	// also sends the Soft_Reset control message over the wire, which
	// drainReceiveFIFO below picks up like any other message.

	if intA&regInterruptAHardReset != 0 && status0A&regStatus0ARxHardReset != 0 {
		select {
		case f.hardResetRx <- struct{}{}:
		default:
		}
	}

	if intA&regInterruptATogDone != 0 {
		if err := f.finishCCDetect(status0); err != nil {
			return err
		}
	}

	if intT&regInterruptVBusOK != 0 && status0&regStatus0VBusOK != 0 {
		select {
		case f.vbus <- struct{}{}:
		default:
		}
	}

	if intT&regInterruptCRCChk != 0 {
		f.drainReceiveFIFO()
	}

	return nil
}

func (f *FUSB302) finishCCDetect(status0 byte) error {
	status1A, err := f.read(regStatus1A)
	if err != nil {
		return err
	}
	if err := f.write(regControl2, 0); err != nil { // disable auto detect
		return err
	}
	var pol, meas uint8
	switch (status1A >> regStatus1ATogSSPos) & regStatus1ATogSSMask {
	case regStatus1ATogSSSnk1:
		pol, meas = regSwitches1TxCC1En, regSwitches0MeasCC1
	case regStatus1ATogSSSnk2:
		pol, meas = regSwitches1TxCC2En, regSwitches0MeasCC2
	default:
		return ErrInvalidCCState
	}
	if err := f.write(regSwitches1, regSwitches1SpecRev1|regSwitches1AutoGCRC|pol); err != nil {
		return err
	}
	return f.write(regSwitches0, meas|regSwitches0CC1PdEn|regSwitches0CC2PdEn)
}

// drainReceiveFIFO reads every frame the hardware has queued and
// forwards it to f.frames, dropping frames only if that queue is full.
func (f *FUSB302) drainReceiveFIFO() {
	for {
		var frame [frameSize]byte
		n, err := f.rx(frame[:])
		if err != nil || n == 0 {
			return
		}
		select {
		case f.frames <- frame:
		default:
		}
	}
}

// rx reads a single raw frame (header plus data objects, CRC discarded)
// off the hardware FIFO into buf, returning its length. The hardware's
// automatic GoodCRC response means a GoodCRC frame itself never reaches
// here; what protocol.Layer sees is only genuine messages.
func (f *FUSB302) rx(buf []byte) (int, error) {
	status1, err := f.read(regStatus1)
	if err != nil {
		return 0, err
	}
	if status1&regStatus1RxEmpty != 0 {
		return 0, nil
	}

	var hdr [3]byte
	if err := f.readMany(regFIFOs, hdr[:]); err != nil {
		return 0, err
	}
	buf[0], buf[1] = hdr[1], hdr[2]
	h := message.HeaderFromBytes(buf[:2])
	n := int(h.NumDataObjects())

	if n > 0 {
		if err := f.readMany(regFIFOs, buf[2:2+n*4]); err != nil {
			return 0, err
		}
	}
	var crc [4]byte
	if err := f.readMany(regFIFOs, crc[:]); err != nil {
		return 0, err
	}
	return 2 + n*4, nil
}

// WaitForVBUS implements usbpd.Driver.
func (f *FUSB302) WaitForVBUS(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.vbus:
		return nil
	}
}

// Receive implements usbpd.Driver.
func (f *FUSB302) Receive(ctx context.Context, buf []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-f.hardResetRx:
		return 0, &usbpd.DriverRxError{HardReset: true}
	case frame := <-f.frames:
		n := copy(buf, frame[:])
		return n, nil
	}
}

// Transmit implements usbpd.Driver. The hardware handles GoodCRC
// handshaking and retry in silicon; this blocks until it reports success
// or failure.
func (f *FUSB302) Transmit(ctx context.Context, data []byte) error {
	if err := f.write(regControl0, 0b01100100); err != nil { // flush tx fifo
		return err
	}

	var frame [9 + frameSize]byte
	copy(frame[:4], []byte{fifoTokenSync1, fifoTokenSync1, fifoTokenSync1, fifoTokenSync2})
	mlen := copy(frame[5:], data)
	frame[4] = fifoTokenPackSym | byte(mlen)
	copy(frame[5+mlen:], []byte{fifoTokenJamCRC, fifoTokenEOP, fifoTokenTxOff, fifoTokenTxOn})
	plen := 9 + mlen

	if err := f.writeMany(regFIFOs, frame[:plen]); err != nil {
		return &usbpd.DriverTxError{}
	}

	for {
		select {
		case <-ctx.Done():
			return &usbpd.DriverTxError{}
		default:
		}
		r, err := f.read(regInterruptA)
		if err != nil {
			return err
		}
		f.intA |= r
		if r&regInterruptATxSuccess != 0 {
			return nil
		}
		if r&regInterruptARetryFail != 0 {
			return &usbpd.DriverTxError{}
		}
		time.Sleep(time.Millisecond)
	}
}

// TransmitHardReset implements usbpd.Driver.
func (f *FUSB302) TransmitHardReset(ctx context.Context) error {
	r, err := f.read(regControl3)
	if err != nil {
		return err
	}
	if err := f.write(regControl3, r|regControl3SendHardReset); err != nil {
		return err
	}
	for i := 0; i < 10; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		intA, err := f.read(regInterruptA)
		if err != nil {
			return err
		}
		f.intA |= intA
		if intA&regInterruptAHardSent != 0 {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return &usbpd.DriverTxError{HardReset: true}
}

const (
	regSwitches0        = 0x02
	regSwitches0MeasCC2 = 1 << 3
	regSwitches0MeasCC1 = 1 << 2
	regSwitches0CC2PdEn = 1 << 1
	regSwitches0CC1PdEn = 1 << 0

	regSwitches1         = 0x03
	regSwitches1SpecRev1 = 1 << 6
	regSwitches1AutoGCRC = 1 << 2
	regSwitches1TxCC2En  = 1 << 1
	regSwitches1TxCC1En  = 1 << 0

	regControl0 = 0x06
	regControl1 = 0x07
	regControl2 = 0x08

	regControl3              = 0x09
	regControl3SendHardReset = 1 << 6

	regPower       = 0x0B
	regPowerPwrAll = 0xF

	regReset        = 0x0C
	regResetSWReset = 1 << 0

	regStatus0A            = 0x3C
	regStatus0ARxSoftReset = 1 << 1
	regStatus0ARxHardReset = 1 << 0

	regStatus1A = 0x3D

	regStatus1ATogSSSnk1 = 0b101
	regStatus1ATogSSSnk2 = 0b110
	regStatus1ATogSSPos  = 3
	regStatus1ATogSSMask = 0x7

	regInterruptA          = 0x3E
	regInterruptATogDone   = 1 << 6
	regInterruptARetryFail = 1 << 4
	regInterruptAHardSent  = 1 << 3
	regInterruptATxSuccess = 1 << 2
	regInterruptASoftReset = 1 << 1
	regInterruptAHardReset = 1 << 0

	regStatus0       = 0x40
	regStatus0VBusOK = 1 << 7

	regStatus1        = 0x41
	regStatus1RxEmpty = 1 << 5

	regInterruptVBusOK = 1 << 7
	regInterruptCRCChk = 1 << 4

	regFIFOs = 0x43

	fifoTokenTxOn    = 0xA1
	fifoTokenSync1   = 0x12
	fifoTokenSync2   = 0x13
	fifoTokenPackSym = 0x80
	fifoTokenJamCRC  = 0xFF
	fifoTokenEOP     = 0x14
	fifoTokenTxOff   = 0xFE
)
