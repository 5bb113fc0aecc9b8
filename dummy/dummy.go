// Package dummy provides minimal usbpd.Driver, protocol.Timer and
// policy.DPM implementations for tests, plus a canned set of source
// capabilities to exercise against.
package dummy

import (
	"context"
	"sync"

	"github.com/elagil/go-usbpd/policy"
	"github.com/elagil/go-usbpd/protocol"
)

// Driver is an in-memory usbpd.Driver: Receive plays back frames queued
// with InjectReceived, and Transmit records every frame sent so a test
// can assert on it with TakeTransmitted.
type Driver struct {
	mu   sync.Mutex
	rx   chan []byte
	tx   [][]byte
	vbus chan struct{}
}

// rxQueueSize bounds how many frames a test can queue ahead of the
// engine consuming them.
const rxQueueSize = 32

// NewDriver creates a Driver with VBUS already present.
func NewDriver() *Driver {
	d := &Driver{
		rx:   make(chan []byte, rxQueueSize),
		vbus: make(chan struct{}),
	}
	close(d.vbus)
	return d
}

// InjectReceived queues a raw frame for a future Receive call to return.
func (d *Driver) InjectReceived(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.rx <- cp
}

// TakeTransmitted pops the oldest frame Transmit recorded, or nil if
// none are queued.
func (d *Driver) TakeTransmitted() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tx) == 0 {
		return nil
	}
	f := d.tx[0]
	d.tx = d.tx[1:]
	return f
}

// WaitForVBUS implements usbpd.Driver.
func (d *Driver) WaitForVBUS(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.vbus:
		return nil
	}
}

// Receive implements usbpd.Driver. It blocks until InjectReceived
// supplies a frame, or ctx is canceled.
func (d *Driver) Receive(ctx context.Context, buf []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case f := <-d.rx:
		return copy(buf, f), nil
	}
}

// Transmit implements usbpd.Driver, recording data for TakeTransmitted.
func (d *Driver) Transmit(ctx context.Context, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	d.tx = append(d.tx, cp)
	return nil
}

// TransmitHardReset implements usbpd.Driver; it records no frame since a
// hard reset is a signal, not a message.
func (d *Driver) TransmitHardReset(ctx context.Context) error {
	return nil
}

// Timer is a protocol.Timer whose After channels are controlled by a
// test via Fire, so timer races in the engine can be driven
// deterministically instead of waiting on real durations.
type Timer struct {
	mu      sync.Mutex
	pending map[protocol.TimerType][]chan struct{}
	armed   chan protocol.TimerType
}

// NewTimer creates an idle Timer: every TimerType pends until Fire is
// called for it.
func NewTimer() *Timer {
	return &Timer{
		pending: make(map[protocol.TimerType][]chan struct{}),
		armed:   make(chan protocol.TimerType, 64),
	}
}

// After implements protocol.Timer.
func (t *Timer) After(ctx context.Context, tt protocol.TimerType) <-chan struct{} {
	ch := make(chan struct{})
	t.mu.Lock()
	t.pending[tt] = append(t.pending[tt], ch)
	t.mu.Unlock()
	t.armed <- tt
	return ch
}

// WaitArmed blocks until tt has been armed by a call to After, then
// returns. A test uses this to fire a timer the instant code-under-test
// arms it, without racing a real sleep against the arm.
func (t *Timer) WaitArmed(tt protocol.TimerType) {
	for armed := range t.armed {
		if armed == tt {
			return
		}
	}
}

// Fire closes every channel currently waiting on tt, simulating its
// expiry.
func (t *Timer) Fire(tt protocol.TimerType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.pending[tt] {
		close(ch)
	}
	t.pending[tt] = nil
}

// DPM is a policy.DPM built on policy.BaseDPM: embed it and set only the
// *Func fields a given test cares about.
type DPM struct {
	policy.BaseDPM
}

// NewDPM creates a DPM with every method defaulted per policy.BaseDPM.
func NewDPM() *DPM { return &DPM{} }
