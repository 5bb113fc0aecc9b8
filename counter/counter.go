// Package counter implements the wrapping counters the sink policy engine
// uses for retry attempts and message IDs (USB PD Table 6.70).
package counter

import "errors"

// ErrOverrun is returned by Increment when the counter wraps back to zero.
var ErrOverrun = errors.New("counter: overrun")

// Type selects a counter's wrap-around bound.
type Type uint8

// Counter types, each with its own max value per USB PD Table 6.70.
const (
	Busy Type = iota
	Caps
	DiscoverIdentity
	HardReset
	MessageID
	Retry
)

func maxValue(t Type) uint8 {
	switch t {
	case Busy:
		return 5
	case Caps:
		return 50
	case DiscoverIdentity:
		return 20
	case HardReset:
		return 2
	case MessageID:
		return 7
	case Retry:
		return 2
	default:
		return 0
	}
}

// Counter is a small wrapping counter: Set and Increment wrap modulo
// max+1 rather than overflow.
type Counter struct {
	value, max uint8
}

// New builds a zeroed counter of the given type.
func New(t Type) Counter {
	return Counter{value: 0, max: maxValue(t)}
}

// NewFromValue builds a counter of the given type preset to value, wrapped
// into range. Unlike Increment, this never reports an error: wrapping on
// construction is a normal way to resume a counter from a remembered value.
func NewFromValue(t Type, value uint8) Counter {
	c := New(t)
	c.Set(value)
	return c
}

// Set assigns value, wrapping modulo max+1.
func (c *Counter) Set(value uint8) {
	c.value = value % (c.max + 1)
}

// Value returns the current value.
func (c Counter) Value() uint8 { return c.value }

// Increment advances the counter by one, wrapping modulo max+1. It reports
// ErrOverrun iff the increment wrapped back to exactly zero.
func (c *Counter) Increment() error {
	c.Set(c.value + 1)
	if c.value == 0 {
		return ErrOverrun
	}
	return nil
}

// Reset sets the counter back to zero.
func (c *Counter) Reset() { c.value = 0 }
