package counter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStartsAtZero(t *testing.T) {
	c := New(MessageID)
	assert.Equal(t, uint8(0), c.Value())
}

func TestIncrementWrapsAndReportsOverrun(t *testing.T) {
	c := New(HardReset) // max == 2
	assert.NoError(t, c.Increment())
	assert.Equal(t, uint8(1), c.Value())
	assert.NoError(t, c.Increment())
	assert.Equal(t, uint8(2), c.Value())
	err := c.Increment()
	assert.ErrorIs(t, err, ErrOverrun)
	assert.Equal(t, uint8(0), c.Value())
}

func TestNewFromValueWrapsSilently(t *testing.T) {
	c := NewFromValue(Retry, 7) // max == 2, wraps to 7 % 3 == 1
	assert.Equal(t, uint8(1), c.Value())
}

func TestReset(t *testing.T) {
	c := New(Busy)
	_ = c.Increment()
	c.Reset()
	assert.Equal(t, uint8(0), c.Value())
}

func TestMaxValuesMatchSpecTable(t *testing.T) {
	cases := map[Type]uint8{
		Busy:             5,
		Caps:             50,
		DiscoverIdentity: 20,
		HardReset:        2,
		MessageID:        7,
		Retry:            2,
	}
	for typ, max := range cases {
		c := New(typ)
		assert.Equal(t, max, c.max)
	}
}
