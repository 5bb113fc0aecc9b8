package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedVariableSupplyRequestRoundTrip(t *testing.T) {
	r := NewFixedVariableSupply(3, 150, 300, true)
	assert.Equal(t, uint8(3), r.ObjectPosition())
	assert.True(t, r.CapabilityMismatch())
	assert.False(t, r.GiveBack())
}

func TestPPSRequestUnits(t *testing.T) {
	r := NewPPSRequest(5, 220, 100) // 20mV, 50mA units
	assert.Equal(t, uint8(5), r.ObjectPosition())
	assert.Equal(t, uint16(220), r.OutputVoltage())
	assert.Equal(t, uint8(100), r.OperatingCurrent())
}

func TestParseRawPDOFixedSupply(t *testing.T) {
	var fs FixedSupply = 100<<10 | 300 // 5V, 3A
	pdo := ParseRawPDO(uint32(fs))
	require.Equal(t, KindFixedSupply, pdo.Kind())
	require.NotNil(t, pdo.FixedSupply)
	assert.Equal(t, uint32(5000), pdo.FixedSupply.Voltage())
	assert.Equal(t, uint32(3000), pdo.FixedSupply.MaxCurrent())
}

func TestParseRawPDOAugmentedDiscriminatesSprVsEpr(t *testing.T) {
	sprRaw := uint32(0b11)<<30 | uint32(110)<<17 | uint32(33)<<8 | 100
	spr := ParseRawPDO(sprRaw)
	require.Equal(t, KindPPS, spr.Kind())
	require.NotNil(t, spr.Augmented.Spr)

	eprRaw := uint32(0b11)<<30 | uint32(0b01)<<28 | uint32(480)<<17 | uint32(90)<<8 | 48
	epr := ParseRawPDO(eprRaw)
	require.Equal(t, KindEPRAVS, epr.Kind())
	require.NotNil(t, epr.Augmented.Epr)
	assert.Equal(t, uint8(48), epr.Augmented.Epr.RawPDP())
}

func TestMessageToBytesThenDecodeMessageRoundTripsRequest(t *testing.T) {
	rdo := NewFixedVariableSupply(1, 100, 300, false)
	ps := PowerSource{FixedVariableSupply: &rdo}
	h := NewDataHeader(DataRequest, 2, 1, PowerRoleSink, DataRoleUFP, SpecRevision3_0)
	msg := NewDataMessage(h, Data{Request: &ps})

	var buf [MaxMessageBytes]byte
	n := msg.ToBytes(buf[:])
	require.Greater(t, n, 2)

	lookup := fixedLookup{}
	decoded, err := DecodeMessage(buf[:n], lookup)
	require.NoError(t, err)
	require.NotNil(t, decoded.Payload)
	require.NotNil(t, decoded.Payload.Data)
	require.NotNil(t, decoded.Payload.Data.Request)
	assert.Equal(t, uint8(1), decoded.Payload.Data.Request.ObjectPosition())
}

func TestDecodeMessageRejectsChunkedExtended(t *testing.T) {
	h := NewExtendedHeader(ExtendedEPRSourceCapabilities, 0, PowerRoleSink, DataRoleUFP, SpecRevision3_0)
	var buf [8]byte
	h.ToBytes(buf[:])
	var eh ExtendedHeader
	eh.SetChunked(true)
	eh.SetDataSize(60)
	eh.ToBytes(buf[2:])

	_, err := DecodeMessage(buf[:], NoPDOLookup{})
	require.Error(t, err)
	pe, ok := err.(*ParseError)
	require.True(t, ok)
	assert.Equal(t, "chunked_requires_reassembly", pe.Kind)
}

// fixedLookup reports every object position as a Fixed/Variable Supply
// RDO, enough to exercise DecodeMessage's Request dispatch.
type fixedLookup struct{}

func (fixedLookup) AtObjectPosition(position uint8) (Kind, bool) {
	return KindFixedSupply, true
}
