package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketizerAdvancesClock(t *testing.T) {
	p := NewPacketizer(0xCAFE, 0)

	first := p.Packetize([]byte("one"), 960)
	second := p.Packetize([]byte("two"), 960)

	assert.Equal(t, uint8(2), first.Version)
	assert.Equal(t, uint8(DefaultPayloadType), first.PayloadType)
	assert.Equal(t, uint32(0xCAFE), first.SSRC)

	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, first.Timestamp+960, second.Timestamp)
	assert.Equal(t, []byte("two"), second.Payload)
}

func TestDepacketizeRoundTrip(t *testing.T) {
	p := NewPacketizer(7, 111)
	buf, err := p.Packetize([]byte("payload bytes"), 480).Marshal()
	require.NoError(t, err)

	payload, err := Depacketize(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload bytes"), payload)
}

func TestDepacketizeRejectsGarbage(t *testing.T) {
	_, err := Depacketize([]byte{0x01})
	assert.Error(t, err)
}

func TestRawCodecPassthrough(t *testing.T) {
	c := RawCodec{}
	out, err := c.Encode([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, out)

	out, err = c.Decode([]byte{4, 5})
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, out)
}
