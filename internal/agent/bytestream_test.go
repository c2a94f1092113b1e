package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteStreamReassemblesAcrossChunks(t *testing.T) {
	// 100 samples per frame, mono: 200 bytes per frame.
	bs := NewByteStream(16000, 1, 100)

	frames := bs.Write(make([]byte, 150))
	assert.Empty(t, frames)

	frames = bs.Write(make([]byte, 300)) // 450 buffered: two frames + 50 left
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Len(t, f.Data, 200)
		assert.Equal(t, 100, f.SamplesPerChannel)
		assert.Equal(t, 16000, f.SampleRate)
	}

	frames = bs.Flush()
	require.Len(t, frames, 1)
	assert.Len(t, frames[0].Data, 50)
	assert.Equal(t, 25, frames[0].SamplesPerChannel)
}

func TestByteStreamFrameContentPreserved(t *testing.T) {
	bs := NewByteStream(16000, 1, 2) // 4-byte frames

	frames := bs.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{1, 2, 3, 4}, frames[0].Data)
	assert.Equal(t, []byte{5, 6, 7, 8}, frames[1].Data)
}

func TestByteStreamDefaultIs20ms(t *testing.T) {
	bs := NewByteStream(48000, 2, 0)

	frames := bs.Write(make([]byte, 48000/50*2*2))
	require.Len(t, frames, 1)
	assert.Equal(t, 960, frames[0].SamplesPerChannel)
}

func TestByteStreamFlushDropsMisalignedRemainder(t *testing.T) {
	bs := NewByteStream(16000, 2, 100)

	bs.Write([]byte{1, 2, 3}) // not a whole stereo sample
	assert.Empty(t, bs.Flush())
	assert.Empty(t, bs.Flush()) // buffer really gone
}

func TestByteStreamFlushEmptyIsNil(t *testing.T) {
	bs := NewByteStream(16000, 1, 100)
	assert.Empty(t, bs.Flush())
}
