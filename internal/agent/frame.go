package agent

import (
	"encoding/binary"
	"time"
)

// AudioFrame is a fixed-duration slice of 16-bit little-endian PCM.
// len(Data) is always Channels*SamplesPerChannel*2.
type AudioFrame struct {
	Data              []byte
	SampleRate        int
	Channels          int
	SamplesPerChannel int
}

func NewAudioFrame(data []byte, sampleRate, channels, samplesPerChannel int) AudioFrame {
	return AudioFrame{
		Data:              data,
		SampleRate:        sampleRate,
		Channels:          channels,
		SamplesPerChannel: samplesPerChannel,
	}
}

// Duration of the frame of audio, derived from the sample count.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(f.SamplesPerChannel) / float64(f.SampleRate) * float64(time.Second))
}

// Samples decodes the raw buffer into int16 samples.
func (f AudioFrame) Samples() []int16 {
	out := make([]int16, len(f.Data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(f.Data[i*2 : i*2+2]))
	}
	return out
}
