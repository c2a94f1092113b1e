package agent

import (
	"github.com/rs/zerolog/log"
)

// ByteStream reassembles arbitrary-sized byte chunks into fixed-duration
// audio frames. Chunk boundaries never affect the emitted frame sequence.
type ByteStream struct {
	sampleRate    int
	channels      int
	samplesPerCh  int
	bytesPerFrame int
	buf           []byte
}

// NewByteStream sizes frames at samplesPerChannel samples; zero picks the
// 20 ms default (sampleRate/50) that streaming STT vendors expect.
func NewByteStream(sampleRate, channels, samplesPerChannel int) *ByteStream {
	if samplesPerChannel <= 0 {
		samplesPerChannel = sampleRate / 50
	}
	return &ByteStream{
		sampleRate:    sampleRate,
		channels:      channels,
		samplesPerCh:  samplesPerChannel,
		bytesPerFrame: channels * samplesPerChannel * 2,
	}
}

// Write appends bytes and emits every complete frame available, keeping the
// remainder for the next call.
func (s *ByteStream) Write(p []byte) []AudioFrame {
	s.buf = append(s.buf, p...)

	var frames []AudioFrame
	for len(s.buf) >= s.bytesPerFrame {
		data := make([]byte, s.bytesPerFrame)
		copy(data, s.buf[:s.bytesPerFrame])
		s.buf = s.buf[s.bytesPerFrame:]
		frames = append(frames, NewAudioFrame(data, s.sampleRate, s.channels, s.samplesPerCh))
	}
	return frames
}

// Flush emits the buffered remainder as one short frame. A remainder that is
// not a whole number of samples would corrupt alignment downstream, so it is
// dropped with a warning instead.
func (s *ByteStream) Flush() []AudioFrame {
	if len(s.buf) == 0 {
		return nil
	}
	if len(s.buf)%(2*s.channels) != 0 {
		log.Warn().Str("module", "agent.bytestream").Int("pending", len(s.buf)).Msg("incomplete frame during flush, dropping")
		s.buf = nil
		return nil
	}

	data := s.buf
	s.buf = nil
	return []AudioFrame{
		NewAudioFrame(data, s.sampleRate, s.channels, len(data)/(2*s.channels)),
	}
}
