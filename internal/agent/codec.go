package agent

import (
	"encoding/binary"
	"fmt"

	"github.com/hraban/opus"
)

// Codec converts between raw 16-bit PCM and the wire codec. The pipeline
// only ever sees PCM; everything on an RTP transport is encoded.
type Codec interface {
	// Encode turns one PCM frame into a wire payload.
	Encode(pcm []byte) ([]byte, error)
	// Decode turns one wire payload back into PCM.
	Decode(wire []byte) ([]byte, error)
}

// OpusCodec encodes/decodes opus at a fixed rate and channel count.
type OpusCodec struct {
	enc        *opus.Encoder
	dec        *opus.Decoder
	sampleRate int
	channels   int
}

func NewOpusCodec(sampleRate, channels int) (*OpusCodec, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &OpusCodec{enc: enc, dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

func (c *OpusCodec) Encode(pcm []byte) ([]byte, error) {
	samples := bytesToInt16(pcm)
	out := make([]byte, 4000)
	n, err := c.enc.Encode(samples, out)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return out[:n], nil
}

func (c *OpusCodec) Decode(wire []byte) ([]byte, error) {
	// 120 ms at the configured rate is the longest legal opus frame.
	pcm := make([]int16, c.sampleRate/1000*120*c.channels)
	n, err := c.dec.Decode(wire, pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return int16ToBytes(pcm[:n*c.channels]), nil
}

// RawCodec passes PCM through untouched. Used when the vendor accepts the
// wire payload directly and in tests.
type RawCodec struct{}

func (RawCodec) Encode(pcm []byte) ([]byte, error)  { return pcm, nil }
func (RawCodec) Decode(wire []byte) ([]byte, error) { return wire, nil }

func bytesToInt16(p []byte) []int16 {
	out := make([]int16, len(p)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(p[i*2 : i*2+2]))
	}
	return out
}

func int16ToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(v))
	}
	return out
}
