package agent

import (
	"github.com/pion/rtp"
)

// Depacketize parses one inbound RTP packet and returns its media payload,
// leaving header extensions behind.
func Depacketize(buf []byte) ([]byte, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}

// DefaultPayloadType matches the dynamic payload type the media engine
// assigns to opus.
const DefaultPayloadType = 100

// Packetizer builds outbound RTP packets with monotonically increasing
// sequence numbers and timestamps advanced by the frame's sample count.
// Not safe for concurrent use; each pipeline owns one.
type Packetizer struct {
	ssrc        uint32
	payloadType uint8
	seq         uint16
	timestamp   uint32
}

func NewPacketizer(ssrc uint32, payloadType uint8) *Packetizer {
	if payloadType == 0 {
		payloadType = DefaultPayloadType
	}
	return &Packetizer{ssrc: ssrc, payloadType: payloadType}
}

// Packetize wraps one encoded payload. samplesPerChannel is how far the RTP
// clock advances for this packet.
func (p *Packetizer) Packetize(payload []byte, samplesPerChannel uint32) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    p.payloadType,
			SequenceNumber: p.seq,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.seq++
	p.timestamp += samplesPerChannel
	return pkt
}
