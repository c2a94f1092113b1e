package media

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/dkeye/Copilot/internal/agent"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Consumer delivers one producer's audio to a client over an RTP sender.
// It starts paused; the client resumes it once its receiver is wired.
type Consumer struct {
	ID         string
	ProducerID string
	Track      *webrtc.TrackLocalStaticRTP

	sender   *webrtc.RTPSender
	sub      *Subscription
	producer *Producer
	closed   atomic.Bool
}

// ConsumerParams is what the client needs to receive this consumer.
type ConsumerParams struct {
	ID            string                `json:"id"`
	ProducerID    string                `json:"producerId"`
	Kind          string                `json:"kind"`
	RTPParameters webrtc.RTPParameters `json:"rtpParameters"`
}

func (c *Consumer) Params() ConsumerParams {
	return ConsumerParams{
		ID:            c.ID,
		ProducerID:    c.ProducerID,
		Kind:          "audio",
		RTPParameters: c.sender.GetParameters().RTPParameters,
	}
}

func (c *Consumer) Resume() { c.sub.Resume() }
func (c *Consumer) Pause()  { c.sub.Pause() }

func (c *Consumer) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.producer.Unsubscribe(c.ID)
	if err := c.sender.Stop(); err != nil {
		log.Warn().Err(err).Str("module", "media.consumer").Str("consumer_id", c.ID).Msg("sender stop")
	}
}

// DirectConsumer taps a producer in-process: packets are queued as raw RTP
// for the copilot to drain. The queue never blocks the forwarding loop; when
// the copilot falls behind, packets are dropped and counted.
type DirectConsumer struct {
	ID         string
	ProducerID string

	producer *Producer
	q        *agent.Queue[[]byte]
	sub      *Subscription
	dropped  atomic.Int64
}

func newDirectConsumer(id string, producer *Producer, size int) *DirectConsumer {
	d := &DirectConsumer{
		ID:         id,
		ProducerID: producer.ID,
		producer:   producer,
		q:          agent.NewQueue[[]byte](size),
	}
	d.sub = producer.Subscribe(id, d, false)
	return d
}

// WriteRTP is called by the producer's forwarding loop.
func (d *DirectConsumer) WriteRTP(pkt *rtp.Packet) error {
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if err := d.q.TryPut(buf); err != nil {
		if errors.Is(err, agent.ErrQueueClosed) {
			return err
		}
		d.dropped.Add(1)
	}
	return nil
}

// ReadPacket blocks until a tapped packet is available.
func (d *DirectConsumer) ReadPacket(ctx context.Context) ([]byte, error) {
	return d.q.Get(ctx)
}

func (d *DirectConsumer) Dropped() int64 { return d.dropped.Load() }

func (d *DirectConsumer) Close() {
	d.producer.Unsubscribe(d.ID)
	d.q.Close()
}

// DirectProducer injects audio generated in-process into a router, making it
// consumable like any participant's producer.
type DirectProducer struct {
	p *Producer
}

func (d *DirectProducer) Producer() *Producer { return d.p }

// SendPacket accepts one marshaled RTP packet.
func (d *DirectProducer) SendPacket(buf []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return err
	}
	return d.p.Write(&pkt)
}

func (d *DirectProducer) Close() { d.p.Close() }
