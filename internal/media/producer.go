package media

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PacketWriter is anything a producer can fan packets out to: a pion local
// track bound to a sender, or an in-process tap feeding the copilot.
type PacketWriter interface {
	WriteRTP(pkt *rtp.Packet) error
}

type SubState int32

const (
	SubOk SubState = iota
	SubPaused
	SubClosed
)

// Subscription is one destination of a producer's fan-out. State changes are
// atomic so the forwarding loop never takes a lock per packet.
type Subscription struct {
	sink  PacketWriter
	state atomic.Int32
}

func newSubscription(sink PacketWriter, paused bool) *Subscription {
	s := &Subscription{sink: sink}
	if paused {
		s.state.Store(int32(SubPaused))
	}
	return s
}

func (s *Subscription) State() SubState { return SubState(s.state.Load()) }
func (s *Subscription) Resume()         { s.state.Store(int32(SubOk)) }
func (s *Subscription) Pause()          { s.state.Store(int32(SubPaused)) }
func (s *Subscription) MarkClosed()     { s.state.Store(int32(SubClosed)) }

// Producer is one participant's inbound audio and its fan-out to every
// subscriber. It is fed either by a receive loop on a remote track or by
// direct injection through Write.
type Producer struct {
	ID     string
	UserID string
	Kind   string

	worker *Worker

	mu   sync.RWMutex
	subs map[string]*Subscription

	cancel context.CancelFunc
	closed atomic.Bool
}

func newProducer(id, userID string, worker *Worker, cancel context.CancelFunc) *Producer {
	return &Producer{
		ID:     id,
		UserID: userID,
		Kind:   "audio",
		worker: worker,
		subs:   make(map[string]*Subscription),
		cancel: cancel,
	}
}

// Subscribe attaches a destination. Consumers start paused so the client can
// wire its receiver before packets flow.
func (p *Producer) Subscribe(id string, sink PacketWriter, paused bool) *Subscription {
	sub := newSubscription(sink, paused)
	p.mu.Lock()
	p.subs[id] = sub
	p.mu.Unlock()
	return sub
}

func (p *Producer) Unsubscribe(id string) {
	p.mu.Lock()
	sub, ok := p.subs[id]
	if ok {
		delete(p.subs, id)
	}
	p.mu.Unlock()
	if ok {
		sub.MarkClosed()
	}
}

// Write injects one packet, fanning it out like packets read off a track.
func (p *Producer) Write(pkt *rtp.Packet) error {
	if p.closed.Load() {
		return webrtc.ErrConnectionClosed
	}
	logger := log.With().Str("module", "media.producer").Str("producer_id", p.ID).Logger()
	p.forward(pkt, &logger)
	return nil
}

// Close stops the receive loop and releases every subscriber. Idempotent.
func (p *Producer) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.markAllClosed()
}

// loop reads packets off the remote track and forwards them until the track
// or the context ends.
func (p *Producer) loop(ctx context.Context, src *webrtc.TrackRemote, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("producer ctx done, releasing subscribers")
			p.markAllClosed()
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("producer read RTP error, stopping")
			p.markAllClosed()
			return
		}

		start := time.Now()
		p.forward(pkt, logger)
		p.worker.AddUsage(time.Since(start))
	}
}

func (p *Producer) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	p.mu.RLock()
	snapshot := make(map[string]*Subscription, len(p.subs))
	maps.Copy(snapshot, p.subs)
	p.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for id, sub := range snapshot {
		switch sub.State() {
		case SubClosed:
			dirty = append(dirty, id)
		case SubPaused:
		case SubOk:
			if err := sub.sink.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("sub_id", id).
					Msg("producer write RTP error, dropping subscriber")
				sub.MarkClosed()
				dirty = append(dirty, id)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		p.cleanupClosed(dirty)
	}
}

func (p *Producer) cleanupClosed(dirty []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range dirty {
		delete(p.subs, id)
	}
}

func (p *Producer) markAllClosed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		sub.MarkClosed()
	}
}

func (p *Producer) subscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}
