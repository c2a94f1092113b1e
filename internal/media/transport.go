package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransportClosed  = errors.New("transport closed")
	ErrProducerNotFound = errors.New("producer not found")
)

// TransportParams is everything the client needs to connect to this
// transport: our ICE credentials, the gathered candidates and our DTLS
// fingerprints.
type TransportParams struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ConnectParams carries the client's answer: its ICE credentials and DTLS
// fingerprints.
type ConnectParams struct {
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// Transport is one ICE+DTLS pair between a participant and a router. A
// participant typically holds two: one to send, one to receive.
type Transport struct {
	ID string

	worker   *Worker
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	mu        sync.Mutex
	consumers []*Consumer
	closed    atomic.Bool
}

// CreateTransport builds a transport on the router's worker and gathers its
// candidates before returning, so Params is complete immediately.
func (r *Router) CreateTransport(ctx context.Context) (*Transport, error) {
	api := r.worker.api

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, err
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(done)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t := &Transport{
		ID:       uuid.NewString(),
		worker:   r.worker,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
	}
	log.Info().Str("module", "media.transport").
		Str("transport_id", t.ID).
		Str("router_id", r.ID).
		Msg("transport created")
	return t, nil
}

func (t *Transport) Params() (TransportParams, error) {
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return TransportParams{}, err
	}
	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return TransportParams{}, err
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return TransportParams{}, err
	}
	return TransportParams{
		ID:             t.ID,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}, nil
}

// Connect starts ICE as the controlled side against the client's parameters,
// then DTLS on top.
func (t *Transport) Connect(params ConnectParams) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, params.ICEParameters, &role); err != nil {
		return err
	}
	return t.dtls.Start(params.DTLSParameters)
}

// Produce starts receiving the client's track with the given SSRC and
// registers a producer for it on the router.
func (t *Transport) Produce(ctx context.Context, r *Router, userID string, ssrc uint32) (*Producer, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	recv, err := t.worker.api.NewRTPReceiver(webrtc.RTPCodecTypeAudio, t.dtls)
	if err != nil {
		return nil, err
	}
	if err := recv.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(ssrc)},
		}},
	}); err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancel(ctx)
	p := newProducer(uuid.NewString(), userID, t.worker, cancel)
	r.addProducer(p)

	logger := log.With().
		Str("module", "media.producer").
		Str("producer_id", p.ID).
		Str("user_id", userID).
		Logger()
	go p.loop(pctx, recv.Track(), &logger)
	return p, nil
}

// Consume attaches a paused RTP sender for the producer on this transport.
func (t *Transport) Consume(p *Producer) (*Consumer, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "copilot-"+p.ID)
	if err != nil {
		return nil, err
	}
	sender, err := t.worker.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, err
	}
	if err := sender.Send(sender.GetParameters()); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	c := &Consumer{
		ID:         id,
		ProducerID: p.ID,
		Track:      track,
		sender:     sender,
		sub:        p.Subscribe(id, track, true),
		producer:   p,
	}

	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

// Closed reports whether Close has run.
func (t *Transport) Closed() bool { return t.closed.Load() }

// Close stops consumers, DTLS and ICE. Errors are logged, never returned:
// transport teardown runs on paths that must not fail. Idempotent.
func (t *Transport) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()
	for _, c := range consumers {
		c.Close()
	}

	if err := t.dtls.Stop(); err != nil {
		log.Warn().Err(err).Str("module", "media.transport").Str("transport_id", t.ID).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		log.Warn().Err(err).Str("module", "media.transport").Str("transport_id", t.ID).Msg("ice stop")
	}
	if err := t.gatherer.Close(); err != nil {
		log.Warn().Err(err).Str("module", "media.transport").Str("transport_id", t.ID).Msg("gatherer close")
	}
	log.Info().Str("module", "media.transport").Str("transport_id", t.ID).Msg("transport closed")
}
