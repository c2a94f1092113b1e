package media

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RTPCodecCapability mirrors what clients need to negotiate against the
// router's media engine.
type RTPCodecCapability struct {
	MimeType             string `json:"mimeType"`
	ClockRate            uint32 `json:"clockRate"`
	Channels             uint16 `json:"channels"`
	PreferredPayloadType uint8  `json:"preferredPayloadType"`
	Parameters           string `json:"parameters,omitempty"`
}

type RTPCapabilities struct {
	Codecs []RTPCodecCapability `json:"codecs"`
}

// Router is the per-room media context: it lives on one worker and owns the
// producers of everyone in the room.
type Router struct {
	ID     string
	worker *Worker

	mu        sync.RWMutex
	producers map[string]*Producer
	closed    bool
}

// CreateRouter places a new router on the least-busy worker.
func (p *Pool) CreateRouter() (*Router, error) {
	w, err := p.Least()
	if err != nil {
		return nil, err
	}
	r := &Router{
		ID:        uuid.NewString(),
		worker:    w,
		producers: make(map[string]*Producer),
	}
	log.Info().Str("module", "media.router").
		Str("router_id", r.ID).
		Int("worker", w.Index()).
		Msg("router created")
	return r, nil
}

func (r *Router) Worker() *Worker { return r.worker }

// Capabilities the clients must intersect with before producing or consuming.
func (r *Router) Capabilities() RTPCapabilities {
	return RTPCapabilities{
		Codecs: []RTPCodecCapability{{
			MimeType:             webrtc.MimeTypeOpus,
			ClockRate:            48000,
			Channels:             2,
			PreferredPayloadType: 111,
			Parameters:           "minptime=10;useinbandfec=1",
		}},
	}
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		p.Close()
		return
	}
	r.producers[p.ID] = p
}

func (r *Router) Producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

// Producers snapshots every live producer on the router.
func (r *Router) Producers() []*Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Producer, 0, len(r.producers))
	for _, p := range r.producers {
		out = append(out, p)
	}
	return out
}

// CanConsume reports whether the producer exists and carries a kind this
// router can serve.
func (r *Router) CanConsume(producerID string) bool {
	p, ok := r.Producer(producerID)
	return ok && p.Kind == "audio"
}

// RemoveProducer closes the producer and forgets it.
func (r *Router) RemoveProducer(id string) {
	r.mu.Lock()
	p, ok := r.producers[id]
	if ok {
		delete(r.producers, id)
	}
	r.mu.Unlock()
	if ok {
		p.Close()
	}
}

// CreateDirectConsumer taps producerID for in-process consumption.
func (r *Router) CreateDirectConsumer(producerID string, size int) (*DirectConsumer, error) {
	p, ok := r.Producer(producerID)
	if !ok {
		return nil, ErrProducerNotFound
	}
	return newDirectConsumer(uuid.NewString(), p, size), nil
}

// CreateDirectProducer registers an in-process audio source on the router.
func (r *Router) CreateDirectProducer(userID string) *DirectProducer {
	p := newProducer(uuid.NewString(), userID, r.worker, nil)
	r.addProducer(p)
	return &DirectProducer{p: p}
}

// Close tears down every producer. Idempotent.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	producers := make([]*Producer, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	r.producers = make(map[string]*Producer)
	r.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	log.Info().Str("module", "media.router").Str("router_id", r.ID).Msg("router closed")
}

// Registry maps room IDs to their routers.
type Registry struct {
	mu      sync.RWMutex
	routers map[string]*Router
}

func NewRegistry() *Registry {
	return &Registry{routers: make(map[string]*Router)}
}

func (reg *Registry) Add(roomID string, r *Router) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.routers[roomID] = r
}

func (reg *Registry) Get(roomID string) (*Router, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.routers[roomID]
	return r, ok
}

func (reg *Registry) Has(roomID string) bool {
	_, ok := reg.Get(roomID)
	return ok
}

// Remove closes the router if present.
func (reg *Registry) Remove(roomID string) {
	reg.mu.Lock()
	r, ok := reg.routers[roomID]
	if ok {
		delete(reg.routers, roomID)
	}
	reg.mu.Unlock()
	if ok {
		r.Close()
	}
}
