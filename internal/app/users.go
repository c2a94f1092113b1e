package app

import (
	"sync"
	"time"

	"github.com/dkeye/Copilot/internal/agent"
	"github.com/dkeye/Copilot/internal/domain"
	"github.com/dkeye/Copilot/internal/media"
	"github.com/rs/zerolog/log"
)

// User holds one participant's identity, socket binding and media resources.
// Media fields are guarded by mu; the registry indexes are guarded separately.
type User struct {
	Identity domain.Identity
	SocketID string
	LastSeen time.Time

	mu            sync.Mutex
	sendTransport *media.Transport
	recvTransport *media.Transport
	producer      *media.Producer
	consumers     map[string]*media.Consumer
	tap           *media.DirectConsumer
	injector      *media.DirectProducer
	pipeline      *agent.Pipeline
}

func newUser(identity domain.Identity, socketID string) *User {
	return &User{
		Identity:  identity,
		SocketID:  socketID,
		LastSeen:  time.Now(),
		consumers: make(map[string]*media.Consumer),
	}
}

func (u *User) SetSendTransport(t *media.Transport) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sendTransport = t
}

func (u *User) SendTransport() (*media.Transport, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sendTransport, u.sendTransport != nil
}

func (u *User) SetRecvTransport(t *media.Transport) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.recvTransport = t
}

func (u *User) RecvTransport() (*media.Transport, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.recvTransport, u.recvTransport != nil
}

func (u *User) SetProducer(p *media.Producer) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.producer = p
}

func (u *User) Producer() (*media.Producer, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.producer, u.producer != nil
}

func (u *User) AddConsumer(c *media.Consumer) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.consumers[c.ID] = c
}

func (u *User) Consumer(id string) (*media.Consumer, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c, ok := u.consumers[id]
	return c, ok
}

// AttachAgent records the copilot handles wired by start-produce.
func (u *User) AttachAgent(tap *media.DirectConsumer, injector *media.DirectProducer, p *agent.Pipeline) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tap = tap
	u.injector = injector
	u.pipeline = p
}

// destroy releases every resource the user holds. Best-effort: each close is
// independent and never propagates an error.
func (u *User) destroy() {
	u.mu.Lock()
	pipeline := u.pipeline
	tap := u.tap
	injector := u.injector
	producer := u.producer
	consumers := u.consumers
	send := u.sendTransport
	recv := u.recvTransport
	u.pipeline = nil
	u.tap = nil
	u.injector = nil
	u.producer = nil
	u.consumers = make(map[string]*media.Consumer)
	u.sendTransport = nil
	u.recvTransport = nil
	u.mu.Unlock()

	if pipeline != nil {
		pipeline.Close()
	}
	if tap != nil {
		tap.Close()
	}
	if injector != nil {
		injector.Close()
	}
	if producer != nil {
		producer.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	if send != nil {
		send.Close()
	}
	if recv != nil {
		recv.Close()
	}
	log.Info().Str("module", "app.users").
		Str("user_id", string(u.Identity.UserID)).
		Msg("user resources released")
}

type ChangeKind string

const (
	UserAdded   ChangeKind = "added"
	UserRebound ChangeKind = "rebound"
	UserRemoved ChangeKind = "removed"
)

type ChangeEvent struct {
	Kind ChangeKind
	User *User
	// PrevSocketID is set on rebinds so the superseded connection can be
	// detached without touching media.
	PrevSocketID string
}

// UserRegistry indexes users by user id and by live socket id. A user exists
// once; reconnecting rebinds the socket index.
type UserRegistry struct {
	mu         sync.RWMutex
	byUserID   map[domain.UserID]*User
	bySocketID map[string]*User
	onChange   []func(ChangeEvent)
}

func NewUserRegistry() *UserRegistry {
	return &UserRegistry{
		byUserID:   make(map[domain.UserID]*User),
		bySocketID: make(map[string]*User),
	}
}

// OnChange registers a callback invoked after every registry mutation,
// outside the registry lock.
func (r *UserRegistry) OnChange(fn func(ChangeEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *UserRegistry) notify(ev ChangeEvent) {
	r.mu.RLock()
	fns := make([]func(ChangeEvent), len(r.onChange))
	copy(fns, r.onChange)
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// AddOrUpdate creates the user or rebinds an existing one to a new socket.
// The returned event tells the caller which happened.
func (r *UserRegistry) AddOrUpdate(identity domain.Identity, socketID string) (*User, ChangeEvent) {
	r.mu.Lock()
	u, ok := r.byUserID[identity.UserID]
	var ev ChangeEvent
	if ok {
		prev := u.SocketID
		if prev != "" && prev != socketID {
			delete(r.bySocketID, prev)
		}
		u.Identity = identity
		u.SocketID = socketID
		u.LastSeen = time.Now()
		r.bySocketID[socketID] = u
		ev = ChangeEvent{Kind: UserRebound, User: u, PrevSocketID: prev}
		log.Info().Str("module", "app.users").
			Str("user_id", string(identity.UserID)).
			Str("socket_id", socketID).
			Str("prev_socket_id", prev).
			Msg("user rebound to new socket")
	} else {
		u = newUser(identity, socketID)
		r.byUserID[identity.UserID] = u
		r.bySocketID[socketID] = u
		ev = ChangeEvent{Kind: UserAdded, User: u}
		log.Info().Str("module", "app.users").
			Str("user_id", string(identity.UserID)).
			Str("socket_id", socketID).
			Str("role", string(identity.Role)).
			Msg("user registered")
	}
	r.mu.Unlock()

	r.notify(ev)
	return u, ev
}

func (r *UserRegistry) GetByUserID(id domain.UserID) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byUserID[id]
	return u, ok
}

func (r *UserRegistry) GetBySocketID(socketID string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.bySocketID[socketID]
	return u, ok
}

// RemoveByUserID destroys the user's resources and evicts both indexes.
func (r *UserRegistry) RemoveByUserID(id domain.UserID) {
	r.mu.Lock()
	u, ok := r.byUserID[id]
	if ok {
		delete(r.byUserID, id)
		delete(r.bySocketID, u.SocketID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	u.destroy()
	r.notify(ChangeEvent{Kind: UserRemoved, User: u})
}

// RemoveBySocketID removes the user only if the socket is still its current
// binding; a stale socket from before a reconnect is ignored.
func (r *UserRegistry) RemoveBySocketID(socketID string) {
	r.mu.Lock()
	u, ok := r.bySocketID[socketID]
	if ok && u.SocketID == socketID {
		delete(r.byUserID, u.Identity.UserID)
		delete(r.bySocketID, socketID)
	} else {
		ok = false
		delete(r.bySocketID, socketID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	u.destroy()
	r.notify(ChangeEvent{Kind: UserRemoved, User: u})
}

// Unbind drops only the socket index entry, keeping the user alive for a
// later reconnect.
func (r *UserRegistry) Unbind(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySocketID, socketID)
}
