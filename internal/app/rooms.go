package app

import (
	"sync"

	"github.com/dkeye/Copilot/internal/apperr"
	"github.com/dkeye/Copilot/internal/domain"
	"github.com/dkeye/Copilot/internal/media"
	"github.com/rs/zerolog/log"
)

// Room is one two-party call: its participants, its media router and the
// coaching prompt the copilot is briefed with.
type Room struct {
	ID       domain.RoomID
	AuthorID domain.UserID
	Prompt   string

	router *media.Router

	mu           sync.Mutex
	participants map[domain.UserID]domain.Identity
}

func (r *Room) Router() *media.Router { return r.router }

func (r *Room) Has(id domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[id]
	return ok
}

func (r *Room) Participants() []domain.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Identity, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

func (r *Room) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// JoinResult is what joinRoom answers the client with. A full room is a soft
// failure, not an error.
type JoinResult struct {
	Success               bool                   `json:"success"`
	Message               string                 `json:"message"`
	Rejoined              bool                   `json:"rejoined,omitempty"`
	RouterRtpCapabilities *media.RTPCapabilities `json:"routerRtpCapabilities,omitempty"`
}

// RoomRegistry owns every live room and the router each one runs on.
type RoomRegistry struct {
	pool    *media.Pool
	routers *media.Registry
	users   *UserRegistry

	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
}

func NewRoomRegistry(pool *media.Pool, routers *media.Registry, users *UserRegistry) *RoomRegistry {
	return &RoomRegistry{
		pool:    pool,
		routers: routers,
		users:   users,
		rooms:   make(map[domain.RoomID]*Room),
	}
}

// CreateRoom is idempotent: an existing room is returned as-is. A fresh room
// acquires a router on the least-busy worker.
func (reg *RoomRegistry) CreateRoom(roomID domain.RoomID, authorID domain.UserID, prompt string) (*Room, error) {
	if roomID == "" || authorID == "" {
		return nil, apperr.New(apperr.CodeRoomFieldsMissing, "roomId and authorId are required", 400)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if room, ok := reg.rooms[roomID]; ok {
		return room, nil
	}

	router, err := reg.pool.CreateRouter()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRoomCreateFailed, "failed to create room", err)
	}
	reg.routers.Add(string(roomID), router)

	room := &Room{
		ID:           roomID,
		AuthorID:     authorID,
		Prompt:       prompt,
		router:       router,
		participants: make(map[domain.UserID]domain.Identity),
	}
	reg.rooms[roomID] = room
	log.Info().Str("module", "app.rooms").
		Str("room_id", string(roomID)).
		Str("author_id", string(authorID)).
		Str("router_id", router.ID).
		Msg("room created")
	return room, nil
}

func (reg *RoomRegistry) Get(roomID domain.RoomID) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[roomID]
	return room, ok
}

// JoinRoom admits the identity, reporting a rejoin for known participants
// and a soft failure when the room is already at capacity.
func (reg *RoomRegistry) JoinRoom(roomID domain.RoomID, identity domain.Identity) (JoinResult, error) {
	room, ok := reg.Get(roomID)
	if !ok {
		return JoinResult{}, apperr.NotFound(apperr.CodeRoomNotFound, "room not found")
	}

	caps := room.router.Capabilities()

	room.mu.Lock()
	defer room.mu.Unlock()
	if _, known := room.participants[identity.UserID]; known {
		room.participants[identity.UserID] = identity
		log.Info().Str("module", "app.rooms").
			Str("room_id", string(roomID)).
			Str("user_id", string(identity.UserID)).
			Msg("participant rejoined")
		return JoinResult{
			Success:               true,
			Message:               "Rejoined the room successfully",
			Rejoined:              true,
			RouterRtpCapabilities: &caps,
		}, nil
	}

	if len(room.participants) >= domain.RoomCapacity {
		return JoinResult{Success: false, Message: "Room is full"}, nil
	}

	room.participants[identity.UserID] = identity
	log.Info().Str("module", "app.rooms").
		Str("room_id", string(roomID)).
		Str("user_id", string(identity.UserID)).
		Str("role", string(identity.Role)).
		Msg("participant joined")
	return JoinResult{
		Success:               true,
		Message:               "Joined the room successfully",
		RouterRtpCapabilities: &caps,
	}, nil
}

// RemoveParticipant drops the user from the room, releases the user's media
// resources best-effort, and destroys the room once it is empty. Cleanup
// never returns an error.
func (reg *RoomRegistry) RemoveParticipant(roomID domain.RoomID, userID domain.UserID) {
	room, ok := reg.Get(roomID)
	if !ok {
		return
	}

	room.mu.Lock()
	_, member := room.participants[userID]
	if member {
		delete(room.participants, userID)
	}
	empty := len(room.participants) == 0
	room.mu.Unlock()

	if member {
		reg.users.RemoveByUserID(userID)
		log.Info().Str("module", "app.rooms").
			Str("room_id", string(roomID)).
			Str("user_id", string(userID)).
			Msg("participant removed")
	}

	if empty {
		reg.destroy(roomID)
	}
}

func (reg *RoomRegistry) destroy(roomID domain.RoomID) {
	reg.mu.Lock()
	_, ok := reg.rooms[roomID]
	if ok {
		delete(reg.rooms, roomID)
	}
	reg.mu.Unlock()
	if !ok {
		return
	}
	reg.routers.Remove(string(roomID))
	log.Info().Str("module", "app.rooms").Str("room_id", string(roomID)).Msg("room destroyed")
}

// FindRoomByUser scans rooms for the user's membership. Calls are two-party
// and short-lived, so the linear scan stays cheap.
func (reg *RoomRegistry) FindRoomByUser(userID domain.UserID) (*Room, bool) {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.RUnlock()

	for _, room := range rooms {
		if room.Has(userID) {
			return room, true
		}
	}
	return nil, false
}
