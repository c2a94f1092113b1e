// Package signal is the websocket gateway: it authenticates identities,
// keeps socket bindings current across reconnects, and dispatches the call
// control protocol onto the room, media and agent layers.
package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Copilot/internal/agent"
	"github.com/dkeye/Copilot/internal/app"
	"github.com/dkeye/Copilot/internal/apperr"
	"github.com/dkeye/Copilot/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// sender is the outbound half of a connection; tests fake it.
type sender interface {
	TrySend(data []byte) error
	Close()
}

// client is one authenticated connection.
type client struct {
	socketID string
	identity domain.Identity
	conn     sender
}

type Config struct {
	Dev        bool
	SendBuffer int
	ReadLimit  int64
	JoinLimit  int
	JoinWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadLimit == 0 {
		c.ReadLimit = 64 * 1024
	}
	if c.JoinLimit == 0 {
		c.JoinLimit = 10
	}
	if c.JoinWindow == 0 {
		c.JoinWindow = time.Minute
	}
	return c
}

type Controller struct {
	ctx     context.Context
	cfg     Config
	users   *app.UserRegistry
	rooms   *app.RoomRegistry
	stt     agent.LiveTranscriber
	model   agent.ChatModel
	limiter *JoinRateLimiter

	mu    sync.RWMutex
	conns map[string]sender
}

func NewController(
	ctx context.Context,
	cfg Config,
	users *app.UserRegistry,
	rooms *app.RoomRegistry,
	stt agent.LiveTranscriber,
	model agent.ChatModel,
) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		ctx:     ctx,
		cfg:     cfg,
		users:   users,
		rooms:   rooms,
		stt:     stt,
		model:   model,
		limiter: NewJoinRateLimiter(cfg.JoinLimit, cfg.JoinWindow),
		conns:   make(map[string]sender),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// identityToken is the raw handshake credential.
type identityToken struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

func parseIdentity(r *http.Request) (domain.Identity, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw = r.Header.Get("Sec-WebSocket-Protocol")
	}
	var tok identityToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return domain.Identity{}, apperr.BadPayload("identity token must be valid JSON")
	}
	ident, err := domain.NewIdentity(tok.UserID, tok.Name, domain.Role(tok.Role))
	if err != nil {
		return domain.Identity{}, apperr.BadPayload(err.Error())
	}
	return ident, nil
}

// HandleSignal upgrades the connection, binds the identity and starts the
// pumps. Reconnects rebind the user to the new socket and rejoin the
// previous room without renegotiation.
func (ctl *Controller) HandleSignal(c *gin.Context) {
	identity, err := parseIdentity(c.Request)
	if err != nil {
		ae := apperr.From(err, "handshake rejected")
		log.Warn().Err(err).Str("module", "signal").Msg("handshake rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"code": ae.Code, "message": ae.PublicMessage(ctl.cfg.Dev)})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)

	socketID := uuid.NewString()
	conn := newConn(ws, ctl.cfg.SendBuffer)
	cl := &client{socketID: socketID, identity: identity, conn: conn}

	ctl.mu.Lock()
	ctl.conns[socketID] = conn
	ctl.mu.Unlock()

	log.Info().Str("module", "signal").
		Str("socket_id", socketID).
		Str("user_id", string(identity.UserID)).
		Str("role", string(identity.Role)).
		Msg("new signaling connection")

	_, ev := ctl.users.AddOrUpdate(identity, socketID)
	if ev.Kind == app.UserRebound && ev.PrevSocketID != "" {
		ctl.detach(ev.PrevSocketID)
	}

	ctx, cancel := context.WithCancel(ctl.ctx)
	go conn.writePump(ctx)

	ctl.greet(cl, ev.Kind == app.UserRebound)
	go ctl.readPump(ctx, cancel, cl, ws)
}

// greet tells the client whether this is a fresh session or a resumed one,
// and in the resumed case restores room membership and tells the peer.
func (ctl *Controller) greet(cl *client, rebound bool) {
	if rebound {
		if room, ok := ctl.rooms.FindRoomByUser(cl.identity.UserID); ok {
			if _, err := ctl.rooms.JoinRoom(room.ID, cl.identity); err != nil {
				log.Warn().Err(err).Str("module", "signal").
					Str("room_id", string(room.ID)).
					Msg("rejoin on reconnect failed")
			}
			ctl.notifyPeers(room, cl.identity.UserID, peerEvent{
				Type:   "player-reconnected",
				UserID: string(cl.identity.UserID),
				Name:   cl.identity.Name,
			})
			ctl.send(cl.conn, connectedEvent{
				Type:   "reconnected",
				UserID: string(cl.identity.UserID),
				RoomID: string(room.ID),
			})
			return
		}
		ctl.send(cl.conn, connectedEvent{Type: "reconnected", UserID: string(cl.identity.UserID)})
		return
	}
	ctl.send(cl.conn, connectedEvent{Type: "connected", UserID: string(cl.identity.UserID)})
}

// detach closes a superseded connection without touching the user's media.
func (ctl *Controller) detach(socketID string) {
	ctl.mu.Lock()
	conn, ok := ctl.conns[socketID]
	if ok {
		delete(ctl.conns, socketID)
	}
	ctl.mu.Unlock()
	if ok {
		conn.Close()
		log.Info().Str("module", "signal").Str("socket_id", socketID).Msg("superseded connection detached")
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, cl *client, ws *websocket.Conn) {
	defer func() {
		cancel()
		cl.conn.Close()
		ctl.disconnect(cl)
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("socket_id", cl.socketID).Msg("readPump ctx done")
			return
		default:
			_, data, err := ws.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("socket_id", cl.socketID).Msg("readPump read error")
				return
			}
			ctl.dispatch(cl, data)
		}
	}
}

// disconnect runs once the socket is gone. A socket superseded by a
// reconnect no longer owns the user and cleans nothing up.
func (ctl *Controller) disconnect(cl *client) {
	ctl.mu.Lock()
	if cur, ok := ctl.conns[cl.socketID]; ok && cur == cl.conn {
		delete(ctl.conns, cl.socketID)
	}
	ctl.mu.Unlock()

	u, ok := ctl.users.GetBySocketID(cl.socketID)
	if !ok {
		log.Info().Str("module", "signal").Str("socket_id", cl.socketID).Msg("superseded socket closed")
		return
	}

	userID := u.Identity.UserID
	if room, inRoom := ctl.rooms.FindRoomByUser(userID); inRoom {
		ctl.rooms.RemoveParticipant(room.ID, userID)
	} else {
		ctl.users.RemoveBySocketID(cl.socketID)
	}
	log.Info().Str("module", "signal").
		Str("socket_id", cl.socketID).
		Str("user_id", string(userID)).
		Msg("client disconnected, resources released")
}

func (ctl *Controller) dispatch(cl *client, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("socket_id", cl.socketID).Msg("bad json")
		return
	}

	switch env.Type {
	case "joinRoom":
		ctl.handleJoinRoom(cl, env, data)
	case "getRtpCapabilities":
		ctl.handleGetRtpCapabilities(cl, env)
	case "createProducerTransport":
		ctl.handleCreateTransport(cl, env, false)
	case "connect-producer-transport":
		ctl.handleConnectTransport(cl, env, data, false)
	case "createConsumerTransport":
		ctl.handleCreateTransport(cl, env, true)
	case "connect-consumer-transport":
		ctl.handleConnectTransport(cl, env, data, true)
	case "start-produce":
		ctl.handleStartProduce(cl, env, data)
	case "consume-media":
		ctl.handleConsumeMedia(cl, env, data)
	case "unpauseConsumer":
		ctl.handleUnpauseConsumer(cl, env, data)
	case "exit-room":
		ctl.handleExitRoom(cl, env)
	case "disconnect":
		cl.conn.Close()
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *Controller) send(s sender, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	if err := s.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("send dropped")
	}
}

// sendToUser routes an event to the user's current socket, wherever the user
// has reconnected to since the event source was wired.
func (ctl *Controller) sendToUser(userID domain.UserID, v any) {
	u, ok := ctl.users.GetByUserID(userID)
	if !ok {
		return
	}
	ctl.mu.RLock()
	conn, ok := ctl.conns[u.SocketID]
	ctl.mu.RUnlock()
	if ok {
		ctl.send(conn, v)
	}
}

func (ctl *Controller) notifyPeers(room *app.Room, selfID domain.UserID, v any) {
	for _, p := range room.Participants() {
		if p.UserID == selfID {
			continue
		}
		ctl.sendToUser(p.UserID, v)
	}
}

// fail normalizes the error, logs it once with correlation fields and
// answers the request with a structured failure.
func (ctl *Controller) fail(cl *client, env envelope, err error) {
	ae := apperr.From(err, "signal handler failed")
	log.Error().Err(err).Str("module", "signal").
		Str("socket_id", cl.socketID).
		Str("user_id", string(cl.identity.UserID)).
		Str("msg_type", env.Type).
		Str("code", ae.Code).
		Msg("handler error")
	ctl.send(cl.conn, errorReply{
		envelope: envelope{Type: "error", RID: env.RID},
		Code:     ae.Code,
		Message:  ae.PublicMessage(ctl.cfg.Dev),
	})
}
