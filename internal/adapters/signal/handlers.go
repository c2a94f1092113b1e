package signal

import (
	"encoding/json"
	"net/http"

	"github.com/dkeye/Copilot/internal/agent"
	"github.com/dkeye/Copilot/internal/app"
	"github.com/dkeye/Copilot/internal/apperr"
	"github.com/dkeye/Copilot/internal/domain"
	"github.com/dkeye/Copilot/internal/media"
	"github.com/rs/zerolog/log"
)

func (ctl *Controller) currentUser(cl *client) (*app.User, error) {
	u, ok := ctl.users.GetByUserID(cl.identity.UserID)
	if !ok {
		return nil, apperr.NotFound(apperr.CodeUserNotFound, "user not registered")
	}
	return u, nil
}

func (ctl *Controller) currentRoom(cl *client) (*app.Room, error) {
	room, ok := ctl.rooms.FindRoomByUser(cl.identity.UserID)
	if !ok {
		return nil, apperr.NotFound(apperr.CodeRoomNotFound, "user is not in a room")
	}
	return room, nil
}

// handleJoinRoom admits the caller. Non-user roles create the room
// implicitly; repeated creates are ignored.
func (ctl *Controller) handleJoinRoom(cl *client, env envelope, data []byte) {
	var p joinRoomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.fail(cl, env, apperr.BadPayload("bad joinRoom payload"))
		return
	}

	if !ctl.limiter.Allow(cl.identity.UserID) {
		ctl.fail(cl, env, apperr.New(apperr.CodeRateLimited, "too many join attempts", http.StatusTooManyRequests))
		return
	}

	if cl.identity.Role != domain.RoleUser {
		if _, err := ctl.rooms.CreateRoom(domain.RoomID(p.RoomID), cl.identity.UserID, p.Prompt); err != nil {
			ctl.fail(cl, env, err)
			return
		}
	}

	res, err := ctl.rooms.JoinRoom(domain.RoomID(p.RoomID), cl.identity)
	if err != nil {
		ctl.fail(cl, env, err)
		return
	}
	ctl.send(cl.conn, joinRoomReply{
		envelope:   envelope{Type: env.Type, RID: env.RID},
		JoinResult: res,
	})
}

func (ctl *Controller) handleGetRtpCapabilities(cl *client, env envelope) {
	room, err := ctl.currentRoom(cl)
	if err != nil {
		ctl.fail(cl, env, err)
		return
	}
	ctl.send(cl.conn, rtpCapabilitiesReply{
		envelope:              envelope{Type: env.Type, RID: env.RID},
		RouterRtpCapabilities: room.Router().Capabilities(),
	})
}

func (ctl *Controller) handleCreateTransport(cl *client, env envelope, recv bool) {
	room, err := ctl.currentRoom(cl)
	if err != nil {
		ctl.fail(cl, env, err)
		return
	}
	u, err := ctl.currentUser(cl)
	if err != nil {
		ctl.fail(cl, env, err)
		return
	}

	t, err := room.Router().CreateTransport(ctl.ctx)
	if err != nil {
		ctl.fail(cl, env, apperr.Wrap(apperr.CodeInternal, "transport create failed", err))
		return
	}
	params, err := t.Params()
	if err != nil {
		t.Close()
		ctl.fail(cl, env, apperr.Wrap(apperr.CodeInternal, "transport params failed", err))
		return
	}

	// A renegotiation replaces the stored transport; the old one is closed so
	// its ICE and DTLS resources do not linger until user teardown.
	if recv {
		if old, had := u.RecvTransport(); had {
			old.Close()
		}
		u.SetRecvTransport(t)
	} else {
		if old, had := u.SendTransport(); had {
			old.Close()
		}
		u.SetSendTransport(t)
	}
	ctl.send(cl.conn, transportReply{
		envelope:        envelope{Type: env.Type, RID: env.RID},
		TransportParams: params,
	})
}

func (ctl *Controller) handleConnectTransport(cl *client, env envelope, data []byte, recv bool) {
	var p connectTransportPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.fail(cl, env, apperr.BadPayload("bad connect payload"))
		return
	}
	u, err := ctl.currentUser(cl)
	if err != nil {
		ctl.fail(cl, env, err)
		return
	}

	var t *media.Transport
	var ok bool
	if recv {
		t, ok = u.RecvTransport()
	} else {
		t, ok = u.SendTransport()
	}
	if !ok {
		ctl.fail(cl, env, apperr.NotFound(apperr.CodeTransportNotFound, "transport not created"))
		return
	}

	if err := t.Connect(p.ConnectParams); err != nil {
		ctl.fail(cl, env, apperr.Wrap(apperr.CodeInternal, "transport connect failed", err))
		return
	}
	ctl.send(cl.conn, okReply{envelope: envelope{Type: env.Type, RID: env.RID}, OK: true})
}

// handleStartProduce receives the caller's track and wires the whole copilot
// behind it: a tap on the producer, the transcription/coaching pipeline, and
// an injected producer carrying the advice back into the room. Any failure
// answers with an empty producer id.
func (ctl *Controller) handleStartProduce(cl *client, env envelope, data []byte) {
	reply := func(id string) {
		ctl.send(cl.conn, startProduceReply{envelope: envelope{Type: env.Type, RID: env.RID}, ID: id})
	}

	var p startProducePayload
	if err := json.Unmarshal(data, &p); err != nil || len(p.RTPParameters.Encodings) == 0 {
		log.Warn().Str("module", "signal").Str("user_id", string(cl.identity.UserID)).Msg("start-produce: bad payload")
		reply("")
		return
	}
	ssrc := p.RTPParameters.Encodings[0].SSRC

	room, err := ctl.currentRoom(cl)
	if err != nil {
		reply("")
		return
	}
	u, err := ctl.currentUser(cl)
	if err != nil {
		reply("")
		return
	}
	transport, ok := u.SendTransport()
	if !ok {
		log.Warn().Str("module", "signal").Str("user_id", string(cl.identity.UserID)).Msg("start-produce: no send transport")
		reply("")
		return
	}

	router := room.Router()
	producer, err := transport.Produce(ctl.ctx, router, string(cl.identity.UserID), ssrc)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("user_id", string(cl.identity.UserID)).Msg("start-produce: produce failed")
		reply("")
		return
	}
	u.SetProducer(producer)

	if err := ctl.wireCopilot(cl, room, router, producer, ssrc); err != nil {
		log.Error().Err(err).Str("module", "signal").
			Str("user_id", string(cl.identity.UserID)).
			Str("producer_id", producer.ID).
			Msg("start-produce: copilot wiring failed")
		router.RemoveProducer(producer.ID)
		u.SetProducer(nil)
		reply("")
		return
	}

	reply(producer.ID)
}

// wireCopilot is a no-op when no vendors are configured; the call still works
// without coaching.
func (ctl *Controller) wireCopilot(cl *client, room *app.Room, router *media.Router, producer *media.Producer, ssrc uint32) error {
	if ctl.stt == nil || ctl.model == nil {
		log.Warn().Str("module", "signal").Msg("copilot vendors not configured, producing without coaching")
		return nil
	}
	u, err := ctl.currentUser(cl)
	if err != nil {
		return err
	}

	tap, err := router.CreateDirectConsumer(producer.ID, 256)
	if err != nil {
		return err
	}
	injector := router.CreateDirectProducer("copilot:" + string(cl.identity.UserID))

	codec, err := agent.NewOpusCodec(48000, 2)
	if err != nil {
		tap.Close()
		injector.Close()
		return err
	}

	userID := cl.identity.UserID
	pipeline, err := agent.NewPipeline(ctl.ctx, agent.PipelineConfig{
		SampleRate: 48000,
		Channels:   2,
		Codec:      codec,
		SSRC:       ssrc + 1,
		STT:        ctl.stt,
		STTOpt:     agent.SpeechStreamOptions{SampleRate: 48000, Channels: 2},
		Model:      ctl.model,
		Topic:      room.Prompt,
		Hooks: agent.PipelineHooks{
			OnTranscript: func(ev agent.SpeechEvent) {
				ctl.sendToUser(userID, transcriptEvent{Type: "transcript", Event: ev})
			},
			OnUtterance: func(utt agent.CoachingUtterance) {
				ctl.sendToUser(userID, coachSuggestionEvent{Type: "coach-suggestion", Text: utt.Text})
			},
		},
	}, tap, injector)
	if err != nil {
		tap.Close()
		injector.Close()
		return err
	}

	u.AttachAgent(tap, injector, pipeline)
	log.Info().Str("module", "signal").
		Str("user_id", string(userID)).
		Str("producer_id", producer.ID).
		Msg("copilot pipeline attached")
	return nil
}

// handleConsumeMedia answers softly when the producer cannot be consumed.
func (ctl *Controller) handleConsumeMedia(cl *client, env envelope, data []byte) {
	var p consumeMediaPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.fail(cl, env, apperr.BadPayload("bad consume payload"))
		return
	}
	room, err := ctl.currentRoom(cl)
	if err != nil {
		ctl.fail(cl, env, err)
		return
	}
	u, err := ctl.currentUser(cl)
	if err != nil {
		ctl.fail(cl, env, err)
		return
	}

	router := room.Router()
	if !router.CanConsume(p.ProducerID) {
		ctl.send(cl.conn, softFailureReply{
			envelope: envelope{Type: env.Type, RID: env.RID},
			Message:  "cannot consume",
		})
		return
	}

	transport, ok := u.RecvTransport()
	if !ok {
		ctl.fail(cl, env, apperr.NotFound(apperr.CodeTransportNotFound, "consumer transport not created"))
		return
	}
	producer, _ := router.Producer(p.ProducerID)
	consumer, err := transport.Consume(producer)
	if err != nil {
		ctl.fail(cl, env, apperr.Wrap(apperr.CodeInternal, "consume failed", err))
		return
	}
	u.AddConsumer(consumer)

	ctl.send(cl.conn, consumeMediaReply{
		envelope:       envelope{Type: env.Type, RID: env.RID},
		ConsumerParams: consumer.Params(),
	})
}

func (ctl *Controller) handleUnpauseConsumer(cl *client, env envelope, data []byte) {
	var p unpauseConsumerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.fail(cl, env, apperr.BadPayload("bad unpause payload"))
		return
	}
	u, err := ctl.currentUser(cl)
	if err != nil {
		ctl.fail(cl, env, err)
		return
	}
	consumer, ok := u.Consumer(p.ConsumerID)
	if !ok {
		ctl.fail(cl, env, apperr.NotFound(apperr.CodeTrackNotFound, "consumer not found"))
		return
	}
	consumer.Resume()
	ctl.send(cl.conn, okReply{envelope: envelope{Type: env.Type, RID: env.RID}, OK: true})
}

// handleExitRoom releases the caller's media but keeps the socket usable, so
// the same connection can join another room. Fire-and-forget: no reply.
func (ctl *Controller) handleExitRoom(cl *client, _ envelope) {
	room, ok := ctl.rooms.FindRoomByUser(cl.identity.UserID)
	if !ok {
		return
	}
	ctl.rooms.RemoveParticipant(room.ID, cl.identity.UserID)
	// Removal destroyed the user record; re-register for further requests.
	ctl.users.AddOrUpdate(cl.identity, cl.socketID)
}
