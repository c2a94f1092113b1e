package signal

import (
	"github.com/dkeye/Copilot/internal/agent"
	"github.com/dkeye/Copilot/internal/app"
	"github.com/dkeye/Copilot/internal/media"
)

// Client messages. Every request carries an envelope {type, rid}; the
// response echoes both so clients can correlate in-flight requests.
type envelope struct {
	Type string `json:"type"`
	RID  string `json:"rid,omitempty"`
}

type joinRoomPayload struct {
	envelope
	RoomID string `json:"roomId"`
	Prompt string `json:"prompt,omitempty"`
}

type connectTransportPayload struct {
	envelope
	media.ConnectParams
}

type startProducePayload struct {
	envelope
	Kind          string `json:"kind,omitempty"`
	RTPParameters struct {
		Encodings []struct {
			SSRC uint32 `json:"ssrc"`
		} `json:"encodings"`
	} `json:"rtpParameters"`
}

type consumeMediaPayload struct {
	envelope
	ProducerID string `json:"producerId"`
}

type unpauseConsumerPayload struct {
	envelope
	ConsumerID string `json:"consumerId"`
}

// Server replies and events.
type joinRoomReply struct {
	envelope
	app.JoinResult
}

type transportReply struct {
	envelope
	media.TransportParams
}

type rtpCapabilitiesReply struct {
	envelope
	RouterRtpCapabilities media.RTPCapabilities `json:"routerRtpCapabilities"`
}

type startProduceReply struct {
	envelope
	ID string `json:"id"`
}

type consumeMediaReply struct {
	envelope
	media.ConsumerParams
}

type softFailureReply struct {
	envelope
	Message string `json:"message"`
}

type okReply struct {
	envelope
	OK bool `json:"ok"`
}

type errorReply struct {
	envelope
	Code    string `json:"code"`
	Message string `json:"message"`
}

type connectedEvent struct {
	Type   string `json:"type"` // connected | reconnected
	UserID string `json:"userId"`
	RoomID string `json:"roomId,omitempty"`
}

type peerEvent struct {
	Type   string `json:"type"` // player-reconnected
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type transcriptEvent struct {
	Type  string            `json:"type"` // transcript
	Event agent.SpeechEvent `json:"event"`
}

type coachSuggestionEvent struct {
	Type string `json:"type"` // coach-suggestion
	Text string `json:"text"`
}
