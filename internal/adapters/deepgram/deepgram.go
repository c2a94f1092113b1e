// Package deepgram adapts Deepgram's live transcription websocket to the
// agent's LiveTranscriber capability.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/Copilot/internal/agent"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultURL        = "wss://api.deepgram.com/v1/listen"
	keepAliveInterval = 3 * time.Second
)

type Config struct {
	APIKey string
	// URL overrides the live endpoint, used by tests.
	URL        string
	Model      string
	Language   string
	Encoding   string
	SampleRate int
	Channels   int
	// Endpointing is the vendor's silence window in milliseconds.
	Endpointing int
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = defaultURL
	}
	if c.Model == "" {
		c.Model = "nova-3"
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 48000
	}
	if c.Channels == 0 {
		c.Channels = 2
	}
	if c.Endpointing == 0 {
		c.Endpointing = 25
	}
	return c
}

// Transcriber opens live sessions against Deepgram.
type Transcriber struct {
	cfg Config
}

func New(cfg Config) *Transcriber {
	return &Transcriber{cfg: cfg.withDefaults()}
}

func (t *Transcriber) Start(ctx context.Context) (agent.LiveSession, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("deepgram url: %w", err)
	}

	q := u.Query()
	q.Set("model", t.cfg.Model)
	if t.cfg.Language != "" {
		q.Set("language", t.cfg.Language)
	}
	q.Set("encoding", t.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(t.cfg.SampleRate))
	q.Set("channels", strconv.Itoa(t.cfg.Channels))
	q.Set("endpointing", strconv.Itoa(t.cfg.Endpointing))
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("filler_words", "true")
	q.Set("profanity_filter", "false")
	q.Set("dictation", "true")
	q.Set("no_delay", "true")
	u.RawQuery = q.Encode()

	header := http.Header{}
	if t.cfg.APIKey != "" {
		header.Set("Authorization", "Token "+t.cfg.APIKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}

	s := &session{
		conn:   conn,
		events: make(chan agent.VendorEvent, 64),
		done:   make(chan struct{}),
	}
	s.events <- agent.VendorEvent{Type: agent.VendorOpen}

	go s.readLoop()
	go s.keepAlive()
	return s, nil
}

type session struct {
	conn *websocket.Conn

	writeMu sync.Mutex // gorilla allows one concurrent writer
	events  chan agent.VendorEvent

	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) SendAudio(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (s *session) Events() <-chan agent.VendorEvent { return s.events }

// Close asks the vendor to flush and finish, then drops the connection.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
			log.Warn().Err(err).Str("module", "stt.deepgram").Msg("close stream write")
		}
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}

func (s *session) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			s.writeMu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("module", "stt.deepgram").Msg("keepalive write")
				return
			}
		}
	}
}

// liveMessage is the subset of Deepgram's live responses the stage consumes.
type liveMessage struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Metadata struct {
		Language string `json:"language"`
	} `json:"metadata"`
}

func (s *session) readLoop() {
	defer func() {
		s.events <- agent.VendorEvent{Type: agent.VendorClose}
		close(s.events)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.events <- agent.VendorEvent{Type: agent.VendorError, Err: err}
			}
			return
		}

		var msg liveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Str("module", "stt.deepgram").Msg("malformed vendor payload, dropping")
			continue
		}

		switch msg.Type {
		case "Results":
			alts := make([]agent.SpeechData, 0, len(msg.Channel.Alternatives))
			for _, a := range msg.Channel.Alternatives {
				alts = append(alts, agent.SpeechData{
					Language:   msg.Metadata.Language,
					Text:       a.Transcript,
					StartTime:  msg.Start,
					EndTime:    msg.Start + msg.Duration,
					Confidence: a.Confidence,
				})
			}
			s.events <- agent.VendorEvent{
				Type:         agent.VendorTranscript,
				IsFinal:      msg.IsFinal,
				SpeechFinal:  msg.SpeechFinal,
				Alternatives: alts,
			}
		case "SpeechStarted":
			s.events <- agent.VendorEvent{Type: agent.VendorSpeechStarted}
		case "Metadata", "UtteranceEnd":
			// informational
		default:
			log.Debug().Str("module", "stt.deepgram").Str("type", msg.Type).Msg("unhandled vendor message")
		}
	}
}
