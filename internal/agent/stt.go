package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// SpeechEventType is the canonical transcription lifecycle taxonomy every
// vendor gets mapped onto.
type SpeechEventType string

const (
	SpeechConnected    SpeechEventType = "CONNECTED"
	SpeechStarted      SpeechEventType = "SPEECH_STARTED"
	InterimTranscript  SpeechEventType = "INTERIM_TRANSCRIPT"
	FinalTranscript    SpeechEventType = "FINAL_TRANSCRIPT"
	EndOfSpeech        SpeechEventType = "END_OF_SPEECH"
	SpeechDisconnected SpeechEventType = "DISCONNECTED"
)

type SpeechData struct {
	Language   string  `json:"language"`
	Text       string  `json:"text"`
	StartTime  float64 `json:"startTime"`
	EndTime    float64 `json:"endTime"`
	Confidence float64 `json:"confidence"`
}

type SpeechEvent struct {
	Type         SpeechEventType `json:"type"`
	Alternatives []SpeechData    `json:"alternatives,omitempty"`
}

// Raw vendor events, before canonicalization.
type VendorEventType int

const (
	VendorOpen VendorEventType = iota
	VendorTranscript
	VendorSpeechStarted
	VendorError
	VendorClose
)

type VendorEvent struct {
	Type         VendorEventType
	IsFinal      bool
	SpeechFinal  bool
	Alternatives []SpeechData
	Err          error
}

// LiveTranscriber is the capability a streaming STT vendor provides. The
// session owns its connection, including keep-alive.
type LiveTranscriber interface {
	Start(ctx context.Context) (LiveSession, error)
}

type LiveSession interface {
	SendAudio(p []byte) error
	// Events is closed by the session when the vendor connection ends.
	Events() <-chan VendorEvent
	Close() error
}

// SpeechStreamOptions describe the audio the stream will be fed.
type SpeechStreamOptions struct {
	SampleRate        int
	Channels          int
	SamplesPerChannel int // 0 picks the 20 ms default
	EnergyThreshold   float64
	EnergyCooldown    float64
}

var ErrStreamClosed = errors.New("speech stream closed")

type streamItem struct {
	frame AudioFrame
	flush bool
}

// SpeechStream runs one live transcription session: an audio-sending loop
// that re-frames and energy-gates input, and an event loop that maps vendor
// events onto the canonical taxonomy. At most one SPEECH_STARTED and one
// END_OF_SPEECH are emitted per utterance.
type SpeechStream struct {
	opts    SpeechStreamOptions
	session LiveSession
	input   *Queue[streamItem]
	output  *Queue[SpeechEvent]

	speaking bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

func NewSpeechStream(ctx context.Context, vendor LiveTranscriber, opts SpeechStreamOptions) (*SpeechStream, error) {
	session, err := vendor.Start(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &SpeechStream{
		opts:    opts,
		session: session,
		input:   NewQueue[streamItem](128),
		output:  NewQueue[SpeechEvent](128),
		cancel:  cancel,
	}

	s.wg.Add(2)
	go s.sendAudio(ctx)
	go s.listen(ctx)
	return s, nil
}

// Push queues one audio frame for transcription.
func (s *SpeechStream) Push(ctx context.Context, frame AudioFrame) error {
	if err := s.input.Put(ctx, streamItem{frame: frame}); err != nil {
		return ErrStreamClosed
	}
	return nil
}

// Flush asks the audio loop to emit any buffered partial frame.
func (s *SpeechStream) Flush(ctx context.Context) error {
	if err := s.input.Put(ctx, streamItem{flush: true}); err != nil {
		return ErrStreamClosed
	}
	return nil
}

// Events is the canonical event queue consumers drain.
func (s *SpeechStream) Events() *Queue[SpeechEvent] { return s.output }

// Close stops both loops and the vendor session. Idempotent.
func (s *SpeechStream) Close() {
	s.once.Do(func() {
		s.input.Close()
		if err := s.session.Close(); err != nil {
			log.Warn().Err(err).Str("module", "agent.stt").Msg("vendor session close")
		}
		s.cancel()
		s.output.Close()
	})
}

func (s *SpeechStream) sendAudio(ctx context.Context) {
	defer s.wg.Done()

	bs := NewByteStream(s.opts.SampleRate, s.opts.Channels, s.opts.SamplesPerChannel)
	filter := NewEnergyFilter(s.opts.EnergyThreshold, s.opts.EnergyCooldown)

	for {
		item, err := s.input.Get(ctx)
		if err != nil {
			return
		}

		var frames []AudioFrame
		if item.flush {
			frames = bs.Flush()
		} else if item.frame.SampleRate != s.opts.SampleRate || item.frame.Channels != s.opts.Channels {
			log.Warn().Str("module", "agent.stt").
				Int("sample_rate", item.frame.SampleRate).
				Int("channels", item.frame.Channels).
				Msg("frame format mismatch, dropping")
			continue
		} else {
			frames = bs.Write(item.frame.Data)
		}

		for _, frame := range frames {
			if !filter.PushFrame(frame) {
				continue
			}
			if err := s.session.SendAudio(frame.Data); err != nil {
				log.Error().Err(err).Str("module", "agent.stt").Msg("send audio")
				return
			}
		}
	}
}

func (s *SpeechStream) listen(ctx context.Context) {
	defer s.wg.Done()

	for ev := range s.session.Events() {
		switch ev.Type {
		case VendorOpen:
			s.emit(ctx, SpeechEvent{Type: SpeechConnected})

		case VendorTranscript:
			if len(ev.Alternatives) == 0 || ev.Alternatives[0].Text == "" {
				continue
			}
			if !s.speaking {
				s.speaking = true
				s.emit(ctx, SpeechEvent{Type: SpeechStarted})
			}
			t := InterimTranscript
			if ev.IsFinal {
				t = FinalTranscript
			}
			s.emit(ctx, SpeechEvent{Type: t, Alternatives: ev.Alternatives})

			if ev.SpeechFinal && s.speaking {
				s.speaking = false
				s.emit(ctx, SpeechEvent{Type: EndOfSpeech})
			}

		case VendorSpeechStarted:
			if s.speaking {
				continue
			}
			s.speaking = true
			s.emit(ctx, SpeechEvent{Type: SpeechStarted})

		case VendorError:
			log.Error().Err(ev.Err).Str("module", "agent.stt").Msg("vendor error")

		case VendorClose:
			s.emit(ctx, SpeechEvent{Type: SpeechDisconnected})
			s.output.Close()
			return
		}
	}

	// Vendor channel gone without a close event: still surface the end.
	s.emit(ctx, SpeechEvent{Type: SpeechDisconnected})
	s.output.Close()
}

func (s *SpeechStream) emit(ctx context.Context, ev SpeechEvent) {
	if err := s.output.Put(ctx, ev); err != nil && !errors.Is(err, ErrQueueClosed) {
		log.Warn().Err(err).Str("module", "agent.stt").Msg("emit event")
	}
}
