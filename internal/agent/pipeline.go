package agent

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// PacketSource delivers raw inbound RTP packets tapped off a producer.
type PacketSource interface {
	ReadPacket(ctx context.Context) ([]byte, error)
}

// PacketSink accepts raw outbound RTP packets for injection into a router.
type PacketSink interface {
	SendPacket(buf []byte) error
}

// PipelineHooks let the signaling layer observe the pipeline without the
// pipeline knowing anything about sockets.
type PipelineHooks struct {
	OnTranscript func(ev SpeechEvent)
	OnUtterance  func(u CoachingUtterance)
}

type PipelineConfig struct {
	SampleRate int
	Channels   int
	// Codec decodes inbound payloads to PCM. Outbound utterances are sent
	// through OutCodec; nil means passthrough until speech synthesis lands.
	Codec    Codec
	OutCodec Codec
	SSRC     uint32

	STT    LiveTranscriber
	STTOpt SpeechStreamOptions
	Model  ChatModel
	Topic  string

	Hooks PipelineHooks
}

// Pipeline is the per-call copilot: it decodes one participant's audio,
// streams it to transcription, commits each utterance on END_OF_SPEECH, asks
// the coach for advice, and pushes the advice back out through the sink.
// Caller speech interrupts any advice still being generated.
type Pipeline struct {
	cfg    PipelineConfig
	stream *SpeechStream
	coach  *Coach
	sink   PacketSink
	pkt    *Packetizer

	turnMu sync.Mutex // serializes coach turns

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewPipeline(ctx context.Context, cfg PipelineConfig, source PacketSource, sink PacketSink) (*Pipeline, error) {
	if cfg.Codec == nil {
		cfg.Codec = RawCodec{}
	}
	if cfg.OutCodec == nil {
		cfg.OutCodec = RawCodec{}
	}
	if cfg.STTOpt.SampleRate == 0 {
		cfg.STTOpt.SampleRate = cfg.SampleRate
	}
	if cfg.STTOpt.Channels == 0 {
		cfg.STTOpt.Channels = cfg.Channels
	}

	ctx, cancel := context.WithCancel(ctx)

	stream, err := NewSpeechStream(ctx, cfg.STT, cfg.STTOpt)
	if err != nil {
		cancel()
		return nil, err
	}

	p := &Pipeline{
		cfg:    cfg,
		stream: stream,
		coach:  NewCoach(cfg.Model, cfg.Topic),
		sink:   sink,
		pkt:    NewPacketizer(cfg.SSRC, DefaultPayloadType),
		cancel: cancel,
	}

	p.wg.Add(3)
	go p.ingest(ctx, source)
	go p.follow(ctx)
	go p.speak(ctx)
	return p, nil
}

// Close tears the pipeline down. Idempotent; safe to call from any goroutine.
func (p *Pipeline) Close() {
	p.once.Do(func() {
		p.stream.Close()
		p.coach.Close()
		p.cancel()
		p.wg.Wait()
		log.Info().Str("module", "agent.pipeline").Msg("pipeline closed")
	})
}

// ingest pulls tapped packets, decodes them to PCM and feeds transcription.
func (p *Pipeline) ingest(ctx context.Context, source PacketSource) {
	defer p.wg.Done()

	for {
		buf, err := source.ReadPacket(ctx)
		if err != nil {
			return
		}

		payload, err := Depacketize(buf)
		if err != nil {
			log.Warn().Err(err).Str("module", "agent.pipeline").Msg("bad rtp packet, dropping")
			continue
		}

		pcm, err := p.cfg.Codec.Decode(payload)
		if err != nil {
			log.Warn().Err(err).Str("module", "agent.pipeline").Msg("decode failed, dropping")
			continue
		}

		frame := NewAudioFrame(pcm, p.cfg.SampleRate, p.cfg.Channels,
			len(pcm)/(2*p.cfg.Channels))
		if err := p.stream.Push(ctx, frame); err != nil {
			return
		}
	}
}

// follow drains transcription events, accumulating final transcripts until
// END_OF_SPEECH commits the turn to the coach.
func (p *Pipeline) follow(ctx context.Context) {
	defer p.wg.Done()

	var turn strings.Builder
	for {
		ev, err := p.stream.Events().Get(ctx)
		if err != nil {
			return
		}

		switch ev.Type {
		case SpeechStarted:
			// Barge-in: the caller talking over advice cancels the rest of it.
			p.coach.Interrupt()

		case FinalTranscript:
			if turn.Len() > 0 {
				turn.WriteString(" ")
			}
			turn.WriteString(ev.Alternatives[0].Text)

		case EndOfSpeech:
			text := strings.TrimSpace(turn.String())
			turn.Reset()
			if text != "" {
				p.wg.Add(1)
				go p.respond(ctx, text)
			}

		case SpeechDisconnected:
			if p.cfg.Hooks.OnTranscript != nil {
				p.cfg.Hooks.OnTranscript(ev)
			}
			return
		}

		if p.cfg.Hooks.OnTranscript != nil {
			switch ev.Type {
			case InterimTranscript, FinalTranscript, SpeechStarted, EndOfSpeech:
				p.cfg.Hooks.OnTranscript(ev)
			}
		}
	}
}

func (p *Pipeline) respond(ctx context.Context, text string) {
	defer p.wg.Done()

	p.turnMu.Lock()
	defer p.turnMu.Unlock()

	if err := p.coach.Respond(ctx, text); err != nil &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, ErrQueueClosed) {
		log.Error().Err(err).Str("module", "agent.pipeline").Msg("coach turn failed")
	}
}

// speak packetizes each utterance and injects it back into the router.
// Payloads pass through OutCodec; a raw codec keeps this a text-bearing
// placeholder until synthesis is wired.
func (p *Pipeline) speak(ctx context.Context) {
	defer p.wg.Done()

	samplesPerChannel := uint32(p.cfg.SampleRate / 50)
	for {
		utt, err := p.coach.Output().Get(ctx)
		if err != nil {
			return
		}

		if p.cfg.Hooks.OnUtterance != nil {
			p.cfg.Hooks.OnUtterance(utt)
		}
		if p.sink == nil {
			continue
		}

		payload, err := p.cfg.OutCodec.Encode([]byte(utt.Text))
		if err != nil {
			log.Warn().Err(err).Str("module", "agent.pipeline").Msg("encode utterance")
			continue
		}
		buf, err := p.pkt.Packetize(payload, samplesPerChannel).Marshal()
		if err != nil {
			log.Warn().Err(err).Str("module", "agent.pipeline").Msg("marshal packet")
			continue
		}
		if err := p.sink.SendPacket(buf); err != nil {
			log.Warn().Err(err).Str("module", "agent.pipeline").Msg("send packet")
		}
	}
}
