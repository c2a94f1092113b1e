package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queueSource struct{ q *Queue[[]byte] }

func (s queueSource) ReadPacket(ctx context.Context) ([]byte, error) { return s.q.Get(ctx) }

type collectSink struct {
	mu   sync.Mutex
	bufs [][]byte
}

func (s *collectSink) SendPacket(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufs = append(s.bufs, append([]byte(nil), buf...))
	return nil
}

func (s *collectSink) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, buf := range s.bufs {
		payload, err := Depacketize(buf)
		if err != nil {
			continue
		}
		out = append(out, string(payload))
	}
	return out
}

func TestPipelineEndToEnd(t *testing.T) {
	session := newFakeSession()
	model := &scriptedModel{chunks: []string{"Good point. Ask a follow-up question."}}
	source := queueSource{q: NewQueue[[]byte](16)}
	sink := &collectSink{}

	var mu sync.Mutex
	var transcripts []SpeechEvent
	var utterances []string

	cfg := PipelineConfig{
		SampleRate: 16000,
		Channels:   1,
		SSRC:       42,
		STT:        fakeTranscriber{session},
		STTOpt:     testOpts(),
		Model:      model,
		Topic:      "demo call",
		Hooks: PipelineHooks{
			OnTranscript: func(ev SpeechEvent) {
				mu.Lock()
				transcripts = append(transcripts, ev)
				mu.Unlock()
			},
			OnUtterance: func(u CoachingUtterance) {
				mu.Lock()
				utterances = append(utterances, u.Text)
				mu.Unlock()
			},
		},
	}

	p, err := NewPipeline(context.Background(), cfg, source, sink)
	require.NoError(t, err)
	defer p.Close()

	// One packet of loud audio must reach the vendor session.
	ctx := context.Background()
	buf, err := NewPacketizer(7, 0).Packetize(pcmFrame(8000, 160, 16000).Data, 160).Marshal()
	require.NoError(t, err)
	require.NoError(t, source.q.Put(ctx, buf))

	require.Eventually(t, func() bool { return session.sentFrames() == 1 },
		time.Second, 5*time.Millisecond)

	// Garbage packets are dropped without killing the loop.
	require.NoError(t, source.q.Put(ctx, []byte{0xFF}))

	// The vendor finishes an utterance; the coach replies per sentence.
	session.events <- VendorEvent{
		Type:         VendorTranscript,
		IsFinal:      true,
		SpeechFinal:  true,
		Alternatives: []SpeechData{{Text: "tell me about pricing"}},
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(utterances) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"Good point.", "Ask a follow-up question."}, utterances)
	var kinds []SpeechEventType
	for _, ev := range transcripts {
		kinds = append(kinds, ev.Type)
	}
	mu.Unlock()
	assert.Equal(t, []SpeechEventType{SpeechStarted, FinalTranscript, EndOfSpeech}, kinds)

	require.Len(t, model.reqs, 1)
	assert.Equal(t, "tell me about pricing", model.reqs[0].Messages[0].Text)
	assert.Contains(t, model.reqs[0].System, "demo call")

	// Advice went back out the sink as RTP.
	require.Eventually(t, func() bool { return len(sink.payloads()) == 2 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Good point.", "Ask a follow-up question."}, sink.payloads())
}

func TestPipelineAccumulatesFinalsUntilEndOfSpeech(t *testing.T) {
	session := newFakeSession()
	model := &scriptedModel{chunks: []string{"Noted."}}
	source := queueSource{q: NewQueue[[]byte](4)}

	cfg := PipelineConfig{
		SampleRate: 16000,
		Channels:   1,
		STT:        fakeTranscriber{session},
		STTOpt:     testOpts(),
		Model:      model,
	}
	p, err := NewPipeline(context.Background(), cfg, source, nil)
	require.NoError(t, err)
	defer p.Close()

	session.events <- VendorEvent{Type: VendorTranscript, IsFinal: true,
		Alternatives: []SpeechData{{Text: "the first part"}}}
	session.events <- VendorEvent{Type: VendorTranscript, IsFinal: true, SpeechFinal: true,
		Alternatives: []SpeechData{{Text: "and the rest"}}}

	require.Eventually(t, func() bool {
		model.mu.Lock()
		defer model.mu.Unlock()
		return len(model.reqs) == 1
	}, time.Second, 5*time.Millisecond)

	model.mu.Lock()
	got := model.reqs[0].Messages[0].Text
	model.mu.Unlock()
	assert.Equal(t, "the first part and the rest", got)
}

func TestPipelineCloseIsIdempotent(t *testing.T) {
	session := newFakeSession()
	source := queueSource{q: NewQueue[[]byte](4)}

	cfg := PipelineConfig{
		SampleRate: 16000,
		Channels:   1,
		STT:        fakeTranscriber{session},
		STTOpt:     testOpts(),
		Model:      &scriptedModel{},
	}
	p, err := NewPipeline(context.Background(), cfg, source, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		p.Close()
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
