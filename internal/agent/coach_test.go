package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedModel struct {
	chunks []string
	err    error

	mu   sync.Mutex
	reqs []ChatRequest
}

func (m *scriptedModel) StreamChat(_ context.Context, req ChatRequest) (<-chan ChatChunk, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()

	ch := make(chan ChatChunk, len(m.chunks)+1)
	for _, c := range m.chunks {
		ch <- ChatChunk{Text: c}
	}
	if m.err != nil {
		ch <- ChatChunk{Err: m.err}
	}
	close(ch)
	return ch, nil
}

func drainUtterances(t *testing.T, c *Coach, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var out []string
	for i := 0; i < n; i++ {
		u, err := c.Output().Get(ctx)
		require.NoError(t, err)
		out = append(out, u.Text)
	}
	return out
}

func TestCoachEmitsPerSentence(t *testing.T) {
	model := &scriptedModel{chunks: []string{"Hello there. How can I ", "help you today."}}
	c := NewCoach(model, "")
	defer c.Close()

	require.NoError(t, c.Respond(context.Background(), "hi"))

	got := drainUtterances(t, c, 2)
	assert.Equal(t, []string{"Hello there.", "How can I help you today."}, got)
	assert.Zero(t, c.Output().Len())
}

func TestCoachFlushesTrailingFragment(t *testing.T) {
	model := &scriptedModel{chunks: []string{"Keep it brief. Ask about budget"}}
	c := NewCoach(model, "")
	defer c.Close()

	require.NoError(t, c.Respond(context.Background(), "hi"))

	got := drainUtterances(t, c, 2)
	assert.Equal(t, []string{"Keep it brief.", "Ask about budget"}, got)
}

func TestCoachThreadsConversation(t *testing.T) {
	model := &scriptedModel{chunks: []string{"Sounds good."}}
	c := NewCoach(model, "quarterly planning")
	defer c.Close()

	require.NoError(t, c.Respond(context.Background(), "first turn"))
	require.NoError(t, c.Respond(context.Background(), "second turn"))

	require.Len(t, model.reqs, 2)
	assert.Contains(t, model.reqs[0].System, "quarterly planning")

	// Second request carries user turn, model reply, new user turn.
	msgs := model.reqs[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, ChatMessage{Role: ChatRoleUser, Text: "first turn"}, msgs[0])
	assert.Equal(t, ChatMessage{Role: ChatRoleModel, Text: "Sounds good."}, msgs[1])
	assert.Equal(t, ChatMessage{Role: ChatRoleUser, Text: "second turn"}, msgs[2])
}

func TestCoachInterruptStopsEmission(t *testing.T) {
	ch := make(chan ChatChunk)
	model := modelFunc(func(context.Context, ChatRequest) (<-chan ChatChunk, error) {
		return ch, nil
	})
	c := NewCoach(model, "")
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Respond(context.Background(), "hi") }()

	ch <- ChatChunk{Text: "First point. "}
	got := drainUtterances(t, c, 1)
	assert.Equal(t, []string{"First point."}, got)

	c.Interrupt()
	ch <- ChatChunk{Text: "Second point."}
	close(ch)

	require.NoError(t, <-done)
	assert.Zero(t, c.Output().Len())
}

func TestCoachInterruptDropsRestOfChunk(t *testing.T) {
	model := &scriptedModel{chunks: []string{"Slow down. Ask a question."}}
	c := NewCoach(model, "")
	defer c.Close()

	// Fill the output queue so the first sentence blocks until drained,
	// holding Respond mid-chunk.
	fillers := 0
	for c.Output().TryPut(CoachingUtterance{Text: "filler"}) == nil {
		fillers++
	}

	done := make(chan error, 1)
	go func() { done <- c.Respond(context.Background(), "hi") }()

	time.Sleep(50 * time.Millisecond)
	c.Interrupt()

	// "Slow down." was already in flight before the interrupt and lands once
	// the queue drains; "Ask a question." must not.
	_ = drainUtterances(t, c, fillers)
	got := drainUtterances(t, c, 1)
	assert.Equal(t, []string{"Slow down."}, got)

	require.NoError(t, <-done)
	assert.Zero(t, c.Output().Len())

	// Only the spoken sentence enters the thread.
	require.NoError(t, c.Respond(context.Background(), "next"))
	require.Len(t, model.reqs, 2)
	assert.Equal(t, ChatMessage{Role: ChatRoleModel, Text: "Slow down."}, model.reqs[1].Messages[1])
}

func TestCoachPropagatesStreamError(t *testing.T) {
	wantErr := errors.New("upstream gone")
	model := &scriptedModel{chunks: []string{"Partial."}, err: wantErr}
	c := NewCoach(model, "")
	defer c.Close()

	assert.ErrorIs(t, c.Respond(context.Background(), "hi"), wantErr)
	got := drainUtterances(t, c, 1)
	assert.Equal(t, []string{"Partial."}, got)
}

type modelFunc func(context.Context, ChatRequest) (<-chan ChatChunk, error)

func (f modelFunc) StreamChat(ctx context.Context, req ChatRequest) (<-chan ChatChunk, error) {
	return f(ctx, req)
}
