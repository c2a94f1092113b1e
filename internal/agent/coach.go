package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ChatRole marks who authored a conversation turn.
type ChatRole string

const (
	ChatRoleUser  ChatRole = "user"
	ChatRoleModel ChatRole = "model"
)

type ChatMessage struct {
	Role ChatRole
	Text string
}

type ChatRequest struct {
	System   string
	Messages []ChatMessage
}

// ChatChunk is one streamed piece of a model reply. A chunk with Err set is
// the last one on the channel.
type ChatChunk struct {
	Text string
	Err  error
}

// ChatModel is the capability a streaming LLM vendor provides. The returned
// channel is closed by the vendor when the reply ends.
type ChatModel interface {
	StreamChat(ctx context.Context, req ChatRequest) (<-chan ChatChunk, error)
}

// CoachingUtterance is one complete sentence of advice, ready to speak or
// display the moment it arrives.
type CoachingUtterance struct {
	Text string `json:"text"`
}

const coachSystemPrompt = "You are a live call copilot. You hear what the caller just said and reply " +
	"with short, concrete advice the caller can act on immediately. Keep every reply " +
	"to one or two sentences. Never mention that you are an assistant or that you are " +
	"listening to a call."

// Coach turns committed caller turns into streamed coaching utterances. It
// keeps the whole conversation as a thread so later advice builds on earlier
// turns, and it can be interrupted mid-reply when the caller starts speaking
// again.
type Coach struct {
	model ChatModel
	topic string

	mu      sync.Mutex
	history []ChatMessage

	interrupted atomic.Bool
	output      *Queue[CoachingUtterance]
}

// NewCoach builds a coach for one call. topic is the caller-supplied subject
// of the call and may be empty.
func NewCoach(model ChatModel, topic string) *Coach {
	return &Coach{
		model:  model,
		topic:  topic,
		output: NewQueue[CoachingUtterance](64),
	}
}

// Output is the utterance queue downstream consumers drain.
func (c *Coach) Output() *Queue[CoachingUtterance] { return c.output }

// Interrupt abandons the reply currently being generated. Utterances already
// emitted stay; nothing further from that reply is produced.
func (c *Coach) Interrupt() { c.interrupted.Store(true) }

// Close shuts the output queue. Idempotent.
func (c *Coach) Close() { c.output.Close() }

// Respond streams a reply to one committed caller turn, emitting an utterance
// per complete sentence as soon as the sentence boundary arrives rather than
// waiting for the whole reply.
func (c *Coach) Respond(ctx context.Context, transcript string) error {
	c.interrupted.Store(false)

	c.mu.Lock()
	c.history = append(c.history, ChatMessage{Role: ChatRoleUser, Text: transcript})
	msgs := make([]ChatMessage, len(c.history))
	copy(msgs, c.history)
	c.mu.Unlock()

	system := coachSystemPrompt
	if c.topic != "" {
		system += "\n\nThe topic of this call: " + c.topic
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.model.StreamChat(ctx, ChatRequest{System: system, Messages: msgs})
	if err != nil {
		return err
	}

	var fragment string
	var reply strings.Builder

	for chunk := range stream {
		if chunk.Err != nil {
			c.commit(reply.String())
			return chunk.Err
		}

		fragment += chunk.Text
		parts := strings.Split(fragment, ".")
		fragment = parts[len(parts)-1]
		for _, sentence := range parts[:len(parts)-1] {
			// Checked per sentence: one chunk can carry several, and an
			// interrupt silences everything not yet spoken.
			if c.interrupted.Load() {
				cancel()
				c.commit(reply.String())
				return nil
			}
			sentence = strings.TrimSpace(sentence)
			if sentence == "" {
				continue
			}
			if err := c.say(ctx, sentence+".", &reply); err != nil {
				c.commit(reply.String())
				return err
			}
		}
		if c.interrupted.Load() {
			cancel()
			c.commit(reply.String())
			return nil
		}
	}

	// A reply that does not end on a sentence boundary still gets spoken.
	if rest := strings.TrimSpace(fragment); rest != "" && !c.interrupted.Load() {
		if err := c.say(ctx, rest, &reply); err != nil {
			c.commit(reply.String())
			return err
		}
	}

	c.commit(reply.String())
	return nil
}

func (c *Coach) say(ctx context.Context, text string, reply *strings.Builder) error {
	if reply.Len() > 0 {
		reply.WriteString(" ")
	}
	reply.WriteString(text)
	if err := c.output.Put(ctx, CoachingUtterance{Text: text}); err != nil {
		return err
	}
	log.Debug().Str("module", "agent.coach").Str("text", text).Msg("utterance")
	return nil
}

// commit records what was actually said, so an interrupted reply does not
// poison the thread with text the caller never heard.
func (c *Coach) commit(said string) {
	if said == "" {
		return
	}
	c.mu.Lock()
	c.history = append(c.history, ChatMessage{Role: ChatRoleModel, Text: said})
	c.mu.Unlock()
}
