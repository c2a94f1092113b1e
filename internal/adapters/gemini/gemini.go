// Package gemini adapts Google's generative language API to the agent's
// ChatModel capability using the streaming SSE endpoint.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/Copilot/internal/agent"
	"github.com/rs/zerolog/log"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type Config struct {
	APIKey string
	// BaseURL overrides the API host, used by tests.
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Model == "" {
		c.Model = "gemini-2.0-flash"
	}
	return c
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	return &Client{
		cfg:  cfg.withDefaults(),
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	SystemInstruction *content         `json:"system_instruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generateChunk struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// StreamChat posts the conversation and yields text deltas as they arrive.
func (c *Client) StreamChat(ctx context.Context, req agent.ChatRequest) (<-chan agent.ChatChunk, error) {
	body := generateRequest{
		Contents: make([]content, 0, len(req.Messages)),
		GenerationConfig: generationConfig{
			Temperature:     c.cfg.Temperature,
			MaxOutputTokens: c.cfg.MaxTokens,
		},
	}
	if req.System != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		body.Contents = append(body.Contents, content{
			Role:  string(m.Role),
			Parts: []part{{Text: m.Text}},
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini marshal: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		c.cfg.BaseURL, c.cfg.Model, c.cfg.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("gemini status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	out := make(chan agent.ChatChunk)
	go c.consume(ctx, resp.Body, out)
	return out, nil
}

// consume reads the SSE stream. Every send races ctx so a caller that stops
// draining mid-reply does not strand the goroutine on a blocked channel.
func (c *Client) consume(ctx context.Context, body io.ReadCloser, out chan<- agent.ChatChunk) {
	defer close(out)
	defer func() { _ = body.Close() }()

	emit := func(chunk agent.ChatChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk generateChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Warn().Err(err).Str("module", "llm.gemini").Msg("malformed stream chunk, dropping")
			continue
		}
		if chunk.Error != nil {
			emit(agent.ChatChunk{Err: fmt.Errorf("gemini stream error %d: %s", chunk.Error.Code, chunk.Error.Message)})
			return
		}

		var sb strings.Builder
		for _, cand := range chunk.Candidates {
			for _, p := range cand.Content.Parts {
				sb.WriteString(p.Text)
			}
		}
		if sb.Len() > 0 {
			if !emit(agent.ChatChunk{Text: sb.String()}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(agent.ChatChunk{Err: fmt.Errorf("gemini stream read: %w", err)})
	}
}
