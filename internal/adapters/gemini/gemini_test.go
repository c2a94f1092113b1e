package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Copilot/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan agent.ChatChunk) ([]string, error) {
	t.Helper()
	var texts []string
	deadline := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return texts, nil
			}
			if chunk.Err != nil {
				return texts, chunk.Err
			}
			texts = append(texts, chunk.Text)
		case <-deadline:
			t.Fatal("stream did not finish")
		}
	}
}

func TestStreamChatYieldsDeltas(t *testing.T) {
	var gotBody generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hello \"}]}}]}\n\n")
		fmt.Fprint(w, ": comment line ignored\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"world.\"}]}}]}\n\n")
	}))
	defer srv.Close()

	c := New(Config{APIKey: "test-key", BaseURL: srv.URL, Model: "gemini-2.0-flash", Temperature: 0.5})
	ch, err := c.StreamChat(context.Background(), agent.ChatRequest{
		System: "be brief",
		Messages: []agent.ChatMessage{
			{Role: agent.ChatRoleUser, Text: "hi"},
			{Role: agent.ChatRoleModel, Text: "hey"},
			{Role: agent.ChatRoleUser, Text: "more"},
		},
	})
	require.NoError(t, err)

	texts, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello ", "world."}, texts)

	require.NotNil(t, gotBody.SystemInstruction)
	assert.Equal(t, "be brief", gotBody.SystemInstruction.Parts[0].Text)
	require.Len(t, gotBody.Contents, 3)
	assert.Equal(t, "user", gotBody.Contents[0].Role)
	assert.Equal(t, "model", gotBody.Contents[1].Role)
}

func TestStreamChatMalformedChunksDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: {not json}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"ok\"}]}}]}\n\n")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ch, err := c.StreamChat(context.Background(), agent.ChatRequest{Messages: []agent.ChatMessage{{Role: agent.ChatRoleUser, Text: "hi"}}})
	require.NoError(t, err)

	texts, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, texts)
}

func TestStreamChatSurfacesStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: {\"error\":{\"code\":429,\"message\":\"quota\"}}\n\n")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ch, err := c.StreamChat(context.Background(), agent.ChatRequest{Messages: []agent.ChatMessage{{Role: agent.ChatRoleUser, Text: "hi"}}})
	require.NoError(t, err)

	_, err = collect(t, ch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")
}

func TestStreamChatCancelReleasesStreamGoroutine(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"one\"}]}}]}\n\n")
		f.Flush()
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"two\"}]}}]}\n\n")
		f.Flush()
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(Config{BaseURL: srv.URL})
	ch, err := c.StreamChat(ctx, agent.ChatRequest{Messages: []agent.ChatMessage{{Role: agent.ChatRoleUser, Text: "hi"}}})
	require.NoError(t, err)

	chunk := <-ch
	assert.Equal(t, "one", chunk.Text)

	// Abandon the stream mid-reply, the way an interrupted coach turn does.
	// The second chunk is stuck on the channel; cancellation must still let
	// the stream goroutine exit.
	cancel()

	require.Eventually(t, func() bool {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		return !strings.Contains(string(buf[:n]), ").consume(")
	}, 2*time.Second, 20*time.Millisecond, "stream goroutine still alive after cancel")
}

func TestStreamChatNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.StreamChat(context.Background(), agent.ChatRequest{Messages: []agent.ChatMessage{{Role: agent.ChatRoleUser, Text: "hi"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
