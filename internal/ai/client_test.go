package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestHTTPClient_Stream(t *testing.T) {
	server := sseServer(t, []string{
		`{"type":"chunk","content":"Hello"}`,
		`{"type":"chunk","content":" world"}`,
		`{"type":"complete","content":"Hello world","completionTokens":2,"totalTokens":10}`,
		`[DONE]`,
	})

	client := NewHTTPClient(config.AIConfig{BaseURL: server.URL}, quietLogger())
	events, err := client.Stream(context.Background(), "wayneAI", "greet me")
	require.NoError(t, err)

	out := collect(t, events)
	require.Len(t, out, 3)
	assert.Equal(t, "Hello", out[0].Chunk.Content)
	assert.Equal(t, " world", out[1].Chunk.Content)
	require.NotNil(t, out[2].Completion)
	assert.Equal(t, "Hello world", out[2].Completion.Content)
	assert.Equal(t, 2, out[2].Completion.CompletionTokens)
	assert.Equal(t, 10, out[2].Completion.TotalTokens)
}

func TestHTTPClient_CodeBlockTracking(t *testing.T) {
	server := sseServer(t, []string{
		`{"type":"chunk","content":"before "}`,
		"{\"type\":\"chunk\",\"content\":\"```go\\n\"}",
		`{"type":"chunk","content":"fmt.Println"}`,
		"{\"type\":\"chunk\",\"content\":\"\\n```\"}",
		`{"type":"complete","content":""}`,
	})

	client := NewHTTPClient(config.AIConfig{BaseURL: server.URL}, quietLogger())
	events, err := client.Stream(context.Background(), "wayneAI", "show code")
	require.NoError(t, err)

	out := collect(t, events)
	require.Len(t, out, 5)
	assert.False(t, out[0].Chunk.IsCodeBlock)
	assert.True(t, out[1].Chunk.IsCodeBlock)
	assert.True(t, out[2].Chunk.IsCodeBlock)
	assert.False(t, out[3].Chunk.IsCodeBlock)

	// An empty complete falls back to the accumulated content.
	require.NotNil(t, out[4].Completion)
	assert.Contains(t, out[4].Completion.Content, "fmt.Println")
}

func TestHTTPClient_TruncatedStreamCompletes(t *testing.T) {
	server := sseServer(t, []string{
		`{"type":"chunk","content":"partial"}`,
	})

	client := NewHTTPClient(config.AIConfig{BaseURL: server.URL}, quietLogger())
	events, err := client.Stream(context.Background(), "consultingAI", "q")
	require.NoError(t, err)

	out := collect(t, events)
	require.Len(t, out, 2)
	require.NotNil(t, out[1].Completion)
	assert.Equal(t, "partial", out[1].Completion.Content)
}

func TestHTTPClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	client := NewHTTPClient(config.AIConfig{BaseURL: server.URL}, quietLogger())
	_, err := client.Stream(context.Background(), "wayneAI", "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
