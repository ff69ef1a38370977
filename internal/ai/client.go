// Package ai is the client for the external token-generation service. The
// service itself is out of scope; this package defines the streaming
// interface the hub drains and an HTTP/SSE implementation of it.
package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
)

// Chunk is one streamed token batch.
type Chunk struct {
	Content     string
	IsCodeBlock bool
}

// Completion is the final result of a stream.
type Completion struct {
	Content          string
	CompletionTokens int
	TotalTokens      int
}

// Event is one item on the stream channel: exactly one of Chunk, Completion
// or Err is set. The channel closes after a Completion or Err event.
type Event struct {
	Chunk      *Chunk
	Completion *Completion
	Err        error
}

// Client streams an AI response for a query. Cancellation flows through ctx;
// the returned channel is closed when the stream ends for any reason.
type Client interface {
	Stream(ctx context.Context, aiType, query string) (<-chan Event, error)
}

// HTTPClient talks to the AI service over server-sent events.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *logrus.Logger
}

// NewHTTPClient builds the SSE client from configuration.
func NewHTTPClient(cfg config.AIConfig, log *logrus.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{}, // streaming: no client-level timeout
		log:     log,
	}
}

type streamRequest struct {
	AIType string `json:"aiType"`
	Query  string `json:"query"`
	Stream bool   `json:"stream"`
}

type streamPayload struct {
	Type             string `json:"type"` // chunk or complete
	Content          string `json:"content"`
	CompletionTokens int    `json:"completionTokens,omitempty"`
	TotalTokens      int    `json:"totalTokens,omitempty"`
}

// Stream opens the SSE stream and feeds events onto the returned channel.
func (c *HTTPClient) Stream(ctx context.Context, aiType, query string) (<-chan Event, error) {
	body, err := json.Marshal(streamRequest{AIType: aiType, Query: query, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("ai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("ai: service returned status %d", resp.StatusCode)
	}

	events := make(chan Event, 32)
	go c.readStream(ctx, resp, events)
	return events, nil
}

func (c *HTTPClient) readStream(ctx context.Context, resp *http.Response, events chan<- Event) {
	defer close(events)
	defer resp.Body.Close()

	var full strings.Builder
	inCodeBlock := false
	scanner := bufio.NewScanner(resp.Body)
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

		var payload streamPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			c.log.WithError(err).Debug("skipping malformed ai stream line")
			continue
		}

		switch payload.Type {
		case "chunk":
			if strings.Count(payload.Content, "```")%2 == 1 {
				inCodeBlock = !inCodeBlock
			}
			full.WriteString(payload.Content)
			select {
			case events <- Event{Chunk: &Chunk{Content: payload.Content, IsCodeBlock: inCodeBlock}}:
			case <-ctx.Done():
				return
			}
		case "complete":
			content := payload.Content
			if content == "" {
				content = full.String()
			}
			select {
			case events <- Event{Completion: &Completion{
				Content:          content,
				CompletionTokens: payload.CompletionTokens,
				TotalTokens:      payload.TotalTokens,
			}}:
			case <-ctx.Done():
			}
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case events <- Event{Err: fmt.Errorf("ai: stream read: %w", err)}:
		default:
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	// Stream ended without a complete event: treat the accumulated content
	// as the completion.
	select {
	case events <- Event{Completion: &Completion{Content: full.String()}}:
	default:
	}
}
