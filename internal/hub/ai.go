package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/ai"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/cache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
)

// streamingSession is the in-memory handle for one in-progress AI stream.
// IDLE → STREAMING → PERSISTED | FAILED; terminal states remove the session.
type streamingSession struct {
	id        string
	roomID    string
	aiType    string
	ownerID   string
	query     string
	startedAt int64
	cancel    context.CancelFunc

	mu         sync.Mutex
	content    strings.Builder
	lastUpdate int64
}

func (ss *streamingSession) append(chunk string) string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.content.WriteString(chunk)
	ss.lastUpdate = domain.NowMillis()
	return ss.content.String()
}

func (ss *streamingSession) snapshot() activeStream {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return activeStream{
		MessageID:   ss.id,
		AIType:      ss.aiType,
		Content:     ss.content.String(),
		StartedAt:   ss.startedAt,
		LastUpdated: ss.lastUpdate,
	}
}

// startAIResponse begins a token stream for a mention. The mention handle is
// stripped from the query before it reaches the AI service.
func (h *Hub) startAIResponse(roomID, aiType, content, ownerID string) {
	if h.ai == nil {
		return
	}

	query := strings.TrimSpace(strings.ReplaceAll(content, "@"+aiType, ""))
	now := domain.NowMillis()
	streamID := fmt.Sprintf("%s-%d", aiType, now)

	ctx, cancel := context.WithCancel(context.Background())
	ss := &streamingSession{
		id:        streamID,
		roomID:    roomID,
		aiType:    aiType,
		ownerID:   ownerID,
		query:     query,
		startedAt: now,
		cancel:    cancel,
	}
	h.streamMu.Lock()
	h.streams[streamID] = ss
	h.streamMu.Unlock()

	h.broadcastToRoom(roomID, EvtAIMessageStart, map[string]interface{}{
		"messageId": streamID,
		"aiType":    aiType,
		"timestamp": now,
	}, nil)

	go h.runAIStream(ctx, ss)
}

func (h *Hub) runAIStream(ctx context.Context, ss *streamingSession) {
	events, err := h.ai.Stream(ctx, ss.aiType, ss.query)
	if err != nil {
		h.finishAIStream(ss, nil, err)
		return
	}

	for ev := range events {
		switch {
		case ev.Chunk != nil:
			full := ss.append(ev.Chunk.Content)
			h.broadcastToRoom(ss.roomID, EvtAIMessageChunk, map[string]interface{}{
				"messageId":    ss.id,
				"currentChunk": ev.Chunk.Content,
				"fullContent":  full,
				"isCodeBlock":  ev.Chunk.IsCodeBlock,
				"timestamp":    domain.NowMillis(),
				"aiType":       ss.aiType,
				"isComplete":   false,
			}, nil)
		case ev.Completion != nil:
			h.finishAIStream(ss, ev.Completion, nil)
			return
		case ev.Err != nil:
			h.finishAIStream(ss, nil, ev.Err)
			return
		}
	}
	// Channel closed by cancellation; late callbacks become no-ops because
	// the session is already removed.
	h.removeStream(ss.id)
}

func (h *Hub) finishAIStream(ss *streamingSession, completion *ai.Completion, streamErr error) {
	if !h.removeStream(ss.id) {
		return // already cleared by disconnect or leave
	}

	if streamErr != nil {
		h.broadcastToRoom(ss.roomID, EvtAIMessageError, map[string]interface{}{
			"messageId": ss.id,
			"error":     streamErr.Error(),
			"aiType":    ss.aiType,
		}, nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg, err := h.messages.CreateMessage(ctx, cache.CreateMessageInput{
		Room:    ss.roomID,
		Sender:  domain.UserRef{ID: ss.aiType, Name: ss.aiType},
		Type:    domain.MessageTypeAI,
		Content: completion.Content,
		AIType:  ss.aiType,
		Metadata: map[string]interface{}{
			"query":            ss.query,
			"generationTime":   domain.NowMillis() - ss.startedAt,
			"completionTokens": completion.CompletionTokens,
			"totalTokens":      completion.TotalTokens,
		},
	})
	if err != nil {
		h.log.WithError(err).WithField("streamId", ss.id).Error("failed to persist ai message")
		h.broadcastToRoom(ss.roomID, EvtAIMessageError, map[string]interface{}{
			"messageId": ss.id,
			"error":     "failed to persist ai message",
			"aiType":    ss.aiType,
		}, nil)
		return
	}

	h.broadcastToRoom(ss.roomID, EvtAIMessageComplete, map[string]interface{}{
		"messageId":  ss.id,
		"_id":        msg.ID,
		"content":    msg.Content,
		"aiType":     ss.aiType,
		"timestamp":  msg.Timestamp,
		"isComplete": true,
		"query":      ss.query,
		"reactions":  map[string][]string{},
	}, nil)
}

// removeStream deletes the stream handle; returns false when it was already
// gone (terminal transitions are one-shot).
func (h *Hub) removeStream(id string) bool {
	h.streamMu.Lock()
	defer h.streamMu.Unlock()
	if _, ok := h.streams[id]; !ok {
		return false
	}
	delete(h.streams, id)
	return true
}

// activeStreamsFor lists in-progress streams for a room, sent on join.
func (h *Hub) activeStreamsFor(roomID string) []activeStream {
	h.streamMu.RLock()
	defer h.streamMu.RUnlock()
	out := make([]activeStream, 0)
	for _, ss := range h.streams {
		if ss.roomID == roomID {
			out = append(out, ss.snapshot())
		}
	}
	return out
}

// clearStreamsFor cancels streams owned by the user in the room, used on
// leave and disconnect.
func (h *Hub) clearStreamsFor(roomID, userID string) {
	if roomID == "" {
		return
	}
	h.streamMu.Lock()
	var cancelled []*streamingSession
	for id, ss := range h.streams {
		if ss.roomID == roomID && ss.ownerID == userID {
			cancelled = append(cancelled, ss)
			delete(h.streams, id)
		}
	}
	h.streamMu.Unlock()
	for _, ss := range cancelled {
		ss.cancel()
	}
}
