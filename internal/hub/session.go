package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/cache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	maxLoadRetries = 3
	loadTimeout    = 10 * time.Second
	baseLoadDelay  = 2 * time.Second
	maxLoadDelay   = 10 * time.Second
)

// Session is one authenticated websocket connection.
type Session struct {
	hub  *Hub
	conn *websocket.Conn

	user       domain.User
	sessionID  string
	remoteAddr string
	userAgent  string

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(h *Hub, conn *websocket.Conn, user domain.User, sessionID, remoteAddr, userAgent string) *Session {
	return &Session{
		hub:        h,
		conn:       conn,
		user:       user,
		sessionID:  sessionID,
		remoteAddr: remoteAddr,
		userAgent:  userAgent,
		send:       make(chan outbound, 256),
		done:       make(chan struct{}),
	}
}

// queueOut enqueues an event without blocking; a full buffer drops the frame
// rather than stalling the hub.
func (s *Session) queueOut(event string, data interface{}) bool {
	select {
	case s.send <- outbound{Event: event, Data: data}:
		return true
	case <-s.done:
		return false
	default:
		s.hub.log.WithField("userId", s.user.ID).Warn("session send buffer full, dropping event")
		return false
	}
}

func (s *Session) sendError(message, code string) {
	s.queueOut(EvtError, errorPayload{Message: message, Code: code})
}

func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) readPump() {
	reason := "transport close"
	defer func() {
		s.close(reason)
		s.hub.unregister(s, reason)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame inbound
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "client namespace disconnect"
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.log.WithError(err).WithField("userId", s.user.ID).Debug("websocket read error")
			}
			return
		}
		s.dispatch(&frame)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) dispatch(frame *inbound) {
	switch frame.Event {
	case EvtJoinRoom:
		var p joinRoomPayload
		if json.Unmarshal(frame.Data, &p) == nil {
			s.handleJoinRoom(p)
		}
	case EvtLeaveRoom:
		var p leaveRoomPayload
		if json.Unmarshal(frame.Data, &p) == nil {
			s.handleLeaveRoom(p.RoomID)
		}
	case EvtFetchPrevious:
		var p fetchPreviousPayload
		if json.Unmarshal(frame.Data, &p) == nil {
			go s.handleFetchPrevious(p)
		}
	case EvtChatMessage:
		var p chatMessagePayload
		if json.Unmarshal(frame.Data, &p) == nil {
			s.handleChatMessage(p)
		}
	case EvtMarkAsRead:
		var p markAsReadPayload
		if json.Unmarshal(frame.Data, &p) == nil {
			s.handleMarkAsRead(p)
		}
	case EvtMessageReaction:
		var p reactionPayload
		if json.Unmarshal(frame.Data, &p) == nil {
			s.handleReaction(p)
		}
	case EvtForceLogin:
		var p forceLoginPayload
		if json.Unmarshal(frame.Data, &p) == nil {
			s.handleForceLogin(p)
		}
	default:
		s.sendError("unknown event: "+frame.Event, "UNKNOWN_EVENT")
	}
}

func (s *Session) handleJoinRoom(p joinRoomPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.hub.currentRoom(s.user.ID) == p.RoomID {
		s.replyJoinSuccess(ctx, p.RoomID)
		return
	}

	prev := s.hub.attachToRoom(s, p.RoomID)
	if prev != "" {
		s.hub.broadcastToRoom(prev, EvtUserLeft, map[string]interface{}{
			"roomId": prev,
			"userId": s.user.ID,
			"name":   s.user.Name,
		}, s)
	}

	join, err := s.hub.rooms.JoinRoom(ctx, p.RoomID, s.user.Ref(), p.Password)
	if err != nil {
		s.hub.detachFromRoom(s, p.RoomID)
		s.queueOut(EvtJoinRoomError, errorPayload{Message: "채팅방 입장에 실패했습니다."})
		return
	}
	if !join.Success {
		s.hub.detachFromRoom(s, p.RoomID)
		s.queueOut(EvtJoinRoomError, errorPayload{Message: join.Message})
		return
	}
	s.hub.invalidateParticipants(p.RoomID)

	s.hub.persistSystemMessage(ctx, p.RoomID, fmt.Sprintf(sysJoined, s.user.Name))

	// Warm recent history for the room off the hot path.
	go func() {
		wctx, wcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer wcancel()
		if _, err := s.hub.messages.WarmCacheForRoom(wctx, p.RoomID, cache.DefaultPageLimit); err != nil {
			s.hub.log.WithError(err).WithField("roomId", p.RoomID).Debug("room warm-cache failed")
		}
	}()

	s.replyJoinSuccess(ctx, p.RoomID)
	s.hub.broadcastParticipants(ctx, p.RoomID, nil)
}

func (s *Session) replyJoinSuccess(ctx context.Context, roomID string) {
	page, err := s.hub.messages.GetMessagesByRoom(ctx, roomID, 0, cache.DefaultPageLimit)
	if err != nil {
		s.hub.log.WithError(err).WithField("roomId", roomID).Warn("failed to load history on join")
		page = &cache.MessagePage{Messages: []*domain.Message{}}
	}
	parts, err := s.hub.participants(ctx, roomID)
	if err != nil {
		parts = nil
	}
	s.queueOut(EvtJoinRoomSuccess, joinRoomSuccess{
		RoomID:          roomID,
		Participants:    parts,
		Messages:        page.Messages,
		HasMore:         page.HasMore,
		OldestTimestamp: page.OldestTimestamp,
		ActiveStreams:   s.hub.activeStreamsFor(roomID),
	})
}

func (s *Session) handleLeaveRoom(roomID string) {
	if !s.hub.detachFromRoom(s, roomID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.hub.rooms.LeaveRoom(ctx, roomID, s.user.ID); err != nil {
		s.hub.log.WithError(err).WithField("roomId", roomID).Warn("failed to remove participant")
	}
	s.hub.persistSystemMessage(ctx, roomID, fmt.Sprintf(sysLeft, s.user.Name))
	s.hub.broadcastParticipants(ctx, roomID, nil)
	s.hub.clearStreamsFor(roomID, s.user.ID)
	s.hub.clearLoadState(roomID, s.user.ID)
}

// handleFetchPrevious pages older history with a per-(room,user) concurrency
// guard and bounded retries with exponential backoff.
func (s *Session) handleFetchPrevious(p fetchPreviousPayload) {
	if s.hub.currentRoom(s.user.ID) != p.RoomID {
		s.sendError("채팅방에 참여하지 않았습니다.", "NOT_IN_ROOM")
		return
	}

	key := loadKey(p.RoomID, s.user.ID)
	s.hub.loadMu.Lock()
	if s.hub.activeLoads[key] {
		s.hub.loadMu.Unlock()
		return
	}
	if s.hub.loadRetries[key] >= maxLoadRetries {
		s.hub.loadMu.Unlock()
		s.sendError("메시지를 불러오지 못했습니다.", "LOAD_FAILED")
		return
	}
	s.hub.activeLoads[key] = true
	s.hub.loadMu.Unlock()

	defer func() {
		s.hub.loadMu.Lock()
		delete(s.hub.activeLoads, key)
		s.hub.loadMu.Unlock()
	}()

	s.queueOut(EvtMessageLoadStart, map[string]interface{}{"roomId": p.RoomID})

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	var page *cache.MessagePage
	var err error
	for attempt := 0; attempt < maxLoadRetries; attempt++ {
		page, err = s.hub.messages.GetMessagesByRoom(ctx, p.RoomID, p.Before, cache.DefaultPageLimit)
		if err == nil {
			break
		}
		delay := baseLoadDelay << attempt
		if delay > maxLoadDelay {
			delay = maxLoadDelay
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(delay):
			continue
		}
		break
	}

	s.hub.loadMu.Lock()
	if err != nil {
		s.hub.loadRetries[key]++
	} else {
		// Reset on success so a past bad streak cannot lock the user out.
		delete(s.hub.loadRetries, key)
	}
	s.hub.loadMu.Unlock()

	if err != nil {
		s.sendError("메시지를 불러오지 못했습니다.", "LOAD_FAILED")
		return
	}
	s.queueOut(EvtPreviousLoaded, map[string]interface{}{
		"roomId":          p.RoomID,
		"messages":        page.Messages,
		"hasMore":         page.HasMore,
		"oldestTimestamp": page.OldestTimestamp,
		"source":          page.Source,
	})
}

func (s *Session) handleChatMessage(p chatMessagePayload) {
	if s.hub.currentRoom(s.user.ID) != p.Room {
		s.sendError("채팅방에 참여하지 않았습니다.", "NOT_IN_ROOM")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if valid, err := s.hub.sessions.Validate(ctx, s.user.ID, s.sessionID); err != nil || !valid {
		s.queueOut(EvtSessionEnded, map[string]interface{}{"reason": "invalid_session"})
		s.close("invalid_session")
		return
	}

	input := cache.CreateMessageInput{
		Room:   p.Room,
		Sender: s.user.Ref(),
	}
	switch p.Type {
	case domain.MessageTypeFile:
		fd := p.FileData
		if fd == nil || fd.Filename == "" || fd.OriginalName == "" || fd.MimeType == "" ||
			fd.Size <= 0 || fd.S3URL == "" || fd.S3Key == "" || fd.S3Bucket == "" {
			s.sendError("파일 정보가 올바르지 않습니다.", "INVALID_FILE")
			return
		}
		input.Type = domain.MessageTypeFile
		input.Content = strings.TrimSpace(p.Content)
		input.File = &domain.FileMeta{
			Filename:     fd.Filename,
			OriginalName: fd.OriginalName,
			MimeType:     fd.MimeType,
			Size:         fd.Size,
			S3URL:        fd.S3URL,
			S3Key:        fd.S3Key,
			S3Bucket:     fd.S3Bucket,
			UploadedAt:   domain.NowMillis(),
		}
	case domain.MessageTypeText, "":
		content := strings.TrimSpace(p.Content)
		if content == "" {
			return
		}
		input.Type = domain.MessageTypeText
		input.Content = content
	default:
		s.sendError("지원하지 않는 메시지 형식입니다.", "INVALID_TYPE")
		return
	}

	msg, err := s.hub.messages.CreateMessage(ctx, input)
	if err != nil {
		s.sendError("메시지 전송에 실패했습니다.", "SEND_FAILED")
		return
	}
	s.hub.broadcastToRoom(p.Room, EvtMessage, msg, nil)

	if input.Type == domain.MessageTypeText {
		for _, mention := range msg.Mentions {
			s.hub.startAIResponse(p.Room, mention, msg.Content, s.user.ID)
		}
	}
}

func (s *Session) handleMarkAsRead(p markAsReadPayload) {
	if len(p.MessageIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	updated, err := s.hub.messages.MarkAsRead(ctx, p.MessageIDs, s.user.ID)
	if err != nil {
		s.hub.log.WithError(err).WithField("userId", s.user.ID).Warn("mark-as-read failed")
		return
	}
	if len(updated) == 0 {
		return
	}
	s.hub.broadcastToRoom(p.RoomID, EvtMessagesRead, map[string]interface{}{
		"userId":     s.user.ID,
		"messageIds": updated,
	}, s)
}

func (s *Session) handleReaction(p reactionPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var users []string
	var err error
	switch p.Type {
	case "add":
		users, err = s.hub.messages.AddReaction(ctx, p.MessageID, p.Reaction, s.user.ID)
	case "remove":
		users, err = s.hub.messages.RemoveReaction(ctx, p.MessageID, p.Reaction, s.user.ID)
	default:
		s.sendError("알 수 없는 리액션 동작입니다.", "INVALID_REACTION")
		return
	}
	if err != nil {
		s.sendError("리액션 처리에 실패했습니다.", "REACTION_FAILED")
		return
	}

	msg, err := s.hub.messages.GetMessage(ctx, p.MessageID)
	if err != nil {
		return
	}
	s.hub.broadcastToRoom(msg.Room, EvtReactionUpdate, map[string]interface{}{
		"messageId": p.MessageID,
		"reaction":  p.Reaction,
		"users":     users,
		"reactions": msg.Reactions,
	}, nil)
}

func (s *Session) handleForceLogin(p forceLoginPayload) {
	userID, err := s.hub.verifier.Verify(p.Token)
	if err != nil || userID != s.user.ID {
		s.sendError("Invalid token", "INVALID_TOKEN")
		return
	}
	s.queueOut(EvtSessionEnded, map[string]interface{}{"reason": "force_logout"})
	// Give the write pump a moment to flush the final frame.
	time.AfterFunc(100*time.Millisecond, func() { s.close("force_logout") })
}
