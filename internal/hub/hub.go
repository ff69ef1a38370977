// Package hub is the realtime session layer: websocket authentication,
// single-session enforcement, room membership, event fan-out, AI streaming
// and paged history with backpressure.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/ai"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/auth"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/cache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/store"
)

const (
	duplicateLoginGrace = 10 * time.Second

	participantsCacheTTL = 5 * time.Minute
)

// Korean system-message templates preserved from the original service.
const (
	sysJoined       = "%s님이 입장하였습니다."
	sysLeft         = "%s님이 퇴장하였습니다."
	sysDisconnected = "%s님이 연결이 끊어졌습니다."
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type cachedParticipants struct {
	participants []domain.UserRef
	fetchedAt    time.Time
}

// UserStore looks up externally-owned user accounts.
type UserStore interface {
	Get(ctx context.Context, id string) (*domain.User, error)
}

// Hub routes chat events between sessions, the cache services and the
// cross-instance bus.
type Hub struct {
	verifier *auth.TokenVerifier
	sessions auth.SessionValidator
	users    UserStore
	rooms    *cache.RoomCache
	messages *cache.MessageCache
	ai       ai.Client
	log      *logrus.Logger

	mu             sync.RWMutex
	connectedUsers map[string]*Session          // userId → live session
	connectedRooms map[string]string            // userId → roomId
	roomSessions   map[string]map[*Session]bool // roomId → attached sessions

	streamMu sync.RWMutex
	streams  map[string]*streamingSession // streamId → state

	loadMu      sync.Mutex
	activeLoads map[string]bool // room:user in-flight guard
	loadRetries map[string]int  // room:user consecutive failures

	partMu            sync.Mutex
	participantsCache map[string]cachedParticipants

	rejectNew atomic.Bool
}

// New wires the hub. The AI client may be nil when no AI service is
// configured; mentions are then ignored.
func New(verifier *auth.TokenVerifier, sessions auth.SessionValidator, users UserStore,
	rooms *cache.RoomCache, messages *cache.MessageCache, aiClient ai.Client, log *logrus.Logger) *Hub {
	return &Hub{
		verifier:          verifier,
		sessions:          sessions,
		users:             users,
		rooms:             rooms,
		messages:          messages,
		ai:                aiClient,
		log:               log,
		connectedUsers:    make(map[string]*Session),
		connectedRooms:    make(map[string]string),
		roomSessions:      make(map[string]map[*Session]bool),
		streams:           make(map[string]*streamingSession),
		activeLoads:       make(map[string]bool),
		loadRetries:       make(map[string]int),
		participantsCache: make(map[string]cachedParticipants),
	}
}

// SetDraining flips new-connection rejection for drain mode.
func (h *Hub) SetDraining(v bool) { h.rejectNew.Store(v) }

// ActiveConnections returns the number of live sessions.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connectedUsers)
}

// OnCacheInvalidated is the late-bound bus callback: peer invalidations of
// room documents expire the local participants cache.
func (h *Hub) OnCacheInvalidated(keys []string) {
	h.partMu.Lock()
	defer h.partMu.Unlock()
	for _, key := range keys {
		const prefix = "chat_room:"
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(h.participantsCache, key[len(prefix):])
		}
	}
}

// HandleWebSocket upgrades the connection, authenticates {token, sessionId}
// and starts the session pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.rejectNew.Load() {
		http.Error(w, "instance is draining", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")
	sessionID := r.URL.Query().Get("sessionId")
	if token == "" {
		token = r.Header.Get("x-auth-token")
	}
	if sessionID == "" {
		sessionID = r.Header.Get("x-session-id")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	user, err := h.authenticate(r.Context(), token, sessionID)
	if err != nil {
		_ = conn.WriteJSON(outbound{Event: EvtError, Data: errorPayload{Message: err.Error()}})
		_ = conn.Close()
		return
	}

	sess := newSession(h, conn, *user, sessionID, r.RemoteAddr, r.UserAgent())
	h.register(sess)

	go sess.writePump()
	go sess.readPump()
}

func (h *Hub) authenticate(ctx context.Context, token, sessionID string) (*domain.User, error) {
	if token == "" || sessionID == "" {
		return nil, fmt.Errorf("Authentication error")
	}
	userID, err := h.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	valid, err := h.sessions.Validate(ctx, userID, sessionID)
	if err != nil || !valid {
		return nil, auth.ErrInvalidSession
	}
	user, err := h.users.Get(ctx, userID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fmt.Errorf("User not found")
		}
		return nil, fmt.Errorf("Authentication error")
	}
	return user, nil
}

// register installs the session, evicting any previous session for the same
// user after the duplicate-login grace period.
func (h *Hub) register(sess *Session) {
	h.mu.Lock()
	old := h.connectedUsers[sess.user.ID]
	h.connectedUsers[sess.user.ID] = sess
	h.mu.Unlock()

	if old != nil && old != sess && old.sessionID != sess.sessionID {
		go h.evictDuplicate(old, sess)
	}

	h.log.WithFields(logrus.Fields{
		"userId":    sess.user.ID,
		"sessionId": sess.sessionID,
	}).Info("session connected")
}

func (h *Hub) evictDuplicate(old, replacement *Session) {
	old.queueOut(EvtDuplicateLogin, map[string]interface{}{
		"deviceInfo": replacement.userAgent,
		"ipAddress":  replacement.remoteAddr,
		"timestamp":  domain.NowMillis(),
	})

	select {
	case <-old.done:
		return
	case <-time.After(duplicateLoginGrace):
	}

	old.queueOut(EvtSessionEnded, map[string]interface{}{"reason": "duplicate_login"})
	old.close("duplicate_login")
}

// unregister tears the session's state down. Called once from readPump exit.
func (h *Hub) unregister(sess *Session, reason string) {
	h.mu.Lock()
	stillCurrent := h.connectedUsers[sess.user.ID] == sess
	if stillCurrent {
		delete(h.connectedUsers, sess.user.ID)
	}
	roomID := h.connectedRooms[sess.user.ID]
	if stillCurrent && roomID != "" {
		delete(h.connectedRooms, sess.user.ID)
	}
	if roomID != "" {
		if members, ok := h.roomSessions[roomID]; ok {
			delete(members, sess)
			if len(members) == 0 {
				delete(h.roomSessions, roomID)
			}
		}
	}
	h.mu.Unlock()

	h.clearLoadState(roomID, sess.user.ID)
	h.clearStreamsFor(roomID, sess.user.ID)

	if !stillCurrent || roomID == "" {
		return
	}
	if reason == "client namespace disconnect" || reason == "duplicate_login" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.persistSystemMessage(ctx, roomID, fmt.Sprintf(sysDisconnected, sess.user.Name))
	h.broadcastParticipants(ctx, roomID, nil)
}

// attachToRoom records the session as active in the room, detaching it from
// a previous room first. Returns the id of the room left, if any.
func (h *Hub) attachToRoom(sess *Session, roomID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.connectedRooms[sess.user.ID]
	if prev == roomID {
		return ""
	}
	if prev != "" {
		if members, ok := h.roomSessions[prev]; ok {
			delete(members, sess)
			if len(members) == 0 {
				delete(h.roomSessions, prev)
			}
		}
	}
	h.connectedRooms[sess.user.ID] = roomID
	if h.roomSessions[roomID] == nil {
		h.roomSessions[roomID] = make(map[*Session]bool)
	}
	h.roomSessions[roomID][sess] = true
	return prev
}

func (h *Hub) detachFromRoom(sess *Session, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connectedRooms[sess.user.ID] != roomID {
		return false
	}
	delete(h.connectedRooms, sess.user.ID)
	if members, ok := h.roomSessions[roomID]; ok {
		delete(members, sess)
		if len(members) == 0 {
			delete(h.roomSessions, roomID)
		}
	}
	return true
}

// currentRoom returns the room the user is attached to, or "".
func (h *Hub) currentRoom(userID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connectedRooms[userID]
}

// broadcastToRoom fans an event out to every session attached to the room,
// optionally excluding one.
func (h *Hub) broadcastToRoom(roomID, event string, data interface{}, except *Session) {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.roomSessions[roomID]))
	for sess := range h.roomSessions[roomID] {
		if sess != except {
			members = append(members, sess)
		}
	}
	h.mu.RUnlock()

	for _, sess := range members {
		sess.queueOut(event, data)
	}
}

// BroadcastLobby sends an event to every connected session, used for
// room-list updates.
func (h *Hub) BroadcastLobby(event string, data interface{}) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.connectedUsers))
	for _, sess := range h.connectedUsers {
		sessions = append(sessions, sess)
	}
	h.mu.RUnlock()
	for _, sess := range sessions {
		sess.queueOut(event, data)
	}
}

// BroadcastRoom fans an event out to a room from outside the hub (HTTP
// handlers, the cross-instance bus).
func (h *Hub) BroadcastRoom(roomID, event string, data interface{}) {
	h.broadcastToRoom(roomID, event, data, nil)
}

// participants returns the room's participant list through a 5-minute
// per-room cache, evicted lazily on read.
func (h *Hub) participants(ctx context.Context, roomID string) ([]domain.UserRef, error) {
	h.partMu.Lock()
	if entry, ok := h.participantsCache[roomID]; ok && time.Since(entry.fetchedAt) < participantsCacheTTL {
		h.partMu.Unlock()
		return entry.participants, nil
	}
	delete(h.participantsCache, roomID)
	h.partMu.Unlock()

	room, err := h.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	h.partMu.Lock()
	h.participantsCache[roomID] = cachedParticipants{participants: room.Participants, fetchedAt: time.Now()}
	h.partMu.Unlock()
	return room.Participants, nil
}

func (h *Hub) invalidateParticipants(roomID string) {
	h.partMu.Lock()
	delete(h.participantsCache, roomID)
	h.partMu.Unlock()
}

func (h *Hub) broadcastParticipants(ctx context.Context, roomID string, except *Session) {
	h.invalidateParticipants(roomID)
	parts, err := h.participants(ctx, roomID)
	if err != nil {
		h.log.WithError(err).WithField("roomId", roomID).Warn("failed to load participants for broadcast")
		return
	}
	h.broadcastToRoom(roomID, EvtParticipantsUpdate, map[string]interface{}{
		"roomId":       roomID,
		"participants": parts,
	}, except)
}

// persistSystemMessage writes a system message through the message cache and
// fans it out to the room.
func (h *Hub) persistSystemMessage(ctx context.Context, roomID, content string) {
	msg, err := h.messages.CreateMessage(ctx, cache.CreateMessageInput{
		Room:    roomID,
		Sender:  domain.UserRef{ID: "system", Name: "system"},
		Type:    domain.MessageTypeSystem,
		Content: content,
	})
	if err != nil {
		h.log.WithError(err).WithField("roomId", roomID).Warn("failed to persist system message")
		return
	}
	h.broadcastToRoom(roomID, EvtMessage, msg, nil)
}

func (h *Hub) clearLoadState(roomID, userID string) {
	if roomID == "" {
		return
	}
	key := loadKey(roomID, userID)
	h.loadMu.Lock()
	delete(h.activeLoads, key)
	delete(h.loadRetries, key)
	h.loadMu.Unlock()
}

func loadKey(roomID, userID string) string { return roomID + ":" + userID }

// Shutdown emits session_ended to every live session and closes them.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.connectedUsers))
	for _, sess := range h.connectedUsers {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()

	for _, sess := range sessions {
		sess.queueOut(EvtSessionEnded, map[string]interface{}{"reason": "server_shutdown"})
		sess.close("server_shutdown")
	}
}
