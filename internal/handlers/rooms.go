package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/cache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/store"
)

// UserStore looks up externally-owned user accounts.
type UserStore interface {
	Get(ctx context.Context, id string) (*domain.User, error)
}

// RoomHandlers serves the room listing, creation, lookup, join and message
// pagination endpoints.
type RoomHandlers struct {
	rooms    *cache.RoomCache
	messages *cache.MessageCache
	users    UserStore
	hub      RealtimeNotifier
	log      *logrus.Logger
}

// RealtimeNotifier is the slice of the hub the HTTP surface needs.
type RealtimeNotifier interface {
	BroadcastLobby(event string, data interface{})
	BroadcastRoom(roomID, event string, data interface{})
}

// NewRoomHandlers wires the room endpoints.
func NewRoomHandlers(rooms *cache.RoomCache, messages *cache.MessageCache, users UserStore, hub RealtimeNotifier, log *logrus.Logger) *RoomHandlers {
	return &RoomHandlers{rooms: rooms, messages: messages, users: users, hub: hub, log: log}
}

// List handles GET /api/rooms.
func (h *RoomHandlers) List(c *gin.Context) {
	query := cache.RoomListQuery{
		Page:      atoiDefault(c.Query("page"), 0),
		PageSize:  atoiDefault(c.Query("pageSize"), 0),
		SortField: c.Query("sortField"),
		SortOrder: c.Query("sortOrder"),
		Search:    c.Query("search"),
		UserID:    userID(c),
	}
	if raw := c.Query("hasPassword"); raw != "" {
		v := raw == "true"
		query.HasPassword = &v
	}

	result, err := h.rooms.ListRooms(c.Request.Context(), query)
	if err != nil {
		abortError(c, http.StatusInternalServerError, "채팅방 목록을 불러오지 못했습니다.", "LIST_FAILED")
		return
	}

	maxAge := "10"
	if result.Source == cache.SourceRedis {
		maxAge = "30"
	}
	c.Header("Cache-Control", "private, max-age="+maxAge)
	c.Header("X-Cache-Source", result.Source)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

type createRoomRequest struct {
	Name     string `json:"name" binding:"required"`
	Password string `json:"password"`
}

// Create handles POST /api/rooms.
func (h *RoomHandlers) Create(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "방 이름을 입력해주세요.", "INVALID_NAME")
		return
	}

	user, err := h.users.Get(c.Request.Context(), userID(c))
	if err != nil {
		abortError(c, http.StatusUnauthorized, "User not found", "USER_NOT_FOUND")
		return
	}

	room, err := h.rooms.CreateRoom(c.Request.Context(), req.Name, user.Ref(), req.Password)
	if err != nil {
		abortError(c, http.StatusBadRequest, "채팅방 생성에 실패했습니다.", "CREATE_FAILED")
		return
	}

	h.hub.BroadcastLobby("roomCreated", room)
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": room})
}

// Get handles GET /api/rooms/:roomId.
func (h *RoomHandlers) Get(c *gin.Context) {
	room, err := h.rooms.GetRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		if err == store.ErrNotFound {
			abortError(c, http.StatusNotFound, "채팅방을 찾을 수 없습니다.", "ROOM_NOT_FOUND")
			return
		}
		abortError(c, http.StatusInternalServerError, "채팅방 조회에 실패했습니다.", "GET_FAILED")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": room.Sanitized()})
}

type joinRoomRequest struct {
	Password string `json:"password"`
}

// Join handles POST /api/rooms/:roomId/join.
func (h *RoomHandlers) Join(c *gin.Context) {
	var req joinRoomRequest
	_ = c.ShouldBindJSON(&req)

	user, err := h.users.Get(c.Request.Context(), userID(c))
	if err != nil {
		abortError(c, http.StatusUnauthorized, "User not found", "USER_NOT_FOUND")
		return
	}

	roomID := c.Param("roomId")
	result, err := h.rooms.JoinRoom(c.Request.Context(), roomID, user.Ref(), req.Password)
	if err != nil {
		if err == store.ErrNotFound {
			abortError(c, http.StatusNotFound, "채팅방을 찾을 수 없습니다.", "ROOM_NOT_FOUND")
			return
		}
		abortError(c, http.StatusInternalServerError, "채팅방 입장에 실패했습니다.", "JOIN_FAILED")
		return
	}
	if !result.Success {
		abortError(c, http.StatusUnauthorized, result.Message, "PASSWORD_MISMATCH")
		return
	}

	h.hub.BroadcastRoom(roomID, "roomUpdate", result.Room)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": result.Room})
}

// Messages handles GET /api/rooms/:roomId/messages.
func (h *RoomHandlers) Messages(c *gin.Context) {
	roomID := c.Param("roomId")
	uid := userID(c)

	room, err := h.rooms.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		abortError(c, http.StatusNotFound, "채팅방을 찾을 수 없습니다.", "ROOM_NOT_FOUND")
		return
	}
	if !room.HasParticipant(uid) {
		abortError(c, http.StatusForbidden, "채팅방에 참여하지 않았습니다.", "NOT_A_PARTICIPANT")
		return
	}

	before, _ := strconv.ParseInt(c.Query("before"), 10, 64)
	limit := atoiDefault(c.Query("limit"), cache.DefaultPageLimit)
	if limit > cache.MaxPageLimit {
		limit = cache.MaxPageLimit
	}

	page, err := h.messages.GetMessagesByRoom(c.Request.Context(), roomID, before, limit)
	if err != nil {
		abortError(c, http.StatusInternalServerError, "메시지를 불러오지 못했습니다.", "LOAD_FAILED")
		return
	}

	// Auto-mark returned messages read, fire and forget.
	if len(page.Messages) > 0 {
		ids := make([]string, 0, len(page.Messages))
		for _, m := range page.Messages {
			ids = append(ids, m.ID)
		}
		go func() {
			ctx, cancel := contextWithTimeout()
			defer cancel()
			if _, err := h.messages.MarkAsRead(ctx, ids, uid); err != nil {
				h.log.WithError(err).Debug("auto mark-as-read failed")
			}
		}()
	}

	c.Header("X-Cache-Source", page.Source)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": page})
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
