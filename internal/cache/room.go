// Package cache contains the read-through room cache and the write-back
// message cache built on the hot tier's JSON documents and secondary
// indexes, with the durable tier as fallback.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/store"
)

const (
	roomKeyPrefix = "chat_room:"
	roomIndexName = "idx_chat_rooms"

	// Sources reported in list/page metadata.
	SourceRedis   = "redis"
	SourceMongoDB = "mongodb"

	maxPageSize     = 50
	defaultPageSize = 10
)

// MsgPasswordMismatch is the user-facing join failure text.
const MsgPasswordMismatch = "비밀번호가 일치하지 않습니다."

// RoomListQuery narrows, orders and pages a room listing.
type RoomListQuery struct {
	Page        int
	PageSize    int
	SortField   string // createdAt, name, participantsCount
	SortOrder   string // asc, desc
	Search      string
	HasPassword *bool
	UserID      string // for isCreator derivation
}

// RoomSummary is one row of a room listing.
type RoomSummary struct {
	ID                string         `json:"_id"`
	Name              string         `json:"name"`
	Creator           domain.UserRef `json:"creator"`
	HasPassword       bool           `json:"hasPassword"`
	ParticipantsCount int            `json:"participantsCount"`
	CreatedAt         int64          `json:"createdAt"`
	IsCreator         bool           `json:"isCreator"`
}

// RoomListResult is a page of rooms plus the listing response metadata.
type RoomListResult struct {
	Rooms        []RoomSummary `json:"rooms"`
	Total        int           `json:"total"`
	Page         int           `json:"page"`
	PageSize     int           `json:"pageSize"`
	TotalPages   int           `json:"totalPages"`
	HasMore      bool          `json:"hasMore"`
	CurrentCount int           `json:"currentCount"`
	Sort         SortMeta      `json:"sort"`
	Source       string        `json:"source"`
}

// SortMeta echoes the applied ordering.
type SortMeta struct {
	Field string `json:"field"`
	Order string `json:"order"`
}

// JoinResult is the outcome of a join attempt.
type JoinResult struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Room    *domain.Room `json:"room,omitempty"`
}

// RoomStore is the durable-tier slice the room cache needs.
type RoomStore interface {
	Insert(ctx context.Context, room *domain.Room) error
	Get(ctx context.Context, id string) (*domain.Room, error)
	List(ctx context.Context, f store.RoomFilter) ([]*domain.Room, int64, error)
	All(ctx context.Context) ([]*domain.Room, error)
	AddParticipant(ctx context.Context, roomID string, user domain.UserRef) (*domain.Room, error)
	RemoveParticipant(ctx context.Context, roomID, userID string) (*domain.Room, error)
	Delete(ctx context.Context, id string) error
}

// RoomCache is the read-through / write-through room service.
type RoomCache struct {
	hot        hottier.Client
	store      RoomStore
	instanceID string
	log        *logrus.Logger
}

// NewRoomCache builds the service; EnsureIndex must be called before
// listings are served from the hot tier.
func NewRoomCache(hot hottier.Client, st RoomStore, instanceID string, log *logrus.Logger) *RoomCache {
	return &RoomCache{hot: hot, store: st, instanceID: instanceID, log: log}
}

func roomKey(id string) string { return roomKeyPrefix + id }

// EnsureIndex creates the room search index. An existing index is fine.
func (c *RoomCache) EnsureIndex(ctx context.Context) error {
	return c.hot.IndexCreate(ctx, roomIndexName, hottier.IndexDefinition{
		Prefix: roomKeyPrefix,
		Fields: []hottier.IndexField{
			{Path: "$._id", As: "id", Type: hottier.FieldTag},
			{Path: "$.name", As: "name", Type: hottier.FieldText, Weight: 1.0},
			{Path: "$.hasPassword", As: "hasPassword", Type: hottier.FieldTag},
			{Path: "$.creator._id", As: "creatorId", Type: hottier.FieldTag},
			{Path: "$.creator.name", As: "creatorName", Type: hottier.FieldText},
			{Path: "$.participants[*]._id", As: "participantId", Type: hottier.FieldTag},
			{Path: "$.participantsCount", As: "participantsCount", Type: hottier.FieldNumeric, Sortable: true},
			{Path: "$.createdAt", As: "createdAt", Type: hottier.FieldNumeric, Sortable: true},
		},
	})
}

func (q *RoomListQuery) normalize() {
	if q.Page < 0 {
		q.Page = 0
	}
	if q.PageSize < 1 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
	switch q.SortField {
	case "createdAt", "name", "participantsCount":
	default:
		q.SortField = "createdAt"
	}
	if q.SortOrder != "asc" {
		q.SortOrder = "desc"
	}
}

func (q *RoomListQuery) searchExpr() string {
	var parts []string
	if q.Search != "" {
		parts = append(parts, fmt.Sprintf("@name:%s*", escapeQuery(q.Search)))
	}
	if q.HasPassword != nil {
		parts = append(parts, fmt.Sprintf("@hasPassword:{%t}", *q.HasPassword))
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " ")
}

// escapeQuery neutralises characters RediSearch treats as syntax.
func escapeQuery(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`,.<>{}[]"':;!@#$%^&*()-+=~|/\ `, r) {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ListRooms serves a page from the hot-tier index, falling back to the
// durable tier on cache miss or hot-tier error.
func (c *RoomCache) ListRooms(ctx context.Context, query RoomListQuery) (*RoomListResult, error) {
	query.normalize()

	res, err := c.hot.Search(ctx, roomIndexName, query.searchExpr(), hottier.SearchOptions{
		SortBy:   query.SortField,
		SortDesc: query.SortOrder == "desc",
		Offset:   query.Page * query.PageSize,
		Limit:    query.PageSize,
	})
	if err != nil || res.Total == 0 {
		if err != nil && !hottier.IsUnsupported(err) {
			c.log.WithError(err).Warn("room listing from hot tier failed, falling back to mongodb")
		}
		return c.listFromStore(ctx, query)
	}

	rooms := make([]RoomSummary, 0, len(res.Docs))
	for _, doc := range res.Docs {
		raw, err := c.hot.JSONGet(ctx, doc.Key, ".")
		if err != nil {
			continue
		}
		var room domain.Room
		if err := json.Unmarshal([]byte(raw), &room); err != nil {
			continue
		}
		rooms = append(rooms, summarize(&room, query.UserID))
	}
	return buildListResult(rooms, res.Total, query, SourceRedis), nil
}

func (c *RoomCache) listFromStore(ctx context.Context, query RoomListQuery) (*RoomListResult, error) {
	stored, total, err := c.store.List(ctx, store.RoomFilter{
		Search:      query.Search,
		HasPassword: query.HasPassword,
		SortField:   query.SortField,
		SortDesc:    query.SortOrder == "desc",
		Skip:        int64(query.Page * query.PageSize),
		Limit:       int64(query.PageSize),
	})
	if err != nil {
		return nil, err
	}
	rooms := make([]RoomSummary, 0, len(stored))
	for _, room := range stored {
		rooms = append(rooms, summarize(room, query.UserID))
		c.writeThrough(ctx, room)
	}
	return buildListResult(rooms, int(total), query, SourceMongoDB), nil
}

func summarize(room *domain.Room, userID string) RoomSummary {
	return RoomSummary{
		ID:                room.ID,
		Name:              room.Name,
		Creator:           room.Creator,
		HasPassword:       room.HasPassword,
		ParticipantsCount: room.ParticipantsCount,
		CreatedAt:         room.CreatedAt,
		IsCreator:         userID != "" && room.Creator.ID == userID,
	}
}

func buildListResult(rooms []RoomSummary, total int, query RoomListQuery, source string) *RoomListResult {
	totalPages := 0
	if total > 0 {
		totalPages = (total + query.PageSize - 1) / query.PageSize
	}
	return &RoomListResult{
		Rooms:        rooms,
		Total:        total,
		Page:         query.Page,
		PageSize:     query.PageSize,
		TotalPages:   totalPages,
		HasMore:      (query.Page+1)*query.PageSize < total,
		CurrentCount: len(rooms),
		Sort:         SortMeta{Field: query.SortField, Order: query.SortOrder},
		Source:       source,
	}
}

// GetRoom is a read-through lookup: hot tier first, then the durable tier
// with re-population.
func (c *RoomCache) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	raw, err := c.hot.JSONGet(ctx, roomKey(roomID), ".")
	if err == nil {
		var room domain.Room
		if jsonErr := json.Unmarshal([]byte(raw), &room); jsonErr == nil {
			return &room, nil
		}
	} else if !hottier.IsNotFound(err) && !hottier.IsUnsupported(err) {
		c.log.WithError(err).WithField("roomId", roomID).Debug("room read-through miss on hot tier")
	}

	room, err := c.store.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	c.writeThrough(ctx, room)
	return room, nil
}

// CreateRoom persists the room in the durable tier, writes it through to the
// hot tier and returns the sanitized document.
func (c *RoomCache) CreateRoom(ctx context.Context, name string, creator domain.UserRef, password string) (*domain.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("cache: room name must not be empty")
	}

	now := domain.NowMillis()
	room := &domain.Room{
		ID:                primitive.NewObjectID().Hex(),
		Name:              name,
		Creator:           creator,
		Participants:      []domain.UserRef{creator},
		HasPassword:       password != "",
		Password:          password,
		ParticipantsCount: 1,
		CreatedAt:         now,
		UpdatedAt:         now,
		InstanceID:        c.instanceID,
	}
	if err := c.store.Insert(ctx, room); err != nil {
		return nil, err
	}
	c.writeThrough(ctx, room)
	return room.Sanitized(), nil
}

// JoinRoom checks the password, adds the user to the participant set and
// rewrites the hot-tier document.
func (c *RoomCache) JoinRoom(ctx context.Context, roomID string, user domain.UserRef, password string) (*JoinResult, error) {
	room, err := c.store.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	// Stored password is compared by equality on purpose; see DESIGN.md.
	if room.HasPassword && room.Password != password {
		return &JoinResult{Success: false, Message: MsgPasswordMismatch}, nil
	}

	if !room.HasParticipant(user.ID) {
		room, err = c.store.AddParticipant(ctx, roomID, user)
		if err != nil {
			return nil, err
		}
	}
	c.writeThrough(ctx, room)
	return &JoinResult{Success: true, Room: room.Sanitized()}, nil
}

// LeaveRoom removes the user from the participant set and rewrites the
// hot-tier document.
func (c *RoomCache) LeaveRoom(ctx context.Context, roomID, userID string) (*domain.Room, error) {
	room, err := c.store.RemoveParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	c.writeThrough(ctx, room)
	return room, nil
}

// DeleteRoom removes the room from both tiers. Only the creator may delete;
// messages are retained.
func (c *RoomCache) DeleteRoom(ctx context.Context, roomID, userID string) error {
	room, err := c.store.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Creator.ID != userID {
		return fmt.Errorf("cache: only the creator can delete a room")
	}
	if err := c.store.Delete(ctx, roomID); err != nil {
		return err
	}
	if err := c.hot.Del(ctx, roomKey(roomID)); err != nil {
		c.log.WithError(err).WithField("roomId", roomID).Warn("failed to drop room from hot tier")
	}
	return nil
}

// WarmCache loads every room from the durable tier into the hot tier.
// Returns (cached, total).
func (c *RoomCache) WarmCache(ctx context.Context) (int, int, error) {
	rooms, err := c.store.All(ctx)
	if err != nil {
		return 0, 0, err
	}
	cached := 0
	for _, room := range rooms {
		if err := c.hot.JSONSet(ctx, roomKey(room.ID), "$", room); err == nil {
			cached++
		}
	}
	c.log.WithFields(logrus.Fields{"cached": cached, "total": len(rooms)}).Info("room cache warmed")
	return cached, len(rooms), nil
}

func (c *RoomCache) writeThrough(ctx context.Context, room *domain.Room) {
	if err := c.hot.JSONSet(ctx, roomKey(room.ID), "$", room); err != nil {
		c.log.WithError(err).WithField("roomId", room.ID).Warn("room write-through failed")
	}
}
