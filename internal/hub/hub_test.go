package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/auth"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/cache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/lock"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/store"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/syncqueue"
)

const testSecret = "hub-test-secret"

type allowAllSessions struct{}

func (allowAllSessions) Validate(context.Context, string, string) (bool, error) { return true, nil }

type fakeUsers struct{ users map[string]*domain.User }

func (f *fakeUsers) Get(_ context.Context, id string) (*domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

type fakeRoomStore struct{ rooms map[string]*domain.Room }

func (f *fakeRoomStore) Insert(_ context.Context, r *domain.Room) error {
	f.rooms[r.ID] = r
	return nil
}

func (f *fakeRoomStore) Get(_ context.Context, id string) (*domain.Room, error) {
	r, ok := f.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	cp.Participants = append([]domain.UserRef(nil), r.Participants...)
	return &cp, nil
}

func (f *fakeRoomStore) List(context.Context, store.RoomFilter) ([]*domain.Room, int64, error) {
	return nil, 0, nil
}

func (f *fakeRoomStore) All(context.Context) ([]*domain.Room, error) { return nil, nil }

func (f *fakeRoomStore) AddParticipant(ctx context.Context, roomID string, u domain.UserRef) (*domain.Room, error) {
	r, ok := f.rooms[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	r.AddParticipant(u)
	return f.Get(ctx, roomID)
}

func (f *fakeRoomStore) RemoveParticipant(ctx context.Context, roomID, userID string) (*domain.Room, error) {
	r, ok := f.rooms[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	r.RemoveParticipant(userID)
	return f.Get(ctx, roomID)
}

func (f *fakeRoomStore) Delete(_ context.Context, id string) error {
	delete(f.rooms, id)
	return nil
}

type fakeMessageStore struct{}

func (fakeMessageStore) Get(context.Context, string) (*domain.Message, error) {
	return nil, store.ErrNotFound
}

func (fakeMessageStore) ListByRoom(context.Context, string, int64, int64) ([]*domain.Message, error) {
	return nil, nil
}

func (fakeMessageStore) ActiveRoomIDs(context.Context, int64) ([]string, error) { return nil, nil }

type hubFixture struct {
	hub    *Hub
	server *httptest.Server
	rooms  *fakeRoomStore
}

func newHubFixture(t *testing.T) *hubFixture {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	mem := hottier.NewMemory()
	roomStore := &fakeRoomStore{rooms: map[string]*domain.Room{
		"room-1": {
			ID:   "room-1",
			Name: "general",
			Creator: domain.UserRef{ID: "user-a", Name: "Alice"},
			Participants: []domain.UserRef{{ID: "user-a", Name: "Alice"}},
			ParticipantsCount: 1,
			CreatedAt:         domain.NowMillis(),
		},
	}}
	users := &fakeUsers{users: map[string]*domain.User{
		"user-a": {ID: "user-a", Name: "Alice", Email: "a@example.com"},
		"user-b": {ID: "user-b", Name: "Bob", Email: "b@example.com"},
	}}

	locks := lock.NewService(mem, "test-instance", log)
	queue := syncqueue.New(mem, log)
	rooms := cache.NewRoomCache(mem, roomStore, "test-instance", log)
	messages := cache.NewMessageCache(mem, fakeMessageStore{}, queue, locks, "test-instance", log)

	h := New(auth.NewTokenVerifier(testSecret), allowAllSessions{}, users, rooms, messages, nil, log)

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(server.Close)
	return &hubFixture{hub: h, server: server, rooms: roomStore}
}

func signTestToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *hubFixture) connect(t *testing.T, userID, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") +
		"?token=" + signTestToken(t, userID) + "&sessionId=" + sessionID
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(inbound{Event: event, Data: raw}))
}

// readUntil drains frames until the wanted event arrives.
func readUntil(t *testing.T, ws *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, ws.SetReadDeadline(deadline))
	for time.Now().Before(deadline) {
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := ws.ReadJSON(&frame); err != nil {
			t.Fatalf("reading for %q: %v", event, err)
		}
		if frame.Event == event {
			return frame.Data
		}
	}
	t.Fatalf("event %q not received", event)
	return nil
}

func TestHub_RejectsUnauthenticated(t *testing.T) {
	f := newHubFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	data := readUntil(t, ws, EvtError)
	var payload errorPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "Authentication error", payload.Message)
}

func TestHub_JoinRoomAndChat(t *testing.T) {
	f := newHubFixture(t)

	ws := f.connect(t, "user-a", "sess-1")
	send(t, ws, EvtJoinRoom, joinRoomPayload{RoomID: "room-1"})

	data := readUntil(t, ws, EvtJoinRoomSuccess)
	var joined joinRoomSuccess
	require.NoError(t, json.Unmarshal(data, &joined))
	assert.Equal(t, "room-1", joined.RoomID)
	assert.NotEmpty(t, joined.Participants)
	assert.Empty(t, joined.ActiveStreams)

	send(t, ws, EvtChatMessage, chatMessagePayload{Room: "room-1", Type: "text", Content: "  hello  "})
	data = readUntil(t, ws, EvtMessage)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "hello", msg.Content, "content is trimmed")
	assert.Equal(t, "user-a", msg.Sender.ID)
	assert.Equal(t, domain.MessageTypeText, msg.Type)
}

func TestHub_TwoUserVisibility(t *testing.T) {
	f := newHubFixture(t)

	wsA := f.connect(t, "user-a", "sess-a")
	send(t, wsA, EvtJoinRoom, joinRoomPayload{RoomID: "room-1"})
	readUntil(t, wsA, EvtJoinRoomSuccess)

	wsB := f.connect(t, "user-b", "sess-b")
	send(t, wsB, EvtJoinRoom, joinRoomPayload{RoomID: "room-1"})
	readUntil(t, wsB, EvtJoinRoomSuccess)

	send(t, wsA, EvtChatMessage, chatMessagePayload{Room: "room-1", Type: "text", Content: "hi"})

	data := readUntil(t, wsB, EvtMessage)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	// Skip the join system message if it arrives first.
	for msg.Type == domain.MessageTypeSystem {
		data = readUntil(t, wsB, EvtMessage)
		require.NoError(t, json.Unmarshal(data, &msg))
	}
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "user-a", msg.Sender.ID)

	// B joining updated the durable participant set.
	room, err := f.rooms.Get(context.Background(), "room-1")
	require.NoError(t, err)
	assert.True(t, room.HasParticipant("user-b"))
}

func TestHub_ReadReceiptsBroadcast(t *testing.T) {
	f := newHubFixture(t)

	wsA := f.connect(t, "user-a", "sess-a")
	send(t, wsA, EvtJoinRoom, joinRoomPayload{RoomID: "room-1"})
	readUntil(t, wsA, EvtJoinRoomSuccess)

	wsB := f.connect(t, "user-b", "sess-b")
	send(t, wsB, EvtJoinRoom, joinRoomPayload{RoomID: "room-1"})
	readUntil(t, wsB, EvtJoinRoomSuccess)

	send(t, wsA, EvtChatMessage, chatMessagePayload{Room: "room-1", Type: "text", Content: "m1"})
	data := readUntil(t, wsB, EvtMessage)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	for msg.Type != domain.MessageTypeText {
		data = readUntil(t, wsB, EvtMessage)
		require.NoError(t, json.Unmarshal(data, &msg))
	}

	send(t, wsB, EvtMarkAsRead, markAsReadPayload{RoomID: "room-1", MessageIDs: []string{msg.ID}})

	data = readUntil(t, wsA, EvtMessagesRead)
	var read struct {
		UserID     string   `json:"userId"`
		MessageIDs []string `json:"messageIds"`
	}
	require.NoError(t, json.Unmarshal(data, &read))
	assert.Equal(t, "user-b", read.UserID)
	assert.Equal(t, []string{msg.ID}, read.MessageIDs)
}

func TestHub_DuplicateLogin(t *testing.T) {
	f := newHubFixture(t)

	ws1 := f.connect(t, "user-a", "sess-1")
	// Make sure the first session is registered before the second lands.
	require.Eventually(t, func() bool { return f.hub.ActiveConnections() == 1 },
		time.Second, 10*time.Millisecond)

	ws2 := f.connect(t, "user-a", "sess-2")
	defer ws2.Close()

	data := readUntil(t, ws1, EvtDuplicateLogin)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Contains(t, payload, "ipAddress")
	assert.Contains(t, payload, "timestamp")
}

func TestHub_DrainRejectsNewConnections(t *testing.T) {
	f := newHubFixture(t)
	f.hub.SetDraining(true)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") +
		"?token=" + signTestToken(t, "user-a") + "&sessionId=s"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
