package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/store"
)

// fakeHot is an in-process hot tier for service tests: JSON documents with
// sub-path patching, a naive implementation of the query shapes the cache
// services emit, and slice-backed streams.
type fakeHot struct {
	*hottier.Memory

	mu      sync.Mutex
	docs    map[string]map[string]interface{}
	streams map[string][]hottier.StreamEntry
	nextID  int

	searchErr error // forces the durable-tier fallback when set
}

func newFakeHot() *fakeHot {
	return &fakeHot{
		Memory:  hottier.NewMemory(),
		docs:    make(map[string]map[string]interface{}),
		streams: make(map[string][]hottier.StreamEntry),
	}
}

func (f *fakeHot) JSONSet(_ context.Context, key, path string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if s, ok := value.(string); ok {
		raw = []byte(s)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if path == "$" || path == "." {
		var doc map[string]interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		f.docs[key] = doc
		return nil
	}
	doc, ok := f.docs[key]
	if !ok {
		return hottier.ErrNotFound
	}
	var field interface{}
	if err := json.Unmarshal(raw, &field); err != nil {
		return err
	}
	doc[strings.TrimPrefix(path, "$.")] = field
	return nil
}

func (f *fakeHot) JSONGet(_ context.Context, key, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[key]
	if !ok {
		return "", hottier.ErrNotFound
	}
	raw, err := json.Marshal(doc)
	return string(raw), err
}

func (f *fakeHot) JSONDel(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, key)
	return nil
}

func (f *fakeHot) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	for _, k := range keys {
		delete(f.docs, k)
	}
	f.mu.Unlock()
	return f.Memory.Del(ctx, keys...)
}

func (f *fakeHot) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	_, isDoc := f.docs[key]
	f.mu.Unlock()
	if isDoc {
		return true, nil
	}
	return f.Memory.Exists(ctx, key)
}

func (f *fakeHot) IndexCreate(_ context.Context, _ string, _ hottier.IndexDefinition) error {
	return nil
}

// Search understands the expressions the cache services build: "*",
// "@name:x*", "@hasPassword:{b}", "@room:{id}", "@isDeleted:{b}" and
// "@timestamp:[0 (ms]" terms joined by spaces.
func (f *fakeHot) Search(_ context.Context, index, query string, opts hottier.SearchOptions) (*hottier.SearchResult, error) {
	if f.searchErr != nil {
		return &hottier.SearchResult{}, f.searchErr
	}

	prefix := "chat_room:"
	if index == "idx_chat_messages" {
		prefix = "message:"
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	type match struct {
		key string
		doc map[string]interface{}
	}
	var matches []match
	for key, doc := range f.docs {
		if strings.HasPrefix(key, prefix) && f.matches(doc, query) {
			matches = append(matches, match{key: key, doc: doc})
		}
	}

	if opts.SortBy != "" {
		sort.Slice(matches, func(i, j int) bool {
			a := docNumber(matches[i].doc[opts.SortBy])
			b := docNumber(matches[j].doc[opts.SortBy])
			if opts.SortDesc {
				return a > b
			}
			return a < b
		})
	}

	total := len(matches)
	if opts.Offset > len(matches) {
		matches = nil
	} else {
		matches = matches[opts.Offset:]
	}
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}

	res := &hottier.SearchResult{Total: total}
	for _, m := range matches {
		res.Docs = append(res.Docs, hottier.SearchDoc{Key: m.key})
	}
	return res, nil
}

func (f *fakeHot) matches(doc map[string]interface{}, query string) bool {
	if query == "*" {
		return true
	}
	for _, term := range strings.Fields(query) {
		switch {
		case strings.HasPrefix(term, "@name:"):
			want := strings.TrimSuffix(strings.TrimPrefix(term, "@name:"), "*")
			want = strings.ReplaceAll(want, `\`, "")
			name, _ := doc["name"].(string)
			if !strings.Contains(strings.ToLower(name), strings.ToLower(want)) {
				return false
			}
		case strings.HasPrefix(term, "@hasPassword:{"):
			want := strings.TrimSuffix(strings.TrimPrefix(term, "@hasPassword:{"), "}") == "true"
			got, _ := doc["hasPassword"].(bool)
			if got != want {
				return false
			}
		case strings.HasPrefix(term, "@room:{"):
			want := strings.TrimSuffix(strings.TrimPrefix(term, "@room:{"), "}")
			want = strings.ReplaceAll(want, `\`, "")
			if room, _ := doc["room"].(string); room != want {
				return false
			}
		case strings.HasPrefix(term, "@isDeleted:{"):
			want := strings.TrimSuffix(strings.TrimPrefix(term, "@isDeleted:{"), "}") == "true"
			got, _ := doc["isDeleted"].(bool)
			if got != want {
				return false
			}
		case strings.HasPrefix(term, "(") && strings.HasSuffix(term, "]"):
			// Second half of "@timestamp:[0 (ms]" after Fields splitting.
			bound, _ := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(term, "("), "]"), 10, 64)
			if docNumber(doc["timestamp"]) >= float64(bound) {
				return false
			}
		}
	}
	return true
}

func docNumber(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func (f *fakeHot) StreamAppend(_ context.Context, stream string, fields map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	entry := hottier.StreamEntry{ID: fmt.Sprintf("%d-0", f.nextID), Fields: map[string]string{}}
	for k, v := range fields {
		entry.Fields[k] = fmt.Sprint(v)
	}
	f.streams[stream] = append(f.streams[stream], entry)
	return entry.ID, nil
}

func (f *fakeHot) StreamGroupCreate(_ context.Context, _, _ string) error { return nil }

func (f *fakeHot) StreamReadGroup(_ context.Context, args hottier.StreamReadArgs) ([]hottier.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.streams[args.Stream]
	f.streams[args.Stream] = nil
	return entries, nil
}

func (f *fakeHot) streamLen(stream string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[stream])
}

// fakeRoomStore is a map-backed RoomStore.
type fakeRoomStore struct {
	mu    sync.Mutex
	rooms map[string]*domain.Room
}

func newFakeRoomStore() *fakeRoomStore {
	return &fakeRoomStore{rooms: make(map[string]*domain.Room)}
}

func (s *fakeRoomStore) clone(r *domain.Room) *domain.Room {
	cp := *r
	cp.Participants = append([]domain.UserRef(nil), r.Participants...)
	return &cp
}

func (s *fakeRoomStore) Insert(_ context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = s.clone(room)
	return nil
}

func (s *fakeRoomStore) Get(_ context.Context, id string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.clone(room), nil
}

func (s *fakeRoomStore) List(_ context.Context, f store.RoomFilter) ([]*domain.Room, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Room
	for _, room := range s.rooms {
		if f.Search != "" && !strings.Contains(strings.ToLower(room.Name), strings.ToLower(f.Search)) {
			continue
		}
		if f.HasPassword != nil && room.HasPassword != *f.HasPassword {
			continue
		}
		out = append(out, s.clone(room))
	}
	sort.Slice(out, func(i, j int) bool {
		if f.SortDesc {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	total := int64(len(out))
	if f.Skip > int64(len(out)) {
		return nil, total, nil
	}
	out = out[f.Skip:]
	if f.Limit > 0 && int64(len(out)) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (s *fakeRoomStore) All(_ context.Context) ([]*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, s.clone(room))
	}
	return out, nil
}

func (s *fakeRoomStore) AddParticipant(ctx context.Context, roomID string, user domain.UserRef) (*domain.Room, error) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return nil, store.ErrNotFound
	}
	room.AddParticipant(user)
	s.mu.Unlock()
	return s.Get(ctx, roomID)
}

func (s *fakeRoomStore) RemoveParticipant(ctx context.Context, roomID, userID string) (*domain.Room, error) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return nil, store.ErrNotFound
	}
	room.RemoveParticipant(userID)
	s.mu.Unlock()
	return s.Get(ctx, roomID)
}

func (s *fakeRoomStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.rooms, id)
	return nil
}

// fakeMessageStore is a map-backed MessageStore.
type fakeMessageStore struct {
	mu   sync.Mutex
	msgs map[string]*domain.Message
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{msgs: make(map[string]*domain.Message)}
}

func (s *fakeMessageStore) put(msg *domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[msg.ID] = msg
}

func (s *fakeMessageStore) Get(_ context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (s *fakeMessageStore) ListByRoom(_ context.Context, roomID string, before int64, limit int64) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, msg := range s.msgs {
		if msg.Room != roomID || msg.IsDeleted {
			continue
		}
		if before > 0 && msg.Timestamp >= before {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeMessageStore) ActiveRoomIDs(_ context.Context, since int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, msg := range s.msgs {
		if msg.Timestamp >= since && !seen[msg.Room] {
			seen[msg.Room] = true
			out = append(out, msg.Room)
		}
	}
	return out, nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func seedMessage(t interface{ Helper() }, hot *fakeHot, st *fakeMessageStore, msg *domain.Message) {
	if msg.Readers == nil {
		msg.Readers = []domain.Reader{}
	}
	if msg.Reactions == nil {
		msg.Reactions = map[string][]string{}
	}
	st.put(msg)
	_ = hot.JSONSet(context.Background(), MessageKey(msg.ID), "$", msg)
	_ = t
}
