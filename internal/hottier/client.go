// Package hottier is a typed facade over the key-value / JSON-document /
// secondary-index engine that fronts the durable tier. Writes go to the
// master node, reads prefer the replica, and full connectivity loss degrades
// the facade to an in-process map-backed fallback.
package hottier

import (
	"context"
	"time"
)

// Client is the operation surface shared by the redis-backed implementation
// and the in-process fallback.
type Client interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	PTTL(ctx context.Context, key string) (time.Duration, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	JSONSet(ctx context.Context, key, path string, value interface{}) error
	JSONGet(ctx context.Context, key, path string) (string, error)
	JSONDel(ctx context.Context, key, path string) error

	IndexCreate(ctx context.Context, name string, def IndexDefinition) error
	IndexDrop(ctx context.Context, name string) error
	Search(ctx context.Context, index, query string, opts SearchOptions) (*SearchResult, error)

	StreamAppend(ctx context.Context, stream string, fields map[string]interface{}) (string, error)
	StreamGroupCreate(ctx context.Context, stream, group string) error
	StreamReadGroup(ctx context.Context, args StreamReadArgs) ([]StreamEntry, error)
	StreamAck(ctx context.Context, stream, group string, ids ...string) error

	Ping(ctx context.Context) error
	Status() Status
	Close() error
}

// Subscription is a live pub/sub subscription. Messages are delivered on
// Channel until Close is called.
type Subscription interface {
	Channel() <-chan PubSubMessage
	Close() error
}

// PubSubMessage is one published payload.
type PubSubMessage struct {
	Channel string
	Payload []byte
}

// Index field types supported by the secondary index.
const (
	FieldTag     = "tag"
	FieldText    = "text"
	FieldNumeric = "numeric"
)

// IndexField maps one JSON path into the index schema.
type IndexField struct {
	Path     string // JSONPath into the document, e.g. $.name
	As       string // attribute name used in queries
	Type     string // FieldTag, FieldText or FieldNumeric
	Sortable bool
	Weight   float64 // text fields only; 0 means default
}

// IndexDefinition describes a JSON index over a key prefix.
type IndexDefinition struct {
	Prefix string
	Fields []IndexField
}

// SearchOptions controls sorting and paging of a Search call.
type SearchOptions struct {
	SortBy   string
	SortDesc bool
	Offset   int
	Limit    int
}

// SearchDoc is one matched document: its key plus the returned fields.
type SearchDoc struct {
	Key    string
	Fields map[string]string
}

// SearchResult is the outcome of a Search call. Total is the full match
// count, Docs the requested page.
type SearchResult struct {
	Total int
	Docs  []SearchDoc
}

// StreamReadArgs parameterises a consumer-group read.
type StreamReadArgs struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
}

// StreamEntry is one log entry read from a stream.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// Status reports the client's health for the status endpoints.
type Status struct {
	Mode             string `json:"mode"` // "redis" or "memory"
	Degraded         bool   `json:"degraded"`
	FallbackToMaster int64  `json:"fallbackToMaster"`
	Reconnects       int64  `json:"reconnects"`
}
