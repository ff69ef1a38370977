package hottier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
)

const maxReconnectBackoff = 3 * time.Second

// errFallback signals that the breaker is open and the call should be served
// by the in-process fallback.
var errFallback = errors.New("hottier: degraded, using fallback")

// Redis is the production hot-tier client: a master connection for writes
// and script execution, an optional replica for reads, and a circuit breaker
// that degrades the facade to the in-process Memory store when the tier is
// unreachable.
type Redis struct {
	master  *redis.Client
	replica *redis.Client

	clusterEnabled bool
	replicaReady   atomic.Bool

	breaker  *gobreaker.CircuitBreaker
	fallback *Memory

	fallbackToMaster atomic.Int64
	reconnects       atomic.Int64

	log  *logrus.Logger
	stop chan struct{}
}

// NewRedis builds the client and starts the health probe loop. Connection
// failures do not fail construction; the breaker opens and the facade runs
// on the fallback until the tier recovers.
func NewRedis(cfg config.RedisConfig, log *logrus.Logger) *Redis {
	opts := func(addr string) *redis.Options {
		return &redis.Options{
			Addr:            addr,
			DialTimeout:     cfg.ConnectTimeout,
			MaxRetries:      cfg.MaxRetries,
			MinRetryBackoff: cfg.RetryDelay,
			MaxRetryBackoff: maxReconnectBackoff,
		}
	}

	r := &Redis{
		master:         redis.NewClient(opts(cfg.MasterAddr())),
		clusterEnabled: cfg.ClusterEnabled,
		fallback:       NewMemory(),
		log:            log,
		stop:           make(chan struct{}),
	}
	if cfg.ClusterEnabled {
		r.replica = redis.NewClient(opts(cfg.SlaveAddr()))
	}

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "hottier",
		MaxRequests: 1,
		Timeout:     cfg.FailoverTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxRetries)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				log.Warn("hot tier unreachable, degrading to in-process fallback")
			case gobreaker.StateClosed:
				if from != gobreaker.StateClosed {
					r.reconnects.Add(1)
					log.Info("hot tier connection restored")
				}
			}
		},
	})

	interval := cfg.FailoverTimeout
	if interval <= 0 {
		interval = maxReconnectBackoff
	}
	go r.probeLoop(interval)

	return r
}

// probeLoop keeps the breaker moving from open to half-open to closed and
// tracks replica readiness for read routing.
func (r *Redis) probeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, _ = r.do("ping", func() (interface{}, error) {
				return nil, r.master.Ping(ctx).Err()
			})
			if r.replica != nil {
				r.replicaReady.Store(r.replica.Ping(ctx).Err() == nil)
			}
			cancel()
		}
	}
}

func (r *Redis) degraded() bool {
	return r.breaker.State() == gobreaker.StateOpen
}

// readClient routes a read to the replica when the cluster is enabled and
// the replica is ready, otherwise to the master (counted for observability).
func (r *Redis) readClient() *redis.Client {
	if r.clusterEnabled && r.replica != nil {
		if r.replicaReady.Load() {
			return r.replica
		}
		r.fallbackToMaster.Add(1)
	}
	return r.master
}

type opOutcome struct {
	val interface{}
	err error // server-side command error; the connection itself is healthy
}

func isServerErr(err error) bool {
	var re redis.Error
	return errors.As(err, &re)
}

// do runs fn behind the circuit breaker. Server replies (including redis.Nil
// and command errors) never count against the breaker; only transport
// failures do. errFallback is returned while the breaker is open.
func (r *Redis) do(op string, fn func() (interface{}, error)) (interface{}, error) {
	v, err := r.breaker.Execute(func() (interface{}, error) {
		val, ferr := fn()
		if ferr != nil && !isServerErr(ferr) {
			return nil, ferr
		}
		return opOutcome{val: val, err: ferr}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errFallback
		}
		return nil, wrap(op, CategoryConnectivity, err)
	}
	out := v.(opOutcome)
	return out.val, out.err
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if r.degraded() {
		return r.fallback.Get(ctx, key)
	}
	v, err := r.do("get", func() (interface{}, error) {
		return r.readClient().Get(ctx, key).Result()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.Get(ctx, key)
	}
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if r.degraded() {
		return r.fallback.Set(ctx, key, value, ttl)
	}
	_, err := r.do("set", func() (interface{}, error) {
		return nil, r.master.Set(ctx, key, value, ttl).Err()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.Set(ctx, key, value, ttl)
	}
	return err
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if r.degraded() {
		return r.fallback.SetNX(ctx, key, value, ttl)
	}
	v, err := r.do("setnx", func() (interface{}, error) {
		return r.master.SetNX(ctx, key, value, ttl).Result()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.SetNX(ctx, key, value, ttl)
	}
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if r.degraded() {
		return r.fallback.Del(ctx, keys...)
	}
	_, err := r.do("del", func() (interface{}, error) {
		return nil, r.master.Del(ctx, keys...).Err()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.Del(ctx, keys...)
	}
	return err
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if r.degraded() {
		return r.fallback.Expire(ctx, key, ttl)
	}
	v, err := r.do("expire", func() (interface{}, error) {
		return r.master.Expire(ctx, key, ttl).Result()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.Expire(ctx, key, ttl)
	}
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	if r.degraded() {
		return r.fallback.Exists(ctx, key)
	}
	v, err := r.do("exists", func() (interface{}, error) {
		return r.readClient().Exists(ctx, key).Result()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.Exists(ctx, key)
	}
	if err != nil {
		return false, err
	}
	return v.(int64) > 0, nil
}

func (r *Redis) PTTL(ctx context.Context, key string) (time.Duration, error) {
	if r.degraded() {
		return r.fallback.PTTL(ctx, key)
	}
	v, err := r.do("pttl", func() (interface{}, error) {
		return r.readClient().PTTL(ctx, key).Result()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.PTTL(ctx, key)
	}
	if err != nil {
		return 0, err
	}
	return v.(time.Duration), nil
}

func (r *Redis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if r.degraded() {
		return r.fallback.Eval(ctx, script, keys, args...)
	}
	v, err := r.do("eval", func() (interface{}, error) {
		return r.master.Eval(ctx, script, keys, args...).Result()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.Eval(ctx, script, keys, args...)
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, err
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if r.degraded() {
		return r.fallback.Publish(ctx, channel, payload)
	}
	_, err := r.do("publish", func() (interface{}, error) {
		return nil, r.master.Publish(ctx, channel, payload).Err()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.Publish(ctx, channel, payload)
	}
	return err
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan PubSubMessage
	done   chan struct{}
}

func (s *redisSubscription) Channel() <-chan PubSubMessage { return s.ch }

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if r.degraded() {
		return r.fallback.Subscribe(ctx, channels...)
	}
	pubsub := r.master.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, wrap("subscribe", CategoryConnectivity, err)
	}
	sub := &redisSubscription{pubsub: pubsub, ch: make(chan PubSubMessage, 256), done: make(chan struct{})}
	go func() {
		defer close(sub.ch)
		src := pubsub.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				sub.ch <- PubSubMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}
			}
		}
	}()
	return sub, nil
}

func (r *Redis) JSONSet(ctx context.Context, key, path string, value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("hottier: jsonset marshal: %w", err)
		}
		raw = string(b)
	}
	if r.degraded() {
		return r.fallback.JSONSet(ctx, key, path, raw)
	}
	_, err := r.do("jsonset", func() (interface{}, error) {
		return nil, r.master.JSONSet(ctx, key, path, raw).Err()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.JSONSet(ctx, key, path, raw)
	}
	return err
}

func (r *Redis) JSONGet(ctx context.Context, key, path string) (string, error) {
	if r.degraded() {
		return r.fallback.JSONGet(ctx, key, path)
	}
	v, err := r.do("jsonget", func() (interface{}, error) {
		return r.readClient().JSONGet(ctx, key, path).Result()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.JSONGet(ctx, key, path)
	}
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	s := v.(string)
	if s == "" {
		return "", ErrNotFound
	}
	return s, nil
}

func (r *Redis) JSONDel(ctx context.Context, key, path string) error {
	if r.degraded() {
		return r.fallback.JSONDel(ctx, key, path)
	}
	_, err := r.do("jsondel", func() (interface{}, error) {
		return nil, r.master.JSONDel(ctx, key, path).Err()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.JSONDel(ctx, key, path)
	}
	return err
}

func fieldType(t string) redis.SearchFieldType {
	switch t {
	case FieldText:
		return redis.SearchFieldTypeText
	case FieldNumeric:
		return redis.SearchFieldTypeNumeric
	default:
		return redis.SearchFieldTypeTag
	}
}

func (r *Redis) IndexCreate(ctx context.Context, name string, def IndexDefinition) error {
	if r.degraded() {
		return r.fallback.IndexCreate(ctx, name, def)
	}
	schema := make([]*redis.FieldSchema, 0, len(def.Fields))
	for _, f := range def.Fields {
		fs := &redis.FieldSchema{
			FieldName: f.Path,
			As:        f.As,
			FieldType: fieldType(f.Type),
			Sortable:  f.Sortable,
		}
		if f.Weight > 0 {
			fs.Weight = f.Weight
		}
		schema = append(schema, fs)
	}
	_, err := r.do("ftcreate", func() (interface{}, error) {
		return nil, r.master.FTCreate(ctx, name,
			&redis.FTCreateOptions{OnJSON: true, Prefix: []interface{}{def.Prefix}},
			schema...).Err()
	})
	if errors.Is(err, errFallback) {
		return nil
	}
	if err != nil && strings.Contains(err.Error(), "Index already exists") {
		return nil
	}
	return err
}

func (r *Redis) IndexDrop(ctx context.Context, name string) error {
	if r.degraded() {
		return nil
	}
	_, err := r.do("ftdrop", func() (interface{}, error) {
		return nil, r.master.FTDropIndex(ctx, name).Err()
	})
	if errors.Is(err, errFallback) {
		return nil
	}
	return err
}

func (r *Redis) Search(ctx context.Context, index, query string, opts SearchOptions) (*SearchResult, error) {
	if r.degraded() {
		return r.fallback.Search(ctx, index, query, opts)
	}
	v, err := r.do("ftsearch", func() (interface{}, error) {
		args := &redis.FTSearchOptions{
			LimitOffset: opts.Offset,
			Limit:       opts.Limit,
		}
		if opts.SortBy != "" {
			args.SortBy = []redis.FTSearchSortBy{{
				FieldName: opts.SortBy,
				Asc:       !opts.SortDesc,
				Desc:      opts.SortDesc,
			}}
		}
		return r.readClient().FTSearchWithArgs(ctx, index, query, args).Result()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.Search(ctx, index, query, opts)
	}
	if err != nil {
		return nil, err
	}
	res := v.(redis.FTSearchResult)
	out := &SearchResult{Total: int(res.Total), Docs: make([]SearchDoc, 0, len(res.Docs))}
	for _, doc := range res.Docs {
		out.Docs = append(out.Docs, SearchDoc{Key: doc.ID, Fields: doc.Fields})
	}
	return out, nil
}

func (r *Redis) StreamAppend(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	if r.degraded() {
		return r.fallback.StreamAppend(ctx, stream, fields)
	}
	v, err := r.do("xadd", func() (interface{}, error) {
		return r.master.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields}).Result()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.StreamAppend(ctx, stream, fields)
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Redis) StreamGroupCreate(ctx context.Context, stream, group string) error {
	if r.degraded() {
		return nil
	}
	_, err := r.do("xgroup", func() (interface{}, error) {
		return nil, r.master.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	})
	if errors.Is(err, errFallback) {
		return nil
	}
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Redis) StreamReadGroup(ctx context.Context, args StreamReadArgs) ([]StreamEntry, error) {
	if r.degraded() {
		return r.fallback.StreamReadGroup(ctx, args)
	}
	v, err := r.do("xreadgroup", func() (interface{}, error) {
		return r.master.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    args.Group,
			Consumer: args.Consumer,
			Streams:  []string{args.Stream, ">"},
			Count:    args.Count,
			Block:    args.Block,
		}).Result()
	})
	if errors.Is(err, errFallback) {
		return r.fallback.StreamReadGroup(ctx, args)
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []StreamEntry
	for _, stream := range v.([]redis.XStream) {
		for _, msg := range stream.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, val := range msg.Values {
				fields[k] = fmt.Sprint(val)
			}
			entries = append(entries, StreamEntry{ID: msg.ID, Fields: fields})
		}
	}
	return entries, nil
}

func (r *Redis) StreamAck(ctx context.Context, stream, group string, ids ...string) error {
	if r.degraded() {
		return nil
	}
	_, err := r.do("xack", func() (interface{}, error) {
		return nil, r.master.XAck(ctx, stream, group, ids...).Err()
	})
	if errors.Is(err, errFallback) {
		return nil
	}
	return err
}

func (r *Redis) Ping(ctx context.Context) error {
	if r.degraded() {
		return errFallback
	}
	_, err := r.do("ping", func() (interface{}, error) {
		return nil, r.master.Ping(ctx).Err()
	})
	if errors.Is(err, errFallback) {
		return errFallback
	}
	return err
}

func (r *Redis) Status() Status {
	mode := "redis"
	if r.degraded() {
		mode = "memory"
	}
	return Status{
		Mode:             mode,
		Degraded:         r.degraded(),
		FallbackToMaster: r.fallbackToMaster.Load(),
		Reconnects:       r.reconnects.Load(),
	}
}

func (r *Redis) Close() error {
	close(r.stop)
	if r.replica != nil {
		_ = r.replica.Close()
	}
	_ = r.fallback.Close()
	return r.master.Close()
}
