// Package cluster is the cross-instance coordination plane: pub/sub eventing
// with peer discovery over the shared hot tier, and durable-tier change
// replication into peer databases.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/cache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
)

// Cross-instance pub/sub channels.
const (
	ChannelMessageSync       = "cross_instance:message_sync"
	ChannelCacheInvalidation = "cross_instance:cache_invalidation"
	ChannelHealthCheck       = "cross_instance:health_check"
	ChannelDiscovery         = "cross_instance:instance_discovery"

	defaultHealthInterval = 10 * time.Second
	peerReplicaOffset     = 10000
)

type envelope struct {
	SourceInstance string `json:"sourceInstance"`
	Timestamp      int64  `json:"timestamp"`
}

type messageSyncEvent struct {
	envelope
	Operation domain.SyncOp   `json:"operation"`
	Message   *domain.Message `json:"message"`
}

type invalidationEvent struct {
	envelope
	Keys []string `json:"keys"`
}

type healthEvent struct {
	envelope
	Kind   string `json:"kind"` // ping or pong
	Target string `json:"target,omitempty"`
}

type discoveryEvent struct {
	envelope
	InstanceEndpoint string `json:"instanceEndpoint"`
	ServerPort       int    `json:"serverPort"`
	HTTPBase         string `json:"httpBase,omitempty"`
}

type peerConn struct {
	peer    domain.Peer
	master  *redis.Client
	replica *redis.Client
}

// Bus fans cache mutations, health pings and discovery announcements across
// instances and maintains the peer hot-tier connection pool.
type Bus struct {
	hot        hottier.Client
	messages   *cache.MessageCache
	instanceID string
	endpoint   string
	serverPort int
	httpBase   string
	interval   time.Duration
	log        *logrus.Logger

	mu    sync.RWMutex
	peers map[string]*peerConn

	invalidateHook func(keys []string)

	sub      hottier.Subscription
	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewBus builds the bus. endpoint is this instance's hot-tier master
// host:port as advertised to peers.
func NewBus(hot hottier.Client, messages *cache.MessageCache, instanceID, endpoint string, serverPort int, httpBase string, interval time.Duration, log *logrus.Logger) *Bus {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &Bus{
		hot:        hot,
		messages:   messages,
		instanceID: instanceID,
		endpoint:   endpoint,
		serverPort: serverPort,
		httpBase:   httpBase,
		interval:   interval,
		log:        log,
		peers:      make(map[string]*peerConn),
		stop:       make(chan struct{}),
	}
}

// SetInvalidationHook late-binds the hub callback fired after local keys are
// invalidated by a peer. See the init-order note in DESIGN.md.
func (b *Bus) SetInvalidationHook(hook func(keys []string)) { b.invalidateHook = hook }

// Start subscribes to the cross-instance channels, announces this instance
// and begins the periodic health broadcast.
func (b *Bus) Start(ctx context.Context) error {
	sub, err := b.hot.Subscribe(ctx, ChannelMessageSync, ChannelCacheInvalidation, ChannelHealthCheck, ChannelDiscovery)
	if err != nil {
		return fmt.Errorf("cluster: subscribe: %w", err)
	}
	b.sub = sub
	b.started.Store(true)

	go b.receiveLoop()
	go b.healthLoop()

	b.announce(ctx)
	b.log.WithField("endpoint", b.endpoint).Info("cross-instance bus started")
	return nil
}

// Initialized reports whether the bus is live, used by the availability
// score.
func (b *Bus) Initialized() bool { return b.started.Load() }

func (b *Bus) receiveLoop() {
	for {
		select {
		case <-b.stop:
			return
		case msg, ok := <-b.sub.Channel():
			if !ok {
				return
			}
			b.dispatch(msg)
		}
	}
}

func (b *Bus) dispatch(msg hottier.PubSubMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch msg.Channel {
	case ChannelMessageSync:
		var ev messageSyncEvent
		if json.Unmarshal(msg.Payload, &ev) != nil || ev.SourceInstance == b.instanceID || ev.Message == nil {
			return
		}
		b.messages.ApplyRemote(ctx, ev.Operation, ev.Message)

	case ChannelCacheInvalidation:
		var ev invalidationEvent
		if json.Unmarshal(msg.Payload, &ev) != nil || ev.SourceInstance == b.instanceID {
			return
		}
		if len(ev.Keys) == 0 {
			return
		}
		if err := b.hot.Del(ctx, ev.Keys...); err != nil {
			b.log.WithError(err).Warn("peer cache invalidation failed")
		}
		if b.invalidateHook != nil {
			b.invalidateHook(ev.Keys)
		}

	case ChannelHealthCheck:
		var ev healthEvent
		if json.Unmarshal(msg.Payload, &ev) != nil || ev.SourceInstance == b.instanceID {
			return
		}
		b.touchPeer(ev.SourceInstance)
		if ev.Kind == "ping" {
			b.publish(ctx, ChannelHealthCheck, healthEvent{
				envelope: b.envelope(),
				Kind:     "pong",
				Target:   ev.SourceInstance,
			})
		}

	case ChannelDiscovery:
		var ev discoveryEvent
		if json.Unmarshal(msg.Payload, &ev) != nil || ev.SourceInstance == b.instanceID {
			return
		}
		b.addPeer(ev)
	}
}

func (b *Bus) envelope() envelope {
	return envelope{SourceInstance: b.instanceID, Timestamp: domain.NowMillis()}
}

func (b *Bus) publish(ctx context.Context, channel string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := b.hot.Publish(ctx, channel, data); err != nil {
		b.log.WithError(err).WithField("channel", channel).Debug("cross-instance publish failed")
	}
}

// BroadcastMessageSync announces a message mutation to peer instances.
func (b *Bus) BroadcastMessageSync(ctx context.Context, op domain.SyncOp, msg *domain.Message) {
	b.publish(ctx, ChannelMessageSync, messageSyncEvent{
		envelope:  b.envelope(),
		Operation: op,
		Message:   msg,
	})
}

// BroadcastCacheInvalidation asks peers to drop the given hot-tier keys.
func (b *Bus) BroadcastCacheInvalidation(ctx context.Context, keys []string) {
	b.publish(ctx, ChannelCacheInvalidation, invalidationEvent{
		envelope: b.envelope(),
		Keys:     keys,
	})
}

func (b *Bus) announce(ctx context.Context) {
	b.publish(ctx, ChannelDiscovery, discoveryEvent{
		envelope:         b.envelope(),
		InstanceEndpoint: b.endpoint,
		ServerPort:       b.serverPort,
		HTTPBase:         b.httpBase,
	})
}

func (b *Bus) healthLoop() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			b.publish(ctx, ChannelHealthCheck, healthEvent{envelope: b.envelope(), Kind: "ping"})
			cancel()
		}
	}
}

// addPeer opens hot-tier connections to a newly discovered instance:
// host:port is the peer master, port+10000 its replica.
func (b *Bus) addPeer(ev discoveryEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.peers[ev.InstanceEndpoint]; ok {
		existing.peer.LastSeen = domain.NowMillis()
		return
	}

	host, portStr, err := net.SplitHostPort(ev.InstanceEndpoint)
	if err != nil {
		b.log.WithField("endpoint", ev.InstanceEndpoint).Warn("discovered peer with invalid endpoint")
		return
	}
	port, _ := strconv.Atoi(portStr)

	conn := &peerConn{
		peer: domain.Peer{
			InstanceID: ev.SourceInstance,
			Endpoint:   ev.InstanceEndpoint,
			HTTPBase:   ev.HTTPBase,
			LastSeen:   domain.NowMillis(),
		},
		master:  redis.NewClient(&redis.Options{Addr: ev.InstanceEndpoint}),
		replica: redis.NewClient(&redis.Options{Addr: net.JoinHostPort(host, strconv.Itoa(port+peerReplicaOffset))}),
	}
	b.peers[ev.InstanceEndpoint] = conn
	b.log.WithFields(logrus.Fields{
		"peer":     ev.SourceInstance,
		"endpoint": ev.InstanceEndpoint,
	}).Info("discovered peer instance")
}

func (b *Bus) touchPeer(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.peers {
		if conn.peer.InstanceID == instanceID {
			conn.peer.LastSeen = domain.NowMillis()
		}
	}
}

// Peers returns a snapshot of the discovered peer descriptors.
func (b *Bus) Peers() []domain.Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Peer, 0, len(b.peers))
	for _, conn := range b.peers {
		out = append(out, conn.peer)
	}
	return out
}

// Stop closes the subscription and the peer connection pool.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	if b.sub != nil {
		_ = b.sub.Close()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.peers {
		_ = conn.master.Close()
		_ = conn.replica.Close()
	}
	b.peers = make(map[string]*peerConn)
	b.started.Store(false)
}
