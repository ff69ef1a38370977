package cluster

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/store"
)

const (
	httpBasePort  = 5001
	mongoBasePort = 27017

	initialSyncWindow = 24 * time.Hour
)

var replicatedCollections = []string{"messages", "users", "rooms"}

// ReplicationStats is a snapshot for the detailed status endpoint.
type ReplicationStats struct {
	Enabled       bool  `json:"enabled"`
	PeerCount     int   `json:"peerCount"`
	Replicated    int64 `json:"replicated"`
	Conflicts     int64 `json:"conflicts"`
	Errors        int64 `json:"errors"`
	InitialSynced int64 `json:"initialSynced"`
}

type replPeer struct {
	httpBase string
	client   *mongo.Client
	db       *mongo.Database
}

// Replicator watches the local durable tier's change streams and replays
// foreign-origin changes into every peer durable tier with last-write-wins
// conflict resolution.
type Replicator struct {
	self       *store.Store
	instanceID string
	peerURLs   []string
	log        *logrus.Logger

	mu    sync.RWMutex
	peers []*replPeer

	replicated    atomic.Int64
	conflicts     atomic.Int64
	errors        atomic.Int64
	initialSynced atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReplicator builds the replicator from the PEER_INSTANCES HTTP bases.
func NewReplicator(self *store.Store, instanceID string, peerURLs []string, log *logrus.Logger) *Replicator {
	return &Replicator{self: self, instanceID: instanceID, peerURLs: peerURLs, log: log}
}

// peerMongoURI derives a peer's mongo address from its HTTP base URL using
// the fixed port pairing 5001↔27017, 5002↔27018, 5003↔27019.
func peerMongoURI(httpBase, database string) (string, error) {
	u, err := url.Parse(httpBase)
	if err != nil {
		return "", fmt.Errorf("cluster: parse peer url %q: %w", httpBase, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return "", fmt.Errorf("cluster: peer url %q has no port", httpBase)
	}
	mongoPort := mongoBasePort + (port - httpBasePort)
	return fmt.Sprintf("mongodb://%s:%d/%s", u.Hostname(), mongoPort, database), nil
}

// Start connects to the peer durable tiers, runs the initial sync and begins
// watching the local change streams.
func (r *Replicator) Start(ctx context.Context) error {
	for _, base := range r.peerURLs {
		uri, err := peerMongoURI(base, r.self.Database())
		if err != nil {
			r.log.WithError(err).Warn("skipping replication peer")
			continue
		}
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			r.log.WithError(err).WithField("peer", base).Warn("failed to connect to peer durable tier")
			continue
		}
		r.mu.Lock()
		r.peers = append(r.peers, &replPeer{
			httpBase: base,
			client:   client,
			db:       client.Database(r.self.Database()),
		})
		r.mu.Unlock()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if err := r.initialSync(ctx); err != nil {
		r.log.WithError(err).Warn("replication initial sync failed")
	}

	for _, coll := range replicatedCollections {
		r.wg.Add(1)
		go r.watch(loopCtx, coll)
	}
	r.log.WithField("peers", len(r.peers)).Info("durable-tier replication started")
	return nil
}

// initialSync pushes the last 24 hours of foreign-origin messages to every
// peer so late joiners converge.
func (r *Replicator) initialSync(ctx context.Context) error {
	since := domain.NowMillis() - initialSyncWindow.Milliseconds()
	msgs, err := r.self.Messages.RecentForeign(ctx, since, r.instanceID)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		raw, err := bson.Marshal(msg)
		if err != nil {
			continue
		}
		var doc bson.M
		if err := bson.Unmarshal(raw, &doc); err != nil {
			continue
		}
		r.replicateToAllPeers(ctx, "messages", doc)
		r.initialSynced.Add(1)
	}
	return nil
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	FullDocument  bson.M `bson:"fullDocument"`
	DocumentKey   bson.M `bson:"documentKey"`
}

func (r *Replicator) watch(ctx context.Context, coll string) {
	defer r.wg.Done()

	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.D{
		{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}}}},
		{Key: "fullDocument.instanceId", Value: bson.D{{Key: "$ne", Value: r.instanceID}}},
	}}}}

	for ctx.Err() == nil {
		cs, err := r.self.Client().Database(r.self.Database()).Collection(coll).
			Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.errors.Add(1)
			r.log.WithError(err).WithField("collection", coll).Warn("change stream open failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for cs.Next(ctx) {
			var ev changeEvent
			if err := cs.Decode(&ev); err != nil {
				r.errors.Add(1)
				continue
			}
			r.handleChange(ctx, coll, &ev)
		}
		_ = cs.Close(context.Background())
	}
}

func (r *Replicator) handleChange(ctx context.Context, coll string, ev *changeEvent) {
	if ev.OperationType == "delete" {
		id, _ := ev.DocumentKey["_id"]
		r.deleteFromAllPeers(ctx, coll, id)
		return
	}
	if ev.FullDocument == nil {
		return
	}
	// Writes performed by replication itself carry replicatedFrom; skipping
	// them breaks the feedback loop between instances.
	if from, ok := ev.FullDocument["replicatedFrom"]; ok && from != nil && from != "" {
		return
	}

	doc := ev.FullDocument
	doc["replicatedFrom"] = r.instanceID
	doc["replicatedAt"] = domain.NowMillis()
	doc["lastModifiedBy"] = r.instanceID
	doc["lastModifiedAt"] = domain.NowMillis()
	r.replicateToAllPeers(ctx, coll, doc)
}

// replicateToAllPeers upserts the document into every peer durable tier,
// running conflict resolution against the peer's current copy first.
func (r *Replicator) replicateToAllPeers(ctx context.Context, coll string, doc bson.M) {
	id, ok := doc["_id"]
	if !ok {
		return
	}
	r.mu.RLock()
	peers := append([]*replPeer(nil), r.peers...)
	r.mu.RUnlock()

	for _, peer := range peers {
		var existing bson.M
		err := peer.db.Collection(coll).FindOne(ctx, bson.M{"_id": id}).Decode(&existing)
		if err == nil {
			if winner, remoteWins := resolveConflict(existing, doc); !remoteWins {
				// The peer holds a newer document; adopt it locally instead
				// of clobbering it.
				r.conflicts.Add(1)
				r.updateLocalDocument(ctx, coll, winner)
				continue
			}
		} else if err != mongo.ErrNoDocuments {
			r.errors.Add(1)
			continue
		}

		if _, err := peer.db.Collection(coll).ReplaceOne(ctx, bson.M{"_id": id}, doc,
			options.Replace().SetUpsert(true)); err != nil {
			r.errors.Add(1)
			r.log.WithError(err).WithFields(logrus.Fields{
				"peer":       peer.httpBase,
				"collection": coll,
			}).Warn("peer replication write failed")
			continue
		}
		r.replicated.Add(1)
	}
}

// updateLocalDocument overwrites the local copy with the conflict winner.
func (r *Replicator) updateLocalDocument(ctx context.Context, coll string, doc bson.M) {
	id, ok := doc["_id"]
	if !ok {
		return
	}
	_, err := r.self.Client().Database(r.self.Database()).Collection(coll).
		ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		r.errors.Add(1)
		r.log.WithError(err).WithField("collection", coll).Warn("local conflict overwrite failed")
	}
}

func (r *Replicator) deleteFromAllPeers(ctx context.Context, coll string, id interface{}) {
	if id == nil {
		return
	}
	r.mu.RLock()
	peers := append([]*replPeer(nil), r.peers...)
	r.mu.RUnlock()
	for _, peer := range peers {
		if _, err := peer.db.Collection(coll).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
			r.errors.Add(1)
		}
	}
}

// resolveConflict applies last-write-wins on updatedAt falling back to
// createdAt, with ties broken by lastModifiedBy ordering so two instances
// cannot oscillate. remoteWins is true when remote should overwrite local.
func resolveConflict(local, remote bson.M) (winner bson.M, remoteWins bool) {
	lt := docClock(local)
	rt := docClock(remote)
	switch {
	case rt > lt:
		return remote, true
	case rt < lt:
		return local, false
	default:
		lb, _ := local["lastModifiedBy"].(string)
		rb, _ := remote["lastModifiedBy"].(string)
		if strings.Compare(rb, lb) > 0 {
			return remote, true
		}
		return local, false
	}
}

func docClock(doc bson.M) int64 {
	if v := numeric(doc["updatedAt"]); v > 0 {
		return v
	}
	return numeric(doc["createdAt"])
}

func numeric(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// Stats returns a snapshot for the status endpoints.
func (r *Replicator) Stats() ReplicationStats {
	r.mu.RLock()
	peerCount := len(r.peers)
	r.mu.RUnlock()
	return ReplicationStats{
		Enabled:       true,
		PeerCount:     peerCount,
		Replicated:    r.replicated.Load(),
		Conflicts:     r.conflicts.Load(),
		Errors:        r.errors.Load(),
		InitialSynced: r.initialSynced.Load(),
	}
}

// Stop halts the watchers and disconnects the peer clients.
func (r *Replicator) Stop(ctx context.Context) {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, peer := range r.peers {
		_ = peer.client.Disconnect(ctx)
	}
	r.peers = nil
}
