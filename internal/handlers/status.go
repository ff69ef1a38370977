package handlers

import (
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/cluster"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/lock"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/store"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/syncworker"
)

const peerProbeTimeout = 5 * time.Second

// DrainController is the slice of the hub the drain endpoint flips.
type DrainController interface {
	SetDraining(bool)
	ActiveConnections() int
}

// StatusHandlers serves the per-instance health and load surface.
type StatusHandlers struct {
	hot        hottier.Client
	store      *store.Store
	worker     *syncworker.Worker
	locks      *lock.Service
	bus        *cluster.Bus
	replicator *cluster.Replicator
	hub        DrainController
	instanceID string
	env        string
	startedAt  time.Time
	log        *logrus.Logger

	draining atomic.Bool
	probe    *http.Client
}

// NewStatusHandlers wires the status endpoints. bus and replicator may be
// nil on single-instance deployments.
func NewStatusHandlers(hot hottier.Client, st *store.Store, worker *syncworker.Worker, locks *lock.Service,
	bus *cluster.Bus, replicator *cluster.Replicator, hubCtl DrainController, instanceID, env string, log *logrus.Logger) *StatusHandlers {
	return &StatusHandlers{
		hot:        hot,
		store:      st,
		worker:     worker,
		locks:      locks,
		bus:        bus,
		replicator: replicator,
		hub:        hubCtl,
		instanceID: instanceID,
		env:        env,
		startedAt:  time.Now(),
		log:        log,
		probe:      &http.Client{Timeout: peerProbeTimeout},
	}
}

// Liveness handles GET /health.
func (h *StatusHandlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": domain.NowMillis(),
		"env":       h.env,
	})
}

// Health handles GET /api/instance-status/health.
func (h *StatusHandlers) Health(c *gin.Context) {
	hotOK := h.hot.Ping(c.Request.Context()) == nil
	mongoOK := h.store.Healthy(c.Request.Context())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memOK := memoryPercent(&mem) < 95

	status := http.StatusOK
	if !hotOK || !mongoOK || !memOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"instanceId": h.instanceID,
		"redis":      gin.H{"healthy": hotOK, "status": h.hot.Status()},
		"mongodb":    gin.H{"healthy": mongoOK},
		"memory":     gin.H{"healthy": memOK, "allocBytes": mem.Alloc, "sysBytes": mem.Sys},
		"timestamp":  domain.NowMillis(),
	})
}

// Detailed handles GET /api/instance-status/detailed.
func (h *StatusHandlers) Detailed(c *gin.Context) {
	var peers []domain.Peer
	busInit := false
	if h.bus != nil {
		peers = h.bus.Peers()
		busInit = h.bus.Initialized()
	}
	var repl interface{}
	if h.replicator != nil {
		repl = h.replicator.Stats()
	} else {
		repl = cluster.ReplicationStats{Enabled: false}
	}

	c.JSON(http.StatusOK, gin.H{
		"instanceId":    h.instanceID,
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
		"draining":      h.draining.Load(),
		"hotTier":       h.hot.Status(),
		"syncWorker":    h.worker.Stats(),
		"activeLocks":   h.locks.ActiveLocks(),
		"crossInstance": gin.H{"initialized": busInit, "peers": peers},
		"replication":   repl,
	})
}

// LoadMetrics handles GET /api/instance-status/load-metrics.
func (h *StatusHandlers) LoadMetrics(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memPct := memoryPercent(&mem)

	activeLocks := len(h.locks.ActiveLocks())
	peerCount := 0
	busInit := false
	if h.bus != nil {
		peerCount = len(h.bus.Peers())
		busInit = h.bus.Initialized()
	}
	conns := h.hub.ActiveConnections()

	c.JSON(http.StatusOK, gin.H{
		"instanceId":        h.instanceID,
		"uptimeSeconds":     int64(time.Since(h.startedAt).Seconds()),
		"memoryPercent":     memPct,
		"cpus":              runtime.NumCPU(),
		"goroutines":        runtime.NumGoroutine(),
		"loadAverage":       loadAverage(),
		"activeConnections": conns,
		"activeLocks":       activeLocks,
		"peerCount":         peerCount,
		"availabilityScore": availabilityScore(memPct, activeLocks, busInit),
		"draining":          h.draining.Load(),
	})
}

// Drain handles POST /api/instance-status/drain: new connections are
// rejected and an estimated drain time is returned.
func (h *StatusHandlers) Drain(c *gin.Context) {
	h.draining.Store(true)
	h.hub.SetDraining(true)
	conns := h.hub.ActiveConnections()
	c.JSON(http.StatusOK, gin.H{
		"success":               true,
		"draining":              true,
		"rejectNewConnections":  true,
		"activeConnections":     conns,
		"estimatedDrainSeconds": conns/10 + 1,
	})
}

// Peers handles GET /api/instance-status/peers by probing each peer's
// health endpoint.
func (h *StatusHandlers) Peers(c *gin.Context) {
	if h.bus == nil {
		c.JSON(http.StatusOK, gin.H{"peers": []interface{}{}})
		return
	}
	type peerStatus struct {
		domain.Peer
		Reachable bool `json:"reachable"`
	}
	peers := h.bus.Peers()
	out := make([]peerStatus, 0, len(peers))
	for _, p := range peers {
		status := peerStatus{Peer: p}
		if p.HTTPBase != "" {
			if resp, err := h.probe.Get(strings.TrimRight(p.HTTPBase, "/") + "/health"); err == nil {
				status.Reachable = resp.StatusCode == http.StatusOK
				resp.Body.Close()
			}
		}
		out = append(out, status)
	}
	c.JSON(http.StatusOK, gin.H{"peers": out})
}

func memoryPercent(mem *runtime.MemStats) float64 {
	if mem.Sys == 0 {
		return 0
	}
	return float64(mem.Alloc) / float64(mem.Sys) * 100
}

// availabilityScore derives the 0-100 figure published for the load
// balancer: memory above 80% and more than 10 active locks penalise
// linearly, a missing cross-instance plane subtracts a flat 20.
func availabilityScore(memPct float64, activeLocks int, busInitialized bool) int {
	score := 100.0
	if memPct > 80 {
		score -= (memPct - 80) * 2
	}
	if activeLocks > 10 {
		score -= float64(activeLocks-10) * 2
	}
	if !busInitialized {
		score -= 20
	}
	if score < 0 {
		score = 0
	}
	return int(score)
}

// loadAverage reads the 1-minute load average; zero when unavailable.
func loadAverage() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	v, _ := strconv.ParseFloat(fields[0], 64)
	return v
}
