package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/ai"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/auth"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/cache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/cluster"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/handlers"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hub"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/lock"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/storage"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/store"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/syncqueue"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/syncworker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logger.WithField("instanceId", cfg.Cluster.InstanceID).Info("starting chat backend")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Init order: hot tier → sync queue → lock → cache services →
	// cross-instance bus → hub. The bus's hub reference is late-bound.
	st, err := store.Connect(ctx, cfg.Mongo.URI, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to mongodb: %v", err)
	}

	hot := hottier.NewRedis(cfg.Redis, logger)

	queue := syncqueue.New(hot, logger)
	locks := lock.NewService(hot, cfg.Cluster.InstanceID, logger)

	rooms := cache.NewRoomCache(hot, st.Rooms, cfg.Cluster.InstanceID, logger)
	messages := cache.NewMessageCache(hot, st.Messages, queue, locks, cfg.Cluster.InstanceID, logger)
	if err := rooms.EnsureIndex(ctx); err != nil {
		logger.WithError(err).Warn("failed to create room index")
	}
	if err := messages.EnsureIndex(ctx); err != nil {
		logger.WithError(err).Warn("failed to create message index")
	}

	var bus *cluster.Bus
	if cfg.Cluster.CrossReplicationEnabled {
		httpBase := fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		bus = cluster.NewBus(hot, messages, cfg.Cluster.InstanceID, cfg.Redis.MasterAddr(),
			cfg.Server.Port, httpBase, cfg.Cluster.HealthCheckInterval, logger)
		messages.SetBroadcaster(bus)
		if err := bus.Start(ctx); err != nil {
			logger.WithError(err).Warn("cross-instance bus failed to start")
			bus = nil
		}
	}

	var replicator *cluster.Replicator
	if cfg.Mongo.ReplicationEnabled && len(cfg.Cluster.HTTPPeers) > 0 {
		replicator = cluster.NewReplicator(st, cfg.Cluster.InstanceID, cfg.Cluster.HTTPPeers, logger)
		if err := replicator.Start(ctx); err != nil {
			logger.WithError(err).Warn("durable-tier replication failed to start")
			replicator = nil
		}
	}

	worker := syncworker.New(queue, st.Messages, logger)
	if err := worker.Start(ctx); err != nil {
		logger.WithError(err).Warn("sync worker failed to start")
	}

	verifier := auth.NewTokenVerifier(cfg.Server.JWTSecret)
	sessions := auth.NewHotTierSessions(hot)

	var aiClient ai.Client
	if cfg.AI.BaseURL != "" {
		aiClient = ai.NewHTTPClient(cfg.AI, logger)
	}

	chatHub := hub.New(verifier, sessions, st.Users, rooms, messages, aiClient, logger)
	if bus != nil {
		bus.SetInvalidationHook(chatHub.OnCacheInvalidated)
	}

	// Warm the hot tier before taking traffic.
	if _, _, err := rooms.WarmCache(ctx); err != nil {
		logger.WithError(err).Warn("room warm cache failed")
	}
	if _, err := messages.WarmAllActiveRooms(ctx); err != nil {
		logger.WithError(err).Warn("message warm cache failed")
	}

	var objects storage.ObjectStore
	if cfg.S3.Bucket != "" {
		objects, err = storage.NewS3(cfg.S3)
		if err != nil {
			logger.Fatalf("Failed to init object store: %v", err)
		}
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	roomHandlers := handlers.NewRoomHandlers(rooms, messages, st.Users, chatHub, logger)
	fileHandlers := handlers.NewFileHandlers(objects, st.Messages, rooms, logger)
	statusHandlers := handlers.NewStatusHandlers(hot, st, worker, locks, bus, replicator,
		chatHub, cfg.Cluster.InstanceID, cfg.Server.Env, logger)
	handlers.Register(router, roomHandlers, fileHandlers, statusHandlers, verifier, sessions, chatHub.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on :%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	chatHub.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
	}
	chatHub.Shutdown()
	worker.Stop()
	if replicator != nil {
		replicator.Stop(shutdownCtx)
	}
	if bus != nil {
		bus.Stop()
	}
	locks.Shutdown(shutdownCtx)
	if err := st.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("mongodb disconnect error")
	}
	if err := hot.Close(); err != nil {
		logger.WithError(err).Error("hot tier close error")
	}
	logger.Info("shutdown complete")
}

// Prometheus metrics, registered once at startup.
var (
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "HTTP request latencies in seconds",
		},
		[]string{"method", "path", "status"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(httpDuration)
	prometheus.MustRegister(httpRequests)
}

func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := fmt.Sprintf("%d", c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
