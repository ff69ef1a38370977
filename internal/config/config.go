package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the full configuration surface, loaded from environment
// variables with sane defaults for local single-instance runs.
type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Mongo       MongoConfig
	Cluster     ClusterConfig
	S3          S3Config
	AI          AIConfig
}

type ServerConfig struct {
	Port      int
	Env       string
	JWTSecret string
}

type RedisConfig struct {
	ClusterEnabled  bool
	MasterHost      string
	MasterPort      int
	SlaveHost       string
	SlavePort       int
	ConnectTimeout  time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	FailoverTimeout time.Duration
}

// MasterAddr returns host:port of the master node.
func (r RedisConfig) MasterAddr() string {
	return fmt.Sprintf("%s:%d", r.MasterHost, r.MasterPort)
}

// SlaveAddr returns host:port of the read replica.
func (r RedisConfig) SlaveAddr() string {
	return fmt.Sprintf("%s:%d", r.SlaveHost, r.SlavePort)
}

type MongoConfig struct {
	URI                string
	ReplicationEnabled bool
}

type ClusterConfig struct {
	InstanceID              string
	CrossReplicationEnabled bool
	RedisPeers              []string
	HTTPPeers               []string
	HealthCheckInterval     time.Duration
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	PresignedExpiry time.Duration
}

type AIConfig struct {
	BaseURL string
	APIKey  string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", 5001)
	v.SetDefault("NODE_ENV", "development")

	v.SetDefault("REDIS_CLUSTER_ENABLED", false)
	v.SetDefault("REDIS_MASTER_HOST", "localhost")
	v.SetDefault("REDIS_MASTER_PORT", 6379)
	v.SetDefault("REDIS_SLAVE_HOST", "localhost")
	v.SetDefault("REDIS_SLAVE_PORT", 16379)
	v.SetDefault("REDIS_CONNECT_TIMEOUT", "5s")
	v.SetDefault("REDIS_MAX_RETRIES", 5)
	v.SetDefault("REDIS_RETRY_DELAY", "500ms")
	v.SetDefault("REDIS_FAILOVER_TIMEOUT", "3s")

	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/bootcampchat")
	v.SetDefault("MONGO_REPLICATION_ENABLED", false)

	v.SetDefault("INSTANCE_ID", "")
	v.SetDefault("REDIS_CROSS_REPLICATION_ENABLED", false)
	v.SetDefault("REDIS_PEER_INSTANCES", "")
	v.SetDefault("PEER_INSTANCES", "")
	v.SetDefault("HEALTH_CHECK_INTERVAL", "10s")

	v.SetDefault("AWS_REGION", "ap-northeast-2")
	v.SetDefault("S3_BUCKET_NAME", "")
	v.SetDefault("S3_PRESIGNED_URL_EXPIRY", "15m")

	v.SetDefault("AI_SERVICE_URL", "")
	v.SetDefault("AI_SERVICE_API_KEY", "")

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetInt("PORT"),
			Env:       v.GetString("NODE_ENV"),
			JWTSecret: v.GetString("JWT_SECRET"),
		},
		Redis: RedisConfig{
			ClusterEnabled:  v.GetBool("REDIS_CLUSTER_ENABLED"),
			MasterHost:      v.GetString("REDIS_MASTER_HOST"),
			MasterPort:      v.GetInt("REDIS_MASTER_PORT"),
			SlaveHost:       v.GetString("REDIS_SLAVE_HOST"),
			SlavePort:       v.GetInt("REDIS_SLAVE_PORT"),
			ConnectTimeout:  v.GetDuration("REDIS_CONNECT_TIMEOUT"),
			MaxRetries:      v.GetInt("REDIS_MAX_RETRIES"),
			RetryDelay:      v.GetDuration("REDIS_RETRY_DELAY"),
			FailoverTimeout: v.GetDuration("REDIS_FAILOVER_TIMEOUT"),
		},
		Mongo: MongoConfig{
			URI:                v.GetString("MONGO_URI"),
			ReplicationEnabled: v.GetBool("MONGO_REPLICATION_ENABLED"),
		},
		Cluster: ClusterConfig{
			InstanceID:              v.GetString("INSTANCE_ID"),
			CrossReplicationEnabled: v.GetBool("REDIS_CROSS_REPLICATION_ENABLED"),
			RedisPeers:              splitList(v.GetString("REDIS_PEER_INSTANCES")),
			HTTPPeers:               splitList(v.GetString("PEER_INSTANCES")),
			HealthCheckInterval:     v.GetDuration("HEALTH_CHECK_INTERVAL"),
		},
		S3: S3Config{
			AccessKeyID:     v.GetString("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("AWS_SECRET_ACCESS_KEY"),
			Region:          v.GetString("AWS_REGION"),
			Bucket:          v.GetString("S3_BUCKET_NAME"),
			PresignedExpiry: v.GetDuration("S3_PRESIGNED_URL_EXPIRY"),
		},
		AI: AIConfig{
			BaseURL: v.GetString("AI_SERVICE_URL"),
			APIKey:  v.GetString("AI_SERVICE_API_KEY"),
		},
	}

	if cfg.Cluster.InstanceID == "" {
		cfg.Cluster.InstanceID = "instance-" + uuid.NewString()[:8]
	}
	if cfg.Server.JWTSecret == "" && cfg.Server.Env == "production" {
		return nil, fmt.Errorf("JWT_SECRET is required in production")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
