package config

import (
	"os"
	"time"

	"github.com/spf13/viper"

	pkgconfig "github.com/genfree/realtime/pkg/config"
	"github.com/genfree/realtime/pkg/database"
	"github.com/genfree/realtime/pkg/pubsub"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Hub       HubConfig
	Auth      AuthConfig
	Database  database.Config
	Relay     pubsub.Config
	Kafka     KafkaConfig
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	InstanceID      string        `mapstructure:"instance_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type HubConfig struct {
	QueueSize        int           `mapstructure:"queue_size"`
	MaxMessageLength int           `mapstructure:"max_message_length"`
	StoreTimeout     time.Duration `mapstructure:"store_timeout"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type KafkaConfig struct {
	Enabled        bool
	Brokers        string
	LifecycleTopic string `mapstructure:"lifecycle_topic"`
	ActivityTopic  string `mapstructure:"activity_topic"`
	GroupID        string `mapstructure:"group_id"`
	Partitions     int

	// ReplicationFactor applies to topics this service creates.
	ReplicationFactor int           `mapstructure:"replication_factor"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
}

type RateLimitConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int
	APIPerSecond      float64 `mapstructure:"api_per_second"`
	APIBurst          int     `mapstructure:"api_burst"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper applies defaults and env bindings to v and decodes it.
func FromViper(v *viper.Viper) (*Config, error) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8095)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("hub.queue_size", 256)
	v.SetDefault("hub.max_message_length", 500)
	v.SetDefault("hub.store_timeout", "3s")
	v.SetDefault("auth.issuer", "genfree")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "realtime.db")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("relay.driver", "")
	v.SetDefault("relay.redis.address", "localhost:6379")
	v.SetDefault("relay.redis.pool_size", 10)
	v.SetDefault("relay.redis.read_timeout", "3s")
	v.SetDefault("relay.redis.write_timeout", "3s")
	v.SetDefault("relay.kafka.brokers", "localhost:9092")
	v.SetDefault("relay.kafka.topic", "realtime-relay")
	v.SetDefault("relay.kafka.group_id", "realtime-relay")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.lifecycle_topic", "stream-lifecycle")
	v.SetDefault("kafka.activity_topic", "channel-activity")
	v.SetDefault("kafka.group_id", "realtime")
	v.SetDefault("kafka.partitions", 4)
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("kafka.drain_timeout", "5s")
	v.SetDefault("rate_limit.messages_per_second", 5)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("rate_limit.api_per_second", 20)
	v.SetDefault("rate_limit.api_burst", 40)
	v.SetDefault("log.level", "info")

	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.instance_id", "INSTANCE_ID")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("relay.driver", "RELAY_DRIVER")
	v.BindEnv("relay.redis.address", "REDIS_ADDRESS")
	v.BindEnv("relay.redis.password", "REDIS_PASSWORD")
	v.BindEnv("kafka.enabled", "KAFKA_ENABLED")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.replication_factor", "KAFKA_REPLICATION_FACTOR")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Server.ShutdownTimeout = parseDuration(v, "server.shutdown_timeout", 15*time.Second)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Hub.StoreTimeout = parseDuration(v, "hub.store_timeout", 3*time.Second)
	cfg.Auth.TokenTTL = parseDuration(v, "auth.token_ttl", 24*time.Hour)
	cfg.Relay.Redis.ReadTimeout = parseDuration(v, "relay.redis.read_timeout", 3*time.Second)
	cfg.Relay.Redis.WriteTimeout = parseDuration(v, "relay.redis.write_timeout", 3*time.Second)
	cfg.Kafka.DrainTimeout = parseDuration(v, "kafka.drain_timeout", 5*time.Second)

	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = hostnameOr("realtime")
	}

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return defaultVal
	}
	return d
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
