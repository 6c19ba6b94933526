package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/weiawesome/wes-io-relay/internal/bus"
	"github.com/weiawesome/wes-io-relay/internal/hub"
	"github.com/weiawesome/wes-io-relay/internal/idgen"
	"github.com/weiawesome/wes-io-relay/internal/stream"
	pkgconfig "github.com/weiawesome/wes-io-relay/pkg/config"
	"github.com/weiawesome/wes-io-relay/pkg/database"
	"github.com/weiawesome/wes-io-relay/pkg/jwt"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
)

type Config struct {
	Server    ServerConfig
	GRPC      GRPCConfig
	WebSocket hub.Config `mapstructure:"websocket"`
	Relay     RelayConfig
	Auth      jwt.Config
	Database  database.Config
	Bus       BusConfig
	Stream    stream.Config
	IDs       idgen.Config `mapstructure:"ids"`
	Log       LogConfig

	v *viper.Viper
}

type ServerConfig struct {
	Host            string
	Port            int
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Host string
	Port int
}

type RelayConfig struct {
	AuthTimeout          time.Duration `mapstructure:"auth_timeout"`
	PresenceGrace        time.Duration `mapstructure:"presence_grace"`
	PresenceWriteTimeout time.Duration `mapstructure:"presence_write_timeout"`
	TypingTTL            time.Duration `mapstructure:"typing_ttl"`
	HistoryLimit         int           `mapstructure:"history_limit"`
	MaxHistoryLimit      int           `mapstructure:"max_history_limit"`
}

// BusConfig selects the transport shared by relay instances.
type BusConfig struct {
	pubsub.Config `mapstructure:",squash"`
	Channel       string `mapstructure:"channel"`
	InstanceID    string `mapstructure:"instance_id"`
	QueueSize     int    `mapstructure:"queue_size"`
}

// Options returns the bus settings for this instance.
func (b BusConfig) Options() bus.Config {
	return bus.Config{Channel: b.Channel, InstanceID: b.InstanceID, QueueSize: b.QueueSize}
}

type LogConfig struct {
	Level  string
	Pretty bool
	Caller bool
}

// Load reads ./config/config.yaml and the environment.
func Load() (*Config, error) {
	return LoadFrom("./config", "config")
}

func LoadFrom(path, name string) (*Config, error) {
	v, err := pkgconfig.Load(path, name)
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50060)
	v.SetDefault("websocket.ping_interval", "54s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.overflow", hub.OverflowDropOldest)
	v.SetDefault("websocket.rate_limit", 20)
	v.SetDefault("websocket.rate_burst", 40)
	v.SetDefault("relay.auth_timeout", "10s")
	v.SetDefault("relay.presence_grace", "10s")
	v.SetDefault("relay.presence_write_timeout", "5s")
	v.SetDefault("relay.typing_ttl", "4s")
	v.SetDefault("relay.history_limit", 100)
	v.SetDefault("relay.max_history_limit", 500)
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.leeway", "30s")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "relay.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", 60)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.slow_threshold_ms", 200)
	v.SetDefault("bus.driver", pubsub.DriverNone)
	v.SetDefault("bus.channel", bus.DefaultChannel)
	v.SetDefault("bus.queue_size", bus.DefaultQueueSize)
	v.SetDefault("bus.redis.address", "localhost:6379")
	v.SetDefault("bus.redis.pool_size", 10)
	v.SetDefault("bus.redis.read_timeout", "3s")
	v.SetDefault("bus.redis.write_timeout", "3s")
	v.SetDefault("bus.kafka.brokers", "localhost:9092")
	v.SetDefault("bus.kafka.group_id", "relay")
	v.SetDefault("bus.kafka.partitions", 4)
	v.SetDefault("stream.enabled", false)
	v.SetDefault("stream.brokers", "localhost:9092")
	v.SetDefault("stream.topic", stream.DefaultTopic)
	v.SetDefault("stream.partitions", 8)
	v.SetDefault("ids.kind", idgen.KindULID)
	v.SetDefault("ids.epoch", idgen.DefaultSnowflakeEpoch)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.caller", false)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.allowed_origins", "ALLOWED_ORIGINS")
	v.BindEnv("grpc.port", "GRPC_PORT")
	v.BindEnv("relay.auth_timeout", "RELAY_AUTH_TIMEOUT")
	v.BindEnv("relay.presence_grace", "RELAY_PRESENCE_GRACE")
	v.BindEnv("relay.typing_ttl", "RELAY_TYPING_TTL")
	v.BindEnv("websocket.overflow", "WS_OVERFLOW")
	v.BindEnv("auth.secret", "JWT_SECRET")
	v.BindEnv("auth.public_key_path", "JWT_PUBLIC_KEY_PATH")
	v.BindEnv("auth.issuer", "JWT_ISSUER")
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.file_path", "DB_FILE_PATH")
	v.BindEnv("bus.driver", "BUS_DRIVER")
	v.BindEnv("bus.instance_id", "INSTANCE_ID")
	v.BindEnv("bus.redis.address", "REDIS_ADDRESS")
	v.BindEnv("bus.redis.password", "REDIS_PASSWORD")
	v.BindEnv("bus.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("stream.enabled", "STREAM_ENABLED")
	v.BindEnv("stream.brokers", "KAFKA_BROKERS")
	v.BindEnv("ids.kind", "ID_KIND")
	v.BindEnv("ids.machine_id", "ID_MACHINE_ID")
	v.BindEnv("log.level", "LOG_LEVEL")

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	// Later reloads must keep the identity of this instance.
	v.Set("bus.instance_id", cfg.Bus.InstanceID)
	return cfg, nil
}

// Watch calls fn with the re-read configuration whenever the config file
// changes. It reports false when no file was loaded.
func (c *Config) Watch(fn func(*Config)) bool {
	return pkgconfig.Watch(c.v, func(e fsnotify.Event) {
		next, err := decode(c.v)
		if err != nil {
			l := log.L()
			l.Warn().Err(err).Str("file", e.Name).Msg("ignoring invalid config change")
			return
		}
		fn(next)
	})
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Config{v: v}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Parse durations
	cfg.Server.ShutdownTimeout = pkgconfig.Duration(v, "server.shutdown_timeout", 30*time.Second)
	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", 54*time.Second)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", 10*time.Second)
	cfg.Relay.AuthTimeout = pkgconfig.Duration(v, "relay.auth_timeout", 10*time.Second)
	cfg.Relay.PresenceGrace = pkgconfig.Duration(v, "relay.presence_grace", 10*time.Second)
	cfg.Relay.PresenceWriteTimeout = pkgconfig.Duration(v, "relay.presence_write_timeout", 5*time.Second)
	cfg.Relay.TypingTTL = pkgconfig.Duration(v, "relay.typing_ttl", 4*time.Second)
	cfg.Auth.AccessDuration = pkgconfig.Duration(v, "auth.access_duration", 24*time.Hour)
	cfg.Auth.Leeway = pkgconfig.Duration(v, "auth.leeway", 30*time.Second)
	cfg.Bus.Redis.ReadTimeout = pkgconfig.Duration(v, "bus.redis.read_timeout", 3*time.Second)
	cfg.Bus.Redis.WriteTimeout = pkgconfig.Duration(v, "bus.redis.write_timeout", 3*time.Second)

	if cfg.Bus.InstanceID == "" {
		cfg.Bus.InstanceID = defaultInstanceID()
	}
	if cfg.Bus.Kafka.GroupID == "" || cfg.Bus.Kafka.GroupID == "relay" {
		// Every instance must see the whole topic.
		cfg.Bus.Kafka.GroupID = "relay-" + cfg.Bus.InstanceID
	}

	return &cfg, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
