package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	pkgconfig "github.com/weiawesome/wes-io-live/terminal-service/pkg/config"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/database"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/pubsub"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/storage"
)

const envPrefix = "TERMINAL"

type Config struct {
	Server    ServerConfig
	GRPC      GRPCConfig
	WebSocket WebSocketConfig
	Room      RoomConfig
	Chat      ChatConfig
	Liveness  LivenessConfig
	Auth      AuthConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Mirror    MirrorConfig
	Recording RecordingConfig
	Log       log.Config

	v *viper.Viper
}

type ServerConfig struct {
	Host string
	Port int
	// AdvertiseAddress is what the room directory publishes for this node.
	// Empty means host:port.
	AdvertiseAddress string        `mapstructure:"advertise_address"`
	ShutdownTimeout  time.Duration `mapstructure:"-"`
}

type GRPCConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"-"`
	PongWait       time.Duration `mapstructure:"-"`
	WriteWait      time.Duration `mapstructure:"-"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type RoomConfig struct {
	MaxViewers       int           `mapstructure:"max_viewers"`
	ReplayBufferSize int           `mapstructure:"replay_buffer_size"`
	IdleTimeout      time.Duration `mapstructure:"-"`
	RecentMessages   int           `mapstructure:"recent_messages"`
}

type ChatConfig struct {
	MaxLength     int           `mapstructure:"max_length"`
	MaxNameLength int           `mapstructure:"max_name_length"`
	MaxSlowMode   int           `mapstructure:"max_slow_mode"`
	DedupSize     int           `mapstructure:"dedup_size"`
	DedupWindow   time.Duration `mapstructure:"-"`
	StoreTimeout  time.Duration `mapstructure:"-"`
}

type LivenessConfig struct {
	HeartbeatTimeout     time.Duration `mapstructure:"-"`
	SubscriberTimeout    time.Duration `mapstructure:"-"`
	BusHeartbeatInterval time.Duration `mapstructure:"-"`
	SweepInterval        time.Duration `mapstructure:"-"`
	SSEBuffer            int           `mapstructure:"sse_buffer"`
}

type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	Issuer         string        `mapstructure:"issuer"`
	TokenTTL       time.Duration `mapstructure:"-"`
	AllowAnonymous bool          `mapstructure:"allow_anonymous"`
	AgentRole      string        `mapstructure:"agent_role"`
}

type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	FilePath        string        `mapstructure:"file_path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"-"`
	LogLevel        string        `mapstructure:"log_level"`
}

type RedisConfig struct {
	Enabled           bool
	Address           string
	Password          string
	DB                int
	DirectoryPrefix   string        `mapstructure:"directory_prefix"`
	HeartbeatInterval time.Duration `mapstructure:"-"`
	KeyTTL            time.Duration `mapstructure:"-"`
	// CacheTTL bounds cached recent-message backlogs. Zero disables the cache.
	CacheTTL          time.Duration `mapstructure:"-"`
}

type MirrorConfig struct {
	// Driver is none, redis or kafka.
	Driver string
	Kafka  pubsub.KafkaConfig
}

type RecordingConfig struct {
	// Driver is none, local or s3.
	Driver string
	Prefix string
	Local  storage.LocalConfig
	S3     storage.S3Config
}

// Load reads config/config.yaml (or file, when set) and the environment.
func Load(file string) (*Config, error) {
	v, err := pkgconfig.Load(pkgconfig.Options{
		File:      file,
		Path:      "./config",
		Name:      "config",
		EnvPrefix: envPrefix,
	})
	if err != nil {
		return nil, err
	}

	setDefaults(v)

	// Conventional names used by the deployment manifests.
	v.BindEnv("server.port", "PORT")
	v.BindEnv("grpc.port", "GRPC_PORT")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("mirror.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("log.level", "LOG_LEVEL")

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Config{v: v}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Server.ShutdownTimeout = parseDuration(v, "server.shutdown_timeout", 10*time.Second)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Room.IdleTimeout = parseDuration(v, "room.idle_timeout", 10*time.Minute)
	cfg.Chat.DedupWindow = parseDuration(v, "chat.dedup_window", 30*time.Second)
	cfg.Chat.StoreTimeout = parseDuration(v, "chat.store_timeout", 2*time.Second)
	cfg.Liveness.HeartbeatTimeout = parseDuration(v, "liveness.heartbeat_timeout", 45*time.Second)
	cfg.Liveness.SubscriberTimeout = parseDuration(v, "liveness.subscriber_timeout", 90*time.Second)
	cfg.Liveness.BusHeartbeatInterval = parseDuration(v, "liveness.bus_heartbeat_interval", 30*time.Second)
	cfg.Liveness.SweepInterval = parseDuration(v, "liveness.sweep_interval", 0)
	cfg.Auth.TokenTTL = parseDuration(v, "auth.token_ttl", 24*time.Hour)
	cfg.Database.ConnMaxLifetime = parseDuration(v, "database.conn_max_lifetime", time.Hour)
	cfg.Redis.HeartbeatInterval = parseDuration(v, "redis.heartbeat_interval", 10*time.Second)
	cfg.Redis.KeyTTL = parseDuration(v, "redis.key_ttl", 30*time.Second)
	cfg.Redis.CacheTTL = parseDuration(v, "redis.cache_ttl", time.Minute)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls onChange with each revision of the config file that still
// validates. Revisions that do not are logged and skipped. It reports false
// when the config came from the environment alone.
func (c *Config) Watch(onChange func(*Config)) bool {
	if c.v == nil {
		return false
	}
	v := c.v
	return pkgconfig.Watch(v, func(e fsnotify.Event) {
		l := log.L()
		next, err := decode(v)
		if err != nil {
			l.Warn().Err(err).Str("file", e.Name).Msg("ignoring invalid config change")
			return
		}
		l.Info().Str("file", e.Name).Msg("config reloaded")
		onChange(next)
	})
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.advertise_address", "")
	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50090)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("room.max_viewers", 1000)
	v.SetDefault("room.replay_buffer_size", 64*1024)
	v.SetDefault("room.idle_timeout", "10m")
	v.SetDefault("room.recent_messages", 50)
	v.SetDefault("chat.max_length", 500)
	v.SetDefault("chat.max_name_length", 32)
	v.SetDefault("chat.max_slow_mode", 3600)
	v.SetDefault("chat.dedup_size", 20)
	v.SetDefault("chat.dedup_window", "30s")
	v.SetDefault("chat.store_timeout", "2s")
	v.SetDefault("liveness.heartbeat_timeout", "45s")
	v.SetDefault("liveness.subscriber_timeout", "90s")
	v.SetDefault("liveness.bus_heartbeat_interval", "30s")
	v.SetDefault("liveness.sweep_interval", "")
	v.SetDefault("liveness.sse_buffer", 64)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.allow_anonymous", true)
	v.SetDefault("auth.agent_role", "agent")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "terminal")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.file_path", "data/terminal.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.directory_prefix", "terminal:rooms")
	v.SetDefault("redis.heartbeat_interval", "10s")
	v.SetDefault("redis.key_ttl", "30s")
	v.SetDefault("redis.cache_ttl", "1m")
	v.SetDefault("mirror.driver", "none")
	v.SetDefault("mirror.kafka.brokers", "localhost:9092")
	v.SetDefault("mirror.kafka.group_id", "terminal-service")
	v.SetDefault("mirror.kafka.partitions", 4)
	v.SetDefault("recording.driver", "none")
	v.SetDefault("recording.prefix", "recordings")
	v.SetDefault("recording.local.base_path", "data/recordings")
	v.SetDefault("recording.s3.endpoint", "")
	v.SetDefault("recording.s3.region", "us-east-1")
	v.SetDefault("recording.s3.bucket", "")
	v.SetDefault("recording.s3.access_key_id", "")
	v.SetDefault("recording.s3.secret_access_key", "")
	v.SetDefault("recording.s3.use_path_style", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "terminal-service")
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Mirror.Driver {
	case "none", "kafka":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("mirror.driver redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("unsupported mirror.driver %q", c.Mirror.Driver)
	}
	switch c.Recording.Driver {
	case "none", "local":
	case "s3":
		if c.Recording.S3.Bucket == "" {
			return fmt.Errorf("recording.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unsupported recording.driver %q", c.Recording.Driver)
	}
	return nil
}

// AdvertiseAddress returns the address other nodes should dial.
func (c *Config) AdvertiseAddress() string {
	if c.Server.AdvertiseAddress != "" {
		return c.Server.AdvertiseAddress
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DatabaseOptions converts the database section for pkg/database.
func (c *Config) DatabaseOptions() *database.Config {
	d := c.Database
	return &database.Config{
		Driver:          d.Driver,
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		DBName:          d.DBName,
		SSLMode:         d.SSLMode,
		FilePath:        d.FilePath,
		MaxIdleConns:    d.MaxIdleConns,
		MaxOpenConns:    d.MaxOpenConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		LogLevel:        d.LogLevel,
	}
}

// PubSubOptions converts the mirror section for pkg/pubsub. The redis
// driver shares the connection settings of the redis section.
func (c *Config) PubSubOptions() pubsub.Config {
	return pubsub.Config{
		Driver: c.Mirror.Driver,
		Redis: pubsub.RedisConfig{
			Address:      c.Redis.Address,
			Password:     c.Redis.Password,
			DB:           c.Redis.DB,
			PoolSize:     10,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: c.Mirror.Kafka,
	}
}

// StorageOptions converts the recording section for pkg/storage.
func (c *Config) StorageOptions() storage.Config {
	return storage.Config{
		Driver: c.Recording.Driver,
		Local:  c.Recording.Local,
		S3:     c.Recording.S3,
	}
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return defaultVal
	}
	return d
}
