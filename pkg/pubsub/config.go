package pubsub

import (
	"fmt"
	"time"
)

// Drivers accepted by NewPubSub.
const (
	DriverRedis = "redis"
	DriverKafka = "kafka"
)

type Config struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaConfig: Brokers is a comma separated bootstrap list. Partitions only
// applies when the mirror topics are created on first start.
type KafkaConfig struct {
	Brokers    string `mapstructure:"brokers"`
	GroupID    string `mapstructure:"group_id"`
	Partitions int    `mapstructure:"partitions"`
}

func NewPubSub(cfg Config) (PubSub, error) {
	switch cfg.Driver {
	case DriverRedis:
		return NewRedisPubSub(cfg.Redis)
	case DriverKafka:
		return NewKafkaPubSub(cfg.Kafka)
	}
	return nil, fmt.Errorf("unsupported pubsub driver %q", cfg.Driver)
}
