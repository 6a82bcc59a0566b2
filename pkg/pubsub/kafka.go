package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

const (
	defaultKafkaGroup      = "terminal-service"
	defaultKafkaPartitions = 4
	pollTimeoutMs          = 500
	flushTimeoutMs         = 5000
)

// One topic per channel family; the room id travels as the message key so a
// room's events stay ordered within a partition.
var kafkaTopics = []string{"terminal-events", "terminal-chat"}

// route maps "terminal:room:<id>:<kind>" to topic "terminal-<kind>" and key
// <id>. A "*" room id (a pattern) yields an empty key.
func route(channel string) (topic, key string, err error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[1] != "room" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid channel %q", channel)
	}
	topic = parts[0] + "-" + parts[3]
	if parts[2] != "*" {
		key = parts[2]
	}
	return topic, key, nil
}

var groupIDRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeGroupID(s string) string {
	return groupIDRegexp.ReplaceAllString(s, "-")
}

type kafkaSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// stop ends the poll loop and waits for it to close its consumer.
func (s *kafkaSubscription) stop() {
	s.cancel()
	<-s.done
}

// KafkaPubSub publishes with one shared producer and runs a consumer per
// subscription.
type KafkaPubSub struct {
	producer *kafka.Producer
	cfg      KafkaConfig
	reports  chan struct{}

	mu   sync.Mutex
	subs map[string]*kafkaSubscription
}

func NewKafkaPubSub(cfg KafkaConfig) (*KafkaPubSub, error) {
	if cfg.GroupID == "" {
		cfg.GroupID = defaultKafkaGroup
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = defaultKafkaPartitions
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	k := &KafkaPubSub{
		producer: p,
		cfg:      cfg,
		reports:  make(chan struct{}),
		subs:     make(map[string]*kafkaSubscription),
	}
	go k.watchDeliveries()

	if err := k.createTopics(); err != nil {
		l := log.L()
		l.Warn().Err(err).Msg("kafka topics not verified")
	}
	return k, nil
}

func (k *KafkaPubSub) createTopics() error {
	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	specs := make([]kafka.TopicSpecification, len(kafkaTopics))
	for i, t := range kafkaTopics {
		specs[i] = kafka.TopicSpecification{Topic: t, NumPartitions: k.cfg.Partitions, ReplicationFactor: 1}
	}
	results, err := admin.CreateTopics(ctx, specs)
	if err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError, kafka.ErrTopicAlreadyExists:
		default:
			l := log.L()
			l.Warn().Str("topic", r.Topic).Str("error", r.Error.String()).Msg("kafka topic not created")
		}
	}
	return nil
}

// watchDeliveries logs failed deliveries until the producer closes.
func (k *KafkaPubSub) watchDeliveries() {
	defer close(k.reports)
	for e := range k.producer.Events() {
		m, ok := e.(*kafka.Message)
		if !ok || m.TopicPartition.Error == nil {
			continue
		}
		l := log.L()
		topic := ""
		if m.TopicPartition.Topic != nil {
			topic = *m.TopicPartition.Topic
		}
		l.Error().Err(m.TopicPartition.Error).Str("topic", topic).Str(log.FieldRoomID, string(m.Key)).Msg("kafka delivery failed")
	}
}

// Publish enqueues the event; delivery failures are logged asynchronously.
func (k *KafkaPubSub) Publish(_ context.Context, channel string, event *Event) error {
	topic, key, err := route(channel)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("cannot publish to pattern %q", channel)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          data,
	}
	if err := k.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}
	return nil
}

// Subscribe follows one room. Each channel gets its own consumer group so it
// sees every message on the topic; other rooms are filtered by key.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	topic, key, err := route(channel)
	if err != nil {
		return nil, err
	}
	group := k.cfg.GroupID + "-" + sanitizeGroupID(channel)
	return k.subscribe(ctx, channel, topic, group, key)
}

// SubscribePattern follows every room of a channel family.
func (k *KafkaPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	topic, _, err := route(pattern)
	if err != nil {
		return nil, err
	}
	return k.subscribe(ctx, pattern, topic, k.cfg.GroupID, "")
}

func (k *KafkaPubSub) subscribe(ctx context.Context, subKey, topic, group, key string) (<-chan *Event, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":       k.cfg.Brokers,
		"group.id":                group,
		"auto.offset.reset":       "latest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{cancel: cancel, done: make(chan struct{})}
	events := make(chan *Event, eventBuffer)
	go k.consume(subCtx, c, key, events, sub.done)

	k.mu.Lock()
	old := k.subs[subKey]
	k.subs[subKey] = sub
	k.mu.Unlock()
	if old != nil {
		old.stop()
	}
	return events, nil
}

// consume polls until ctx ends, then closes the consumer and events. Only
// this goroutine touches c.
func (k *KafkaPubSub) consume(ctx context.Context, c *kafka.Consumer, key string, events chan<- *Event, done chan<- struct{}) {
	defer close(done)
	defer close(events)
	defer c.Close()

	for ctx.Err() == nil {
		switch e := c.Poll(pollTimeoutMs).(type) {
		case nil:
		case *kafka.Message:
			if key != "" && string(e.Key) != key {
				continue
			}
			var ev Event
			if err := json.Unmarshal(e.Value, &ev); err != nil {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldRoomID, string(e.Key)).Msg("dropping malformed kafka event")
				continue
			}
			select {
			case events <- &ev:
			case <-ctx.Done():
				return
			default:
			}
		case kafka.Error:
			l := log.L()
			l.Error().Str("error", e.String()).Int("code", int(e.Code())).Bool("fatal", e.IsFatal()).Msg("kafka consumer error")
			if e.IsFatal() {
				return
			}
		}
	}
}

func (k *KafkaPubSub) Unsubscribe(_ context.Context, channel string) error {
	k.mu.Lock()
	sub := k.subs[channel]
	delete(k.subs, channel)
	k.mu.Unlock()
	if sub != nil {
		sub.stop()
	}
	return nil
}

// Close stops every consumer, flushes pending messages and closes the
// producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	subs := k.subs
	k.subs = make(map[string]*kafkaSubscription)
	k.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}

	if left := k.producer.Flush(flushTimeoutMs); left > 0 {
		l := log.L()
		l.Warn().Int("pending", left).Msg("kafka producer closed with undelivered messages")
	}
	k.producer.Close()
	<-k.reports
	return nil
}
