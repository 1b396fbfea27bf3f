package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/messaging/kafka"
)

const (
	defaultLimit       = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "LOCALSHOP_KAFKA_BROKERS"
	headerReplayedFrom = "x-replayed-from"
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	idleTimeout time.Duration
}

// deadLetter — конверт, который outbox-воркер кладёт в DLQ.
type deadLetter struct {
	ID            string `json:"id"`
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
	EventType     string `json:"event_type"`
	Payload       struct {
		OutboxID     string          `json:"outbox_id"`
		Payload      json.RawMessage `json:"payload"`
		PublishError string          `json:"publish_error"`
	} `json:"payload"`
}

// replayEvent повторяет формат событий в основном topic.
type replayEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

type replay struct {
	topic   string
	key     string
	event   replayEvent
	lastErr string
}

type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	Partitions(topic string) ([]int32, error)
	ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error)
	Close() error
}

type eventPublisher interface {
	PublishEvent(topic, key string, event any, headers map[string]string) error
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) Partitions(topic string) ([]int32, error) {
	return s.consumer.Partitions(topic)
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error {
	return s.consumer.Close()
}

type stats struct {
	scanned  int
	replayed int
	skipped  int
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		stop()
		fail("dlq replay failed: %v", err)
	}
}

func parseConfig(args []string, lookup func(string) (string, bool)) (config, error) {
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		brokersRaw string
		cfg        config
	)
	fs.StringVar(&brokersRaw, "brokers", "", "comma-separated kafka brokers (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic to scan")
	fs.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicOrderEvents, "topic for replayed events when the message has no original topic")
	fs.IntVar(&cfg.limit, "limit", defaultLimit, "max messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "publish replayed events; dry-run otherwise")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this idle time")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw, _ = lookup(envKafkaBrokers)
	}
	cfg.brokers = parseBrokers(brokersRaw)

	var errs []error
	if len(cfg.brokers) == 0 {
		errs = append(errs, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers))
	}
	if strings.TrimSpace(cfg.sourceTopic) == "" {
		errs = append(errs, errors.New("source-topic is required"))
	}
	if strings.TrimSpace(cfg.targetTopic) == "" {
		errs = append(errs, errors.New("target-topic is required"))
	}
	if cfg.limit <= 0 {
		errs = append(errs, errors.New("limit must be > 0"))
	}
	if cfg.idleTimeout <= 0 {
		errs = append(errs, errors.New("idle-timeout must be > 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = "localshop-dlq-reprocess"
	consumerConfig.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer(cfg.brokers, consumerConfig)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	source := saramaSource{consumer: consumer}
	defer func() { _ = source.Close() }()

	var publisher eventPublisher
	if cfg.execute {
		producer, err := kafka.NewProducer(cfg.brokers)
		if err != nil {
			return err
		}
		defer func() { _ = producer.Close() }()
		publisher = producer
	}

	result, err := replayAll(ctx, cfg, source, publisher, log.WithField("component", "dlq-reprocess"))
	if err != nil {
		return err
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  result.scanned,
		"replayed": result.replayed,
		"skipped":  result.skipped,
	}).Info("dlq replay finished")
	return nil
}

// replayAll читает партиции DLQ по возрастанию номера, пока не наберётся limit сообщений.
func replayAll(ctx context.Context, cfg config, source partitionSource, publisher eventPublisher, logger *log.Entry) (stats, error) {
	if cfg.execute && publisher == nil {
		return stats{}, errors.New("publisher is required in execute mode")
	}

	partitions, err := source.Partitions(cfg.sourceTopic)
	if err != nil {
		return stats{}, fmt.Errorf("list partitions of %s: %w", cfg.sourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total stats
	for _, partition := range partitions {
		if total.scanned >= cfg.limit {
			break
		}
		part, err := replayPartition(ctx, cfg, source, publisher, partition, cfg.limit-total.scanned, logger)
		total.scanned += part.scanned
		total.replayed += part.replayed
		total.skipped += part.skipped
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func replayPartition(ctx context.Context, cfg config, source partitionSource, publisher eventPublisher, partition int32, limit int, logger *log.Entry) (stats, error) {
	var result stats

	stream, err := source.ConsumePartition(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return result, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = stream.Close() }()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	for result.scanned < limit {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-idle.C:
			return result, nil
		case consumeErr, ok := <-stream.Errors():
			if ok && consumeErr != nil {
				return result, fmt.Errorf("partition %d: %w", partition, consumeErr)
			}
		case msg, ok := <-stream.Messages():
			if !ok {
				return result, nil
			}
			idle.Reset(cfg.idleTimeout)
			result.scanned++

			entry := logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})
			candidate, err := decodeDeadLetter(msg, cfg.targetTopic)
			if err != nil {
				result.skipped++
				entry.WithError(err).Warn("skip dlq message")
				continue
			}

			if cfg.execute {
				headers := map[string]string{
					kafka.HeaderEventType: candidate.event.EventType,
					headerReplayedFrom:    cfg.sourceTopic,
				}
				if err := publisher.PublishEvent(candidate.topic, candidate.key, candidate.event, headers); err != nil {
					return result, fmt.Errorf("replay %s: %w", candidate.event.ID, err)
				}
			}
			result.replayed++
			entry.WithFields(log.Fields{
				"target_topic": candidate.topic,
				"order_id":     candidate.key,
				"event_type":   candidate.event.EventType,
				"last_error":   candidate.lastErr,
				"executed":     cfg.execute,
			}).Info("dlq message replayed")
		}
	}
	return result, nil
}

// decodeDeadLetter восстанавливает исходное событие из DLQ-конверта.
func decodeDeadLetter(msg *sarama.ConsumerMessage, defaultTopic string) (replay, error) {
	var letter deadLetter
	if err := json.Unmarshal(msg.Value, &letter); err != nil {
		return replay{}, fmt.Errorf("decode dlq envelope: %w", err)
	}
	if len(letter.Payload.Payload) == 0 {
		return replay{}, errors.New("dlq envelope has no original payload")
	}

	id := letter.Payload.OutboxID
	if id == "" {
		id = letter.ID
	}
	if id == "" {
		return replay{}, errors.New("dlq envelope has no event id")
	}

	topic := defaultTopic
	for _, header := range msg.Headers {
		if header != nil && string(header.Key) == kafka.HeaderOriginalTopic && len(header.Value) > 0 {
			topic = string(header.Value)
		}
	}

	key := letter.AggregateID
	if key == "" {
		key = id
	}

	return replay{
		topic: topic,
		key:   key,
		event: replayEvent{
			ID:            id,
			AggregateType: letter.AggregateType,
			AggregateID:   letter.AggregateID,
			EventType:     letter.EventType,
			Payload:       letter.Payload.Payload,
			PublishedAt:   time.Now().UTC(),
		},
		lastErr: letter.Payload.PublishError,
	}, nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
