package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/localshop/internal/messaging/redisbus"
)

const (
	// StorageDriverMemory — все хранилища в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres — PostgreSQL через pgx.
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	CatalogSeedPath     string

	KafkaBrokers       []string
	KafkaTopic         string
	KafkaDLQTopic      string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	RedisAddr    string
	RedisChannel string

	JWTSecret      string
	JWTIssuer      string
	AllowedOrigins []string

	TransitionPolicy domain.TransitionPolicy
	StatsTimeZone    string

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int
}

// DefaultConfig возвращает конфигурацию для локального запуска на памяти.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		KafkaTopic:         kafka.TopicOrderEvents,
		KafkaDLQTopic:      kafka.TopicDeadLetterQueue,
		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  5,
		OutboxRetryDelay:   500 * time.Millisecond,

		RedisChannel: redisbus.DefaultChannel,

		JWTIssuer: "localshop",

		TransitionPolicy: domain.TransitionPolicyStrict,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
	}
}

// Validate проверяет поля, без которых сервис не стартует.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	}
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if _, err := domain.ParseTransitionPolicy(string(c.TransitionPolicy)); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.StatsLocation(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StatsLocation возвращает часовой пояс для недельной статистики; пусто — локальный пояс сервера.
func (c Config) StatsLocation() (*time.Location, error) {
	name := strings.TrimSpace(c.StatsTimeZone)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load stats time zone %q: %w", name, err)
	}
	return loc, nil
}

// KafkaEnabled — заданы ли брокеры.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
