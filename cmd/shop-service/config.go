package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/app"
	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

const (
	envHTTPAddr                    = "LOCALSHOP_HTTP_ADDR"
	envGRPCAddr                    = "LOCALSHOP_GRPC_ADDR"
	envMetricsAddr                 = "LOCALSHOP_METRICS_ADDR"
	envLogLevel                    = "LOCALSHOP_LOG_LEVEL"
	envStorageDriver               = "LOCALSHOP_STORAGE_DRIVER"
	envPostgresDSN                 = "LOCALSHOP_POSTGRES_DSN"
	envPostgresAutoMigrate         = "LOCALSHOP_POSTGRES_AUTO_MIGRATE"
	envCatalogSeed                 = "LOCALSHOP_CATALOG_SEED"
	envKafkaBrokers                = "LOCALSHOP_KAFKA_BROKERS"
	envKafkaTopic                  = "LOCALSHOP_KAFKA_TOPIC"
	envKafkaDLQTopic               = "LOCALSHOP_KAFKA_DLQ_TOPIC"
	envOutboxPollInterval          = "LOCALSHOP_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "LOCALSHOP_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "LOCALSHOP_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "LOCALSHOP_OUTBOX_RETRY_DELAY"
	envRedisAddr                   = "LOCALSHOP_REDIS_ADDR"
	envRedisChannel                = "LOCALSHOP_REDIS_CHANNEL"
	envJWTSecret                   = "LOCALSHOP_JWT_SECRET"
	envJWTIssuer                   = "LOCALSHOP_JWT_ISSUER"
	envAllowedOrigins              = "LOCALSHOP_ALLOWED_ORIGINS"
	envTransitionPolicy            = "LOCALSHOP_TRANSITION_POLICY"
	envStatsTimeZone               = "LOCALSHOP_STATS_TIMEZONE"
	envIdempotencyTTL              = "LOCALSHOP_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "LOCALSHOP_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "LOCALSHOP_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
)

type envLookup func(string) (string, bool)

// readConfig читает окружение процесса; предупреждения пишутся в лог.
func readConfig() app.Config {
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range warnings {
		log.Warn(warning)
	}
	return cfg
}

// readConfigFromEnv накладывает переменные окружения на DefaultConfig.
// Некорректное значение оставляет default и даёт предупреждение.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string
	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("ignore %s=%q: %v", key, value, err))
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseBool(v)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	positiveInt := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0")
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	duration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseDuration(v, valid, rule)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	positive := func(d time.Duration) bool { return d > 0 }
	nonNegative := func(d time.Duration) bool { return d >= 0 }

	str(envHTTPAddr, &cfg.HTTPAddr)
	str(envGRPCAddr, &cfg.GRPCAddr)
	str(envMetricsAddr, &cfg.MetricsAddr)

	if v, ok := lookup(envStorageDriver); ok && strings.TrimSpace(v) != "" {
		driver := strings.ToLower(strings.TrimSpace(v))
		switch driver {
		case app.StorageDriverMemory, app.StorageDriverPostgres:
			cfg.StorageDriver = driver
		default:
			warn(envStorageDriver, v, fmt.Errorf("use %s or %s", app.StorageDriverMemory, app.StorageDriverPostgres))
		}
	}
	str(envPostgresDSN, &cfg.PostgresDSN)
	boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	str(envCatalogSeed, &cfg.CatalogSeedPath)

	if v, ok := lookup(envKafkaBrokers); ok {
		cfg.KafkaBrokers = splitList(v)
	}
	str(envKafkaTopic, &cfg.KafkaTopic)
	str(envKafkaDLQTopic, &cfg.KafkaDLQTopic)
	duration(envOutboxPollInterval, &cfg.OutboxPollInterval, positive, "must be > 0")
	positiveInt(envOutboxBatchSize, &cfg.OutboxBatchSize)
	positiveInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts)
	duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegative, "must be >= 0")

	str(envRedisAddr, &cfg.RedisAddr)
	str(envRedisChannel, &cfg.RedisChannel)

	str(envJWTSecret, &cfg.JWTSecret)
	str(envJWTIssuer, &cfg.JWTIssuer)
	if v, ok := lookup(envAllowedOrigins); ok {
		cfg.AllowedOrigins = splitList(v)
	}

	if v, ok := lookup(envTransitionPolicy); ok && strings.TrimSpace(v) != "" {
		policy, err := domain.ParseTransitionPolicy(v)
		if err != nil {
			warn(envTransitionPolicy, v, err)
		} else {
			cfg.TransitionPolicy = policy
		}
	}
	if v, ok := lookup(envStatsTimeZone); ok && strings.TrimSpace(v) != "" {
		if _, err := time.LoadLocation(strings.TrimSpace(v)); err != nil {
			warn(envStatsTimeZone, v, err)
		} else {
			cfg.StatsTimeZone = strings.TrimSpace(v)
		}
	}

	duration(envIdempotencyTTL, &cfg.IdempotencyTTL, positive, "must be > 0")
	duration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positive, "must be > 0")
	positiveInt(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize)

	return cfg, warnings
}

func readLogLevel(lookup envLookup) (log.Level, error) {
	v, ok := lookup(envLogLevel)
	if !ok || strings.TrimSpace(v) == "" {
		return log.InfoLevel, nil
	}
	return log.ParseLevel(strings.TrimSpace(v))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value")
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(value) {
		return 0, fmt.Errorf("%s", rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(value) {
		return 0, fmt.Errorf("%s", rule)
	}
	return value, nil
}
