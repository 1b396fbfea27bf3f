package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/messaging/redisbus"
	"github.com/vladislavdragonenkov/localshop/internal/metrics"
	"github.com/vladislavdragonenkov/localshop/internal/presence"
	"github.com/vladislavdragonenkov/localshop/internal/service/geo"
	"github.com/vladislavdragonenkov/localshop/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/localshop/internal/service/notify"
	"github.com/vladislavdragonenkov/localshop/internal/transport/httpapi"
)

// services — доменный граф поверх выбранных хранилищ.
type services struct {
	lifecycleMetrics *metrics.LifecycleMetrics
	presence         *presence.Registry
	dispatcher       *notify.Dispatcher
	engine           *lifecycle.Engine
	finder           *geo.Finder
	bus              *redisbus.Bus
	redis            redis.UniversalClient
}

func buildServices(cfg Config, deps *runtimeDependencies, registerer prometheus.Registerer, logger *log.Entry) (*services, error) {
	policy, err := domain.ParseTransitionPolicy(string(cfg.TransitionPolicy))
	if err != nil {
		return nil, err
	}
	loc, err := cfg.StatsLocation()
	if err != nil {
		return nil, err
	}

	m := metrics.NewLifecycleMetricsWithRegisterer(registerer)
	registry := presence.NewRegistry(m)
	local := notify.NewLocalPusher(registry, m, logger.WithField("component", "local-pusher"))

	svc := &services{lifecycleMetrics: m, presence: registry}

	var pusher notify.Pusher = local
	if cfg.RedisAddr != "" {
		svc.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		svc.bus = redisbus.New(svc.redis, cfg.RedisChannel, local, m, logger.WithField("component", "redis-bus"))
		pusher = svc.bus
	}

	svc.dispatcher = notify.NewDispatcher(deps.notifications, pusher,
		notify.WithLogger(logger.WithField("component", "dispatcher")),
		notify.WithMetrics(m),
	)
	svc.engine = lifecycle.NewEngine(deps.orders, deps.catalog, svc.dispatcher,
		lifecycle.WithLogger(logger.WithField("component", "lifecycle")),
		lifecycle.WithMetrics(m),
		lifecycle.WithPolicy(policy),
		lifecycle.WithUsers(deps.catalog),
		lifecycle.WithTimeline(deps.timelineRepo),
		lifecycle.WithLocation(loc),
	)
	svc.finder = geo.NewFinder(deps.catalog, logger.WithField("component", "geo"))
	return svc, nil
}

// newAPIHandler собирает REST/websocket роутер.
func newAPIHandler(cfg Config, deps *runtimeDependencies, svc *services, registerer prometheus.Registerer, logger *log.Entry) (http.Handler, error) {
	auth, err := httpapi.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return nil, err
	}

	return httpapi.NewRouter(httpapi.Dependencies{
		Orders:         svc.engine,
		Notifications:  svc.dispatcher,
		Shops:          svc.finder,
		Presence:       svc.presence,
		Auth:           auth,
		Idempotency:    deps.idempotencyRepo,
		IdempotencyTTL: cfg.IdempotencyTTL,
		HTTPMetrics:    metrics.NewHTTPMetricsWithRegisterer(registerer),
		Logger:         logger.WithField("component", "http-api"),
		AllowedOrigins: cfg.AllowedOrigins,
	}), nil
}

func (s *services) close(logger *log.Entry) {
	if s == nil || s.redis == nil {
		return
	}
	if err := s.redis.Close(); err != nil {
		logger.WithError(err).Warn("failed to close redis client")
	}
}
