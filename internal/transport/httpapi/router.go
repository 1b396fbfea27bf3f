// Package httpapi — REST API заказов и уведомлений и websocket-канал live-доставки.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/metrics"
	"github.com/vladislavdragonenkov/localshop/internal/presence"
	"github.com/vladislavdragonenkov/localshop/internal/service/geo"
	"github.com/vladislavdragonenkov/localshop/internal/service/lifecycle"
)

const (
	maxBodyBytes          = 1 << 20
	defaultIdempotencyTTL = 24 * time.Hour
)

// OrderService — операции жизненного цикла заказа.
type OrderService interface {
	Create(ctx context.Context, in lifecycle.CreateInput) (domain.Order, error)
	Transition(ctx context.Context, orderID, shopkeeperID, rawStatus string) (domain.Order, error)
	Get(ctx context.Context, orderID, requesterID string) (lifecycle.OrderView, error)
	ListForCustomer(ctx context.Context, customerID string) ([]lifecycle.OrderView, error)
	ListForShopkeeper(ctx context.Context, shopkeeperID string) ([]lifecycle.OrderView, error)
	WeeklyAggregate(ctx context.Context, shopkeeperID string) ([]lifecycle.DailyStat, error)
}

// NotificationService — журнал уведомлений пользователя.
type NotificationService interface {
	FetchBacklog(ctx context.Context, userID string) ([]domain.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) (domain.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// ShopFinder ищет магазины рядом с точкой.
type ShopFinder interface {
	NearbyShopkeepers(ctx context.Context, lat, lng, radiusKm float64) ([]geo.NearbyShop, error)
}

// Dependencies — зависимости HTTP API. Idempotency, Shops и HTTPMetrics опциональны.
type Dependencies struct {
	Orders         OrderService
	Notifications  NotificationService
	Shops          ShopFinder
	Presence       *presence.Registry
	Auth           *Authenticator
	Idempotency    domain.IdempotencyRepository
	IdempotencyTTL time.Duration
	HTTPMetrics    *metrics.HTTPMetrics
	Logger         *log.Entry
	AllowedOrigins []string
	Channel        ChannelOptions
}

type server struct {
	orders         OrderService
	notifications  NotificationService
	shops          ShopFinder
	presence       *presence.Registry
	idempotency    domain.IdempotencyRepository
	idempotencyTTL time.Duration
	logger         *log.Entry
	channel        ChannelOptions
}

// NewRouter собирает chi-роутер API.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	ttl := deps.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &server{
		orders:         deps.Orders,
		notifications:  deps.Notifications,
		shops:          deps.Shops,
		presence:       deps.Presence,
		idempotency:    deps.Idempotency,
		idempotencyTTL: ttl,
		logger:         logger,
		channel:        deps.Channel.withDefaults(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(observe(deps.HTTPMetrics, logger))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Middleware)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", s.createOrder)
			r.Get("/my", s.listMyOrders)
			r.Get("/my-shop-orders", s.listShopOrders)
			r.Get("/my-shop-orders-weekly", s.weeklyStats)
			r.Get("/{id}", s.getOrder)
			r.Put("/{id}", s.updateOrderStatus)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.listNotifications)
			r.Get("/unread-count", s.unreadCount)
			r.Put("/{id}/read", s.markNotificationRead)
		})

		r.Get("/shops/nearby", s.nearbyShops)
		r.Get("/ws", s.serveChannel)
	})

	return r
}

// observe пишет метрику длительности и access-лог по шаблону маршрута.
func observe(m *metrics.HTTPMetrics, logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(started)
			m.ObserveRequest(r.Method, route, strconv.Itoa(status), elapsed)

			logger.WithFields(log.Fields{
				"method":     r.Method,
				"route":      route,
				"status":     status,
				"duration":   elapsed.String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("http request")
		})
	}
}

func (s *server) identity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
	}
	return id, ok
}
