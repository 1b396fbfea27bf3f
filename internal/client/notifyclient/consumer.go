// Package notifyclient — клиентский потребитель уведомлений: держит websocket-канал,
// переподключается с экспоненциальной задержкой и сверяет журнал через REST API.
package notifyclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

const (
	eventJoin         = "join"
	eventJoined       = "joined"
	eventError        = "error"
	eventNotification = "notification"
)

// ErrJoinRejected — сервер ответил на join кадром error.
var ErrJoinRejected = errors.New("join rejected by server")

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler вызывается один раз на каждое новое уведомление.
type Handler func(n domain.Notification, live bool)

// Options — параметры потребителя.
type Options struct {
	Logger            *log.Entry
	HTTPClient        *http.Client
	Dialer            *websocket.Dialer
	ReconcileInterval time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	Handler           Handler
}

// Option настраивает Consumer.
type Option func(*Options)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithHTTPClient задаёт HTTP-клиент для REST-вызовов.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = client
	}
}

// WithDialer задаёт websocket-диалер канала (прокси, TLS, таймаут рукопожатия).
func WithDialer(dialer *websocket.Dialer) Option {
	return func(o *Options) {
		o.Dialer = dialer
	}
}

// WithReconcileInterval задаёт период сверки с журналом.
func WithReconcileInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.ReconcileInterval = interval
	}
}

// WithBackoff задаёт границы задержки переподключения.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(o *Options) {
		o.MinBackoff = minDelay
		o.MaxBackoff = maxDelay
	}
}

// WithHandler задаёт обработчик новых уведомлений.
func WithHandler(handler Handler) Option {
	return func(o *Options) {
		o.Handler = handler
	}
}

// Consumer подписан на комнату одного пользователя.
type Consumer struct {
	baseURL string
	token   string
	userID  string

	httpClient        *http.Client
	dialer            *websocket.Dialer
	logger            *log.Entry
	reconcileInterval time.Duration
	minBackoff        time.Duration
	maxBackoff        time.Duration
	handler           Handler

	mu    sync.RWMutex
	known map[string]domain.Notification
}

// New создаёт потребителя для baseURL (http или https) и JWT пользователя userID.
func New(baseURL, token, userID string, options ...Option) (*Consumer, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("token is required")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}

	opts := Options{
		ReconcileInterval: 30 * time.Second,
		MinBackoff:        500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
	}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "notify-client")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}

	return &Consumer{
		baseURL:           baseURL,
		token:             token,
		userID:            userID,
		httpClient:        opts.HTTPClient,
		dialer:            opts.Dialer,
		logger:            opts.Logger.WithField("user_id", userID),
		reconcileInterval: opts.ReconcileInterval,
		minBackoff:        opts.MinBackoff,
		maxBackoff:        opts.MaxBackoff,
		handler:           opts.Handler,
		known:             make(map[string]domain.Notification),
	}, nil
}

// Run держит канал открытым до отмены ctx. После каждого join журнал сверяется заново,
// между подключениями и по таймеру тоже.
func (c *Consumer) Run(ctx context.Context) error {
	if c.reconcileInterval > 0 {
		go c.reconcileLoop(ctx)
	}

	attempt := 0
	for {
		err := c.session(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrJoinRejected) {
			return err
		}

		attempt++
		delay := c.backoff(attempt)
		c.logger.WithError(err).WithField("retry_in", delay.String()).Warn("notification channel lost")

		if _, recErr := c.Reconcile(ctx); recErr != nil && ctx.Err() == nil {
			c.logger.WithError(recErr).Debug("reconcile while disconnected failed")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Consumer) session(ctx context.Context, joined func()) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.channelURL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial channel: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	data, _ := json.Marshal(c.userID)
	if err := conn.WriteJSON(frame{Event: eventJoin, Data: data}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		switch f.Event {
		case eventJoined:
			joined()
			c.logger.Info("joined notification channel")
			if _, err := c.Reconcile(ctx); err != nil {
				c.logger.WithError(err).Warn("backlog fetch after join failed")
			}
		case eventNotification:
			var n domain.Notification
			if err := json.Unmarshal(f.Data, &n); err != nil {
				c.logger.WithError(err).Warn("malformed notification frame")
				continue
			}
			c.remember([]domain.Notification{n}, true)
		case eventError:
			var message string
			_ = json.Unmarshal(f.Data, &message)
			return fmt.Errorf("%w: %s", ErrJoinRejected, message)
		}
	}
}

func (c *Consumer) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(c.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Reconcile(ctx); err != nil && ctx.Err() == nil {
				c.logger.WithError(err).Warn("periodic reconcile failed")
			}
		}
	}
}

// Reconcile загружает журнал и возвращает уведомления, которых ещё не было локально.
func (c *Consumer) Reconcile(ctx context.Context) ([]domain.Notification, error) {
	var body struct {
		Notifications []domain.Notification `json:"notifications"`
	}
	if err := c.call(ctx, http.MethodGet, "/notifications", &body); err != nil {
		return nil, err
	}
	return c.remember(body.Notifications, false), nil
}

// MarkRead подтверждает прочтение на сервере и обновляет локальное состояние.
func (c *Consumer) MarkRead(ctx context.Context, notificationID string) error {
	var body struct {
		Notification domain.Notification `json:"notification"`
	}
	if err := c.call(ctx, http.MethodPut, "/notifications/"+url.PathEscape(notificationID)+"/read", &body); err != nil {
		return err
	}

	c.mu.Lock()
	n, ok := c.known[notificationID]
	if ok {
		n.Read = true
	} else {
		n = body.Notification
	}
	c.known[notificationID] = n
	c.mu.Unlock()
	return nil
}

// Notifications возвращает известные уведомления, новые первыми.
func (c *Consumer) Notifications() []domain.Notification {
	c.mu.RLock()
	out := make([]domain.Notification, 0, len(c.known))
	for _, n := range c.known {
		out = append(out, n)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Unread — число непрочитанных среди известных уведомлений.
func (c *Consumer) Unread() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, n := range c.known {
		if !n.Read {
			count++
		}
	}
	return count
}

// remember добавляет неизвестные уведомления. Флаг Read сервера побеждает только в сторону true.
func (c *Consumer) remember(items []domain.Notification, live bool) []domain.Notification {
	fresh := make([]domain.Notification, 0, len(items))

	c.mu.Lock()
	for _, n := range items {
		if n.ID == "" {
			continue
		}
		if existing, ok := c.known[n.ID]; ok {
			if n.Read && !existing.Read {
				existing.Read = true
				c.known[n.ID] = existing
			}
			continue
		}
		c.known[n.ID] = n
		fresh = append(fresh, n)
	}
	c.mu.Unlock()

	if c.handler != nil {
		for i := len(fresh) - 1; i >= 0; i-- {
			c.handler(fresh[i], live)
		}
	}
	return fresh
}

func (c *Consumer) call(ctx context.Context, method, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		return &StatusError{Code: resp.StatusCode, Message: apiErr.Message}
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s %s: decode body: %w", method, path, err)
	}
	return nil
}

func (c *Consumer) channelURL() string {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http")
	return wsURL + "/ws?token=" + url.QueryEscape(c.token)
}

func (c *Consumer) backoff(attempt int) time.Duration {
	delay := c.minBackoff
	for i := 1; i < attempt; i++ {
		if delay >= c.maxBackoff/2 {
			return c.maxBackoff
		}
		delay *= 2
	}
	if delay > c.maxBackoff {
		return c.maxBackoff
	}
	return delay
}

// StatusError — ответ API с кодом 4xx/5xx.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("notification api: status %d", e.Code)
	}
	return fmt.Sprintf("notification api: status %d: %s", e.Code, e.Message)
}
