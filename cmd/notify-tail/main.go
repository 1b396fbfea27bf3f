// notify-tail подключается к каналу уведомлений пользователя и печатает их в stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/client/notifyclient"
	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/transport/httpapi"
)

const (
	envAPIURL    = "LOCALSHOP_API_URL"
	envToken     = "LOCALSHOP_TOKEN"
	envUserID    = "LOCALSHOP_USER_ID"
	envJWTSecret = "LOCALSHOP_JWT_SECRET"
	envJWTIssuer = "LOCALSHOP_JWT_ISSUER"

	devTokenTTL      = 12 * time.Hour
	handshakeTimeout = 10 * time.Second
)

type config struct {
	baseURL   string
	token     string
	userID    string
	role      string
	jwtSecret string
	jwtIssuer string
	reconcile time.Duration
	markRead  bool
}

func main() {
	_ = godotenv.Load()
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		fail("%v", err)
	}
	token, err := resolveToken(cfg)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var consumer *notifyclient.Consumer
	handler := func(n domain.Notification, live bool) {
		printNotification(os.Stdout, n, live)
		if cfg.markRead && !n.Read && consumer != nil {
			if err := consumer.MarkRead(ctx, n.ID); err != nil {
				log.WithError(err).WithField("notification_id", n.ID).Warn("mark read failed")
			}
		}
	}

	consumer, err = notifyclient.New(cfg.baseURL, token, cfg.userID,
		notifyclient.WithLogger(log.WithField("component", "notify-tail")),
		notifyclient.WithReconcileInterval(cfg.reconcile),
		notifyclient.WithHandler(handler),
		notifyclient.WithDialer(&websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}),
	)
	if err != nil {
		fail("%v", err)
	}

	if err := consumer.Run(ctx); err != nil {
		stop()
		fail("notification channel closed: %v", err)
	}
	_, _ = fmt.Fprintf(os.Stderr, "unread: %d\n", consumer.Unread())
}

func parseConfig(args []string, lookup func(string) (string, bool)) (config, error) {
	fs := flag.NewFlagSet("notify-tail", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	cfg := config{}
	fs.StringVar(&cfg.baseURL, "url", "", "API base url, e.g. http://localhost:8080 (fallback: "+envAPIURL+")")
	fs.StringVar(&cfg.token, "token", "", "bearer token (fallback: "+envToken+")")
	fs.StringVar(&cfg.userID, "user", "", "user id to follow (fallback: "+envUserID+")")
	fs.StringVar(&cfg.role, "role", domain.RoleCustomer, "role for a locally issued token")
	fs.DurationVar(&cfg.reconcile, "reconcile", 30*time.Second, "backlog reconciliation period, 0 disables")
	fs.BoolVar(&cfg.markRead, "mark-read", false, "mark every received notification as read")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	fallback := func(value *string, key string) {
		if strings.TrimSpace(*value) != "" {
			return
		}
		if v, ok := lookup(key); ok {
			*value = strings.TrimSpace(v)
		}
	}
	fallback(&cfg.baseURL, envAPIURL)
	fallback(&cfg.token, envToken)
	fallback(&cfg.userID, envUserID)
	fallback(&cfg.jwtSecret, envJWTSecret)
	fallback(&cfg.jwtIssuer, envJWTIssuer)
	if cfg.baseURL == "" {
		cfg.baseURL = "http://localhost:8080"
	}
	if cfg.jwtIssuer == "" {
		cfg.jwtIssuer = "localshop"
	}

	var errs []error
	if cfg.userID == "" {
		errs = append(errs, fmt.Errorf("user id is required (-user or %s)", envUserID))
	}
	if cfg.token == "" && cfg.jwtSecret == "" {
		errs = append(errs, fmt.Errorf("token is required (-token, %s or %s)", envToken, envJWTSecret))
	}
	if cfg.role != domain.RoleCustomer && cfg.role != domain.RoleShopkeeper {
		errs = append(errs, fmt.Errorf("unknown role %q", cfg.role))
	}
	if cfg.reconcile < 0 {
		errs = append(errs, errors.New("reconcile must be >= 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// resolveToken возвращает заданный токен или выпускает локальный по общему секрету.
func resolveToken(cfg config) (string, error) {
	if cfg.token != "" {
		return cfg.token, nil
	}
	auth, err := httpapi.NewAuthenticator(cfg.jwtSecret, cfg.jwtIssuer)
	if err != nil {
		return "", err
	}
	return auth.IssueToken(cfg.userID, cfg.role, devTokenTTL)
}

func printNotification(w io.Writer, n domain.Notification, live bool) {
	source := "backlog"
	if live {
		source = "live"
	}
	state := "unread"
	if n.Read {
		state = "read"
	}

	line := fmt.Sprintf("%s [%s/%s] %s: %s", n.CreatedAt.Local().Format(time.DateTime), source, state, n.Title, n.Message)
	if len(n.Metadata) > 0 {
		keys := make([]string, 0, len(n.Metadata))
		for key := range n.Metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, key := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%v", key, n.Metadata[key]))
		}
		line += " (" + strings.Join(pairs, " ") + ")"
	}
	_, _ = fmt.Fprintln(w, line)
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
