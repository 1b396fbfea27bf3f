package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/transport/httpapi"
)

func TestServices_OrderFlowThroughAPI(t *testing.T) {
	logger := log.WithField("test", "wiring")
	cfg := DefaultConfig()
	cfg.JWTSecret = "secret"
	cfg.CatalogSeedPath = writeSeed(t)

	deps, err := initRuntimeDependencies(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("init dependencies: %v", err)
	}
	registry := prometheus.NewRegistry()
	svc, err := buildServices(cfg, deps, registry, logger)
	if err != nil {
		t.Fatalf("build services: %v", err)
	}
	handler, err := newAPIHandler(cfg, deps, svc, registry, logger)
	if err != nil {
		t.Fatalf("build api: %v", err)
	}

	srv := httptest.NewServer(handler)
	defer srv.Close()

	auth, err := httpapi.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	customerToken, _ := auth.IssueToken("cust-1", "customer", time.Minute)
	shopToken, _ := auth.IssueToken("shop-1", "shopkeeper", time.Minute)

	body := `{"items":[{"productId":"p-rice","quantity":2},{"productId":"p-oil","quantity":2}],"shopkeeperId":"shop-1"}`
	status, raw := call(t, srv.URL, http.MethodPost, "/orders", customerToken, body)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", status, raw)
	}
	var created struct {
		Order struct {
			ID    string      `json:"id"`
			Total json.Number `json:"total"`
		} `json:"order"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if created.Order.Total != "500" {
		t.Fatalf("expected total 500, got %s", created.Order.Total)
	}

	status, raw = call(t, srv.URL, http.MethodPut, "/orders/"+created.Order.ID, shopToken, `{"status":"Confirmed"}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, raw)
	}

	status, raw = call(t, srv.URL, http.MethodGet, "/notifications/unread-count", customerToken, "")
	if status != http.StatusOK || !strings.Contains(string(raw), `"count":1`) {
		t.Fatalf("expected one unread notification, got %d: %s", status, raw)
	}

	pending, err := deps.outboxRepo.PullPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("pull outbox: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected created and status_changed events, got %d", len(pending))
	}
}

func call(t *testing.T, base, method, path, token, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, base+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

func TestStartMetricsServer_Endpoints(t *testing.T) {
	logger := log.WithField("test", "http")
	port := findFreePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := initRuntimeDependencies(ctx, Config{StorageDriver: StorageDriverMemory}, logger)
	if err != nil {
		t.Fatalf("init dependencies: %v", err)
	}
	srv := startMetricsServer(ctx, fmt.Sprintf("127.0.0.1:%d", port), logger, newHealthHandler(deps, &services{}, false))
	defer shutdownHTTP(srv, logger)

	expect := map[string]int{
		"/metrics": http.StatusOK,
		"/healthz": http.StatusOK,
		"/livez":   http.StatusOK,
		"/readyz":  http.StatusOK,
	}
	for path, want := range expect {
		var resp *http.Response
		deadline := time.Now().Add(2 * time.Second)
		for {
			resp, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
			if err == nil || time.Now().After(deadline) {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s: expected %d, got %d", path, want, resp.StatusCode)
		}
	}
}

func TestShutdownHTTP_NilServer(_ *testing.T) {
	shutdownHTTP(nil, log.WithField("test", "shutdown"))
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.JWTSecret = "secret"

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "invalid-driver"
	cfg.JWTSecret = "secret"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}

	cfg = DefaultConfig()
	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected error without jwt secret")
	}
}

func findFreePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}
