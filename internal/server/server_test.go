package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/synckit-io/hub/internal/auth"
	"github.com/synckit-io/hub/internal/awareness"
	"github.com/synckit-io/hub/internal/config"
	"github.com/synckit-io/hub/internal/hub"
	"github.com/synckit-io/hub/internal/metrics"
	"github.com/synckit-io/hub/internal/pubsub"
	"github.com/synckit-io/hub/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store := storage.NewMemoryAdapter()
	if err := store.Connect(context.Background()); err != nil {
		t.Fatalf("storage.Connect() error = %v", err)
	}
	mgr := hub.NewManager(0, zerolog.Nop(), metrics.Nop{})
	cfg := &config.Config{
		Host:              "127.0.0.1",
		Port:              0,
		JWTSecret:         "server-test-secret-with-enough-characters",
		AuthRequired:      true,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		SendQueueSize:     16,
		MaxFrameBytes:     1 << 20,
		StorageProvider:   config.StorageMemory,
		AwarenessProvider: config.AwarenessMemory,
		AwarenessTTL:      30 * time.Second,
		DrainDeadline:     100 * time.Millisecond,
		SyncBatchSize:     100,
		SyncBatchDelay:    50 * time.Millisecond,
		MessagesPerSecond: 100,
		MessageBurst:      200,
		ConnectionsPerIP:  4,
	}
	aw := awareness.NewMemoryStore()
	bus := pubsub.NewNoopBus()
	coord := hub.NewCoordinator(hub.CoordinatorConfig{
		Storage:   store,
		Awareness: aw,
		Bus:       bus,
		Manager:   mgr,
		Provider:  auth.NewProvider(auth.ProviderConfig{Secret: cfg.JWTSecret, AuthRequired: true}),
		Logger:    zerolog.Nop(),
		Recorder:  metrics.Nop{},
		NodeID:    "node-test",
	})

	return New(Deps{
		Config:      cfg,
		Storage:     store,
		Awareness:   aw,
		Bus:         bus,
		Manager:     mgr,
		Coordinator: coord,
		Logger:      zerolog.Nop(),
		Recorder:    metrics.Nop{},
	})
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	s.handleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rr.Code)
	}
	var body struct {
		Status string `json:"status"`
		Stats  struct {
			Connections int `json:"connections"`
			Documents   int `json:"documents"`
		} `json:"stats"`
		Sync struct {
			BatchSize int `json:"batchSize"`
		} `json:"sync"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q, want healthy", body.Status)
	}
	if body.Stats.Connections != 0 || body.Stats.Documents != 0 {
		t.Errorf("stats = %+v, want zeros on a fresh hub", body.Stats)
	}
	if body.Sync.BatchSize != 100 {
		t.Errorf("sync.batchSize = %d, want 100", body.Sync.BatchSize)
	}
}

func TestServer_Liveness(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	s.handleLive(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("GET /health/live = %d, want 200", rr.Code)
	}
}

func TestServer_Readiness(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	s.handleReady(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /health/ready = %d, want 200", rr.Code)
	}

	// Storage loss flips readiness.
	s.storage.Disconnect(context.Background())
	rr = httptest.NewRecorder()
	s.handleReady(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /health/ready without storage = %d, want 503", rr.Code)
	}
}

func TestServer_ReadinessWhileDraining(t *testing.T) {
	s := newTestServer(t)
	s.draining.Store(true)

	rr := httptest.NewRecorder()
	s.handleReady(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /health/ready while draining = %d, want 503", rr.Code)
	}
}

func TestServer_UpgradeRejectedWhileDraining(t *testing.T) {
	s := newTestServer(t)
	s.draining.Store(true)

	rr := httptest.NewRecorder()
	s.handleWebSocket(rr, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /ws while draining = %d, want 503", rr.Code)
	}
}

func TestServer_UpgradeRejectedAtCapacity(t *testing.T) {
	s := newTestServer(t)
	s.cfg.MaxConnections = 1
	s.manager.Register(hub.NewConnection("c1", nil, hub.DefaultOptions(), zerolog.Nop(), metrics.Nop{}))

	rr := httptest.NewRecorder()
	s.handleWebSocket(rr, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /ws at capacity = %d, want 503", rr.Code)
	}
}

func TestServer_ShutdownDrains(t *testing.T) {
	s := newTestServer(t)
	s.manager.Register(hub.NewConnection("c1", nil, hub.DefaultOptions(), zerolog.Nop(), metrics.Nop{}))

	// Registered connections get closed and counted out; with a nil
	// socket Close completes synchronously but the connection stays in
	// the manager until unregistered, so the drain deadline expires.
	err := s.Shutdown(context.Background())
	if err != ErrDrainIncomplete {
		t.Errorf("Shutdown() error = %v, want ErrDrainIncomplete", err)
	}
	conn := s.manager.Connection("c1")
	if conn == nil {
		t.Fatal("connection vanished from the manager")
	}
	if conn.State() != hub.StateClosed {
		t.Errorf("connection state = %d, want Closed", conn.State())
	}
}

func TestServer_RootListing(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	s.handleRoot(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET / = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.handleRoot(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", rr.Code)
	}
}
