// Package server owns the HTTP surface: the WebSocket upgrade endpoint,
// the health trio, metrics, and graceful drain on shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/synckit-io/hub/internal/awareness"
	"github.com/synckit-io/hub/internal/config"
	"github.com/synckit-io/hub/internal/hub"
	"github.com/synckit-io/hub/internal/metrics"
	"github.com/synckit-io/hub/internal/pubsub"
	"github.com/synckit-io/hub/internal/security"
	"github.com/synckit-io/hub/internal/storage"
)

// Version is the hub release, stamped at build time via -ldflags.
var Version = "dev"

// ErrDrainIncomplete reports that connections were still open when the
// drain deadline expired.
var ErrDrainIncomplete = errors.New("drain deadline exceeded with connections still open")

// Deps are the server's collaborators, wired by main.
type Deps struct {
	Config         *config.Config
	Storage        storage.Adapter
	Awareness      awareness.Store
	Bus            pubsub.Bus
	Manager        *hub.Manager
	Coordinator    *hub.Coordinator
	Logger         zerolog.Logger
	Recorder       metrics.Recorder
	MetricsHandler http.Handler
}

// Server runs the HTTP listener and hands upgraded sockets to the hub.
type Server struct {
	cfg        *config.Config
	storage    storage.Adapter
	awareness  awareness.Store
	bus        pubsub.Bus
	manager    *hub.Manager
	coord      *hub.Coordinator
	logger     zerolog.Logger
	rec        metrics.Recorder
	metricsH   http.Handler
	msgLimiter *security.MessageLimiter
	ipLimiter  *security.IPLimiter

	httpServer *http.Server
	startedAt  time.Time
	draining   atomic.Bool

	upgrader websocket.Upgrader
}

// New assembles the server. It does not start listening.
func New(deps Deps) *Server {
	s := &Server{
		cfg:        deps.Config,
		storage:    deps.Storage,
		awareness:  deps.Awareness,
		bus:        deps.Bus,
		manager:    deps.Manager,
		coord:      deps.Coordinator,
		logger:     deps.Logger.With().Str("component", "server").Logger(),
		rec:        deps.Recorder,
		metricsH:   deps.MetricsHandler,
		msgLimiter: security.NewMessageLimiter(deps.Config.MessagesPerSecond, deps.Config.MessageBurst),
		ipLimiter:  security.NewIPLimiter(deps.Config.ConnectionsPerIP),
		startedAt:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLive)
	mux.HandleFunc("/health/ready", s.handleReady)
	if s.metricsH != nil {
		mux.Handle("/metrics", s.metricsH)
	}

	s.httpServer = &http.Server{
		Addr:        deps.Config.Addr(),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start listens until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains gracefully: stop accepting, tell every connection the
// server is going away, then wait up to the drain deadline for them to
// finish. Returns ErrDrainIncomplete when connections outlive the
// deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.logger.Info().Int("connections", s.manager.Count()).Msg("draining")

	s.manager.CloseAll(websocket.CloseGoingAway, hub.ReasonServerShutdown)

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainDeadline)
	defer cancel()
	drained := s.waitDrained(drainCtx)

	httpCtx, cancelHTTP := context.WithTimeout(ctx, 5*time.Second)
	defer cancelHTTP()
	if err := s.httpServer.Shutdown(httpCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown")
	}

	if !drained {
		s.logger.Warn().Int("connections", s.manager.Count()).Msg("drain deadline exceeded")
		return ErrDrainIncomplete
	}
	s.logger.Info().Msg("drained")
	return nil
}

func (s *Server) waitDrained(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.manager.Count() == 0 {
			return true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return s.manager.Count() == 0
		}
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "SyncKit Hub",
		"version": Version,
		"endpoints": map[string]string{
			"ws":      "/ws",
			"health":  "/health",
			"metrics": "/metrics",
		},
	})
}

// handleWebSocket admits one client: connection caps and per-IP limits
// are enforced before the upgrade so rejected clients cost no socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.cfg.MaxConnections > 0 && s.manager.Count() >= s.cfg.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !s.ipLimiter.Acquire(ip) {
		http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.ipLimiter.Release(ip)
		s.logger.Debug().Err(err).Str("ip", ip).Msg("upgrade failed")
		return
	}

	conn := hub.NewConnection(uuid.NewString(), sock, hub.Options{
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		HeartbeatTimeout:  s.cfg.HeartbeatTimeout,
		AuthTimeout:       s.cfg.AuthTimeout,
		SendTimeout:       s.cfg.SendTimeout,
		SendQueueSize:     s.cfg.SendQueueSize,
		MaxFrameBytes:     s.cfg.MaxFrameBytes,
	}, s.logger, s.rec)
	conn.SetPeer(r.RemoteAddr, r.UserAgent())

	if err := s.manager.Register(conn); err != nil {
		conn.Close(websocket.CloseTryAgainLater, "connection limit reached")
		s.ipLimiter.Release(ip)
		return
	}

	go conn.WritePump()
	go conn.RunHeartbeat()
	go conn.RunAuthWatchdog()
	go func() {
		defer func() {
			s.msgLimiter.Forget(conn.ID())
			s.ipLimiter.Release(ip)
		}()
		conn.ReadPump(context.Background(), s.coord, s.msgLimiter)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documents, err := s.storage.CountDocuments(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("document count failed")
		documents = -1
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"stats": map[string]any{
			"connections": s.manager.Count(),
			"documents":   documents,
			"memoryUsage": processRSS(),
		},
		"sync": map[string]any{
			"batchSize":    s.cfg.SyncBatchSize,
			"batchDelayMs": s.cfg.SyncBatchDelay.Milliseconds(),
		},
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleReady reports 200 only when every backing service is healthy
// and the server is not draining.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	if err := s.storage.HealthCheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "storage unavailable"})
		return
	}
	if s.bus.IsConnected() {
		if err := s.bus.HealthCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "pubsub unavailable"})
			return
		}
	}
	if err := s.awareness.HealthCheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "awareness unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// processRSS returns the hub's resident set size in bytes, or 0 when
// the platform will not say.
func processRSS() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}
