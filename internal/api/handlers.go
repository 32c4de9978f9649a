package api

import (
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/automail/engine/internal/database"
	"github.com/automail/engine/internal/engine"
	"github.com/automail/engine/internal/ratelimit"
	"github.com/automail/engine/internal/websocket"
	ws "github.com/gorilla/websocket"
)

// Server holds all HTTP handlers and dependencies
type Server struct {
	db          *database.DB
	engine      *engine.Engine
	secret      string
	rateLimiter *ratelimit.RateLimiter
	wsManager   *websocket.Manager
	metrics     http.Handler
	upgrader    ws.Upgrader
}

// NewServer creates a new API server. metricsHandler serves the Prometheus
// exposition endpoint and may be nil.
func NewServer(db *database.DB, eng *engine.Engine, secret string, wsManager *websocket.Manager, metricsHandler http.Handler) *Server {
	return &Server{
		db:          db,
		engine:      eng,
		secret:      secret,
		rateLimiter: ratelimit.New(10), // 10 trigger calls per minute per caller
		wsManager:   wsManager,
		metrics:     metricsHandler,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ProcessJobs is the cron-facing trigger: authorize, run one dispatch batch,
// return the run summary. Idempotent to call repeatedly.
func (s *Server) ProcessJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !s.authorized(r) {
		log.Printf("[AUTH] rejected trigger call from %s", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !s.rateLimiter.Allow(callerID(r)) {
		log.Printf("[RATE_LIMIT] caller %s exceeded trigger rate", r.RemoteAddr)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	summary, err := s.engine.ProcessJobs(r.Context())
	if err != nil {
		log.Printf("[ERROR] dispatch run failed: %v", err)
		writeError(w, http.StatusInternalServerError, "job processing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"processed_jobs": summary.ProcessedJobs,
		"message":        fmt.Sprintf("processed %d jobs (%d failed)", summary.ProcessedJobs, summary.FailedJobs),
	})
}

// Status reports the last persisted run and current queue counts.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	queueMetrics, err := s.db.GetQueueMetrics()
	if err != nil {
		log.Printf("[ERROR] failed to read queue metrics: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch status")
		return
	}

	lastRun, err := s.engine.LastRun()
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		log.Printf("[ERROR] failed to read run history: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue":    queueMetrics,
		"last_run": lastRun, // null until the engine has run once
	})
}

// GetMetrics returns queue counts as JSON
func (s *Server) GetMetrics(w http.ResponseWriter, r *http.Request) {
	queueMetrics, err := s.db.GetQueueMetrics()
	if err != nil {
		log.Printf("[ERROR] failed to read queue metrics: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch metrics")
		return
	}
	writeJSON(w, http.StatusOK, queueMetrics)
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ERROR] websocket upgrade failed: %v", err)
		return
	}

	s.wsManager.AddClient(conn)
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/automation-engine/process-jobs", s.ProcessJobs)
	mux.HandleFunc("/automation-engine/status", s.Status)
	mux.HandleFunc("/api/metrics", s.GetMetrics)
	mux.HandleFunc("/ws", s.HandleWebSocket)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
}

// authorized checks the shared-secret bearer token with a constant-time
// comparison. An unconfigured secret rejects everything.
func (s *Server) authorized(r *http.Request) bool {
	if s.secret == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) == 1
}

func callerID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
