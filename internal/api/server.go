// Package api exposes the relay's plain HTTP surface: health and debug
// probes plus the trusted webhooks the CRUD backend uses to reach connected
// clients without holding a connection itself.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"bingorelay/internal/config"
	"bingorelay/internal/relay"
	"bingorelay/pkg/types"
)

// Webhook guard: generous enough for a busy backend, a ceiling for a
// runaway one.
const (
	webhookRate  = rate.Limit(50)
	webhookBurst = 100
)

// ConnectionTable is the slice of the relay table the HTTP surface needs.
type ConnectionTable interface {
	Sessions() []string
	SessionConnections(sessionID string) int
	IPConnections(ip string) int
	BroadcastToSession(sessionID string, msg *types.Message, excludePlayerID string)
	DisconnectSession(sessionID string)
}

// SessionCache lets external callers invalidate validation state they know
// has changed.
type SessionCache interface {
	ClearSessionCache(sessionID string)
}

// Server routes the non-WebSocket endpoints.
type Server struct {
	cfg     *config.Config
	table   ConnectionTable
	cache   SessionCache
	limiter *rate.Limiter
	router  chi.Router
	log     zerolog.Logger
}

// NewServer wires routes and middleware.
func NewServer(cfg *config.Config, table ConnectionTable, cache SessionCache, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		table:   table,
		cache:   cache,
		limiter: rate.NewLimiter(webhookRate, webhookBurst),
		router:  chi.NewRouter(),
		log:     logger.With().Str("component", "api").Logger(),
	}

	s.router.Use(
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}),
	)

	s.router.Get("/health", s.health)
	s.router.Get("/debug/connection", s.debugConnection)
	s.router.Post("/webhook/broadcast", s.webhookBroadcast)
	s.router.Post("/webhook/session-ended", s.webhookSessionEnded)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type healthResponse struct {
	Status      string    `json:"status"`
	Connections int       `json:"connections"`
	Timestamp   time.Time `json:"timestamp"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Connections: len(s.table.Sessions()),
		Timestamp:   time.Now(),
	})
}

type debugResponse struct {
	Server    debugServer `json:"server"`
	Client    debugClient `json:"client"`
	Timestamp time.Time   `json:"timestamp"`
}

type debugServer struct {
	Port                int      `json:"port"`
	Environment         string   `json:"environment"`
	CorsOrigins         []string `json:"corsOrigins"`
	MaxConnectionsPerIP int      `json:"maxConnectionsPerIp"`
	RateLimitPerMinute  int      `json:"rateLimitPerMinute"`
}

type debugClient struct {
	IP                string `json:"ip"`
	UserAgent         string `json:"userAgent"`
	Origin            string `json:"origin,omitempty"`
	ConnectionAllowed bool   `json:"connectionAllowed"`
	IPConnectionCount int    `json:"ipConnectionCount"`
}

// debugConnection reports the effective config and how the relay sees the
// calling client, for operational diagnosis of rejected connections.
func (s *Server) debugConnection(w http.ResponseWriter, r *http.Request) {
	ip := relay.ClientIP(r)
	origin := r.Header.Get("Origin")

	s.writeJSON(w, http.StatusOK, debugResponse{
		Server: debugServer{
			Port:                s.cfg.Port,
			Environment:         s.cfg.Environment,
			CorsOrigins:         s.cfg.AllowedOrigins,
			MaxConnectionsPerIP: s.cfg.MaxConnectionsPerIP,
			RateLimitPerMinute:  s.cfg.RateLimitPerMinute,
		},
		Client: debugClient{
			IP:                ip,
			UserAgent:         r.UserAgent(),
			Origin:            origin,
			ConnectionAllowed: s.cfg.OriginAllowed(origin),
			IPConnectionCount: s.table.IPConnections(ip),
		},
		Timestamp: time.Now(),
	})
}

type broadcastRequest struct {
	SessionID string         `json:"sessionId"`
	Message   *types.Message `json:"message"`
}

// webhookBroadcast lets the CRUD backend fan out a state change it made on
// behalf of an ordinary request/response call.
func (s *Server) webhookBroadcast(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.Message == nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	s.log.Info().
		Str("session", req.SessionID).
		Str("type", string(req.Message.Type)).
		Msg("webhook broadcast")
	s.table.BroadcastToSession(req.SessionID, req.Message, "")
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type sessionEndedRequest struct {
	SessionID string `json:"sessionId"`
}

// webhookSessionEnded is called when a game ends: the session's validation
// cache is purged, the remaining players are told, and their connections
// are closed.
func (s *Server) webhookSessionEnded(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	var req sessionEndedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	s.log.Info().Str("session", req.SessionID).Msg("session ended")
	s.cache.ClearSessionCache(req.SessionID)
	s.table.BroadcastToSession(req.SessionID, types.NewMessage(types.MessageTypeGameEnded, req.SessionID, ""), "")
	s.table.DisconnectSession(req.SessionID)
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encoding failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
