package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bingorelay/internal/config"
	"bingorelay/pkg/types"
)

// maxFrameSize caps a single inbound frame.
const maxFrameSize = 64 * 1024

// Wire-level error texts sent back to a misbehaving sender. The connection
// stays open in every case.
const (
	errRateLimited    = "Rate limit exceeded"
	errInvalidFrame   = "Invalid message format"
	errNotInSession   = "Invalid player or session"
	errSquareRequired = "Square ID required"
	errConfirmNotGM   = "Only GM can confirm squares"
	errRejectNotGM    = "Only GM can reject squares"
	errHandlerFailed  = "Failed to process message"
)

// SessionValidator is the slice of the authority cache the dispatcher needs.
// ValidateSession surfaces authority failures so admission can answer 500
// instead of 401; the mid-session checks fail closed.
type SessionValidator interface {
	ValidateSession(ctx context.Context, sessionID, playerID string) (bool, error)
	ValidatePlayer(ctx context.Context, sessionID, playerID string) bool
	IsGameMaster(ctx context.Context, sessionID, playerID string) bool
}

// Handler accepts upgrade requests, walks each connection through
// admission, and routes its inbound frames until it closes.
type Handler struct {
	cfg       *config.Config
	table     *Table
	validator SessionValidator
	limiter   *RateLimiter
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

// NewHandler wires a dispatcher. Origin policy is enforced before the
// upgrade, so the upgrader itself accepts everything.
func NewHandler(cfg *config.Config, table *Table, validator SessionValidator, limiter *RateLimiter, logger zerolog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		table:     table,
		validator: validator,
		limiter:   limiter,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		log: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// ServeHTTP runs the admission sequence: protocol check, origin gate,
// identity extraction, authority validation, upgrade, registration.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "WebSocket upgrade required", http.StatusBadRequest)
		return
	}

	origin := r.Header.Get("Origin")
	if !h.cfg.OriginAllowed(origin) {
		h.log.Warn().Str("origin", origin).Msg("origin rejected")
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	playerID := r.URL.Query().Get("playerId")
	if sessionID == "" || playerID == "" {
		http.Error(w, "Missing sessionId or playerId parameters", http.StatusBadRequest)
		return
	}

	ip := ClientIP(r)

	ok, err := h.validator.ValidateSession(r.Context(), sessionID, playerID)
	if err != nil {
		h.log.Error().Err(err).Str("session", sessionID).Msg("session validation failed")
		http.Error(w, "Session validation failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		h.log.Warn().Str("session", sessionID).Str("player", playerID).Msg("session validation rejected")
		http.Error(w, "Invalid session or player", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	h.accept(ws, sessionID, playerID, ip)
}

// accept registers an upgraded connection and starts its read loop.
func (h *Handler) accept(ws *websocket.Conn, sessionID, playerID, ip string) {
	conn := NewConn(ws, sessionID, playerID, ip, h.log)

	if !h.table.Add(conn) {
		conn.CloseWithCode(websocket.ClosePolicyViolation, "Too many connections")
		return
	}

	// The new player already knows they joined; confirm to them directly
	// and announce to everyone else.
	if err := conn.Send(types.NewMessage(types.MessageTypeConnect, sessionID, playerID)); err != nil {
		h.log.Warn().Err(err).Msg("connect confirmation failed")
	}
	if joined, err := types.NewMessage(types.MessageTypePlayerJoined, sessionID, playerID).
		WithData(types.PlayerPresence{PlayerID: playerID}); err == nil {
		h.table.BroadcastToSession(sessionID, joined, playerID)
	}

	conn.MarkAlive()
	ws.SetReadLimit(maxFrameSize)
	ws.SetPongHandler(func(string) error {
		h.table.MarkAlive(conn)
		return nil
	})

	go h.readLoop(conn, ws)
}

// readLoop consumes frames until the transport closes, then removes the
// connection and tells the remainder of the session.
func (h *Handler) readLoop(conn *Conn, ws *websocket.Conn) {
	defer func() {
		h.table.Remove(conn)
		conn.Close()

		if left, err := types.NewMessage(types.MessageTypePlayerLeft, conn.SessionID(), conn.PlayerID()).
			WithData(types.PlayerPresence{PlayerID: conn.PlayerID()}); err == nil {
			h.table.BroadcastToSession(conn.SessionID(), left, "")
		}
		conn.log.Info().Msg("connection closed")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				conn.log.Warn().Err(err).Msg("read failed")
			}
			return
		}
		h.handleFrame(conn, data)
	}
}

// handleFrame applies the rate limiter, parses the envelope, and dispatches
// by kind. Failures answer the sender only; they never close the
// connection or escape the frame.
func (h *Handler) handleFrame(conn *Conn, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			conn.log.Error().Interface("panic", r).Msg("message handler panicked")
			h.sendError(conn, errHandlerFailed)
		}
	}()

	if !h.limiter.Allow(conn.IP()) {
		h.sendError(conn, errRateLimited)
		return
	}

	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(conn, errInvalidFrame)
		return
	}

	var err error
	switch msg.Type {
	case types.MessageTypeHeartbeat:
		err = h.handleHeartbeat(conn)
	case types.MessageTypePlayerUpdated:
		err = h.handlePlayerUpdate(conn, &msg)
	case types.MessageTypeSquareClaimed:
		err = h.handleSquareClaim(conn, &msg)
	case types.MessageTypeSquareConfirmed:
		err = h.handleSquareConfirm(conn, &msg)
	case types.MessageTypeSquareRejected:
		err = h.handleSquareReject(conn, &msg)
	default:
		conn.log.Warn().Str("type", string(msg.Type)).Msg("unknown message type")
		return
	}

	if err != nil {
		var wire *wireError
		if errors.As(err, &wire) {
			h.sendError(conn, wire.text)
			return
		}
		conn.log.Error().Err(err).Str("type", string(msg.Type)).Msg("message handling failed")
		h.sendError(conn, errHandlerFailed)
	}
}

// handleHeartbeat marks the peer alive and echoes the heartbeat.
func (h *Handler) handleHeartbeat(conn *Conn) error {
	h.table.MarkAlive(conn)
	return conn.Send(types.NewMessage(types.MessageTypeHeartbeat, "", ""))
}

// handlePlayerUpdate rebroadcasts a state update after re-checking the
// sender's membership against the authority.
func (h *Handler) handlePlayerUpdate(conn *Conn, msg *types.Message) error {
	if !h.validator.ValidatePlayer(conn.Context(), conn.SessionID(), conn.PlayerID()) {
		return &wireError{text: errNotInSession}
	}

	out := types.NewMessage(types.MessageTypePlayerUpdated, conn.SessionID(), conn.PlayerID())
	out.Data = msg.Data
	h.table.BroadcastToSession(conn.SessionID(), out, "")
	return nil
}

// handleSquareClaim rebroadcasts a claim with a server-assigned timestamp.
func (h *Handler) handleSquareClaim(conn *Conn, msg *types.Message) error {
	var claim types.SquareClaim
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &claim); err != nil {
			return &wireError{text: errInvalidFrame}
		}
	}
	if claim.SquareID == "" {
		return &wireError{text: errSquareRequired}
	}

	out, err := types.NewMessage(types.MessageTypeSquareClaimed, conn.SessionID(), conn.PlayerID()).
		WithData(types.SquareClaimed{
			SquareID:  claim.SquareID,
			Evidence:  claim.Evidence,
			ClaimedAt: time.Now(),
		})
	if err != nil {
		return err
	}
	h.table.BroadcastToSession(conn.SessionID(), out, "")
	return nil
}

// handleSquareConfirm lets the game master confirm a claim, optionally
// announcing a completed pattern.
func (h *Handler) handleSquareConfirm(conn *Conn, msg *types.Message) error {
	if !h.validator.IsGameMaster(conn.Context(), conn.SessionID(), conn.PlayerID()) {
		return &wireError{text: errConfirmNotGM}
	}

	var verdict types.SquareVerdict
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &verdict); err != nil {
			return &wireError{text: errInvalidFrame}
		}
	}

	now := time.Now()
	out, err := types.NewMessage(types.MessageTypeSquareConfirmed, conn.SessionID(), verdict.PlayerID).
		WithData(types.SquareConfirmed{
			SquareID:    verdict.SquareID,
			ConfirmedBy: conn.PlayerID(),
			ConfirmedAt: now,
		})
	if err != nil {
		return err
	}
	h.table.BroadcastToSession(conn.SessionID(), out, "")

	if verdict.PatternCompleted {
		completed, err := types.NewMessage(types.MessageTypePatternCompleted, conn.SessionID(), verdict.PlayerID).
			WithData(types.PatternCompleted{Pattern: verdict.Pattern, CompletedAt: now})
		if err != nil {
			return err
		}
		h.table.BroadcastToSession(conn.SessionID(), completed, "")
	}
	return nil
}

// handleSquareReject lets the game master reject a claim with a reason.
func (h *Handler) handleSquareReject(conn *Conn, msg *types.Message) error {
	if !h.validator.IsGameMaster(conn.Context(), conn.SessionID(), conn.PlayerID()) {
		return &wireError{text: errRejectNotGM}
	}

	var verdict types.SquareVerdict
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &verdict); err != nil {
			return &wireError{text: errInvalidFrame}
		}
	}

	out, err := types.NewMessage(types.MessageTypeSquareRejected, conn.SessionID(), verdict.PlayerID).
		WithData(types.SquareRejected{
			SquareID:   verdict.SquareID,
			Reason:     verdict.Reason,
			RejectedBy: conn.PlayerID(),
			RejectedAt: time.Now(),
		})
	if err != nil {
		return err
	}
	h.table.BroadcastToSession(conn.SessionID(), out, "")
	return nil
}

func (h *Handler) sendError(conn *Conn, text string) {
	if err := conn.Send(types.NewErrorMessage(text)); err != nil {
		conn.log.Debug().Err(err).Msg("error frame not delivered")
	}
}

// wireError carries a client-facing rejection text through the dispatch
// table.
type wireError struct {
	text string
}

func (e *wireError) Error() string { return e.text }

// ClientIP resolves the caller's address, preferring the proxy header over
// the transport-level one.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
