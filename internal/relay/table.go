package relay

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bingorelay/pkg/types"
)

// Table owns every live connection. Three indexes — session set, player
// lookup, per-IP count — are always mutated together under one lock so they
// can never be observed half-updated.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]map[*Conn]struct{}
	byPlayer map[string]*Conn
	ipCounts map[string]int

	maxPerIP int
	log      zerolog.Logger
}

// NewTable creates an empty table enforcing the given per-IP connection cap.
func NewTable(maxPerIP int, logger zerolog.Logger) *Table {
	return &Table{
		sessions: make(map[string]map[*Conn]struct{}),
		byPlayer: make(map[string]*Conn),
		ipCounts: make(map[string]int),
		maxPerIP: maxPerIP,
		log:      logger.With().Str("component", "table").Logger(),
	}
}

// Add registers a connection. It returns false, mutating nothing, when the
// originating IP is at its cap. A prior connection for the same player is
// superseded in the player index but not closed here; its own close event
// removes it.
func (t *Table) Add(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ipCounts[c.ip] >= t.maxPerIP {
		t.log.Warn().Str("ip", c.ip).Msg("connection cap reached for ip")
		return false
	}

	// Re-registration guard: the same handle must never be counted twice.
	t.removeLocked(c)

	set := t.sessions[c.sessionID]
	if set == nil {
		set = make(map[*Conn]struct{})
		t.sessions[c.sessionID] = set
	}
	set[c] = struct{}{}
	t.byPlayer[c.playerID] = c
	t.ipCounts[c.ip]++

	t.log.Info().
		Str("session", c.sessionID).
		Str("player", c.playerID).
		Int("session_conns", len(set)).
		Msg("connection added")
	return true
}

// Remove deletes a connection from every index. Safe to call for
// connections that were never added or were superseded.
func (t *Table) Remove(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(c)
}

func (t *Table) removeLocked(c *Conn) {
	set, ok := t.sessions[c.sessionID]
	if !ok {
		return
	}
	if _, tracked := set[c]; !tracked {
		return
	}

	delete(set, c)
	if len(set) == 0 {
		delete(t.sessions, c.sessionID)
	}

	// A superseded connection must not evict its replacement.
	if t.byPlayer[c.playerID] == c {
		delete(t.byPlayer, c.playerID)
	}

	if n := t.ipCounts[c.ip]; n > 1 {
		t.ipCounts[c.ip] = n - 1
	} else {
		delete(t.ipCounts, c.ip)
	}

	t.log.Info().
		Str("session", c.sessionID).
		Str("player", c.playerID).
		Msg("connection removed")
}

// BroadcastToSession serializes once and fans the message out to every open
// connection in the session, skipping excludePlayerID when non-empty.
// Iteration happens over a copy so a concurrent Remove cannot corrupt it;
// closed connections are skipped, never removed here.
func (t *Table) BroadcastToSession(sessionID string, msg *types.Message, excludePlayerID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		t.log.Error().Err(err).Str("type", string(msg.Type)).Msg("broadcast marshal failed")
		return
	}

	t.mu.RLock()
	set := t.sessions[sessionID]
	targets := make([]*Conn, 0, len(set))
	for c := range set {
		if excludePlayerID != "" && c.playerID == excludePlayerID {
			continue
		}
		targets = append(targets, c)
	}
	total := len(set)
	t.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.Closed() {
			continue
		}
		if err := c.SendRaw(data); err == nil {
			sent++
		}
	}

	t.log.Debug().
		Str("session", sessionID).
		Str("type", string(msg.Type)).
		Int("sent", sent).
		Int("total", total).
		Msg("broadcast")
}

// SendToPlayer delivers one message to a single player. False when the
// player has no open connection.
func (t *Table) SendToPlayer(playerID string, msg *types.Message) bool {
	t.mu.RLock()
	c := t.byPlayer[playerID]
	t.mu.RUnlock()

	if c == nil || c.Closed() {
		return false
	}
	return c.Send(msg) == nil
}

// SessionConnections returns the number of tracked connections in a session.
func (t *Table) SessionConnections(sessionID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions[sessionID])
}

// Sessions returns the ids of every session with at least one connection.
func (t *Table) Sessions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	return ids
}

// IPConnections returns the live connection count for one IP.
func (t *Table) IPConnections(ip string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ipCounts[ip]
}

// DisconnectSession closes every connection in a session with a normal
// closure. Table entries are not removed here; each connection's close
// event triggers Remove.
func (t *Table) DisconnectSession(sessionID string) {
	t.mu.RLock()
	set := t.sessions[sessionID]
	targets := make([]*Conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	t.mu.RUnlock()

	for _, c := range targets {
		c.CloseWithCode(websocket.CloseNormalClosure, "Session ended")
	}
}

// MarkAlive records a liveness signal for a connection.
func (t *Table) MarkAlive(c *Conn) {
	c.MarkAlive()
}

// CheckHeartbeats runs one sweep of the two-tick dead-peer detector: a
// connection that failed to answer the previous probe is terminated, every
// other one has its flag cleared and a new probe sent. Probes are
// fire-and-forget; replies arrive asynchronously via MarkAlive.
func (t *Table) CheckHeartbeats() {
	t.mu.RLock()
	conns := make([]*Conn, 0, len(t.byPlayer))
	for _, set := range t.sessions {
		for c := range set {
			conns = append(conns, c)
		}
	}
	t.mu.RUnlock()

	for _, c := range conns {
		if !c.Alive(true) {
			t.log.Info().
				Str("session", c.sessionID).
				Str("player", c.playerID).
				Msg("terminating unresponsive connection")
			c.Terminate()
			continue
		}
		if err := c.Ping(); err != nil {
			c.log.Debug().Err(err).Msg("ping failed")
		}
	}
}
