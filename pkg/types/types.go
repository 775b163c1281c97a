package types

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of a relay message. The set mirrors the
// game protocol spoken by the web client and the CRUD backend.
type MessageType string

const (
	// Connection lifecycle
	MessageTypeConnect    MessageType = "connect"
	MessageTypeDisconnect MessageType = "disconnect"
	MessageTypeHeartbeat  MessageType = "heartbeat"

	// Session lifecycle
	MessageTypeJoinSession    MessageType = "join_session"
	MessageTypeLeaveSession   MessageType = "leave_session"
	MessageTypeSessionUpdated MessageType = "session_updated"

	// Player presence
	MessageTypePlayerJoined  MessageType = "player_joined"
	MessageTypePlayerLeft    MessageType = "player_left"
	MessageTypePlayerUpdated MessageType = "player_updated"

	// Game flow
	MessageTypeCategoriesSelected MessageType = "categories_selected"
	MessageTypeCardsGenerated     MessageType = "cards_generated"
	MessageTypeGameStarted        MessageType = "game_started"
	MessageTypeGameEnded          MessageType = "game_ended"

	// Bingo events
	MessageTypeSquareClaimed    MessageType = "square_claimed"
	MessageTypeSquareConfirmed  MessageType = "square_confirmed"
	MessageTypeSquareRejected   MessageType = "square_rejected"
	MessageTypePatternCompleted MessageType = "pattern_completed"
	MessageTypeScoreUpdated     MessageType = "score_updated"

	// System
	MessageTypeError MessageType = "error"
)

// Message is the bidirectional JSON envelope carried over every relay
// connection and through the broadcast webhook. Data is kind-specific and
// left opaque until a handler decodes it.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	PlayerID  string          `json:"playerId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage builds an envelope stamped with the current time.
func NewMessage(kind MessageType, sessionID, playerID string) *Message {
	return &Message{
		Type:      kind,
		SessionID: sessionID,
		PlayerID:  playerID,
		Timestamp: time.Now(),
	}
}

// NewErrorMessage builds an error frame addressed to a single sender.
func NewErrorMessage(reason string) *Message {
	return &Message{
		Type:      MessageTypeError,
		Error:     reason,
		Timestamp: time.Now(),
	}
}

// WithData attaches a marshalled payload to the envelope.
func (m *Message) WithData(v interface{}) (*Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m.Data = data
	return m, nil
}

// Player is one roster entry of a session snapshot.
type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SessionSnapshot is the read-only membership copy fetched from the
// authority. It is replaced wholesale on refresh, never patched.
type SessionSnapshot struct {
	ID      string   `json:"id"`
	GMID    string   `json:"gmId"`
	Players []Player `json:"players"`
}

// HasPlayer reports whether the roster contains the given player id.
func (s *SessionSnapshot) HasPlayer(playerID string) bool {
	for _, p := range s.Players {
		if p.ID == playerID {
			return true
		}
	}
	return false
}

// SquareClaim is the inbound payload of a square_claimed message.
type SquareClaim struct {
	SquareID string          `json:"squareId"`
	Evidence json.RawMessage `json:"evidence,omitempty"`
}

// SquareClaimed is the rebroadcast payload, stamped server-side.
type SquareClaimed struct {
	SquareID  string          `json:"squareId"`
	Evidence  json.RawMessage `json:"evidence,omitempty"`
	ClaimedAt time.Time       `json:"claimedAt"`
}

// SquareVerdict is the inbound payload of square_confirmed and
// square_rejected messages sent by the game master. PlayerID names the
// player whose square is being judged.
type SquareVerdict struct {
	SquareID         string `json:"squareId"`
	PlayerID         string `json:"playerId"`
	Reason           string `json:"reason,omitempty"`
	PatternCompleted bool   `json:"patternCompleted,omitempty"`
	Pattern          string `json:"pattern,omitempty"`
}

// SquareConfirmed is the rebroadcast payload of a confirmed claim.
type SquareConfirmed struct {
	SquareID    string    `json:"squareId"`
	ConfirmedBy string    `json:"confirmedBy"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// SquareRejected is the rebroadcast payload of a rejected claim.
type SquareRejected struct {
	SquareID   string    `json:"squareId"`
	Reason     string    `json:"reason,omitempty"`
	RejectedBy string    `json:"rejectedBy"`
	RejectedAt time.Time `json:"rejectedAt"`
}

// PatternCompleted announces a finished bingo pattern.
type PatternCompleted struct {
	Pattern     string    `json:"pattern"`
	CompletedAt time.Time `json:"completedAt"`
}

// PlayerPresence is the payload of player_joined and player_left events.
type PlayerPresence struct {
	PlayerID string `json:"playerId"`
}
