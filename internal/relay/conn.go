package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bingorelay/pkg/types"
)

const (
	// writeWait bounds a single frame write to a slow peer.
	writeWait = 5 * time.Second

	// sendBuffer is the per-connection outbound queue. A peer that falls
	// this far behind starts losing frames; the heartbeat sweep reaps it
	// if it is actually dead.
	sendBuffer = 100
)

// Transport is the minimal surface of a WebSocket connection the relay
// needs: an opaque send/close capability. *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live duplex channel to exactly one client, owned by the Table
// from registration until closure. Identity is fixed at creation; the alive
// flag belongs to the heartbeat sweep.
type Conn struct {
	id        string
	transport Transport
	sessionID string
	playerID  string
	ip        string

	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu    sync.Mutex
	alive bool

	log zerolog.Logger
}

// NewConn wraps an upgraded transport. The single writer goroutine starts
// immediately so frames never interleave.
func NewConn(transport Transport, sessionID, playerID, ip string, logger zerolog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:        uuid.New().String(),
		transport: transport,
		sessionID: sessionID,
		playerID:  playerID,
		ip:        ip,
		writeCh:   make(chan []byte, sendBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.log = logger.With().
		Str("conn", c.id).
		Str("session", sessionID).
		Str("player", playerID).
		Logger()

	go c.writeLoop()
	return c
}

func (c *Conn) ID() string               { return c.id }
func (c *Conn) SessionID() string        { return c.sessionID }
func (c *Conn) PlayerID() string         { return c.playerID }
func (c *Conn) IP() string               { return c.ip }
func (c *Conn) Context() context.Context { return c.ctx }

// Closed reports whether the connection has left the open state.
func (c *Conn) Closed() bool {
	return c.ctx.Err() != nil
}

// MarkAlive records that the peer responded since the last sweep.
func (c *Conn) MarkAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// Alive reads and optionally clears the liveness flag; the sweep calls it
// with clear=true so a peer must answer again before the next pass.
func (c *Conn) Alive(clear bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	alive := c.alive
	if clear {
		c.alive = false
	}
	return alive
}

// writeLoop is the only goroutine that touches the transport for data
// frames. Write failures end the loop; the read side observes the broken
// transport and drives cleanup.
func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.transport.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.transport.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send marshals and queues one message. A full queue drops the frame rather
// than stall the caller; per-connection order is preserved for everything
// that is queued.
func (c *Conn) Send(msg *types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw queues a pre-serialized frame.
func (c *Conn) SendRaw(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
		c.log.Warn().Msg("send buffer full, dropping frame")
		return ErrSendBufferFull
	}
}

// Ping emits a liveness probe. Control frames bypass the write queue.
func (c *Conn) Ping() error {
	return c.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// CloseWithCode performs a graceful closure: close frame first, then the
// transport.
func (c *Conn) CloseWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		c.log.Debug().Err(err).Msg("close frame failed")
	}
	c.Close()
}

// Close tears the connection down. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.transport.Close(); err != nil {
			c.log.Debug().Err(err).Msg("transport close failed")
		}
	})
}

// Terminate force-closes a dead peer, bypassing the graceful handshake.
func (c *Conn) Terminate() {
	c.Close()
}
