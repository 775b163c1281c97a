package relay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bingorelay/pkg/types"
)

// fakeTransport records everything the relay writes to a peer.
type fakeTransport struct {
	mu         sync.Mutex
	frames     [][]byte
	pings      int
	closeCodes []int
	closed     bool
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.TextMessage {
		frame := make([]byte, len(data))
		copy(frame, data)
		f.frames = append(f.frames, frame)
	}
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch messageType {
	case websocket.PingMessage:
		f.pings++
	case websocket.CloseMessage:
		if len(data) >= 2 {
			f.closeCodes = append(f.closeCodes, int(data[0])<<8|int(data[1]))
		}
	}
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) frame(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[i]
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func newTestConn(sessionID, playerID, ip string) (*Conn, *fakeTransport) {
	ft := &fakeTransport{}
	return NewConn(ft, sessionID, playerID, ip, zerolog.Nop()), ft
}

// waitFrames blocks until the single-writer goroutine has flushed n frames.
func waitFrames(t *testing.T, ft *fakeTransport, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for ft.frameCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d frames, got %d", n, ft.frameCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConn_SendPreservesOrder(t *testing.T) {
	c, ft := newTestConn("s1", "p1", "1.2.3.4")
	defer c.Close()

	for i := 0; i < 5; i++ {
		msg := types.NewMessage(types.MessageTypeScoreUpdated, "s1", "p1")
		msg.Error = string(rune('a' + i))
		if err := c.Send(msg); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	waitFrames(t, ft, 5)

	for i := 0; i < 5; i++ {
		var got types.Message
		if err := json.Unmarshal(ft.frame(i), &got); err != nil {
			t.Fatalf("frame %d not valid JSON: %v", i, err)
		}
		if want := string(rune('a' + i)); got.Error != want {
			t.Errorf("frame %d out of order: got %q want %q", i, got.Error, want)
		}
	}
}

func TestConn_SendAfterCloseFails(t *testing.T) {
	c, ft := newTestConn("s1", "p1", "1.2.3.4")
	c.Close()

	if err := c.Send(types.NewMessage(types.MessageTypeHeartbeat, "", "")); err != ErrConnClosed {
		t.Errorf("expected ErrConnClosed, got %v", err)
	}
	if !ft.isClosed() {
		t.Error("transport should be closed")
	}
	if !c.Closed() {
		t.Error("Closed should report true")
	}

	// Idempotent.
	c.Close()
	c.Terminate()
}

func TestConn_AliveFlagCheckAndClear(t *testing.T) {
	c, _ := newTestConn("s1", "p1", "1.2.3.4")
	defer c.Close()

	if c.Alive(false) {
		t.Error("new connection should not be alive before admission marks it")
	}

	c.MarkAlive()
	if !c.Alive(true) {
		t.Error("expected alive after MarkAlive")
	}
	if c.Alive(false) {
		t.Error("flag should have been cleared by the previous read")
	}
}

func TestConn_CloseWithCodeSendsCloseFrame(t *testing.T) {
	c, ft := newTestConn("s1", "p1", "1.2.3.4")

	c.CloseWithCode(websocket.ClosePolicyViolation, "Too many connections")

	ft.mu.Lock()
	codes := append([]int(nil), ft.closeCodes...)
	ft.mu.Unlock()
	if len(codes) != 1 || codes[0] != websocket.ClosePolicyViolation {
		t.Errorf("expected close code %d, got %v", websocket.ClosePolicyViolation, codes)
	}
	if !ft.isClosed() {
		t.Error("transport should be closed after CloseWithCode")
	}
}
