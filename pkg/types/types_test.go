package types

import (
	"encoding/json"
	"testing"
)

func TestSessionSnapshot_HasPlayer(t *testing.T) {
	snap := &SessionSnapshot{
		ID:      "s1",
		GMID:    "p1",
		Players: []Player{{ID: "p1", Name: "Rell"}, {ID: "p2", Name: "Teemo"}},
	}

	if !snap.HasPlayer("p2") {
		t.Error("roster member should be found")
	}
	if snap.HasPlayer("p3") {
		t.Error("non-member should not be found")
	}

	empty := &SessionSnapshot{ID: "s2"}
	if empty.HasPlayer("p1") {
		t.Error("empty roster has no players")
	}
}

func TestMessage_WithData(t *testing.T) {
	msg, err := NewMessage(MessageTypeSquareClaimed, "s1", "p1").
		WithData(SquareClaim{SquareID: "sq-1"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Timestamp.IsZero() {
		t.Error("envelope must be timestamped")
	}

	var claim SquareClaim
	if err := json.Unmarshal(msg.Data, &claim); err != nil {
		t.Fatal(err)
	}
	if claim.SquareID != "sq-1" {
		t.Errorf("payload round-trip lost square id: %q", claim.SquareID)
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg := NewErrorMessage("Rate limit exceeded")
	if msg.Type != MessageTypeError || msg.Error != "Rate limit exceeded" {
		t.Errorf("unexpected error frame %+v", msg)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	// Empty identity fields stay off the wire.
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["sessionId"]; ok {
		t.Error("error frame should omit empty sessionId")
	}
}
