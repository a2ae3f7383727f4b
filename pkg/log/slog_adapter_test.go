package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func logOne(t *testing.T, event Event) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	NewSlogAdapter(slog.New(handler)).Log(event)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestSlogAdapterLogsFrameEvent(t *testing.T) {
	entry := logOne(t, Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-123",
		Direction:    DirectionIn,
		Layer:        LayerWire,
		Category:     CategoryMessage,
		PeerID:       "0a0b",
		Epoch:        3,
		Frame:        &FrameEvent{Size: 256, Kind: "DATA", Sequence: 5, FragmentIndex: 1, FragmentCount: 2},
	})

	want := map[string]any{
		"conn_id":    "conn-123",
		"direction":  "IN",
		"layer":      "WIRE",
		"peer":       "0a0b",
		"epoch":      float64(3),
		"frame_size": float64(256),
		"kind":       "DATA",
		"seq":        float64(5),
		"frag_count": float64(2),
		"level":      "DEBUG",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s: got %v, want %v", k, entry[k], v)
		}
	}
}

func TestSlogAdapterSecurityEventIsWarn(t *testing.T) {
	entry := logOne(t, Event{
		Layer:    LayerSecurity,
		Category: CategorySecurity,
		Security: &SecurityEvent{Reason: "bad_tag", Sequence: 9},
	})
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if entry["reason"] != "bad_tag" {
		t.Errorf("reason = %v", entry["reason"])
	}
}

func TestSlogAdapterRotationAndState(t *testing.T) {
	entry := logOne(t, Event{Rotation: &RotationEvent{Phase: RotationActivated, FromEpoch: 1, ToEpoch: 2}})
	if entry["phase"] != "ACTIVATED" || entry["to_epoch"] != float64(2) {
		t.Errorf("rotation entry = %v", entry)
	}

	entry = logOne(t, Event{StateChange: &StateChangeEvent{Entity: StateEntityClient, OldState: "A", NewState: "B", Reason: "why"}})
	if entry["new_state"] != "B" || entry["reason"] != "why" || entry["entity"] != "CLIENT" {
		t.Errorf("state entry = %v", entry)
	}

	entry = logOne(t, Event{Handshake: &HandshakeEvent{Cipher: "CHACHA20-POLY1305", Reply: true}})
	if entry["cipher"] != "CHACHA20-POLY1305" || entry["reply"] != true {
		t.Errorf("handshake entry = %v", entry)
	}
}
