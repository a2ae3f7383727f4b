package commands

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/meshsec/meshsec-go/pkg/log"
)

const (
	testConnA = "aaaa1111-2222-3333-4444-555566667777"
	testConnB = "bbbb1111-2222-3333-4444-555566667777"
	testPeerA = "0a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20212223242526272829"
	testPeerB = "f0f1f2f3f4f5f6f7f8f9fafbfcfdfeff000102030405060708090a0b0c0d0e0f"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// sampleEvents is a short session: handshake, traffic, a rotation and a
// rejected replay on connection A, and a single error on connection B.
func sampleEvents() []log.Event {
	at := func(sec int) time.Time { return testStart.Add(time.Duration(sec) * time.Second) }
	return []log.Event{
		{
			Timestamp: at(0), ConnectionID: testConnA, PeerID: testPeerA, RemoteAddr: "10.0.0.2:4433",
			Layer: log.LayerSession, Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{Entity: log.StateEntityClient, NewState: "CONNECTED"},
		},
		{
			Timestamp: at(1), ConnectionID: testConnA, PeerID: testPeerA, Direction: log.DirectionOut,
			Layer: log.LayerSession, Category: log.CategoryHandshake,
			Handshake: &log.HandshakeEvent{Cipher: "CHACHA20-POLY1305", HMACEnabled: true, MaxMessageSize: 164, RotationInterval: 86400},
		},
		{
			Timestamp: at(2), ConnectionID: testConnA, PeerID: testPeerA, Direction: log.DirectionIn, Epoch: 1,
			Layer: log.LayerTransport, Category: log.CategoryMessage,
			Frame: &log.FrameEvent{Size: 180, Kind: "DATA", Sequence: 1, Data: []byte{0x01, 0x02}},
		},
		{
			Timestamp: at(3), ConnectionID: testConnA, PeerID: testPeerA, Epoch: 2,
			Layer: log.LayerSession, Category: log.CategoryControl,
			Rotation: &log.RotationEvent{Phase: log.RotationActivated, FromEpoch: 1, ToEpoch: 2},
		},
		{
			Timestamp: at(4), ConnectionID: testConnA, PeerID: testPeerA, Direction: log.DirectionIn, Epoch: 2,
			Layer: log.LayerSecurity, Category: log.CategorySecurity,
			Security: &log.SecurityEvent{Reason: "replay", Sequence: 1},
		},
		{
			Timestamp: at(10), ConnectionID: testConnB, PeerID: testPeerB,
			Layer: log.LayerWire, Category: log.CategoryError,
			Error: &log.ErrorEventData{Layer: log.LayerWire, Message: "truncated packet", Context: "decode packet"},
		},
	}
}

func writeLog(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.mlog")
	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func readLog(t *testing.T, path string) []log.Event {
	t.Helper()
	r, err := log.NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	var out []log.Event
	for {
		e, err := r.Next()
		if err != nil {
			return out
		}
		out = append(out, e)
	}
}
