package log

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

func TestEventCBORRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	code := 7
	events := []Event{
		{
			Timestamp: ts, ConnectionID: "c1", Direction: DirectionOut, Layer: LayerWire,
			Category: CategoryMessage, PeerID: "aabb", Epoch: 2,
			Frame: &FrameEvent{Size: 120, Kind: "DATA", Sequence: 9, MessageID: 4, FragmentIndex: 1, FragmentCount: 3},
		},
		{
			Timestamp: ts, ConnectionID: "c2", Layer: LayerWire, Category: CategoryHandshake,
			Handshake: &HandshakeEvent{Cipher: "AES-GCM", HMACEnabled: true, MaxMessageSize: 4096, Reply: true},
		},
		{
			Timestamp: ts, Layer: LayerSession, Category: CategoryControl, Epoch: 3,
			Rotation: &RotationEvent{Phase: RotationActivated, FromEpoch: 2, ToEpoch: 3},
		},
		{
			Timestamp: ts, Layer: LayerSecurity, Category: CategorySecurity,
			Security: &SecurityEvent{Reason: "replay", Sequence: 17},
		},
		{
			Timestamp: ts, Layer: LayerSession, Category: CategoryState,
			StateChange: &StateChangeEvent{Entity: StateEntityClient, OldState: "CONNECTED", NewState: "ESTABLISHED"},
		},
		{
			Timestamp: ts, Layer: LayerTransport, Category: CategoryError,
			Error: &ErrorEventData{Layer: LayerTransport, Message: "closed", Code: &code, Context: "send"},
		},
	}

	for _, want := range events {
		data, err := EncodeEvent(want)
		if err != nil {
			t.Fatalf("EncodeEvent: %v", err)
		}
		got, err := DecodeEvent(data)
		if err != nil {
			t.Fatalf("DecodeEvent: %v", err)
		}
		if !got.Timestamp.Equal(want.Timestamp) {
			t.Errorf("timestamp: got %v, want %v", got.Timestamp, want.Timestamp)
		}
		if got.Category != want.Category || got.Layer != want.Layer || got.Epoch != want.Epoch {
			t.Errorf("header mismatch: got %+v", got)
		}
		switch {
		case want.Frame != nil:
			if got.Frame == nil || !reflect.DeepEqual(*got.Frame, *want.Frame) {
				t.Errorf("frame: got %+v, want %+v", got.Frame, want.Frame)
			}
		case want.Handshake != nil:
			if got.Handshake == nil || *got.Handshake != *want.Handshake {
				t.Errorf("handshake: got %+v", got.Handshake)
			}
		case want.Rotation != nil:
			if got.Rotation == nil || *got.Rotation != *want.Rotation {
				t.Errorf("rotation: got %+v", got.Rotation)
			}
		case want.Security != nil:
			if got.Security == nil || *got.Security != *want.Security {
				t.Errorf("security: got %+v", got.Security)
			}
		case want.StateChange != nil:
			if got.StateChange == nil || *got.StateChange != *want.StateChange {
				t.Errorf("state: got %+v", got.StateChange)
			}
		case want.Error != nil:
			if got.Error == nil || got.Error.Message != "closed" || got.Error.Code == nil || *got.Error.Code != 7 {
				t.Errorf("error: got %+v", got.Error)
			}
		}
	}
}

func TestEventCBORUsesIntegerKeys(t *testing.T) {
	data, err := EncodeEvent(Event{ConnectionID: "x", PeerID: "p"})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	var raw map[any]any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for k := range raw {
		if _, ok := k.(uint64); !ok {
			t.Errorf("key %v (%T) is not an integer", k, k)
		}
	}
	if raw[uint64(6)] != "p" {
		t.Errorf("peer id key 6 = %v", raw[uint64(6)])
	}
}

func TestCapture(t *testing.T) {
	small := []byte{1, 2, 3}
	got, truncated := Capture(small)
	if truncated || !bytes.Equal(got, small) {
		t.Errorf("Capture(small) = %v, %v", got, truncated)
	}
	got[0] = 9
	if small[0] != 1 {
		t.Error("Capture aliases its input")
	}

	big := bytes.Repeat([]byte{0xAB}, MaxCapturedBytes+10)
	got, truncated = Capture(big)
	if !truncated || len(got) != MaxCapturedBytes {
		t.Errorf("Capture(big) len=%d truncated=%v", len(got), truncated)
	}
}
