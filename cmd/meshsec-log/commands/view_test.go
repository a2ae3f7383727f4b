package commands

import (
	"bytes"
	"strings"
	"testing"

	"github.com/meshsec/meshsec-go/pkg/log"
)

func TestFormatFrameEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sampleEvents()[2])
	output := buf.String()

	for _, want := range []string{
		"2026-03-02T09:00:02.000000Z",
		"[conn:aaaa1111]",
		"IN ",
		"TRANSPORT Frame DATA",
		"Peer: 0a0b0c0d",
		"Epoch: 1",
		"Size: 180 bytes",
		"Data: 0102",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestFormatHandshakeEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sampleEvents()[1])
	output := buf.String()

	if !strings.Contains(output, "SESSION Handshake") {
		t.Errorf("expected handshake label, got: %s", output)
	}
	if !strings.Contains(output, "Cipher: CHACHA20-POLY1305") {
		t.Errorf("expected cipher, got: %s", output)
	}
	if !strings.Contains(output, "Options: hmac") {
		t.Errorf("expected options, got: %s", output)
	}
}

func TestFormatStateAndSecurityEvents(t *testing.T) {
	events := sampleEvents()

	var buf bytes.Buffer
	formatEvent(&buf, events[0])
	if out := buf.String(); !strings.Contains(out, "-> CONNECTED") || !strings.Contains(out, "(10.0.0.2:4433)") {
		t.Errorf("unexpected state output: %s", out)
	}

	buf.Reset()
	formatEvent(&buf, events[3])
	if out := buf.String(); !strings.Contains(out, "Rotation ACTIVATED") || !strings.Contains(out, "Epoch 1 -> 2") {
		t.Errorf("unexpected rotation output: %s", out)
	}

	buf.Reset()
	formatEvent(&buf, events[4])
	if out := buf.String(); !strings.Contains(out, "Rejected") || !strings.Contains(out, "Reason: replay") {
		t.Errorf("unexpected security output: %s", out)
	}

	buf.Reset()
	formatEvent(&buf, events[5])
	if out := buf.String(); !strings.Contains(out, "Message: truncated packet") || !strings.Contains(out, "Context: decode packet") {
		t.Errorf("unexpected error output: %s", out)
	}
}

func TestParseFlags(t *testing.T) {
	if l, err := ParseLayerFlag("security"); err != nil || l != log.LayerSecurity {
		t.Errorf("ParseLayerFlag(security) = %v, %v", l, err)
	}
	if _, err := ParseLayerFlag("service"); err == nil {
		t.Error("expected error for unknown layer")
	}
	if d, err := ParseDirectionFlag("OUT"); err != nil || d != log.DirectionOut {
		t.Errorf("ParseDirectionFlag(OUT) = %v, %v", d, err)
	}
	if _, err := ParseDirectionFlag("sideways"); err == nil {
		t.Error("expected error for unknown direction")
	}
	if c, err := ParseCategoryFlag("Handshake"); err != nil || c != log.CategoryHandshake {
		t.Errorf("ParseCategoryFlag(Handshake) = %v, %v", c, err)
	}
	if _, err := ParseCategoryFlag("snapshot"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestRunViewFilters(t *testing.T) {
	path := writeLog(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{}, &buf); err != nil {
		t.Fatalf("RunView: %v", err)
	}
	if got := strings.Count(buf.String(), "[conn:"); got != 6 {
		t.Errorf("expected 6 events, got %d", got)
	}

	layer := log.LayerSecurity
	buf.Reset()
	if err := RunView(path, ViewFilter{Layer: &layer}, &buf); err != nil {
		t.Fatalf("RunView: %v", err)
	}
	if got := strings.Count(buf.String(), "[conn:"); got != 1 {
		t.Errorf("expected 1 security event, got %d", got)
	}

	buf.Reset()
	if err := RunView(path, ViewFilter{PeerID: testPeerB}, &buf); err != nil {
		t.Fatalf("RunView: %v", err)
	}
	if !strings.Contains(buf.String(), "[conn:bbbb1111]") || strings.Contains(buf.String(), "[conn:aaaa1111]") {
		t.Errorf("peer filter mismatch: %s", buf.String())
	}
}

func TestRunViewMissingFile(t *testing.T) {
	var buf bytes.Buffer
	if err := RunView("/nonexistent/capture.mlog", ViewFilter{}, &buf); err == nil {
		t.Fatal("expected error for missing file")
	}
}
