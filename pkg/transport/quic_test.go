package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func newTestQUICLink(t *testing.T, listen bool) (*QUICLink, *recordingHandler) {
	t.Helper()
	cfg := QUICConfig{LocalID: testPeerID(t)}
	if listen {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	l, err := NewQUICLink(cfg)
	if err != nil {
		t.Fatalf("NewQUICLink: %v", err)
	}
	h := newRecordingHandler()
	l.SetHandler(h)
	t.Cleanup(func() { l.Close() })
	return l, h
}

func TestQUICLinkRequiresLocalID(t *testing.T) {
	if _, err := NewQUICLink(QUICConfig{}); err == nil {
		t.Fatal("expected error without local peer ID")
	}
}

func TestQUICLinkExchange(t *testing.T) {
	server, hs := newTestQUICLink(t, true)
	client, hc := newTestQUICLink(t, false)

	if client.Addr() != nil {
		t.Error("dial-only link reports a listen address")
	}
	if server.MTU() != DefaultQUICMTU {
		t.Errorf("MTU = %d, want %d", server.MTU(), DefaultQUICMTU)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	remote, err := client.Dial(ctx, server.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if remote != server.cfg.LocalID {
		t.Fatalf("Dial returned %s, want %s", remote.Short(), server.cfg.LocalID.Short())
	}
	hs.waitFor(t, func() bool { return len(hs.connected) == 1 })
	if hs.connected[0] != client.cfg.LocalID {
		t.Errorf("server saw %s connect", hs.connected[0].Short())
	}
	hc.waitFor(t, func() bool { return len(hc.connected) == 1 })

	// Small packets travel as datagrams, large ones over the stream.
	small := []byte("datagram")
	large := bytes.Repeat([]byte{0xAB}, 3*DefaultQUICMTU)
	if err := client.Send(remote, small); err != nil {
		t.Fatalf("Send small: %v", err)
	}
	if err := client.Send(remote, large); err != nil {
		t.Fatalf("Send large: %v", err)
	}
	hs.waitFor(t, func() bool { return len(hs.data) == 2 })
	var sawSmall, sawLarge bool
	for _, d := range hs.received() {
		sawSmall = sawSmall || bytes.Equal(d, small)
		sawLarge = sawLarge || bytes.Equal(d, large)
	}
	if !sawSmall || !sawLarge {
		t.Errorf("server received small=%v large=%v", sawSmall, sawLarge)
	}

	if err := server.Send(client.cfg.LocalID, []byte("reply")); err != nil {
		t.Fatalf("server Send: %v", err)
	}
	hc.waitFor(t, func() bool { return len(hc.data) == 1 })

	client.Disconnect(remote)
	hs.waitFor(t, func() bool { return len(hs.disconnected) == 1 })
	hc.waitFor(t, func() bool { return len(hc.disconnected) == 1 })
	if err := client.Send(remote, small); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Send after disconnect: got %v, want ErrUnknownPeer", err)
	}
}

func TestQUICLinkClose(t *testing.T) {
	l, _ := newTestQUICLink(t, true)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := l.Send(testPeerID(t), []byte("x")); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Send after close: got %v, want ErrLinkClosed", err)
	}
	if _, err := l.Dial(context.Background(), "127.0.0.1:1"); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Dial after close: got %v, want ErrLinkClosed", err)
	}
}
