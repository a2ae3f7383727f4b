package service

import (
	"context"
	"time"

	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/priority"
)

// MaintenanceResult summarizes one maintenance sweep.
type MaintenanceResult struct {
	IdleDisconnected int
	ExchangesExpired int
}

func (s *Server) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if res := s.RunMaintenance(); res != (MaintenanceResult{}) {
				s.debugLog("server maintenance",
					"idle_disconnected", res.IdleDisconnected,
					"exchanges_expired", res.ExchangesExpired)
			}
		}
	}
}

// RunMaintenance disconnects idle clients, times out stale key exchanges
// and publishes queue and reassembly statistics.
func (s *Server) RunMaintenance() MaintenanceResult {
	var res MaintenanceResult
	now := s.now()

	for _, peer := range s.clients.idleSince(now.Add(-s.cfg.IdleTimeout)) {
		s.disconnect(peer, "idle timeout", true)
		s.evicted.Add(1)
		s.cfg.Metrics.ObserveEviction("idle")
		res.IdleDisconnected++
	}

	for _, peer := range s.clients.pendingSince(now.Add(-s.cfg.KeyExchangeTimeout)) {
		c := s.clients.get(peer)
		if c == nil {
			continue
		}
		s.engine.CancelExchange(peer)
		if old, ok := c.transition(ClientConnected, now); ok {
			s.emitState(c, old, ClientConnected, "key exchange timeout")
		}
		s.cfg.Metrics.ObserveHandshake("timeout")
		res.ExchangesExpired++
	}

	s.cfg.Metrics.ObserveQueue(s.queue.Stats())
	s.cfg.Metrics.ObserveReassembly(s.engine.ReassemblyStats())
	s.cfg.Metrics.SetClients(s.clients.len())
	return res
}

// ClientInfo describes one connected client.
type ClientInfo struct {
	Peer           identity.PeerID
	ConnectionID   string
	Addr           string
	State          ClientState
	Tier           priority.Tier
	Score          float64
	Epoch          uint32
	ConnectedAt    time.Time
	LastActivity   time.Time
	SecurityErrors uint64
}

// Client returns a description of peer's client.
func (s *Server) Client(peer identity.PeerID) (ClientInfo, bool) {
	c := s.clients.get(peer)
	if c == nil {
		return ClientInfo{}, false
	}
	c.mu.Lock()
	info := ClientInfo{
		Peer:           c.peer,
		ConnectionID:   c.connID,
		Addr:           c.addr,
		State:          c.state,
		ConnectedAt:    c.connectedAt,
		LastActivity:   c.lastActivity,
		SecurityErrors: c.securityErrors.Load(),
	}
	c.mu.Unlock()

	info.Tier = s.ranks.Tier(peer)
	info.Score = s.ranks.Score(peer)
	if sess, ok := s.engine.Session(peer); ok {
		info.Epoch = sess.Epoch
	}
	return info, true
}

// Clients describes every connected client, highest priority first.
func (s *Server) Clients() []ClientInfo {
	peers := s.ClientsByPriority()
	out := make([]ClientInfo, 0, len(peers))
	for _, p := range peers {
		if info, ok := s.Client(p); ok {
			out = append(out, info)
		}
	}
	return out
}

// Stats returns a snapshot of server, engine and queue counters.
func (s *Server) Stats() Stats {
	st := Stats{
		RateLimited:    s.rateLimited.Load(),
		Shed:           s.shed.Load(),
		Evicted:        s.evicted.Load(),
		Refused:        s.refused.Load(),
		SecurityErrors: s.securityErrors.Load(),
		Malformed:      s.malformed.Load(),
		Engine:         s.engine.Stats(),
		Queue:          s.queue.Stats(),
	}
	for _, c := range s.clients.snapshot() {
		st.Clients++
		switch c.currentState() {
		case ClientEstablished, ClientRotating:
			st.Established++
		case ClientKeyExchangePending:
			st.Pending++
		}
	}
	return st
}
