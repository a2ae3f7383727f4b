// Package priority ranks peer connections for scarce resources.
//
// Every peer has a policy-assigned Tier and a reliability estimate built
// from observed latency and delivery outcomes. The score is
//
//	score = tier + ReliabilityWeight*reliability
//
// with reliability in [0, 1] and ReliabilityWeight below 1, so a peer can
// never outrank a peer of a higher tier no matter how good its metrics are.
package priority

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/meshsec/meshsec-go/pkg/identity"
)

// Tier is a policy-assigned priority class.
type Tier uint8

const (
	TierLow Tier = iota
	TierNormal
	TierHigh
	TierCritical
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "LOW"
	case TierNormal:
		return "NORMAL"
	case TierHigh:
		return "HIGH"
	case TierCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("TIER_%d", uint8(t))
	}
}

// ParseTier parses a tier name, case-insensitively.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return TierLow, nil
	case "NORMAL":
		return TierNormal, nil
	case "HIGH":
		return TierHigh, nil
	case "CRITICAL":
		return TierCritical, nil
	}
	return 0, fmt.Errorf("unknown priority tier %q", s)
}

// Scoring constants.
const (
	// ReliabilityWeight scales reliability into the score. It must stay
	// below the distance between adjacent tiers.
	ReliabilityWeight = 0.5

	// InitialReliability is assumed for a peer with no observations.
	InitialReliability = 0.5

	// lossDecay is the per-sample decay of the loss estimate.
	lossDecay = 0.95
)

// LatencyFactor maps a smoothed latency to a reliability multiplier.
func LatencyFactor(latencyMs uint32) float64 {
	switch {
	case latencyMs < 50:
		return 1.0
	case latencyMs < 200:
		return 0.8
	case latencyMs < 500:
		return 0.5
	default:
		return 0.2
	}
}

// Record is a snapshot of a peer's priority state.
type Record struct {
	Tier         Tier
	Score        float64
	Reliability  float64
	LossRate     float64
	LatencyMs    uint32
	SuccessCount uint64
	FailureCount uint64
	UpdatedAt    time.Time

	hasLatency bool
}

func newRecord(tier Tier, now time.Time) *Record {
	r := &Record{Tier: tier, Reliability: InitialReliability, UpdatedAt: now}
	r.rescore()
	return r
}

func (r *Record) rescore() {
	r.Score = float64(r.Tier) + ReliabilityWeight*r.Reliability
}

func (r *Record) observe(latencyMs uint32, success bool) {
	if !r.hasLatency {
		r.LatencyMs = latencyMs
		r.hasLatency = true
	} else {
		r.LatencyMs = uint32((uint64(r.LatencyMs)*7 + uint64(latencyMs)) / 8)
	}

	if success {
		r.SuccessCount++
		r.LossRate *= lossDecay
	} else {
		r.FailureCount++
		r.LossRate = r.LossRate*lossDecay + (1 - lossDecay)
	}

	r.Reliability = min(max(LatencyFactor(r.LatencyMs)*(1-r.LossRate), 0), 1)
	r.rescore()
}

// Ranked is a peer and its score.
type Ranked struct {
	Peer  identity.PeerID
	Score float64
}

// Manager tracks priority records for connected peers. It is safe for
// concurrent use.
type Manager struct {
	mu      sync.RWMutex
	records map[identity.PeerID]*Record
	now     func() time.Time
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		records: make(map[identity.PeerID]*Record),
		now:     time.Now,
	}
}

// SetPriority assigns peer's tier, creating its record if needed.
func (m *Manager) SetPriority(peer identity.PeerID, tier Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[peer]
	if !ok {
		m.records[peer] = newRecord(tier, m.now())
		return
	}
	r.Tier = tier
	r.UpdatedAt = m.now()
	r.rescore()
}

// UpdateMetrics folds one observation into peer's reliability. Unknown
// peers are created at TierNormal.
func (m *Manager) UpdateMetrics(peer identity.PeerID, latencyMs uint32, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[peer]
	if !ok {
		r = newRecord(TierNormal, m.now())
		m.records[peer] = r
	}
	r.observe(latencyMs, success)
	r.UpdatedAt = m.now()
}

// RankedPeers returns all peers sorted by descending score. Equal scores
// are ordered by ascending PeerID bytes so the order is deterministic.
func (m *Manager) RankedPeers() []Ranked {
	m.mu.RLock()
	out := make([]Ranked, 0, len(m.records))
	for p, r := range m.records {
		out = append(out, Ranked{Peer: p, Score: r.Score})
	}
	m.mu.RUnlock()

	slices.SortFunc(out, compareRanked)
	return out
}

func compareRanked(a, b Ranked) int {
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	}
	return bytes.Compare(a.Peer[:], b.Peer[:])
}

// Lowest returns the lowest-ranked peer.
func (m *Manager) Lowest() (Ranked, bool) {
	ranked := m.RankedPeers()
	if len(ranked) == 0 {
		return Ranked{}, false
	}
	return ranked[len(ranked)-1], true
}

// Score returns peer's score. Unknown peers score as a fresh TierNormal
// record.
func (m *Manager) Score(peer identity.PeerID) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scoreLocked(peer)
}

func (m *Manager) scoreLocked(peer identity.PeerID) float64 {
	if r, ok := m.records[peer]; ok {
		return r.Score
	}
	return DefaultScore(TierNormal)
}

// DefaultScore is the score of a peer of tier with no observations.
func DefaultScore(tier Tier) float64 {
	return float64(tier) + ReliabilityWeight*InitialReliability
}

// Compare returns a positive value when a outranks b, negative when b
// outranks a, and zero when their scores are equal.
func (m *Manager) Compare(a, b identity.PeerID) int {
	m.mu.RLock()
	sa, sb := m.scoreLocked(a), m.scoreLocked(b)
	m.mu.RUnlock()

	switch {
	case sa > sb:
		return 1
	case sa < sb:
		return -1
	}
	return 0
}

// Tier returns peer's tier, TierNormal if unknown.
func (m *Manager) Tier(peer identity.PeerID) Tier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.records[peer]; ok {
		return r.Tier
	}
	return TierNormal
}

// Record returns a copy of peer's record.
func (m *Manager) Record(peer identity.PeerID) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[peer]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Remove discards peer's record. Removing an unknown peer is a no-op.
func (m *Manager) Remove(peer identity.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, peer)
}

// Len returns the number of tracked peers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
