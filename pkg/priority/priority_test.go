package priority

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsec/meshsec-go/pkg/identity"
)

func peer(b byte) identity.PeerID {
	var id identity.PeerID
	id[0] = b
	return id
}

func TestTierDominatesMetrics(t *testing.T) {
	m := NewManager()
	critical, low := peer(1), peer(2)

	m.SetPriority(critical, TierCritical)
	m.SetPriority(low, TierLow)
	for i := 0; i < 100; i++ {
		m.UpdateMetrics(critical, 5000, false)
		m.UpdateMetrics(low, 1, true)
	}

	ranked := m.RankedPeers()
	require.Len(t, ranked, 2)
	assert.Equal(t, critical, ranked[0].Peer)
	assert.Equal(t, low, ranked[1].Peer)
	assert.Greater(t, m.Compare(critical, low), 0)
}

func TestTierDominanceProperty(t *testing.T) {
	m := NewManager()
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 64; i++ {
		p := peer(byte(i))
		m.SetPriority(p, Tier(rng.IntN(4)))
		for j := 0; j < rng.IntN(20); j++ {
			m.UpdateMetrics(p, uint32(rng.IntN(1000)), rng.IntN(2) == 0)
		}
	}

	ranked := m.RankedPeers()
	for i := 1; i < len(ranked); i++ {
		prev, cur := m.Tier(ranked[i-1].Peer), m.Tier(ranked[i].Peer)
		assert.GreaterOrEqual(t, prev, cur, "tier order violated at %d", i)
		assert.GreaterOrEqual(t, ranked[i-1].Score, ranked[i].Score)
	}
}

func TestReliabilityRewardsSuccess(t *testing.T) {
	m := NewManager()
	good, bad := peer(1), peer(2)
	for i := 0; i < 20; i++ {
		m.UpdateMetrics(good, 20, true)
		m.UpdateMetrics(bad, 20, false)
	}

	assert.Greater(t, m.Score(good), m.Score(bad))

	rg, ok := m.Record(good)
	require.True(t, ok)
	assert.InDelta(t, 1.0, rg.Reliability, 1e-9)
	assert.Equal(t, uint64(20), rg.SuccessCount)

	rb, _ := m.Record(bad)
	assert.Equal(t, uint64(20), rb.FailureCount)
	assert.Less(t, rb.Reliability, 0.7)
}

func TestLatencyPenalty(t *testing.T) {
	m := NewManager()
	fast, slow := peer(1), peer(2)
	for i := 0; i < 10; i++ {
		m.UpdateMetrics(fast, 10, true)
		m.UpdateMetrics(slow, 800, true)
	}
	assert.Greater(t, m.Score(fast), m.Score(slow))

	r, _ := m.Record(slow)
	assert.Equal(t, uint32(800), r.LatencyMs)
	assert.InDelta(t, 0.2, r.Reliability, 1e-9)
}

func TestDeterministicTieBreak(t *testing.T) {
	m := NewManager()
	for _, b := range []byte{9, 3, 7, 1} {
		m.SetPriority(peer(b), TierHigh)
	}

	ranked := m.RankedPeers()
	var got []byte
	for _, r := range ranked {
		got = append(got, r.Peer[0])
	}
	assert.Equal(t, []byte{1, 3, 7, 9}, got)
	assert.Equal(t, 0, m.Compare(peer(1), peer(9)))

	low, ok := m.Lowest()
	require.True(t, ok)
	assert.Equal(t, peer(9), low.Peer)
}

func TestRemoveAndUnknown(t *testing.T) {
	m := NewManager()
	m.SetPriority(peer(1), TierHigh)
	m.Remove(peer(1))
	m.Remove(peer(1))

	assert.Equal(t, 0, m.Len())
	assert.Equal(t, TierNormal, m.Tier(peer(1)))
	assert.Equal(t, DefaultScore(TierNormal), m.Score(peer(1)))
	_, ok := m.Lowest()
	assert.False(t, ok)
}

func TestLatencyFactor(t *testing.T) {
	assert.Equal(t, 1.0, LatencyFactor(49))
	assert.Equal(t, 0.8, LatencyFactor(50))
	assert.Equal(t, 0.5, LatencyFactor(200))
	assert.Equal(t, 0.2, LatencyFactor(500))
}

func TestParseTier(t *testing.T) {
	for _, tier := range []Tier{TierLow, TierNormal, TierHigh, TierCritical} {
		got, err := ParseTier(tier.String())
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}
	_, err := ParseTier("urgent")
	assert.Error(t, err)
}
