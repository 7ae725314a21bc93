package mesh

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func platinumPool(n int) Pools {
	var ps []Proxy
	for i := 0; i < n; i++ {
		p := Proxy{
			Address:   "10.0.0.1",
			Port:      1080 + i,
			Protocol:  ProtoHTTPS,
			Latency:   0.05,
			Country:   "US",
			Anonymity: AnonElite,
		}
		p.Score = 0.95
		p.Tier = TierPlatinum
		ps = append(ps, p)
	}
	return Pools{DNSCapable: ps, NonDNS: nil, Combined: ps}
}

func TestChainBuilder_HopCountMatchesMode(t *testing.T) {
	pools := platinumPool(10)

	ranges := map[Mode][2]int{
		ModeLite:    {1, 1},
		ModeStealth: {1, 2},
		ModeHigh:    {2, 3},
		ModePhantom: {3, 5},
	}
	for _, mode := range []Mode{ModeLite, ModeStealth, ModeHigh, ModePhantom} {
		cb := NewChainBuilderWithRNG(NewSeededRNG(42))
		decision, err := cb.Build(pools, mode)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(decision.Hops), ranges[mode][0])
		assert.LessOrEqual(t, len(decision.Hops), ranges[mode][1])
	}
}

func TestChainBuilder_PhantomModeOnlyGoldOrBetter(t *testing.T) {
	pools := platinumPool(10)
	cb := NewChainBuilderWithRNG(NewSeededRNG(7))
	decision, err := cb.Build(pools, ModePhantom)
	require.NoError(t, err)
	for _, h := range decision.Hops {
		assert.Contains(t, []Tier{TierGold, TierPlatinum}, h.Proxy.Tier)
	}
}

func TestChainBuilder_HopsAreDistinct(t *testing.T) {
	pools := platinumPool(10)
	cb := NewChainBuilderWithRNG(NewSeededRNG(99))
	decision, err := cb.Build(pools, ModePhantom)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, h := range decision.Hops {
		key := fmt.Sprintf("%s:%d", h.Proxy.Address, h.Proxy.Port)
		assert.False(t, seen[key], "hop %s repeated", key)
		seen[key] = true
	}
}

func TestChainBuilder_ExcludesSOCKS4(t *testing.T) {
	pools := platinumPool(3)
	for i := range pools.Combined {
		pools.Combined[i].Protocol = ProtoSOCKS4
	}
	pools.DNSCapable = nil

	cb := NewChainBuilderWithRNG(NewSeededRNG(1))
	_, err := cb.Build(pools, ModeLite)
	require.Error(t, err)
	assert.True(t, IsKind(err, PoolTooSmall))
}

func TestChainBuilder_PoolTooSmallError(t *testing.T) {
	// Phantom mode always needs at least 3 hops; a pool of 1 can never
	// satisfy that.
	pools := platinumPool(1)
	cb := NewChainBuilderWithRNG(NewSeededRNG(1))
	_, err := cb.Build(pools, ModePhantom)
	require.Error(t, err)
	assert.True(t, IsKind(err, PoolTooSmall))
}

func TestChainBuilder_EachHopGetsDistinctSecrets(t *testing.T) {
	pools := platinumPool(10)
	cb := NewChainBuilderWithRNG(NewSeededRNG(3))
	decision, err := cb.Build(pools, ModeHigh)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(decision.Hops), 2)
	assert.NotEqual(t, decision.Hops[0].Forward.Key, decision.Hops[1].Forward.Key)
	assert.NotEqual(t, decision.Hops[0].Backward.Key, decision.Hops[1].Backward.Key)
}

func TestChainBuilder_PhantomRequiresTopFiveByScore(t *testing.T) {
	scores := []float64{0.95, 0.90, 0.88, 0.72, 0.71, 0.60, 0.55, 0.50, 0.45, 0.40}
	var ps []Proxy
	for i, sc := range scores {
		ps = append(ps, Proxy{
			Address:  "10.0.0.1",
			Port:     2000 + i,
			Protocol: ProtoSOCKS5,
			Score:    sc,
			Tier:     TierFromScore(sc),
		})
	}
	pools := Pools{DNSCapable: ps, Combined: ps}

	cb := NewChainBuilderWithRNG(NewSeededRNG(55))
	decision, err := cb.Build(pools, ModePhantom)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(decision.Hops), 3)
	require.LessOrEqual(t, len(decision.Hops), 5)
	for _, h := range decision.Hops {
		assert.GreaterOrEqual(t, h.Proxy.Score, 0.70)
	}
}

func TestChainBuilder_DeterministicUnderSameSeed(t *testing.T) {
	pools := platinumPool(10)

	cb1 := NewChainBuilderWithRNG(NewSeededRNG(123))
	d1, err := cb1.Build(pools, ModeStealth)
	require.NoError(t, err)

	cb2 := NewChainBuilderWithRNG(NewSeededRNG(123))
	d2, err := cb2.Build(pools, ModeStealth)
	require.NoError(t, err)

	require.Equal(t, len(d1.Hops), len(d2.Hops))
	for i := range d1.Hops {
		assert.Equal(t, d1.Hops[i].Proxy.Address, d2.Hops[i].Proxy.Address)
		assert.Equal(t, d1.Hops[i].Proxy.Port, d2.Hops[i].Proxy.Port)
	}
}
