package mesh

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SavePoolsLoadPoolsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	pools := Pools{
		Combined: []Proxy{
			{Address: "1.1.1.1", Port: 1080, Protocol: ProtoSOCKS5, Latency: 0.1, Country: "US", Anonymity: AnonElite, Score: 1.0, Tier: TierPlatinum},
		},
		DNSCapable: []Proxy{
			{Address: "1.1.1.1", Port: 1080, Protocol: ProtoSOCKS5, Latency: 0.1, Country: "US", Anonymity: AnonElite, Score: 1.0, Tier: TierPlatinum},
		},
	}

	require.NoError(t, store.SavePools(pools))

	got, err := store.LoadPools()
	require.NoError(t, err)
	require.Len(t, got.Combined, 1)
	assert.Equal(t, "1.1.1.1", got.Combined[0].Address)
	assert.Equal(t, TierPlatinum, got.Combined[0].Tier)
}

func TestStore_ChainTopologyRoundTripOmitsSecrets(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	secret, err := NewHopSecret()
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	decision := &ChainDecision{
		ChainID: "abc123",
		Mode:    ModeStealth,
		Hops: []Hop{
			{Proxy: Proxy{Address: "2.2.2.2", Port: 1080, Protocol: ProtoSOCKS5, Score: 0.9, Tier: TierGold}, Forward: secret, Backward: secret},
		},
		AvgScore:  0.9,
		MinScore:  0.9,
		MaxScore:  0.9,
		CreatedAt: now,
	}

	require.NoError(t, store.SaveChainTopology(decision))

	raw, err := os.ReadFile(store.path(FileLastChain))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Key")
	assert.NotContains(t, string(raw), "BaseNonce")

	chainID, mode, proxies, createdAt, err := store.LoadChainTopology()
	require.NoError(t, err)
	assert.Equal(t, "abc123", chainID)
	assert.Equal(t, ModeStealth, mode)
	require.Len(t, proxies, 1)
	assert.Equal(t, "2.2.2.2", proxies[0].Address)
	assert.True(t, createdAt.Equal(now))
}

func TestStore_LoadPoolsOnMissingFilesReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	pools, err := store.LoadPools()
	require.NoError(t, err)
	assert.Empty(t, pools.Combined)
}

func TestStore_TierLessRecordDefaultsToBronzeOnLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	err = os.WriteFile(store.path(FileProxiesCombined), []byte(
		`[{"address":"3.3.3.3","port":80,"protocol":"http","latency":0.2,"country":"DE","anonymity":"anonymous"}]`,
	), 0644)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.path(FileProxiesDNS), []byte(`[]`), 0644))
	require.NoError(t, os.WriteFile(store.path(FileProxiesNonDNS), []byte(`[]`), 0644))

	pools, err := store.LoadPools()
	require.NoError(t, err)
	require.Len(t, pools.Combined, 1)
	assert.Equal(t, TierBronze, pools.Combined[0].Tier)
}
