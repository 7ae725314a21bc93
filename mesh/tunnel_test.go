package mesh

import (
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTunnelServer_RotateSwapsChainIDWithoutDisturbingHeldSnapshot(t *testing.T) {
	ts := &TunnelServer{
		decision: &atomic.Pointer[ChainDecision]{},
		builder:  NewChainBuilderWithRNG(NewSeededRNG(1)),
		pools:    platinumPool(10),
		mode:     ModeStealth,
		logger:   slog.Default(),
	}
	require.NoError(t, ts.Rotate())

	held := ts.Current()
	firstID := held.ChainID

	require.NoError(t, ts.Rotate())
	second := ts.Current()

	assert.NotEqual(t, firstID, second.ChainID, "rotation must produce a new chain id")
	assert.Equal(t, firstID, held.ChainID, "a connection's held snapshot must not mutate under it")
}

func TestTunnelServer_DialAddrForHopFormatsHostPort(t *testing.T) {
	p := Proxy{Address: "10.0.0.1", Port: 1080}
	assert.Equal(t, "10.0.0.1:1080", DialAddrForHop(p))
}
