package mesh

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_AliveAndDeadProxies(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	// Pick a port nothing is listening on for the dead case.
	deadL, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadHost, deadPortStr, err := net.SplitHostPort(deadL.Addr().String())
	require.NoError(t, err)
	deadPort, err := strconv.Atoi(deadPortStr)
	require.NoError(t, err)
	deadL.Close() // closed immediately: nothing answers this port now

	pool := []Proxy{
		{Address: host, Port: port, Protocol: ProtoSOCKS5, Country: "US", Anonymity: AnonElite},
		{Address: deadHost, Port: deadPort, Protocol: ProtoSOCKS5, Country: "US", Anonymity: AnonElite},
	}

	v := NewVerifier(VerifierConfig{MaxConcurrent: 4, MaxDialsPerSecond: 100, DialTimeout: 500 * time.Millisecond})
	results := v.Verify(context.Background(), pool)
	require.Len(t, results, 2)

	assert.True(t, results[0].Alive)
	assert.False(t, results[1].Alive)
}

func TestApplyResults_DropsDeadAndRescoresLive(t *testing.T) {
	results := []VerifyResult{
		{
			Proxy: Proxy{Address: "1.1.1.1", Port: 1080, Protocol: ProtoSOCKS5, Latency: 0.05, Country: "US", Anonymity: AnonElite},
			Alive: true,
		},
		{
			Proxy: Proxy{Address: "2.2.2.2", Port: 1080, Protocol: ProtoSOCKS5},
			Alive: false,
		},
	}

	live := ApplyResults(results)
	require.Len(t, live, 1)
	assert.Equal(t, "1.1.1.1", live[0].Address)
	assert.Greater(t, live[0].Score, 0.0)
	assert.NotEmpty(t, live[0].Tier)
}

func TestApplyResults_EmptyResultsYieldsEmptySlice(t *testing.T) {
	live := ApplyResults(nil)
	assert.Empty(t, live)
}
