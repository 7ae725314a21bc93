package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxymesh/duskmesh/mesh"
)

func TestConfigFromOptions_MapsFieldsAndParsesMode(t *testing.T) {
	opts := &Options{
		StateDir:          "/tmp/duskmesh-test",
		Mode:              "phantom",
		ListenAddr:        "127.0.0.1:9999",
		MaxConnections:    100,
		MaxPerIP:          10,
		RotateMinutes:     5,
		StatsPort:         9091,
		VerifyConcurrency: 20,
		VerifyRatePerSec:  30,
	}

	conf := configFromOptions(opts)
	assert.Equal(t, "/tmp/duskmesh-test", conf.StateDir)
	assert.Equal(t, mesh.ModePhantom, conf.Mode)
	assert.Equal(t, "127.0.0.1:9999", conf.ListenAddr)
	assert.Equal(t, 100, conf.MaxConnections)
	assert.Equal(t, 10, conf.MaxPerIP)
	assert.Equal(t, 5*time.Minute, conf.RotateInterval)
	assert.Equal(t, 9091, conf.StatsPort)
	assert.Equal(t, 20, conf.VerifyConcurrency)
	assert.Equal(t, 30, conf.VerifyRatePerSec)
}

func TestConfigFromOptions_UnrecognizedModeKeepsDefault(t *testing.T) {
	opts := &Options{Mode: "not-a-mode"}
	conf := configFromOptions(opts)
	assert.Equal(t, mesh.DefaultConfig().Mode, conf.Mode)
}

func TestFileScraper_ScrapeMissingFileReturnsNilNoError(t *testing.T) {
	dir := t.TempDir()
	store, err := mesh.NewStore(dir)
	require.NoError(t, err)

	fs := FileScraper{Store: store}
	raw, err := fs.Scrape(context.Background())
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestFileScraper_ScrapeReadsSavedRawProxies(t *testing.T) {
	dir := t.TempDir()
	store, err := mesh.NewStore(dir)
	require.NoError(t, err)

	want := []mesh.RawProxy{
		{Address: "1.1.1.1", Port: 1080, Protocol: "socks5", Latency: 0.1, Country: "US", Anonymity: "elite"},
	}
	require.NoError(t, store.SaveRawProxies(want))

	fs := FileScraper{Store: store}
	got, err := fs.Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1.1.1.1", got[0].Address)
}
