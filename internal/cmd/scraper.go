package cmd

import (
	"context"
	"encoding/json"
	"net"
	"os"

	"github.com/proxymesh/duskmesh/mesh"
)

// Scraper fetches a fresh batch of raw proxy records. The real fan-out
// HTTP scraping (per-source fetchers, pagination, retry) is explicitly
// external to this repo (spec.md §1); duskmesh only defines the interface,
// a minimal stub that reads a local file, and HTTPScraper (fetch.go), which
// fetches one JSON list from a single URL.
type Scraper interface {
	Scrape(ctx context.Context) ([]mesh.RawProxy, error)
}

// FileScraper reads raw_proxies.json from Store's directory if present,
// standing in for a real network scraper in local/test runs.
type FileScraper struct {
	Store *mesh.Store
}

// Scrape implements Scraper.
func (fs FileScraper) Scrape(_ context.Context) ([]mesh.RawProxy, error) {
	exists, err := fs.Store.Exists(mesh.FileRawProxies)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	data, err := os.ReadFile(fs.Store.Dir + "/" + mesh.FileRawProxies)
	if err != nil {
		return nil, err
	}

	var raw []mesh.RawProxy
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// listenSOCKS opens the local TCP listener the TunnelServer accepts
// client connections on.
func listenSOCKS(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
