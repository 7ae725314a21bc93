package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/AdguardTeam/golibs/log"

	"github.com/proxymesh/duskmesh/mesh"
)

// HTTPScraper fetches a raw proxy list from a remote URL, adapted from
// utils/net_utils.go's DownloadFromUrl/CheckRemoteFileExists: a HEAD probe
// first, then a GET decoded as JSON instead of saved to a .txt file, since
// here the payload is a proxy list rather than an arbitrary download.
type HTTPScraper struct {
	URL string
}

// Scrape implements Scraper.
func (hs HTTPScraper) Scrape(ctx context.Context) ([]mesh.RawProxy, error) {
	if !hs.remoteExists(ctx) {
		return nil, fmt.Errorf("scrape source unreachable: %s", hs.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hs.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Error("duskmesh: fetching %s: %v", hs.URL, err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape source %s returned %s", hs.URL, resp.Status)
	}

	var raw []mesh.RawProxy
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding scrape payload from %s: %w", hs.URL, err)
	}
	return raw, nil
}

// remoteExists sends a HEAD request to check reachability before committing
// to a full GET.
func (hs HTTPScraper) remoteExists(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, hs.URL, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
