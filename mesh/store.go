package mesh

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	aerrors "github.com/AdguardTeam/golibs/errors"
)

// Persisted file names, per spec.md §6. last_chain.json stores topology
// only — proxy addresses and ordering, never key/nonce material, which is
// regenerated fresh on every Rotate.
const (
	FileProxiesCombined = "proxies_combined.json"
	FileProxiesDNS      = "proxies_dns.json"
	FileProxiesNonDNS   = "proxies_non_dns.json"
	FileLastChain       = "last_chain.json"
	FileRawProxies      = "raw_proxies.json"
)

// Store persists and reloads Pools and chain topology snapshots under a
// base directory, following the existence-check-then-read shape of
// utils/files_utils.go's FileExists/GetFileInfo.
type Store struct {
	Dir string
}

// NewStore builds a Store rooted at dir, creating it if absent.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, wrap(IO, "NewStore", err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.Dir, name)
}

// Exists reports whether name exists under the store directory, mirroring
// utils.FileExists's stat-based check.
func (s *Store) Exists(name string) (bool, error) {
	_, err := os.Stat(s.path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// ModTime returns name's last-modified time, for staleness checks ahead of
// a scheduled refresh.
func (s *Store) ModTime(name string) (time.Time, error) {
	info, err := os.Stat(s.path(name))
	if err != nil {
		return time.Time{}, wrap(IO, "Store.ModTime", err)
	}
	return info.ModTime().UTC(), nil
}

// SavePools writes the three pool files atomically-enough for a
// single-writer process: write each, bail on first error.
func (s *Store) SavePools(pools Pools) error {
	if err := s.writeJSON(FileProxiesCombined, pools.Combined); err != nil {
		return err
	}
	if err := s.writeJSON(FileProxiesDNS, pools.DNSCapable); err != nil {
		return err
	}
	if err := s.writeJSON(FileProxiesNonDNS, pools.NonDNS); err != nil {
		return err
	}
	return nil
}

// LoadPools reads back a previously saved Pools. A tier-less proxy record
// in any file gets its tier from Proxy.UnmarshalJSON: recomputed from a
// positive score, or Bronze when the score is absent or zero.
func (s *Store) LoadPools() (Pools, error) {
	var pools Pools

	if err := s.readJSON(FileProxiesCombined, &pools.Combined); err != nil {
		return pools, err
	}
	if err := s.readJSON(FileProxiesDNS, &pools.DNSCapable); err != nil {
		return pools, err
	}
	if err := s.readJSON(FileProxiesNonDNS, &pools.NonDNS); err != nil {
		return pools, err
	}
	return pools, nil
}

// chainTopology is the persisted shape of a ChainDecision: hop proxies and
// metadata, deliberately omitting HopSecret so no key or nonce material
// ever reaches disk.
type chainTopology struct {
	ChainID   string    `json:"chain_id"`
	Mode      Mode      `json:"mode"`
	Proxies   []Proxy   `json:"proxies"`
	AvgScore  float64   `json:"avg_score"`
	MinScore  float64   `json:"min_score"`
	MaxScore  float64   `json:"max_score"`
	Timestamp time.Time `json:"timestamp"`
}

// SaveChainTopology persists decision's topology (no secrets) to
// last_chain.json.
func (s *Store) SaveChainTopology(decision *ChainDecision) error {
	topo := chainTopology{
		ChainID:   decision.ChainID,
		Mode:      decision.Mode,
		AvgScore:  decision.AvgScore,
		MinScore:  decision.MinScore,
		MaxScore:  decision.MaxScore,
		Timestamp: decision.CreatedAt,
	}
	for _, h := range decision.Hops {
		topo.Proxies = append(topo.Proxies, h.Proxy)
	}
	return s.writeJSON(FileLastChain, topo)
}

// LoadChainTopology reads back the last persisted chain topology, for
// diagnostics/audit only — it is never fed back into negotiation, since it
// carries no key material.
func (s *Store) LoadChainTopology() (ChainID string, mode Mode, proxies []Proxy, createdAt time.Time, err error) {
	var topo chainTopology
	if err := s.readJSON(FileLastChain, &topo); err != nil {
		return "", "", nil, time.Time{}, err
	}
	return topo.ChainID, topo.Mode, topo.Proxies, topo.Timestamp, nil
}

// SaveRawProxies optionally persists the pre-polish scrape, for debugging
// a bad polish run.
func (s *Store) SaveRawProxies(raw []RawProxy) error {
	return s.writeJSON(FileRawProxies, raw)
}

func (s *Store) writeJSON(name string, v any) error {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return wrap(IO, "Store.writeJSON", aerrors.Annotate(err, "marshaling %s: %w", name))
	}
	if err := os.WriteFile(s.path(name), bytes, 0644); err != nil {
		return wrap(IO, "Store.writeJSON", err)
	}
	return nil
}

func (s *Store) readJSON(name string, v any) error {
	bytes, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return wrap(IO, "Store.readJSON", err)
	}
	if err := json.Unmarshal(bytes, v); err != nil {
		return wrap(InvalidInput, "Store.readJSON", aerrors.Annotate(err, "parsing %s: %w", name))
	}
	return nil
}
