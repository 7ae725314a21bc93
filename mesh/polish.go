package mesh

import (
	"fmt"
	"sort"
)

// fixedLatencyCeiling is L_max's fallback when a batch is too small to
// derive a meaningful max observed latency from (spec.md §3: "a fixed
// ceiling if batch is tiny").
const fixedLatencyCeiling = 3.0

// tinyBatchThreshold is the batch size below which PolishEngine falls back
// to fixedLatencyCeiling instead of the batch's own max latency.
const tinyBatchThreshold = 2

// trustedCountries is the preferred-country set from spec.md §3.
var trustedCountries = map[string]bool{
	"US": true, "DE": true, "NL": true, "UK": true, "FR": true, "CA": true, "SG": true,
}

// protocolScores maps protocol tags to the §3 protocol component.
var protocolScores = map[Protocol]float64{
	ProtoSOCKS5: 1.0,
	ProtoHTTPS:  0.9,
	ProtoSOCKS4: 0.6,
	ProtoHTTP:   0.5,
}

// PolishEngine turns raw, scraper-sourced proxy records into the scored,
// tiered, deduplicated pools the rest of the mesh consumes (spec.md §3,
// §4.1). It is stateless: Polish can be called repeatedly on independent
// batches and is idempotent on an already-polished batch.
type PolishEngine struct{}

// NewPolishEngine returns a ready-to-use PolishEngine. It carries no state
// or configurable weights: the weights are the fixed ones in spec.md §3.
func NewPolishEngine() *PolishEngine {
	return &PolishEngine{}
}

// PolishResult is the outcome of a Polish call: the derived pools plus
// bookkeeping counters for the dropped/duplicate records that didn't make
// it, so callers can report a drop count instead of silently swallowing
// bad input (mirrors proxy/blocked_domains_manager.go's loadBlockedDomains
// dedupe-and-count pattern).
type PolishResult struct {
	Pools      Pools
	Dropped    int
	Duplicates int
	TotalInput int
}

// Polish validates, scores, tiers, and splits raw into Pools. A record is
// dropped (counted, not fatal) when its protocol tag is unrecognized, its
// port is out of range, or its address is empty. Polish only returns
// InvalidInput when every record in the batch is unusable — a partially
// bad batch degrades gracefully per spec.md §4.1.
func (pe *PolishEngine) Polish(raw []RawProxy) (PolishResult, error) {
	res := PolishResult{TotalInput: len(raw)}
	if len(raw) == 0 {
		return res, &Error{Kind: InvalidInput, Op: "PolishEngine.Polish", Err: fmt.Errorf("empty input batch")}
	}

	lMax := latencyCeiling(raw)

	seen := make(map[ProxyKey]int) // key -> index into kept, for best-score dedup
	kept := make([]Proxy, 0, len(raw))

	for _, rp := range raw {
		p, ok := pe.normalize(rp, lMax)
		if !ok {
			res.Dropped++
			continue
		}

		key := p.Key()
		if idx, dup := seen[key]; dup {
			res.Duplicates++
			// "ties keep the first seen": only replace on a strictly
			// greater score (spec.md §4.1).
			if p.Score > kept[idx].Score {
				kept[idx] = p
			}
			continue
		}

		seen[key] = len(kept)
		kept = append(kept, p)
	}

	if len(kept) == 0 {
		return res, &Error{Kind: InvalidInput, Op: "PolishEngine.Polish", Err: fmt.Errorf("no valid records in batch of %d", len(raw))}
	}

	res.Pools = split(kept)
	return res, nil
}

// latencyCeiling computes L_max: the batch's own max observed latency,
// unless the batch is too small to make that meaningful, in which case a
// fixed ceiling is used instead (spec.md §3).
func latencyCeiling(raw []RawProxy) float64 {
	if len(raw) < tinyBatchThreshold {
		return fixedLatencyCeiling
	}

	var max float64
	for _, rp := range raw {
		if rp.Latency > max {
			max = rp.Latency
		}
	}
	if max <= 0 {
		return fixedLatencyCeiling
	}
	return max
}

// normalize validates rp, computes its score and tier, and returns the
// polished Proxy. ok is false when rp is unusable and must be dropped.
func (pe *PolishEngine) normalize(rp RawProxy, lMax float64) (Proxy, bool) {
	if rp.Address == "" || rp.Port <= 0 || rp.Port > 65535 {
		return Proxy{}, false
	}

	proto, err := ParseProtocol(rp.Protocol)
	if err != nil {
		return Proxy{}, false
	}

	anon := Anonymity(rp.Anonymity)
	switch anon {
	case AnonElite, AnonAnonymous, AnonTransparent:
	default:
		anon = AnonUnknown
	}

	p := Proxy{
		Address:   rp.Address,
		Port:      rp.Port,
		Protocol:  proto,
		Latency:   rp.Latency,
		Country:   rp.Country,
		Anonymity: anon,
	}
	p.Score = score(p, lMax)
	p.Tier = TierFromScore(p.Score)
	return p, true
}

// score computes the weighted composite score exactly per spec.md §3,
// clamped to [0,1]. Records scoring below 0.30 are retained and marked
// Dead rather than dropped, admissible only as last-resort fallback in
// mode filtering.
func score(p Proxy, lMax float64) float64 {
	s := 0.40*latencyComponent(p.Latency, lMax) +
		0.30*anonymityComponent(p.Anonymity) +
		0.20*countryComponent(p.Country) +
		0.10*protocolScores[p.Protocol]

	if p.Protocol.dnsCapable() {
		s *= 1.2
	}

	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	return s
}

// latencyComponent implements "1 − min(latency, L_max)/L_max".
func latencyComponent(latency, lMax float64) float64 {
	if lMax <= 0 {
		return 1
	}
	clamped := latency
	if clamped > lMax {
		clamped = lMax
	}
	if clamped < 0 {
		clamped = 0
	}
	return 1 - clamped/lMax
}

// anonymityComponent implements the §3 anonymity table.
func anonymityComponent(a Anonymity) float64 {
	switch a {
	case AnonElite:
		return 1.0
	case AnonAnonymous:
		return 0.7
	case AnonTransparent:
		return 0.3
	default:
		return 0.1
	}
}

// countryComponent implements the §3 preferred-country table.
func countryComponent(country string) float64 {
	if trustedCountries[country] {
		return 1.0
	}
	return 0.5
}

// SplitPools partitions an already-scored proxy slice into DNSCapable/
// NonDNS/Combined views, ready for persistence. Used by the verify
// subcommand to re-derive Pools after rescoring without rerunning the full
// Polish pipeline on already-polished data.
func SplitPools(scored []Proxy) Pools {
	return split(scored)
}

// split partitions kept proxies into DNSCapable/NonDNS, assembles
// Combined, and sorts each view by score descending, ties broken by lower
// latency then lexicographic (address, port), per spec.md §4.1.
func split(kept []Proxy) Pools {
	combined := make([]Proxy, len(kept))
	copy(combined, kept)

	var dns, nonDNS []Proxy
	for _, p := range kept {
		if p.DNSCapable() {
			dns = append(dns, p)
		} else {
			nonDNS = append(nonDNS, p)
		}
	}

	sortByRank(combined)
	sortByRank(dns)
	sortByRank(nonDNS)

	return Pools{DNSCapable: dns, NonDNS: nonDNS, Combined: combined}
}

// sortByRank sorts ps in place: score descending, then latency ascending,
// then (address, port) lexicographic.
func sortByRank(ps []Proxy) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Latency != b.Latency {
			return a.Latency < b.Latency
		}
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		return a.Port < b.Port
	})
}
