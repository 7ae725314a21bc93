package mesh

import (
	"fmt"
	"time"

	"github.com/golang-collections/collections/set"
)

// tierRank ranks tiers so "at least Silver" style mode requirements can
// be expressed as integer comparisons.
var tierRank = map[Tier]int{
	TierDead:     0,
	TierBronze:   1,
	TierSilver:   2,
	TierGold:     3,
	TierPlatinum: 4,
}

// candidatePool selects which Pools view a candidateRule draws from.
// poolUnion is equivalent to poolCombined since Combined is already the
// union of DNSCapable and NonDNS, but is named separately to mirror the
// "DNS ∪ Non-DNS" fallback step in spec.md §4.2's table.
type candidatePool int

const (
	poolCombined candidatePool = iota
	poolUnion
	poolDNS
)

// candidateRule is one fallback step in a mode's cascading pool-selection
// table (spec.md §4.2): use proxies from pool matching minTier and, if
// protocols is non-empty, restricted to those protocols. minTier of
// TierDead matches every tier including Dead, since TierDead ranks lowest.
// SOCKS4 is always excluded regardless of rule, per spec.md §4.2's blanket
// protocol exclusion.
type candidateRule struct {
	pool      candidatePool
	minTier   Tier
	protocols []Protocol
}

// modeCascade is the ordered list of fallback rules tried for each mode,
// loosest-last, until enough distinct candidates are gathered to sample
// the hop count from. Mirrors spec.md §4.2's cascading-fallback table.
var modeCascade = map[Mode][]candidateRule{
	ModeLite: {
		{pool: poolCombined, minTier: TierBronze},
		{pool: poolUnion, minTier: TierBronze},
		{pool: poolCombined, minTier: TierDead},
	},
	ModeStealth: {
		{pool: poolCombined, minTier: TierBronze, protocols: []Protocol{ProtoHTTP, ProtoHTTPS}},
		{pool: poolUnion, minTier: TierBronze, protocols: []Protocol{ProtoHTTP, ProtoHTTPS}},
		{pool: poolUnion, minTier: TierDead, protocols: []Protocol{ProtoHTTP, ProtoHTTPS}},
	},
	ModeHigh: {
		{pool: poolDNS, minTier: TierSilver, protocols: []Protocol{ProtoHTTPS, ProtoSOCKS5}},
		{pool: poolDNS, minTier: TierBronze},
		{pool: poolCombined, minTier: TierBronze, protocols: []Protocol{ProtoHTTPS, ProtoSOCKS5}},
	},
	ModePhantom: {
		{pool: poolDNS, minTier: TierGold, protocols: []Protocol{ProtoHTTPS, ProtoSOCKS5}},
		{pool: poolDNS, minTier: TierSilver},
		{pool: poolCombined, minTier: TierSilver, protocols: []Protocol{ProtoHTTPS, ProtoSOCKS5}},
	},
}

// Hop is one link in a built chain: the proxy to dial plus its freshly
// generated per-direction cryptographic material.
type Hop struct {
	Proxy      Proxy
	Forward    HopSecret
	Backward   HopSecret
}

// ChainDecision is an immutable, fully-built chain ready for negotiation.
// TunnelServer swaps pointers to ChainDecision under an atomic.Pointer,
// giving lock-free readers (spec.md §5 "RCU" requirement).
type ChainDecision struct {
	ChainID   string
	Mode      Mode
	Hops      []Hop
	AvgScore  float64
	MinScore  float64
	MaxScore  float64
	CreatedAt time.Time
}

// ChainBuilder builds ChainDecisions from a Pools snapshot using the
// mode-aware cascading candidate selection, weighted reservoir sampling,
// and post-sample shuffle described in spec.md §4.2.
type ChainBuilder struct {
	rng *RNG
}

// NewChainBuilder constructs a builder with a CSPRNG-seeded RNG.
func NewChainBuilder() *ChainBuilder {
	return &ChainBuilder{rng: NewRNG()}
}

// NewChainBuilderWithRNG injects an explicit RNG, for deterministic tests
// (spec.md §4.2 "Determinism": "given the same pool, mode, and seeded RNG,
// the sequence of chain-build outcomes is reproducible").
func NewChainBuilderWithRNG(rng *RNG) *ChainBuilder {
	return &ChainBuilder{rng: rng}
}

// Build selects a hop count for mode, gathers candidates via the mode's
// cascading rules (falling back only when the current rule's pool is too
// small), weighted-samples that many distinct hops, shuffles their order,
// and generates fresh per-hop secrets. Returns PoolTooSmall if even the
// loosest fallback can't produce enough distinct candidates.
func (cb *ChainBuilder) Build(pools Pools, mode Mode) (*ChainDecision, error) {
	n := randomChainLength(mode, cb.rng)

	candidates, err := cb.gatherCandidates(pools, mode, n)
	if err != nil {
		return nil, err
	}

	items := make([]weightedItem, len(candidates))
	for i, p := range candidates {
		w := p.Score
		if w <= 0 {
			w = 0.001 // A-Res requires strictly positive weights
		}
		items[i] = weightedItem{proxy: p, weight: w}
	}

	sampled := weightedSampleWithoutReplacement(items, n, cb.rng)
	shuffle(sampled, cb.rng)

	chainID, err := randomHexString(16)
	if err != nil {
		return nil, wrap(IO, "ChainBuilder.Build", err)
	}

	hops := make([]Hop, len(sampled))
	var sum, min, max float64
	for i, p := range sampled {
		fwd, err := NewHopSecret()
		if err != nil {
			return nil, wrap(IO, "ChainBuilder.Build", err)
		}
		back, err := NewHopSecret()
		if err != nil {
			return nil, wrap(IO, "ChainBuilder.Build", err)
		}
		hops[i] = Hop{Proxy: p, Forward: fwd, Backward: back}

		sum += p.Score
		if i == 0 || p.Score < min {
			min = p.Score
		}
		if i == 0 || p.Score > max {
			max = p.Score
		}
	}

	return &ChainDecision{
		ChainID:   chainID,
		Mode:      mode,
		Hops:      hops,
		AvgScore:  sum / float64(len(hops)),
		MinScore:  min,
		MaxScore:  max,
		CreatedAt: time.Now(),
	}, nil
}

// gatherCandidates walks mode's cascade, returning the first rule's
// candidate set that has at least n distinct, non-SOCKS4 proxies.
func (cb *ChainBuilder) gatherCandidates(pools Pools, mode Mode, n int) ([]Proxy, error) {
	rules, ok := modeCascade[mode]
	if !ok {
		return nil, &Error{Kind: InvalidInput, Op: "ChainBuilder.gatherCandidates", Err: fmt.Errorf("unrecognized mode %q", mode)}
	}

	for _, rule := range rules {
		var pool []Proxy
		switch rule.pool {
		case poolDNS:
			pool = pools.DNSCapable
		case poolUnion:
			pool = append(append([]Proxy(nil), pools.DNSCapable...), pools.NonDNS...)
		default:
			pool = pools.Combined
		}

		var matched []Proxy
		seen := set.New()
		for _, p := range pool {
			if p.Protocol == ProtoSOCKS4 {
				continue
			}
			if tierRank[p.Tier] < tierRank[rule.minTier] {
				continue
			}
			if len(rule.protocols) > 0 && !protocolAllowed(p.Protocol, rule.protocols) {
				continue
			}
			// p.Key() is a tuple.T2, not comparable via set's internal
			// map key directly in all cases; stringify to the
			// "address:port" identity instead.
			identity := fmt.Sprintf("%s:%d", p.Address, p.Port)
			if seen.Has(identity) {
				continue
			}
			seen.Insert(identity)
			matched = append(matched, p)
		}

		if len(matched) >= n {
			return matched, nil
		}
	}

	return nil, &Error{Kind: PoolTooSmall, Op: "ChainBuilder.gatherCandidates", Err: fmt.Errorf("mode %s needs %d hops, no cascade fallback had enough candidates", mode, n)}
}

func protocolAllowed(p Protocol, allowed []Protocol) bool {
	for _, a := range allowed {
		if p == a {
			return true
		}
	}
	return false
}
