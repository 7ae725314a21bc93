// Package mesh implements the core proxy-mesh engine: polishing raw scraped
// proxies into scored/tiered pools, building multi-hop chains from those
// pools, negotiating the chain hop by hop, and tunneling client traffic
// through it with per-hop authenticated encryption.
package mesh

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/barweiss/go-tuple"
)

// Protocol is the proxy's wire protocol tag.
type Protocol string

// Recognized protocol tags. Anything else is rejected by PolishEngine.
const (
	ProtoHTTP   Protocol = "http"
	ProtoHTTPS  Protocol = "https"
	ProtoSOCKS4 Protocol = "socks4"
	ProtoSOCKS5 Protocol = "socks5"
)

// ParseProtocol case-folds s and validates it against the known tags.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(s))) {
	case ProtoHTTP:
		return ProtoHTTP, nil
	case ProtoHTTPS:
		return ProtoHTTPS, nil
	case ProtoSOCKS4:
		return ProtoSOCKS4, nil
	case ProtoSOCKS5:
		return ProtoSOCKS5, nil
	default:
		return "", &Error{Kind: InvalidInput, Op: "ParseProtocol", Err: fmt.Errorf("unrecognized protocol %q", s)}
	}
}

// dnsCapable reports whether p can carry a DOMAIN-typed CONNECT target,
// i.e. whether resolution happens at the proxy instead of locally.
func (p Protocol) dnsCapable() bool {
	return p == ProtoSOCKS5 || p == ProtoHTTPS
}

// Anonymity is the proxy's self-reported (or scraper-observed) anonymity
// label.
type Anonymity string

const (
	AnonElite       Anonymity = "elite"
	AnonAnonymous   Anonymity = "anonymous"
	AnonTransparent Anonymity = "transparent"
	AnonUnknown     Anonymity = "unknown"
)

// Tier is the quality band assigned from a proxy's score.
type Tier string

const (
	TierDead     Tier = "Dead"
	TierBronze   Tier = "Bronze"
	TierSilver   Tier = "Silver"
	TierGold     Tier = "Gold"
	TierPlatinum Tier = "Platinum"
)

// TierFromScore assigns the tier strictly from score under the §3 bands.
func TierFromScore(score float64) Tier {
	switch {
	case score < 0.30:
		return TierDead
	case score < 0.50:
		return TierBronze
	case score < 0.70:
		return TierSilver
	case score < 0.85:
		return TierGold
	default:
		return TierPlatinum
	}
}

// ProxyKey is the dedup/distinctness identity of a proxy: (address, port).
type ProxyKey = tuple.T2[string, int]

// NewProxyKey builds the identity key for a proxy record.
func NewProxyKey(address string, port int) ProxyKey {
	return tuple.New2(address, port)
}

// Proxy is a single polished proxy record.
type Proxy struct {
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	Protocol  Protocol  `json:"protocol"`
	Latency   float64   `json:"latency"`
	Country   string    `json:"country"`
	Anonymity Anonymity `json:"anonymity"`
	Score     float64   `json:"score"`
	Tier      Tier      `json:"tier"`
}

// Key returns p's identity key.
func (p Proxy) Key() ProxyKey {
	return NewProxyKey(p.Address, p.Port)
}

// DNSCapable reports whether p can carry a DOMAIN-typed CONNECT target.
func (p Proxy) DNSCapable() bool {
	return p.Protocol.dnsCapable()
}

// UnmarshalJSON tolerates an empty or absent tier, defaulting it to Bronze
// and recomputing it from score when score is present, per spec.md §9 and
// §6's persisted-state contract. It never alters the record's score field.
func (p *Proxy) UnmarshalJSON(data []byte) error {
	type alias Proxy
	aux := struct {
		*alias
	}{alias: (*alias)(p)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if p.Tier == "" {
		if p.Score > 0 {
			p.Tier = TierFromScore(p.Score)
		} else {
			p.Tier = TierBronze
		}
	}

	return nil
}

// RawProxy is a pre-polish scraper record: unvalidated, unscored.
type RawProxy struct {
	Address   string  `json:"address"`
	Port      int     `json:"port"`
	Protocol  string  `json:"protocol"`
	Latency   float64 `json:"latency"`
	Country   string  `json:"country"`
	Anonymity string  `json:"anonymity"`
}

// Mode is a named policy bundle controlling chain length, protocol filters,
// and tier requirements.
type Mode string

const (
	ModeLite    Mode = "lite"
	ModeStealth Mode = "stealth"
	ModeHigh    Mode = "high"
	ModePhantom Mode = "phantom"
)

// ParseMode validates s against the enum set.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeLite:
		return ModeLite, nil
	case ModeStealth:
		return ModeStealth, nil
	case ModeHigh:
		return ModeHigh, nil
	case ModePhantom:
		return ModePhantom, nil
	default:
		return "", &Error{Kind: InvalidInput, Op: "ParseMode", Err: fmt.Errorf("unrecognized mode %q", s)}
	}
}

// requiresDomainResolution reports whether m must resolve hostnames at the
// entry/exit proxy rather than locally (spec.md §4.4).
func (m Mode) requiresDomainResolution() bool {
	return m == ModeHigh || m == ModePhantom
}

// Pools is the three logically derived views over a polished population.
// Every polished proxy appears in exactly one of {DNSCapable, NonDNS} and in
// Combined.
type Pools struct {
	DNSCapable []Proxy `json:"dns_capable"`
	NonDNS     []Proxy `json:"non_dns"`
	Combined   []Proxy `json:"combined"`
}
