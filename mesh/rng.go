package mesh

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"math/big"
	"time"

	xrand "golang.org/x/exp/rand"
)

// RNG wraps an injectable golang.org/x/exp/rand.Source the way the teacher's
// Proxy.randSrc field does, so ChainBuilder's hop selection is reproducible
// under an injected seed in tests and CSPRNG-seeded in production (spec.md
// §4.2 "Determinism").
type RNG struct {
	r *xrand.Rand
}

// NewRNG seeds an RNG from OS entropy via crypto/rand, matching the pattern
// in utils/other_utils.go's GetRandomValue (crypto/rand + math/big).
func NewRNG() *RNG {
	return NewSeededRNG(cryptoSeed())
}

// NewSeededRNG builds an RNG from an explicit seed, for reproducible tests.
func NewSeededRNG(seed uint64) *RNG {
	return &RNG{r: xrand.New(xrand.NewSource(seed))}
}

func cryptoSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is a fatal environment problem; fall back
		// to a fixed seed rather than panicking mid-chain-build.
		return 0xDEADBEEFCAFE
	}
	return binary.BigEndian.Uint64(b[:])
}

// Float64 returns a uniform value in [0,1).
func (g *RNG) Float64() float64 {
	return g.r.Float64()
}

// Intn returns a uniform value in [0,n).
func (g *RNG) Intn(n int) int {
	return g.r.Intn(n)
}

// randomBytes returns n CSPRNG-quality random bytes. Key/nonce material always
// goes through crypto/rand directly (see NewHopSecret), never through the
// seedable x/exp/rand source, so that injecting a test seed never weakens
// production key generation.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// randomHexString returns n cryptographically random bytes encoded as hex.
func randomHexString(n int) (string, error) {
	b, err := randomBytes(n)
	if err != nil {
		return "", err
	}
	const hexDigits = "0123456789abcdef"
	out := make([]byte, n*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0F]
	}
	return string(out), nil
}

// weightedItem is one candidate in a weighted reservoir sample.
type weightedItem struct {
	proxy  Proxy
	weight float64
}

// weightedSampleWithoutReplacement implements A-Res (Efraimidis-Spirakis)
// weighted reservoir sampling: each item draws key = u^(1/weight) for a
// uniform u in (0,1], and the k largest keys are kept. This is an O(n)
// one-pass selection that never materializes a probability array, per
// spec.md §4.2/§9. gonum was considered (see DESIGN.md) and dropped; the
// teacher's own go.mod flags that it never found gonum to actually fit this
// need.
func weightedSampleWithoutReplacement(items []weightedItem, k int, g *RNG) []Proxy {
	if k <= 0 || len(items) == 0 {
		return nil
	}
	if k > len(items) {
		k = len(items)
	}

	type keyed struct {
		key   float64
		proxy Proxy
	}

	keys := make([]keyed, len(items))
	for i, it := range items {
		// u in (0,1]: avoid log(0) by excluding zero.
		u := 1 - g.Float64()
		key := math.Pow(u, 1/it.weight)
		keys[i] = keyed{key: key, proxy: it.proxy}
	}

	// Partial selection sort for the top-k keys; k is always small
	// (≤5 per spec.md §4.2), so O(n·k) beats a full sort.
	out := make([]Proxy, 0, k)
	used := make([]bool, len(keys))
	for sel := 0; sel < k; sel++ {
		best := -1
		for i, kk := range keys {
			if used[i] {
				continue
			}
			if best == -1 || kk.key > keys[best].key {
				best = i
			}
		}
		used[best] = true
		out = append(out, keys[best].proxy)
	}
	return out
}

// shuffle randomizes the order of ps in place using Fisher-Yates, per
// spec.md §4.2 step 3: "Ordering of the sampled hops within the chain is
// randomised again uniformly (the pick order does not equal the chain
// order)".
func shuffle(ps []Proxy, g *RNG) {
	for i := len(ps) - 1; i > 0; i-- {
		j := g.Intn(i + 1)
		ps[i], ps[j] = ps[j], ps[i]
	}
}

// randomChainLength picks the hop count for mode using the ranges in
// spec.md §4.2.
func randomChainLength(mode Mode, g *RNG) int {
	switch mode {
	case ModeLite:
		return 1
	case ModeStealth:
		return 1 + g.Intn(2) // {1,2}
	case ModeHigh:
		return 2 + g.Intn(2) // {2,3}
	case ModePhantom:
		return 3 + g.Intn(3) // {3,4,5}
	default:
		return 1
	}
}

// randomBigInt is adapted from the teacher's GetRandomValue helper
// (utils/other_utils.go): a uniform integer over an arbitrary range rather
// than a fixed bit width.
func randomBigInt(maxExclusive int64) (int64, error) {
	if maxExclusive <= 0 {
		return 0, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxExclusive))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}

// jitterStartup sleeps a few random milliseconds before a liveness dial so
// a large batch of goroutines released by the same rate-limiter tick
// doesn't all hit the wire in the same instant.
func jitterStartup() {
	n, err := randomBigInt(20)
	if err != nil {
		return
	}
	time.Sleep(time.Duration(n) * time.Millisecond)
}
