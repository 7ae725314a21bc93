package mesh

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/syncutil"
	rate "github.com/beefsack/go-rate"
)

// VerifierConfig bounds Verifier's concurrency and dial rate.
type VerifierConfig struct {
	// MaxConcurrent bounds simultaneous liveness dials (spec.md §9:
	// "W_verify", default 100).
	MaxConcurrent int

	// MaxDialsPerSecond caps the global dial rate so verification never
	// looks like a port-scan burst.
	MaxDialsPerSecond int

	// DialTimeout bounds a single liveness check.
	DialTimeout time.Duration
}

// DefaultVerifierConfig matches spec.md §9's suggested defaults.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		MaxConcurrent:     100,
		MaxDialsPerSecond: 50,
		DialTimeout:       4 * time.Second,
	}
}

// Verifier performs TCP-connect liveness checks against a proxy pool,
// updating Latency on success; Verify reports dead entries and
// ApplyResults drops them. It is stateless
// across runs: nothing it observes is cached beyond the lifetime of one
// Verify call, per spec.md §9. Bounded concurrency follows the same
// syncutil.Semaphore pattern as proxy.Proxy.requestsSema; the global dial
// limiter is the one place in the module a dedicated rate-limiting library
// (rather than a semaphore) fits, since it throttles call frequency, not
// concurrency.
type Verifier struct {
	sema    syncutil.Semaphore
	limiter *rate.RateLimiter
	timeout time.Duration
}

// NewVerifier builds a Verifier from cfg, filling in defaults for zero
// fields.
func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.MaxDialsPerSecond <= 0 {
		cfg.MaxDialsPerSecond = 50
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 4 * time.Second
	}

	return &Verifier{
		sema:    syncutil.NewChanSemaphore(cfg.MaxConcurrent),
		limiter: rate.New(cfg.MaxDialsPerSecond, time.Second),
		timeout: cfg.DialTimeout,
	}
}

// VerifyResult is one proxy's liveness outcome.
type VerifyResult struct {
	Proxy   Proxy
	Alive   bool
	Latency time.Duration
	Err     error
}

// Verify dials every proxy in pool concurrently (bounded by
// VerifierConfig.MaxConcurrent and globally rate-limited), returning one
// result per input proxy in input order.
func (v *Verifier) Verify(ctx context.Context, pool []Proxy) []VerifyResult {
	results := make([]VerifyResult, len(pool))

	var wg sync.WaitGroup
	for i, p := range pool {
		if err := v.sema.Acquire(ctx); err != nil {
			results[i] = VerifyResult{Proxy: p, Err: ctx.Err()}
			continue
		}

		wg.Add(1)
		go func(i int, p Proxy) {
			defer wg.Done()
			defer v.sema.Release()

			v.limiter.Wait()
			jitterStartup()
			results[i] = v.checkOne(ctx, p)
		}(i, p)
	}
	wg.Wait()

	return results
}

// checkOne performs a single TCP-connect liveness probe.
func (v *Verifier) checkOne(ctx context.Context, p Proxy) VerifyResult {
	dialCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	d := net.Dialer{}
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(p.Address, strconv.Itoa(p.Port)))
	latency := time.Since(start)
	if err != nil {
		return VerifyResult{Proxy: p, Alive: false, Err: wrap(ConnectTimeout, "Verifier.checkOne", err)}
	}
	conn.Close()

	updated := p
	updated.Latency = latency.Seconds()
	return VerifyResult{Proxy: updated, Alive: true, Latency: latency}
}

// ApplyResults folds a Verify run's outcomes back into a polished pool,
// dropping dead entries and rescoring live ones against the freshly
// measured latencies (L_max taken over this run's live results, per
// spec.md §3).
func ApplyResults(results []VerifyResult) []Proxy {
	var lMax float64
	for _, r := range results {
		if r.Alive && r.Proxy.Latency > lMax {
			lMax = r.Proxy.Latency
		}
	}
	if lMax <= 0 {
		lMax = fixedLatencyCeiling
	}

	out := make([]Proxy, 0, len(results))
	for _, r := range results {
		if !r.Alive {
			continue
		}
		p := r.Proxy
		p.Score = score(p, lMax)
		p.Tier = TierFromScore(p.Score)
		out = append(out, p)
	}
	return out
}
