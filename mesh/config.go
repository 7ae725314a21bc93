package mesh

import "time"

// Config is the engine-level configuration shared by the refresh, rotate,
// and serve subcommands: where pools live on disk, which mode to build
// chains in, and the tunable knobs for each component. Mirrors the
// teacher's flat proxy.Config struct in shape (one struct, documented
// fields, sane zero-value defaults applied by the constructors that
// consume it) rather than splitting into many small option structs.
type Config struct {
	// StateDir is where Store persists pool and chain-topology files.
	StateDir string

	// Mode selects the chain-building policy bundle.
	Mode Mode

	// ListenAddr is the local SOCKS5 listen address for TunnelServer.
	ListenAddr string

	// MaxConnections bounds concurrent tunneled connections.
	MaxConnections int

	// MaxPerIP bounds connections accepted from a single client address
	// within the rate-bucket window.
	MaxPerIP int

	// IdleTimeout tears down a tunnel direction after this much silence.
	IdleTimeout time.Duration

	// RotateInterval is how often TunnelServer rebuilds its ChainDecision.
	RotateInterval time.Duration

	// StatsPort is the listen port for the /stats HTTP endpoint.
	StatsPort int

	// Verifier tunables.
	VerifyConcurrency int
	VerifyRatePerSec  int
	VerifyTimeout     time.Duration
}

// DefaultConfig returns a Config with spec.md's suggested defaults.
func DefaultConfig() Config {
	return Config{
		StateDir:          "./state",
		Mode:              ModeStealth,
		ListenAddr:        "127.0.0.1:1080",
		MaxConnections:    512,
		MaxPerIP:          50,
		IdleTimeout:       120 * time.Second,
		RotateInterval:    300 * time.Second,
		StatsPort:         9090,
		VerifyConcurrency: 100,
		VerifyRatePerSec:  50,
		VerifyTimeout:     4 * time.Second,
	}
}
