// Package cmd is the duskmesh CLI entry point.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron"
	goFlags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"github.com/proxymesh/duskmesh/internal/version"
	"github.com/proxymesh/duskmesh/mesh"
)

// Options represents command-line and YAML-file configurable options. The
// yaml file is read first (if given) so that flags passed on the command
// line can override it, matching the teacher's two-tier Options pattern.
type Options struct {
	ConfigPath string `long:"config-path" description:"YAML configuration file." default:""`

	LogOutput string `yaml:"output" short:"o" long:"output" description:"Path to the log file. If not set, write to stdout."`
	Verbose   bool   `yaml:"verbose" short:"v" long:"verbose" description:"Verbose logging." optional:"yes" optional-value:"true"`

	Command string `long:"cmd" description:"Subcommand: refresh, verify, rotate, serve, stats, audit." default:"serve"`

	StateDir       string `yaml:"state-dir" long:"state-dir" description:"Directory for persisted pools and chain topology." default:"./state"`
	Mode           string `yaml:"mode" short:"m" long:"mode" description:"Chain mode: lite, stealth, high, phantom." default:"stealth"`
	ListenAddr     string `yaml:"listen" short:"l" long:"listen" description:"Local SOCKS5 listen address." default:"127.0.0.1:1080"`
	MaxConnections int    `yaml:"max-connections" long:"max-connections" description:"Max concurrent tunneled connections." default:"512"`
	MaxPerIP       int    `yaml:"max-per-ip" long:"max-per-ip" description:"Max connections accepted per source IP per rate window." default:"50"`
	RotateMinutes  int    `yaml:"rotate-minutes" long:"rotate-minutes" description:"Chain rotation interval, in minutes." default:"5"`
	StatsPort      int    `yaml:"stats-port" long:"stats-port" description:"Port for the read-only /stats HTTP endpoint." default:"9090"`

	VerifyConcurrency int `yaml:"verify-concurrency" long:"verify-concurrency" description:"Max concurrent liveness dials." default:"100"`
	VerifyRatePerSec  int `yaml:"verify-rate" long:"verify-rate" description:"Max liveness dials per second." default:"50"`

	ScrapeURL string `yaml:"scrape-url" long:"scrape-url" description:"Remote URL to fetch a raw proxy list JSON from. If unset, refresh reads raw_proxies.json from state-dir instead."`
}

// Main is the entrypoint of the duskmesh CLI.
func Main() {
	opts, exitCode, err := parseOptions()
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("parsing options: %w", err))
	}
	if opts == nil {
		os.Exit(exitCode)
	}

	logOutput := os.Stdout
	if opts.LogOutput != "" {
		logOutput, err = os.OpenFile(opts.LogOutput, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, fmt.Errorf("cannot create a log file: %w", err))
			os.Exit(osutil.ExitCodeArgumentError)
		}
		defer logOutput.Close()
	}

	lvl := slog.LevelInfo
	if opts.Verbose {
		lvl = slog.LevelDebug
	}

	l := slogutil.New(&slogutil.Config{
		Output: logOutput,
		Format: slogutil.FormatDefault,
		Level:  lvl,
	})
	ctx := context.Background()
	l.InfoContext(ctx, "duskmesh starting", "version", version.Version(), "cmd", opts.Command)

	conf := configFromOptions(opts)

	err = dispatch(ctx, l, opts, conf)
	if err != nil {
		l.ErrorContext(ctx, "command failed", "cmd", opts.Command, slogutil.KeyError, err)
		os.Exit(osutil.ExitCodeFailure)
	}
}

// parseOptions loads the YAML config (if --config-path is set) before
// flags, then parses flags over it so flags win, matching the teacher's
// main.go pre-scan for --config-path.
func parseOptions() (opts *Options, exitCode int, err error) {
	opts = &Options{}

	for _, arg := range os.Args[1:] {
		const prefix = "--config-path="
		if len(arg) > len(prefix) && arg[:len(prefix)] == prefix {
			path := arg[len(prefix):]
			b, readErr := os.ReadFile(path)
			if readErr != nil {
				return nil, osutil.ExitCodeArgumentError, fmt.Errorf("reading config file %s: %w", path, readErr)
			}
			if yamlErr := yaml.Unmarshal(b, opts); yamlErr != nil {
				return nil, osutil.ExitCodeArgumentError, fmt.Errorf("parsing config file %s: %w", path, yamlErr)
			}
		}
	}

	parser := goFlags.NewParser(opts, goFlags.Default)
	if _, err = parser.Parse(); err != nil {
		if flagsErr, ok := err.(*goFlags.Error); ok && flagsErr.Type == goFlags.ErrHelp {
			return nil, 0, nil
		}
		return nil, osutil.ExitCodeArgumentError, err
	}

	return opts, 0, nil
}

// configFromOptions adapts the flat CLI Options into mesh.Config.
func configFromOptions(opts *Options) mesh.Config {
	conf := mesh.DefaultConfig()
	conf.StateDir = opts.StateDir
	conf.ListenAddr = opts.ListenAddr
	conf.MaxConnections = opts.MaxConnections
	conf.MaxPerIP = opts.MaxPerIP
	conf.RotateInterval = time.Duration(opts.RotateMinutes) * time.Minute
	conf.StatsPort = opts.StatsPort
	conf.VerifyConcurrency = opts.VerifyConcurrency
	conf.VerifyRatePerSec = opts.VerifyRatePerSec

	if mode, err := mesh.ParseMode(opts.Mode); err == nil {
		conf.Mode = mode
	}
	return conf
}

// dispatch routes to the requested subcommand. Subcommand bodies stay
// thin: the real logic lives in the mesh package.
func dispatch(ctx context.Context, l *slog.Logger, opts *Options, conf mesh.Config) error {
	switch opts.Command {
	case "refresh":
		return runRefresh(ctx, l, opts, conf)
	case "verify":
		return runVerify(ctx, l, conf)
	case "rotate":
		return runRotate(ctx, l, conf)
	case "serve":
		return runServe(ctx, l, conf)
	case "stats":
		return runStats(ctx, l, conf)
	case "audit":
		return runAudit(ctx, l, conf)
	default:
		return fmt.Errorf("unrecognized command %q", opts.Command)
	}
}

// runRefresh fetches a raw proxy batch (remotely via HTTPScraper if
// --scrape-url is set, otherwise from raw_proxies.json via FileScraper),
// polishes it, and persists the resulting pools.
func runRefresh(ctx context.Context, l *slog.Logger, opts *Options, conf mesh.Config) error {
	store, err := mesh.NewStore(conf.StateDir)
	if err != nil {
		return err
	}

	var scraper Scraper
	if opts.ScrapeURL != "" {
		scraper = HTTPScraper{URL: opts.ScrapeURL}
	} else {
		scraper = FileScraper{Store: store}
	}
	raw, err := scraper.Scrape(ctx)
	if err != nil {
		return fmt.Errorf("scraping: %w", err)
	}

	pe := mesh.NewPolishEngine()
	result, err := pe.Polish(raw)
	if err != nil {
		return fmt.Errorf("polishing: %w", err)
	}

	l.InfoContext(ctx, "polish complete",
		"input", result.TotalInput, "dropped", result.Dropped, "duplicates", result.Duplicates,
		"combined", len(result.Pools.Combined))

	return store.SavePools(result.Pools)
}

// runVerify loads the persisted pools, liveness-checks every proxy in
// Combined, drops dead entries, rescores survivors against freshly measured
// latencies, and persists the result back over the existing pool files.
func runVerify(ctx context.Context, l *slog.Logger, conf mesh.Config) error {
	store, err := mesh.NewStore(conf.StateDir)
	if err != nil {
		return err
	}

	pools, err := store.LoadPools()
	if err != nil {
		return err
	}

	v := mesh.NewVerifier(mesh.VerifierConfig{
		MaxConcurrent:     conf.VerifyConcurrency,
		MaxDialsPerSecond: conf.VerifyRatePerSec,
		DialTimeout:       conf.VerifyTimeout,
	})

	results := v.Verify(ctx, pools.Combined)
	live := mesh.ApplyResults(results)

	var alive int
	for _, r := range results {
		if r.Alive {
			alive++
		}
	}
	l.InfoContext(ctx, "verify complete", "checked", len(results), "alive", alive)

	return store.SavePools(mesh.SplitPools(live))
}

// runRotate builds and persists a single fresh ChainDecision topology,
// without starting the tunnel listener.
func runRotate(ctx context.Context, l *slog.Logger, conf mesh.Config) error {
	store, err := mesh.NewStore(conf.StateDir)
	if err != nil {
		return err
	}

	pools, err := store.LoadPools()
	if err != nil {
		return err
	}

	builder := mesh.NewChainBuilder()
	decision, err := builder.Build(pools, conf.Mode)
	if err != nil {
		return err
	}

	l.InfoContext(ctx, "chain built", "chain_id", decision.ChainID, "hops", len(decision.Hops))
	return store.SaveChainTopology(decision)
}

// runServe starts the SOCKS5 TunnelServer, a background rotation
// scheduler, an hourly stats-save job, and the /stats HTTP endpoint, and
// blocks until a termination signal arrives. It does not run Verifier
// sweeps; the pools loaded at startup are used until the process exits.
func runServe(ctx context.Context, l *slog.Logger, conf mesh.Config) error {
	store, err := mesh.NewStore(conf.StateDir)
	if err != nil {
		return err
	}

	pools, err := store.LoadPools()
	if err != nil {
		return err
	}

	ts, err := mesh.NewTunnelServer(pools, mesh.TunnelConfig{
		Mode:           conf.Mode,
		MaxConnections: conf.MaxConnections,
		IdleTimeout:    conf.IdleTimeout,
		MaxPerIP:       conf.MaxPerIP,
		Logger:         l,
	})
	if err != nil {
		return fmt.Errorf("starting tunnel server: %w", err)
	}

	stats := mesh.NewStatsManager()
	stats.Load(conf.StateDir + "/stats.json")

	s := gocron.NewScheduler(time.UTC)
	_, schedErr := s.Every(int(conf.RotateInterval.Minutes())).Minutes().Do(func() {
		// A failed rebuild leaves the previous ChainDecision live; the
		// next scheduled tick, one full rotation interval later, is the
		// retry; there is no shorter or growing retry delay.
		if rotateErr := ts.Rotate(); rotateErr != nil {
			l.ErrorContext(ctx, "rotation failed, will retry next tick", slogutil.KeyError, rotateErr)
			stats.Incr("rotations::failed", 1)
			stats.SetString("rotations::last_error", rotateErr.Error())
			return
		}
		stats.Incr("rotations::succeeded", 1)
		current := ts.Current()
		stats.SetString("chains::last_mode", string(current.Mode))
		stats.Set("chains::last_hop_count", len(current.Hops))
		stats.Set("chains::last_avg_score", current.AvgScore)
	})
	if schedErr != nil {
		l.ErrorContext(ctx, "scheduling rotation", slogutil.KeyError, schedErr)
	}
	_, schedErr = s.Every(1).Hour().Do(func() { stats.Save(conf.StateDir + "/stats.json") })
	if schedErr != nil {
		l.ErrorContext(ctx, "scheduling stats save", slogutil.KeyError, schedErr)
	}
	s.StartAsync()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/stats", func(c *gin.Context) {
		decision := ts.Current()
		c.JSON(http.StatusOK, gin.H{
			"chain_id":  decision.ChainID,
			"mode":      decision.Mode,
			"hops":      len(decision.Hops),
			"avg_score": decision.AvgScore,
			"stats":     stats.Snapshot(),
		})
	})
	go func() {
		if serveErr := r.Run("0.0.0.0:" + strconv.Itoa(conf.StatsPort)); serveErr != nil {
			l.ErrorContext(ctx, "stats server stopped", slogutil.KeyError, serveErr)
		}
	}()

	listener, err := listenSOCKS(conf.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", conf.ListenAddr, err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if serveErr := ts.Serve(serveCtx, listener, conf.MaxConnections); serveErr != nil && !errors.Is(serveErr, context.Canceled) {
			l.ErrorContext(ctx, "tunnel server stopped", slogutil.KeyError, serveErr)
		}
	}()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	<-signalChannel

	l.InfoContext(ctx, "shutting down")
	stats.Save(conf.StateDir + "/stats.json")
	return nil
}

// runStats prints the current persisted stats tree as JSON and exits.
func runStats(ctx context.Context, l *slog.Logger, conf mesh.Config) error {
	stats := mesh.NewStatsManager()
	stats.Load(conf.StateDir + "/stats.json")

	out, err := stats.AsJSONPretty()
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runAudit is a stub: the actual leak-audit probe is an external
// containerized workload (out of scope per spec.md §1); this just names it.
func runAudit(ctx context.Context, l *slog.Logger, conf mesh.Config) error {
	l.InfoContext(ctx, "leak audit is an external probe",
		"image", "duskmesh/leak-audit:latest",
		"hint", "run it against the listen address with the mesh serving")
	return nil
}
