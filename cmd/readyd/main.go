// Readyd is the task readiness analysis daemon.
//
// It scores how ready backlog tasks are to be worked on, proposes new tasks
// for a story and serves both over HTTP with job progress streamed as SSE.
//
// Configuration comes from an optional YAML file and READYD_* environment
// variables. See internal/config for the keys.
//
// Usage:
//
//	# Start with defaults: in-memory store, in-process bus, no provider
//	readyd
//
//	# Persistent store and a provider key from the environment
//	READYD_STORE_PATH=/var/lib/readyd/readyd.db ANTHROPIC_API_KEY=... readyd
//
//	# Rebuild read models from the event log before serving
//	readyd -replay
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/readyd/internal/config"
	"github.com/fyrsmithlabs/readyd/internal/eventbus"
	httpserver "github.com/fyrsmithlabs/readyd/internal/http"
	"github.com/fyrsmithlabs/readyd/internal/jobs"
	"github.com/fyrsmithlabs/readyd/internal/llm"
	"github.com/fyrsmithlabs/readyd/internal/logging"
	"github.com/fyrsmithlabs/readyd/internal/repoctx"
	"github.com/fyrsmithlabs/readyd/internal/secrets"
	"github.com/fyrsmithlabs/readyd/internal/store"
	"github.com/fyrsmithlabs/readyd/internal/synth"
	"github.com/fyrsmithlabs/readyd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type options struct {
	configPath string
	replay     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", os.Getenv("READYD_CONFIG"), "path to a YAML config file")
	flag.BoolVar(&opts.replay, "replay", false, "rebuild read models from the event log before serving")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  readyd [-config file] [-replay]   Start the readyd daemon\n")
			fmt.Fprintf(os.Stderr, "  readyd version                    Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("readyd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("readyd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every component and blocks until ctx is cancelled:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Opens the store and the event bus
//  4. Builds the repository adapter and the provider chain
//  5. Starts the job workers and the HTTP server
//  6. Shuts everything down in reverse order
func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := logging.New(cfg.Logging, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()
	if degraded, reasons := tel.Degraded(); degraded {
		logger.Warn("telemetry degraded", zap.Strings("reasons", reasons))
	}

	logger.Info("starting readyd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.HTTPPort),
		zap.String("store", cfg.Store.Path),
		zap.String("bus", cfg.Bus.Driver))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	orch, err := jobs.New(jobs.Config{
		Store:          deps.store,
		Bus:            deps.bus,
		Repo:           deps.repo,
		LLM:            deps.llm,
		Synthesizer:    synth.New(synth.Options{Max: cfg.Suggestions.MaxResults, MinClarity: cfg.Suggestions.MinClarity}),
		Logger:         logger,
		Tracer:         tel.Tracer(jobs.InstrumentationName),
		Meter:          tel.Meter(jobs.InstrumentationName),
		Workers:        cfg.Workers.Count,
		DebounceWindow: cfg.Analysis.DebounceWindow,
		LLMReview:      cfg.Analysis.LLMReview,
		MaxSuggestions: cfg.Suggestions.MaxResults,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if opts.replay {
		n, err := orch.Projector().Replay(ctx)
		if err != nil {
			return fmt.Errorf("replay event log: %w", err)
		}
		logger.Info("read models rebuilt", zap.Int("events", n))
	}

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	srv, err := httpserver.NewServer(orch, logger, &httpserver.Config{
		Host:  cfg.Server.Host,
		Port:  cfg.Server.HTTPPort,
		Bus:   deps.bus,
		Meter: tel.Meter("github.com/fyrsmithlabs/readyd/internal/http"),
		Checks: map[string]httpserver.HealthCheck{
			"store": deps.store.Ping,
			"bus":   deps.bus.Healthy,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	logger.Info("server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.HTTPPort)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Bool("llm_configured", deps.llm.Configured()),
		zap.Bool("repo_context", deps.repo != nil))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	shutdownErr := errors.Join(
		srv.Shutdown(shutdownCtx),
		orch.Stop(shutdownCtx),
	)
	logger.Info("readyd stopped")
	return errors.Join(err, shutdownErr)
}

// dependencies holds infrastructure owned by run.
type dependencies struct {
	store *store.SQLite
	bus   *eventbus.NATSBus
	repo  repoctx.Port
	llm   *llm.Chain
}

// Close releases every resource in reverse order of creation.
func (d *dependencies) Close() {
	if d.bus != nil {
		_ = d.bus.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	deps.store = st

	bus, err := openBus(cfg.Bus, logger)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.bus = bus

	repo, err := newRepoPort(ctx, cfg.Repo, logger.Named("repoctx"))
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.repo = repo

	scrubber, err := secrets.New(cfg.Secrets)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("secret scrubber: %w", err)
	}
	var providers []llm.Provider
	for _, s := range []config.ProviderSettings{cfg.LLM.Primary(), cfg.LLM.Secondary()} {
		p, err := llm.FromSettings(llm.Settings{Name: s.Name, Model: s.Model, APIKey: s.APIKey.Value(), BaseURL: s.BaseURL})
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("llm provider %s: %w", s.Name, err)
		}
		if p != nil {
			providers = append(providers, p)
		}
	}
	deps.llm = llm.NewChain(scrubber, cfg.LLM.CallTimeout, logger.Named("llm"), providers...)
	return deps, nil
}

func openBus(cfg config.BusConfig, logger *zap.Logger) (*eventbus.NATSBus, error) {
	logger = logger.Named("eventbus")
	switch {
	case cfg.Driver == "nats" && cfg.Embedded:
		return eventbus.NewEmbedded(eventbus.EmbeddedOptions{Host: cfg.Host, Port: cfg.Port}, logger)
	case cfg.Driver == "nats":
		return eventbus.Connect(eventbus.Options{URL: cfg.URL, Name: "readyd"}, logger)
	default:
		return eventbus.NewLocal(logger)
	}
}

// newRepoPort builds the GitHub adapter. Without a token it reads public
// repositories under the unauthenticated rate limit.
func newRepoPort(ctx context.Context, cfg config.RepoConfig, logger *zap.Logger) (*repoctx.Guarded, error) {
	perHour := cfg.RequestsPerHour
	if !cfg.GitHubToken.IsSet() {
		perHour = min(perHour, repoctx.UnauthenticatedRequestsPerHour)
		logger.Info("no github token configured; only public repositories are reachable",
			zap.Int("requests_per_hour", perHour),
		)
	}
	client, err := repoctx.NewGitHubClient(ctx, cfg.GitHubToken.Value(), cfg.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("github client: %w", err)
	}
	return repoctx.NewGuarded(repoctx.NewGitHubSource(client), repoctx.Options{
		CallTimeout:     cfg.CallTimeout,
		CacheTTL:        cfg.CacheTTL,
		CacheMaxEntries: cfg.CacheMaxEntries,
		RequestsPerHour: perHour,
		Burst:           cfg.Burst,
		StructureWait:   cfg.StructureWait,
	}, logger), nil
}
