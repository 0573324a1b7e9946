package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/warden/cluster"
	"github.com/migadu/warden/config"
	"github.com/migadu/warden/engine"
	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/persist"
	"github.com/migadu/warden/pkg/errors"
	"github.com/migadu/warden/pkg/health"
	"github.com/migadu/warden/pkg/metrics"
	"github.com/migadu/warden/policy"
	"github.com/migadu/warden/replication"
	"github.com/migadu/warden/server/expiry"
	"github.com/migadu/warden/server/httpapi"
	"github.com/migadu/warden/statsdb"
	"github.com/migadu/warden/webhook"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Add()  { sm.wg.Add(1) }
func (sm *serverManager) Done() { sm.wg.Done() }
func (sm *serverManager) Wait() { sm.wg.Wait() }

// serverDependencies encapsulates the shared services the servers run on
type serverDependencies struct {
	config           config.Config
	persister        policy.Persister
	stats            *statsdb.Store
	named            *statsdb.NamedCounters
	blacklist        *policy.List
	whitelist        *policy.List
	engine           *engine.Engine
	replicator       *replication.Replicator
	clusterManager   *cluster.Manager
	webhooks         *webhook.Dispatcher
	expiryWorker     *expiry.Worker
	healthMonitor    *health.HealthMonitor
	metricsCollector *metrics.Collector
	serverManager    *serverManager
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	// Parse command-line flags
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "warden.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("warden version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Load and validate configuration
	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARDEN: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(c io.Closer) {
			if err := c.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "WARDEN: Error closing log output: %v\n", err)
			}
		}(logFile)
	}

	logger.Info("warden starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	// Set up context and signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down...", "signal", sig.String())
		cancel()
	}()

	// Initialize all core services
	deps, initErr := initializeServices(ctx, cfg)
	if initErr != nil {
		errorHandler.FatalError("initialize services", initErr)
		os.Exit(errorHandler.WaitForExit())
	}

	// Clean up resources on exit, in reverse order of creation
	if deps.persister != nil {
		defer deps.persister.Close()
	}
	if deps.replicator != nil {
		defer deps.replicator.Stop()
	}
	if deps.clusterManager != nil {
		defer deps.clusterManager.Shutdown()
	}
	defer deps.webhooks.Stop()
	defer deps.expiryWorker.Stop()
	defer deps.healthMonitor.Stop()
	defer deps.metricsCollector.Stop()

	// Start all configured servers
	errChan := startServers(ctx, deps)

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		logger.Info("Waiting for all servers to stop gracefully...")

		done := make(chan struct{})
		go func() {
			deps.serverManager.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("All server listeners closed")
		case <-time.After(10 * time.Second):
			logger.Warn("Server shutdown timeout reached after 10 seconds")
		}
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig loads configuration from file and validates it
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "warden.toml" {
			// If default config doesn't exist, that's okay - use defaults
			logger.Warn("Default configuration file not found, using application defaults", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
	if cfg.API.Start && cfg.API.APIKey == "" {
		errorHandler.ValidationError("api.api_key", fmt.Errorf("an API key is required when the command API is started"))
		os.Exit(errorHandler.WaitForExit())
	}
}

func replicationEnabled(cfg config.Config) bool {
	return cfg.Replication.Listen != "" || len(cfg.Replication.Siblings) > 0 || cfg.Cluster.Enabled
}

// advertiseAddr is the replication endpoint announced over gossip. It
// defaults to the replication listen address; an empty host is left
// unspecified so peers substitute the gossip address.
func advertiseAddr(cfg config.Config) string {
	if cfg.Cluster.Advertise != "" {
		return cfg.Cluster.Advertise
	}
	host, port, err := net.SplitHostPort(cfg.Replication.Listen)
	if err != nil {
		return ""
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, port)
}

// initializeServices builds the stores, the engine and the background workers
func initializeServices(ctx context.Context, cfg config.Config) (*serverDependencies, error) {
	deps := &serverDependencies{
		config:        cfg,
		serverManager: &serverManager{},
	}

	var err error
	deps.persister, err = persist.Open(ctx, cfg.Persistence)
	if err != nil {
		return nil, fmt.Errorf("open persistence backend: %w", err)
	}
	if deps.persister != nil {
		logger.Info("Persistence backend ready", "backend", deps.persister.Backend())
	}

	timeout, err := cfg.Persistence.GetTimeout()
	if err != nil {
		return nil, err
	}
	listOptions := func(lc config.ListConfig) policy.Options {
		return policy.Options{
			Persister:         deps.persister,
			Persist:           lc.Persist,
			PersistReplicated: lc.PersistReplicated,
			Timeout:           timeout,
		}
	}
	deps.blacklist = policy.New(policy.Blacklist, listOptions(cfg.Blacklist))
	deps.whitelist = policy.New(policy.Whitelist, listOptions(cfg.Whitelist))
	for _, l := range []*policy.List{deps.blacklist, deps.whitelist} {
		n, err := l.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", l.Kind(), err)
		}
		if n > 0 {
			logger.Info("Restored persistent entries", "list", l.Kind(), "count", n)
		}
	}

	deps.stats, err = statsdb.NewStoreFromConfig(cfg.StatsDBs)
	if err != nil {
		return nil, err
	}
	deps.named = statsdb.NewNamedCounters()

	deps.webhooks, err = webhook.New(cfg.Webhooks)
	if err != nil {
		return nil, err
	}
	deps.webhooks.Start(ctx)

	deps.engine, err = engine.New(engine.Options{
		Config:    cfg.Engine,
		Stats:     deps.stats,
		Named:     deps.named,
		Blacklist: deps.blacklist,
		Whitelist: deps.whitelist,
		Notifier:  deps.webhooks,
	})
	if err != nil {
		return nil, err
	}

	if replicationEnabled(cfg) {
		deps.replicator, err = replication.New(cfg.Replication, &replication.StoreApplier{
			Stats:     deps.stats,
			Blacklist: deps.blacklist,
			Whitelist: deps.whitelist,
			Named:     deps.named,
		})
		if err != nil {
			return nil, err
		}
		if err := deps.replicator.Start(); err != nil {
			return nil, err
		}
		deps.stats.SetSink(deps.replicator.StatsSink)
		deps.blacklist.SetSink(deps.replicator.ListSink)
		deps.whitelist.SetSink(deps.replicator.ListSink)
		deps.named.SetSink(deps.replicator.NamedSink)
	}

	// Initialize cluster manager if enabled
	if cfg.Cluster.Enabled {
		logger.Info("Initializing cluster manager")
		deps.clusterManager, err = cluster.New(cfg.Cluster, advertiseAddr(cfg), deps.replicator)
		if err != nil {
			return nil, fmt.Errorf("initialize cluster manager: %w", err)
		}
		logger.Info("Cluster manager initialized", "node_id", deps.clusterManager.GetNodeID(),
			"members", len(deps.clusterManager.GetMembers()), "leader", deps.clusterManager.GetLeaderID())
		deps.clusterManager.OnLeaderChange(func(isLeader bool, leader string) {
			logger.Info("Cluster leader changed", "leader", leader, "is_leader", isLeader)
		})
	}

	deps.expiryWorker, err = newExpiryWorker(deps)
	if err != nil {
		return nil, err
	}
	deps.expiryWorker.Start(ctx)

	// Start health monitoring
	deps.healthMonitor = health.NewHealthMonitor()
	deps.healthMonitor.AddStatusCallback(func(name string, status health.ComponentStatus) {
		logger.Info("Health status changed", "check", name, "status", status)
	})
	if deps.persister != nil {
		deps.healthMonitor.RegisterCheck(health.PersistenceCheck(deps.persister.Backend(), deps.persister))
	}
	if deps.replicator != nil {
		deps.healthMonitor.RegisterCheck(health.ReplicationCheck(deps.replicator))
	}
	deps.healthMonitor.RunOnce(ctx)
	deps.healthMonitor.Start(ctx)

	deps.metricsCollector = metrics.NewCollector(&statsProvider{engine: deps.engine, replicator: deps.replicator}, 15*time.Second)
	go deps.metricsCollector.Start(ctx)

	return deps, nil
}

func newExpiryWorker(deps *serverDependencies) (*expiry.Worker, error) {
	interval, err := deps.config.Expiry.GetInterval()
	if err != nil {
		return nil, err
	}
	purgeInterval, err := deps.config.Expiry.GetPersistPurgeInterval()
	if err != nil {
		return nil, err
	}

	opts := expiry.Options{
		Lists:                []expiry.ListPurger{deps.blacklist, deps.whitelist},
		Interval:             interval,
		PersistPurgeInterval: purgeInterval,
	}
	for _, db := range deps.stats.All() {
		opts.Sweepers = append(opts.Sweepers, db)
	}
	// Interface fields stay nil unless the component exists.
	if deps.replicator != nil {
		opts.Dedup = deps.replicator
	}
	if deps.persister != nil {
		opts.Persister = deps.persister
	}
	if deps.clusterManager != nil {
		opts.Leader = deps.clusterManager
	}
	return expiry.New(opts), nil
}

// statsProvider adds replication queue depths to the engine's snapshot.
type statsProvider struct {
	engine     *engine.Engine
	replicator *replication.Replicator
}

func (p *statsProvider) MetricsSnapshot(ctx context.Context) (*metrics.Snapshot, error) {
	snap, err := p.engine.MetricsSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if p.replicator != nil {
		snap.SendQueues = p.replicator.SendQueueSizes()
		snap.RecvQueue = p.replicator.RecvQueueSize()
	}
	return snap, nil
}

// startServers starts the command API and metrics servers and returns an
// error channel for monitoring
func startServers(ctx context.Context, deps *serverDependencies) chan error {
	errChan := make(chan error, 2)
	cfg := deps.config

	if cfg.API.Start {
		go startCommandAPIServer(ctx, deps, errChan)
	}
	if cfg.Metrics.Enabled {
		go startMetricsServer(ctx, deps, errChan)
	}
	return errChan
}

func startCommandAPIServer(ctx context.Context, deps *serverDependencies, errChan chan error) {
	deps.serverManager.Add()
	defer deps.serverManager.Done()

	cfg := deps.config.API
	readTimeout, err := cfg.GetReadTimeout()
	if err != nil {
		errChan <- err
		return
	}
	writeTimeout, err := cfg.GetWriteTimeout()
	if err != nil {
		errChan <- err
		return
	}

	opts := httpapi.ServerOptions{
		Addr:           cfg.Addr,
		APIKey:         cfg.APIKey,
		AllowedHosts:   cfg.AllowedHosts,
		TrustedProxies: cfg.TrustedProxies,
		Health:         deps.healthMonitor,
		TLS:            cfg.TLS,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
	}
	if deps.replicator != nil {
		opts.Siblings = deps.replicator
	}
	httpapi.Start(ctx, deps.engine, opts, errChan)
}

func startMetricsServer(ctx context.Context, deps *serverDependencies, errChan chan error) {
	deps.serverManager.Add()
	defer deps.serverManager.Done()

	cfg := deps.config.Metrics
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
