package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/pairvault/pairvault/pkg/api"
	"github.com/pairvault/pairvault/pkg/feed"
	"github.com/pairvault/pairvault/pkg/journal"
	"github.com/pairvault/pairvault/pkg/metrics"
	"github.com/pairvault/pairvault/pkg/vault"
)

const (
	defaultDataDir     = ".vaultd"
	defaultRPCPort     = 8080
	defaultWSPort      = 8081
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir  string
	LogLevel string

	// Network
	RPCPort     int
	WSPort      int
	MetricsPort int
	NATSURL     string

	// Vault
	Owner         string
	Manager       string
	Treasury      string
	FeeRateBps    int64
	SecondaryRate string

	// Operations
	SnapshotEvery time.Duration
	EnableMetrics bool
	EnableNATS    bool
}

type VaultNode struct {
	config *Config
	db     database.Database
	engine *vault.VaultController
	rates  *vault.StaticRateSource

	journal   *journal.Journal
	metrics   *metrics.VaultMetrics
	eventFeed *feed.Server
	publisher *feed.Publisher

	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// paperExchange fills swaps at the current oracle rate. It stands in for a
// real venue connection so the daemon runs self-contained.
type paperExchange struct {
	rates *vault.StaticRateSource
}

func (p *paperExchange) Swap(ctx context.Context, amountIn *big.Int, assetIn, assetOut vault.Asset, minAmountOut *big.Int) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate, err := p.rates.SecondaryRate()
	if err != nil {
		return nil, err
	}
	if rate.IsZero() {
		return nil, fmt.Errorf("no rate available")
	}
	// Primary in, secondary out: divide by the secondary unit price.
	out := decimal.NewFromBigInt(amountIn, 0).Div(rate).BigInt()
	if out.Cmp(minAmountOut) < 0 {
		return nil, fmt.Errorf("fill %s below minimum %s at rate %s", out, minAmountOut, rate)
	}
	return out, nil
}

func NewVaultNode(config *Config) (*VaultNode, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing vault node")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataPath, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "vaultd"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	rate, err := decimal.NewFromString(config.SecondaryRate)
	if err != nil || rate.Sign() <= 0 {
		return nil, fmt.Errorf("invalid secondary rate %q", config.SecondaryRate)
	}
	rates := vault.NewStaticRateSource(rate)

	engine, err := vault.NewVaultController(vault.Config{
		Roles: vault.Roles{
			Owner:    vault.Identity(config.Owner),
			Manager:  vault.Identity(config.Manager),
			Treasury: vault.Identity(config.Treasury),
		},
		Custody:    vault.NewMemoryCustody(),
		Exchange:   &paperExchange{rates: rates},
		RateSource: rates,
		FeeRateBps: config.FeeRateBps,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vault engine: %w", err)
	}

	jnl, err := journal.New(db, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	node := &VaultNode{
		config:    config,
		db:        db,
		engine:    engine,
		rates:     rates,
		journal:   jnl,
		eventFeed: feed.NewServer(logger),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	if config.EnableMetrics {
		node.metrics = metrics.New("vault", logger)
	}

	return node, nil
}

func (n *VaultNode) Start() error {
	n.logger.Info("Starting vault node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"rpcPort", n.config.RPCPort,
		"wsPort", n.config.WSPort,
		"rate", n.config.SecondaryRate,
		"feeRateBps", n.config.FeeRateBps)

	// Restore the last checkpoint before any sink can observe new events.
	if err := n.loadState(); err != nil {
		n.logger.Warn("Failed to load state", "error", err)
	}

	n.engine.AddSink(n.journal)
	if n.metrics != nil {
		n.engine.AddSink(n.metrics)
	}
	n.eventFeed.Start()
	n.engine.AddSink(n.eventFeed)

	if n.config.EnableNATS {
		pub, err := feed.NewPublisher(n.config.NATSURL, n.logger)
		if err != nil {
			n.logger.Warn("NATS unavailable, events will not be published", "error", err)
		} else {
			n.publisher = pub
			n.engine.AddSink(pub)
		}
	}

	n.wg.Add(1)
	go n.runSnapshots()

	n.wg.Add(1)
	go n.runJSONRPCServer()

	n.wg.Add(1)
	go n.runFeedServer()

	if n.metrics != nil {
		n.wg.Add(1)
		go n.runMetricsServer()
	}

	n.wg.Add(1)
	go n.printStats()

	n.logger.Info("Vault node started successfully")
	return nil
}

func (n *VaultNode) loadState() error {
	state, ok, err := n.journal.LoadState()
	if err != nil {
		return err
	}
	if !ok {
		n.logger.Info("No previous state found, starting fresh")
		return nil
	}
	if err := n.engine.RestoreState(state); err != nil {
		return err
	}
	n.logger.Info("Loaded state",
		"tvl", state.Ledger.TotalValueLocked.String(),
		"positions", len(state.Ledger.Positions),
		"journaledEvents", n.journal.Len())
	return nil
}

// runSnapshots checkpoints the engine periodically. A snapshot attempt that
// races an in-flight operation is skipped and retried on the next tick.
func (n *VaultNode) runSnapshots() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.SnapshotEvery)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.saveState()
		}
	}
}

func (n *VaultNode) saveState() {
	state, ok := n.engine.StateSnapshot()
	if !ok {
		n.logger.Debug("Snapshot skipped, operation in flight")
		return
	}
	if err := n.journal.SaveState(state); err != nil {
		n.logger.Error("Failed to save state", "error", err)
	}
}

func (n *VaultNode) runJSONRPCServer() {
	defer n.wg.Done()

	server := api.NewJSONRPCServer(n.engine, n.logger)

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		info := n.engine.Info()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":        "healthy",
			"tvl":           info.TotalValueLocked.String(),
			"openPositions": info.OpenPositions,
			"events":        n.journal.Len(),
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.RPCPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("JSON-RPC server started", "port", n.config.RPCPort, "endpoint", "/rpc")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("JSON-RPC server error", "error", err)
	}
}

func (n *VaultNode) runFeedServer() {
	defer n.wg.Done()

	mux := http.NewServeMux()
	mux.Handle("/ws", n.eventFeed)

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", n.config.WSPort),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("Event feed started", "port", n.config.WSPort, "endpoint", "/ws")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("Event feed server error", "error", err)
	}
}

func (n *VaultNode) runMetricsServer() {
	defer n.wg.Done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.MetricsPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	// Gauges track levels, so refresh them on a timer.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				n.metrics.UpdateFromInfo(n.engine.Info())
			}
		}
	}()

	n.logger.Info("Metrics server started", "port", n.config.MetricsPort, "endpoint", "/metrics")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("Metrics server error", "error", err)
	}
}

func (n *VaultNode) printStats() {
	defer n.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			info := n.engine.Info()
			n.logger.Info("Vault node status",
				"uptime", fmt.Sprintf("%.0fs", time.Since(startTime).Seconds()),
				"tvl", info.TotalValueLocked.String(),
				"openPositions", info.OpenPositions,
				"primaryCustody", info.PrimaryCustody.String(),
				"secondaryCustody", info.SecondaryCustody.String(),
				"pendingFees", info.PendingFees.String(),
				"collectedFees", info.CollectedFees.String(),
				"journaledEvents", n.journal.Len())
		}
	}
}

func (n *VaultNode) Shutdown() {
	n.logger.Info("Shutting down vault node...")

	n.cancel()
	n.wg.Wait()

	n.eventFeed.Stop()

	if n.publisher != nil {
		n.publisher.Close()
	}

	// Final checkpoint so a restart resumes exactly here.
	n.saveState()

	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info("Vault node shutdown complete")
}

func main() {
	config := &Config{}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.RPCPort, "rpc-port", defaultRPCPort, "JSON-RPC port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket event feed port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSURL, "nats", "", "NATS server URL (empty uses the default)")

	flag.StringVar(&config.Owner, "owner", "owner", "Owner identity")
	flag.StringVar(&config.Manager, "manager", "manager", "Manager identity")
	flag.StringVar(&config.Treasury, "treasury", "treasury", "Treasury identity")
	flag.Int64Var(&config.FeeRateBps, "fee-rate", vault.DefaultFeeRateBps, "Performance fee rate, per mille")
	flag.StringVar(&config.SecondaryRate, "rate", "15", "Secondary asset rate in primary units")

	flag.DurationVar(&config.SnapshotEvery, "snapshot-every", 30*time.Second, "State checkpoint interval")
	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")
	flag.BoolVar(&config.EnableNATS, "enable-nats", false, "Publish events to NATS")

	flag.Parse()

	rootLogger := log.Root()
	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir))

	node, err := NewVaultNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
