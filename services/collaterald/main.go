package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	nodeconfig "loanledger/config"
	"loanledger/core"
	"loanledger/crypto"
	"loanledger/observability/logging"
	telemetry "loanledger/observability/otel"
	"loanledger/services/collaterald/audit"
	"loanledger/services/collaterald/config"
	"loanledger/services/collaterald/middleware"
	"loanledger/services/collaterald/server"
	"loanledger/storage"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/collaterald/config.yaml", "path to collaterald config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("LOANLEDGER_ENV"))
	logger := logging.SetupWithOptions(logging.Options{
		Service: "collaterald",
		Env:     env,
		Level:   logging.ParseLevel(cfg.LogLevel),
		File:    cfg.LogFile,
	})

	node, err := nodeconfig.Load(cfg.NodeConfig)
	if err != nil {
		log.Fatalf("load node config: %v", err)
	}

	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:    "collaterald",
		ServiceVersion: version,
		Environment:    env,
		Network:        node.NetworkName,
		Endpoint:       endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := run(cfg, node, env, logger); err != nil {
		logger.Error("collaterald stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, node *nodeconfig.Config, env string, logger *slog.Logger) error {
	db, err := storage.Open(node.StorageBackend, node.DataDir)
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	defer db.Close()

	exec, err := core.NewExecutor(db, crypto.ModuleAddress(node.CustodyModule))
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	exec.SetLogger(logger)
	exec.SetClock(core.AlignedClock(time.Duration(node.BlockTimeSeconds) * time.Second))
	exec.SetPauses(node.Global.PauseView())
	exec.SetQuota(node.Global.CollateralQuota())

	if err := applyGenesis(exec, node); err != nil {
		return err
	}
	if err := instantiateFromConfig(exec, node, logger); err != nil {
		return err
	}

	auditDB, err := audit.Open(cfg.Audit.DSN)
	if err != nil {
		return err
	}
	auditStore, err := audit.NewStore(auditDB)
	if err != nil {
		return err
	}
	logger.Info("audit trail ready",
		slog.String("driver", audit.Driver(cfg.Audit.DSN)),
		logging.MaskField("dsn", cfg.Audit.DSN))

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "collaterald",
		LogRequests: true,
	}, logger)
	srv := server.New(exec, server.Options{
		Logger: logger,
		Audit:  auditStore,
		RateLimit: server.RateLimitOptions{
			RatePerSecond: cfg.RateLimit.RatePerSecond,
			Burst:         cfg.RateLimit.Burst,
			WriteTokens:   cfg.RateLimit.WriteTokens,
		},
		Observability: obs,
	})

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if !cfg.TLS.Enabled() {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			listener.Close()
			return fmt.Errorf("plaintext collaterald mode is restricted to loopback listeners or dev environment")
		}
	}

	if cfg.MaxConns > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConns)
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			listener.Close()
			return fmt.Errorf("load tls keypair: %w", err)
		}
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}
		listener = tls.NewListener(listener, httpServer.TLSConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("collaterald listening",
			slog.String("listen", cfg.ListenAddress),
			slog.String("network", node.NetworkName),
			slog.Uint64("height", exec.Height()))
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.Any("error", err))
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func applyGenesis(exec *core.Executor, node *nodeconfig.Config) error {
	allocs, err := node.GenesisAllocations()
	if err != nil {
		return err
	}
	balances := make([]core.GenesisBalance, 0, len(allocs))
	for _, alloc := range allocs {
		balances = append(balances, core.GenesisBalance{Address: alloc.Address, Denom: alloc.Denom, Amount: alloc.Amount})
	}
	if err := exec.ApplyGenesis(balances); err != nil && !errors.Is(err, core.ErrGenesisApplied) {
		return fmt.Errorf("apply genesis: %w", err)
	}
	return nil
}

// instantiateFromConfig creates the ledger on first start when an owner is
// configured. Otherwise the ledger waits for an explicit instantiate call.
func instantiateFromConfig(exec *core.Executor, node *nodeconfig.Config, logger *slog.Logger) error {
	if exec.Config() != nil {
		return nil
	}
	owner, err := node.OwnerAddress()
	if err != nil {
		return err
	}
	if owner.IsZero() {
		logger.Info("ledger not instantiated; waiting for instantiate request")
		return nil
	}
	_, err = exec.Execute(context.Background(), core.InstantiateMsg{
		Sender:     owner,
		Name:       node.Ledger.Name,
		Symbol:     node.Ledger.Symbol,
		TaxRateBps: node.Ledger.TaxRateBps,
	})
	if err != nil {
		return fmt.Errorf("instantiate ledger: %w", err)
	}
	return nil
}
