package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/veilmarket/darkpool/params"
	"github.com/veilmarket/darkpool/pkg/api"
	"github.com/veilmarket/darkpool/pkg/chain"
	"github.com/veilmarket/darkpool/pkg/engine"
	"github.com/veilmarket/darkpool/pkg/events"
	"github.com/veilmarket/darkpool/pkg/metrics"
	"github.com/veilmarket/darkpool/pkg/oracle"
	"github.com/veilmarket/darkpool/pkg/proofs"
	"github.com/veilmarket/darkpool/pkg/settlement"
	"github.com/veilmarket/darkpool/pkg/util"
	"github.com/veilmarket/darkpool/pkg/whitelist"
)

func main() {
	// Load config: defaults <- YAML (DARKPOOL_CONFIG) <- .env <- DARKPOOL_* env
	cfg, err := params.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (optionally teed to a JSON log file)
	var logger *zap.Logger
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.Level, cfg.Log.File, cfg.Log.RedactKeys)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level, cfg.Log.JSON, cfg.Log.RedactKeys)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "level", cfg.Log.Level, "log_file", cfg.Log.File)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Event bus & metrics ----
	bus := events.NewBus()
	m := metrics.New()
	m.ObserveBus(bus)

	// ---- Chain access ----
	rpc := chain.NewClient(cfg.Chain.RPCURL, sugar)
	var fallback settlement.FallbackReader
	if cfg.Chain.HorizonURL != "" {
		fallback = chain.NewHorizon(cfg.Chain.HorizonURL)
	}
	sugar.Infow("chain_configured",
		"rpc_url", cfg.Chain.RPCURL,
		"horizon_url", cfg.Chain.HorizonURL,
		"settlement_contract", cfg.Chain.SettlementContract,
		"registry_contract", cfg.Chain.RegistryContract)

	// ---- Oracle ----
	var orc oracle.Oracle
	switch cfg.Oracle.Mode {
	case params.OracleModeHTTP:
		orc = oracle.NewHTTPOracle(cfg.Oracle.URL)
		sugar.Infow("oracle_configured", "mode", "http", "url", cfg.Oracle.URL)
	default:
		orc = oracle.NewLocalOracle()
		sugar.Infow("oracle_configured", "mode", "local")
	}

	// ---- Core pipeline: engine -> proofs -> settlement ----
	clock := util.SystemClock{}
	eng := engine.New(bus, clock, sugar)
	wl := whitelist.NewService(cfg.Whitelist.Depth, rpc, cfg.Chain.RegistryContract, sugar)
	coord := settlement.NewCoordinator(settlement.Config{
		SettlementContract: cfg.Chain.SettlementContract,
		PaymentAsset:       cfg.Chain.PaymentAsset,
		BaseFee:            cfg.Chain.BaseFee,
		TxTimeoutSeconds:   cfg.Chain.TxTimeoutSeconds,
		PollInterval:       cfg.Chain.PollInterval.Std(),
		PollAttempts:       cfg.Chain.PollAttempts,
	}, rpc, fallback, bus, clock, sugar)
	orch := proofs.NewOrchestrator(eng, orc, wl, proofs.QueueFunc(
		func(mch engine.Match, proof oracle.ProofResult) error {
			_, err := coord.QueueSettlement(mch, proof)
			return err
		},
	), bus, clock, sugar)

	m.RegisterQueueDepth(eng.PendingMatches)
	m.RegisterBookDepth(eng)

	// ---- API server ----
	hub := api.NewHub(bus, sugar)
	m.RegisterSessions(hub.SessionCount)
	server := api.NewServer(api.Deps{
		Engine:       eng,
		Orchestrator: orch,
		Coordinator:  coord,
		Whitelist:    wl,
		Oracle:       orc,
		Hub:          hub,
		Metrics:      m,
		Log:          sugar,
		CORSOrigins:  cfg.Server.CORSOrigins,
		TraderIndex:  cfg.Whitelist.TraderIndex,
	})

	// Seed the whitelist from the on-chain registry. Startup proceeds on
	// failure; the tree can be synced later via POST /api/whitelist/sync.
	if cfg.Chain.RegistryContract != "" {
		if err := wl.Sync(ctx); err != nil {
			sugar.Warnw("whitelist_sync_failed", "err", err)
		}
	} else {
		sugar.Info("registry contract not set - whitelist starts empty")
	}

	// ---- Background match processing (optional) ----
	if cfg.Oracle.AutoProcess {
		sugar.Infow("auto_process_enabled", "interval_ms", cfg.Oracle.ProcessInterval.Std().Milliseconds())
		go orch.Run(ctx, cfg.Oracle.ProcessInterval.Std())
	} else {
		sugar.Info("auto_process_disabled - drive matches via POST /api/matches/process")
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.Handler(),
	}

	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("http_shutdown_failed", "err", err)
	}
	hub.Shutdown()
	sugar.Info("node stopped")
}
