package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/h10086733/xlayer-402/internal/breaker"
	"github.com/h10086733/xlayer-402/internal/config"
	"github.com/h10086733/xlayer-402/internal/dex"
	"github.com/h10086733/xlayer-402/internal/errs"
	"github.com/h10086733/xlayer-402/internal/eventbus"
	"github.com/h10086733/xlayer-402/internal/ledger"
	"github.com/h10086733/xlayer-402/internal/metrics"
	"github.com/h10086733/xlayer-402/internal/quotecache"
	"github.com/h10086733/xlayer-402/internal/retry"
	"github.com/h10086733/xlayer-402/internal/server"
	"github.com/h10086733/xlayer-402/internal/settlement"
	"github.com/h10086733/xlayer-402/internal/wallet"
	"github.com/h10086733/xlayer-402/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Environment)
	if err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

// run constructs every dependency explicitly and owns the shutdown order:
// HTTP server first, then background workers, then stores.
func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	led := ledger.NewRedisLedger(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer led.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := led.Ping(pingCtx)
	cancel()
	if err != nil {
		return err
	}
	log.Info("connected to ledger store", zap.String("addr", cfg.Redis.Addr))

	cache := quotecache.New(cfg.QuoteCache.MaxSize, quotecache.Policy(cfg.QuoteCache.Policy))
	cache.StartSweeper(cfg.QuoteCache.SweepInterval)
	defer cache.Stop()

	bus := eventbus.New(256)
	registry := prometheus.NewRegistry()
	promMetrics := metrics.New(registry)

	var signer dex.Wallet
	if cfg.Chain.PrivateKey != "" {
		w, err := wallet.New(ctx, cfg.Chain.RPCURL, cfg.Chain.PrivateKey)
		if err != nil {
			return err
		}
		defer w.Close()
		signer = w
		log.Info("wallet ready",
			zap.String("address", w.Address().Hex()),
			zap.String("rpc", cfg.Chain.RPCURL))
	} else {
		log.Warn("no wallet key configured, mint swaps disabled")
	}

	aggregatorBreaker := breaker.New("aggregator", breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	})

	swapper := dex.New(dex.Config{
		Aggregator: dex.NewHTTPAggregator(dex.AggregatorConfig{
			URL:     cfg.Aggregator.URL,
			APIKey:  cfg.Aggregator.APIKey,
			Router:  common.HexToAddress(cfg.Aggregator.Router),
			Timeout: cfg.Aggregator.Timeout,
		}),
		Wallet:  signer,
		Cache:   cache,
		Breaker: aggregatorBreaker,
		Bus:     bus,
		Logger:  log.Named("dex"),
		RetryOpts: retry.Options{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			Policy:      retry.PolicyJittered,
		},
		QuoteTTL:            cfg.QuoteCache.TTL,
		ConfirmationTimeout: cfg.Aggregator.ConfirmationTimeout,
	})

	pipeline := settlement.New(settlement.Config{
		Ledger: led,
		Provider: settlement.NewHTTPProvider(settlement.ProviderConfig{
			URL:     cfg.Provider.URL,
			APIKey:  cfg.Provider.APIKey,
			Timeout: cfg.Provider.Timeout,
		}),
		Swapper: swapper,
		DefaultTemplate: ledger.TemplateQuotaConfig{
			MaxMintCount: cfg.Mint.MaxMintCount,
			MintEnabled:  cfg.Mint.MintEnabled && signer != nil,
			TokenName:    cfg.Mint.TokenName,
			TokenSymbol:  cfg.Mint.TokenSymbol,
			TokenAddress: cfg.Mint.TokenAddress,
		},
		PaymentAsset: cfg.Mint.PaymentAsset,
		Slippage:     cfg.Aggregator.Slippage,
		Logger:       log.Named("settlement"),
		Tracker:      errs.NewTracker(256),
	})

	srv := server.New(server.Config{
		Pipeline: pipeline,
		Pinger:   led,
		Metrics:  promMetrics,
		Registry: registry,
		Logger:   log.Named("http"),
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Mirror pipeline events into the log and prometheus counters.
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	go func() {
		for evt := range events {
			switch evt.Type {
			case eventbus.EventQuoteReceived:
				if cached, _ := evt.Data["cached"].(bool); cached {
					promMetrics.QuoteCacheHits.Inc()
				} else {
					promMetrics.QuoteCacheMisses.Inc()
				}
			case eventbus.EventSwapCompleted:
				promMetrics.SwapsTotal.WithLabelValues("completed").Inc()
			case eventbus.EventSwapFailed:
				promMetrics.SwapsTotal.WithLabelValues("failed").Inc()
			}
			log.Info("pipeline event",
				zap.String("type", evt.Type),
				zap.String("tx_hash", evt.TxHash),
				zap.Any("data", evt.Data))
		}
	}()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				promMetrics.BreakerState.
					WithLabelValues("aggregator").
					Set(float64(aggregatorBreaker.State()))
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
