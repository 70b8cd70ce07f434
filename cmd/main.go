package main

// tax-indexer scans a fixed post-launch block window per campaign,
// attributes tax payments arriving at each campaign's tax wallet and
// maintains ranked payer leaderboards in Redis. It runs as a long-lived
// loop, as a single cron-style pass, or as a one-shot report printer.

import (
	"context"
	"fmt"
	stdlog "log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taxscan/tax-indexer/client/ethrpc"
	"github.com/taxscan/tax-indexer/client/marketdata"
	"github.com/taxscan/tax-indexer/config"
	"github.com/taxscan/tax-indexer/jobs"
	"github.com/taxscan/tax-indexer/leaderboard"
	"github.com/taxscan/tax-indexer/scanner"
	"github.com/taxscan/tax-indexer/store/redisstore"
	"github.com/taxscan/tax-indexer/worker"
)

func init() {
	// always use UTC
	time.Local = time.UTC
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		stdlog.Fatal(err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		stdlog.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	node, err := ethrpc.Dial(logger, ethrpc.Config{URL: cfg.RPCNode.NodeURL})
	if err != nil {
		stdlog.Fatal(err)
	}
	defer node.Close()

	var pools marketdata.PoolLookup
	if cfg.MarketData.URL != "" {
		pools = marketdata.New(logger, marketdata.Config{
			BaseURL: cfg.MarketData.URL,
			APIKey:  cfg.MarketData.APIKey,
		})
	}

	fetcher := scanner.NewRangeFetcher(logger, node, scanner.FetcherConfig{
		Chunks: scanner.ChunkPolicy{
			InitialSize: cfg.Scan.ChunkSize,
			MaxSize:     cfg.Scan.MaxChunkSize,
		},
		MaxAttempts:    cfg.Scan.MaxRetries,
		OnChunkFailure: scanner.FailurePolicy(cfg.Scan.OnChunkFailure),
	})
	locator := scanner.NewLocator(logger, node, pools, scanner.LocatorConfig{
		BlockTime:          cfg.Scan.SecondsPerBlock,
		SafetyMarginBlocks: cfg.Scan.SafetyMargin,
		MaxAttempts:        cfg.Scan.MaxRetries,
	})
	engine, err := scanner.NewEngine(logger, node, scanner.EngineConfig{
		Strategy:       scanner.Strategy(cfg.Scan.Strategy),
		ReceiptWorkers: cfg.Scan.ReceiptWorkers,
		MaxAttempts:    cfg.Scan.MaxRetries,
	})
	if err != nil {
		stdlog.Fatal(err)
	}
	pipeline := scanner.NewPipeline(logger, node, fetcher, locator, engine, scanner.PipelineConfig{
		TaxToken:     common.HexToAddress(cfg.Scan.TaxToken),
		WindowBlocks: cfg.Scan.WindowBlocks,
	})

	// One-shot report mode needs no Redis and no worker loop.
	if cfg.ReportToken != "" {
		report, err := pipeline.RunReport(ctx,
			common.HexToAddress(cfg.ReportToken), common.HexToAddress(cfg.ReportWallet))
		if err != nil {
			stdlog.Fatal(err)
		}
		fmt.Print(scanner.FormatReport(report))
		return
	}

	store, err := redisstore.New(ctx, logger, cfg.Redis.URL)
	if err != nil {
		stdlog.Fatal(err)
	}
	defer store.Close()

	manager := jobs.New(logger, store, jobs.Config{
		WindowBlocks:     cfg.Scan.WindowBlocks,
		StepBlocks:       cfg.Scan.StepBlocks,
		FailureThreshold: cfg.Worker.FailureThreshold,
		BlockTime:        cfg.Scan.SecondsPerBlock,
	})
	accumulator := leaderboard.New(logger, store)
	w := worker.New(logger, node, manager, accumulator, pipeline, store,
		prometheus.DefaultRegisterer, worker.Config{
			TickInterval:      cfg.Worker.TickInterval,
			RangesPerTick:     cfg.Worker.RangesPerTick,
			MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		})

	if cfg.RunOnce {
		if err := w.RunOnce(ctx); err != nil {
			stdlog.Fatal(err)
		}
		return
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		stdlog.Fatal(err)
	}
	logger.Info("Shut down")
}
