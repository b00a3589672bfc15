package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpx/config"
	"github.com/alejandrodnm/perpx/internal/adapters/coingecko"
	"github.com/alejandrodnm/perpx/internal/adapters/metrics"
	"github.com/alejandrodnm/perpx/internal/adapters/notify"
	"github.com/alejandrodnm/perpx/internal/adapters/onchain"
	"github.com/alejandrodnm/perpx/internal/adapters/paper"
	"github.com/alejandrodnm/perpx/internal/adapters/signer"
	"github.com/alejandrodnm/perpx/internal/adapters/storage"
	"github.com/alejandrodnm/perpx/internal/application/opener"
	"github.com/alejandrodnm/perpx/internal/application/positions"
	"github.com/alejandrodnm/perpx/internal/domain"
	"github.com/alejandrodnm/perpx/internal/ports"
)

// venue es lo que el pipeline necesita de un ledger: on-chain o paper.
type venue interface {
	ports.Ledger
	ports.AccountReader
	ports.MarketInfo
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file (empty: defaults + env)")
	market := flag.String("market", "BTC/USD", "market name or contract address")
	side := flag.String("side", "long", "long|short (up|down)")
	collateral := flag.String("collateral", "", "collateral in USDC")
	leverage := flag.Int64("leverage", 1, "leverage multiplier")
	price := flag.String("price", "", "reference price in USD (default: CoinGecko)")
	paperMode := flag.Bool("paper", false, "simulate the ledger in memory")
	yes := flag.Bool("yes", false, "sign every operation without asking")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on addr (overrides config)")
	table := flag.Bool("table", true, "print the step table when the pipeline ends")
	showPositions := flag.Bool("positions", false, "print open positions and exit")
	showHistory := flag.Bool("history", false, "print recent pipelines and exit")
	closeID := flag.String("close", "", "close the journaled position with this id (or id prefix) and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	setupLogger(cfg.Log)

	slog.Info("perpx starting",
		"config", *configPath,
		"paper", *paperMode,
		"chain_id", cfg.Chain.ChainID,
		"markets", len(cfg.Contracts.Markets),
	)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	notifier := notify.NewConsole(*table)

	if *showHistory {
		runs, err := store.GetPipelines(context.Background(), 20)
		if err != nil {
			slog.Error("failed to read history", "err", err)
			os.Exit(1)
		}
		notifier.PrintHistory(runs)
		if len(runs) > 0 {
			notifier.PrintPipeline(runs[0])
		}
		if abandoned, err := store.GetAbandonedSteps(context.Background()); err == nil {
			notifier.PrintAbandoned(abandoned)
		}
		if stats, err := store.GetPipelineStats(context.Background()); err == nil {
			slog.Info("pipeline stats",
				"total", stats.Total,
				"success", stats.Succeeded,
				"failed", stats.Failed,
				"reset", stats.Reset,
				"by_kind", stats.ByKind,
			)
		}
		return
	}

	var approver ports.Approver = signer.NewConsole(os.Stdin, os.Stdout)
	if *yes {
		approver = signer.AutoApprove{}
	}

	v, user, err := buildVenue(cfg, *paperMode, approver, store)
	if err != nil {
		slog.Error("failed to set up ledger", "err", err)
		os.Exit(1)
	}

	prices := coingecko.NewPriceProvider(
		coingecko.NewClient(cfg.Price.CoinGeckoBase, cfg.Price.RatePerSecond),
		v,
		cfg.PriceCacheTTL(),
	)
	book := positions.New(store, prices)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	if err := book.Refresh(ctx); err != nil {
		slog.Warn("failed to load positions", "err", err)
	}

	if *closeID != "" {
		closed, err := book.ClosePosition(ctx, v, *closeID)
		if err != nil {
			slog.Error("failed to close position", "kind", domain.Classify(err), "err", domain.Describe(err))
			os.Exit(1)
		}
		slog.Info("position closed", "id", closed.ID, "market", closed.MarketName, "ledger_id", closed.LedgerID)
		notifier.PrintPositions(book.List(user))
		return
	}

	if *showPositions {
		if err := book.RefreshPrices(ctx); err != nil {
			slog.Warn("failed to refresh prices", "err", err)
		}
		notifier.PrintPositions(book.List(user))
		return
	}

	req, err := parseRequest(*market, *side, *collateral, *leverage, *price)
	if err != nil {
		slog.Error("invalid request", "err", err)
		flag.Usage()
		os.Exit(2)
	}

	ocfg := opener.DefaultConfig()
	ocfg.WatchdogBound = cfg.WatchdogBound()
	ocfg.ManualResetAfter = cfg.ManualResetAfter()
	ocfg.SuccessDisplayDelay = cfg.SuccessDisplayDelay()
	ocfg.TickInterval = cfg.TickInterval()
	ocfg.MaxLeverage = cfg.Pipeline.MaxLeverage

	coordinator := opener.New(ocfg, v, v, prices, v,
		opener.WithRecorder(store),
		opener.WithPositionsNotifier(book),
	)

	var collector *metrics.Collector
	if cfg.Metrics.Addr != "" {
		collector = metrics.New()
		coordinator.Subscribe(collector.PipelineChanged)
		book.Subscribe(collector.PositionsChanged)
	}
	coordinator.Subscribe(notifier.PipelineChanged)

	ok := runOpen(ctx, coordinator, book, notifier, collector, cfg.Metrics.Addr, req, user)
	if !ok {
		os.Exit(1)
	}
	slog.Info("perpx stopped cleanly")
}

// buildVenue devuelve el ledger (paper u on-chain) y la cuenta dueña de las posiciones.
func buildVenue(cfg *config.Config, paperMode bool, approver ports.Approver, store *storage.SQLiteStorage) (venue, string, error) {
	if paperMode {
		l := paper.New(paper.Config{
			Balance:   decimal.NewFromFloat(cfg.Paper.Balance),
			Allowance: decimal.NewFromFloat(cfg.Paper.Allowance),
			Latency:   cfg.PaperLatency(),
			Markets:   cfg.MarketList(),
		}, approver, store)
		if err := l.Restore(context.Background()); err != nil {
			return nil, "", err
		}
		return l, l.User(), nil
	}

	l, err := onchain.Dial(cfg.Chain.RPCURL, cfg.Chain.PrivateKey, onchain.Config{
		ChainID:         cfg.Chain.ChainID,
		Vault:           common.HexToAddress(cfg.Contracts.Vault),
		PriceAdapter:    common.HexToAddress(cfg.Contracts.PriceAdapter),
		CollateralToken: common.HexToAddress(cfg.Contracts.CollateralToken),
		PositionManager: common.HexToAddress(cfg.Contracts.PositionManager),
		TokenDecimals:   cfg.Contracts.TokenDecimals,
		Markets:         cfg.MarketList(),
		Gas: onchain.GasLimits{
			PriceUpdate:   cfg.Chain.Gas.PriceUpdate,
			Approve:       cfg.Chain.Gas.Approve,
			OpenPosition:  cfg.Chain.Gas.OpenPosition,
			ClosePosition: cfg.Chain.Gas.ClosePosition,
		},
		ReceiptPoll: cfg.ReceiptPoll(),
	}, approver, store)
	if err != nil {
		return nil, "", err
	}
	slog.Info("signing account", "address", l.Address().Hex())
	return l, l.Address().Hex(), nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
