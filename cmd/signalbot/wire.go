package main

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/quantsignal/internal/engine"
	"github.com/betbot/quantsignal/internal/execution"
	"github.com/betbot/quantsignal/internal/journal"
	"github.com/betbot/quantsignal/internal/metrics"
	"github.com/betbot/quantsignal/internal/risk"
	"github.com/betbot/quantsignal/internal/services"
	"github.com/betbot/quantsignal/internal/strategies/quantscalp"
	"github.com/betbot/quantsignal/internal/strike"
	"github.com/betbot/quantsignal/pkg/config"
	"github.com/betbot/quantsignal/pkg/kvstore"
	"github.com/betbot/quantsignal/pkg/logger"
	"github.com/betbot/quantsignal/pkg/marketspec"
	"github.com/betbot/quantsignal/pkg/ratelimit"
	sdkhttp "github.com/betbot/quantsignal/pkg/sdk/http"
	"github.com/betbot/quantsignal/pkg/shutdown"
)

type app struct {
	engineCfg   engine.Config
	deps        engine.Deps
	statusExtra metrics.Extra
}

// build 创建所有组件并注册关闭回调；流式价格源在 ctx 上启动
func build(ctx context.Context, cfg *config.Config, sm *shutdown.Manager) (*app, error) {
	profile := cfg.Profile()
	spec := marketspec.ForProfile(profile)

	httpOpts := func(rps float64) sdkhttp.Options {
		return sdkhttp.Options{
			Timeout:    8 * time.Second,
			RetryCount: 1,
			Proxy:      cfg.Proxy,
			Limiter:    ratelimit.NewTokenBucket(int(rps), rps),
		}
	}
	binanceHTTP := sdkhttp.NewClient(cfg.Binance.BaseURL, httpOpts(10))
	gammaHTTP := sdkhttp.NewClient(cfg.Polymarket.GammaURL, httpOpts(5))
	clobHTTP := sdkhttp.NewClient(cfg.Polymarket.ClobURL, httpOpts(20))

	// 次级价格：binance trade 流 + REST 兜底
	binance := services.NewBinanceClient(binanceHTTP, cfg.Binance.Symbol, cfg.Quant.KlineLimit)
	trades := services.NewBinanceTradeStream(cfg.Binance.WSURL, cfg.Binance.Symbol, cfg.Proxy, binance)
	trades.Start(ctx)

	// 参考价：polymarket_ws -> chainlink_ws -> chainlink_rpc
	rtds := services.NewRTDSChainlinkStream(cfg.Polymarket.LiveWSURL, profile.RTDSSymbol, splitList(cfg.Polymarket.SymbolIncludes), cfg.Proxy)
	rtds.Start(ctx)
	logs := services.NewChainlinkLogStream(cfg.Chainlink.WSSURLs, cfg.Chainlink.Aggregator, cfg.Chainlink.Decimals)
	logs.Start(ctx)
	rpc := services.NewChainlinkRPC(cfg.Chainlink.RPCURLs, cfg.Chainlink.Aggregator, cfg.Chainlink.Decimals)
	reference := services.NewReferenceFeed(rpc, rtds, logs)

	market := services.NewPolymarketClient(gammaHTTP, clobHTTP, services.PolymarketOptions{
		Slug:             cfg.Polymarket.Slug,
		SeriesSlug:       cfg.Polymarket.SeriesSlug,
		SlugPrefix:       cfg.Polymarket.SlugPrefix,
		AutoSelectLatest: cfg.Polymarket.AutoSelectLatest,
		UpLabel:          cfg.Polymarket.UpLabel,
		DownLabel:        cfg.Polymarket.DownLabel,
		CacheTTL:         cfg.PollInterval(),
		Spec:             spec,
	})

	// 状态存储
	encKey, err := kvstore.ParseKey(cfg.Storage.EncryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "解析状态加密密钥")
	}
	store, err := kvstore.Open(kvstore.OpenOptions{Path: cfg.Storage.StateDir, EncryptionKey: encKey})
	if err != nil {
		return nil, err
	}
	sm.OnShutdown("kvstore", func(context.Context) error { return store.Close() })

	jr, err := journal.Open(journal.Options{
		CSVPath:    cfg.Storage.SignalsCSV,
		SQLitePath: cfg.Storage.SignalsDB,
		DumpDir:    cfg.Storage.DumpDir,
	})
	if err != nil {
		return nil, err
	}
	sm.OnShutdown("journal", func(context.Context) error { return jr.Close() })

	trader, err := buildTrader(cfg)
	if err != nil {
		return nil, err
	}

	strategy := quantscalp.NewEngine(quantscalp.Config{
		SizeUSD:           cfg.Strategy.SizeUSD,
		MaxStates:         cfg.Strategy.MaxStates,
		EvictGraceSeconds: cfg.Strategy.EvictGraceSeconds,
	})

	return &app{
		engineCfg: engine.Config{
			PollInterval:            cfg.PollInterval(),
			Window:                  spec.Duration(),
			SigmaLookback:           cfg.Quant.SigmaLookbackMin,
			MinSamples:              cfg.Quant.MinSamples,
			Weight:                  cfg.Quant.Weight,
			SigmaMin:                cfg.Quant.SigmaMin,
			SafeNoTradeWithoutQuant: cfg.Quant.SafeNoTradeWithoutQuant,
		},
		deps: engine.Deps{
			Series:    binance,
			Reference: reference,
			Secondary: trades,
			Market:    market,
			Heuristic: services.NewMomentumHeuristic(),
			Strategy:  strategy,
			Latch:     strike.NewLatch(),
			Sink:      trader,
			Journal:   jr,
			Dumper:    jr,
			Store:     store,
			Observers: []engine.Observer{metrics.NewRecorder()},
		},
		statusExtra: func() map[string]any {
			return map[string]any{
				"breaker":       trader.BreakerStatus(),
				"strategy_keys": strategy.StateCount(),
				"log_file":      logger.GetCurrentLogFile(),
			}
		},
	}, nil
}

func buildTrader(cfg *config.Config) (*execution.Trader, error) {
	tc := cfg.Trading
	owner := ""
	if tc.WalletMnemonic != "" {
		addr, err := execution.DeriveOwnerAddress(tc.WalletMnemonic, tc.DerivationPath)
		if err != nil {
			return nil, errors.Wrap(err, "派生钱包地址")
		}
		owner = addr
		logger.Infof("🔑 下单地址: %s", owner)
	}

	var client *sdkhttp.Client
	if tc.Enabled && !tc.DryRun {
		apiURL := tc.APIURL
		if apiURL == "" {
			apiURL = cfg.Polymarket.ClobURL
		}
		// 下单不重试，避免重复提交
		client = sdkhttp.NewClient(apiURL, sdkhttp.Options{Timeout: 10 * time.Second, Proxy: cfg.Proxy})
	}

	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{
		MaxConsecutiveErrors: tc.MaxConsecutiveErrors,
		CoolDown:             5 * time.Minute,
	})
	return execution.NewTrader(execution.TraderConfig{
		Enabled:       tc.Enabled,
		DryRun:        tc.DryRun,
		OrderSizeUSD:  tc.OrderSizeUSD,
		MinEdgeCents:  tc.MinEdgeCents,
		Cooldown:      cfg.Cooldown(),
		APIKey:        tc.APIKey,
		APISecret:     tc.APISecret,
		APIPassphrase: tc.APIPassphrase,
		Owner:         owner,
	}, client, breaker), nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
