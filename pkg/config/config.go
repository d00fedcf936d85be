package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/betbot/quantsignal/pkg/marketspec"
)

// QuantConfig 量化模型参数
type QuantConfig struct {
	SigmaLookbackMin        int     `yaml:"sigma_lookback_min" json:"sigma_lookback_min"`
	MinSamples              int     `yaml:"min_samples" json:"min_samples"`
	Weight                  float64 `yaml:"weight" json:"weight"`       // 量化概率在混合中的权重 [0,1]
	SigmaMin                float64 `yaml:"sigma_min" json:"sigma_min"` // 估计失败时的兜底 sigma（0=不兜底）
	SafeNoTradeWithoutQuant bool    `yaml:"safe_no_trade_without_quant" json:"safe_no_trade_without_quant"`
	KlineLimit              int     `yaml:"kline_limit" json:"kline_limit"`
}

// PolymarketConfig 市场发现与报价
type PolymarketConfig struct {
	Slug             string `yaml:"slug" json:"slug"`
	SeriesSlug       string `yaml:"series_slug" json:"series_slug"`
	SlugPrefix       string `yaml:"slug_prefix" json:"slug_prefix"`
	AutoSelectLatest bool   `yaml:"auto_select_latest" json:"auto_select_latest"`
	GammaURL         string `yaml:"gamma_url" json:"gamma_url"`
	ClobURL          string `yaml:"clob_url" json:"clob_url"`
	LiveWSURL        string `yaml:"live_ws_url" json:"live_ws_url"`
	SymbolIncludes   string `yaml:"symbol_includes" json:"symbol_includes"`
	UpLabel          string `yaml:"up_label" json:"up_label"`
	DownLabel        string `yaml:"down_label" json:"down_label"`
}

// BinanceConfig 次级价格源
type BinanceConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	WSURL   string `yaml:"ws_url" json:"ws_url"`
	Symbol  string `yaml:"symbol" json:"symbol"`
}

// ChainlinkConfig Polygon 上的 Chainlink aggregator
type ChainlinkConfig struct {
	RPCURLs    []string `yaml:"rpc_urls" json:"rpc_urls"`
	WSSURLs    []string `yaml:"wss_urls" json:"wss_urls"`
	Aggregator string   `yaml:"aggregator" json:"aggregator"`
	Decimals   int      `yaml:"decimals" json:"decimals"`
}

// TradingConfig 下单配置（默认 dry run 且关闭）
type TradingConfig struct {
	Enabled              bool    `yaml:"enabled" json:"enabled"`
	DryRun               bool    `yaml:"dry_run" json:"dry_run"`
	APIURL               string  `yaml:"api_url" json:"api_url"`
	APIKey               string  `yaml:"api_key" json:"-"`
	APISecret            string  `yaml:"api_secret" json:"-"`
	APIPassphrase        string  `yaml:"api_passphrase" json:"-"`
	OrderSizeUSD         float64 `yaml:"order_size_usd" json:"order_size_usd"`
	MinEdgeCents         float64 `yaml:"min_edge_cents" json:"min_edge_cents"`
	CooldownMs           int     `yaml:"cooldown_ms" json:"cooldown_ms"`
	MaxConsecutiveErrors int     `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
	WalletMnemonic       string  `yaml:"wallet_mnemonic" json:"-"`
	DerivationPath       string  `yaml:"derivation_path" json:"derivation_path"`
}

// StrategyConfig 策略状态机参数
type StrategyConfig struct {
	SizeUSD           float64 `yaml:"size_usd" json:"size_usd"`
	MaxStates         int     `yaml:"max_states" json:"max_states"`
	EvictGraceSeconds int     `yaml:"evict_grace_seconds" json:"evict_grace_seconds"`
}

// StorageConfig 本地持久化
type StorageConfig struct {
	StateDir      string `yaml:"state_dir" json:"state_dir"`
	EncryptionKey string `yaml:"encryption_key" json:"-"`
	SignalsCSV    string `yaml:"signals_csv" json:"signals_csv"`
	SignalsDB     string `yaml:"signals_db" json:"signals_db"`
	DumpDir       string `yaml:"dump_dir" json:"dump_dir"`
}

// Config 应用配置
type Config struct {
	Coin           string           `yaml:"coin" json:"coin"`
	PollIntervalMs int              `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	Quant          QuantConfig      `yaml:"quant" json:"quant"`
	Polymarket     PolymarketConfig `yaml:"polymarket" json:"polymarket"`
	Binance        BinanceConfig    `yaml:"binance" json:"binance"`
	Chainlink      ChainlinkConfig  `yaml:"chainlink" json:"chainlink"`
	Trading        TradingConfig    `yaml:"trading" json:"trading"`
	Strategy       StrategyConfig   `yaml:"strategy" json:"strategy"`
	Storage        StorageConfig    `yaml:"storage" json:"storage"`
	Proxy          string           `yaml:"proxy" json:"proxy"`
	StatusAddr     string           `yaml:"status_addr" json:"status_addr"` // 状态 API 监听地址（空=关闭）
	LogLevel       string           `yaml:"log_level" json:"log_level"`
	LogFile        string           `yaml:"log_file" json:"log_file"`
	LogByCycle     bool             `yaml:"log_by_cycle" json:"log_by_cycle"`
}

// Default 默认配置（不含币种派生字段）
func Default() *Config {
	return &Config{
		Coin:           "BTC",
		PollIntervalMs: 700,
		Quant: QuantConfig{
			SigmaLookbackMin:        120,
			MinSamples:              30,
			Weight:                  0.7,
			SafeNoTradeWithoutQuant: true,
			KlineLimit:              240,
		},
		Polymarket: PolymarketConfig{
			AutoSelectLatest: true,
			GammaURL:         "https://gamma-api.polymarket.com",
			ClobURL:          "https://clob.polymarket.com",
			LiveWSURL:        "wss://ws-live-data.polymarket.com",
			UpLabel:          "Up",
			DownLabel:        "Down",
		},
		Binance: BinanceConfig{
			BaseURL: "https://api.binance.com",
			WSURL:   "wss://stream.binance.com:9443/ws",
		},
		Chainlink: ChainlinkConfig{
			RPCURLs: []string{"https://polygon-rpc.com"},
		},
		Trading: TradingConfig{
			DryRun:               true,
			OrderSizeUSD:         15,
			MinEdgeCents:         1.5,
			CooldownMs:           90000,
			MaxConsecutiveErrors: 5,
			DerivationPath:       "m/44'/60'/0'/0/0",
		},
		Strategy: StrategyConfig{
			SizeUSD:           1,
			MaxStates:         64,
			EvictGraceSeconds: 300,
		},
		Storage: StorageConfig{
			StateDir:   "data/state",
			SignalsCSV: "logs/signals.csv",
			SignalsDB:  "logs/signals.db",
			DumpDir:    "logs/markets",
		},
		LogLevel:   "info",
		LogFile:    "logs/signalbot.log",
		LogByCycle: true,
	}
}

// PollInterval 轮询间隔
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Cooldown 下单冷却时间
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Trading.CooldownMs) * time.Millisecond
}

// Profile 当前币种配置
func (c *Config) Profile() marketspec.CoinProfile {
	p, err := marketspec.Profile(c.Coin)
	if err != nil {
		p, _ = marketspec.Profile("BTC")
	}
	return p
}

// Load 加载配置：默认值 -> 配置文件（可选）-> 环境变量 -> 币种派生默认值
func Load(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.applyProfile(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// applyEnv 环境变量覆盖（只覆盖已设置的键）
func applyEnv(c *Config) {
	c.Coin = getEnv("COIN", c.Coin)
	c.PollIntervalMs = parseIntEnv("POLL_INTERVAL_MS", c.PollIntervalMs)

	c.Quant.SigmaLookbackMin = parseIntEnv("QUANT_SIGMA_LOOKBACK_MIN", c.Quant.SigmaLookbackMin)
	c.Quant.MinSamples = parseIntEnv("QUANT_MIN_SAMPLES", c.Quant.MinSamples)
	c.Quant.Weight = parseFloatEnv("QUANT_WEIGHT", c.Quant.Weight)
	c.Quant.SigmaMin = parseFloatEnv("QUANT_SIGMA_MIN", c.Quant.SigmaMin)
	c.Quant.SafeNoTradeWithoutQuant = parseBoolEnv("SAFE_NO_TRADE_WITHOUT_QUANT", c.Quant.SafeNoTradeWithoutQuant)

	pm := &c.Polymarket
	pm.Slug = getEnv("POLYMARKET_SLUG", pm.Slug)
	pm.SeriesSlug = getEnv("POLYMARKET_SERIES_SLUG", pm.SeriesSlug)
	pm.SlugPrefix = getEnv("POLYMARKET_SLUG_PREFIX", pm.SlugPrefix)
	pm.AutoSelectLatest = parseBoolEnv("POLYMARKET_AUTO_SELECT_LATEST", pm.AutoSelectLatest)
	pm.GammaURL = getEnv("POLYMARKET_GAMMA_URL", pm.GammaURL)
	pm.ClobURL = getEnv("POLYMARKET_CLOB_URL", pm.ClobURL)
	pm.LiveWSURL = getEnv("POLYMARKET_LIVE_WS_URL", pm.LiveWSURL)
	pm.SymbolIncludes = getEnv("POLYMARKET_WS_SYMBOL_INCLUDES", pm.SymbolIncludes)
	pm.UpLabel = getEnv("POLYMARKET_UP_LABEL", pm.UpLabel)
	pm.DownLabel = getEnv("POLYMARKET_DOWN_LABEL", pm.DownLabel)

	c.Binance.BaseURL = getEnv("BINANCE_BASE_URL", c.Binance.BaseURL)
	c.Binance.Symbol = getEnv("BINANCE_SYMBOL", c.Binance.Symbol)

	// 复数形式优先，单数形式追加
	if urls := parseListEnv("POLYGON_RPC_URLS"); len(urls) > 0 {
		c.Chainlink.RPCURLs = urls
	}
	if u := getEnv("POLYGON_RPC_URL", ""); u != "" && !contains(c.Chainlink.RPCURLs, u) {
		c.Chainlink.RPCURLs = append(c.Chainlink.RPCURLs, u)
	}
	if urls := parseListEnv("POLYGON_WSS_URLS"); len(urls) > 0 {
		c.Chainlink.WSSURLs = urls
	}
	if u := getEnv("POLYGON_WSS_URL", ""); u != "" && !contains(c.Chainlink.WSSURLs, u) {
		c.Chainlink.WSSURLs = append(c.Chainlink.WSSURLs, u)
	}
	c.Chainlink.Aggregator = getEnv("CHAINLINK_USD_AGGREGATOR", c.Chainlink.Aggregator)
	c.Chainlink.Decimals = parseIntEnv("CHAINLINK_DECIMALS", c.Chainlink.Decimals)

	tr := &c.Trading
	tr.Enabled = parseBoolEnv("POLY_TRADING_ENABLED", tr.Enabled)
	tr.DryRun = parseBoolEnv("POLY_TRADING_DRY_RUN", tr.DryRun)
	tr.APIURL = getEnv("POLY_TRADING_API_URL", tr.APIURL)
	tr.APIKey = getEnv("POLYMARKET_API_KEY", tr.APIKey)
	tr.APISecret = getEnv("POLYMARKET_API_SECRET", tr.APISecret)
	tr.APIPassphrase = getEnv("POLYMARKET_API_PASSPHRASE", tr.APIPassphrase)
	tr.OrderSizeUSD = parseFloatEnv("POLY_TRADING_ORDER_SIZE_USD", tr.OrderSizeUSD)
	tr.MinEdgeCents = parseFloatEnv("POLY_TRADING_MIN_EDGE_CENTS", tr.MinEdgeCents)
	tr.CooldownMs = parseIntEnv("POLY_TRADING_COOLDOWN_MS", tr.CooldownMs)
	tr.MaxConsecutiveErrors = parseIntEnv("POLY_TRADING_MAX_ERRORS", tr.MaxConsecutiveErrors)
	tr.WalletMnemonic = getEnv("POLY_WALLET_MNEMONIC", tr.WalletMnemonic)
	tr.DerivationPath = getEnv("POLY_WALLET_DERIVATION_PATH", tr.DerivationPath)

	c.Storage.StateDir = getEnv("STATE_DIR", c.Storage.StateDir)
	c.Storage.EncryptionKey = getEnv("STATE_ENCRYPTION_KEY", c.Storage.EncryptionKey)
	c.Storage.SignalsCSV = getEnv("SIGNALS_CSV", c.Storage.SignalsCSV)
	c.Storage.SignalsDB = getEnv("SIGNALS_DB", c.Storage.SignalsDB)
	c.Storage.DumpDir = getEnv("MARKET_DUMP_DIR", c.Storage.DumpDir)

	c.Proxy = getEnv("HTTPS_PROXY", getEnv("https_proxy", c.Proxy))
	c.StatusAddr = getEnv("STATUS_ADDR", c.StatusAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.LogByCycle = parseBoolEnv("LOG_BY_CYCLE", c.LogByCycle)
}

// applyProfile 用币种配置补齐未显式设置的字段
func (c *Config) applyProfile() error {
	p, err := marketspec.Profile(c.Coin)
	if err != nil {
		return err
	}
	c.Coin = p.Coin
	if c.Polymarket.SlugPrefix == "" {
		c.Polymarket.SlugPrefix = p.SlugPrefix
	}
	if c.Polymarket.SeriesSlug == "" {
		c.Polymarket.SeriesSlug = p.SeriesSlug
	}
	if c.Polymarket.SymbolIncludes == "" {
		c.Polymarket.SymbolIncludes = p.SymbolInclude
	}
	if c.Binance.Symbol == "" {
		c.Binance.Symbol = p.Symbol
	}
	if c.Chainlink.Aggregator == "" {
		c.Chainlink.Aggregator = p.Aggregator
	}
	if c.Chainlink.Decimals == 0 {
		c.Chainlink.Decimals = p.Decimals
	}
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.PollIntervalMs < 100 {
		return fmt.Errorf("POLL_INTERVAL_MS 不能小于 100")
	}
	if c.Quant.SigmaLookbackMin < 3 {
		return fmt.Errorf("QUANT_SIGMA_LOOKBACK_MIN 不能小于 3")
	}
	if math.IsNaN(c.Quant.Weight) || c.Quant.Weight < 0 || c.Quant.Weight > 1 {
		return fmt.Errorf("QUANT_WEIGHT 必须在 0 到 1 之间")
	}
	if c.Quant.SigmaMin < 0 {
		return fmt.Errorf("QUANT_SIGMA_MIN 不能为负数")
	}
	if c.Quant.KlineLimit < c.Quant.SigmaLookbackMin {
		c.Quant.KlineLimit = c.Quant.SigmaLookbackMin
	}
	if c.Polymarket.GammaURL == "" || c.Polymarket.ClobURL == "" {
		return fmt.Errorf("gamma_url / clob_url 未配置")
	}
	if c.Polymarket.Slug == "" && !c.Polymarket.AutoSelectLatest {
		return fmt.Errorf("未设置 POLYMARKET_SLUG 且关闭了 POLYMARKET_AUTO_SELECT_LATEST")
	}
	if len(c.Chainlink.RPCURLs) == 0 && len(c.Chainlink.WSSURLs) == 0 && c.Polymarket.LiveWSURL == "" {
		return fmt.Errorf("至少需要一个参考价来源（RTDS / POLYGON_RPC_URLS / POLYGON_WSS_URLS）")
	}
	if c.Chainlink.Decimals < 0 || c.Chainlink.Decimals > 36 {
		return fmt.Errorf("CHAINLINK_DECIMALS 超出范围")
	}
	if c.Trading.OrderSizeUSD <= 0 {
		return fmt.Errorf("POLY_TRADING_ORDER_SIZE_USD 必须大于 0")
	}
	if c.Trading.MinEdgeCents < 0 {
		return fmt.Errorf("POLY_TRADING_MIN_EDGE_CENTS 不能为负数")
	}
	if c.Trading.CooldownMs < 0 {
		return fmt.Errorf("POLY_TRADING_COOLDOWN_MS 不能为负数")
	}
	if c.Trading.Enabled && !c.Trading.DryRun {
		if c.Trading.APIURL == "" {
			return fmt.Errorf("实盘下单需要 POLY_TRADING_API_URL")
		}
		if c.Trading.APIKey == "" || c.Trading.APISecret == "" || c.Trading.APIPassphrase == "" {
			return fmt.Errorf("实盘下单需要 POLYMARKET_API_KEY/SECRET/PASSPHRASE")
		}
	}
	if c.Strategy.SizeUSD <= 0 {
		return fmt.Errorf("strategy.size_usd 必须大于 0")
	}
	if c.Strategy.MaxStates < 0 || c.Strategy.EvictGraceSeconds < 0 {
		return fmt.Errorf("strategy.max_states / evict_grace_seconds 不能为负数")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return defaultValue
	}
	return parsed
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseListEnv 逗号分隔列表
func parseListEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
