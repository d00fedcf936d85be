package marketspec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Timeframe 表示市场周期（用于 polymarket updown market slug）。
// 目前只有 15m 周期的信号引擎，保留类型以便 slug 解析。
type Timeframe string

const (
	Timeframe15m Timeframe = "15m"
)

func ParseTimeframe(v string) (Timeframe, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	switch s {
	case "", "15m", "15min", "15mins", "15-minute", "15minutes":
		return Timeframe15m, nil
	default:
		return "", fmt.Errorf("不支持的 timeframe: %q（支持: 15m）", v)
	}
}

func (t Timeframe) String() string { return string(t) }

func (t Timeframe) Duration() time.Duration { return 15 * time.Minute }

// CoinProfile 单个币种的默认数据源配置
type CoinProfile struct {
	Coin          string // BTC
	Symbol        string // Binance 交易对 BTCUSDT
	SlugPrefix    string // btc-updown-15m-
	SeriesSlug    string // btc-up-or-down-15m
	Aggregator    string // Polygon 上的 Chainlink <COIN>/USD aggregator
	Decimals      int
	RTDSSymbol    string // RTDS 过滤 symbol: btc/usd
	SymbolInclude string // RTDS payload symbol 需要包含的子串
}

var profiles = map[string]CoinProfile{
	"BTC": newProfile("BTC", "0xc907E116054Ad103354f2D350FD2514433D57F6f"),
	"ETH": newProfile("ETH", "0xF9680D99D6C9589e2a93a78A04A279e509205945"),
	"SOL": newProfile("SOL", "0x10C8264C0935b3B9870013e057f330Ff3e9C56dC"),
	"XRP": newProfile("XRP", "0x785ba89291f676b5386652eB12b30cF361020694"),
}

func newProfile(coin, aggregator string) CoinProfile {
	lc := strings.ToLower(coin)
	return CoinProfile{
		Coin:          coin,
		Symbol:        coin + "USDT",
		SlugPrefix:    lc + "-updown-15m-",
		SeriesSlug:    lc + "-up-or-down-15m",
		Aggregator:    aggregator,
		Decimals:      8,
		RTDSSymbol:    lc + "/usd",
		SymbolInclude: lc,
	}
}

// Profile 按币种名获取配置，不区分大小写；空值默认 BTC
func Profile(coin string) (CoinProfile, error) {
	c := strings.ToUpper(strings.TrimSpace(coin))
	if c == "" {
		c = "BTC"
	}
	p, ok := profiles[c]
	if !ok {
		return CoinProfile{}, fmt.Errorf("不支持的币种: %q（支持: BTC/ETH/SOL/XRP）", coin)
	}
	return p, nil
}

// Coins 支持的币种
func Coins() []string { return []string{"BTC", "ETH", "SOL", "XRP"} }

// MarketSpec 表示要订阅的 polymarket updown 市场规格。
type MarketSpec struct {
	Symbol    string // e.g. "btc", "eth"
	Kind      string // e.g. "updown"
	Timeframe Timeframe
}

var symbolRe = regexp.MustCompile(`^[a-z0-9]+$`)

func New(symbol, timeframe, kind string) (MarketSpec, error) {
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return MarketSpec{}, err
	}
	s := strings.ToLower(strings.TrimSpace(symbol))
	if s == "" {
		s = "btc"
	}
	if !symbolRe.MatchString(s) {
		return MarketSpec{}, fmt.Errorf("无效的 symbol: %q（仅允许小写字母/数字）", symbol)
	}
	k := strings.ToLower(strings.TrimSpace(kind))
	if k == "" {
		k = "updown"
	}
	return MarketSpec{Symbol: s, Kind: k, Timeframe: tf}, nil
}

// ForProfile 由币种配置生成市场规格
func ForProfile(p CoinProfile) MarketSpec {
	return MarketSpec{Symbol: strings.ToLower(p.Coin), Kind: "updown", Timeframe: Timeframe15m}
}

func (m MarketSpec) Duration() time.Duration { return m.Timeframe.Duration() }

// CurrentPeriodStartUnix 返回当前 15 分钟周期起点（UTC 对齐）。
func (m MarketSpec) CurrentPeriodStartUnix(now time.Time) int64 {
	return now.UTC().Truncate(m.Duration()).Unix()
}

func (m MarketSpec) Slug(periodStartUnix int64) string {
	// 约定：polymarket slug 使用小写 symbol / kind / timeframe
	return fmt.Sprintf("%s%d", m.SlugPrefix(), periodStartUnix)
}

func (m MarketSpec) SlugPrefix() string {
	return fmt.Sprintf("%s-%s-%s-", m.Symbol, m.Kind, m.Timeframe.String())
}

func (m MarketSpec) NextPeriodStartUnix(periodStartUnix int64) int64 {
	return periodStartUnix + int64(m.Duration().Seconds())
}

// CandidateSlugs 当前周期以及前后相邻周期的 slug（当前周期在前）
func (m MarketSpec) CandidateSlugs(now time.Time) []string {
	start := m.CurrentPeriodStartUnix(now)
	step := int64(m.Duration().Seconds())
	return []string{m.Slug(start), m.Slug(start + step), m.Slug(start - step)}
}

// PeriodStartFromSlug 从 slug 末尾解析周期起点时间戳
// 例如：btc-updown-15m-1765985400 -> 1765985400
func PeriodStartFromSlug(slug string) (int64, bool) {
	i := strings.LastIndex(slug, "-")
	if i < 0 || i == len(slug)-1 {
		return 0, false
	}
	ts, err := strconv.ParseInt(slug[i+1:], 10, 64)
	if err != nil || ts <= 0 {
		return 0, false
	}
	return ts, true
}
