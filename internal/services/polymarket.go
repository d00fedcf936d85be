package services

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/quantsignal/internal/domain"
	"github.com/betbot/quantsignal/internal/strike"
	"github.com/betbot/quantsignal/pkg/cache"
	"github.com/betbot/quantsignal/pkg/marketspec"
	sdkhttp "github.com/betbot/quantsignal/pkg/sdk/http"
	"github.com/betbot/quantsignal/pkg/syncgroup"
)

var marketLog = logrus.WithField("component", "polymarket")

// PolymarketOptions 市场发现配置
type PolymarketOptions struct {
	Slug             string // 固定 slug；为空时自动选择
	SeriesSlug       string
	SlugPrefix       string
	AutoSelectLatest bool
	UpLabel          string
	DownLabel        string
	CacheTTL         time.Duration // 自动选择结果缓存时间（一个轮询周期）
	Spec             marketspec.MarketSpec
}

// PolymarketClient gamma 市场发现 + CLOB 报价/订单簿
type PolymarketClient struct {
	gamma *sdkhttp.Client
	clob  *sdkhttp.Client
	opts  PolymarketOptions
	cache *cache.InMemoryCache[string, map[string]any]
	now   func() time.Time
}

func NewPolymarketClient(gamma, clob *sdkhttp.Client, opts PolymarketOptions) *PolymarketClient {
	if opts.UpLabel == "" {
		opts.UpLabel = "Up"
	}
	if opts.DownLabel == "" {
		opts.DownLabel = "Down"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Second
	}
	if opts.SlugPrefix == "" && opts.Spec.Symbol != "" {
		opts.SlugPrefix = opts.Spec.SlugPrefix()
	}
	return &PolymarketClient{
		gamma: gamma,
		clob:  clob,
		opts:  opts,
		cache: cache.NewInMemoryCache[string, map[string]any](opts.CacheTTL),
		now:   time.Now,
	}
}

// Snapshot 当前市场及两侧报价。找不到市场或缺 token 时返回 nil 市场、nil 错误；
// 网络错误原样返回。
func (p *PolymarketClient) Snapshot(ctx context.Context) (*domain.Market, domain.MarketQuote, error) {
	raw, err := p.resolveMarket(ctx)
	if err != nil {
		return nil, domain.MarketQuote{}, err
	}
	if raw == nil {
		marketLog.Debug("market_not_found")
		return nil, domain.MarketQuote{}, nil
	}

	m := p.parseMarket(raw)
	gammaUp, gammaDown := p.gammaPrices(raw)
	if !m.IsValid() {
		marketLog.Debugf("missing_token_ids slug=%s", m.Slug)
		return nil, domain.MarketQuote{}, nil
	}

	quote := domain.MarketQuote{}
	var upBuy, downBuy *float64
	var upBook, downBook domain.BookSummary

	// 四个 CLOB 请求并行；任意失败时整体回退到 gamma 字段
	g := syncgroup.NewSyncGroup(ctx)
	g.Go("up_price", func(ctx context.Context) (err error) { upBuy, err = p.fetchPrice(ctx, m.UpTokenID, "buy"); return })
	g.Go("down_price", func(ctx context.Context) (err error) { downBuy, err = p.fetchPrice(ctx, m.DownTokenID, "buy"); return })
	g.Go("up_book", func(ctx context.Context) (err error) { upBook, err = p.fetchBook(ctx, m.UpTokenID); return })
	g.Go("down_book", func(ctx context.Context) (err error) { downBook, err = p.fetchBook(ctx, m.DownTokenID); return })
	if err := g.Wait(); err != nil {
		marketLog.Debugf("CLOB 请求失败，回退 gamma 字段: %v", err)
		upBuy, downBuy = nil, nil
		spread := nonZero(raw["spread"])
		upBook = domain.BookSummary{BestBid: nonZero(raw["bestBid"]), BestAsk: nonZero(raw["bestAsk"]), Spread: spread}
		downBook = domain.BookSummary{Spread: spread}
	}

	m.Up, m.Down = upBook, downBook
	quote.Up = firstNonNil(upBuy, gammaUp)
	quote.Down = firstNonNil(downBuy, gammaDown)
	return m, quote, nil
}

// resolveMarket 固定 slug 直接查询；否则按 series / slug 前缀选最新的在线市场
func (p *PolymarketClient) resolveMarket(ctx context.Context) (map[string]any, error) {
	if p.opts.Slug != "" {
		return p.marketBySlug(ctx, p.opts.Slug)
	}
	if !p.opts.AutoSelectLatest {
		return nil, nil
	}
	if m, ok := p.cache.Get("latest"); ok {
		return m, nil
	}
	markets, err := p.liveMarkets(ctx)
	if err != nil {
		return nil, err
	}
	picked := pickLatestLiveMarket(markets, p.now())
	if picked != nil {
		p.cache.Set("latest", picked, 0)
	}
	return picked, nil
}

func (p *PolymarketClient) marketBySlug(ctx context.Context, slug string) (map[string]any, error) {
	var rows []map[string]any
	if err := p.gamma.GetJSON(ctx, "/markets", map[string]any{"slug": slug}, &rows); err != nil {
		return nil, errors.Wrapf(err, "gamma market %s", slug)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// liveMarkets series 事件下的在线市场；series 为空或没有结果时按 slug 前缀尝试相邻周期
func (p *PolymarketClient) liveMarkets(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	if p.opts.SeriesSlug != "" {
		var events []map[string]any
		err := p.gamma.GetJSON(ctx, "/events", map[string]any{
			"series_slug": p.opts.SeriesSlug,
			"active":      "true",
			"closed":      "false",
			"limit":       50,
		}, &events)
		if err != nil {
			return nil, errors.Wrap(err, "gamma events")
		}
		for _, ev := range events {
			ms, _ := ev["markets"].([]any)
			for _, item := range ms {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if _, has := m["eventStartTime"]; !has {
					if st, ok := ev["startTime"]; ok {
						m["eventStartTime"] = st
					}
				}
				out = append(out, m)
			}
		}
	}
	if p.opts.SlugPrefix != "" {
		out = filterPrefix(out, p.opts.SlugPrefix)
	}
	if len(out) > 0 || p.opts.Spec.Symbol == "" {
		return out, nil
	}

	for _, slug := range p.opts.Spec.CandidateSlugs(p.now()) {
		m, err := p.marketBySlug(ctx, slug)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func filterPrefix(markets []map[string]any, prefix string) []map[string]any {
	out := markets[:0]
	for _, m := range markets {
		if strings.HasPrefix(strings.ToLower(str(m["slug"])), strings.ToLower(prefix)) {
			out = append(out, m)
		}
	}
	return out
}

// pickLatestLiveMarket 未结算市场中：优先已开始且最早结束的，其次最早开始的
func pickLatestLiveMarket(markets []map[string]any, now time.Time) map[string]any {
	type cand struct {
		m          map[string]any
		start, end time.Time
	}
	var live, upcoming []cand
	for _, m := range markets {
		end := parseTime(m["endDate"])
		if end.IsZero() || !end.After(now) {
			continue
		}
		if closed, _ := m["closed"].(bool); closed {
			continue
		}
		c := cand{m: m, start: parseTime(m["eventStartTime"]), end: end}
		if c.start.IsZero() || !c.start.After(now) {
			live = append(live, c)
		} else {
			upcoming = append(upcoming, c)
		}
	}
	if len(live) > 0 {
		sort.Slice(live, func(i, j int) bool { return live[i].end.Before(live[j].end) })
		return live[0].m
	}
	if len(upcoming) > 0 {
		sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].start.Before(upcoming[j].start) })
		return upcoming[0].m
	}
	return nil
}

func (p *PolymarketClient) parseMarket(raw map[string]any) *domain.Market {
	m := &domain.Market{
		Slug:           str(raw["slug"]),
		Question:       str(raw["question"]),
		ConditionID:    str(raw["conditionId"]),
		StartTime:      parseTime(raw["eventStartTime"]),
		SettlementTime: parseTime(raw["endDate"]),
		Raw:            raw,
	}
	if v, ok := strike.FromMarket(raw); ok {
		m.Strike = &v
	}
	outcomes := stringList(raw["outcomes"])
	tokens := stringList(raw["clobTokenIds"])
	for i, label := range outcomes {
		if i >= len(tokens) || tokens[i] == "" {
			continue
		}
		switch {
		case strings.EqualFold(label, p.opts.UpLabel):
			m.UpTokenID = tokens[i]
		case strings.EqualFold(label, p.opts.DownLabel):
			m.DownTokenID = tokens[i]
		}
	}
	m.Liquidity = nonZero(raw["liquidityNum"])
	if m.Liquidity == nil {
		m.Liquidity = nonZero(raw["liquidity"])
	}
	return m
}

// gammaPrices outcomePrices 中 Up/Down 标签对应的价格
func (p *PolymarketClient) gammaPrices(raw map[string]any) (up, down *float64) {
	outcomes := stringList(raw["outcomes"])
	prices := stringList(raw["outcomePrices"])
	at := func(label string) *float64 {
		for i, o := range outcomes {
			if strings.EqualFold(o, label) && i < len(prices) {
				if f, err := strconv.ParseFloat(prices[i], 64); err == nil && !math.IsNaN(f) {
					return &f
				}
				return nil
			}
		}
		return nil
	}
	return at(p.opts.UpLabel), at(p.opts.DownLabel)
}

// fetchPrice GET /price?token_id=&side=
func (p *PolymarketClient) fetchPrice(ctx context.Context, tokenID, side string) (*float64, error) {
	var resp struct {
		Price any `json:"price"`
	}
	if err := p.clob.GetJSON(ctx, "/price", map[string]any{"token_id": tokenID, "side": side}, &resp); err != nil {
		return nil, errors.Wrap(err, "clob price")
	}
	f, ok := anyFloat(resp.Price)
	if !ok {
		return nil, nil
	}
	return &f, nil
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type orderBook struct {
	Bids []bookLevel `json:"bids"`
	Asks []bookLevel `json:"asks"`
}

// fetchBook GET /book?token_id=
func (p *PolymarketClient) fetchBook(ctx context.Context, tokenID string) (domain.BookSummary, error) {
	var book orderBook
	if err := p.clob.GetJSON(ctx, "/book", map[string]any{"token_id": tokenID}, &book); err != nil {
		return domain.BookSummary{}, errors.Wrap(err, "clob book")
	}
	return summarizeBook(book), nil
}

// summarizeBook 最优买卖价、价差与两侧深度（size 合计）
func summarizeBook(book orderBook) domain.BookSummary {
	var s domain.BookSummary
	bestBid, bidDepth, okBid := bestLevel(book.Bids, true)
	bestAsk, askDepth, okAsk := bestLevel(book.Asks, false)
	if okBid {
		s.BestBid = &bestBid
		s.BidDepth = &bidDepth
	}
	if okAsk {
		s.BestAsk = &bestAsk
		s.AskDepth = &askDepth
	}
	if okBid && okAsk {
		spread := bestAsk - bestBid
		s.Spread = &spread
	}
	return s
}

func bestLevel(levels []bookLevel, highest bool) (best, depth float64, ok bool) {
	for _, lv := range levels {
		price, err1 := strconv.ParseFloat(lv.Price, 64)
		size, err2 := strconv.ParseFloat(lv.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		depth += size
		if !ok || (highest && price > best) || (!highest && price < best) {
			best, ok = price, true
		}
	}
	return best, depth, ok
}

// stringList 数组或 JSON 字符串形式的数组
func stringList(v any) []string {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case string:
		if err := json.Unmarshal([]byte(t), &items); err != nil {
			return nil
		}
	default:
		return nil
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = str(it)
	}
	return out
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// nonZero 数字或数字字符串；0 和无法解析的值视为缺失
func nonZero(v any) *float64 {
	f, ok := anyFloat(v)
	if !ok || f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func firstNonNil(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func parseTime(v any) time.Time {
	s := strings.TrimSpace(str(v))
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05Z07", s); err == nil {
		return t
	}
	return time.Time{}
}
