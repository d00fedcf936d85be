package domain

import "time"

// BookSummary 单边订单簿摘要（概率单位，0~1）
type BookSummary struct {
	BestBid  *float64
	BestAsk  *float64
	Spread   *float64
	BidDepth *float64
	AskDepth *float64
}

// Market 一个 15 分钟 up/down 市场实例，slug 唯一标识。
// slug 变化即视为新的、相互独立的市场。
type Market struct {
	Slug        string
	Question    string
	ConditionID string

	// Strike 市场字段/问题文本中声明的行权价（可能缺失）
	Strike *float64

	StartTime      time.Time // 零值表示未知
	SettlementTime time.Time // 零值表示未知

	UpTokenID   string
	DownTokenID string

	Up   BookSummary
	Down BookSummary

	Liquidity *float64

	// Raw gamma 原始字段，用于提取 strike / 落盘
	Raw map[string]any
}

// IsValid 验证市场是否可交易（slug 与两侧 token 都存在）
func (m *Market) IsValid() bool {
	return m != nil && m.Slug != "" && m.UpTokenID != "" && m.DownTokenID != ""
}

// TokenID 根据方向获取 token ID
func (m *Market) TokenID(side Side) string {
	if m == nil {
		return ""
	}
	if side == SideUp {
		return m.UpTokenID
	}
	return m.DownTokenID
}

// MarketQuote 每侧报价（买入价，概率单位）
type MarketQuote struct {
	Up   *float64 `json:"up"`
	Down *float64 `json:"down"`
}

// Price 返回某侧报价
func (q MarketQuote) Price(side Side) *float64 {
	if side == SideUp {
		return q.Up
	}
	return q.Down
}
