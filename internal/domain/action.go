package domain

import "time"

// Side 方向
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

// Opposite 反方向
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

// PositionTag 仓位类型
type PositionTag string

const (
	TagScalp PositionTag = "SCALP"
	TagHold  PositionTag = "HOLD"
)

// ActionType 动作类型
type ActionType string

const (
	ActionOpen  ActionType = "OPEN"
	ActionClose ActionType = "CLOSE"
)

// Position 策略内部记录的虚拟仓位
type Position struct {
	Side       Side        `json:"side"`
	EntryPrice float64     `json:"entry_price"`
	OpenedAt   time.Time   `json:"opened_at"`
	Tag        PositionTag `json:"tag"`
}

// TradeAction 策略输出给下单协作者的动作
type TradeAction struct {
	Type    ActionType  `json:"type"`
	Tag     PositionTag `json:"tag"`
	Side    Side        `json:"side"`
	SizeUSD float64     `json:"size_usd"`
	Reason  string      `json:"reason"`
}
