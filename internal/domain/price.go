package domain

import "time"

// 价格来源标签
const (
	SourcePolymarketWS = "polymarket_ws"
	SourceChainlinkWS  = "chainlink_ws"
	SourceChainlinkRPC = "chainlink_rpc"
	SourceBinanceWS    = "binance_ws"
	SourceBinanceREST  = "binance_rest"
)

// PriceSample 一个有限价格观测
type PriceSample struct {
	Price  float64   `json:"price"`
	At     time.Time `json:"at"` // 零值表示未知
	Source string    `json:"source"`
}

// Valid 价格为正且有限
func (p PriceSample) Valid() bool {
	return p.Price > 0 && p.Price < 1e18
}

// PtrPrice 有效时返回价格指针
func (p PriceSample) PtrPrice() *float64 {
	if !p.Valid() {
		return nil
	}
	v := p.Price
	return &v
}
