package domain

// 行情状态
const (
	RegimeTrendUp   = "TREND_UP"
	RegimeTrendDown = "TREND_DOWN"
	RegimeRange     = "RANGE"
)

// HeuristicInput 启发式打分输入
type HeuristicInput struct {
	Closes      []float64 // 1m 收盘价（旧 -> 新）
	TimeLeftMin *float64
}

// HeuristicScore 启发式方向分
type HeuristicScore struct {
	Up     *float64 // 已做时间衰减的 UP 概率
	Regime string
}
