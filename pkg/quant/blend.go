package quant

// BlendMode 概率来源
type BlendMode string

const (
	ModeQuantOnly BlendMode = "quant_only"
	ModeHeurOnly  BlendMode = "heur_only"
	ModeBlend     BlendMode = "blend"
)

// DefaultQuantWeight 量化概率的默认权重
const DefaultQuantWeight = 0.7

// ProbabilityEstimate 合成后的方向概率（PUp + PDown == 1）
type ProbabilityEstimate struct {
	PUp   float64
	PDown float64
	Mode  BlendMode
}

// Blend 合成量化概率与启发式概率。
// 两者都缺失返回 nil；只有一方时原样返回该方（不夹取）；
// 两者都有时按权重 w（夹到 [0,1]）加权并夹到概率区间。
func Blend(quantUp, heurUp *float64, w float64) *ProbabilityEstimate {
	q, hasQ := Value(quantUp)
	h, hasH := Value(heurUp)
	if !isFinite(w) {
		w = DefaultQuantWeight
	}
	w = Clamp(w, 0, 1)

	switch {
	case !hasQ && !hasH:
		return nil
	case !hasQ:
		return &ProbabilityEstimate{PUp: h, PDown: 1 - h, Mode: ModeHeurOnly}
	case !hasH:
		return &ProbabilityEstimate{PUp: q, PDown: 1 - q, Mode: ModeQuantOnly}
	}

	p := Clamp(w*q+(1-w)*h, ProbFloor, ProbCeil)
	return &ProbabilityEstimate{PUp: p, PDown: 1 - p, Mode: ModeBlend}
}

// Value 解引用一个可空数值；nil 或非有限值视为缺失。
func Value(p *float64) (float64, bool) {
	if p == nil || !isFinite(*p) {
		return 0, false
	}
	return *p, true
}

// Ptr 返回 v 的指针，便于构造可空数值。
func Ptr(v float64) *float64 {
	return &v
}

// PtrIf 在 ok 时返回 v 的指针，否则 nil。
func PtrIf(v float64, ok bool) *float64 {
	if !ok || !isFinite(v) {
		return nil
	}
	return &v
}
