package strike

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// 市场字段中可能直接携带 strike 的键
var directKeys = []string{
	"priceToBeat",
	"price_to_beat",
	"strikePrice",
	"strike_price",
	"strike",
	"threshold",
	"thresholdPrice",
	"threshold_price",
	"targetPrice",
	"target_price",
	"referencePrice",
	"reference_price",
}

var (
	keyHintRe     = regexp.MustCompile(`(?i)(price|strike|threshold|target|beat)`)
	priceToBeatRe = regexp.MustCompile(`(?i)price\s*to\s*beat[^\d$]*\$?\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
)

const (
	maxSearchDepth = 6
	minPlausible   = 1000.0
	maxPlausible   = 2_000_000.0
)

// FromMarket 从 gamma 市场原始字段中提取声明的 strike：
// 先查直接字段，再做有限深度搜索，最后解析问题文本里的 "price to beat $X"。
func FromMarket(raw map[string]any) (float64, bool) {
	if raw == nil {
		return 0, false
	}
	for _, k := range directKeys {
		if v, ok := toNumber(raw[k]); ok {
			return v, true
		}
	}
	if v, ok := deepSearch(raw, 0); ok {
		return v, true
	}
	for _, k := range []string{"question", "title"} {
		if s, ok := raw[k].(string); ok && s != "" {
			return ParsePriceToBeat(s)
		}
	}
	return 0, false
}

// ParsePriceToBeat 解析 "Price to beat: $97,123.45" 一类文本
func ParsePriceToBeat(text string) (float64, bool) {
	m := priceToBeatRe.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func deepSearch(node any, depth int) (float64, bool) {
	if depth > maxSearchDepth {
		return 0, false
	}
	switch n := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v, ok := searchEntry(k, n[k], depth); ok {
				return v, true
			}
		}
	case []any:
		for i, v := range n {
			if v, ok := searchEntry(strconv.Itoa(i), v, depth); ok {
				return v, true
			}
		}
	}
	return 0, false
}

func searchEntry(key string, value any, depth int) (float64, bool) {
	switch value.(type) {
	case map[string]any, []any:
		return deepSearch(value, depth+1)
	}
	if !keyHintRe.MatchString(key) {
		return 0, false
	}
	v, ok := toNumber(value)
	if !ok || v <= minPlausible || v >= maxPlausible {
		return 0, false
	}
	return v, true
}

func toNumber(v any) (float64, bool) {
	f, ok := rawNumber(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func rawNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
