package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var unsafeSlugRe = regexp.MustCompile(`[^a-z0-9_-]+`)
var dashRunRe = regexp.MustCompile(`-+`)

// SafeFileSlug 小写，非 [a-z0-9_-] 替换为 "-"，合并连续 "-"，去掉首尾 "-"，最长 120
func SafeFileSlug(s string) string {
	s = unsafeSlugRe.ReplaceAllString(strings.ToLower(s), "-")
	s = dashRunRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

// MarketDumper 每个 slug 只落盘一次原始市场 JSON
type MarketDumper struct {
	dir    string
	mu     sync.Mutex
	dumped map[string]bool
}

func NewMarketDumper(dir string) *MarketDumper {
	return &MarketDumper{dir: dir, dumped: make(map[string]bool)}
}

// DumpMarket 写入 <dir>/polymarket_market_<slug>.json
func (d *MarketDumper) DumpMarket(slug string, raw map[string]any) error {
	name := SafeFileSlug(slug)
	if name == "" {
		name = "market"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dumped[name] {
		return nil
	}
	d.dumped[name] = true

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("创建落盘目录失败: %w", err)
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.dir, "polymarket_market_"+name+".json"), b, 0o644)
}
