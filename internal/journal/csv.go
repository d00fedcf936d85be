package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/betbot/quantsignal/internal/engine"
)

// Header 信号 CSV 固定表头
var Header = []string{
	"timestamp",
	"entry_minute",
	"time_left_min",
	"regime",
	"signal",
	"model_up",
	"model_down",
	"mkt_up",
	"mkt_down",
	"edge_up",
	"edge_down",
	"recommendation",
	"poly_future_up_cents",
	"poly_future_edge_cents",
	"poly_future_strategy",
}

// CSVWriter 追加写入信号 CSV；文件不存在或为空时先写表头
type CSVWriter struct {
	path string
	mu   sync.Mutex
}

func NewCSVWriter(path string) *CSVWriter {
	return &CSVWriter{path: path}
}

func (w *CSVWriter) Path() string { return w.path }

// Append 写入一行（每次打开-追加-关闭，外部可随时轮转文件）
func (w *CSVWriter) Append(row engine.SignalRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("创建 CSV 目录失败: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("打开 CSV 失败: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	cw := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := cw.Write(Header); err != nil {
			return err
		}
	}
	if err := cw.Write(formatRow(row)); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func formatRow(r engine.SignalRow) []string {
	return []string{
		r.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		strconv.FormatFloat(r.EntryMinute, 'f', 3, 64),
		strconv.FormatFloat(r.TimeLeftMin, 'f', 3, 64),
		r.Regime,
		r.Signal,
		num(r.ModelUp),
		num(r.ModelDown),
		num(r.MktUp),
		num(r.MktDown),
		num(r.EdgeUp),
		num(r.EdgeDown),
		r.Recommendation,
		num(r.PolyFutureUpCents),
		num(r.PolyFutureEdgeCts),
		r.PolyFutureStrategy,
	}
}

// num 缺失值写空串
func num(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
