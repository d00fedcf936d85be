package journal

import (
	"context"

	"github.com/betbot/quantsignal/internal/engine"
	"github.com/sirupsen/logrus"
)

var journalLog = logrus.WithField("component", "journal")

// Journal 组合 CSV 与 sqlite；任一后端可为空
type Journal struct {
	csv    *CSVWriter
	db     *SQLiteStore
	dumper *MarketDumper
}

// Options 日志后端配置；空字段表示不启用
type Options struct {
	CSVPath    string
	SQLitePath string
	DumpDir    string
}

// Open 按配置打开各后端
func Open(opts Options) (*Journal, error) {
	j := &Journal{}
	if opts.CSVPath != "" {
		j.csv = NewCSVWriter(opts.CSVPath)
	}
	if opts.SQLitePath != "" {
		db, err := OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		j.db = db
	}
	if opts.DumpDir != "" {
		j.dumper = NewMarketDumper(opts.DumpDir)
	}
	return j, nil
}

// Record 实现 engine.Journal。CSV 失败不影响 sqlite，返回第一个错误
func (j *Journal) Record(ctx context.Context, s *engine.Snapshot) error {
	if s == nil {
		return nil
	}
	var first error
	if j.csv != nil {
		if err := j.csv.Append(s.Row); err != nil {
			journalLog.Warnf("写入信号 CSV 失败: %v", err)
			first = err
		}
	}
	if j.db != nil {
		if err := j.db.Insert(ctx, s); err != nil {
			journalLog.Warnf("写入 sqlite 失败: %v", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// DumpMarket 实现 engine.MarketDumper
func (j *Journal) DumpMarket(slug string, raw map[string]any) error {
	if j.dumper == nil {
		return nil
	}
	return j.dumper.DumpMarket(slug, raw)
}

// Store 暴露 sqlite 后端（可能为 nil）
func (j *Journal) Store() *SQLiteStore { return j.db }

func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

var (
	_ engine.Journal      = (*Journal)(nil)
	_ engine.MarketDumper = (*Journal)(nil)
)
