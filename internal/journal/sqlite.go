package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/betbot/quantsignal/internal/engine"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore 信号与动作的结构化存档（便于回放/统计）
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 打开（或创建）数据库并执行迁移
func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite 路径为空")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "创建 sqlite 目录失败")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "打开 sqlite 失败")
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return errors.Wrap(err, "设置 WAL 失败")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			slug TEXT NOT NULL,
			entry_minute REAL,
			time_left_min REAL,
			regime TEXT,
			signal TEXT,
			model_up REAL,
			model_down REAL,
			mkt_up REAL,
			mkt_down REAL,
			edge_up REAL,
			edge_down REAL,
			recommendation TEXT,
			strike REAL,
			reference REAL,
			sigma REAL,
			phase TEXT,
			snapshot_json TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_signals_slug ON signals(slug);`,
		`CREATE TABLE IF NOT EXISTS actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			slug TEXT NOT NULL,
			type TEXT NOT NULL,
			tag TEXT NOT NULL,
			side TEXT NOT NULL,
			size_usd REAL,
			reason TEXT,
			submitted INTEGER NOT NULL DEFAULT 0,
			dry_run INTEGER NOT NULL DEFAULT 0,
			order_id TEXT,
			skipped TEXT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_slug ON actions(slug);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "sqlite 迁移失败")
		}
	}
	return nil
}

// Insert 写入一个 tick 的信号行以及该 tick 的动作结果
func (s *SQLiteStore) Insert(ctx context.Context, snap *engine.Snapshot) error {
	if snap == nil {
		return nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "序列化快照失败")
	}
	ts := snap.Row.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var ref *float64
	if snap.Reference != nil {
		ref = &snap.Reference.Price
	}
	r := snap.Row
	if _, err := tx.ExecContext(ctx, `INSERT INTO signals
		(ts, slug, entry_minute, time_left_min, regime, signal, model_up, model_down, mkt_up, mkt_down,
		 edge_up, edge_down, recommendation, strike, reference, sigma, phase, snapshot_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, snap.Slug, r.EntryMinute, r.TimeLeftMin, r.Regime, r.Signal,
		nullable(r.ModelUp), nullable(r.ModelDown), nullable(r.MktUp), nullable(r.MktDown),
		nullable(r.EdgeUp), nullable(r.EdgeDown), r.Recommendation,
		nullable(snap.Strike), nullable(ref), nullable(snap.Sigma), string(snap.Strategy.Phase), string(raw),
	); err != nil {
		return errors.Wrap(err, "写入 signals 失败")
	}

	for _, res := range snap.Results {
		a := res.Action
		if _, err := tx.ExecContext(ctx, `INSERT INTO actions
			(ts, slug, type, tag, side, size_usd, reason, submitted, dry_run, order_id, skipped, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ts, snap.Slug, string(a.Type), string(a.Tag), string(a.Side), a.SizeUSD, a.Reason,
			boolInt(res.Submitted), boolInt(res.DryRun), res.OrderID, res.Skipped, res.Error,
		); err != nil {
			return errors.Wrap(err, "写入 actions 失败")
		}
	}
	return tx.Commit()
}

// CountSignals 某个 slug 的信号行数（空 slug 为全部）
func (s *SQLiteStore) CountSignals(ctx context.Context, slug string) (int, error) {
	q := `SELECT COUNT(1) FROM signals`
	args := []any{}
	if slug != "" {
		q += ` WHERE slug = ?`
		args = append(args, slug)
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

// ActionReasons 某个 slug 的动作原因（按写入顺序）
func (s *SQLiteStore) ActionReasons(ctx context.Context, slug string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reason FROM actions WHERE slug = ? ORDER BY id`, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
