// Package clickhouse serves bars from, and writes simulated trades to, a ClickHouse database.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"orb-go/internal/backtest"
	"orb-go/internal/market"
)

// Config locates the database. DSN wins over the discrete fields when set.
type Config struct {
	DSN         string `yaml:"dsn"`
	Addr        string `yaml:"addr"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	BarsTable   string `yaml:"bars_table"`
	TradesTable string `yaml:"trades_table"`
}

func (c Config) withDefaults() Config {
	if c.Database == "" {
		c.Database = "orb"
	}
	if c.BarsTable == "" {
		c.BarsTable = "bars"
	}
	if c.TradesTable == "" {
		c.TradesTable = "simulated_trades"
	}
	if c.Addr == "" {
		c.Addr = "localhost:9000"
	}
	return c
}

// Open connects and pings.
func Open(ctx context.Context, cfg Config) (driver.Conn, error) {
	cfg = cfg.withDefaults()
	var opts *clickhouse.Options
	if cfg.DSN != "" {
		parsed, err := clickhouse.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
		}
		opts = parsed
		if cfg.Password != "" {
			opts.Auth.Password = cfg.Password
		}
	} else {
		opts = &clickhouse.Options{
			Addr: []string{cfg.Addr},
			Auth: clickhouse.Auth{
				Database: cfg.Database,
				Username: cfg.Username,
				Password: cfg.Password,
			},
		}
	}
	opts.Settings = clickhouse.Settings{"max_execution_time": uint64(60)}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return conn, nil
}

// EnsureSchema creates the database and both tables if missing.
func EnsureSchema(ctx context.Context, conn driver.Conn, cfg Config) error {
	cfg = cfg.withDefaults()
	for _, ddl := range schema(cfg) {
		if err := conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func schema(cfg Config) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", cfg.Database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			symbol String,
			interval LowCardinality(String),
			open_time_ms UInt64,
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			volume Float64,
			version UInt64
		)
		ENGINE = ReplacingMergeTree(version)
		ORDER BY (symbol, interval, open_time_ms)`, cfg.Database, cfg.BarsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			trade_date Date,
			signal_id String,
			symbol String,
			rank UInt16,
			side LowCardinality(String),
			entry_price Float64,
			exit_price Float64,
			exit_reason LowCardinality(String),
			shares Int64,
			entry_time DateTime64(3),
			exit_time DateTime64(3),
			gross_pnl Decimal(18, 2),
			commission Decimal(18, 2),
			net_pnl Decimal(18, 2),
			run_id String
		)
		ENGINE = ReplacingMergeTree
		ORDER BY (run_id, trade_date, symbol, side)`, cfg.Database, cfg.TradesTable),
	}
}

// BarStore implements market.BarStore over the bars table.
type BarStore struct {
	conn  driver.Conn
	table string
	loc   *time.Location
}

// NewBarStore reads from cfg's bars table; timestamps are returned in loc.
func NewBarStore(conn driver.Conn, cfg Config, loc *time.Location) *BarStore {
	cfg = cfg.withDefaults()
	if loc == nil {
		loc = time.UTC
	}
	return &BarStore{conn: conn, table: cfg.Database + "." + cfg.BarsTable, loc: loc}
}

// Bars implements market.BarStore. FINAL collapses re-ingested duplicates.
func (s *BarStore) Bars(ctx context.Context, symbol string, start, end time.Time, interval market.Interval) ([]market.Bar, error) {
	q, args := barsQuery(s.table, symbol, start, end, interval)
	rows, err := s.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", symbol, interval, err)
	}
	defer rows.Close()
	return scanBars(rows, strings.ToUpper(symbol), s.loc)
}

func barsQuery(table, symbol string, start, end time.Time, interval market.Interval) (string, []any) {
	q := fmt.Sprintf(`SELECT open_time_ms, open, high, low, close, volume
		FROM %s FINAL
		WHERE symbol = ? AND interval = ? AND open_time_ms >= ? AND open_time_ms < ?
		ORDER BY open_time_ms`, table)
	return q, []any{strings.ToUpper(symbol), string(interval), uint64(start.UnixMilli()), uint64(end.UnixMilli())}
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanBars(rows rowScanner, symbol string, loc *time.Location) ([]market.Bar, error) {
	var out []market.Bar
	for rows.Next() {
		var ms uint64
		b := market.Bar{Symbol: symbol}
		if err := rows.Scan(&ms, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan %s: %w", symbol, err)
		}
		b.Timestamp = time.UnixMilli(int64(ms)).In(loc)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows %s: %w", symbol, err)
	}
	if err := market.CheckOrdered(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ImportBars writes bars for symbol into the bars table in one batch.
func ImportBars(ctx context.Context, conn driver.Conn, cfg Config, interval market.Interval, bars []market.Bar) error {
	cfg = cfg.withDefaults()
	if len(bars) == 0 {
		return nil
	}
	batch, err := conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.%s", cfg.Database, cfg.BarsTable))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	version := uint64(time.Now().UnixNano())
	for _, b := range bars {
		if err := batch.Append(barRow(b, interval, version)...); err != nil {
			return fmt.Errorf("batch append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("batch send: %w", err)
	}
	return nil
}

func barRow(b market.Bar, interval market.Interval, version uint64) []any {
	return []any{strings.ToUpper(b.Symbol), string(interval), uint64(b.Timestamp.UnixMilli()), b.Open, b.High, b.Low, b.Close, b.Volume, version}
}

// TradeSink appends each simulated day to the trades table; it implements backtest.Sink.
type TradeSink struct {
	conn  driver.Conn
	table string
	runID string
	log   zerolog.Logger
}

// NewTradeSink tags every row with runID so replays can be compared side by side.
func NewTradeSink(conn driver.Conn, cfg Config, runID string, log zerolog.Logger) *TradeSink {
	cfg = cfg.withDefaults()
	return &TradeSink{conn: conn, table: cfg.Database + "." + cfg.TradesTable, runID: runID, log: log}
}

// WriteTrades implements backtest.Sink.
func (s *TradeSink) WriteTrades(ctx context.Context, trades []backtest.SimulatedTrade) error {
	if len(trades) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, t := range trades {
		if err := batch.Append(tradeRow(t, s.runID)...); err != nil {
			return fmt.Errorf("batch append %s: %w", t.Symbol, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("batch send: %w", err)
	}
	s.log.Debug().Int("rows", len(trades)).Str("run", s.runID).Msg("trades written")
	return nil
}

// tradeRow stamps untriggered trades with the trade date; DateTime64 has no zero time.
func tradeRow(t backtest.SimulatedTrade, runID string) []any {
	entry, exit := t.EntryTime, t.ExitTime
	if entry.IsZero() {
		entry = t.TradeDate
	}
	if exit.IsZero() {
		exit = entry
	}
	return []any{
		t.TradeDate,
		t.SignalID,
		t.Symbol,
		uint16(t.Rank),
		string(t.Side),
		t.EntryPrice,
		t.ExitPrice,
		string(t.ExitReason),
		t.Shares,
		entry,
		exit,
		cents(t.GrossPnL),
		cents(t.Commission),
		cents(t.NetPnL),
		runID,
	}
}

func cents(v float64) decimal.Decimal { return decimal.NewFromFloat(v).Round(2) }
