package tradelog

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/peter-kozarec/paperperp/pkg/common"
	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

const createFillsTable = `CREATE TABLE IF NOT EXISTS paper_fills (
	ts            TIMESTAMP NOT NULL,
	account       VARCHAR,
	symbol        VARCHAR NOT NULL,
	order_id      VARCHAR NOT NULL,
	side          VARCHAR NOT NULL,
	type          VARCHAR NOT NULL,
	price         DECIMAL(18, 6) NOT NULL,
	size          DECIMAL(18, 6) NOT NULL,
	fee           DECIMAL(18, 6) NOT NULL,
	realized_pnl  DECIMAL(18, 6) NOT NULL,
	balance       DECIMAL(18, 6) NOT NULL,
	position_size DECIMAL(18, 6) NOT NULL,
	is_maker      BOOLEAN NOT NULL
)`

const insertFill = `INSERT INTO paper_fills
	(ts, account, symbol, order_id, side, type, price, size, fee, realized_pnl, balance, position_size, is_maker)
	VALUES (?, ?, ?, ?, ?, ?,
		CAST(? AS DECIMAL(18, 6)), CAST(? AS DECIMAL(18, 6)), CAST(? AS DECIMAL(18, 6)),
		CAST(? AS DECIMAL(18, 6)), CAST(? AS DECIMAL(18, 6)), CAST(? AS DECIMAL(18, 6)), ?)`

// DuckDB stores fills in an analytical table for post-session queries. The
// CSV log stays the compatibility surface. Decimal values cross the driver
// as strings so no amount passes through a float.
type DuckDB struct {
	dataSourceName string
	db             *sql.DB
}

// OpenDuckDB opens the database and creates the fills table. An empty data
// source name opens an in-memory database.
func OpenDuckDB(ctx context.Context, dataSourceName string) (*DuckDB, error) {
	db, err := sql.Open("duckdb", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, createFillsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create fills table: %w", err)
	}

	return &DuckDB{dataSourceName: dataSourceName, db: db}, nil
}

func (d *DuckDB) Write(ctx context.Context, r Record) error {
	_, err := d.db.ExecContext(ctx, insertFill,
		r.TimeStamp.UTC(), r.Account, r.Symbol, r.OrderId, r.Side.String(), r.Type.String(),
		r.Price.StringFixed(moneyScale), r.Size.StringFixed(moneyScale), r.Fee.StringFixed(moneyScale),
		r.RealizedPnL.StringFixed(moneyScale), r.Balance.StringFixed(moneyScale),
		r.PositionSize.StringFixed(moneyScale), r.IsMaker)
	if err != nil {
		return fmt.Errorf("insert fill %s: %w", r.OrderId, err)
	}
	return nil
}

func (d *DuckDB) Close() error {
	return d.db.Close()
}

// FillStats aggregates the stored fills of one account.
type FillStats struct {
	Count      int
	MakerCount int
	Volume     fixed.Point
	Fees       fixed.Point
	Realized   fixed.Point
}

func (d *DuckDB) Stats(ctx context.Context, account string) (FillStats, error) {
	const query = `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE is_maker),
		CAST(COALESCE(SUM(price * size), 0) AS VARCHAR),
		CAST(COALESCE(SUM(fee), 0) AS VARCHAR),
		CAST(COALESCE(SUM(realized_pnl), 0) AS VARCHAR)
		FROM paper_fills WHERE account = ?`

	var (
		s                       FillStats
		volume, fees, realized string
	)
	row := d.db.QueryRowContext(ctx, query, account)
	if err := row.Scan(&s.Count, &s.MakerCount, &volume, &fees, &realized); err != nil {
		return FillStats{}, fmt.Errorf("query fill stats: %w", err)
	}

	var err error
	if s.Volume, err = fixed.FromString(volume); err != nil {
		return FillStats{}, err
	}
	if s.Fees, err = fixed.FromString(fees); err != nil {
		return FillStats{}, err
	}
	if s.Realized, err = fixed.FromString(realized); err != nil {
		return FillStats{}, err
	}
	return s, nil
}

// LoadFills streams the stored fills of a symbol in time order.
func (d *DuckDB) LoadFills(ctx context.Context, symbol string, handler func(Record) error) error {
	const query = `SELECT ts, account, order_id, side, type,
		CAST(price AS VARCHAR), CAST(size AS VARCHAR), CAST(fee AS VARCHAR),
		CAST(realized_pnl AS VARCHAR), CAST(balance AS VARCHAR), CAST(position_size AS VARCHAR),
		is_maker
		FROM paper_fills WHERE symbol = ? ORDER BY ts`

	rows, err := d.db.QueryContext(ctx, query, symbol)
	if err != nil {
		return fmt.Errorf("query fills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			r         Record
			side, typ string
			amounts   [6]string
		)
		if err := rows.Scan(&r.TimeStamp, &r.Account, &r.OrderId, &side, &typ,
			&amounts[0], &amounts[1], &amounts[2], &amounts[3], &amounts[4], &amounts[5], &r.IsMaker); err != nil {
			return fmt.Errorf("scan fill: %w", err)
		}
		r.Symbol = symbol
		r.Side = parseSide(side)
		r.Type = parseType(typ)

		targets := [6]*fixed.Point{&r.Price, &r.Size, &r.Fee, &r.RealizedPnL, &r.Balance, &r.PositionSize}
		for i, target := range targets {
			if *target, err = fixed.FromString(amounts[i]); err != nil {
				return fmt.Errorf("scan fill %s: %w", r.OrderId, err)
			}
		}

		if err := handler(r); err != nil {
			return fmt.Errorf("process fill: %w", err)
		}
	}
	return rows.Err()
}

func parseSide(s string) common.OrderSide {
	if s == common.OrderSideSell.String() {
		return common.OrderSideSell
	}
	return common.OrderSideBuy
}

func parseType(s string) common.OrderType {
	if s == common.OrderTypeMarket.String() {
		return common.OrderTypeMarket
	}
	return common.OrderTypeLimit
}
