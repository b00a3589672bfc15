package storage

// positions.go: journal local de posiciones abiertas.
//
// Tables:
//   positions: una fila por posición confirmada en el ledger (UPSERT por id)

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alejandrodnm/perpx/internal/domain"
)

const positionsSchema = `
CREATE TABLE IF NOT EXISTS positions (
    id                TEXT PRIMARY KEY,
    user_address      TEXT     NOT NULL,
    market            TEXT     NOT NULL,
    market_name       TEXT     NOT NULL DEFAULT '',
    side              TEXT     NOT NULL,
    collateral        TEXT     NOT NULL,
    leverage          INTEGER  NOT NULL,
    size              TEXT     NOT NULL,
    entry_price       TEXT     NOT NULL,
    current_price     TEXT     NOT NULL,
    liquidation_price TEXT     NOT NULL,
    fee               TEXT     NOT NULL DEFAULT '0',
    pnl               TEXT     NOT NULL DEFAULT '0',
    pnl_percent       TEXT     NOT NULL DEFAULT '0',
    status            INTEGER  NOT NULL DEFAULT 0,
    tx_hash           TEXT     NOT NULL DEFAULT '',
    ledger_id         TEXT     NOT NULL DEFAULT '',
    opened_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_address);
`

// positionsMigrations añaden columnas que journals antiguos no tienen.
// Fallan si la columna ya existe, y se ignoran.
var positionsMigrations = []string{
	"ALTER TABLE positions ADD COLUMN ledger_id TEXT NOT NULL DEFAULT ''",
}

// SavePosition inserts or replaces a journaled position.
func (s *SQLiteStorage) SavePosition(ctx context.Context, p domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions
		  (id, user_address, market, market_name, side, collateral, leverage, size,
		   entry_price, current_price, liquidation_price, fee, pnl, pnl_percent,
		   status, tx_hash, ledger_id, opened_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.User, p.Market, p.MarketName, string(p.Side),
		p.Collateral.String(), p.Leverage, p.Size.String(),
		p.EntryPrice.String(), p.CurrentPrice.String(), p.LiquidationPrice.String(),
		p.Fee.String(), p.PnL.String(), p.PnLPercent.String(),
		int(p.Status), p.TxHash, p.LedgerID, p.OpenedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.SavePosition: %s: %w", p.ID, err)
	}
	return nil
}

// DeletePosition removes a position from the journal. Unknown IDs are not an error.
func (s *SQLiteStorage) DeletePosition(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE id=?`, id); err != nil {
		return fmt.Errorf("storage.DeletePosition: %s: %w", id, err)
	}
	return nil
}

// GetPositions returns every journaled position, oldest first.
func (s *SQLiteStorage) GetPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_address, market, market_name, side, collateral, leverage, size,
		       entry_price, current_price, liquidation_price, fee, pnl, pnl_percent,
		       status, tx_hash, ledger_id, opened_at
		FROM positions
		ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage.GetPositions: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.GetPositions: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(rows *sql.Rows) (domain.Position, error) {
	var p domain.Position
	var side, collateral, size, entry, current, liq, fee, pnl, pnlPct, opened string
	var status int

	err := rows.Scan(
		&p.ID, &p.User, &p.Market, &p.MarketName, &side, &collateral, &p.Leverage, &size,
		&entry, &current, &liq, &fee, &pnl, &pnlPct, &status, &p.TxHash, &p.LedgerID, &opened,
	)
	if err != nil {
		return p, err
	}

	p.Side = domain.Side(side)
	p.Collateral = parseDecimal(collateral)
	p.Size = parseDecimal(size)
	p.EntryPrice = parseDecimal(entry)
	p.CurrentPrice = parseDecimal(current)
	p.LiquidationPrice = parseDecimal(liq)
	p.Fee = parseDecimal(fee)
	p.PnL = parseDecimal(pnl)
	p.PnLPercent = parseDecimal(pnlPct)
	p.Status = domain.PositionStatus(status)
	if t := parseTime(opened); t != nil {
		p.OpenedAt = *t
	}
	return p, nil
}
