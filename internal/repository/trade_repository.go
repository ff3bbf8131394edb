package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fundingarb/internal/models"
)

// Ошибки репозитория сделок
var (
	ErrTradeNotFound = errors.New("trade not found")
)

// TradeRepository - работа с таблицей closed_trades
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// RecordClosedTrade пишет закрытую сделку в журнал
func (r *TradeRepository) RecordClosedTrade(ctx context.Context, trade *models.ClosedTrade) error {
	query := `
		INSERT INTO closed_trades (symbol, reason, size, entry_price, exit_price, pnl, roi_percent, funding_received, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	if trade.ClosedAt.IsZero() {
		trade.ClosedAt = time.Now().UTC()
	}

	return r.db.QueryRowContext(
		ctx,
		query,
		trade.Symbol,
		trade.Reason,
		trade.Size,
		trade.EntryPrice,
		trade.ExitPrice,
		trade.Pnl,
		trade.RoiPercent,
		trade.FundingReceived,
		trade.ClosedAt,
	).Scan(&trade.ID)
}

// GetByID возвращает сделку по ID
func (r *TradeRepository) GetByID(ctx context.Context, id int) (*models.ClosedTrade, error) {
	query := `
		SELECT id, symbol, reason, size, entry_price, exit_price, pnl, roi_percent, funding_received, closed_at
		FROM closed_trades
		WHERE id = $1`

	trade := &models.ClosedTrade{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&trade.ID,
		&trade.Symbol,
		&trade.Reason,
		&trade.Size,
		&trade.EntryPrice,
		&trade.ExitPrice,
		&trade.Pnl,
		&trade.RoiPercent,
		&trade.FundingReceived,
		&trade.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}

	return trade, nil
}

// GetRecent возвращает последние N сделок
func (r *TradeRepository) GetRecent(ctx context.Context, limit int) ([]models.ClosedTrade, error) {
	query := `
		SELECT id, symbol, reason, size, entry_price, exit_price, pnl, roi_percent, funding_received, closed_at
		FROM closed_trades
		ORDER BY closed_at DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetBySymbol возвращает сделки по символу
func (r *TradeRepository) GetBySymbol(ctx context.Context, symbol string, limit int) ([]models.ClosedTrade, error) {
	query := `
		SELECT id, symbol, reason, size, entry_price, exit_price, pnl, roi_percent, funding_received, closed_at
		FROM closed_trades
		WHERE symbol = $1
		ORDER BY closed_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// Summary возвращает агрегат журнала за период
func (r *TradeRepository) Summary(ctx context.Context, from, to time.Time) (*models.TradeSummary, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(pnl), 0),
		       COALESCE(SUM(funding_received), 0),
		       COUNT(*) FILTER (WHERE pnl > 0),
		       COALESCE(AVG(roi_percent), 0)
		FROM closed_trades
		WHERE closed_at >= $1 AND closed_at <= $2`

	summary := &models.TradeSummary{}
	err := r.db.QueryRowContext(ctx, query, from, to).Scan(
		&summary.TotalTrades,
		&summary.TotalPnl,
		&summary.TotalFunding,
		&summary.WinningTrades,
		&summary.AvgRoiPercent,
	)
	if err != nil {
		return nil, err
	}

	return summary, nil
}

// DeleteOlderThan удаляет сделки старше указанной даты
func (r *TradeRepository) DeleteOlderThan(ctx context.Context, timestamp time.Time) (int64, error) {
	query := `DELETE FROM closed_trades WHERE closed_at < $1`

	result, err := r.db.ExecContext(ctx, query, timestamp)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func scanTrades(rows *sql.Rows) ([]models.ClosedTrade, error) {
	var trades []models.ClosedTrade
	for rows.Next() {
		var trade models.ClosedTrade
		err := rows.Scan(
			&trade.ID,
			&trade.Symbol,
			&trade.Reason,
			&trade.Size,
			&trade.EntryPrice,
			&trade.ExitPrice,
			&trade.Pnl,
			&trade.RoiPercent,
			&trade.FundingReceived,
			&trade.ClosedAt,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return trades, nil
}
