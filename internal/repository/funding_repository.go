package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fundingarb/internal/models"
)

// FundingRepository - работа с таблицей funding_accruals.
// Накопленный фандинг открытых позиций переживает рестарт бота.
type FundingRepository struct {
	db *sql.DB
}

// NewFundingRepository создает новый экземпляр репозитория
func NewFundingRepository(db *sql.DB) *FundingRepository {
	return &FundingRepository{db: db}
}

// Upsert вставляет или обновляет начисление символа
func (r *FundingRepository) Upsert(ctx context.Context, accrual *models.FundingAccrual) error {
	query := `
		INSERT INTO funding_accruals (symbol, next_funding_time, interval_hours, binance_accrued, bybit_accrued, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol) DO UPDATE
		SET next_funding_time = EXCLUDED.next_funding_time,
		    interval_hours = EXCLUDED.interval_hours,
		    binance_accrued = EXCLUDED.binance_accrued,
		    bybit_accrued = EXCLUDED.bybit_accrued,
		    updated_at = EXCLUDED.updated_at`

	if accrual.UpdatedAt.IsZero() {
		accrual.UpdatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		accrual.Symbol,
		accrual.NextFundingTime,
		accrual.IntervalHours,
		accrual.ByVenue[models.VenueBinance],
		accrual.ByVenue[models.VenueBybit],
		accrual.UpdatedAt,
	)
	return err
}

// Get возвращает начисление символа, nil если записи нет
func (r *FundingRepository) Get(ctx context.Context, symbol string) (*models.FundingAccrual, error) {
	query := `
		SELECT symbol, next_funding_time, interval_hours, binance_accrued, bybit_accrued, updated_at
		FROM funding_accruals
		WHERE symbol = $1`

	accrual, err := scanAccrual(r.db.QueryRowContext(ctx, query, symbol))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return accrual, nil
}

// List возвращает все начисления
func (r *FundingRepository) List(ctx context.Context) ([]models.FundingAccrual, error) {
	query := `
		SELECT symbol, next_funding_time, interval_hours, binance_accrued, bybit_accrued, updated_at
		FROM funding_accruals
		ORDER BY symbol`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accruals []models.FundingAccrual
	for rows.Next() {
		accrual, err := scanAccrual(rows)
		if err != nil {
			return nil, err
		}
		accruals = append(accruals, *accrual)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return accruals, nil
}

// Delete удаляет начисление символа. На отсутствующей записи не ошибается:
// удаление при закрытии позиции идемпотентно.
func (r *FundingRepository) Delete(ctx context.Context, symbol string) error {
	query := `DELETE FROM funding_accruals WHERE symbol = $1`

	_, err := r.db.ExecContext(ctx, query, symbol)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccrual(row rowScanner) (*models.FundingAccrual, error) {
	accrual := &models.FundingAccrual{
		ByVenue: make(map[string]float64, 2),
	}
	var binanceAccrued, bybitAccrued float64

	err := row.Scan(
		&accrual.Symbol,
		&accrual.NextFundingTime,
		&accrual.IntervalHours,
		&binanceAccrued,
		&bybitAccrued,
		&accrual.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	accrual.ByVenue[models.VenueBinance] = binanceAccrued
	accrual.ByVenue[models.VenueBybit] = bybitAccrued
	return accrual, nil
}
