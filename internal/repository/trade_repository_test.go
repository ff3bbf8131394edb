package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"fundingarb/internal/models"
)

// ============================================================
// TradeRepository Tests
// ============================================================

func TestNewTradeRepository(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewTradeRepository(db)
	if repo == nil {
		t.Fatal("NewTradeRepository returned nil")
	}
	if repo.db != db {
		t.Error("db not set correctly")
	}
}

func TestTradeRepositoryRecordClosedTrade(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name        string
		trade       *models.ClosedTrade
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError bool
	}{
		{
			name: "success",
			trade: &models.ClosedTrade{
				Symbol:          "BTCUSDT",
				Reason:          models.CloseReasonManual,
				Size:            0.5,
				EntryPrice:      49000.0,
				ExitPrice:       50000.0,
				Pnl:             500.0,
				RoiPercent:      10.0,
				FundingReceived: 1.5,
				ClosedAt:        now,
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO closed_trades`).
					WithArgs("BTCUSDT", models.CloseReasonManual, 0.5, 49000.0, 50000.0, 500.0, 10.0, 1.5, now).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
			},
			expectError: false,
		},
		{
			name: "database error",
			trade: &models.ClosedTrade{
				Symbol: "BTCUSDT",
				Reason: models.CloseReasonOrphan,
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO closed_trades`).
					WillReturnError(errors.New("database error"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewTradeRepository(db)
			err = repo.RecordClosedTrade(context.Background(), tt.trade)

			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if tt.trade.ID != 7 {
					t.Errorf("expected ID=7, got %d", tt.trade.ID)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestTradeRepositoryGetByID(t *testing.T) {
	now := time.Now().UTC()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"id", "symbol", "reason", "size", "entry_price", "exit_price",
		"pnl", "roi_percent", "funding_received", "closed_at",
	}).AddRow(3, "ETHUSDT", models.CloseReasonNegativeSpread, 1.0, 3000.0, 3010.0, 10.0, 0.5, 2.1, now)

	mock.ExpectQuery(`SELECT (.+) FROM closed_trades`).WithArgs(3).WillReturnRows(rows)

	repo := NewTradeRepository(db)
	trade, err := repo.GetByID(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trade.Symbol != "ETHUSDT" || trade.Reason != models.CloseReasonNegativeSpread {
		t.Errorf("unexpected trade: %+v", trade)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestTradeRepositoryGetByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM closed_trades`).
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewTradeRepository(db)
	_, err = repo.GetByID(context.Background(), 99)
	if !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("expected ErrTradeNotFound, got %v", err)
	}
}

func TestTradeRepositoryGetRecent(t *testing.T) {
	now := time.Now().UTC()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"id", "symbol", "reason", "size", "entry_price", "exit_price",
		"pnl", "roi_percent", "funding_received", "closed_at",
	}).
		AddRow(2, "BTCUSDT", models.CloseReasonManual, 0.5, 49000.0, 50000.0, 500.0, 10.0, 1.5, now).
		AddRow(1, "ETHUSDT", models.CloseReasonOrphan, 1.0, 3000.0, 2990.0, -10.0, -0.5, 0.0, now.Add(-time.Hour))

	mock.ExpectQuery(`SELECT (.+) FROM closed_trades`).WithArgs(10).WillReturnRows(rows)

	repo := NewTradeRepository(db)
	trades, err := repo.GetRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].Symbol != "BTCUSDT" || trades[1].Symbol != "ETHUSDT" {
		t.Errorf("unexpected order: %+v", trades)
	}
}

func TestTradeRepositorySummary(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	from := time.Now().UTC().Add(-24 * time.Hour)
	to := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"count", "pnl", "funding", "wins", "avg_roi"}).
		AddRow(5, 123.4, 8.8, 4, 2.5)

	mock.ExpectQuery(`SELECT COUNT`).WithArgs(from, to).WillReturnRows(rows)

	repo := NewTradeRepository(db)
	summary, err := repo.Summary(context.Background(), from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalTrades != 5 || summary.WinningTrades != 4 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if summary.TotalPnl != 123.4 || summary.TotalFunding != 8.8 {
		t.Errorf("unexpected totals: %+v", summary)
	}
}

func TestTradeRepositoryDeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	mock.ExpectExec(`DELETE FROM closed_trades`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	repo := NewTradeRepository(db)
	deleted, err := repo.DeleteOlderThan(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 12 {
		t.Errorf("expected 12 deleted, got %d", deleted)
	}
}
