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
// NotificationRepository Tests
// ============================================================

func TestNotificationRepositoryCreate(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name         string
		notification *models.Notification
		mockSetup    func(mock sqlmock.Sqlmock)
		expectError  bool
	}{
		{
			name: "success with meta",
			notification: &models.Notification{
				Timestamp: now,
				Severity:  models.SeverityCritical,
				Title:     "Panic close failed",
				Message:   "BTCUSDT: naked leg on binance",
				Meta:      map[string]interface{}{"symbol": "BTCUSDT"},
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO notifications`).
					WithArgs(now, models.SeverityCritical, "Panic close failed",
						"BTCUSDT: naked leg on binance", []byte(`{"symbol":"BTCUSDT"}`)).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
			},
			expectError: false,
		},
		{
			name: "success without meta",
			notification: &models.Notification{
				Timestamp: now,
				Severity:  models.SeverityInfo,
				Title:     "Position opened",
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO notifications`).
					WithArgs(now, models.SeverityInfo, "Position opened", "", []byte(`{}`)).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
			},
			expectError: false,
		},
		{
			name: "database error",
			notification: &models.Notification{
				Timestamp: now,
				Severity:  models.SeverityError,
				Title:     "Entry failed",
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO notifications`).
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

			repo := NewNotificationRepository(db)
			err = repo.Create(context.Background(), tt.notification)

			if tt.expectError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestNotificationRepositoryGetRecent(t *testing.T) {
	now := time.Now().UTC()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "timestamp", "severity", "title", "message", "meta"}).
		AddRow(2, now, models.SeverityWarn, "Entry skipped", "low capital", []byte(`{"symbol":"BTCUSDT"}`)).
		AddRow(1, now.Add(-time.Minute), models.SeverityInfo, "Position opened", "", []byte(`{}`))

	mock.ExpectQuery(`SELECT (.+) FROM notifications`).WithArgs(50).WillReturnRows(rows)

	repo := NewNotificationRepository(db)
	notifications, err := repo.GetRecent(context.Background(), 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notifications) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notifications))
	}
	if notifications[0].Severity != models.SeverityWarn {
		t.Errorf("unexpected severity: %s", notifications[0].Severity)
	}
	if notifications[0].Meta["symbol"] != "BTCUSDT" {
		t.Errorf("meta not decoded: %+v", notifications[0].Meta)
	}
}

func TestNotificationRepositoryDeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	cutoff := time.Now().UTC().Add(-7 * 24 * time.Hour)
	mock.ExpectExec(`DELETE FROM notifications`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 30))

	repo := NewNotificationRepository(db)
	deleted, err := repo.DeleteOlderThan(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 30 {
		t.Errorf("expected 30 deleted, got %d", deleted)
	}
}
