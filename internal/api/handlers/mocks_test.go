package handlers

import (
	"context"
	"time"

	"fundingarb/internal/bot"
	"fundingarb/internal/models"
)

// Стабы зависимостей handlers

type positionServiceStub struct {
	groups   []models.PositionGroup
	getErr   error
	closeRes *bot.CloseResult
	closeErr error

	closedSymbol string
	closedReason string
}

func (s *positionServiceStub) GetPositions(ctx context.Context) ([]models.PositionGroup, error) {
	return s.groups, s.getErr
}

func (s *positionServiceStub) ClosePosition(ctx context.Context, symbol, reason string) (*bot.CloseResult, error) {
	s.closedSymbol = symbol
	s.closedReason = reason
	return s.closeRes, s.closeErr
}

type fundingSourceStub struct {
	rates      map[string]models.SymbolRates
	intervals  map[string]models.SymbolIntervalStatus
	valid      []string
	candidates []models.ScreenerCandidate
}

func (s *fundingSourceStub) LatestFundingRates() map[string]models.SymbolRates { return s.rates }
func (s *fundingSourceStub) IntervalsSnapshot() map[string]models.SymbolIntervalStatus {
	return s.intervals
}
func (s *fundingSourceStub) ValidArbitrageSymbols() []string                  { return s.valid }
func (s *fundingSourceStub) ScreenerCandidates() []models.ScreenerCandidate   { return s.candidates }

type notificationReaderStub struct {
	recent  []models.Notification
	cleared bool

	lastSeverity string
}

func (s *notificationReaderStub) GetRecent(ctx context.Context, limit int) ([]models.Notification, error) {
	return s.recent, nil
}

func (s *notificationReaderStub) GetBySeverity(ctx context.Context, severity string, limit int) ([]models.Notification, error) {
	s.lastSeverity = severity
	return s.recent, nil
}

func (s *notificationReaderStub) DeleteAll(ctx context.Context) error {
	s.cleared = true
	return nil
}

type tradeJournalStub struct {
	trades  []models.ClosedTrade
	summary *models.TradeSummary
}

func (s *tradeJournalStub) GetRecent(ctx context.Context, limit int) ([]models.ClosedTrade, error) {
	return s.trades, nil
}

func (s *tradeJournalStub) Summary(ctx context.Context, from, to time.Time) (*models.TradeSummary, error) {
	return s.summary, nil
}
