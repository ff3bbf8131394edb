package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"fundingarb/internal/bot"
	"fundingarb/internal/models"
)

// MonitorSource - состояния наблюдения контроллера выхода
type MonitorSource interface {
	Snapshot() map[string]bot.MonitorEntry
}

// CooldownSource - активные кулдауны контроллера входа
type CooldownSource interface {
	Cooldowns() map[string]time.Time
}

// BlacklistSource - символы, исключённые из торговли, с временем разблокировки
type BlacklistSource interface {
	BlacklistedSymbols() map[string]time.Time
}

// TradeJournal - чтение журнала закрытых сделок
type TradeJournal interface {
	GetRecent(ctx context.Context, limit int) ([]models.ClosedTrade, error)
	Summary(ctx context.Context, from, to time.Time) (*models.TradeSummary, error)
}

// StatusHandler отвечает за состояние бота и статистику
//
// Endpoints:
// - GET /api/v1/status - наблюдение, кулдауны, чёрный список
// - GET /api/v1/trades - последние закрытые сделки
// - GET /api/v1/stats - агрегат журнала сделок
type StatusHandler struct {
	monitor   MonitorSource
	cooldowns CooldownSource
	blacklist BlacklistSource
	trades    TradeJournal
}

// NewStatusHandler создает новый StatusHandler. Любая зависимость
// может быть nil - соответствующая секция будет пустой.
func NewStatusHandler(monitor MonitorSource, cooldowns CooldownSource, blacklist BlacklistSource, trades TradeJournal) *StatusHandler {
	return &StatusHandler{
		monitor:   monitor,
		cooldowns: cooldowns,
		blacklist: blacklist,
		trades:    trades,
	}
}

// StatusResponse представляет состояние бота
type StatusResponse struct {
	Monitoring map[string]bot.MonitorEntry `json:"monitoring"`
	Cooldowns  map[string]time.Time        `json:"cooldowns"`
	Blacklist  map[string]time.Time        `json:"blacklist"`
}

// GetStatus возвращает состояние бота
//
// GET /api/v1/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Monitoring: map[string]bot.MonitorEntry{},
		Cooldowns:  map[string]time.Time{},
		Blacklist:  map[string]time.Time{},
	}
	if h.monitor != nil {
		resp.Monitoring = h.monitor.Snapshot()
	}
	if h.cooldowns != nil {
		resp.Cooldowns = h.cooldowns.Cooldowns()
	}
	if h.blacklist != nil {
		resp.Blacklist = h.blacklist.BlacklistedSymbols()
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetTrades возвращает последние закрытые сделки
//
// GET /api/v1/trades?limit=50
func (h *StatusHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	if h.trades == nil {
		writeError(w, http.StatusServiceUnavailable, "trade journal unavailable", "")
		return
	}

	limit := 50
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	trades, err := h.trades.GetRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch trades", err.Error())
		return
	}
	if trades == nil {
		trades = []models.ClosedTrade{}
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Data: trades})
}

// GetStats возвращает агрегат журнала сделок
//
// GET /api/v1/stats?hours=24 (0 = за всё время)
func (h *StatusHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.trades == nil {
		writeError(w, http.StatusServiceUnavailable, "trade journal unavailable", "")
		return
	}

	now := time.Now().UTC()
	from := time.Time{}
	if hoursParam := r.URL.Query().Get("hours"); hoursParam != "" {
		if hours, err := strconv.Atoi(hoursParam); err == nil && hours > 0 {
			from = now.Add(-time.Duration(hours) * time.Hour)
		}
	}

	summary, err := h.trades.Summary(r.Context(), from, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Data: summary})
}
