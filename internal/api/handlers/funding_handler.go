package handlers

import (
	"net/http"
	"strconv"

	"fundingarb/internal/models"
)

// FundingSource - снимки состояния синхронизатора фандинга
type FundingSource interface {
	LatestFundingRates() map[string]models.SymbolRates
	IntervalsSnapshot() map[string]models.SymbolIntervalStatus
	ValidArbitrageSymbols() []string
	ScreenerCandidates() []models.ScreenerCandidate
}

// FundingHandler отвечает за данные фандинга и скринер
//
// Endpoints:
// - GET /api/v1/funding - последние ставки по всем символам
// - GET /api/v1/funding/intervals - результат сверки интервалов
// - GET /api/v1/screener - кандидаты на арбитраж, отсортированные по спреду
type FundingHandler struct {
	funding FundingSource
}

// NewFundingHandler создает новый FundingHandler
func NewFundingHandler(funding FundingSource) *FundingHandler {
	return &FundingHandler{funding: funding}
}

// GetFundingRates возвращает последние ставки фандинга
//
// GET /api/v1/funding
func (h *FundingHandler) GetFundingRates(w http.ResponseWriter, r *http.Request) {
	rates := h.funding.LatestFundingRates()
	writeJSON(w, http.StatusOK, SuccessResponse{Data: rates})
}

// GetIntervalsResponse представляет ответ сверки интервалов
type GetIntervalsResponse struct {
	Symbols map[string]models.SymbolIntervalStatus `json:"symbols"`
	Valid   []string                               `json:"valid"`
}

// GetIntervals возвращает результат последней сверки интервалов
//
// GET /api/v1/funding/intervals
func (h *FundingHandler) GetIntervals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GetIntervalsResponse{
		Symbols: h.funding.IntervalsSnapshot(),
		Valid:   h.funding.ValidArbitrageSymbols(),
	})
}

// GetScreener возвращает кандидатов на арбитраж
//
// GET /api/v1/screener
//
// Query параметры:
// - limit (int): количество записей (по умолчанию все)
func (h *FundingHandler) GetScreener(w http.ResponseWriter, r *http.Request) {
	candidates := h.funding.ScreenerCandidates()

	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if limit, err := strconv.Atoi(limitParam); err == nil && limit > 0 && limit < len(candidates) {
			candidates = candidates[:limit]
		}
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Data: candidates})
}
