package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"fundingarb/internal/bot"
	"fundingarb/internal/models"
)

// PositionService - операции над hedge-группами
type PositionService interface {
	GetPositions(ctx context.Context) ([]models.PositionGroup, error)
	ClosePosition(ctx context.Context, symbol, reason string) (*bot.CloseResult, error)
}

// PositionHandler отвечает за просмотр и закрытие позиций
//
// Endpoints:
// - GET /api/v1/positions - hedge-группы обеих бирж
// - POST /api/v1/positions/{symbol}/close - закрыть обе ноги символа
type PositionHandler struct {
	positions PositionService
}

// NewPositionHandler создает новый PositionHandler
func NewPositionHandler(positions PositionService) *PositionHandler {
	return &PositionHandler{positions: positions}
}

// GetPositionsResponse представляет ответ списка позиций
type GetPositionsResponse struct {
	Groups []models.PositionGroup `json:"groups"`
	Total  int                    `json:"total"`
}

// GetPositions возвращает hedge-группы
//
// GET /api/v1/positions
func (h *PositionHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	groups, err := h.positions.GetPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch positions", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, GetPositionsResponse{Groups: groups, Total: len(groups)})
}

// ClosePositionRequest - тело запроса закрытия
type ClosePositionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ClosePosition закрывает обе ноги символа
//
// POST /api/v1/positions/{symbol}/close
//
// Тело (опционально): {"reason": "Manual"}
//
// HTTP коды:
// - 200 OK: закрытие выполнено (возможно частично, см. errors)
// - 409 Conflict: по символу уже идёт операция
// - 500 Internal Server Error: закрытие не запустилось
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required", "")
		return
	}

	reason := models.CloseReasonManual
	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Reason != "" {
		reason = req.Reason
	}

	result, err := h.positions.ClosePosition(r.Context(), symbol, reason)
	if err != nil {
		if errors.Is(err, bot.ErrSymbolBusy) {
			writeError(w, http.StatusConflict, "symbol is busy", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "close failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Message: "close finished", Data: result})
}
