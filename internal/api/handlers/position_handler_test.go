package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"fundingarb/internal/bot"
	"fundingarb/internal/models"
)

func newPositionRouter(stub *positionServiceStub) *mux.Router {
	h := NewPositionHandler(stub)
	router := mux.NewRouter()
	router.HandleFunc("/positions", h.GetPositions).Methods("GET")
	router.HandleFunc("/positions/{symbol}/close", h.ClosePosition).Methods("POST")
	return router
}

func TestGetPositions(t *testing.T) {
	stub := &positionServiceStub{
		groups: []models.PositionGroup{
			{Symbol: "BTCUSDT", IsHedged: true, NetSpreadPct: 0.03},
		},
	}
	router := newPositionRouter(stub)

	req := httptest.NewRequest("GET", "/positions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, ожидался 200", rec.Code)
	}

	var resp GetPositionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("невалидный JSON: %v", err)
	}
	if resp.Total != 1 || resp.Groups[0].Symbol != "BTCUSDT" {
		t.Errorf("неожиданный ответ: %+v", resp)
	}
}

func TestGetPositionsError(t *testing.T) {
	stub := &positionServiceStub{getErr: fmt.Errorf("both venues down")}
	router := newPositionRouter(stub)

	req := httptest.NewRequest("GET", "/positions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, ожидался 500", rec.Code)
	}
}

func TestClosePositionDefaultsToManual(t *testing.T) {
	stub := &positionServiceStub{
		closeRes: &bot.CloseResult{Closed: []string{"binance", "bybit"}, Errors: []string{}},
	}
	router := newPositionRouter(stub)

	req := httptest.NewRequest("POST", "/positions/btcusdt/close", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, ожидался 200: %s", rec.Code, rec.Body.String())
	}
	if stub.closedSymbol != "BTCUSDT" {
		t.Errorf("символ %q, ожидался BTCUSDT в верхнем регистре", stub.closedSymbol)
	}
	if stub.closedReason != models.CloseReasonManual {
		t.Errorf("причина %q, ожидалась Manual", stub.closedReason)
	}
}

func TestClosePositionCustomReason(t *testing.T) {
	stub := &positionServiceStub{
		closeRes: &bot.CloseResult{Closed: []string{"binance"}, Errors: []string{}},
	}
	router := newPositionRouter(stub)

	body := strings.NewReader(`{"reason": "Negative Spread"}`)
	req := httptest.NewRequest("POST", "/positions/BTCUSDT/close", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, ожидался 200", rec.Code)
	}
	if stub.closedReason != models.CloseReasonNegativeSpread {
		t.Errorf("причина %q", stub.closedReason)
	}
}

func TestClosePositionBusyConflict(t *testing.T) {
	stub := &positionServiceStub{
		closeErr: fmt.Errorf("%w: BTCUSDT", bot.ErrSymbolBusy),
	}
	router := newPositionRouter(stub)

	req := httptest.NewRequest("POST", "/positions/BTCUSDT/close", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, ожидался 409", rec.Code)
	}
}
