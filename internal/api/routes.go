package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundingarb/internal/api/handlers"
	"fundingarb/internal/api/middleware"
)

// Dependencies содержит все зависимости для API handlers.
// Nil-зависимость отключает соответствующую группу маршрутов.
type Dependencies struct {
	Positions     handlers.PositionService
	Funding       handlers.FundingSource
	Notifications handlers.NotificationReader
	Monitor       handlers.MonitorSource
	Cooldowns     handlers.CooldownSource
	Blacklist     handlers.BlacklistSource
	Trades        handlers.TradeJournal
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /positions
//	│   ├── GET / - hedge-группы обеих бирж
//	│   └── POST /{symbol}/close - закрыть обе ноги
//	├── /funding
//	│   ├── GET / - последние ставки фандинга
//	│   └── GET /intervals - сверка интервалов
//	├── /screener
//	│   └── GET / - кандидаты на арбитраж
//	├── /notifications
//	│   ├── GET / - журнал уведомлений
//	│   └── DELETE / - очистка журнала
//	├── /status
//	│   └── GET / - наблюдение, кулдауны, чёрный список
//	├── /trades
//	│   └── GET / - закрытые сделки
//	└── /stats
//	    └── GET / - агрегат журнала
//
// /metrics - Prometheus
// /health - liveness
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	api := router.PathPrefix("/api/v1").Subrouter()

	if deps != nil && deps.Positions != nil {
		h := handlers.NewPositionHandler(deps.Positions)
		api.HandleFunc("/positions", h.GetPositions).Methods("GET")
		api.HandleFunc("/positions/{symbol}/close", h.ClosePosition).Methods("POST")
	}

	if deps != nil && deps.Funding != nil {
		h := handlers.NewFundingHandler(deps.Funding)
		api.HandleFunc("/funding", h.GetFundingRates).Methods("GET")
		api.HandleFunc("/funding/intervals", h.GetIntervals).Methods("GET")
		api.HandleFunc("/screener", h.GetScreener).Methods("GET")
	}

	if deps != nil && deps.Notifications != nil {
		h := handlers.NewNotificationHandler(deps.Notifications)
		api.HandleFunc("/notifications", h.GetNotifications).Methods("GET")
		api.HandleFunc("/notifications", h.ClearNotifications).Methods("DELETE")
	}

	if deps != nil {
		h := handlers.NewStatusHandler(deps.Monitor, deps.Cooldowns, deps.Blacklist, deps.Trades)
		api.HandleFunc("/status", h.GetStatus).Methods("GET")
		api.HandleFunc("/trades", h.GetTrades).Methods("GET")
		api.HandleFunc("/stats", h.GetStats).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
