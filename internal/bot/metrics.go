package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================

// ============ Исполнение ордеров ============

// OrdersPlaced - размещённые ордера по биржам и типам
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "execution",
		Name:      "orders_placed_total",
		Help:      "Orders submitted per venue and type",
	},
	[]string{"venue", "type"},
)

// OrderFailures - отказы размещения по биржам
var OrderFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "execution",
		Name:      "order_failures_total",
		Help:      "Failed order submissions per venue",
	},
	[]string{"venue"},
)

// OrderExecutionLatency - длительность исполнения одной ноги
var OrderExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fundingarb",
		Subsystem: "execution",
		Name:      "order_execution_latency_ms",
		Help:      "Time to fully execute one leg in milliseconds",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	},
	[]string{"venue"},
)

// ============ Арбитраж ============

// ArbitrageExecutions - исходы двухногих исполнений
var ArbitrageExecutions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "arbitrage",
		Name:      "executions_total",
		Help:      "Two-leg execution outcomes: success, rolled_back, both_failed",
	},
	[]string{"outcome"},
)

// PanicCloseFailures - неудачные panic-close: возможна голая нога
var PanicCloseFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "arbitrage",
		Name:      "panic_close_failures_total",
		Help:      "Panic-close counter orders that failed, leaving a naked leg",
	},
)

// ActiveHedgeGroups - количество открытых hedge-групп
var ActiveHedgeGroups = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fundingarb",
		Subsystem: "arbitrage",
		Name:      "active_hedge_groups",
		Help:      "Currently open hedge groups",
	},
)

// NetSpreadGauge - текущий net spread открытых групп
var NetSpreadGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fundingarb",
		Subsystem: "arbitrage",
		Name:      "net_spread_pct",
		Help:      "Net funding spread per open hedge group, percent",
	},
	[]string{"symbol"},
)

// ============ Закрытия ============

// PositionsClosed - закрытия по причинам
var PositionsClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "positions",
		Name:      "closed_total",
		Help:      "Closed hedge groups per reason",
	},
	[]string{"reason"},
)

// OrphanLegsDetected - обнаруженные ноги без пары
var OrphanLegsDetected = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "positions",
		Name:      "orphan_legs_total",
		Help:      "Orphan legs detected by the reconciler",
	},
)

// ============ Фандинг ============

// ValidArbitrageSymbolsGauge - символы, пригодные для арбитража
var ValidArbitrageSymbolsGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fundingarb",
		Subsystem: "funding",
		Name:      "valid_symbols",
		Help:      "Symbols with matching funding intervals on both venues",
	},
)
