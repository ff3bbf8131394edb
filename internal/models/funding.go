package models

import "time"

// Имена бирж. Ровно две площадки, binance всегда "нога A", bybit - "нога B"
const (
	VenueBinance = "binance"
	VenueBybit   = "bybit"
)

// FundingRateEntry - последняя известная ставка фандинга и марк-цена
// символа на одной бирже. Хранится только актуальное значение
// (last-write-wins между REST-опросом и WebSocket-потоком).
type FundingRateEntry struct {
	FundingRate     float64   `json:"funding_rate"`
	MarkPrice       float64   `json:"mark_price"`
	NextFundingTime time.Time `json:"next_funding_time"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SymbolRates - ставки одного символа по обеим биржам
type SymbolRates struct {
	Symbol  string                      `json:"symbol"`
	ByVenue map[string]FundingRateEntry `json:"by_venue"`
}

// Статусы символа по результату сверки интервалов фандинга
const (
	IntervalStatusValid   = "valid"
	IntervalStatusInvalid = "invalid_interval"
	IntervalStatusMissing = "missing_on_exchange"
)

// SymbolIntervalStatus - результат сверки интервалов фандинга символа.
// Пересчитывается каждые 5 минут из метаданных инструментов обеих бирж.
type SymbolIntervalStatus struct {
	Symbol               string `json:"symbol"`
	BinanceIntervalHours int    `json:"binance_interval_hours"`
	BybitIntervalHours   int    `json:"bybit_interval_hours"`
	Status               string `json:"status"`
}

// ScreenerCandidate - кандидат на арбитраж фандинга. Производное значение,
// не хранится: собирается из ставок и интервалов на момент запроса.
type ScreenerCandidate struct {
	Symbol        string  `json:"symbol"`
	IntervalHours int     `json:"interval_hours"`
	LongVenue     string  `json:"long_venue"`
	ShortVenue    string  `json:"short_venue"`
	LongRate      float64 `json:"long_rate"`
	ShortRate     float64 `json:"short_rate"`
	NetSpreadPct  float64 `json:"net_spread_pct"`
	MarkPrice     float64 `json:"mark_price"`
}

// FundingAccrual - персистентное состояние накопленного фандинга
// открытой позиции. Обновляется на каждом расчётном тике,
// удаляется при закрытии позиции.
type FundingAccrual struct {
	Symbol          string             `json:"symbol" db:"symbol"`
	NextFundingTime time.Time          `json:"next_funding_time" db:"next_funding_time"`
	IntervalHours   int                `json:"interval_hours" db:"interval_hours"`
	ByVenue         map[string]float64 `json:"by_venue" db:"by_venue"` // venue -> накопленный фандинг USDT
	UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
}

// TotalAccrued возвращает суммарный накопленный фандинг по обеим ногам
func (a *FundingAccrual) TotalAccrued() float64 {
	var sum float64
	for _, v := range a.ByVenue {
		sum += v
	}
	return sum
}
