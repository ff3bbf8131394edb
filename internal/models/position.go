package models

import "time"

// Стороны позиции
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// DustTolerance - допуск расхождения объёмов ног хеджа.
// Разница меньше одной единицы базового актива считается пылью,
// группа остаётся захеджированной.
const DustTolerance = 1.0

// ExchangePosition - сырая позиция, как её отдаёт биржа.
// Снимок на момент запроса; никогда не кэшируется дольше одного цикла опроса.
type ExchangePosition struct {
	Symbol           string    `json:"symbol"`
	Side             string    `json:"side"` // LONG, SHORT
	Quantity         float64   `json:"quantity"`
	EntryPrice       float64   `json:"entry_price"`
	MarkPrice        float64   `json:"mark_price"`
	LiquidationPrice float64   `json:"liquidation_price"`
	Collateral       float64   `json:"collateral"`
	UnrealizedPnl    float64   `json:"unrealized_pnl"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PositionLeg - нога хеджа: позиция биржи, обогащённая расчётными полями.
// Пересобирается при каждом проходе реконсиляции.
type PositionLeg struct {
	ExchangePosition

	Venue         string  `json:"venue"`           // binance, bybit
	EstFundingFee float64 `json:"est_funding_fee"` // оценка платежа за один расчёт фандинга
	ROIPercent    float64 `json:"roi_percent"`
}

// PositionGroup - группа ног одного нормализованного символа.
// Строится заново на каждый вызов GetPositions, не персистится.
type PositionGroup struct {
	Symbol           string        `json:"symbol"`
	Legs             []PositionLeg `json:"legs"`
	TotalPnl         float64       `json:"total_pnl"`
	NetFundingFee    float64       `json:"net_funding_fee"`
	NetSpreadPct     float64       `json:"net_spread_pct"`
	SpreadKnown      bool          `json:"spread_known"` // обе ставки фандинга в кэше
	IsHedged         bool          `json:"is_hedged"`
	IsFundingFlipped bool          `json:"is_funding_flipped"`
	NextFundingTime  time.Time     `json:"next_funding_time"`
}

// Leg возвращает ногу на заданной бирже, nil если её нет
func (g *PositionGroup) Leg(venue string) *PositionLeg {
	for i := range g.Legs {
		if g.Legs[i].Venue == venue {
			return &g.Legs[i]
		}
	}
	return nil
}

// LongLeg возвращает лонг-ногу группы, nil если её нет
func (g *PositionGroup) LongLeg() *PositionLeg {
	for i := range g.Legs {
		if g.Legs[i].Side == SideLong {
			return &g.Legs[i]
		}
	}
	return nil
}

// ShortLeg возвращает шорт-ногу группы, nil если её нет
func (g *PositionGroup) ShortLeg() *PositionLeg {
	for i := range g.Legs {
		if g.Legs[i].Side == SideShort {
			return &g.Legs[i]
		}
	}
	return nil
}

// ClosedTrade - запись журнала закрытых сделок
type ClosedTrade struct {
	ID              int       `json:"id" db:"id"`
	Symbol          string    `json:"symbol" db:"symbol"`
	Reason          string    `json:"reason" db:"reason"` // Orphan, Negative Spread, Funding Flip, Manual
	Size            float64   `json:"size" db:"size"`
	EntryPrice      float64   `json:"entry_price" db:"entry_price"`
	ExitPrice       float64   `json:"exit_price" db:"exit_price"`
	Pnl             float64   `json:"pnl" db:"pnl"`
	RoiPercent      float64   `json:"roi_percent" db:"roi_percent"`
	FundingReceived float64   `json:"funding_received" db:"funding_received"`
	ClosedAt        time.Time `json:"closed_at" db:"closed_at"`
}

// Причины закрытия позиций
const (
	CloseReasonOrphan         = "Orphan"
	CloseReasonNegativeSpread = "Negative Spread"
	CloseReasonFundingFlip    = "Funding Flip"
	CloseReasonManual         = "Manual"
)

// TradeSummary - агрегат журнала сделок для статистики
type TradeSummary struct {
	TotalTrades   int     `json:"total_trades"`
	TotalPnl      float64 `json:"total_pnl"`
	TotalFunding  float64 `json:"total_funding"`
	WinningTrades int     `json:"winning_trades"`
	AvgRoiPercent float64 `json:"avg_roi_percent"`
}
