package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fundingarb/internal/funding"
	"fundingarb/internal/models"
	"fundingarb/internal/venue"
	"fundingarb/pkg/utils"
)

// criticalWindow - окно до расчёта фандинга, внутри которого плохие
// условия закрываются немедленно, а не помечаются для наблюдения
const criticalWindow = 10 * time.Minute

// TradeStore - журнал закрытых сделок
type TradeStore interface {
	RecordClosedTrade(ctx context.Context, trade *models.ClosedTrade) error
}

// AccrualReader - чтение и снятие накопленного фандинга позиции
type AccrualReader interface {
	Get(ctx context.Context, symbol string) (*models.FundingAccrual, error)
	Delete(ctx context.Context, symbol string) error
}

// CloseResult - итог закрытия hedge-группы
type CloseResult struct {
	Closed []string `json:"closed"` // биржи с успешным закрытием
	Errors []string `json:"errors"`
}

// Reconciler собирает позиции обеих бирж в hedge-группы и закрывает их.
// Отказ одной биржи деградирует до пустого списка - сверка не прерывается.
type Reconciler struct {
	venues   map[string]venue.Venue
	sync     *funding.Synchronizer
	trades   TradeStore
	accruals AccrualReader
	lease    *SymbolLease
	log      *utils.Logger

	now func() time.Time
}

// NewReconciler создает сверку позиций
func NewReconciler(venues map[string]venue.Venue, sync *funding.Synchronizer, trades TradeStore, accruals AccrualReader, lease *SymbolLease, log *utils.Logger) *Reconciler {
	return &Reconciler{
		venues:   venues,
		sync:     sync,
		trades:   trades,
		accruals: accruals,
		lease:    lease,
		log:      log.WithComponent("reconciler"),
		now:      time.Now,
	}
}

// normalizeSymbol сводит имена инструментов разных бирж к одному ключу
func normalizeSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, sep := range []string{"-", "_", "/", ":"} {
		s = strings.ReplaceAll(s, sep, "")
	}
	return s
}

// GetPositions возвращает hedge-группы: позиции обеих бирж,
// сгруппированные по нормализованному символу, с оценкой фандинга,
// net spread и флагами hedged/flipped.
func (r *Reconciler) GetPositions(ctx context.Context) ([]models.PositionGroup, error) {
	legsBySymbol := make(map[string][]models.PositionLeg)

	for name, v := range r.venues {
		positions, err := v.GetPositions(ctx, "")
		if err != nil {
			// Деградация: биржа недоступна - считаем её список пустым
			r.log.Warn("position fetch degraded to empty",
				utils.Venue(name), utils.Err(err))
			continue
		}
		for _, p := range positions {
			key := normalizeSymbol(p.Symbol)
			legsBySymbol[key] = append(legsBySymbol[key], models.PositionLeg{
				ExchangePosition: p,
				Venue:            name,
			})
		}
	}

	now := r.now().UTC()
	rates := r.sync.LatestFundingRates()

	groups := make([]models.PositionGroup, 0, len(legsBySymbol))
	for symbol, legs := range legsBySymbol {
		groups = append(groups, r.buildGroup(symbol, legs, rates, now))
	}

	ActiveHedgeGroups.Set(float64(len(groups)))
	return groups, nil
}

func (r *Reconciler) buildGroup(symbol string, legs []models.PositionLeg, rates map[string]models.SymbolRates, now time.Time) models.PositionGroup {
	group := models.PositionGroup{Symbol: symbol, Legs: legs}

	symbolRates, hasRates := rates[symbol]
	for i := range group.Legs {
		leg := &group.Legs[i]
		group.TotalPnl += leg.UnrealizedPnl
		if leg.Collateral > 0 {
			leg.ROIPercent = leg.UnrealizedPnl / leg.Collateral * 100
		}
		if hasRates {
			if entry, ok := symbolRates.ByVenue[leg.Venue]; ok {
				leg.EstFundingFee = utils.LegFundingFee(
					leg.Quantity, entry.MarkPrice, entry.FundingRate,
					leg.Side == models.SideLong)
				group.NetFundingFee += leg.EstFundingFee
			}
		}
	}

	long := group.LongLeg()
	short := group.ShortLeg()
	if long != nil && short != nil {
		group.IsHedged = utils.QtyDelta(long.Quantity, short.Quantity) <= models.DustTolerance

		if hasRates {
			longEntry, okL := symbolRates.ByVenue[long.Venue]
			shortEntry, okS := symbolRates.ByVenue[short.Venue]
			if okL && okS {
				group.NetSpreadPct = utils.FundingSpreadPct(longEntry.FundingRate, shortEntry.FundingRate)
				group.SpreadKnown = true
			}
		}
	}

	if interval := r.sync.IntervalHours(symbol); interval > 0 {
		group.NextFundingTime = utils.NextFundingTime(now, interval)
		// Неизвестный спред (нет ставки хотя бы одной ноги) не считается
		// перевёрнутым: нулевое значение здесь - отсутствие данных
		group.IsFundingFlipped = group.SpreadKnown && group.NetSpreadPct <= 0 &&
			long != nil && short != nil &&
			group.NextFundingTime.Sub(now) <= criticalWindow
	}

	if group.NetSpreadPct != 0 {
		NetSpreadGauge.WithLabelValues(symbol).Set(group.NetSpreadPct)
	}
	return group
}

// ClosePosition закрывает обе ноги символа. Перед закрытием позиции
// перечитываются с бирж (не из кэшированной группы): количества должны
// быть свежими. Ноги закрываются параллельно, отказ одной биржи не
// блокирует другую. Идемпотентно: на плоском символе ничего не делает.
func (r *Reconciler) ClosePosition(ctx context.Context, symbol, reason string) (*CloseResult, error) {
	if !r.lease.TryAcquire(symbol) {
		return nil, fmt.Errorf("%w: %s", ErrSymbolBusy, symbol)
	}
	defer r.lease.Release(symbol)

	result := &CloseResult{Closed: []string{}, Errors: []string{}}

	outcomes := make(chan closeOutcome, len(r.venues))
	launched := 0

	for name, v := range r.venues {
		positions, err := v.GetPositions(ctx, symbol)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: fetch: %v", name, err))
			continue
		}

		for i := range positions {
			p := positions[i]
			if normalizeSymbol(p.Symbol) != normalizeSymbol(symbol) || p.Quantity == 0 {
				continue
			}
			launched++
			go func(name string, v venue.Venue, p models.ExchangePosition) {
				order, err := v.PlaceOrder(ctx, p.Symbol, venue.CloseSideFor(p.Side), p.Quantity, true)
				out := closeOutcome{venueName: name, position: &p, err: err}
				if err == nil {
					out.exitPrice = order.AvgPrice
				}
				outcomes <- out
			}(name, v, p)
		}
	}

	closedLegs := make([]closeOutcome, 0, launched)
	for i := 0; i < launched; i++ {
		out := <-outcomes
		if out.err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", out.venueName, out.err))
			r.log.Error("leg close failed",
				utils.Venue(out.venueName), utils.Symbol(symbol), utils.Err(out.err))
			continue
		}
		result.Closed = append(result.Closed, out.venueName)
		closedLegs = append(closedLegs, out)
	}

	if len(closedLegs) > 0 {
		r.recordClose(ctx, symbol, reason, closedLegs)
		PositionsClosed.WithLabelValues(reason).Inc()
		NetSpreadGauge.DeleteLabelValues(normalizeSymbol(symbol))
	}

	r.log.Info("close position finished",
		utils.Symbol(symbol), utils.Reason(reason),
		utils.Int("closed", len(result.Closed)), utils.Int("errors", len(result.Errors)))
	return result, nil
}

// closeOutcome - результат закрытия одной ноги
type closeOutcome struct {
	venueName string
	position  *models.ExchangePosition
	exitPrice float64
	err       error
}

// recordClose пишет закрытую сделку в журнал и снимает накопленный фандинг
func (r *Reconciler) recordClose(ctx context.Context, symbol, reason string, legs []closeOutcome) {
	var size, entryNotional, exitNotional, pnl, collateral float64
	for _, leg := range legs {
		size += leg.position.Quantity
		entryNotional += leg.position.Quantity * leg.position.EntryPrice
		exitNotional += leg.position.Quantity * leg.exitPrice
		pnl += leg.position.UnrealizedPnl
		collateral += leg.position.Collateral
	}
	if size == 0 {
		return
	}

	trade := &models.ClosedTrade{
		Symbol:     normalizeSymbol(symbol),
		Reason:     reason,
		Size:       size,
		EntryPrice: entryNotional / size,
		ExitPrice:  exitNotional / size,
		Pnl:        pnl,
		ClosedAt:   r.now().UTC(),
	}
	if collateral > 0 {
		trade.RoiPercent = pnl / collateral * 100
	}

	if r.accruals != nil {
		if accrual, err := r.accruals.Get(ctx, trade.Symbol); err == nil && accrual != nil {
			trade.FundingReceived = accrual.TotalAccrued()
			if err := r.accruals.Delete(ctx, trade.Symbol); err != nil {
				r.log.Warn("accrual cleanup failed", utils.Symbol(trade.Symbol), utils.Err(err))
			}
		}
	}

	if r.trades != nil {
		if err := r.trades.RecordClosedTrade(ctx, trade); err != nil {
			r.log.Error("closed trade not recorded", utils.Symbol(trade.Symbol), utils.Err(err))
		}
	}
}
