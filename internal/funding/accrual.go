package funding

import (
	"context"
	"time"

	"fundingarb/internal/models"
	"fundingarb/pkg/utils"
)

// AccrualStore - персистентное состояние накопленного фандинга
type AccrualStore interface {
	Upsert(ctx context.Context, accrual *models.FundingAccrual) error
	Get(ctx context.Context, symbol string) (*models.FundingAccrual, error)
	List(ctx context.Context) ([]models.FundingAccrual, error)
	Delete(ctx context.Context, symbol string) error
}

// PositionSource - источник открытых hedge-групп для трекера
type PositionSource interface {
	GetPositions(ctx context.Context) ([]models.PositionGroup, error)
}

// AccrualTracker начисляет фандинг открытым позициям на каждой расчётной
// границе: rate × qty × markPrice на каждую ногу со знаком стороны.
// Состояние переживает рестарт через AccrualStore.
type AccrualTracker struct {
	sync      *Synchronizer
	positions PositionSource
	store     AccrualStore
	log       *utils.Logger

	checkInterval time.Duration
	now           func() time.Time
}

// NewAccrualTracker создает трекер начислений
func NewAccrualTracker(sync *Synchronizer, positions PositionSource, store AccrualStore, log *utils.Logger) *AccrualTracker {
	return &AccrualTracker{
		sync:          sync,
		positions:     positions,
		store:         store,
		log:           log.WithComponent("accrual"),
		checkInterval: time.Minute,
		now:           time.Now,
	}
}

// Start запускает цикл проверки расчётных границ. Блокируется до отмены
// контекста.
func (t *AccrualTracker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick - один проход: начислить фандинг на пересечённых границах,
// удалить записи закрытых позиций
func (t *AccrualTracker) Tick(ctx context.Context) {
	groups, err := t.positions.GetPositions(ctx)
	if err != nil {
		t.log.Warn("accrual tick: position fetch failed", utils.Err(err))
		return
	}

	open := make(map[string]models.PositionGroup, len(groups))
	for _, g := range groups {
		open[g.Symbol] = g
	}

	t.settleDue(ctx, open)
	t.pruneClosed(ctx, open)
}

func (t *AccrualTracker) settleDue(ctx context.Context, open map[string]models.PositionGroup) {
	now := t.now().UTC()

	for symbol, group := range open {
		interval := t.sync.IntervalHours(symbol)
		if interval == 0 {
			continue
		}

		accrual, err := t.store.Get(ctx, symbol)
		if err != nil {
			t.log.Warn("accrual read failed", utils.Symbol(symbol), utils.Err(err))
			continue
		}
		if accrual == nil {
			// Новая позиция: зафиксировать следующую границу, начислений ещё нет
			accrual = &models.FundingAccrual{
				Symbol:          symbol,
				NextFundingTime: utils.NextFundingTime(now, interval),
				IntervalHours:   interval,
				ByVenue:         make(map[string]float64, 2),
			}
			accrual.UpdatedAt = now
			if err := t.store.Upsert(ctx, accrual); err != nil {
				t.log.Warn("accrual init failed", utils.Symbol(symbol), utils.Err(err))
			}
			continue
		}

		if now.Before(accrual.NextFundingTime) {
			continue
		}

		// Граница пересечена: начисляем по последним известным ставкам
		rates, ok := t.sync.SymbolRates(symbol)
		if !ok {
			continue
		}
		for _, leg := range group.Legs {
			entry, ok := rates.ByVenue[leg.Venue]
			if !ok {
				continue
			}
			fee := utils.LegFundingFee(leg.Quantity, entry.MarkPrice, entry.FundingRate, leg.Side == models.SideLong)
			accrual.ByVenue[leg.Venue] += fee
		}

		accrual.IntervalHours = interval
		accrual.NextFundingTime = utils.NextFundingTime(now, interval)
		accrual.UpdatedAt = now
		if err := t.store.Upsert(ctx, accrual); err != nil {
			t.log.Warn("accrual write failed", utils.Symbol(symbol), utils.Err(err))
			continue
		}

		t.log.Info("funding settled",
			utils.Symbol(symbol),
			utils.Float64("accrued_total", accrual.TotalAccrued()))
	}
}

// pruneClosed удаляет начисления символов без открытой позиции
func (t *AccrualTracker) pruneClosed(ctx context.Context, open map[string]models.PositionGroup) {
	accruals, err := t.store.List(ctx)
	if err != nil {
		t.log.Warn("accrual list failed", utils.Err(err))
		return
	}

	for _, a := range accruals {
		if _, held := open[a.Symbol]; held {
			continue
		}
		if err := t.store.Delete(ctx, a.Symbol); err != nil {
			t.log.Warn("accrual delete failed", utils.Symbol(a.Symbol), utils.Err(err))
			continue
		}
		t.log.Debug("accrual removed", utils.Symbol(a.Symbol))
	}
}
