package bot

import (
	"context"
	"fmt"
	"time"

	"fundingarb/internal/models"
	"fundingarb/pkg/utils"
)

// AutoExitConfig - параметры контроллера автоматического выхода
type AutoExitConfig struct {
	Enabled         bool
	MinNetSpreadPct float64       // ниже - позиция под наблюдением или закрывается
	OrphanGrace     time.Duration // возраст одиночной ноги до закрытия
	CheckInterval   time.Duration // orphan + spread цикл
	FlipInterval    time.Duration // funding-flip цикл
}

// DefaultAutoExitConfig - 30s/60s циклы, грация 60s
func DefaultAutoExitConfig() AutoExitConfig {
	return AutoExitConfig{
		Enabled:         true,
		MinNetSpreadPct: 0.0,
		OrphanGrace:     60 * time.Second,
		CheckInterval:   30 * time.Second,
		FlipInterval:    60 * time.Second,
	}
}

// AutoExit закрывает позиции по трём правилам: одиночная нога,
// спред ниже порога и перевернувшийся фандинг. Вне 10-минутного
// критического окна до расчёта плохое условие только помечается -
// спред может восстановиться до расчёта.
type AutoExit struct {
	reconciler *Reconciler
	monitor    *MonitorTable
	notifier   Notifier
	config     AutoExitConfig
	log        *utils.Logger

	now func() time.Time
}

// NewAutoExit создает контроллер выхода
func NewAutoExit(reconciler *Reconciler, monitor *MonitorTable, notifier Notifier, cfg AutoExitConfig, log *utils.Logger) *AutoExit {
	return &AutoExit{
		reconciler: reconciler,
		monitor:    monitor,
		notifier:   notifier,
		config:     cfg,
		log:        log.WithComponent("autoexit"),
		now:        time.Now,
	}
}

// Start запускает оба цикла. Блокируется до отмены контекста.
func (a *AutoExit) Start(ctx context.Context) {
	if !a.config.Enabled {
		a.log.Info("auto-exit disabled")
		return
	}

	checkTicker := time.NewTicker(a.config.CheckInterval)
	flipTicker := time.NewTicker(a.config.FlipInterval)
	defer checkTicker.Stop()
	defer flipTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-checkTicker.C:
			a.safeCycle(ctx, "orphan+spread", a.CheckCycle)
		case <-flipTicker.C:
			a.safeCycle(ctx, "funding-flip", a.FlipCycle)
		}
	}
}

// safeCycle изолирует цикл: ошибка или паника не останавливает тикеры
func (a *AutoExit) safeCycle(ctx context.Context, name string, cycle func(context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil {
			a.log.Error("auto-exit cycle panicked",
				utils.String("cycle", name), utils.Any("panic", rec))
		}
	}()

	if err := cycle(ctx); err != nil {
		a.log.Error("auto-exit cycle failed", utils.String("cycle", name), utils.Err(err))
		if a.notifier != nil {
			a.notifier.Add(models.SeverityError, "Auto-exit cycle failed",
				fmt.Sprintf("%s: %v", name, err), nil)
		}
	}
}

// CheckCycle - 30-секундный цикл: одиночные ноги и спред ниже порога
func (a *AutoExit) CheckCycle(ctx context.Context) error {
	groups, err := a.reconciler.GetPositions(ctx)
	if err != nil {
		return err
	}

	now := a.now().UTC()
	for _, group := range groups {
		if a.checkOrphan(ctx, group, now) {
			continue
		}
		a.checkSpread(ctx, group, now)
	}
	return nil
}

// checkOrphan закрывает группу из одной ноги, провисевшую дольше грации.
// true = группа обработана, правило спреда не применяется.
func (a *AutoExit) checkOrphan(ctx context.Context, group models.PositionGroup, now time.Time) bool {
	if len(group.Legs) != 1 {
		return false
	}

	leg := group.Legs[0]
	if now.Sub(leg.UpdatedAt) < a.config.OrphanGrace {
		// Свежая нога: вторая может ещё появиться
		return true
	}

	OrphanLegsDetected.Inc()
	a.log.Warn("orphan leg detected",
		utils.Symbol(group.Symbol), utils.Venue(leg.Venue),
		utils.Qty(leg.Quantity))

	a.closeGroup(ctx, group.Symbol, models.CloseReasonOrphan)
	return true
}

// checkSpread применяет правило порога спреда с учётом критического окна
func (a *AutoExit) checkSpread(ctx context.Context, group models.PositionGroup, now time.Time) {
	if group.LongLeg() == nil || group.ShortLeg() == nil {
		return
	}

	// Нет данных - нет решения: закрывать здоровый хедж из-за дырки
	// в кэше ставок нельзя. Метка наблюдения тоже не трогается.
	if !group.SpreadKnown {
		a.log.Debug("spread unknown, rule skipped", utils.Symbol(group.Symbol))
		return
	}

	if group.NetSpreadPct >= a.config.MinNetSpreadPct {
		a.clearIfReason(group.Symbol, MonitorReasonNegativeSpread)
		return
	}

	if a.inCriticalWindow(group, now) {
		a.closeGroup(ctx, group.Symbol, models.CloseReasonNegativeSpread)
		return
	}

	if a.monitor.MarkMonitoring(group.Symbol, MonitorReasonNegativeSpread) {
		a.log.Warn("spread below threshold, monitoring",
			utils.Symbol(group.Symbol), utils.Spread(group.NetSpreadPct))
	}
}

// FlipCycle - 60-секундный цикл: знак предсказанного спреда
func (a *AutoExit) FlipCycle(ctx context.Context) error {
	groups, err := a.reconciler.GetPositions(ctx)
	if err != nil {
		return err
	}

	now := a.now().UTC()
	for _, group := range groups {
		if group.LongLeg() == nil || group.ShortLeg() == nil {
			continue
		}

		if !group.SpreadKnown {
			a.log.Debug("spread unknown, flip rule skipped", utils.Symbol(group.Symbol))
			continue
		}

		if group.NetSpreadPct > 0 {
			a.clearIfReason(group.Symbol, MonitorReasonFundingFlipped)
			continue
		}

		if a.inCriticalWindow(group, now) {
			a.closeGroup(ctx, group.Symbol, models.CloseReasonFundingFlip)
			continue
		}

		if a.monitor.MarkMonitoring(group.Symbol, MonitorReasonFundingFlipped) {
			a.log.Warn("funding flipped, monitoring",
				utils.Symbol(group.Symbol), utils.Spread(group.NetSpreadPct))
		}
	}
	return nil
}

// inCriticalWindow - до расчёта фандинга осталось не больше 10 минут
func (a *AutoExit) inCriticalWindow(group models.PositionGroup, now time.Time) bool {
	if group.NextFundingTime.IsZero() {
		return false
	}
	return group.NextFundingTime.Sub(now) <= criticalWindow
}

// closeGroup - не больше одной попытки закрытия на обнаружение
func (a *AutoExit) closeGroup(ctx context.Context, symbol, reason string) {
	if !a.monitor.TryMarkClosing(symbol, reason) {
		return
	}
	defer a.monitor.Clear(symbol)

	result, err := a.reconciler.ClosePosition(ctx, symbol, reason)
	if err != nil {
		a.log.Error("auto-exit close failed",
			utils.Symbol(symbol), utils.Reason(reason), utils.Err(err))
		if a.notifier != nil {
			a.notifier.Add(models.SeverityError, "Auto-exit close failed",
				fmt.Sprintf("%s (%s): %v", symbol, reason, err), nil)
		}
		return
	}

	severity := models.SeverityInfo
	if len(result.Errors) > 0 {
		severity = models.SeverityWarn
	}
	if a.notifier != nil {
		a.notifier.Add(severity, "Position closed: "+reason,
			fmt.Sprintf("%s closed on [%v], errors: %v", symbol, result.Closed, result.Errors),
			map[string]interface{}{"symbol": symbol, "reason": reason})
	}
}

// clearIfReason снимает метку наблюдения, если она стоит по этой причине
func (a *AutoExit) clearIfReason(symbol, reason string) {
	entry := a.monitor.Get(symbol)
	if entry.State == StateMonitoring && entry.Reason == reason {
		a.monitor.ClearMonitoring(symbol)
	}
}
