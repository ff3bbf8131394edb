package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundingarb/internal/funding"
	"fundingarb/internal/market"
	"fundingarb/internal/models"
	"fundingarb/internal/venue"
	"fundingarb/pkg/utils"
)

// AutoEntryConfig - параметры контроллера автоматического входа
type AutoEntryConfig struct {
	Enabled          bool
	Interval         time.Duration // период цикла
	CapitalPercent   float64       // доля min(total A, total B) на сделку
	Leverage         int
	MinNetSpreadPct  float64 // порог скринера
	AllowedIntervals []int   // разрешённые интервалы фандинга, часы
	MaxActiveTrades  int
	CooldownTTL      time.Duration // пауза символа после неудачи
	MinNotional      float64       // минимальный номинал входа, USDT
}

// DefaultAutoEntryConfig - цикл 4s, кулдаун 15 минут
func DefaultAutoEntryConfig() AutoEntryConfig {
	return AutoEntryConfig{
		Enabled:          true,
		Interval:         4 * time.Second,
		CapitalPercent:   0.25,
		Leverage:         1,
		MinNetSpreadPct:  0.01,
		AllowedIntervals: []int{4, 8},
		MaxActiveTrades:  3,
		CooldownTTL:      15 * time.Minute,
		MinNotional:      6.0,
	}
}

// AutoEntry каждые 4 секунды выбирает лучшего кандидата скринера
// и открывает hedge-группу через двухногое исполнение.
// Кулдауны принадлежат экземпляру и не переживают рестарт.
type AutoEntry struct {
	executor    *Executor
	reconciler  *Reconciler
	sync        *funding.Synchronizer
	constraints *market.Constraints
	venues      map[string]venue.Venue
	notifier    Notifier
	config      AutoEntryConfig
	log         *utils.Logger

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time // symbol -> истечение

	now func() time.Time
}

// NewAutoEntry создает контроллер входа
func NewAutoEntry(executor *Executor, reconciler *Reconciler, fsync *funding.Synchronizer, constraints *market.Constraints, venues map[string]venue.Venue, notifier Notifier, cfg AutoEntryConfig, log *utils.Logger) *AutoEntry {
	return &AutoEntry{
		executor:    executor,
		reconciler:  reconciler,
		sync:        fsync,
		constraints: constraints,
		venues:      venues,
		notifier:    notifier,
		config:      cfg,
		log:         log.WithComponent("autoentry"),
		cooldowns:   make(map[string]time.Time),
		now:         time.Now,
	}
}

// Start запускает цикл входа. Блокируется до отмены контекста.
func (a *AutoEntry) Start(ctx context.Context) {
	if !a.config.Enabled {
		a.log.Info("auto-entry disabled")
		return
	}

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.safeCycle(ctx)
		}
	}
}

func (a *AutoEntry) safeCycle(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			a.log.Error("auto-entry cycle panicked", utils.Any("panic", rec))
		}
	}()

	if err := a.Cycle(ctx); err != nil {
		a.log.Error("auto-entry cycle failed", utils.Err(err))
	}
}

// Cycle - один проход контроллера входа
func (a *AutoEntry) Cycle(ctx context.Context) error {
	ValidArbitrageSymbolsGauge.Set(float64(len(a.sync.ValidArbitrageSymbols())))

	groups, err := a.reconciler.GetPositions(ctx)
	if err != nil {
		return err
	}
	if len(groups) >= a.config.MaxActiveTrades {
		return nil
	}

	held := make(map[string]bool, len(groups))
	for _, g := range groups {
		held[g.Symbol] = true
	}

	candidate := a.pickCandidate(held)
	if candidate == nil {
		return nil
	}

	return a.enter(ctx, *candidate)
}

// pickCandidate возвращает лучшего подходящего кандидата скринера
func (a *AutoEntry) pickCandidate(held map[string]bool) *models.ScreenerCandidate {
	for _, c := range a.sync.ScreenerCandidates() {
		if c.NetSpreadPct <= 0 || c.NetSpreadPct < a.config.MinNetSpreadPct {
			// Кандидаты отсортированы по убыванию - дальше только хуже
			return nil
		}
		if !a.intervalAllowed(c.IntervalHours) {
			continue
		}
		if held[c.Symbol] {
			continue
		}
		if a.inCooldown(c.Symbol) {
			continue
		}
		if a.constraints.IsBlacklisted(c.Symbol) {
			continue
		}
		candidate := c
		return &candidate
	}
	return nil
}

func (a *AutoEntry) intervalAllowed(hours int) bool {
	for _, allowed := range a.config.AllowedIntervals {
		if hours == allowed {
			return true
		}
	}
	return false
}

// enter рассчитывает капитал и количество и исполняет вход
func (a *AutoEntry) enter(ctx context.Context, c models.ScreenerCandidate) error {
	notional, err := a.availableCapital(ctx)
	if err != nil {
		return fmt.Errorf("capital sizing: %w", err)
	}
	if notional < a.config.MinNotional {
		a.log.Info("entry skipped: capital below floor",
			utils.Symbol(c.Symbol), utils.Float64("notional", notional))
		if a.notifier != nil {
			a.notifier.Add(models.SeverityWarn, "Entry skipped: insufficient capital",
				fmt.Sprintf("%s: available %.2f USDT, need %.2f (short %.2f)",
					c.Symbol, notional, a.config.MinNotional, a.config.MinNotional-notional),
				map[string]interface{}{"symbol": c.Symbol, "notional": notional})
		}
		return nil
	}

	// Количество должно лечь на шаг лота обеих бирж
	raw := notional * float64(a.config.Leverage) / c.MarkPrice
	qty := a.constraints.FloorQty(models.VenueBinance, c.Symbol, raw)
	qty = a.constraints.FloorQty(models.VenueBybit, c.Symbol, qty)
	if qty <= 0 {
		a.log.Info("entry skipped: qty rounds to zero",
			utils.Symbol(c.Symbol), utils.Price(c.MarkPrice))
		return nil
	}

	req := ArbitrageRequest{
		Symbol:    c.Symbol,
		Qty:       qty,
		Leverage:  a.config.Leverage,
		MarkPrice: c.MarkPrice,
	}
	if c.LongVenue == models.VenueBinance {
		req.BinanceSide, req.BybitSide = venue.SideBuy, venue.SideSell
	} else {
		req.BinanceSide, req.BybitSide = venue.SideSell, venue.SideBuy
	}

	a.log.Info("entering position",
		utils.Symbol(c.Symbol), utils.Qty(qty), utils.Spread(c.NetSpreadPct),
		utils.String("long_venue", c.LongVenue))

	if _, err := a.executor.ExecuteArbitrage(ctx, req); err != nil {
		a.setCooldown(c.Symbol)
		if a.notifier != nil {
			a.notifier.Add(models.SeverityError, "Entry failed",
				fmt.Sprintf("%s: %v (cooldown %s)", c.Symbol, err, a.config.CooldownTTL),
				map[string]interface{}{"symbol": c.Symbol})
		}
		return fmt.Errorf("entry %s: %w", c.Symbol, err)
	}

	if a.notifier != nil {
		a.notifier.Add(models.SeverityInfo, "Position opened",
			fmt.Sprintf("%s qty %.8f, net spread %.4f%%, long on %s",
				c.Symbol, qty, c.NetSpreadPct, c.LongVenue),
			map[string]interface{}{"symbol": c.Symbol, "qty": qty})
	}
	return nil
}

// availableCapital - min(total A, total B) × capitalPercent,
// ограниченный min(available A, available B)
func (a *AutoEntry) availableCapital(ctx context.Context) (float64, error) {
	totals := make([]float64, 0, len(a.venues))
	avails := make([]float64, 0, len(a.venues))

	for name, v := range a.venues {
		total, avail, err := usdtBalance(ctx, v)
		if err != nil {
			return 0, fmt.Errorf("%s balance: %w", name, err)
		}
		totals = append(totals, total)
		avails = append(avails, avail)
	}
	if len(totals) == 0 {
		return 0, fmt.Errorf("no venues configured")
	}

	target := minFloat(totals) * a.config.CapitalPercent
	if ceiling := minFloat(avails); target > ceiling {
		target = ceiling
	}
	return target, nil
}

func usdtBalance(ctx context.Context, v venue.Venue) (total, available float64, err error) {
	balances, err := v.FetchBalance(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			return b.Total, b.Available, nil
		}
	}
	return 0, 0, nil
}

func minFloat(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// ============ Кулдауны ============

func (a *AutoEntry) inCooldown(symbol string) bool {
	a.cooldownMu.Lock()
	defer a.cooldownMu.Unlock()

	expiry, ok := a.cooldowns[symbol]
	if !ok {
		return false
	}
	if a.now().After(expiry) {
		delete(a.cooldowns, symbol)
		return false
	}
	return true
}

func (a *AutoEntry) setCooldown(symbol string) {
	a.cooldownMu.Lock()
	defer a.cooldownMu.Unlock()
	a.cooldowns[symbol] = a.now().Add(a.config.CooldownTTL)
}

// Cooldowns возвращает активные кулдауны для API
func (a *AutoEntry) Cooldowns() map[string]time.Time {
	a.cooldownMu.Lock()
	defer a.cooldownMu.Unlock()

	now := a.now()
	out := make(map[string]time.Time)
	for symbol, expiry := range a.cooldowns {
		if now.Before(expiry) {
			out[symbol] = expiry
		}
	}
	return out
}
