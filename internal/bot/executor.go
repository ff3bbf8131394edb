// Package bot содержит торговое ядро: исполнение ордеров, сверку позиций
// и контроллеры автоматического входа и выхода.
package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundingarb/internal/market"
	"fundingarb/internal/models"
	"fundingarb/internal/venue"
	"fundingarb/pkg/retry"
	"fundingarb/pkg/utils"
)

// Ошибки двухногого исполнения
var (
	// ErrRolledBack - одна нога открылась, вторая нет; на успешной бирже
	// отправлен контр-ордер. Для вызывающего сделка не состоялась,
	// но средства двигались.
	ErrRolledBack = errors.New("arbitrage rolled back")

	// ErrBothFailed - ни одна нога не открылась, позиции нет
	ErrBothFailed = errors.New("both legs failed")

	// ErrSymbolBusy - по символу уже работает конвейер исполнения
	ErrSymbolBusy = errors.New("symbol execution in progress")
)

const (
	// minChunkNotional - минимальный номинал одной части split-ордера
	minChunkNotional = 10.0

	// dustNotional - остаток с большим номиналом добирается маркетом
	dustNotional = 6.0
)

// SplitOrderOpts - параметры split-исполнения
type SplitOrderOpts struct {
	Parts   int           // количество частей
	Timeout time.Duration // ожидание исполнения лимитной части
}

// DefaultSplitOrderOpts - 3 части по 5 секунд
func DefaultSplitOrderOpts() SplitOrderOpts {
	return SplitOrderOpts{Parts: 3, Timeout: 5 * time.Second}
}

// ArbitrageRequest - заявка на двухногий вход
type ArbitrageRequest struct {
	Symbol      string
	Qty         float64
	BinanceSide string // BUY или SELL
	BybitSide   string
	Leverage    int
	MarkPrice   float64
}

// ArbitrageResult - ордера обеих ног
type ArbitrageResult struct {
	BinanceOrder *venue.OrderResult
	BybitOrder   *venue.OrderResult
}

// Notifier - приёмник уведомлений, fire-and-forget
type Notifier interface {
	Add(severity, title, message string, meta map[string]interface{})
}

// Executor исполняет ордера с гарантией полного объёма:
// лимитная погоня за ценой с обязательным market-фоллбеком.
type Executor struct {
	venues      map[string]venue.Venue
	constraints *market.Constraints
	notifier    Notifier
	lease       *SymbolLease
	log         *utils.Logger

	splitOpts SplitOrderOpts
	// статус лимитного ордера опрашивается с этим шагом
	pollInterval time.Duration
	// контр-ордер panic-close ретраится по этому профилю
	panicRetry retry.Config
}

// NewExecutor создает исполнитель поверх двух бирж
func NewExecutor(venues map[string]venue.Venue, constraints *market.Constraints, notifier Notifier, lease *SymbolLease, log *utils.Logger) *Executor {
	panicRetry := retry.AggressiveConfig()
	// Ошибки валидации не исчезнут от повтора
	panicRetry.RetryIf = func(err error) bool {
		return !errors.Is(err, venue.ErrInvalidQuantity) && !errors.Is(err, venue.ErrInvalidPrice)
	}

	return &Executor{
		venues:       venues,
		constraints:  constraints,
		notifier:     notifier,
		lease:        lease,
		log:          log.WithComponent("executor"),
		splitOpts:    DefaultSplitOrderOpts(),
		pollInterval: 500 * time.Millisecond,
		panicRetry:   panicRetry,
	}
}

// PlaceOrder размещает рыночный ордер. Количество предварительно
// округляется вниз к шагу лота биржи.
func (e *Executor) PlaceOrder(ctx context.Context, venueName, symbol, side string, qty float64, reduceOnly bool) (*venue.OrderResult, error) {
	v, ok := e.venues[venueName]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", venueName)
	}

	qty = e.constraints.FloorQty(venueName, symbol, qty)
	if qty <= 0 {
		return nil, fmt.Errorf("%w: %s %s qty rounds to zero", venue.ErrInvalidQuantity, venueName, symbol)
	}

	result, err := v.PlaceOrder(ctx, symbol, side, qty, reduceOnly)
	if err != nil {
		OrderFailures.WithLabelValues(venueName).Inc()
		e.constraints.ReportOrderFailure(symbol, err)
		return nil, err
	}
	OrdersPlaced.WithLabelValues(venueName, "market").Inc()
	return result, nil
}

// ExecuteSplitOrder исполняет объём частями: каждая часть - лимитный ордер
// по пассивной цене, по таймауту отмена и маркет-добор. Обязательная
// зачистка остатка гарантирует исполнение 100% заявленного объёма.
func (e *Executor) ExecuteSplitOrder(ctx context.Context, venueName, symbol, side string, totalQty, referencePrice float64, opts SplitOrderOpts) (*venue.OrderResult, error) {
	v, ok := e.venues[venueName]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", venueName)
	}

	totalQty = e.constraints.FloorQty(venueName, symbol, totalQty)
	if totalQty <= 0 {
		return nil, fmt.Errorf("%w: %s %s qty rounds to zero", venue.ErrInvalidQuantity, venueName, symbol)
	}

	started := time.Now()
	agg := &fillAggregate{}

	err := e.runSplit(ctx, v, symbol, side, totalQty, referencePrice, opts, agg)
	if err != nil {
		// Тотальный сбой посреди последовательности: добираем остаток
		// маркетом прежде, чем отдать ошибку
		if remaining := e.remaining(venueName, symbol, totalQty, agg.qty); remaining > 0 {
			if mktErr := e.marketFill(ctx, v, symbol, side, remaining, agg); mktErr != nil {
				e.log.Error("market fallback after split failure also failed",
					utils.Venue(venueName), utils.Symbol(symbol), utils.Err(mktErr))
			}
		}
		if e.remaining(venueName, symbol, totalQty, agg.qty) > 0 {
			OrderFailures.WithLabelValues(venueName).Inc()
			e.constraints.ReportOrderFailure(symbol, err)
			return agg.result(), err
		}
		// Фоллбек закрыл весь объём - исполнение состоялось
		err = nil
	}

	// Обязательная зачистка: остаток с заметным номиналом добирается маркетом
	if remaining := e.remaining(venueName, symbol, totalQty, agg.qty); remaining > 0 && remaining*referencePrice >= dustNotional {
		if mktErr := e.marketFill(ctx, v, symbol, side, remaining, agg); mktErr != nil {
			OrderFailures.WithLabelValues(venueName).Inc()
			e.constraints.ReportOrderFailure(symbol, mktErr)
			return agg.result(), fmt.Errorf("dust cleanup: %w", mktErr)
		}
	}

	OrderExecutionLatency.WithLabelValues(venueName).Observe(float64(time.Since(started).Milliseconds()))
	return agg.result(), nil
}

// runSplit - основная последовательность частей
func (e *Executor) runSplit(ctx context.Context, v venue.Venue, symbol, side string, totalQty, referencePrice float64, opts SplitOrderOpts, agg *fillAggregate) error {
	parts := opts.Parts
	chunkNotional := totalQty * referencePrice
	if parts > 1 {
		chunkNotional /= float64(parts)
	}

	// Мелкий объём не делим: одиночный лимит с market-фоллбеком
	if parts <= 1 || chunkNotional < minChunkNotional {
		return e.limitThenMarket(ctx, v, symbol, side, totalQty, opts.Timeout, agg)
	}

	chunk := e.constraints.FloorQty(v.Name(), symbol, totalQty/float64(parts))
	if chunk <= 0 {
		return e.limitThenMarket(ctx, v, symbol, side, totalQty, opts.Timeout, agg)
	}

	for i := 0; i < parts; i++ {
		remaining := e.remaining(v.Name(), symbol, totalQty, agg.qty)
		if remaining <= 0 {
			return nil
		}

		qty := chunk
		if qty > remaining || i == parts-1 {
			qty = remaining
		}

		filled, err := e.chaseChunk(ctx, v, symbol, side, qty, opts.Timeout, agg)
		if err != nil {
			return fmt.Errorf("split part %d/%d: %w", i+1, parts, err)
		}
		if !filled {
			// Часть ушла в маркет - дальше не делим, остаток добьёт зачистка
			rest := e.remaining(v.Name(), symbol, totalQty, agg.qty)
			if rest > 0 {
				return e.marketFill(ctx, v, symbol, side, rest, agg)
			}
			return nil
		}
	}
	return nil
}

// chaseChunk исполняет одну часть: лимит по свежей вершине стакана,
// ожидание, при неисполнении отмена и маркет-добор остатка части.
// Возвращает true, если часть закрылась лимитом.
func (e *Executor) chaseChunk(ctx context.Context, v venue.Venue, symbol, side string, qty float64, timeout time.Duration, agg *fillAggregate) (bool, error) {
	top, err := v.GetOrderbookTop(ctx, symbol)
	if err != nil {
		return false, err
	}

	price := top.BestBid
	if side == venue.SideSell {
		price = top.BestAsk
	}

	order, err := v.PlaceLimitOrder(ctx, symbol, side, qty, price, false)
	if err != nil {
		return false, err
	}
	OrdersPlaced.WithLabelValues(v.Name(), "limit").Inc()

	final, err := e.waitFill(ctx, v, symbol, order, timeout)
	if err != nil {
		agg.add(final.FilledQty, final.AvgPrice)
		return false, err
	}

	if final.Status == venue.OrderStatusFilled {
		agg.add(final.FilledQty, final.AvgPrice)
		return true, nil
	}

	// Не исполнился за таймаут: отмена и маркет на недобор
	if err := v.CancelOrderByID(ctx, symbol, order.OrderID); err != nil {
		e.log.Warn("cancel failed, order may still fill",
			utils.Venue(v.Name()), utils.OrderID(order.OrderID), utils.Err(err))
	}
	// Отмена могла пересечься с исполнением - перечитываем финальный объём
	if refreshed, err := v.GetOrderStatus(ctx, symbol, order.OrderID); err == nil {
		final = refreshed
	}
	agg.add(final.FilledQty, final.AvgPrice)

	remainder := e.remaining(v.Name(), symbol, qty, final.FilledQty)
	if remainder > 0 {
		if err := e.marketFill(ctx, v, symbol, side, remainder, agg); err != nil {
			return false, err
		}
	}
	return false, nil
}

// limitThenMarket - одиночный лимит на весь объём, затем market-фоллбек
func (e *Executor) limitThenMarket(ctx context.Context, v venue.Venue, symbol, side string, qty float64, timeout time.Duration, agg *fillAggregate) error {
	_, err := e.chaseChunk(ctx, v, symbol, side, qty, timeout, agg)
	return err
}

// waitFill опрашивает статус ордера до исполнения или истечения таймаута
func (e *Executor) waitFill(ctx context.Context, v venue.Venue, symbol string, order *venue.OrderResult, timeout time.Duration) (*venue.OrderResult, error) {
	if order.Status == venue.OrderStatusFilled {
		return order, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	last := order
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, nil
		case <-ticker.C:
			status, err := v.GetOrderStatus(ctx, symbol, order.OrderID)
			if err != nil {
				e.log.Warn("order status poll failed",
					utils.Venue(v.Name()), utils.OrderID(order.OrderID), utils.Err(err))
				continue
			}
			last = status
			if status.Status == venue.OrderStatusFilled {
				return status, nil
			}
		}
	}
}

// marketFill добирает объём рыночным ордером
func (e *Executor) marketFill(ctx context.Context, v venue.Venue, symbol, side string, qty float64, agg *fillAggregate) error {
	qty = e.constraints.FloorQty(v.Name(), symbol, qty)
	if qty <= 0 {
		return nil
	}

	result, err := v.PlaceOrder(ctx, symbol, side, qty, false)
	if err != nil {
		return err
	}
	OrdersPlaced.WithLabelValues(v.Name(), "market").Inc()
	agg.add(result.FilledQty, result.AvgPrice)
	return nil
}

// remaining возвращает недобор, округлённый вниз к шагу лота.
// Недобор меньше шага считается исполненным полностью.
func (e *Executor) remaining(venueName, symbol string, total, done float64) float64 {
	return e.constraints.FloorQty(venueName, symbol, total-done)
}

// ============ Двухногий вход ============

// ExecuteArbitrage открывает обе ноги параллельно. Четыре исхода:
// обе успешны; одна успешна (panic-close контр-ордером, ErrRolledBack);
// обе провалились (ErrBothFailed).
func (e *Executor) ExecuteArbitrage(ctx context.Context, req ArbitrageRequest) (*ArbitrageResult, error) {
	if !e.lease.TryAcquire(req.Symbol) {
		return nil, fmt.Errorf("%w: %s", ErrSymbolBusy, req.Symbol)
	}
	defer e.lease.Release(req.Symbol)

	binance := e.venues[models.VenueBinance]
	bybit := e.venues[models.VenueBybit]
	if binance == nil || bybit == nil {
		return nil, fmt.Errorf("venues not wired: binance=%v bybit=%v", binance != nil, bybit != nil)
	}

	// Плечо выставляется до ордеров; "уже установлено" не ошибка
	if err := binance.SetLeverage(ctx, req.Leverage, req.Symbol); err != nil {
		e.log.Warn("set leverage failed", utils.Venue(models.VenueBinance), utils.Symbol(req.Symbol), utils.Err(err))
	}
	if err := bybit.SetLeverage(ctx, req.Leverage, req.Symbol); err != nil {
		e.log.Warn("set leverage failed", utils.Venue(models.VenueBybit), utils.Symbol(req.Symbol), utils.Err(err))
	}

	type legOutcome struct {
		order *venue.OrderResult
		err   error
	}
	binanceCh := make(chan legOutcome, 1)
	bybitCh := make(chan legOutcome, 1)

	go func() {
		order, err := e.ExecuteSplitOrder(ctx, models.VenueBinance, req.Symbol, req.BinanceSide, req.Qty, req.MarkPrice, e.splitOpts)
		binanceCh <- legOutcome{order: order, err: err}
	}()
	go func() {
		order, err := e.ExecuteSplitOrder(ctx, models.VenueBybit, req.Symbol, req.BybitSide, req.Qty, req.MarkPrice, e.splitOpts)
		bybitCh <- legOutcome{order: order, err: err}
	}()

	// Слушаем оба канала одновременно: медленная нога не прячет быструю
	var binanceRes, bybitRes legOutcome
	var binanceDone, bybitDone bool
	for !binanceDone || !bybitDone {
		select {
		case binanceRes = <-binanceCh:
			binanceDone = true
		case bybitRes = <-bybitCh:
			bybitDone = true
		}
	}

	switch {
	case binanceRes.err == nil && bybitRes.err == nil:
		ArbitrageExecutions.WithLabelValues("success").Inc()
		return &ArbitrageResult{BinanceOrder: binanceRes.order, BybitOrder: bybitRes.order}, nil

	case binanceRes.err == nil:
		e.panicClose(models.VenueBinance, req.Symbol, req.BinanceSide, binanceRes.order)
		ArbitrageExecutions.WithLabelValues("rolled_back").Inc()
		return nil, fmt.Errorf("%w: bybit leg failed: %v", ErrRolledBack, bybitRes.err)

	case bybitRes.err == nil:
		e.panicClose(models.VenueBybit, req.Symbol, req.BybitSide, bybitRes.order)
		ArbitrageExecutions.WithLabelValues("rolled_back").Inc()
		return nil, fmt.Errorf("%w: binance leg failed: %v", ErrRolledBack, binanceRes.err)

	default:
		ArbitrageExecutions.WithLabelValues("both_failed").Inc()
		return nil, fmt.Errorf("%w: binance: %v; bybit: %v", ErrBothFailed, binanceRes.err, bybitRes.err)
	}
}

// panicClose немедленно разворачивает только что открытую ногу контр-ордером.
// Работает на отвязанном контексте: отмена вызывающего не должна оставить
// голую ногу. Контр-ордер ретраится агрессивным профилем; исчерпание
// попыток эскалируется critical-уведомлением, последней линией защиты
// остаётся orphan-правило сверки.
func (e *Executor) panicClose(venueName, symbol, openedSide string, order *venue.OrderResult) {
	if order == nil || order.FilledQty == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	v := e.venues[venueName]
	counterSide := venue.CounterSide(openedSide)

	cfg := e.panicRetry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.log.Warn("panic-close retrying",
			utils.Venue(venueName), utils.Symbol(symbol),
			utils.Int("attempt", attempt), utils.Err(err))
	}

	err := retry.Do(ctx, func() error {
		_, err := v.PlaceOrder(ctx, symbol, counterSide, order.FilledQty, true)
		return err
	}, cfg)
	if err != nil {
		PanicCloseFailures.Inc()
		e.log.Error("PANIC-CLOSE FAILED: naked leg persists",
			utils.Venue(venueName), utils.Symbol(symbol),
			utils.Qty(order.FilledQty), utils.Err(err))
		if e.notifier != nil {
			e.notifier.Add(models.SeverityCritical,
				"Panic-close failed",
				fmt.Sprintf("%s %s: counter order for %.8f failed, naked leg persists", venueName, symbol, order.FilledQty),
				map[string]interface{}{"venue": venueName, "symbol": symbol, "qty": order.FilledQty, "error": err.Error()})
		}
		return
	}

	e.log.Warn("leg rolled back",
		utils.Venue(venueName), utils.Symbol(symbol), utils.Qty(order.FilledQty))
}

// ============ Агрегация исполнений ============

// fillAggregate копит исполненный объём и средневзвешенную цену
type fillAggregate struct {
	qty      float64
	notional float64
}

func (a *fillAggregate) add(qty, price float64) {
	if qty <= 0 {
		return
	}
	a.qty += qty
	a.notional += qty * price
}

func (a *fillAggregate) result() *venue.OrderResult {
	avg := 0.0
	if a.qty > 0 {
		avg = a.notional / a.qty
	}
	return &venue.OrderResult{
		Status:    venue.OrderStatusFilled,
		FilledQty: a.qty,
		AvgPrice:  avg,
	}
}
