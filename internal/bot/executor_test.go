package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fundingarb/internal/market"
	"fundingarb/internal/models"
	"fundingarb/internal/venue"
	"fundingarb/internal/venue/venuetest"
	"fundingarb/pkg/utils"
)

// notifierStub копит уведомления для проверок
type notifierStub struct {
	mu      sync.Mutex
	entries []struct {
		Severity, Title, Message string
	}
}

func (n *notifierStub) Add(severity, title, message string, meta map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, struct {
		Severity, Title, Message string
	}{severity, title, message})
}

func (n *notifierStub) bySeverity(severity string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, e := range n.entries {
		if e.Severity == severity {
			count++
		}
	}
	return count
}

func testLogger() *utils.Logger {
	return utils.InitLogger(utils.LogConfig{Level: "error", Format: "console"})
}

func btcInstrument() venue.Instrument {
	return venue.Instrument{Symbol: "BTCUSDT", MinQty: 0.001, MaxQty: 1000, QtyStep: 0.001, TickSize: 0.1}
}

func newTestExecutor(t *testing.T) (*Executor, *venuetest.Fake, *venuetest.Fake, *notifierStub) {
	t.Helper()

	log := testLogger()
	binance := venuetest.NewFake(models.VenueBinance)
	bybit := venuetest.NewFake(models.VenueBybit)
	binance.SetInstruments(btcInstrument())
	bybit.SetInstruments(btcInstrument())
	binance.SetOrderbookTop("BTCUSDT", 50000, 50001)
	bybit.SetOrderbookTop("BTCUSDT", 50002, 50003)

	venues := map[string]venue.Venue{
		models.VenueBinance: binance,
		models.VenueBybit:   bybit,
	}
	constraints := market.NewConstraints(nil, log)
	constraints.SetInstruments(models.VenueBinance, []venue.Instrument{btcInstrument()})
	constraints.SetInstruments(models.VenueBybit, []venue.Instrument{btcInstrument()})

	notifier := &notifierStub{}
	e := NewExecutor(venues, constraints, notifier, NewSymbolLease(), log)
	// Быстрые таймауты для тестов
	e.splitOpts = SplitOrderOpts{Parts: 3, Timeout: 20 * time.Millisecond}
	e.pollInterval = 5 * time.Millisecond
	e.panicRetry.InitialDelay = time.Millisecond
	e.panicRetry.MaxDelay = 2 * time.Millisecond
	return e, binance, bybit, notifier
}

func reduceOnlyOrders(orders []venuetest.PlacedOrder) []venuetest.PlacedOrder {
	out := make([]venuetest.PlacedOrder, 0)
	for _, o := range orders {
		if o.ReduceOnly {
			out = append(out, o)
		}
	}
	return out
}

func TestExecuteSplitOrderFillsFullQuantity(t *testing.T) {
	e, binance, _, _ := newTestExecutor(t)

	// Лимитные части никогда не исполняются: каждый таймаут добирается маркетом
	total := 0.9
	result, err := e.ExecuteSplitOrder(context.Background(), models.VenueBinance,
		"BTCUSDT", venue.SideBuy, total, 50000, SplitOrderOpts{Parts: 3, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	// Гарантия полноты: исполнено всё в пределах одного шага лота
	if utils.QtyDelta(result.FilledQty, total) > btcInstrument().QtyStep {
		t.Errorf("исполнено %v из %v", result.FilledQty, total)
	}

	hasMarket := false
	for _, o := range binance.PlacedOrders {
		if o.Market {
			hasMarket = true
		}
	}
	if !hasMarket {
		t.Error("ожидался market-фоллбек после таймаута лимитной части")
	}
}

func TestExecuteSplitOrderSmallNotionalSkipsSplitting(t *testing.T) {
	e, binance, _, _ := newTestExecutor(t)

	// Номинал части ниже минимума: одиночный лимит + market-фоллбек
	_, err := e.ExecuteSplitOrder(context.Background(), models.VenueBinance,
		"BTCUSDT", venue.SideSell, 0.001, 9000, SplitOrderOpts{Parts: 3, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	limits := 0
	for _, o := range binance.PlacedOrders {
		if !o.Market {
			limits++
		}
	}
	if limits != 1 {
		t.Errorf("лимитных ордеров %d, ожидался 1 (без разбиения)", limits)
	}
}

func TestExecuteArbitrageBothLegsSucceed(t *testing.T) {
	e, binance, bybit, _ := newTestExecutor(t)

	result, err := e.ExecuteArbitrage(context.Background(), ArbitrageRequest{
		Symbol: "BTCUSDT", Qty: 0.3,
		BinanceSide: venue.SideBuy, BybitSide: venue.SideSell,
		Leverage: 3, MarkPrice: 50000,
	})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if result.BinanceOrder == nil || result.BybitOrder == nil {
		t.Fatal("ожидались ордера обеих ног")
	}

	if ro := reduceOnlyOrders(binance.PlacedOrders); len(ro) != 0 {
		t.Errorf("контр-ордеров на binance %d, ожидалось 0", len(ro))
	}
	if ro := reduceOnlyOrders(bybit.PlacedOrders); len(ro) != 0 {
		t.Errorf("контр-ордеров на bybit %d, ожидалось 0", len(ro))
	}
}

func TestExecuteArbitrageRollsBackOnSingleLegFailure(t *testing.T) {
	e, binance, bybit, _ := newTestExecutor(t)

	// Bybit отвергает всё: и лимитную часть (нет стакана), и маркет
	rejection := &venue.VenueError{Venue: models.VenueBybit, Code: "110007", Message: "qty invalid"}
	bybit.PlaceOrderFn = func(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*venue.OrderResult, error) {
		return nil, rejection
	}

	_, err := e.ExecuteArbitrage(context.Background(), ArbitrageRequest{
		Symbol: "BTCUSDT", Qty: 0.3,
		BinanceSide: venue.SideBuy, BybitSide: venue.SideSell,
		Leverage: 3, MarkPrice: 50000,
	})
	if !errors.Is(err, ErrRolledBack) {
		t.Fatalf("ожидалась ErrRolledBack, получено %v", err)
	}

	// Ровно один контр-ордер на успешной бирже, противоположной стороной
	counters := reduceOnlyOrders(binance.PlacedOrders)
	if len(counters) != 1 {
		t.Fatalf("контр-ордеров %d, ожидался ровно 1", len(counters))
	}
	if counters[0].Side != venue.SideSell {
		t.Errorf("сторона контр-ордера %s, ожидалась SELL", counters[0].Side)
	}
	if !counters[0].Market {
		t.Error("контр-ордер должен быть рыночным")
	}
}

func TestExecuteArbitrageBothFailed(t *testing.T) {
	e, binance, bybit, _ := newTestExecutor(t)

	fail := func(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*venue.OrderResult, error) {
		return nil, &venue.VenueError{Venue: "x", Code: "1", Message: "down"}
	}
	binance.PlaceOrderFn = fail
	bybit.PlaceOrderFn = fail
	// Стаканы убраны: лимитный путь тоже недоступен
	binanceNoBook := venuetest.NewFake(models.VenueBinance)
	bybitNoBook := venuetest.NewFake(models.VenueBybit)
	binanceNoBook.PlaceOrderFn = fail
	bybitNoBook.PlaceOrderFn = fail
	e.venues = map[string]venue.Venue{
		models.VenueBinance: binanceNoBook,
		models.VenueBybit:   bybitNoBook,
	}

	_, err := e.ExecuteArbitrage(context.Background(), ArbitrageRequest{
		Symbol: "BTCUSDT", Qty: 0.3,
		BinanceSide: venue.SideBuy, BybitSide: venue.SideSell,
		Leverage: 3, MarkPrice: 50000,
	})
	if !errors.Is(err, ErrBothFailed) {
		t.Fatalf("ожидалась ErrBothFailed, получено %v", err)
	}

	if ro := append(reduceOnlyOrders(binanceNoBook.PlacedOrders), reduceOnlyOrders(bybitNoBook.PlacedOrders)...); len(ro) != 0 {
		t.Errorf("контр-ордеров %d, ожидалось 0: позиций не было", len(ro))
	}
}

func TestExecuteArbitrageSymbolLease(t *testing.T) {
	e, _, _, _ := newTestExecutor(t)

	if !e.lease.TryAcquire("BTCUSDT") {
		t.Fatal("аренда должна захватиться")
	}
	defer e.lease.Release("BTCUSDT")

	_, err := e.ExecuteArbitrage(context.Background(), ArbitrageRequest{
		Symbol: "BTCUSDT", Qty: 0.3,
		BinanceSide: venue.SideBuy, BybitSide: venue.SideSell,
		Leverage: 1, MarkPrice: 50000,
	})
	if !errors.Is(err, ErrSymbolBusy) {
		t.Fatalf("ожидалась ErrSymbolBusy, получено %v", err)
	}
}

func TestPanicCloseFailureEscalatesCritical(t *testing.T) {
	e, binance, bybit, notifier := newTestExecutor(t)

	rejection := &venue.VenueError{Venue: models.VenueBybit, Code: "110007", Message: "qty invalid"}
	bybit.PlaceOrderFn = func(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*venue.OrderResult, error) {
		return nil, rejection
	}
	// Binance: вход проходит, но контр-ордер проваливается
	binance.PlaceOrderFn = func(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*venue.OrderResult, error) {
		if reduceOnly {
			return nil, &venue.VenueError{Venue: models.VenueBinance, Code: "-2019", Message: "margin insufficient"}
		}
		return &venue.OrderResult{OrderID: "1", Status: venue.OrderStatusFilled, FilledQty: qty, AvgPrice: 50001}, nil
	}

	_, err := e.ExecuteArbitrage(context.Background(), ArbitrageRequest{
		Symbol: "BTCUSDT", Qty: 0.3,
		BinanceSide: venue.SideBuy, BybitSide: venue.SideSell,
		Leverage: 1, MarkPrice: 50000,
	})
	if !errors.Is(err, ErrRolledBack) {
		t.Fatalf("ожидалась ErrRolledBack, получено %v", err)
	}

	// Провал panic-close эскалируется critical-уведомлением
	if notifier.bySeverity(models.SeverityCritical) != 1 {
		t.Errorf("critical-уведомлений %d, ожидалось 1", notifier.bySeverity(models.SeverityCritical))
	}
}

func TestPanicCloseRetriesTransientFailure(t *testing.T) {
	e, binance, bybit, notifier := newTestExecutor(t)

	rejection := &venue.VenueError{Venue: models.VenueBybit, Code: "110007", Message: "qty invalid"}
	bybit.PlaceOrderFn = func(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*venue.OrderResult, error) {
		return nil, rejection
	}

	// Binance: вход проходит, контр-ордер дважды упирается в сеть,
	// третья попытка успешна
	var counterMu sync.Mutex
	counterAttempts := 0
	binance.PlaceOrderFn = func(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*venue.OrderResult, error) {
		if !reduceOnly {
			return &venue.OrderResult{OrderID: "1", Status: venue.OrderStatusFilled, FilledQty: qty, AvgPrice: 50001}, nil
		}
		counterMu.Lock()
		defer counterMu.Unlock()
		counterAttempts++
		if counterAttempts < 3 {
			return nil, fmt.Errorf("%w: binance: connection reset", venue.ErrUnreachable)
		}
		return &venue.OrderResult{OrderID: "2", Status: venue.OrderStatusFilled, FilledQty: qty, AvgPrice: 50000}, nil
	}

	_, err := e.ExecuteArbitrage(context.Background(), ArbitrageRequest{
		Symbol: "BTCUSDT", Qty: 0.3,
		BinanceSide: venue.SideBuy, BybitSide: venue.SideSell,
		Leverage: 1, MarkPrice: 50000,
	})
	if !errors.Is(err, ErrRolledBack) {
		t.Fatalf("ожидалась ErrRolledBack, получено %v", err)
	}

	counterMu.Lock()
	attempts := counterAttempts
	counterMu.Unlock()
	if attempts != 3 {
		t.Errorf("попыток контр-ордера %d, ожидалось 3 (две ретраятся)", attempts)
	}
	// Нога развёрнута: эскалации быть не должно
	if notifier.bySeverity(models.SeverityCritical) != 0 {
		t.Errorf("critical-уведомлений %d, ожидалось 0", notifier.bySeverity(models.SeverityCritical))
	}
}

func TestPanicCloseDoesNotRetryValidationErrors(t *testing.T) {
	e, binance, bybit, notifier := newTestExecutor(t)

	bybit.PlaceOrderFn = func(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*venue.OrderResult, error) {
		return nil, &venue.VenueError{Venue: models.VenueBybit, Code: "110007", Message: "qty invalid"}
	}

	var counterMu sync.Mutex
	counterAttempts := 0
	binance.PlaceOrderFn = func(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*venue.OrderResult, error) {
		if !reduceOnly {
			return &venue.OrderResult{OrderID: "1", Status: venue.OrderStatusFilled, FilledQty: qty, AvgPrice: 50001}, nil
		}
		counterMu.Lock()
		defer counterMu.Unlock()
		counterAttempts++
		return nil, &venue.VenueError{
			Venue: models.VenueBinance, Code: "-1111",
			Message: "precision over maximum", Original: venue.ErrInvalidQuantity,
		}
	}

	_, err := e.ExecuteArbitrage(context.Background(), ArbitrageRequest{
		Symbol: "BTCUSDT", Qty: 0.3,
		BinanceSide: venue.SideBuy, BybitSide: venue.SideSell,
		Leverage: 1, MarkPrice: 50000,
	})
	if !errors.Is(err, ErrRolledBack) {
		t.Fatalf("ожидалась ErrRolledBack, получено %v", err)
	}

	counterMu.Lock()
	attempts := counterAttempts
	counterMu.Unlock()
	if attempts != 1 {
		t.Errorf("попыток контр-ордера %d, ошибка валидации не должна ретраиться", attempts)
	}
	if notifier.bySeverity(models.SeverityCritical) != 1 {
		t.Errorf("critical-уведомлений %d, ожидалось 1", notifier.bySeverity(models.SeverityCritical))
	}
}
