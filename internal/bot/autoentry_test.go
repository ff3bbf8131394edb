package bot

import (
	"context"
	"testing"
	"time"

	"fundingarb/internal/models"
	"fundingarb/internal/venue"
)

func newAutoEntryFixture(t *testing.T) (*AutoEntry, *reconcilerFixture, *notifierStub) {
	t.Helper()

	f := newReconcilerFixture(t)

	// Интервалы должны резолвиться валидными
	inst := btcInstrument()
	inst.FundingIntervalHours = 8
	f.binance.SetInstruments(inst)
	f.bybit.SetInstruments(inst)
	f.binance.SetOrderbookTop("BTCUSDT", 50000, 50001)
	f.bybit.SetOrderbookTop("BTCUSDT", 50002, 50003)

	log := testLogger()
	venues := map[string]venue.Venue{
		models.VenueBinance: f.binance,
		models.VenueBybit:   f.bybit,
	}
	notifier := &notifierStub{}

	e := NewExecutor(venues, f.constraints, notifier, NewSymbolLease(), log)
	e.splitOpts = SplitOrderOpts{Parts: 3, Timeout: 20 * time.Millisecond}
	e.pollInterval = 5 * time.Millisecond

	cfg := DefaultAutoEntryConfig()
	cfg.AllowedIntervals = []int{8}
	a := NewAutoEntry(e, f.reconciler, f.sync, f.constraints, venues, notifier, cfg, log)
	return a, f, notifier
}

func TestAvailableCapitalCappedByFreeBalance(t *testing.T) {
	a, f, _ := newAutoEntryFixture(t)

	// min(1000, 800) * 0.25 = 200, срезается min(available) = 50
	f.binance.SetBalances(venue.Balance{Asset: "USDT", Total: 1000, Available: 600})
	f.bybit.SetBalances(venue.Balance{Asset: "USDT", Total: 800, Available: 50})

	got, err := a.availableCapital(context.Background())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if diff := got - 50.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("капитал = %v, ожидалось 50", got)
	}
}

func TestCycleEntersBestCandidate(t *testing.T) {
	a, f, notifier := newAutoEntryFixture(t)

	f.binance.SetBalances(venue.Balance{Asset: "USDT", Total: 10000, Available: 10000})
	f.bybit.SetBalances(venue.Balance{Asset: "USDT", Total: 10000, Available: 10000})
	// binance дешевле: long на binance, short на bybit
	f.seedRates(t, -0.0001, 0.0002)

	if err := a.Cycle(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if len(f.binance.PlacedOrders) == 0 || len(f.bybit.PlacedOrders) == 0 {
		t.Fatalf("ордера не размещены: binance=%d bybit=%d",
			len(f.binance.PlacedOrders), len(f.bybit.PlacedOrders))
	}
	if side := f.binance.PlacedOrders[0].Side; side != venue.SideBuy {
		t.Errorf("сторона binance %s, ожидалась BUY", side)
	}
	if side := f.bybit.PlacedOrders[0].Side; side != venue.SideSell {
		t.Errorf("сторона bybit %s, ожидалась SELL", side)
	}
	if notifier.bySeverity(models.SeverityInfo) == 0 {
		t.Error("об открытии позиции должно быть уведомление")
	}
}

func TestEntrySkipsBelowMinNotional(t *testing.T) {
	a, f, notifier := newAutoEntryFixture(t)

	// Целевой капитал срезается до 4 USDT - ниже порога 6
	f.binance.SetBalances(venue.Balance{Asset: "USDT", Total: 1000, Available: 4})
	f.bybit.SetBalances(venue.Balance{Asset: "USDT", Total: 800, Available: 4})
	f.seedRates(t, -0.0001, 0.0002)

	if err := a.Cycle(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if n := len(f.binance.PlacedOrders) + len(f.bybit.PlacedOrders); n != 0 {
		t.Errorf("ордеров при нехватке капитала быть не должно: %d", n)
	}
	if notifier.bySeverity(models.SeverityWarn) != 1 {
		t.Errorf("warn-уведомлений %d, ожидалось 1", notifier.bySeverity(models.SeverityWarn))
	}
}

func TestCycleRespectsMaxActiveTrades(t *testing.T) {
	a, f, _ := newAutoEntryFixture(t)
	a.config.MaxActiveTrades = 1

	f.binance.SetBalances(venue.Balance{Asset: "USDT", Total: 10000, Available: 10000})
	f.bybit.SetBalances(venue.Balance{Asset: "USDT", Total: 10000, Available: 10000})
	f.seedRates(t, -0.0001, 0.0002)

	now := time.Now()
	f.binance.SetPositions(models.ExchangePosition{
		Symbol: "ETHUSDT", Side: models.SideLong, Quantity: 1, MarkPrice: 3000, UpdatedAt: now,
	})
	f.bybit.SetPositions(models.ExchangePosition{
		Symbol: "ETHUSDT", Side: models.SideShort, Quantity: 1, MarkPrice: 3001, UpdatedAt: now,
	})

	if err := a.Cycle(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if n := len(f.binance.PlacedOrders) + len(f.bybit.PlacedOrders); n != 0 {
		t.Errorf("лимит сделок исчерпан, ордеров быть не должно: %d", n)
	}
}

func TestEntryFailureSetsCooldown(t *testing.T) {
	a, f, _ := newAutoEntryFixture(t)

	f.binance.SetBalances(venue.Balance{Asset: "USDT", Total: 10000, Available: 10000})
	f.bybit.SetBalances(venue.Balance{Asset: "USDT", Total: 10000, Available: 10000})
	f.seedRates(t, -0.0001, 0.0002)

	f.bybit.PlaceOrderFn = func(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*venue.OrderResult, error) {
		return nil, &venue.VenueError{Venue: models.VenueBybit, Code: "110007", Message: "qty invalid"}
	}

	if err := a.Cycle(context.Background()); err == nil {
		t.Fatal("ожидалась ошибка входа")
	}
	if !a.inCooldown("BTCUSDT") {
		t.Fatal("после неудачи символ должен быть в кулдауне")
	}

	// Кулдаун истекает ровно через TTL
	base := time.Now()
	a.now = func() time.Time { return base.Add(14 * time.Minute) }
	if !a.inCooldown("BTCUSDT") {
		t.Error("кулдаун не должен истечь раньше 15 минут")
	}
	a.now = func() time.Time { return base.Add(16 * time.Minute) }
	if a.inCooldown("BTCUSDT") {
		t.Error("кулдаун должен истечь после 15 минут")
	}
}

func TestPickCandidateFilters(t *testing.T) {
	a, f, _ := newAutoEntryFixture(t)
	f.seedRates(t, -0.0001, 0.0002)

	if c := a.pickCandidate(nil); c == nil || c.Symbol != "BTCUSDT" {
		t.Fatalf("кандидат не найден: %+v", c)
	}

	// Символ уже в позиции
	if c := a.pickCandidate(map[string]bool{"BTCUSDT": true}); c != nil {
		t.Errorf("удерживаемый символ не должен предлагаться: %+v", c)
	}

	// Символ в кулдауне
	a.setCooldown("BTCUSDT")
	if c := a.pickCandidate(nil); c != nil {
		t.Errorf("символ в кулдауне не должен предлагаться: %+v", c)
	}
	a.cooldowns = map[string]time.Time{}

	// Интервал вне разрешённых
	a.config.AllowedIntervals = []int{4}
	if c := a.pickCandidate(nil); c != nil {
		t.Errorf("символ с запрещённым интервалом не должен предлагаться: %+v", c)
	}
	a.config.AllowedIntervals = []int{8}

	// Спред ниже порога
	a.config.MinNetSpreadPct = 1.0
	if c := a.pickCandidate(nil); c != nil {
		t.Errorf("кандидат ниже порога спреда не должен предлагаться: %+v", c)
	}
}
