package bot

import (
	"context"
	"testing"
	"time"

	"fundingarb/internal/models"
	"fundingarb/internal/venue"
)

func newAutoExitFixture(t *testing.T) (*AutoExit, *reconcilerFixture, *notifierStub) {
	t.Helper()

	f := newReconcilerFixture(t)
	notifier := &notifierStub{}
	cfg := DefaultAutoExitConfig()
	a := NewAutoExit(f.reconciler, NewMonitorTable(), notifier, cfg, testLogger())
	return a, f, notifier
}

func TestOrphanRuleClosesAgedSingleLeg(t *testing.T) {
	a, f, _ := newAutoExitFixture(t)
	f.seedRates(t, 0.0002, -0.0001)

	// Одна нога, последний апдейт 2 минуты назад
	f.binance.SetPositions(models.ExchangePosition{
		Symbol: "BTCUSDT", Side: models.SideLong, Quantity: 0.5,
		MarkPrice: 50000, UpdatedAt: time.Now().Add(-2 * time.Minute),
	})

	if err := a.CheckCycle(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	counters := reduceOnlyOrders(f.binance.PlacedOrders)
	if len(counters) != 1 {
		t.Fatalf("закрывающих ордеров %d, ожидался ровно 1", len(counters))
	}
	if counters[0].Side != venue.SideSell {
		t.Errorf("сторона закрытия %s, ожидалась SELL", counters[0].Side)
	}
}

func TestOrphanRuleRespectsGracePeriod(t *testing.T) {
	a, f, _ := newAutoExitFixture(t)
	f.seedRates(t, 0.0002, -0.0001)

	// Свежая нога: вторая может ещё открываться
	f.binance.SetPositions(models.ExchangePosition{
		Symbol: "BTCUSDT", Side: models.SideLong, Quantity: 0.5,
		MarkPrice: 50000, UpdatedAt: time.Now().Add(-10 * time.Second),
	})

	if err := a.CheckCycle(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if n := len(reduceOnlyOrders(f.binance.PlacedOrders)); n != 0 {
		t.Errorf("свежая нога закрыта преждевременно: %d ордеров", n)
	}
}

func hedgedPositions(f *reconcilerFixture, updatedAt time.Time) {
	f.binance.SetPositions(models.ExchangePosition{
		Symbol: "BTCUSDT", Side: models.SideLong, Quantity: 0.5,
		MarkPrice: 50000, UpdatedAt: updatedAt,
	})
	f.bybit.SetPositions(models.ExchangePosition{
		Symbol: "BTCUSDT", Side: models.SideShort, Quantity: 0.5,
		MarkPrice: 50010, UpdatedAt: updatedAt,
	})
}

func TestSpreadRuleLabelsOutsideCriticalWindow(t *testing.T) {
	a, f, _ := newAutoExitFixture(t)

	// Отрицательный спред: long на binance при binanceRate > bybitRate
	f.seedRates(t, 0.0002, -0.0001)
	hedgedPositions(f, time.Now())

	// До расчёта далеко: границы интервалов неизвестны (NextFundingTime = 0)
	if err := a.CheckCycle(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if n := len(reduceOnlyOrders(f.binance.PlacedOrders)) + len(reduceOnlyOrders(f.bybit.PlacedOrders)); n != 0 {
		t.Fatalf("вне критического окна закрытия быть не должно: %d ордеров", n)
	}

	entry := a.monitor.Get("BTCUSDT")
	if entry.State != StateMonitoring || entry.Reason != MonitorReasonNegativeSpread {
		t.Errorf("состояние %v/%q, ожидалось Monitoring/Negative Spread", entry.State, entry.Reason)
	}
}

func TestSpreadRuleClosesInsideCriticalWindow(t *testing.T) {
	a, f, _ := newAutoExitFixture(t)

	f.seedRates(t, 0.0002, -0.0001)
	hedgedPositions(f, time.Now())

	// Подменяем время так, чтобы до ближайшей 8h-границы оставалось 5 минут.
	// Интервал получаем валидным через метаданные инструментов.
	inst := btcInstrument()
	inst.FundingIntervalHours = 8
	f.binance.SetInstruments(inst)
	f.bybit.SetInstruments(inst)
	f.sync.ResolveIntervals(context.Background())

	frozen := time.Date(2025, 3, 10, 7, 55, 0, 0, time.UTC)
	f.reconciler.now = func() time.Time { return frozen }
	a.now = func() time.Time { return frozen }

	if err := a.CheckCycle(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if n := len(reduceOnlyOrders(f.binance.PlacedOrders)); n != 1 {
		t.Errorf("закрывающих ордеров binance %d, ожидался 1", n)
	}
	if n := len(reduceOnlyOrders(f.bybit.PlacedOrders)); n != 1 {
		t.Errorf("закрывающих ордеров bybit %d, ожидался 1", n)
	}
}

func TestSpreadRuleClearsLabelOnRecovery(t *testing.T) {
	a, f, _ := newAutoExitFixture(t)

	f.seedRates(t, 0.0002, -0.0001)
	hedgedPositions(f, time.Now())

	if err := a.CheckCycle(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if a.monitor.Get("BTCUSDT").State != StateMonitoring {
		t.Fatal("метка наблюдения не установлена")
	}

	// Спред восстановился: ставки поменялись местами
	f.seedRates(t, -0.0001, 0.0002)
	if err := a.CheckCycle(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if a.monitor.Get("BTCUSDT").State != StateNormal {
		t.Error("метка наблюдения должна сняться при восстановлении условия")
	}
}

func TestFlipRuleMonitorsOnNegativeSign(t *testing.T) {
	a, f, _ := newAutoExitFixture(t)

	f.seedRates(t, 0.0002, -0.0001)
	hedgedPositions(f, time.Now())

	if err := a.FlipCycle(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	entry := a.monitor.Get("BTCUSDT")
	if entry.State != StateMonitoring || entry.Reason != MonitorReasonFundingFlipped {
		t.Errorf("состояние %v/%q, ожидалось Monitoring/Funding Flipped", entry.State, entry.Reason)
	}
	if n := len(reduceOnlyOrders(f.binance.PlacedOrders)); n != 0 {
		t.Errorf("вне критического окна закрытия быть не должно: %d", n)
	}
}

func TestRulesSkipHedgeWhenRatesMissing(t *testing.T) {
	a, f, _ := newAutoExitFixture(t)

	// Кэш ставок пуст (холодный старт или дырка в тикере):
	// NetSpreadPct = 0 означает "нет данных", а не "спред неположительный"
	hedgedPositions(f, time.Now())

	inst := btcInstrument()
	inst.FundingIntervalHours = 8
	f.binance.SetInstruments(inst)
	f.bybit.SetInstruments(inst)
	f.sync.ResolveIntervals(context.Background())

	// Внутри критического окна: без защиты flip-правило закрыло бы хедж
	frozen := time.Date(2025, 3, 10, 7, 55, 0, 0, time.UTC)
	f.reconciler.now = func() time.Time { return frozen }
	a.now = func() time.Time { return frozen }

	if err := a.FlipCycle(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if err := a.CheckCycle(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if n := len(reduceOnlyOrders(f.binance.PlacedOrders)) + len(reduceOnlyOrders(f.bybit.PlacedOrders)); n != 0 {
		t.Fatalf("здоровый хедж закрыт без данных о ставках: %d ордеров", n)
	}
	if a.monitor.Get("BTCUSDT").State != StateNormal {
		t.Error("без данных о ставках метка наблюдения не ставится")
	}
}

func TestMonitorTableTransitions(t *testing.T) {
	m := NewMonitorTable()

	if !m.MarkMonitoring("BTCUSDT", MonitorReasonNegativeSpread) {
		t.Fatal("переход Normal -> Monitoring должен пройти")
	}
	if m.MarkMonitoring("BTCUSDT", MonitorReasonNegativeSpread) {
		t.Error("повторная установка той же причины не считается переходом")
	}
	if !m.TryMarkClosing("BTCUSDT", models.CloseReasonNegativeSpread) {
		t.Fatal("переход Monitoring -> Closing должен пройти")
	}
	if m.TryMarkClosing("BTCUSDT", models.CloseReasonNegativeSpread) {
		t.Error("повторное закрытие в одном обнаружении недопустимо")
	}
	if m.MarkMonitoring("BTCUSDT", MonitorReasonFundingFlipped) {
		t.Error("ClosingInProgress не понижается до Monitoring")
	}

	m.Clear("BTCUSDT")
	if m.Get("BTCUSDT").State != StateNormal {
		t.Error("после Clear состояние должно быть Normal")
	}
}
