// Package venuetest содержит фейковую биржу для тестов торгового ядра.
package venuetest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fundingarb/internal/models"
	"fundingarb/internal/venue"
)

// Fake - управляемая из теста реализация venue.Venue.
// Поля-функции подменяют отдельные операции; остальные работают
// от встроенного состояния.
type Fake struct {
	VenueName string

	mu           sync.Mutex
	balances     []venue.Balance
	positions    []models.ExchangePosition
	instruments  []venue.Instrument
	fundingTicks []venue.FundingTick
	orderbook    map[string]venue.OrderbookTop
	orders       map[string]*venue.OrderResult
	nextOrderID  int

	// Журнал размещённых ордеров для проверок
	PlacedOrders []PlacedOrder

	// Хуки переопределения поведения
	PlaceOrderFn       func(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*venue.OrderResult, error)
	GetPositionsFn     func(ctx context.Context, symbol string) ([]models.ExchangePosition, error)
	FetchBalanceFn     func(ctx context.Context) ([]venue.Balance, error)
	FundingRatesFn     func(ctx context.Context) ([]venue.FundingTick, error)
	GetOrderStatusFn   func(ctx context.Context, symbol, orderID string) (*venue.OrderResult, error)
	GetFundingIncomeFn func(ctx context.Context, symbol string, start, end time.Time) (float64, error)

	fundingHandlers []func(venue.FundingTick)
}

var _ venue.Venue = (*Fake)(nil)

// PlacedOrder - запись журнала размещений
type PlacedOrder struct {
	Symbol     string
	Side       string
	Qty        float64
	Price      float64
	ReduceOnly bool
	Market     bool
	PostOnly   bool
}

// NewFake создает фейковую биржу с именем
func NewFake(name string) *Fake {
	return &Fake{
		VenueName: name,
		orderbook: make(map[string]venue.OrderbookTop),
		orders:    make(map[string]*venue.OrderResult),
	}
}

func (f *Fake) Name() string { return f.VenueName }

// SetBalances устанавливает балансы аккаунта
func (f *Fake) SetBalances(balances ...venue.Balance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances = balances
}

// SetPositions устанавливает открытые позиции
func (f *Fake) SetPositions(positions ...models.ExchangePosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = positions
}

// SetInstruments устанавливает метаданные контрактов
func (f *Fake) SetInstruments(instruments ...venue.Instrument) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instruments = instruments
}

// SetFundingTicks устанавливает ответ REST-опроса ставок
func (f *Fake) SetFundingTicks(ticks ...venue.FundingTick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundingTicks = ticks
}

// SetOrderbookTop устанавливает вершину стакана символа
func (f *Fake) SetOrderbookTop(symbol string, bid, ask float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderbook[symbol] = venue.OrderbookTop{BestBid: bid, BestAsk: ask}
}

// PushFundingTick доставляет тик подписчикам WebSocket-потока
func (f *Fake) PushFundingTick(tick venue.FundingTick) {
	f.mu.Lock()
	handlers := f.fundingHandlers
	f.mu.Unlock()
	for _, h := range handlers {
		h(tick)
	}
}

func (f *Fake) FetchBalance(ctx context.Context) ([]venue.Balance, error) {
	if f.FetchBalanceFn != nil {
		return f.FetchBalanceFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]venue.Balance(nil), f.balances...), nil
}

func (f *Fake) GetMarkets(ctx context.Context) ([]venue.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	markets := make([]venue.Market, 0, len(f.instruments))
	for _, inst := range f.instruments {
		markets = append(markets, venue.Market{Symbol: inst.Symbol, Quote: "USDT", Status: "Trading"})
	}
	return markets, nil
}

func (f *Fake) SetLeverage(ctx context.Context, leverage int, symbol string) error {
	return nil
}

func (f *Fake) recordOrder(po PlacedOrder) *venue.OrderResult {
	f.nextOrderID++
	id := strconv.Itoa(f.nextOrderID)
	f.PlacedOrders = append(f.PlacedOrders, po)

	status := venue.OrderStatusFilled
	avg := po.Price
	if po.Market {
		top := f.orderbook[po.Symbol]
		if po.Side == venue.SideBuy {
			avg = top.BestAsk
		} else {
			avg = top.BestBid
		}
	} else {
		// Лимитный ордер висит, пока тест не решит иначе
		status = venue.OrderStatusOpen
	}

	result := &venue.OrderResult{OrderID: id, Status: status, AvgPrice: avg}
	if status == venue.OrderStatusFilled {
		result.FilledQty = po.Qty
	}
	f.orders[id] = result
	return result
}

// FillOrder помечает ордер исполненным на заданное количество
func (f *Fake) FillOrder(orderID string, qty, avgPrice float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.Status = venue.OrderStatusFilled
		o.FilledQty = qty
		o.AvgPrice = avgPrice
	}
}

func (f *Fake) PlaceOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*venue.OrderResult, error) {
	if f.PlaceOrderFn != nil {
		return f.PlaceOrderFn(ctx, symbol, side, qty, reduceOnly)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	result := f.recordOrder(PlacedOrder{Symbol: symbol, Side: side, Qty: qty, ReduceOnly: reduceOnly, Market: true})
	return result, nil
}

func (f *Fake) PlaceLimitOrder(ctx context.Context, symbol, side string, qty, price float64, reduceOnly bool) (*venue.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := f.recordOrder(PlacedOrder{Symbol: symbol, Side: side, Qty: qty, Price: price, ReduceOnly: reduceOnly})
	return result, nil
}

func (f *Fake) PlaceLimitOrderPostOnly(ctx context.Context, symbol, side string, qty, price float64, reduceOnly bool) (*venue.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := f.recordOrder(PlacedOrder{Symbol: symbol, Side: side, Qty: qty, Price: price, ReduceOnly: reduceOnly, PostOnly: true})
	return result, nil
}

func (f *Fake) GetOrderStatus(ctx context.Context, symbol, orderID string) (*venue.OrderResult, error) {
	if f.GetOrderStatusFn != nil {
		return f.GetOrderStatusFn(ctx, symbol, orderID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, fmt.Errorf("%s: order %s not found", f.VenueName, orderID)
}

func (f *Fake) CancelOrderByID(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok && o.Status == venue.OrderStatusOpen {
		o.Status = venue.OrderStatusCanceled
	}
	return nil
}

func (f *Fake) GetOrderbookTop(ctx context.Context, symbol string) (*venue.OrderbookTop, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	top, ok := f.orderbook[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: no orderbook for %s", f.VenueName, symbol)
	}
	return &top, nil
}

func (f *Fake) GetPositions(ctx context.Context, symbol string) ([]models.ExchangePosition, error) {
	if f.GetPositionsFn != nil {
		return f.GetPositionsFn(ctx, symbol)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ExchangePosition, 0, len(f.positions))
	for _, p := range f.positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *Fake) GetFundingIncome(ctx context.Context, symbol string, start, end time.Time) (float64, error) {
	if f.GetFundingIncomeFn != nil {
		return f.GetFundingIncomeFn(ctx, symbol, start, end)
	}
	return 0, nil
}

func (f *Fake) FundingRates(ctx context.Context) ([]venue.FundingTick, error) {
	if f.FundingRatesFn != nil {
		return f.FundingRatesFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]venue.FundingTick(nil), f.fundingTicks...), nil
}

func (f *Fake) Instruments(ctx context.Context) ([]venue.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]venue.Instrument(nil), f.instruments...), nil
}

func (f *Fake) SubscribeFunding(handler func(venue.FundingTick)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundingHandlers = append(f.fundingHandlers, handler)
	return nil
}

func (f *Fake) Close() error { return nil }
