package venue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"fundingarb/internal/models"
	"fundingarb/pkg/utils"
)

// Binance реализует интерфейс Venue для Binance USDM futures
// поверх официального REST/WS клиента
type Binance struct {
	client *futures.Client
	log    *utils.Logger

	fundingHandlers []func(FundingTick)
	handlersMu      sync.RWMutex

	wsStop    chan struct{}
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewBinance создает клиент Binance USDM futures
func NewBinance(apiKey, secretKey string, log *utils.Logger) *Binance {
	client := futures.NewClient(apiKey, secretKey)
	client.HTTPClient = SharedHTTPClient()

	return &Binance{
		client:    client,
		log:       log.WithVenue(models.VenueBinance),
		closeChan: make(chan struct{}),
	}
}

func (b *Binance) Name() string {
	return models.VenueBinance
}

// wrapErr приводит ошибки go-binance к общей таксономии:
// APIError биржи -> VenueError, сетевые -> ErrUnreachable
func (b *Binance) wrapErr(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &VenueError{
			Venue:    models.VenueBinance,
			Code:     strconv.FormatInt(apiErr.Code, 10),
			Message:  apiErr.Message,
			Original: binanceOriginalErr(apiErr.Code),
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: binance: %v", ErrUnreachable, err)
}

func binanceOriginalErr(code int64) error {
	switch code {
	case -1111, -1013, -4003, -4164: // precision / lot size / min notional
		return ErrInvalidQuantity
	case -4014, -4016: // tick size / price bounds
		return ErrInvalidPrice
	}
	return nil
}

func (b *Binance) FetchBalance(ctx context.Context) ([]Balance, error) {
	res, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, b.wrapErr(err)
	}

	balances := make([]Balance, 0, len(res))
	for _, bal := range res {
		total, _ := strconv.ParseFloat(bal.Balance, 64)
		available, _ := strconv.ParseFloat(bal.AvailableBalance, 64)
		if total == 0 && available == 0 {
			continue
		}
		balances = append(balances, Balance{
			Asset:     bal.Asset,
			Available: available,
			Locked:    total - available,
			Total:     total,
		})
	}
	return balances, nil
}

func (b *Binance) GetMarkets(ctx context.Context) ([]Market, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, b.wrapErr(err)
	}

	markets := make([]Market, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.QuoteAsset != "USDT" || s.ContractType != "PERPETUAL" {
			continue
		}
		markets = append(markets, Market{
			Symbol: s.Symbol,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Status: s.Status,
		})
	}
	return markets, nil
}

// Instruments собирает метаданные из exchangeInfo и premiumIndex.
// Binance не отдает интервал фандинга напрямую: FundingIntervalHours
// остаётся нулевым, интервал выводится по NextFundingTime.
func (b *Binance) Instruments(ctx context.Context) ([]Instrument, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, b.wrapErr(err)
	}

	premiums, err := b.client.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, b.wrapErr(err)
	}
	nextFunding := make(map[string]time.Time, len(premiums))
	for _, p := range premiums {
		nextFunding[p.Symbol] = time.UnixMilli(p.NextFundingTime).UTC()
	}

	instruments := make([]Instrument, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.QuoteAsset != "USDT" || s.ContractType != "PERPETUAL" || s.Status != "TRADING" {
			continue
		}

		inst := Instrument{
			Symbol:          s.Symbol,
			NextFundingTime: nextFunding[s.Symbol],
		}
		if lot := s.LotSizeFilter(); lot != nil {
			inst.MinQty, _ = strconv.ParseFloat(lot.MinQuantity, 64)
			inst.MaxQty, _ = strconv.ParseFloat(lot.MaxQuantity, 64)
			inst.QtyStep, _ = strconv.ParseFloat(lot.StepSize, 64)
		}
		if pf := s.PriceFilter(); pf != nil {
			inst.TickSize, _ = strconv.ParseFloat(pf.TickSize, 64)
		}
		instruments = append(instruments, inst)
	}
	return instruments, nil
}

func (b *Binance) SetLeverage(ctx context.Context, leverage int, symbol string) error {
	_, err := b.client.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	return b.wrapErr(err)
}

func (b *Binance) PlaceOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*OrderResult, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(qty, 'f', -1, 64)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, b.wrapErr(err)
	}
	return binanceOrderResult(resp.OrderID, string(resp.Status), resp.ExecutedQuantity, resp.AvgPrice), nil
}

func (b *Binance) PlaceLimitOrder(ctx context.Context, symbol, side string, qty, price float64, reduceOnly bool) (*OrderResult, error) {
	return b.placeLimit(ctx, symbol, side, qty, price, reduceOnly, futures.TimeInForceTypeGTC)
}

func (b *Binance) PlaceLimitOrderPostOnly(ctx context.Context, symbol, side string, qty, price float64, reduceOnly bool) (*OrderResult, error) {
	// GTX = post-only, биржа отклоняет ордер при пересечении спреда
	return b.placeLimit(ctx, symbol, side, qty, price, reduceOnly, futures.TimeInForceTypeGTX)
}

func (b *Binance) placeLimit(ctx context.Context, symbol, side string, qty, price float64, reduceOnly bool, tif futures.TimeInForceType) (*OrderResult, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(tif).
		Quantity(strconv.FormatFloat(qty, 'f', -1, 64)).
		Price(strconv.FormatFloat(price, 'f', -1, 64))
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, b.wrapErr(err)
	}
	return binanceOrderResult(resp.OrderID, string(resp.Status), resp.ExecutedQuantity, resp.AvgPrice), nil
}

func (b *Binance) GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("binance: bad order id %q: %w", orderID, err)
	}

	order, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return nil, b.wrapErr(err)
	}
	return binanceOrderResult(order.OrderID, string(order.Status), order.ExecutedQuantity, order.AvgPrice), nil
}

func (b *Binance) CancelOrderByID(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance: bad order id %q: %w", orderID, err)
	}

	_, err = b.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	return b.wrapErr(err)
}

func (b *Binance) GetOrderbookTop(ctx context.Context, symbol string) (*OrderbookTop, error) {
	tickers, err := b.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, b.wrapErr(err)
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("binance: no book ticker for %s", symbol)
	}

	t := tickers[0]
	bid, _ := strconv.ParseFloat(t.BidPrice, 64)
	ask, _ := strconv.ParseFloat(t.AskPrice, 64)
	return &OrderbookTop{BestBid: bid, BestAsk: ask}, nil
}

func (b *Binance) GetPositions(ctx context.Context, symbol string) ([]models.ExchangePosition, error) {
	svc := b.client.NewGetPositionRiskV3Service()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}

	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, b.wrapErr(err)
	}

	now := time.Now().UTC()
	positions := make([]models.ExchangePosition, 0)
	for _, p := range risks {
		if pos, ok := binancePosition(p, now); ok {
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

// binancePosition конвертирует positionRisk в позицию общей модели.
// updateTime биржи обязан попасть в UpdatedAt: по возрасту этого поля
// сверка отличает застрявшую одиночную ногу от только что открытой.
// Нулевой updateTime замещается временем запроса.
func binancePosition(p *futures.PositionRiskV3, now time.Time) (models.ExchangePosition, bool) {
	amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
	if amt == 0 {
		return models.ExchangePosition{}, false
	}

	// Знак positionAmt кодирует сторону в one-way режиме
	side := models.SideLong
	qty := amt
	if amt < 0 {
		side = models.SideShort
		qty = -amt
	}

	entryPrice, _ := strconv.ParseFloat(p.EntryPrice, 64)
	markPrice, _ := strconv.ParseFloat(p.MarkPrice, 64)
	liqPrice, _ := strconv.ParseFloat(p.LiquidationPrice, 64)
	isolatedMargin, _ := strconv.ParseFloat(p.IsolatedMargin, 64)
	unrealized, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)

	updated := now
	if p.UpdateTime > 0 {
		updated = time.UnixMilli(p.UpdateTime).UTC()
	}

	return models.ExchangePosition{
		Symbol:           p.Symbol,
		Side:             side,
		Quantity:         qty,
		EntryPrice:       entryPrice,
		MarkPrice:        markPrice,
		LiquidationPrice: liqPrice,
		Collateral:       isolatedMargin,
		UnrealizedPnl:    unrealized,
		UpdatedAt:        updated,
	}, true
}

func (b *Binance) GetFundingIncome(ctx context.Context, symbol string, start, end time.Time) (float64, error) {
	svc := b.client.NewGetIncomeHistoryService().
		IncomeType("FUNDING_FEE").
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli()).
		Limit(1000)
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}

	incomes, err := svc.Do(ctx)
	if err != nil {
		return 0, b.wrapErr(err)
	}

	var total float64
	for _, inc := range incomes {
		v, _ := strconv.ParseFloat(inc.Income, 64)
		total += v
	}
	return total, nil
}

func (b *Binance) FundingRates(ctx context.Context) ([]FundingTick, error) {
	premiums, err := b.client.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, b.wrapErr(err)
	}

	now := time.Now().UTC()
	ticks := make([]FundingTick, 0, len(premiums))
	for _, p := range premiums {
		if !strings.HasSuffix(p.Symbol, "USDT") {
			continue
		}
		rate, _ := strconv.ParseFloat(p.LastFundingRate, 64)
		markPrice, _ := strconv.ParseFloat(p.MarkPrice, 64)
		ticks = append(ticks, FundingTick{
			Symbol:          p.Symbol,
			FundingRate:     rate,
			MarkPrice:       markPrice,
			NextFundingTime: time.UnixMilli(p.NextFundingTime).UTC(),
			At:              now,
		})
	}
	return ticks, nil
}

// SubscribeFunding подписывается на поток !markPrice@arr (все символы,
// ставка фандинга и марк-цена). При обрыве поток пересоздаётся.
func (b *Binance) SubscribeFunding(handler func(FundingTick)) error {
	b.handlersMu.Lock()
	b.fundingHandlers = append(b.fundingHandlers, handler)
	alreadyServing := b.wsStop != nil
	b.handlersMu.Unlock()

	if alreadyServing {
		return nil
	}

	doneC, stopC, err := futures.WsAllMarkPriceServe(b.handleMarkPriceEvent, b.handleWsError)
	if err != nil {
		return fmt.Errorf("%w: binance mark price stream: %v", ErrUnreachable, err)
	}

	b.handlersMu.Lock()
	b.wsStop = stopC
	b.handlersMu.Unlock()

	go b.keepStreamAlive(doneC)
	return nil
}

// keepStreamAlive пересоздаёт поток после разрыва до закрытия клиента
func (b *Binance) keepStreamAlive(doneC chan struct{}) {
	for {
		select {
		case <-b.closeChan:
			return
		case <-doneC:
		}

		select {
		case <-b.closeChan:
			return
		case <-time.After(2 * time.Second):
		}

		newDone, newStop, err := futures.WsAllMarkPriceServe(b.handleMarkPriceEvent, b.handleWsError)
		if err != nil {
			b.log.Warn("mark price stream reconnect failed", utils.Err(err))
			doneC = closedChan()
			continue
		}

		b.handlersMu.Lock()
		b.wsStop = newStop
		b.handlersMu.Unlock()
		b.log.Info("mark price stream reconnected")
		doneC = newDone
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (b *Binance) handleMarkPriceEvent(event futures.WsAllMarkPriceEvent) {
	b.handlersMu.RLock()
	handlers := b.fundingHandlers
	b.handlersMu.RUnlock()

	now := time.Now().UTC()
	for _, e := range event {
		if !strings.HasSuffix(e.Symbol, "USDT") {
			continue
		}
		rate, _ := strconv.ParseFloat(e.FundingRate, 64)
		markPrice, _ := strconv.ParseFloat(e.MarkPrice, 64)
		tick := FundingTick{
			Symbol:          e.Symbol,
			FundingRate:     rate,
			MarkPrice:       markPrice,
			NextFundingTime: time.UnixMilli(e.NextFundingTime).UTC(),
			At:              now,
		}
		for _, h := range handlers {
			h(tick)
		}
	}
}

func (b *Binance) handleWsError(err error) {
	b.log.Warn("mark price stream error", utils.Err(err))
}

func (b *Binance) Close() error {
	b.closeOnce.Do(func() { close(b.closeChan) })

	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	if b.wsStop != nil {
		close(b.wsStop)
		b.wsStop = nil
	}
	return nil
}

func binanceOrderResult(orderID int64, status, executedQty, avgPrice string) *OrderResult {
	filled, _ := strconv.ParseFloat(executedQty, 64)
	avg, _ := strconv.ParseFloat(avgPrice, 64)

	return &OrderResult{
		OrderID:   strconv.FormatInt(orderID, 10),
		Status:    binanceOrderStatus(status),
		FilledQty: filled,
		AvgPrice:  avg,
	}
}

// binanceOrderStatus приводит статус ордера к унифицированному
func binanceOrderStatus(status string) string {
	switch status {
	case "FILLED":
		return OrderStatusFilled
	case "PARTIALLY_FILLED":
		return OrderStatusPartiallyFilled
	case "NEW":
		return OrderStatusOpen
	case "CANCELED":
		return OrderStatusCanceled
	case "REJECTED":
		return OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return OrderStatusExpired
	}
	return status
}
