package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"fundingarb/internal/models"
	"fundingarb/pkg/retry"
	"fundingarb/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	bybitBaseURL    = "https://api.bybit.com"
	bybitWSPublic   = "wss://stream.bybit.com/v5/public/linear"
	bybitRecvWindow = "5000"
)

// Bybit реализует интерфейс Venue для Bybit v5 (linear perpetual, USDT)
type Bybit struct {
	apiKey    string
	secretKey string

	httpClient *http.Client
	limiter    *rate.Limiter
	log        *utils.Logger

	// сетевые сбои GET-запросов ретраятся; POST (ордера) - никогда
	readRetry retry.Config

	stream *StreamConn

	fundingHandlers []func(FundingTick)
	handlersMu      sync.RWMutex
}

// NewBybit создает клиент Bybit. Общий HTTP клиент с connection pooling,
// лимитер ~10 req/s под публичные лимиты v5.
func NewBybit(apiKey, secretKey string, log *utils.Logger) *Bybit {
	readRetry := retry.DefaultConfig()
	readRetry.RetryIf = func(err error) bool {
		return errors.Is(err, ErrUnreachable)
	}

	return &Bybit{
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: SharedHTTPClient(),
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		log:        log.WithVenue(models.VenueBybit),
		readRetry:  readRetry,
	}
}

func (b *Bybit) Name() string {
	return models.VenueBybit
}

// sign создает подпись запроса к Bybit API v5:
// HMAC-SHA256(timestamp + apiKey + recvWindow + payload)
func (b *Bybit) sign(timestamp, payload string) string {
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(timestamp + b.apiKey + bybitRecvWindow + payload))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к Bybit API и проверяет retCode.
// Идемпотентные GET-запросы ретраятся при сетевых сбоях; POST отправляется
// ровно один раз - повтор ордера после таймаута может задвоить позицию.
func (b *Bybit) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if method != http.MethodGet {
		return b.doOnce(ctx, method, endpoint, params, signed)
	}
	return retry.DoWithResult(ctx, func() ([]byte, error) {
		return b.doOnce(ctx, method, endpoint, params, signed)
	}, b.readRetry)
}

func (b *Bybit) doOnce(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reqBody, reqURL string
	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		reqBody = query.Encode()
		reqURL = bybitBaseURL + endpoint
		if reqBody != "" {
			reqURL += "?" + reqBody
		}
	} else {
		reqURL = bybitBaseURL + endpoint
		if len(params) > 0 {
			jsonBytes, _ := json.Marshal(params)
			reqBody = string(jsonBytes)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-SIGN", b.sign(timestamp, reqBody))
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: bybit %s: %v", ErrUnreachable, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: bybit %s: %v", ErrUnreachable, endpoint, err)
	}

	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, err
	}
	if baseResp.RetCode != 0 {
		return nil, &VenueError{
			Venue:    models.VenueBybit,
			Code:     strconv.Itoa(baseResp.RetCode),
			Message:  baseResp.RetMsg,
			Original: bybitOriginalErr(baseResp.RetCode),
		}
	}

	return body, nil
}

// bybitOriginalErr сводит коды отказа биржи к локальным ошибкам валидации
func bybitOriginalErr(retCode int) error {
	switch retCode {
	case 110003, 110094: // цена вне допустимых границ
		return ErrInvalidPrice
	case 110007, 110017, 110020: // количество вне границ лота / reduce-only
		return ErrInvalidQuantity
	}
	return nil
}

func (b *Bybit) FetchBalance(ctx context.Context) ([]Balance, error) {
	params := map[string]string{"accountType": "UNIFIED"}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin                string `json:"coin"`
					WalletBalance       string `json:"walletBalance"`
					AvailableToWithdraw string `json:"availableToWithdraw"`
					Locked              string `json:"locked"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	balances := make([]Balance, 0)
	if len(resp.Result.List) > 0 {
		for _, c := range resp.Result.List[0].Coin {
			total := parseF(c.WalletBalance)
			available := parseF(c.AvailableToWithdraw)
			if available == 0 {
				available = total - parseF(c.Locked)
			}
			balances = append(balances, Balance{
				Asset:     c.Coin,
				Available: available,
				Locked:    parseF(c.Locked),
				Total:     total,
			})
		}
	}
	return balances, nil
}

func (b *Bybit) GetMarkets(ctx context.Context) ([]Market, error) {
	instruments, err := b.Instruments(ctx)
	if err != nil {
		return nil, err
	}

	markets := make([]Market, 0, len(instruments))
	for _, inst := range instruments {
		markets = append(markets, Market{
			Symbol: inst.Symbol,
			Base:   strings.TrimSuffix(inst.Symbol, "USDT"),
			Quote:  "USDT",
			Status: "Trading",
		})
	}
	return markets, nil
}

func (b *Bybit) Instruments(ctx context.Context) ([]Instrument, error) {
	params := map[string]string{
		"category": "linear",
		"limit":    "1000",
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol          string `json:"symbol"`
				Status          string `json:"status"`
				QuoteCoin       string `json:"quoteCoin"`
				FundingInterval int    `json:"fundingInterval"` // минуты
				LotSizeFilter   struct {
					MinOrderQty string `json:"minOrderQty"`
					MaxOrderQty string `json:"maxOrderQty"`
					QtyStep     string `json:"qtyStep"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	instruments := make([]Instrument, 0, len(resp.Result.List))
	for _, inst := range resp.Result.List {
		if inst.Status != "Trading" || inst.QuoteCoin != "USDT" {
			continue
		}
		instruments = append(instruments, Instrument{
			Symbol:               inst.Symbol,
			MinQty:               parseF(inst.LotSizeFilter.MinOrderQty),
			MaxQty:               parseF(inst.LotSizeFilter.MaxOrderQty),
			QtyStep:              parseF(inst.LotSizeFilter.QtyStep),
			TickSize:             parseF(inst.PriceFilter.TickSize),
			FundingIntervalHours: inst.FundingInterval / 60,
		})
	}
	return instruments, nil
}

func (b *Bybit) SetLeverage(ctx context.Context, leverage int, symbol string) error {
	lev := strconv.Itoa(leverage)
	params := map[string]string{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}

	_, err := b.doRequest(ctx, http.MethodPost, "/v5/position/set-leverage", params, true)
	if err != nil {
		// 110043 = плечо уже установлено
		var ve *VenueError
		if errors.As(err, &ve) && ve.Code == "110043" {
			return nil
		}
		return err
	}
	return nil
}

// placeOrder - общая часть размещения ордеров
func (b *Bybit) placeOrder(ctx context.Context, params map[string]string) (*OrderResult, error) {
	body, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			OrderId string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	// Сразу опрашиваем исполнение: рыночный ордер IOC исполняется синхронно
	status, err := b.GetOrderStatus(ctx, params["symbol"], resp.Result.OrderId)
	if err != nil {
		b.log.Warn("order placed but status poll failed",
			utils.OrderID(resp.Result.OrderId), utils.Err(err))
		return &OrderResult{OrderID: resp.Result.OrderId, Status: OrderStatusOpen}, nil
	}
	return status, nil
}

func (b *Bybit) PlaceOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*OrderResult, error) {
	params := map[string]string{
		"category":    "linear",
		"symbol":      symbol,
		"side":        bybitSide(side),
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(qty, 'f', -1, 64),
		"timeInForce": "IOC",
	}
	if reduceOnly {
		params["reduceOnly"] = "true"
	}
	return b.placeOrder(ctx, params)
}

func (b *Bybit) PlaceLimitOrder(ctx context.Context, symbol, side string, qty, price float64, reduceOnly bool) (*OrderResult, error) {
	return b.placeLimit(ctx, symbol, side, qty, price, reduceOnly, "GTC")
}

func (b *Bybit) PlaceLimitOrderPostOnly(ctx context.Context, symbol, side string, qty, price float64, reduceOnly bool) (*OrderResult, error) {
	return b.placeLimit(ctx, symbol, side, qty, price, reduceOnly, "PostOnly")
}

func (b *Bybit) placeLimit(ctx context.Context, symbol, side string, qty, price float64, reduceOnly bool, tif string) (*OrderResult, error) {
	params := map[string]string{
		"category":    "linear",
		"symbol":      symbol,
		"side":        bybitSide(side),
		"orderType":   "Limit",
		"qty":         strconv.FormatFloat(qty, 'f', -1, 64),
		"price":       strconv.FormatFloat(price, 'f', -1, 64),
		"timeInForce": tif,
	}
	if reduceOnly {
		params["reduceOnly"] = "true"
	}
	return b.placeOrder(ctx, params)
}

func (b *Bybit) GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				OrderId     string `json:"orderId"`
				OrderStatus string `json:"orderStatus"`
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("bybit: order %s not found", orderID)
	}

	o := resp.Result.List[0]
	return &OrderResult{
		OrderID:   o.OrderId,
		Status:    bybitOrderStatus(o.OrderStatus),
		FilledQty: parseF(o.CumExecQty),
		AvgPrice:  parseF(o.AvgPrice),
	}, nil
}

func (b *Bybit) CancelOrderByID(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel", params, true)
	return err
}

func (b *Bybit) GetOrderbookTop(ctx context.Context, symbol string) (*OrderbookTop, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"limit":    "1",
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/orderbook", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			Bids [][]string `json:"b"`
			Asks [][]string `json:"a"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result.Bids) == 0 || len(resp.Result.Asks) == 0 {
		return nil, fmt.Errorf("bybit: empty orderbook for %s", symbol)
	}

	return &OrderbookTop{
		BestBid: parseF(resp.Result.Bids[0][0]),
		BestAsk: parseF(resp.Result.Asks[0][0]),
	}, nil
}

func (b *Bybit) GetPositions(ctx context.Context, symbol string) ([]models.ExchangePosition, error) {
	params := map[string]string{"category": "linear"}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/position/list", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				Side          string `json:"side"`
				Size          string `json:"size"`
				AvgPrice      string `json:"avgPrice"`
				MarkPrice     string `json:"markPrice"`
				LiqPrice      string `json:"liqPrice"`
				PositionIM    string `json:"positionIM"`
				UnrealisedPnl string `json:"unrealisedPnl"`
				UpdatedTime   string `json:"updatedTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	positions := make([]models.ExchangePosition, 0)
	for _, p := range resp.Result.List {
		size := parseF(p.Size)
		if size == 0 {
			continue
		}

		side := models.SideLong
		if p.Side == "Sell" {
			side = models.SideShort
		}
		updatedMs, _ := strconv.ParseInt(p.UpdatedTime, 10, 64)

		positions = append(positions, models.ExchangePosition{
			Symbol:           p.Symbol,
			Side:             side,
			Quantity:         size,
			EntryPrice:       parseF(p.AvgPrice),
			MarkPrice:        parseF(p.MarkPrice),
			LiquidationPrice: parseF(p.LiqPrice),
			Collateral:       parseF(p.PositionIM),
			UnrealizedPnl:    parseF(p.UnrealisedPnl),
			UpdatedAt:        time.UnixMilli(updatedMs),
		})
	}
	return positions, nil
}

func (b *Bybit) GetFundingIncome(ctx context.Context, symbol string, start, end time.Time) (float64, error) {
	params := map[string]string{
		"accountType": "UNIFIED",
		"category":    "linear",
		"type":        "SETTLEMENT",
		"startTime":   strconv.FormatInt(start.UnixMilli(), 10),
		"endTime":     strconv.FormatInt(end.UnixMilli(), 10),
		"limit":       "50",
	}
	if symbol != "" {
		params["symbol"] = symbol
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/transaction-log", params, true)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol  string `json:"symbol"`
				Funding string `json:"funding"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}

	// Bybit отдает funding со знаком "заплачено": инвертируем в "получено"
	var total float64
	for _, entry := range resp.Result.List {
		total -= parseF(entry.Funding)
	}
	return total, nil
}

func (b *Bybit) FundingRates(ctx context.Context) ([]FundingTick, error) {
	params := map[string]string{"category": "linear"}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol          string `json:"symbol"`
				FundingRate     string `json:"fundingRate"`
				MarkPrice       string `json:"markPrice"`
				NextFundingTime string `json:"nextFundingTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ticks := make([]FundingTick, 0, len(resp.Result.List))
	for _, t := range resp.Result.List {
		if t.FundingRate == "" {
			continue
		}
		nextMs, _ := strconv.ParseInt(t.NextFundingTime, 10, 64)
		ticks = append(ticks, FundingTick{
			Symbol:          t.Symbol,
			FundingRate:     parseF(t.FundingRate),
			MarkPrice:       parseF(t.MarkPrice),
			NextFundingTime: time.UnixMilli(nextMs).UTC(),
			At:              now,
		})
	}
	return ticks, nil
}

// SubscribeFunding подключает публичный WebSocket и подписывается на тикеры
// всех linear контрактов. Сообщения tickers.* несут fundingRate, markPrice
// и nextFundingTime.
func (b *Bybit) SubscribeFunding(handler func(FundingTick)) error {
	b.handlersMu.Lock()
	b.fundingHandlers = append(b.fundingHandlers, handler)
	alreadyConnected := b.stream != nil
	b.handlersMu.Unlock()

	if alreadyConnected {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	instruments, err := b.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("bybit: list instruments for subscription: %w", err)
	}

	stream := NewStreamConn("bybit-public", bybitWSPublic, DefaultStreamConfig(), b.log)
	stream.SetOnMessage(b.handleStreamMessage)

	if err := stream.Connect(); err != nil {
		return err
	}

	// Bybit принимает не больше 10 топиков в одном сообщении подписки
	const batchSize = 10
	args := make([]string, 0, batchSize)
	for _, inst := range instruments {
		args = append(args, "tickers."+inst.Symbol)
		if len(args) == batchSize {
			if err := stream.Subscribe(map[string]interface{}{"op": "subscribe", "args": args}); err != nil {
				stream.Close()
				return err
			}
			args = make([]string, 0, batchSize)
		}
	}
	if len(args) > 0 {
		if err := stream.Subscribe(map[string]interface{}{"op": "subscribe", "args": args}); err != nil {
			stream.Close()
			return err
		}
	}

	b.handlersMu.Lock()
	b.stream = stream
	b.handlersMu.Unlock()
	return nil
}

// handleStreamMessage обрабатывает одно сообщение публичного WebSocket.
// Delta-обновления без поля fundingRate пропускаются: REST-опрос
// остаётся источником истины до следующего полного апдейта.
func (b *Bybit) handleStreamMessage(message []byte) {
	var msg struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol          string `json:"symbol"`
			FundingRate     string `json:"fundingRate"`
			MarkPrice       string `json:"markPrice"`
			NextFundingTime string `json:"nextFundingTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") || msg.Data.FundingRate == "" {
		return
	}

	nextMs, _ := strconv.ParseInt(msg.Data.NextFundingTime, 10, 64)
	tick := FundingTick{
		Symbol:          msg.Data.Symbol,
		FundingRate:     parseF(msg.Data.FundingRate),
		MarkPrice:       parseF(msg.Data.MarkPrice),
		NextFundingTime: time.UnixMilli(nextMs).UTC(),
		At:              time.Now().UTC(),
	}

	b.handlersMu.RLock()
	handlers := b.fundingHandlers
	b.handlersMu.RUnlock()
	for _, h := range handlers {
		h(tick)
	}
}

func (b *Bybit) Close() error {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	if b.stream != nil {
		err := b.stream.Close()
		b.stream = nil
		return err
	}
	return nil
}

// bybitSide конвертирует сторону в формат Bybit
func bybitSide(side string) string {
	if side == SideSell {
		return "Sell"
	}
	return "Buy"
}

// bybitOrderStatus приводит статус ордера v5 к унифицированному
func bybitOrderStatus(status string) string {
	switch status {
	case "Filled":
		return OrderStatusFilled
	case "PartiallyFilled":
		return OrderStatusPartiallyFilled
	case "New", "Untriggered":
		return OrderStatusOpen
	case "Cancelled", "PartiallyFilledCanceled":
		return OrderStatusCanceled
	case "Rejected":
		return OrderStatusRejected
	case "Deactivated":
		return OrderStatusExpired
	}
	return status
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
