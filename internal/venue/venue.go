package venue

import (
	"context"
	"errors"
	"time"

	"fundingarb/internal/models"
)

// Venue определяет унифицированный интерфейс деривативной биржи.
// Реализуется один раз на площадку (binance, bybit); всё торговое ядро
// работает только через этот интерфейс.
type Venue interface {
	// Name возвращает имя биржи
	Name() string

	// FetchBalance получает балансы фьючерсного аккаунта
	FetchBalance(ctx context.Context) ([]Balance, error)

	// GetMarkets получает список торгуемых контрактов
	GetMarkets(ctx context.Context) ([]Market, error)

	// SetLeverage устанавливает плечо для символа
	SetLeverage(ctx context.Context, leverage int, symbol string) error

	// PlaceOrder размещает рыночный ордер
	PlaceOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*OrderResult, error)

	// PlaceLimitOrder размещает лимитный ордер
	PlaceLimitOrder(ctx context.Context, symbol, side string, qty, price float64, reduceOnly bool) (*OrderResult, error)

	// PlaceLimitOrderPostOnly размещает лимитный ордер maker-only
	PlaceLimitOrderPostOnly(ctx context.Context, symbol, side string, qty, price float64, reduceOnly bool) (*OrderResult, error)

	// GetOrderStatus возвращает статус ордера
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderResult, error)

	// CancelOrderByID отменяет ордер
	CancelOrderByID(ctx context.Context, symbol, orderID string) error

	// GetOrderbookTop возвращает лучшие bid/ask
	GetOrderbookTop(ctx context.Context, symbol string) (*OrderbookTop, error)

	// GetPositions возвращает открытые позиции.
	// Пустой symbol = все позиции аккаунта.
	GetPositions(ctx context.Context, symbol string) ([]models.ExchangePosition, error)

	// GetFundingIncome возвращает суммарный фандинг, полученный по символу
	// за период (отрицательное значение = заплачено)
	GetFundingIncome(ctx context.Context, symbol string, start, end time.Time) (float64, error)

	// FundingRates возвращает текущие ставки фандинга и марк-цены всех символов
	FundingRates(ctx context.Context) ([]FundingTick, error)

	// Instruments возвращает метаданные контрактов (шаг лота, тик цены,
	// интервал фандинга)
	Instruments(ctx context.Context) ([]Instrument, error)

	// SubscribeFunding подписывается на поток марк-цен и ставок фандинга.
	// Best-effort: обрыв потока не фатален, REST-опрос остаётся источником истины.
	SubscribeFunding(handler func(FundingTick)) error

	// Close закрывает соединения с биржей
	Close() error
}

// Balance - баланс одного актива фьючерсного аккаунта
type Balance struct {
	Asset     string  `json:"asset"`
	Available float64 `json:"available"`
	Locked    float64 `json:"locked"`
	Total     float64 `json:"total"`
}

// Market - торгуемый контракт
type Market struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
	Status string `json:"status"`
}

// OrderResult - результат размещения или опроса ордера
type OrderResult struct {
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"`
	FilledQty float64 `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
}

// OrderbookTop - вершина стакана
type OrderbookTop struct {
	BestBid float64 `json:"best_bid"`
	BestAsk float64 `json:"best_ask"`
}

// Instrument - метаданные контракта
type Instrument struct {
	Symbol               string    `json:"symbol"`
	MinQty               float64   `json:"min_qty"`
	MaxQty               float64   `json:"max_qty"`
	QtyStep              float64   `json:"qty_step"`
	TickSize             float64   `json:"tick_size"`
	FundingIntervalHours int       `json:"funding_interval_hours"` // 0 = биржа не отдаёт
	NextFundingTime      time.Time `json:"next_funding_time"`
}

// FundingTick - событие обновления ставки фандинга и марк-цены
type FundingTick struct {
	Symbol          string    `json:"symbol"`
	FundingRate     float64   `json:"funding_rate"`
	MarkPrice       float64   `json:"mark_price"`
	NextFundingTime time.Time `json:"next_funding_time"`
	At              time.Time `json:"at"`
}

// Стороны ордеров
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Статусы ордеров
const (
	OrderStatusFilled          = "FILLED"
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)

// Локальные ошибки валидации и сети
var (
	ErrUnreachable     = errors.New("venue unreachable")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidPrice    = errors.New("invalid price")
)

// VenueError - ошибка, возвращённая биржей (код + сообщение)
type VenueError struct {
	Venue    string
	Code     string
	Message  string
	Original error
}

func (e *VenueError) Error() string {
	return e.Venue + ": " + e.Message + " (code " + e.Code + ")"
}

// Unwrap возвращает исходную ошибку для errors.Is/errors.As
func (e *VenueError) Unwrap() error {
	return e.Original
}

// CounterSide возвращает противоположную сторону ордера
func CounterSide(side string) string {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}

// CloseSideFor возвращает сторону ордера, закрывающего позицию
func CloseSideFor(positionSide string) string {
	if positionSide == models.SideLong {
		return SideSell
	}
	return SideBuy
}

// OpenSideFor возвращает сторону ордера, открывающего позицию
func OpenSideFor(positionSide string) string {
	if positionSide == models.SideLong {
		return SideBuy
	}
	return SideSell
}
