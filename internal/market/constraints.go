// Package market хранит торговые ограничения инструментов:
// шаги лота, тики цены и временный blacklist проблемных символов.
package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fundingarb/internal/venue"
	"fundingarb/pkg/utils"
)

const (
	// BlacklistTTL - на сколько символ исключается из торговли
	// после структурной ошибки исполнения
	BlacklistTTL = 24 * time.Hour

	// MinOrderNotional - минимальный номинал ордера в USDT
	MinOrderNotional = 6.0
)

// Коды отказов, указывающие на устаревшие метаданные инструмента
// или структурный конфликт исполнения на символе
var blacklistCodes = map[string]bool{
	"-1111":  true, // binance: precision over maximum
	"-4164":  true, // binance: notional below minimum
	"110007": true, // bybit: qty вне границ лота
	"110017": true, // bybit: reduce-only rule violated
}

// Паттерны сообщений reduce-only конфликтов
var blacklistPatterns = []string{
	"reduce-only",
	"reduceonly",
	"reduce only",
}

// Constraints - кэш метаданных инструментов обеих бирж плюс blacklist.
// Кэш наполняется при старте и обновляется вместе с 5-минутной сверкой
// интервалов фандинга.
type Constraints struct {
	venues []venue.Venue
	log    *utils.Logger

	mu          sync.RWMutex
	instruments map[string]map[string]venue.Instrument // venue -> symbol -> instrument
	blacklist   map[string]time.Time                   // symbol -> истечение блокировки

	now func() time.Time // подменяется в тестах
}

// NewConstraints создает пустой кэш ограничений
func NewConstraints(venues []venue.Venue, log *utils.Logger) *Constraints {
	return &Constraints{
		venues:      venues,
		log:         log.WithComponent("constraints"),
		instruments: make(map[string]map[string]venue.Instrument),
		blacklist:   make(map[string]time.Time),
		now:         time.Now,
	}
}

// Refresh перезагружает метаданные инструментов со всех бирж.
// Отказ одной биржи не трогает её предыдущий снимок.
func (c *Constraints) Refresh(ctx context.Context) error {
	var firstErr error
	for _, v := range c.venues {
		instruments, err := v.Instruments(ctx)
		if err != nil {
			c.log.Warn("instrument refresh failed",
				utils.Venue(v.Name()), utils.Err(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("%s instruments: %w", v.Name(), err)
			}
			continue
		}

		bySymbol := make(map[string]venue.Instrument, len(instruments))
		for _, inst := range instruments {
			bySymbol[inst.Symbol] = inst
		}

		c.mu.Lock()
		c.instruments[v.Name()] = bySymbol
		c.mu.Unlock()

		c.log.Debug("instruments refreshed",
			utils.Venue(v.Name()), utils.Int("count", len(instruments)))
	}
	return firstErr
}

// SetInstruments напрямую устанавливает снимок инструментов биржи
func (c *Constraints) SetInstruments(venueName string, instruments []venue.Instrument) {
	bySymbol := make(map[string]venue.Instrument, len(instruments))
	for _, inst := range instruments {
		bySymbol[inst.Symbol] = inst
	}

	c.mu.Lock()
	c.instruments[venueName] = bySymbol
	c.mu.Unlock()
}

// GetInstrument возвращает метаданные символа на бирже
func (c *Constraints) GetInstrument(venueName, symbol string) (venue.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bySymbol, ok := c.instruments[venueName]
	if !ok {
		return venue.Instrument{}, false
	}
	inst, ok := bySymbol[symbol]
	return inst, ok
}

// Instruments возвращает снимок всех инструментов биржи
func (c *Constraints) Instruments(venueName string) []venue.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]venue.Instrument, 0, len(c.instruments[venueName]))
	for _, inst := range c.instruments[venueName] {
		out = append(out, inst)
	}
	return out
}

// CalculateSafeQty вычисляет количество под номинал с учётом шага лота.
// Возвращает каноничную строку количества для биржи.
// Ошибка, если количество после округления вниз нулевое или ниже минимума.
func (c *Constraints) CalculateSafeQty(venueName, symbol string, notional, price float64) (string, error) {
	if price <= 0 {
		return "", venue.ErrInvalidPrice
	}

	inst, ok := c.GetInstrument(venueName, symbol)
	if !ok {
		return "", fmt.Errorf("%s: unknown instrument %s", venueName, symbol)
	}

	qty := utils.FloorToStep(notional/price, inst.QtyStep)
	if qty <= 0 || qty < inst.MinQty {
		return "", fmt.Errorf("%w: %s %s qty %.10f below min %.10f",
			venue.ErrInvalidQuantity, venueName, symbol, qty, inst.MinQty)
	}
	if inst.MaxQty > 0 && qty > inst.MaxQty {
		qty = utils.FloorToStep(inst.MaxQty, inst.QtyStep)
	}
	if qty*price < MinOrderNotional {
		return "", fmt.Errorf("%w: %s %s notional %.4f below %.1f USDT",
			venue.ErrInvalidQuantity, venueName, symbol, qty*price, MinOrderNotional)
	}

	return utils.StepString(qty, inst.QtyStep), nil
}

// FloorQty округляет количество вниз к шагу лота символа
func (c *Constraints) FloorQty(venueName, symbol string, qty float64) float64 {
	inst, ok := c.GetInstrument(venueName, symbol)
	if !ok {
		return qty
	}
	return utils.FloorToStep(qty, inst.QtyStep)
}

// IsBlacklisted проверяет, заблокирован ли символ
func (c *Constraints) IsBlacklisted(symbol string) bool {
	c.mu.RLock()
	expiry, ok := c.blacklist[symbol]
	c.mu.RUnlock()

	if !ok {
		return false
	}
	if c.now().After(expiry) {
		c.mu.Lock()
		delete(c.blacklist, symbol)
		c.mu.Unlock()
		return false
	}
	return true
}

// ReportOrderFailure оценивает ошибку исполнения: структурные отказы
// (устаревший шаг лота, reduce-only конфликт) блокируют символ на 24 часа
func (c *Constraints) ReportOrderFailure(symbol string, err error) {
	if err == nil || !shouldBlacklist(err) {
		return
	}

	expiry := c.now().Add(BlacklistTTL)
	c.mu.Lock()
	c.blacklist[symbol] = expiry
	c.mu.Unlock()

	c.log.Warn("symbol blacklisted",
		utils.Symbol(symbol),
		utils.Err(err),
		utils.String("until", expiry.Format(time.RFC3339)))
}

// BlacklistedSymbols возвращает активные блокировки
func (c *Constraints) BlacklistedSymbols() map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	out := make(map[string]time.Time)
	for symbol, expiry := range c.blacklist {
		if now.Before(expiry) {
			out[symbol] = expiry
		}
	}
	return out
}

func shouldBlacklist(err error) bool {
	var ve *venue.VenueError
	if errors.As(err, &ve) {
		if blacklistCodes[ve.Code] {
			return true
		}
		msg := strings.ToLower(ve.Message)
		for _, pattern := range blacklistPatterns {
			if strings.Contains(msg, pattern) {
				return true
			}
		}
	}
	return false
}
