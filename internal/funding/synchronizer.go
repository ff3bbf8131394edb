// Package funding отслеживает ставки фандинга и интервалы расчётов
// по всем символам обеих бирж.
package funding

import (
	"context"
	"sort"
	"sync"
	"time"

	"fundingarb/internal/market"
	"fundingarb/internal/models"
	"fundingarb/internal/venue"
	"fundingarb/pkg/utils"
)

// SynchronizerConfig - периоды опроса синхронизатора
type SynchronizerConfig struct {
	PollInterval     time.Duration // REST-опрос ставок
	ResolveInterval  time.Duration // сверка интервалов фандинга
	StaleRateMaxAge  time.Duration // ставка старше - не участвует в скринере
	EnableWebsockets bool
}

// DefaultSynchronizerConfig - параметры продакшена
func DefaultSynchronizerConfig() SynchronizerConfig {
	return SynchronizerConfig{
		PollInterval:     60 * time.Second,
		ResolveInterval:  5 * time.Minute,
		StaleRateMaxAge:  5 * time.Minute,
		EnableWebsockets: true,
	}
}

// Synchronizer хранит последнюю ставку фандинга и марк-цену каждого символа
// на каждой бирже (REST-опрос раз в 60 секунд + best-effort WebSocket,
// перезапись last-write-wins) и разрешённый интервал фандинга,
// пересчитываемый раз в 5 минут.
type Synchronizer struct {
	venues      []venue.Venue
	constraints *market.Constraints
	config      SynchronizerConfig
	log         *utils.Logger

	mu        sync.RWMutex
	rates     map[string]map[string]models.FundingRateEntry // symbol -> venue -> entry
	intervals map[string]models.SymbolIntervalStatus

	now func() time.Time
}

// NewSynchronizer создает синхронизатор. Состояние принадлежит экземпляру,
// глобальных кэшей нет.
func NewSynchronizer(venues []venue.Venue, constraints *market.Constraints, cfg SynchronizerConfig, log *utils.Logger) *Synchronizer {
	return &Synchronizer{
		venues:      venues,
		constraints: constraints,
		config:      cfg,
		log:         log.WithComponent("funding"),
		rates:       make(map[string]map[string]models.FundingRateEntry),
		intervals:   make(map[string]models.SymbolIntervalStatus),
		now:         time.Now,
	}
}

// Start запускает циклы опроса и подписывается на WebSocket-потоки.
// Блокируется до отмены контекста.
func (s *Synchronizer) Start(ctx context.Context) {
	if s.config.EnableWebsockets {
		for _, v := range s.venues {
			name := v.Name()
			if err := v.SubscribeFunding(func(tick venue.FundingTick) {
				s.applyTick(name, tick)
			}); err != nil {
				// Поток best-effort: REST-опрос остаётся источником истины
				s.log.Warn("funding stream subscription failed",
					utils.Venue(name), utils.Err(err))
			}
		}
	}

	// Первый снимок до запуска тикеров
	s.PollOnce(ctx)
	s.ResolveIntervals(ctx)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.config.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.PollOnce(ctx)
			}
		}
	}()

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.config.ResolveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ResolveIntervals(ctx)
			}
		}
	}()

	wg.Wait()
}

// PollOnce опрашивает ставки обеих бирж параллельно.
// Отказ одной биржи не трогает её предыдущий снимок и не мешает другой.
func (s *Synchronizer) PollOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, v := range s.venues {
		wg.Add(1)
		go func(v venue.Venue) {
			defer wg.Done()

			ticks, err := v.FundingRates(ctx)
			if err != nil {
				s.log.Warn("funding poll failed", utils.Venue(v.Name()), utils.Err(err))
				return
			}
			for _, tick := range ticks {
				s.applyTick(v.Name(), tick)
			}
		}(v)
	}
	wg.Wait()
}

// applyTick перезаписывает ставку символа значением свежего тика
func (s *Synchronizer) applyTick(venueName string, tick venue.FundingTick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byVenue, ok := s.rates[tick.Symbol]
	if !ok {
		byVenue = make(map[string]models.FundingRateEntry, 2)
		s.rates[tick.Symbol] = byVenue
	}
	byVenue[venueName] = models.FundingRateEntry{
		FundingRate:     tick.FundingRate,
		MarkPrice:       tick.MarkPrice,
		NextFundingTime: tick.NextFundingTime,
		UpdatedAt:       tick.At,
	}
}

// ResolveIntervals пересчитывает интервалы фандинга из метаданных
// инструментов. Если биржа не отдаёт интервал, он выводится из разрыва
// до следующего расчёта, сведённого к стандартной сетке 1/2/4/8 часов.
func (s *Synchronizer) ResolveIntervals(ctx context.Context) {
	if err := s.constraints.Refresh(ctx); err != nil {
		s.log.Warn("interval resolution degraded", utils.Err(err))
	}

	now := s.now()
	perVenue := make(map[string]map[string]int, len(s.venues)) // venue -> symbol -> hours
	for _, v := range s.venues {
		bySymbol := make(map[string]int)
		for _, inst := range s.constraints.Instruments(v.Name()) {
			hours := inst.FundingIntervalHours
			if hours == 0 && !inst.NextFundingTime.IsZero() {
				hours = utils.DeduceIntervalHours(now, inst.NextFundingTime)
			}
			if hours == 0 {
				if entry, ok := s.rateEntry(inst.Symbol, v.Name()); ok && !entry.NextFundingTime.IsZero() {
					hours = utils.DeduceIntervalHours(now, entry.NextFundingTime)
				}
			}
			bySymbol[inst.Symbol] = hours
		}
		perVenue[v.Name()] = bySymbol
	}

	binanceHours := perVenue[models.VenueBinance]
	bybitHours := perVenue[models.VenueBybit]

	symbols := make(map[string]bool, len(binanceHours)+len(bybitHours))
	for sym := range binanceHours {
		symbols[sym] = true
	}
	for sym := range bybitHours {
		symbols[sym] = true
	}

	resolved := make(map[string]models.SymbolIntervalStatus, len(symbols))
	for sym := range symbols {
		bnb, onBinance := binanceHours[sym]
		byb, onBybit := bybitHours[sym]

		status := models.IntervalStatusMissing
		if onBinance && onBybit {
			if bnb == byb && utils.IsStandardInterval(bnb) {
				status = models.IntervalStatusValid
			} else {
				status = models.IntervalStatusInvalid
			}
		}
		resolved[sym] = models.SymbolIntervalStatus{
			Symbol:               sym,
			BinanceIntervalHours: bnb,
			BybitIntervalHours:   byb,
			Status:               status,
		}
	}

	s.mu.Lock()
	s.intervals = resolved
	s.mu.Unlock()

	s.log.Debug("funding intervals resolved", utils.Int("symbols", len(resolved)))
}

func (s *Synchronizer) rateEntry(symbol, venueName string) (models.FundingRateEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.rates[symbol][venueName]
	return entry, ok
}

// LatestFundingRates возвращает копию кэша ставок
func (s *Synchronizer) LatestFundingRates() map[string]models.SymbolRates {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.SymbolRates, len(s.rates))
	for sym, byVenue := range s.rates {
		cp := make(map[string]models.FundingRateEntry, len(byVenue))
		for venueName, entry := range byVenue {
			cp[venueName] = entry
		}
		out[sym] = models.SymbolRates{Symbol: sym, ByVenue: cp}
	}
	return out
}

// SymbolRates возвращает ставки одного символа
func (s *Synchronizer) SymbolRates(symbol string) (models.SymbolRates, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byVenue, ok := s.rates[symbol]
	if !ok {
		return models.SymbolRates{}, false
	}
	cp := make(map[string]models.FundingRateEntry, len(byVenue))
	for venueName, entry := range byVenue {
		cp[venueName] = entry
	}
	return models.SymbolRates{Symbol: symbol, ByVenue: cp}, true
}

// IntervalsSnapshot возвращает копию результата последней сверки интервалов
func (s *Synchronizer) IntervalsSnapshot() map[string]models.SymbolIntervalStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.SymbolIntervalStatus, len(s.intervals))
	for sym, st := range s.intervals {
		out[sym] = st
	}
	return out
}

// ValidArbitrageSymbols возвращает символы со статусом valid
func (s *Synchronizer) ValidArbitrageSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0)
	for sym, st := range s.intervals {
		if st.Status == models.IntervalStatusValid {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// IntervalHours возвращает разрешённый интервал символа (0 = неизвестен
// или невалиден)
func (s *Synchronizer) IntervalHours(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.intervals[symbol]
	if !ok || st.Status != models.IntervalStatusValid {
		return 0
	}
	return st.BinanceIntervalHours
}

// ScreenerCandidates собирает кандидатов на арбитраж: валидный интервал,
// свежие ставки по обеим биржам, ориентация long на бирже с меньшей ставкой.
// Отсортировано по net spread по убыванию.
func (s *Synchronizer) ScreenerCandidates() []models.ScreenerCandidate {
	now := s.now()
	intervals := s.IntervalsSnapshot()

	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]models.ScreenerCandidate, 0)
	for sym, st := range intervals {
		if st.Status != models.IntervalStatusValid {
			continue
		}

		byVenue := s.rates[sym]
		bnb, okB := byVenue[models.VenueBinance]
		byb, okY := byVenue[models.VenueBybit]
		if !okB || !okY {
			continue
		}
		if now.Sub(bnb.UpdatedAt) > s.config.StaleRateMaxAge || now.Sub(byb.UpdatedAt) > s.config.StaleRateMaxAge {
			continue
		}

		// Long на бирже с меньшей ставкой: long платит положительный фандинг
		longVenue, shortVenue := models.VenueBinance, models.VenueBybit
		longRate, shortRate := bnb.FundingRate, byb.FundingRate
		markPrice := bnb.MarkPrice
		if byb.FundingRate < bnb.FundingRate {
			longVenue, shortVenue = models.VenueBybit, models.VenueBinance
			longRate, shortRate = byb.FundingRate, bnb.FundingRate
			markPrice = byb.MarkPrice
		}

		candidates = append(candidates, models.ScreenerCandidate{
			Symbol:        sym,
			IntervalHours: st.BinanceIntervalHours,
			LongVenue:     longVenue,
			ShortVenue:    shortVenue,
			LongRate:      longRate,
			ShortRate:     shortRate,
			NetSpreadPct:  utils.FundingSpreadPct(longRate, shortRate),
			MarkPrice:     markPrice,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].NetSpreadPct > candidates[j].NetSpreadPct
	})
	return candidates
}
