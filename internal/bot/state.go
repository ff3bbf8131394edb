package bot

import (
	"sync"
	"time"
)

// Состояния наблюдения за hedge-группой. Явный tagged variant вместо
// пересчитываемых каждый тик булевых флагов: метка наблюдения и решение
// о закрытии не могут разойтись.
type MonitorState int

const (
	StateNormal MonitorState = iota
	StateMonitoring
	StateClosing
)

func (s MonitorState) String() string {
	switch s {
	case StateMonitoring:
		return "monitoring"
	case StateClosing:
		return "closing_in_progress"
	default:
		return "normal"
	}
}

// Причины наблюдения
const (
	MonitorReasonNegativeSpread = "Negative Spread"
	MonitorReasonFundingFlipped = "Funding Flipped"
)

// MonitorEntry - состояние одного символа
type MonitorEntry struct {
	State  MonitorState `json:"state"`
	Reason string       `json:"reason,omitempty"`
	Since  time.Time    `json:"since"`
}

// MonitorTable хранит состояния наблюдения всех символов.
// Принадлежит контроллеру auto-exit, без глобальных синглтонов.
type MonitorTable struct {
	mu      sync.Mutex
	entries map[string]MonitorEntry
	now     func() time.Time
}

// NewMonitorTable создает пустую таблицу
func NewMonitorTable() *MonitorTable {
	return &MonitorTable{
		entries: make(map[string]MonitorEntry),
		now:     time.Now,
	}
}

// Get возвращает состояние символа (Normal, если записи нет)
func (t *MonitorTable) Get(symbol string) MonitorEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[symbol]
}

// MarkMonitoring переводит символ в наблюдение. Переход разрешён только
// из Normal или из Monitoring с другой причиной; ClosingInProgress
// не понижается.
func (t *MonitorTable) MarkMonitoring(symbol, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.entries[symbol]
	if entry.State == StateClosing {
		return false
	}
	if entry.State == StateMonitoring && entry.Reason == reason {
		return false
	}
	t.entries[symbol] = MonitorEntry{State: StateMonitoring, Reason: reason, Since: t.now()}
	return true
}

// TryMarkClosing переводит символ в закрытие. false = закрытие уже идёт,
// повторная попытка в этом же цикле не допускается.
func (t *MonitorTable) TryMarkClosing(symbol, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.entries[symbol]
	if entry.State == StateClosing {
		return false
	}
	t.entries[symbol] = MonitorEntry{State: StateClosing, Reason: reason, Since: t.now()}
	return true
}

// Clear сбрасывает состояние: условие восстановилось или позиция закрыта
func (t *MonitorTable) Clear(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, symbol)
}

// ClearMonitoring снимает только метку наблюдения, не трогая закрытие
func (t *MonitorTable) ClearMonitoring(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[symbol]; ok && entry.State == StateMonitoring {
		delete(t.entries, symbol)
	}
}

// Snapshot возвращает копию таблицы для API
func (t *MonitorTable) Snapshot() map[string]MonitorEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]MonitorEntry, len(t.entries))
	for symbol, entry := range t.entries {
		out[symbol] = entry
	}
	return out
}
