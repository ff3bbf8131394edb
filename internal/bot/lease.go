package bot

import "sync"

// SymbolLease - структурная гарантия "не больше одного конвейера исполнения
// на символ": захватывается перед executeArbitrage и closePosition,
// освобождается по завершении.
type SymbolLease struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewSymbolLease создает пустой набор аренд
func NewSymbolLease() *SymbolLease {
	return &SymbolLease{held: make(map[string]bool)}
}

// TryAcquire пытается захватить символ. false = конвейер уже работает.
func (l *SymbolLease) TryAcquire(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[symbol] {
		return false
	}
	l.held[symbol] = true
	return true
}

// Release освобождает символ
func (l *SymbolLease) Release(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, symbol)
}

// IsHeld проверяет, занят ли символ
func (l *SymbolLease) IsHeld(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[symbol]
}
