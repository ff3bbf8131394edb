package models

import "time"

// Notification - уведомление о событии торговли
type Notification struct {
	ID        int                    `json:"id" db:"id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Severity  string                 `json:"severity" db:"severity"` // info, warn, error, critical
	Title     string                 `json:"title" db:"title"`
	Message   string                 `json:"message" db:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"` // JSON в БД
}

// Уровни важности
const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityError    = "error"
	SeverityCritical = "critical" // panic-close не прошёл: возможна голая нога
)
