package utils

import (
	"github.com/shopspring/decimal"
)

// math.go - точная арифметика лотов и спредов
//
// Все операции с шагом лота выполняются через decimal:
// float64-деление вида 0.3/0.1 даёт 2.9999...,
// после Floor это потеряло бы целый шаг объёма.

// FloorToStep округляет qty ВНИЗ до кратного step.
//
// Округление вниз гарантирует, что ордер не превысит доступные средства
// и не будет отклонён биржей за нарушение шага лота.
// При step <= 0 возвращает qty без изменений.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	f, _ := q.Div(s).Floor().Mul(s).Float64()
	return f
}

// StepString форматирует qty с точностью шага лота для отправки на биржу.
//
// Биржи принимают объём строкой; лишние знаки после запятой приводят
// к отклонению ордера. FloorToStep + StepString дают каноничную форму.
func StepString(qty, step float64) string {
	if step <= 0 {
		return decimal.NewFromFloat(qty).String()
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(qty).Div(s).Floor().Mul(s).String()
}

// QtyDelta возвращает абсолютную разницу объёмов двух ног
func QtyDelta(a, b float64) float64 {
	d, _ := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Abs().Float64()
	return d
}

// FundingSpreadPct вычисляет чистый спред фандинга в процентах.
//
// Ориентация по лонгу: лонг ПЛАТИТ свою ставку, шорт ПОЛУЧАЕТ свою.
//
//	netSpread = (shortRate - longRate) × 100
//
// Положительный спред означает, что связка зарабатывает на каждом
// расчёте фандинга.
func FundingSpreadPct(longRate, shortRate float64) float64 {
	return (shortRate - longRate) * 100
}

// LegFundingFee оценивает платёж фандинга одной ноги за один расчёт.
//
// Положительное значение = нога получает, отрицательное = платит.
// Лонг платит при положительной ставке, шорт - зеркально.
func LegFundingFee(qty, markPrice, rate float64, isLong bool) float64 {
	notional := qty * markPrice
	if isLong {
		return -notional * rate
	}
	return notional * rate
}
