package utils

import (
	"math"
	"testing"
)

func TestFloorToStep(t *testing.T) {
	tests := []struct {
		name string
		qty  float64
		step float64
		want float64
	}{
		{"кратный шагу объём не меняется", 0.5, 0.1, 0.5},
		{"округление вниз до шага", 0.57, 0.1, 0.5},
		{"float64-артефакт 0.3/0.1 не съедает шаг", 0.3, 0.1, 0.3},
		{"мелкий шаг лота", 123.4567, 0.001, 123.456},
		{"целочисленный шаг", 7.9, 1, 7},
		{"объём меньше шага", 0.05, 0.1, 0},
		{"нулевой шаг возвращает qty как есть", 0.57, 0, 0.57},
		{"отрицательный шаг возвращает qty как есть", 0.57, -1, 0.57},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FloorToStep(tt.qty, tt.step)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("FloorToStep(%v, %v) = %v, ожидалось %v", tt.qty, tt.step, got, tt.want)
			}
		})
	}
}

func TestStepString(t *testing.T) {
	tests := []struct {
		name string
		qty  float64
		step float64
		want string
	}{
		{"каноничная форма без хвостовых знаков", 0.5, 0.1, "0.5"},
		{"обрезка до точности шага", 0.123456, 0.001, "0.123"},
		{"целочисленный шаг", 7.9, 1, "7"},
		{"нулевой шаг - без обрезки", 0.25, 0, "0.25"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StepString(tt.qty, tt.step); got != tt.want {
				t.Errorf("StepString(%v, %v) = %q, ожидалось %q", tt.qty, tt.step, got, tt.want)
			}
		})
	}
}

func TestQtyDelta(t *testing.T) {
	if d := QtyDelta(0.3, 0.1); math.Abs(d-0.2) > 1e-12 {
		t.Errorf("QtyDelta(0.3, 0.1) = %v, ожидалось 0.2", d)
	}
	if d := QtyDelta(0.1, 0.3); math.Abs(d-0.2) > 1e-12 {
		t.Errorf("дельта должна быть абсолютной: %v", d)
	}
	if d := QtyDelta(1.5, 1.5); d != 0 {
		t.Errorf("равные объёмы дают нулевую дельту: %v", d)
	}
}

func TestFundingSpreadPct(t *testing.T) {
	tests := []struct {
		name      string
		longRate  float64
		shortRate float64
		want      float64
	}{
		// Лонг на отрицательной ставке получает фандинг,
		// шорт на положительной тоже получает: спред складывается.
		{"обе ноги зарабатывают", -0.0001, 0.0002, 0.03},
		{"шорт платит больше, чем получает лонг", 0.0003, 0.0001, -0.02},
		{"равные ставки - нулевой спред", 0.0001, 0.0001, 0},
		{"перевёрнутые ставки дают отрицательный спред", 0.0002, -0.0001, -0.03},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FundingSpreadPct(tt.longRate, tt.shortRate)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("FundingSpreadPct(%v, %v) = %v, ожидалось %v", tt.longRate, tt.shortRate, got, tt.want)
			}
		})
	}
}

func TestLegFundingFee(t *testing.T) {
	// Нотационал 1000 USDT, ставка +0.01%
	qty, price, rate := 0.02, 50000.0, 0.0001

	if fee := LegFundingFee(qty, price, rate, true); math.Abs(fee-(-0.1)) > 1e-9 {
		t.Errorf("лонг при положительной ставке платит: fee = %v, ожидалось -0.1", fee)
	}
	if fee := LegFundingFee(qty, price, rate, false); math.Abs(fee-0.1) > 1e-9 {
		t.Errorf("шорт при положительной ставке получает: fee = %v, ожидалось 0.1", fee)
	}
	if fee := LegFundingFee(qty, price, -rate, true); math.Abs(fee-0.1) > 1e-9 {
		t.Errorf("лонг при отрицательной ставке получает: fee = %v, ожидалось 0.1", fee)
	}
}
