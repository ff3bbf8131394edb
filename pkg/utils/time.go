package utils

import (
	"time"
)

// time.go - арифметика интервалов фандинга
//
// Фандинг рассчитывается на фиксированных UTC-границах:
// интервал 8ч -> 00:00, 08:00, 16:00 UTC; 4ч -> каждые 4 часа от полуночи и т.д.

// Стандартные интервалы фандинга бессрочных контрактов
var StandardFundingIntervals = []int{1, 2, 4, 8}

// NextFundingTime возвращает ближайшую будущую границу расчёта фандинга
// для заданного интервала в часах.
//
// Границы выровнены по UTC-полуночи. При некорректном интервале
// используется 8 часов (наиболее распространённый).
func NextFundingTime(now time.Time, intervalHours int) time.Time {
	if intervalHours <= 0 || 24%intervalHours != 0 {
		intervalHours = 8
	}

	utc := now.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	interval := time.Duration(intervalHours) * time.Hour

	elapsed := utc.Sub(midnight)
	slots := elapsed / interval
	next := midnight.Add((slots + 1) * interval)
	return next
}

// TimeToNextFunding возвращает время до ближайшего расчёта фандинга
func TimeToNextFunding(now time.Time, intervalHours int) time.Duration {
	return NextFundingTime(now, intervalHours).Sub(now.UTC())
}

// DeduceIntervalHours определяет интервал фандинга по времени следующего
// расчёта, когда API биржи не отдаёт интервал явно.
//
// Разрыв now -> nextFunding ограничен сверху интервалом; берём минимальный
// стандартный интервал, в который разрыв помещается. Нулевой или
// отрицательный разрыв (расчёт прямо сейчас) не позволяет судить об
// интервале - возвращаем 0.
func DeduceIntervalHours(now, nextFunding time.Time) int {
	gap := nextFunding.Sub(now)
	if gap <= 0 {
		return 0
	}

	for _, h := range StandardFundingIntervals {
		if gap <= time.Duration(h)*time.Hour {
			return h
		}
	}
	return 8
}

// IsStandardInterval проверяет, что интервал входит в стандартный набор
func IsStandardInterval(hours int) bool {
	for _, h := range StandardFundingIntervals {
		if h == hours {
			return true
		}
	}
	return false
}
