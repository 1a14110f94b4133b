package service

import (
	"math"
	"sort"

	"surge_bot/internal/models"

	"github.com/pkg/errors"
)

// Score хранит результат второй стадии с разбивкой по условиям.
type Score struct {
	Total       int
	Aligned     bool // live > MA5 > MA20 > MA60
	MA20Rising  bool // MA20 выше, чем 5 сессий назад
	RatioRising bool // |MA5/MA20| выше, чем сессией раньше

	MA5, MA20, MA60 float64
}

const (
	pointsAligned     = 3
	pointsMA20Rising  = 2
	pointsRatioRising = 2
	ma20Lookback      = 5
)

// ScoreBars считает балл по дневным свечам и живой цене.
// Свечи с неположительным закрытием считаются неполными и отбрасываются.
func ScoreBars(bars []models.DailyBar, live float64, minBars int) (Score, error) {
	closes := usableCloses(bars)
	if len(closes) < minBars || len(closes) < 60 {
		return Score{}, errors.Wrapf(models.ErrInsufficientData, "have %d usable bars, need %d", len(closes), minBars)
	}

	last := len(closes) - 1
	s := Score{
		MA5:  mean(closes, last, 5),
		MA20: mean(closes, last, 20),
		MA60: mean(closes, last, 60),
	}

	if live > s.MA5 && s.MA5 > s.MA20 && s.MA20 > s.MA60 {
		s.Aligned = true
		s.Total += pointsAligned
	}

	if s.MA20 > mean(closes, last-ma20Lookback, 20) {
		s.MA20Rising = true
		s.Total += pointsMA20Rising
	}

	prevMA20 := mean(closes, last-1, 20)
	if s.MA20 != 0 && prevMA20 != 0 {
		now := math.Abs(s.MA5 / s.MA20)
		prev := math.Abs(mean(closes, last-1, 5) / prevMA20)
		if now > prev {
			s.RatioRising = true
			s.Total += pointsRatioRising
		}
	}

	return s, nil
}

func usableCloses(bars []models.DailyBar) []float64 {
	sorted := append([]models.DailyBar(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	closes := make([]float64, 0, len(sorted))
	for _, b := range sorted {
		c := math.Abs(b.Close)
		if c <= 0 {
			continue
		}
		closes = append(closes, c)
	}
	return closes
}

// mean считает простую среднюю длины n, заканчивающуюся на end.
func mean(xs []float64, end, n int) float64 {
	start := end - n + 1
	if start < 0 || end >= len(xs) {
		return math.NaN()
	}
	var sum float64
	for _, x := range xs[start : end+1] {
		sum += x
	}
	return sum / float64(n)
}
