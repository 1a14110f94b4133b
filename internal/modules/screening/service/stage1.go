package service

import (
	"sync"
	"time"

	"surge_bot/internal/models"
	"surge_bot/internal/modules/config"
)

// Thresholds: пороги первой стадии.
type Thresholds struct {
	SurgeRatioMin  float64 // %, включительно
	PriceChangeMin float64 // %, строго больше
	NotionalFloor  float64 // включительно
}

func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		SurgeRatioMin:  cfg.Screening.SurgeRatioMin,
		PriceChangeMin: cfg.Screening.PriceChangeMin,
		NotionalFloor:  cfg.Screening.NotionalFloor,
	}
}

// ComputeMetrics считает показатели по текущему и опорному накопленному объёму.
// Без опорного объёма рост не определён.
func ComputeMetrics(current, reference int64, price, changePct float64) (models.Metrics, bool) {
	if reference <= 0 {
		return models.Metrics{}, false
	}
	delta := current - reference
	return models.Metrics{
		SurgeRatio:        float64(delta) / float64(reference) * 100,
		PriceChangePct:    changePct,
		OneMinuteNotional: float64(delta) * price,
		CurrentVolume:     current,
		ReferenceVolume:   reference,
	}, true
}

// Passes не зависит ни от чего, кроме аргументов.
func Passes(m models.Metrics, th Thresholds) bool {
	return m.SurgeRatio >= th.SurgeRatioMin &&
		m.PriceChangePct > th.PriceChangeMin &&
		m.OneMinuteNotional >= th.NotionalFloor
}

type sample struct {
	at     time.Time
	volume int64
}

// VolumeTracker хранит по коду выборки накопленного объёма и отдаёт
// Опорный объём берётся из самого свежего замера старше окна.
type VolumeTracker struct {
	window time.Duration

	mu      sync.Mutex
	samples map[string][]sample
}

func NewVolumeTracker(window time.Duration) *VolumeTracker {
	if window <= 0 {
		window = time.Minute
	}
	return &VolumeTracker{window: window, samples: make(map[string][]sample)}
}

// Observe добавляет тик и возвращает метрики, если опорная точка уже есть.
func (v *VolumeTracker) Observe(t models.Tick) (models.Metrics, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ss := v.samples[t.Code]
	// накопленный объём обнулился, значит новый день
	if n := len(ss); n > 0 && t.Volume < ss[n-1].volume {
		ss = ss[:0]
	}
	ss = append(ss, sample{at: t.At, volume: t.Volume})

	cutoff := t.At.Add(-v.window)
	ref := -1
	for i := range ss {
		if ss[i].at.After(cutoff) {
			break
		}
		ref = i
	}
	if ref > 0 {
		ss = append(ss[:0], ss[ref:]...)
		ref = 0
	}
	v.samples[t.Code] = ss

	if ref < 0 {
		return models.Metrics{}, false
	}
	return ComputeMetrics(t.Volume, ss[0].volume, t.Price, t.PriceChangePct)
}

// Forget вызывается, когда код снят с наблюдения.
func (v *VolumeTracker) Forget(code string) {
	v.mu.Lock()
	delete(v.samples, code)
	v.mu.Unlock()
}
