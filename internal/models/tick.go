package models

import "time"

// Tick: одно обновление рынка по коду из стрима.
type Tick struct {
	Code           string
	Price          float64
	PriceChangePct float64 // к закрытию прошлой сессии, %
	Volume         int64   // накопленный объём за день
	Notional       int64   // накопленный оборот за день
	At             time.Time
}

// Metrics: показатели первой стадии отбора.
type Metrics struct {
	SurgeRatio        float64 // рост объёма к опорному, %
	PriceChangePct    float64
	OneMinuteNotional float64
	CurrentVolume     int64
	ReferenceVolume   int64
}

// Candidate: код, прошедший первую стадию.
type Candidate struct {
	Code    string
	Price   float64
	Metrics Metrics
	At      time.Time
}

// DailyBar: дневная свеча, цены уже по модулю.
type DailyBar struct {
	Code   string
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}
