package service

import "time"

// биржа работает по KST, даты в TR всегда локальные
var kst = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}()

// KST: текущее время биржи.
func KST(t time.Time) time.Time { return t.In(kst) }
