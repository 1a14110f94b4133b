package service

import (
	"sync/atomic"
	"time"
)

// State хранит флаги для проб. Пишут runner и сессия стрима.
type State struct {
	ready     atomic.Bool
	startedAt time.Time

	wsConnected  atomic.Bool
	lastTickUnix atomic.Int64 // unix seconds
	ticks        atomic.Int64
	reconnects   atomic.Int64
}

func NewState() *State {
	s := &State{startedAt: time.Now()}
	s.ready.Store(false)
	return s
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

// SetWSConnected считает переподключениями все переходы в true после первого.
func (s *State) SetWSConnected(v bool) {
	was := s.wsConnected.Swap(v)
	if v && !was && s.lastTickUnix.Load() != 0 {
		s.reconnects.Add(1)
	}
}
func (s *State) WSConnected() bool { return s.wsConnected.Load() }

func (s *State) TouchTick(t time.Time) {
	s.lastTickUnix.Store(t.Unix())
	s.ticks.Add(1)
}

func (s *State) LastTick() time.Time {
	u := s.lastTickUnix.Load()
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}

func (s *State) Ticks() int64      { return s.ticks.Load() }
func (s *State) Reconnects() int64 { return s.reconnects.Load() }

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
