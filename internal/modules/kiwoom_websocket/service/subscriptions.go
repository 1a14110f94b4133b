package service

import (
	"sort"
	"sync"
)

// subscriptions хранит желаемый набор кодов. Он переживает реконнекты
// и после каждого логина регистрируется заново целиком.
type subscriptions struct {
	mu      sync.Mutex
	desired map[string]struct{}
}

func newSubscriptions() *subscriptions {
	return &subscriptions{desired: make(map[string]struct{})}
}

// Add возвращает только новые коды.
func (s *subscriptions) Add(codes ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for _, c := range codes {
		if c == "" {
			continue
		}
		if _, ok := s.desired[c]; ok {
			continue
		}
		s.desired[c] = struct{}{}
		added = append(added, c)
	}
	return added
}

// Remove возвращает коды, которые действительно были подписаны.
func (s *subscriptions) Remove(codes ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for _, c := range codes {
		if _, ok := s.desired[c]; ok {
			delete(s.desired, c)
			removed = append(removed, c)
		}
	}
	return removed
}

func (s *subscriptions) Has(code string) bool {
	s.mu.Lock()
	_, ok := s.desired[code]
	s.mu.Unlock()
	return ok
}

// Desired отдаёт отсортированный снимок.
func (s *subscriptions) Desired() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.desired))
	for c := range s.desired {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}
