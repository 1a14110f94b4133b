package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"surge_bot/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type fakeOrders struct {
	mu       sync.Mutex
	buyErrs  []error
	sellErrs []error
	buys     atomic.Int32
	sells    atomic.Int32
	fill     float64
	delay    time.Duration
	entered  chan struct{} // сигнал, что Buy вызван
	gate     chan struct{} // Buy ждёт, пока канал не закроют
}

func (f *fakeOrders) Buy(_ context.Context, code string, qty int64, hint float64) (models.OrderAck, error) {
	n := int(f.buys.Add(1)) - 1
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < len(f.buyErrs) && f.buyErrs[n] != nil {
		return models.OrderAck{}, f.buyErrs[n]
	}
	price := f.fill
	if price == 0 {
		price = hint
	}
	return models.OrderAck{OrderNo: "B1", Code: code, Side: models.SideBuy, Qty: qty, Price: price}, nil
}

func (f *fakeOrders) Sell(_ context.Context, code string, qty int64) (models.OrderAck, error) {
	n := int(f.sells.Add(1)) - 1
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < len(f.sellErrs) && f.sellErrs[n] != nil {
		return models.OrderAck{}, f.sellErrs[n]
	}
	return models.OrderAck{OrderNo: "S1", Code: code, Side: models.SideSell, Qty: qty}, nil
}

type fakeHoldings struct {
	list   []models.Holding
	err    error
	onCall func()
}

func (f *fakeHoldings) Holdings(context.Context) ([]models.Holding, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.list, f.err
}

// memStore держит журнал в памяти и умеет отказывать.
type memStore struct {
	mu   sync.Mutex
	snap models.Snapshot
	fail atomic.Bool
	// PutBought с этим статусом падает
	failStatus models.BoughtStatus
}

func newMemStore() *memStore { return &memStore{snap: models.NewSnapshot()} }

var errDisk = errors.Wrap(models.ErrPersistence, "disk full")

func (s *memStore) Snapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

func (s *memStore) PutBought(_ context.Context, rec models.BoughtRecord) error {
	if s.fail.Load() {
		return errDisk
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStatus != "" && rec.Status == s.failStatus {
		return errDisk
	}
	s.snap.Bought[rec.Code] = rec
	return nil
}

func (s *memStore) DeleteBought(_ context.Context, code string) error {
	if s.fail.Load() {
		return errDisk
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snap.Bought, code)
	return nil
}

func (s *memStore) SavePosition(_ context.Context, pos models.Position) error {
	if s.fail.Load() {
		return errDisk
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Positions[pos.Code] = pos
	return nil
}

func (s *memStore) ArchivePosition(_ context.Context, pos models.Position) error {
	if s.fail.Load() {
		return errDisk
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snap.Positions, pos.Code)
	s.snap.Closed = append(s.snap.Closed, pos)
	return nil
}

type recNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recNotifier) Notify(_ context.Context, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *recNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

func testOptions() Options {
	return Options{
		TakeProfit:     decimal.RequireFromString("0.06"),
		StopLoss:       decimal.RequireFromString("-0.03"),
		Cooldown:       30 * time.Minute,
		BuyRetries:     3,
		Qty:            1,
		MaxOpen:        5,
		SellRetryDelay: 30 * time.Second,
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func candidate(code string, price float64) models.Candidate {
	return models.Candidate{
		Code:    code,
		Price:   price,
		Metrics: models.Metrics{SurgeRatio: 15, PriceChangePct: 2, OneMinuteNotional: 60_000_000},
		At:      time.Now(),
	}
}
