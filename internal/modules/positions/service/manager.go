package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"surge_bot/internal/models"
	"surge_bot/internal/modules/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const reasonRestored = "restored, awaiting reconcile"

// Orders отправляет заявки брокеру.
type Orders interface {
	Buy(ctx context.Context, code string, qty int64, priceHint float64) (models.OrderAck, error)
	Sell(ctx context.Context, code string, qty int64) (models.OrderAck, error)
}

// Holdings отдаёт остатки у брокера, источник правды при сверке.
type Holdings interface {
	Holdings(ctx context.Context) ([]models.Holding, error)
}

// Store это журнал состояния. Каждый переход сначала пишется сюда.
type Store interface {
	Snapshot() models.Snapshot
	PutBought(ctx context.Context, rec models.BoughtRecord) error
	DeleteBought(ctx context.Context, code string) error
	SavePosition(ctx context.Context, pos models.Position) error
	ArchivePosition(ctx context.Context, pos models.Position) error
}

// Notifier доставляет сообщения оператору.
type Notifier interface {
	Notify(ctx context.Context, msg string)
}

type Options struct {
	TakeProfit     decimal.Decimal // доля, 0.06
	StopLoss       decimal.Decimal // доля, -0.03
	Cooldown       time.Duration
	BuyRetries     int
	Qty            int64
	MaxOpen        int
	SellRetryDelay time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	hundred := decimal.NewFromInt(100)
	return Options{
		TakeProfit:     decimal.NewFromFloat(cfg.Positions.TakeProfitPct).Div(hundred),
		StopLoss:       decimal.NewFromFloat(cfg.Positions.StopLossPct).Div(hundred),
		Cooldown:       cfg.Positions.Cooldown,
		BuyRetries:     cfg.Positions.BuyRetries,
		Qty:            cfg.Positions.OrderQty,
		MaxOpen:        cfg.Positions.MaxOpen,
		SellRetryDelay: cfg.Positions.SellRetryDelay,
	}
}

// Manager ведёт позиции по автомату Idle → Candidate → Bought → Monitoring → Closed.
// Операции по одному коду сериализованы KeyedMutex, общее состояние под mu.
type Manager struct {
	opt      Options
	orders   Orders
	holdings Holdings
	store    Store
	notify   Notifier
	log      *zap.Logger
	locks    *KeyedMutex
	now      func() time.Time

	mu         sync.Mutex
	positions  map[string]models.Position
	bought     map[string]models.BoughtRecord
	opening    map[string]struct{}
	unresolved map[string]string // код -> причина заморозки до сверки
	sellPause  map[string]time.Time
	lastPrice  map[string]decimal.Decimal

	// gen растёт на каждой записи и заморозке, touched хранит gen
	// последнего изменения кода. Сверка по ним узнаёт, что код
	// менялся после снятия остатков.
	gen     uint64
	touched map[string]uint64
}

func NewManager(opt Options, orders Orders, holdings Holdings, store Store, notify Notifier, log *zap.Logger) *Manager {
	if opt.BuyRetries < 1 {
		opt.BuyRetries = 1
	}
	if opt.Qty <= 0 {
		opt.Qty = 1
	}
	return &Manager{
		opt:        opt,
		orders:     orders,
		holdings:   holdings,
		store:      store,
		notify:     notify,
		log:        log.Named("positions"),
		locks:      NewKeyedMutex(),
		now:        time.Now,
		positions:  make(map[string]models.Position),
		bought:     make(map[string]models.BoughtRecord),
		opening:    make(map[string]struct{}),
		unresolved: make(map[string]string),
		sellPause:  make(map[string]time.Time),
		lastPrice:  make(map[string]decimal.Decimal),
		touched:    make(map[string]uint64),
	}
}

// Restore поднимает состояние из журнала. Закрытые в открытые не попадают.
func (m *Manager) Restore(snap models.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions = make(map[string]models.Position, len(snap.Positions))
	for code, pos := range snap.Positions {
		if pos.State.Terminal() {
			continue
		}
		m.positions[code] = pos
	}
	m.bought = make(map[string]models.BoughtRecord, len(snap.Bought))
	m.unresolved = make(map[string]string)
	for code, rec := range snap.Bought {
		m.bought[code] = rec
		// заявка могла исполниться до падения, пока сверка не скажет иначе
		if _, open := m.positions[code]; !open &&
			(rec.Status == models.BoughtCandidate || rec.Status == models.BoughtHolding) {
			m.unresolved[code] = reasonRestored
		}
	}

	m.log.Info("[POS] restored",
		zap.Int("open", len(m.positions)),
		zap.Int("bought", len(m.bought)),
		zap.Int("frozen", len(m.unresolved)),
	)
}

// Positions отдаёт открытые позиции, отсортированные по коду.
func (m *Manager) Positions() []models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (m *Manager) Position(code string) (models.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[code]
	return p, ok
}

// OpenCodes отдаёт коды, по которым нужен поток котировок.
func (m *Manager) OpenCodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.positions))
	for code := range m.positions {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// Record: запись BoughtSet по коду.
func (m *Manager) Record(code string) (models.BoughtRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.bought[code]
	return r, ok
}

// Unresolved сообщает, заморожен ли код до сверки.
func (m *Manager) Unresolved(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.unresolved[code]
	return ok
}

func (m *Manager) freeze(code, reason string) {
	m.mu.Lock()
	m.unresolved[code] = reason
	m.touch(code)
	m.mu.Unlock()
}

// touch отмечает изменение кода. Вызывается под mu.
func (m *Manager) touch(code string) {
	m.gen++
	m.touched[code] = m.gen
}

func (m *Manager) alert(ctx context.Context, msg string) {
	if m.notify != nil {
		m.notify.Notify(ctx, msg)
	}
}

// LastPrice отдаёт последнюю цену из стрима по открытому коду.
func (m *Manager) LastPrice(code string) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.lastPrice[code]
	return p, ok
}
