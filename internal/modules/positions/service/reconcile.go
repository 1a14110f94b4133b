package service

import (
	"context"
	"fmt"
	"sort"

	"surge_bot/internal/models"
	"surge_bot/pkg/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const noteNotHeld = "not held at broker"

// ReconcileReport описывает, что поменяла сверка.
type ReconcileReport struct {
	Confirmed []string
	Adopted   []string
	Closed    []string
	Released  []string
	Deferred  []string // менялись после снятия остатков, ждут следующей сверки
}

func (r ReconcileReport) Changed() bool {
	return len(r.Adopted)+len(r.Closed)+len(r.Released) > 0
}

// Reconcile сравнивает журнал с остатками брокера. Остатки брокера главнее.
func (m *Manager) Reconcile(ctx context.Context) (report ReconcileReport, err error) {
	ctx, finish := tracing.Start(ctx, "positions.reconcile", nil)
	defer func() { finish(err) }()

	m.mu.Lock()
	asOf := m.gen
	m.mu.Unlock()

	list, err := m.holdings.Holdings(ctx)
	if err != nil {
		return report, errors.Wrap(err, "reconcile: holdings")
	}
	held := make(map[string]models.Holding, len(list))
	for _, h := range list {
		held[h.Code] = h
	}

	for _, code := range m.trackedCodes() {
		if err := m.reconcileCode(ctx, code, held, asOf, &report); err != nil {
			// один код не мешает остальным
			m.log.Error("[POS] reconcile code failed", zap.String("code", code), zap.Error(err))
		}
	}
	m.sweepCooldowns(ctx)

	if report.Changed() || len(report.Deferred) > 0 {
		m.log.Info("[POS] reconcile",
			zap.Strings("adopted", report.Adopted),
			zap.Strings("closed", report.Closed),
			zap.Strings("released", report.Released),
			zap.Strings("deferred", report.Deferred),
		)
	}
	return report, nil
}

func (m *Manager) trackedCodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := make(map[string]struct{}, len(m.positions)+len(m.bought))
	for code := range m.positions {
		set[code] = struct{}{}
	}
	for code := range m.bought {
		set[code] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for code := range set {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// reconcileCode сверяет один код. Если код менялся после снятия
// остатков (asOf), остатки по нему устарели и код откладывается.
func (m *Manager) reconcileCode(ctx context.Context, code string, held map[string]models.Holding, asOf uint64, report *ReconcileReport) error {
	unlock := m.locks.Lock(code)
	defer unlock()

	m.mu.Lock()
	if m.touched[code] > asOf {
		m.mu.Unlock()
		report.Deferred = append(report.Deferred, code)
		return nil
	}
	pos, hasPos := m.positions[code]
	rec, hasRec := m.bought[code]
	m.mu.Unlock()
	h, isHeld := held[code]
	now := m.now()

	switch {
	case hasPos && isHeld:
		if pos.State != models.StateMonitoring || pos.Qty != h.Qty {
			pos.State = models.StateMonitoring
			pos.Qty = h.Qty
			if err := m.savePosition(ctx, pos); err != nil {
				return err
			}
		}
		if !hasRec || rec.Status != models.BoughtHolding {
			if err := m.putBought(ctx, models.BoughtRecord{Code: code, Status: models.BoughtHolding, UpdatedAt: now}); err != nil {
				return err
			}
		}
		report.Confirmed = append(report.Confirmed, code)

	case hasPos && !isHeld:
		closed := pos
		closed.State = models.StateClosed
		closed.ExitReason = models.ExitManual
		closed.ExitTime = now
		closed.Note = noteNotHeld
		m.mu.Lock()
		if live, ok := m.lastPrice[code]; ok {
			closed.ExitPrice = live
		}
		m.mu.Unlock()
		if err := m.archivePosition(ctx, closed); err != nil {
			return err
		}
		if err := m.putBought(ctx, models.BoughtRecord{
			Code:          code,
			Status:        models.BoughtClosed,
			UpdatedAt:     now,
			CooldownUntil: now.Add(m.opt.Cooldown),
		}); err != nil {
			return err
		}
		report.Closed = append(report.Closed, code)
		m.alert(ctx, fmt.Sprintf("⚠️ %s closed: %s", code, noteNotHeld))

	case hasRec && isHeld && (rec.Status == models.BoughtCandidate || rec.Status == models.BoughtHolding):
		// заявка прошла, а позиция не записалась
		adopted := models.Position{
			ID:         uuid.NewString(),
			Code:       code,
			State:      models.StateMonitoring,
			EntryPrice: decimal.NewFromFloat(h.AvgPrice),
			Qty:        h.Qty,
			EntryTime:  now,
			Note:       "adopted from broker holdings",
		}
		if err := m.savePosition(ctx, adopted); err != nil {
			return err
		}
		if err := m.putBought(ctx, models.BoughtRecord{Code: code, Status: models.BoughtHolding, Attempts: rec.Attempts, UpdatedAt: now}); err != nil {
			return err
		}
		report.Adopted = append(report.Adopted, code)
		m.alert(ctx, fmt.Sprintf("🟡 %s adopted from broker: qty=%d @ %s", code, h.Qty, adopted.EntryPrice.String()))

	case hasRec && !isHeld && rec.Status == models.BoughtHolding:
		if err := m.putBought(ctx, models.BoughtRecord{
			Code:          code,
			Status:        models.BoughtClosed,
			UpdatedAt:     now,
			CooldownUntil: now.Add(m.opt.Cooldown),
		}); err != nil {
			return err
		}
		report.Released = append(report.Released, code)

	case hasRec && !isHeld && rec.Status == models.BoughtCandidate && rec.Attempts == 0:
		// покупки не было, код снова Idle
		if err := m.deleteBought(ctx, code); err != nil {
			return err
		}
		report.Released = append(report.Released, code)
	}

	m.mu.Lock()
	delete(m.unresolved, code)
	m.mu.Unlock()
	return nil
}

// sweepCooldowns удаляет записи с истёкшим кулдауном, и код снова Idle.
func (m *Manager) sweepCooldowns(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var expired []string
	for code, rec := range m.bought {
		if rec.Status != models.BoughtClosed && rec.Status != models.BoughtRejected {
			continue
		}
		if _, open := m.positions[code]; open {
			continue
		}
		if !rec.Live(now) {
			expired = append(expired, code)
		}
	}
	m.mu.Unlock()

	for _, code := range expired {
		unlock, ok := m.locks.TryLock(code)
		if !ok {
			continue
		}
		m.mu.Lock()
		rec, ok := m.bought[code]
		m.mu.Unlock()
		if ok && (rec.Status == models.BoughtClosed || rec.Status == models.BoughtRejected) && !rec.Live(now) {
			_ = m.deleteBought(ctx, code)
		}
		unlock()
	}
}
