package service

import (
	"context"
	"fmt"

	"surge_bot/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EvaluateExit сравнивает доходность к входу с порогами. Побочных эффектов нет.
// Обе границы включительно.
func EvaluateExit(entry, live, takeProfit, stopLoss decimal.Decimal) models.ExitReason {
	if !entry.IsPositive() || !live.IsPositive() {
		return models.ExitNone
	}
	pnl := live.Sub(entry).Div(entry)
	switch {
	case pnl.GreaterThanOrEqual(takeProfit):
		return models.ExitTakeProfit
	case pnl.LessThanOrEqual(stopLoss):
		return models.ExitStopLoss
	default:
		return models.ExitNone
	}
}

// NeedsExit вызывается из цикла тиков и в сеть не ходит.
// Запоминает последнюю цену по открытым кодам.
func (m *Manager) NeedsExit(t models.Tick) (models.ExitReason, bool) {
	live := decimal.NewFromFloat(t.Price)

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[t.Code]
	if !ok {
		return models.ExitNone, false
	}
	m.lastPrice[t.Code] = live
	if pos.State != models.StateMonitoring {
		return models.ExitNone, false
	}
	if _, frozen := m.unresolved[t.Code]; frozen {
		return models.ExitNone, false
	}
	if until, paused := m.sellPause[t.Code]; paused && m.now().Before(until) {
		return models.ExitNone, false
	}

	reason := EvaluateExit(pos.EntryPrice, live, m.opt.TakeProfit, m.opt.StopLoss)
	return reason, reason != models.ExitNone
}

// OnTick проверяет выход и продаёт. Возвращает true, если позиция закрыта.
func (m *Manager) OnTick(ctx context.Context, t models.Tick) (bool, error) {
	reason, ok := m.NeedsExit(t)
	if !ok {
		return false, nil
	}
	unlock, locked := m.locks.TryLock(t.Code)
	if !locked {
		// выход уже идёт
		return false, nil
	}
	defer unlock()

	// между проверкой и захватом позиция могла закрыться
	if reason, ok = m.NeedsExit(t); !ok {
		return false, nil
	}
	if err := m.exit(ctx, t.Code, reason, decimal.NewFromFloat(t.Price), ""); err != nil {
		return false, err
	}
	return true, nil
}

// CloseManual закрывает позицию вручную. Для Monitoring это разрешено всегда.
func (m *Manager) CloseManual(ctx context.Context, code string) error {
	unlock := m.locks.Lock(code)
	defer unlock()

	m.mu.Lock()
	pos, ok := m.positions[code]
	live, seen := m.lastPrice[code]
	m.mu.Unlock()

	if !ok {
		return errors.Wrapf(models.ErrInvalidTransition, "%s: no open position", code)
	}
	if pos.State != models.StateMonitoring {
		return errors.Wrapf(models.ErrInvalidTransition, "%s: %s -> closed", code, pos.State)
	}
	if !seen {
		live = pos.EntryPrice
	}
	return m.exit(ctx, code, models.ExitManual, live, "closed by operator")
}

// exit вызывается под замком кода.
func (m *Manager) exit(ctx context.Context, code string, reason models.ExitReason, live decimal.Decimal, note string) error {
	m.mu.Lock()
	pos, ok := m.positions[code]
	m.mu.Unlock()
	if !ok || pos.State != models.StateMonitoring {
		return errors.Wrapf(models.ErrInvalidTransition, "%s: exit from %s", code, pos.State)
	}

	log := m.log.With(zap.String("code", code), zap.String("reason", string(reason)))

	ack, err := m.orders.Sell(ctx, code, pos.Qty)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrAmbiguousOrder):
			m.freeze(code, "sell ambiguous")
			log.Error("[POS] sell state unknown, code frozen until reconcile", zap.Error(err))
			m.alert(ctx, fmt.Sprintf("⚠️ SELL %s state unknown, waiting for reconcile", code))
		default:
			m.pauseSell(code)
			if rej, ok := models.IsRejected(err); ok {
				log.Warn("[POS] sell rejected", zap.Int("return_code", rej.ReturnCode), zap.String("msg", rej.ReturnMsg))
				m.alert(ctx, fmt.Sprintf("❌ SELL %s rejected: %s", code, rej.ReturnMsg))
			} else {
				log.Warn("[POS] sell failed", zap.Error(err))
			}
		}
		return err
	}

	closed := pos
	closed.State = models.StateClosed
	closed.ExitReason = reason
	closed.ExitTime = m.now()
	closed.SellOrderNo = ack.OrderNo
	closed.Note = note
	closed.ExitPrice = live
	if ack.Price > 0 {
		closed.ExitPrice = decimal.NewFromFloat(ack.Price)
	}

	if err := m.archivePosition(ctx, closed); err != nil {
		// бумага продана, а запись не прошла, дальше решает сверка
		m.freeze(code, "close not persisted")
		return err
	}

	rec := models.BoughtRecord{
		Code:          code,
		Status:        models.BoughtClosed,
		UpdatedAt:     closed.ExitTime,
		CooldownUntil: closed.ExitTime.Add(m.opt.Cooldown),
	}
	if err := m.putBought(ctx, rec); err != nil {
		return err
	}

	pnl := closed.PnLPct(closed.ExitPrice).Mul(decimal.NewFromInt(100))
	log.Info("[POS] closed",
		zap.String("entry", pos.EntryPrice.String()),
		zap.String("exit", closed.ExitPrice.String()),
		zap.String("pnl_pct", pnl.StringFixed(2)),
	)
	m.alert(ctx, fmt.Sprintf("🔴 SELL %s [%s] %s → %s (%s%%)",
		code, reason, pos.EntryPrice.String(), closed.ExitPrice.String(), pnl.StringFixed(2)))
	return nil
}

func (m *Manager) pauseSell(code string) {
	if m.opt.SellRetryDelay <= 0 {
		return
	}
	m.mu.Lock()
	m.sellPause[code] = m.now().Add(m.opt.SellRetryDelay)
	m.mu.Unlock()
}
