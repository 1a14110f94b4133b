package service

import (
	"context"
	"fmt"

	"surge_bot/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TryOpen входит по кандидату второго этапа. Запись BoughtSet
// фиксируется до отправки заявки, позиция создаётся только по ack.
func (m *Manager) TryOpen(ctx context.Context, c models.Candidate) error {
	unlock, ok := m.locks.TryLock(c.Code)
	if !ok {
		return errors.Wrapf(models.ErrBusy, "%s: in progress", c.Code)
	}
	defer unlock()

	prev, hadPrev, err := m.admit(c.Code)
	if err != nil {
		return err
	}
	defer func() {
		m.mu.Lock()
		delete(m.opening, c.Code)
		m.mu.Unlock()
	}()

	log := m.log.With(zap.String("code", c.Code))
	now := m.now()

	rec := models.BoughtRecord{
		Code:      c.Code,
		Status:    models.BoughtCandidate,
		Attempts:  prev.Attempts,
		UpdatedAt: now,
	}
	if err := m.putBought(ctx, rec); err != nil {
		return err
	}

	ack, err := m.orders.Buy(ctx, c.Code, m.opt.Qty, c.Price)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrAmbiguousOrder):
		m.freeze(c.Code, "buy ambiguous")
		log.Error("[POS] buy state unknown, code frozen until reconcile", zap.Error(err))
		m.alert(ctx, fmt.Sprintf("⚠️ %s: buy state unknown, waiting for reconcile", c.Code))
		return err
	default:
		if rej, ok := models.IsRejected(err); ok {
			return m.onBuyRejected(ctx, rec, rej)
		}
		// заявка до брокера не дошла, откатываем запись кандидата
		log.Warn("[POS] buy failed", zap.Error(err))
		if hadPrev {
			_ = m.putBought(ctx, prev)
		} else {
			_ = m.deleteBought(ctx, c.Code)
		}
		return err
	}

	price := ack.Price
	if price <= 0 {
		price = c.Price
	}
	qty := ack.Qty
	if qty <= 0 {
		qty = m.opt.Qty
	}
	pos := models.Position{
		ID:         uuid.NewString(),
		Code:       c.Code,
		State:      models.StateBought,
		EntryPrice: decimal.NewFromFloat(price),
		Qty:        qty,
		EntryTime:  now,
		BuyOrderNo: ack.OrderNo,
	}
	if err := m.savePosition(ctx, pos); err != nil {
		// бумага куплена, а позиция не записана. Сверка усыновит её по записи кандидата
		m.freeze(c.Code, "position not persisted")
		return err
	}

	rec.Status = models.BoughtHolding
	rec.UpdatedAt = m.now()
	if err := m.putBought(ctx, rec); err != nil {
		m.unmonitored(ctx, c.Code)
		return err
	}

	pos.State = models.StateMonitoring
	if err := m.savePosition(ctx, pos); err != nil {
		m.unmonitored(ctx, c.Code)
		return err
	}

	log.Info("[POS] opened",
		zap.String("id", pos.ID),
		zap.String("entry", pos.EntryPrice.String()),
		zap.Int64("qty", pos.Qty),
		zap.String("order_no", ack.OrderNo),
	)
	m.alert(ctx, fmt.Sprintf("🟢 BUY %s qty=%d @ %s (surge %.1f%%, 1m notional %.0f)",
		c.Code, pos.Qty, pos.EntryPrice.String(), c.Metrics.SurgeRatio, c.Metrics.OneMinuteNotional))
	return nil
}

// admit проверяет, можно ли начинать вход, и резервирует слот MaxOpen.
func (m *Manager) admit(code string) (prev models.BoughtRecord, hadPrev bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if _, open := m.positions[code]; open {
		return prev, false, errors.Wrapf(models.ErrBusy, "%s: position open", code)
	}
	if reason, frozen := m.unresolved[code]; frozen {
		return prev, false, errors.Wrapf(models.ErrBusy, "%s: frozen (%s)", code, reason)
	}

	prev, hadPrev = m.bought[code]
	if hadPrev {
		switch prev.Status {
		case models.BoughtHolding:
			return prev, true, errors.Wrapf(models.ErrBusy, "%s: holding", code)
		case models.BoughtCandidate:
			if prev.Attempts >= m.opt.BuyRetries {
				return prev, true, errors.Wrapf(models.ErrBusy, "%s: buy retries exhausted", code)
			}
		default:
			if prev.Live(now) {
				return prev, true, errors.Wrapf(models.ErrBusy, "%s: cooldown until %s", code, prev.CooldownUntil.Format("15:04:05"))
			}
			// кулдаун прошёл, код снова Idle
			prev = models.BoughtRecord{}
			hadPrev = false
		}
	}

	if m.opt.MaxOpen > 0 && len(m.positions)+len(m.opening) >= m.opt.MaxOpen {
		return prev, hadPrev, errors.Wrapf(models.ErrBusy, "max open positions %d reached", m.opt.MaxOpen)
	}
	m.opening[code] = struct{}{}
	return prev, hadPrev, nil
}

func (m *Manager) onBuyRejected(ctx context.Context, rec models.BoughtRecord, rej *models.OrderRejectedError) error {
	rec.Attempts++
	rec.UpdatedAt = m.now()
	if rec.Attempts >= m.opt.BuyRetries {
		rec.Status = models.BoughtRejected
		rec.CooldownUntil = rec.UpdatedAt.Add(m.opt.Cooldown)
	}

	m.log.Warn("[POS] buy rejected",
		zap.String("code", rec.Code),
		zap.Int("attempts", rec.Attempts),
		zap.Int("return_code", rej.ReturnCode),
		zap.String("msg", rej.ReturnMsg),
	)
	m.alert(ctx, fmt.Sprintf("❌ BUY %s rejected (%d/%d): %s", rec.Code, rec.Attempts, m.opt.BuyRetries, rej.ReturnMsg))

	if err := m.putBought(ctx, rec); err != nil {
		return err
	}
	return rej
}

// ---- запись в журнал с обновлением памяти только при успехе ----

func (m *Manager) putBought(ctx context.Context, rec models.BoughtRecord) error {
	if err := m.store.PutBought(ctx, rec); err != nil {
		m.persistFailed(ctx, rec.Code, err)
		return err
	}
	m.mu.Lock()
	m.bought[rec.Code] = rec
	m.touch(rec.Code)
	m.mu.Unlock()
	return nil
}

func (m *Manager) deleteBought(ctx context.Context, code string) error {
	if err := m.store.DeleteBought(ctx, code); err != nil {
		m.persistFailed(ctx, code, err)
		return err
	}
	m.mu.Lock()
	delete(m.bought, code)
	m.touch(code)
	m.mu.Unlock()
	return nil
}

func (m *Manager) savePosition(ctx context.Context, pos models.Position) error {
	if err := m.store.SavePosition(ctx, pos); err != nil {
		m.persistFailed(ctx, pos.Code, err)
		return err
	}
	m.mu.Lock()
	m.positions[pos.Code] = pos
	m.touch(pos.Code)
	m.mu.Unlock()
	return nil
}

func (m *Manager) archivePosition(ctx context.Context, pos models.Position) error {
	if err := m.store.ArchivePosition(ctx, pos); err != nil {
		m.persistFailed(ctx, pos.Code, err)
		return err
	}
	m.mu.Lock()
	delete(m.positions, pos.Code)
	delete(m.sellPause, pos.Code)
	m.touch(pos.Code)
	m.mu.Unlock()
	return nil
}

// unmonitored вызывается, когда позиция куплена, но осталась в Bought.
// TP/SL по ней не работают, поэтому код замораживается до сверки.
func (m *Manager) unmonitored(ctx context.Context, code string) {
	m.freeze(code, "position stuck in bought")
	m.log.Error("[POS] position is not monitored until reconcile", zap.String("code", code))
	m.alert(ctx, fmt.Sprintf("🛑 %s: bought but not monitored, TP/SL off until reconcile", code))
}

func (m *Manager) persistFailed(ctx context.Context, code string, err error) {
	m.log.Error("[POS] persist failed, transition not applied", zap.String("code", code), zap.Error(err))
	m.alert(ctx, fmt.Sprintf("🛑 %s: state write failed: %v", code, err))
}
