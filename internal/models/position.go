package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PositionState string

const (
	StateIdle       PositionState = "idle"
	StateCandidate  PositionState = "candidate"
	StateBought     PositionState = "bought"
	StateMonitoring PositionState = "monitoring"
	StateClosed     PositionState = "closed"
)

// Из Closed переходов нет, код возвращается в Idle только после кулдауна.
func (s PositionState) Terminal() bool { return s == StateClosed }

// Open верна, пока позиция держит бумагу или вот-вот будет держать.
func (s PositionState) Open() bool {
	return s == StateBought || s == StateMonitoring
}

type ExitReason string

const (
	ExitNone       ExitReason = ""
	ExitTakeProfit ExitReason = "take_profit"
	ExitStopLoss   ExitReason = "stop_loss"
	ExitManual     ExitReason = "manual"
)

type Position struct {
	ID          string          `json:"id"`
	Code        string          `json:"code"`
	State       PositionState   `json:"state"`
	EntryPrice  decimal.Decimal `json:"buy_price"`
	Qty         int64           `json:"qty"`
	EntryTime   time.Time       `json:"entry_time"`
	BuyOrderNo  string          `json:"buy_order_no,omitempty"`
	ExitPrice   decimal.Decimal `json:"exit_price,omitempty"`
	ExitTime    time.Time       `json:"exit_time,omitempty"`
	ExitReason  ExitReason      `json:"exit_reason,omitempty"`
	SellOrderNo string          `json:"sell_order_no,omitempty"`
	Note        string          `json:"note,omitempty"`
}

// PnLPct считает доходность к цене входа в долях (0.06 = 6%).
func (p Position) PnLPct(live decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return live.Sub(p.EntryPrice).Div(p.EntryPrice)
}

type BoughtStatus string

const (
	BoughtCandidate BoughtStatus = "candidate"
	BoughtHolding   BoughtStatus = "holding"
	BoughtClosed    BoughtStatus = "closed"
	BoughtRejected  BoughtStatus = "rejected"
)

// BoughtRecord это запись BoughtSet. Код присутствует, пока он не Idle.
// Это кандидат, держим, или закрыт/отклонён и ждёт кулдауна.
type BoughtRecord struct {
	Code          string       `json:"code"`
	Status        BoughtStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	UpdatedAt     time.Time    `json:"updated_at"`
	CooldownUntil time.Time    `json:"cooldown_until,omitempty"`
}

// Live сообщает, блокирует ли запись новые входы по коду.
func (r BoughtRecord) Live(now time.Time) bool {
	switch r.Status {
	case BoughtCandidate, BoughtHolding:
		return true
	default:
		return now.Before(r.CooldownUntil)
	}
}

// Snapshot содержит всё, что переживает рестарт.
type Snapshot struct {
	Bought    map[string]BoughtRecord `json:"bought"`
	Positions map[string]Position     `json:"positions"`
	Closed    []Position              `json:"closed"`
}

func NewSnapshot() Snapshot {
	return Snapshot{
		Bought:    make(map[string]BoughtRecord),
		Positions: make(map[string]Position),
	}
}

// Clone делает глубокую копию, чтобы зеркало стора не утекало наружу.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Bought:    make(map[string]BoughtRecord, len(s.Bought)),
		Positions: make(map[string]Position, len(s.Positions)),
		Closed:    append([]Position(nil), s.Closed...),
	}
	for k, v := range s.Bought {
		out.Bought[k] = v
	}
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	return out
}
