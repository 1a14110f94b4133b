package models

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrAuth: брокер отверг креды. Фатально, без ретраев.
	ErrAuth = errors.New("auth failed")
	// ErrConnect: не удалось установить сессию (dial/login timeout).
	ErrConnect = errors.New("connect failed")
	// ErrStreamDisconnected: сессия оборвалась, нужен реконнект.
	ErrStreamDisconnected = errors.New("stream disconnected")
	// ErrInsufficientData: мало дневных свечей для оценки.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrNetwork: сеть/5xx до подтверждения, можно повторить.
	ErrNetwork = errors.New("network failure")
	// ErrAmbiguousOrder: запрос ушёл, ответа нет; до сверки никаких действий.
	ErrAmbiguousOrder = errors.New("order state ambiguous")
	// ErrPersistence: запись состояния не удалась, переход не зафиксирован.
	ErrPersistence = errors.New("persistence write failed")
	// ErrInvalidTransition: переход не разрешён автоматом позиции.
	ErrInvalidTransition = errors.New("invalid position transition")
	// ErrBusy: по коду уже идёт жизненный цикл.
	ErrBusy = errors.New("code busy")
)

// OrderRejectedError: брокер вернул return_code != 0.
type OrderRejectedError struct {
	Code       string
	Side       OrderSide
	ReturnCode int
	ReturnMsg  string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order rejected: %s %s code=%d msg=%q", e.Side, e.Code, e.ReturnCode, e.ReturnMsg)
}

// IsRejected: errors.As-обёртка для удобства вызывающих.
func IsRejected(err error) (*OrderRejectedError, bool) {
	var rej *OrderRejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
