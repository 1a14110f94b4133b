package models

import "time"

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderAck: подтверждение брокера (return_code == 0).
type OrderAck struct {
	OrderNo    string
	Code       string
	Side       OrderSide
	Qty        int64
	Price      float64 // цена исполнения, если известна, иначе подсказка
	ReturnCode int
	ReturnMsg  string
	At         time.Time
	Reconciled bool // найдено через сверку после таймаута
}

// Holding: остаток на счёте у брокера.
type Holding struct {
	Code         string
	Qty          int64
	AvgPrice     float64
	CurrentPrice float64
}

// Execution: строка из выписки заявок/исполнений за день.
type Execution struct {
	OrderNo   string
	Code      string
	Side      OrderSide
	OrderQty  int64
	FilledQty int64
	FillPrice float64
	At        time.Time
}
