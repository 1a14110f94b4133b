package service

import (
	"context"
	"strconv"
	"time"

	"surge_bot/internal/models"

	"github.com/pkg/errors"
)

type orderRequest struct {
	DmstStexTp string `json:"dmst_stex_tp"`
	StkCd      string `json:"stk_cd"`
	OrdQty     string `json:"ord_qty"`
	OrdUv      string `json:"ord_uv"`
	TrdeTp     string `json:"trde_tp"`
	CondUv     string `json:"cond_uv"`
}

type orderResponse struct {
	returnHead
	OrdNo      string `json:"ord_no"`
	DmstStexTp string `json:"dmst_stex_tp"`
}

const tradeTypeMarket = "3"

// PlaceOrder: kt10000 (покупка) / kt10001 (продажа) рыночной заявкой.
// return_code != 0 превращается в *models.OrderRejectedError.
func (c *Client) PlaceOrder(ctx context.Context, side models.OrderSide, code string, qty int64) (models.OrderAck, error) {
	if qty <= 0 {
		return models.OrderAck{}, errors.Errorf("PlaceOrder %s: qty <= 0", code)
	}

	apiID := "kt10000"
	if side == models.SideSell {
		apiID = "kt10001"
	}

	var resp orderResponse
	err := c.post(ctx, apiID, pathOrder, orderRequest{
		DmstStexTp: "KRX",
		StkCd:      code,
		OrdQty:     strconv.FormatInt(qty, 10),
		OrdUv:      "",
		TrdeTp:     tradeTypeMarket,
		CondUv:     "",
	}, &resp)

	var be *brokerError
	if errors.As(err, &be) {
		return models.OrderAck{}, &models.OrderRejectedError{
			Code:       code,
			Side:       side,
			ReturnCode: be.Code,
			ReturnMsg:  be.Msg,
		}
	}
	if err != nil {
		return models.OrderAck{}, err
	}

	return models.OrderAck{
		OrderNo:   resp.OrdNo,
		Code:      code,
		Side:      side,
		Qty:       qty,
		ReturnMsg: resp.ReturnMsg,
		At:        time.Now(),
	}, nil
}
