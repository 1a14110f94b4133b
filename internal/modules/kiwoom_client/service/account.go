package service

import (
	"context"
	"strings"
	"time"

	"surge_bot/internal/models"

	"github.com/pkg/errors"
)

type holdingsRequest struct {
	QryTp      string `json:"qry_tp"`
	DmstStexTp string `json:"dmst_stex_tp"`
}

type holdingsResponse struct {
	returnHead
	Rows []struct {
		StkCd   string `json:"stk_cd"`
		StkNm   string `json:"stk_nm"`
		RmndQty string `json:"rmnd_qty"`
		PurPric string `json:"pur_pric"`
		CurPrc  string `json:"cur_prc"`
	} `json:"acnt_evlt_remn_indv_tot"`
}

// Holdings: kt00018, остатки по счёту. Код приходит с префиксом "A".
func (c *Client) Holdings(ctx context.Context) ([]models.Holding, error) {
	var resp holdingsResponse
	if err := c.post(ctx, "kt00018", pathAcnt, holdingsRequest{QryTp: "1", DmstStexTp: "KRX"}, &resp); err != nil {
		return nil, errors.Wrap(err, "Holdings")
	}

	out := make([]models.Holding, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		qty := parseInt(r.RmndQty)
		if qty <= 0 {
			continue
		}
		out = append(out, models.Holding{
			Code:         normalizeCode(r.StkCd),
			Qty:          qty,
			AvgPrice:     parseAbs(r.PurPric),
			CurrentPrice: parseAbs(r.CurPrc),
		})
	}
	return out, nil
}

type executionsRequest struct {
	OrdDt      string `json:"ord_dt"`
	QryTp      string `json:"qry_tp"`
	StkBondTp  string `json:"stk_bond_tp"`
	SellTp     string `json:"sell_tp"`
	StkCd      string `json:"stk_cd"`
	FrOrdNo    string `json:"fr_ord_no"`
	DmstStexTp string `json:"dmst_stex_tp"`
}

type executionsResponse struct {
	returnHead
	Rows []struct {
		OrdNo   string `json:"ord_no"`
		StkCd   string `json:"stk_cd"`
		IoTpNm  string `json:"io_tp_nm"`
		OrdQty  string `json:"ord_qty"`
		CntrQty string `json:"cntr_qty"`
		CntrUv  string `json:"cntr_uv"`
		OrdTm   string `json:"ord_tm"`
	} `json:"acnt_ord_cntr_prps_dtl"`
}

// Executions: kt00007, заявки и исполнения по коду за день.
func (c *Client) Executions(ctx context.Context, day time.Time, code string) ([]models.Execution, error) {
	var resp executionsResponse
	err := c.post(ctx, "kt00007", pathAcnt, executionsRequest{
		OrdDt:      day.In(kst).Format("20060102"),
		QryTp:      "1",
		StkBondTp:  "1",
		SellTp:     "0",
		StkCd:      code,
		DmstStexTp: "KRX",
	}, &resp)
	if err != nil {
		return nil, errors.Wrapf(err, "Executions %s", code)
	}

	out := make([]models.Execution, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		side := models.SideBuy
		if strings.Contains(r.IoTpNm, "매도") {
			side = models.SideSell
		}
		var at time.Time
		if t, err := time.ParseInLocation("20060102150405", day.In(kst).Format("20060102")+r.OrdTm, kst); err == nil {
			at = t
		}
		out = append(out, models.Execution{
			OrderNo:   strings.TrimLeft(r.OrdNo, "0"),
			Code:      normalizeCode(r.StkCd),
			Side:      side,
			OrderQty:  parseInt(r.OrdQty),
			FilledQty: parseInt(r.CntrQty),
			FillPrice: parseAbs(r.CntrUv),
			At:        at,
		})
	}
	return out, nil
}

func normalizeCode(code string) string {
	return strings.TrimPrefix(strings.TrimSpace(code), "A")
}
