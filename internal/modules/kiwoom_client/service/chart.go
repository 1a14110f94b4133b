package service

import (
	"context"
	"sort"
	"time"

	"surge_bot/internal/models"

	"github.com/pkg/errors"
)

type dailyChartRequest struct {
	StkCd      string `json:"stk_cd"`
	BaseDt     string `json:"base_dt"`
	UpdStkpcTp string `json:"upd_stkpc_tp"`
}

type dailyChartResponse struct {
	returnHead
	StkCd string `json:"stk_cd"`
	Rows  []struct {
		Dt       string `json:"dt"`
		CurPrc   string `json:"cur_prc"`
		OpenPric string `json:"open_pric"`
		HighPric string `json:"high_pric"`
		LowPric  string `json:"low_pric"`
		TrdeQty  string `json:"trde_qty"`
	} `json:"stk_dt_pole_chart_qry"`
}

// DailyBars: ka10081, дневные свечи с поправкой цен, по возрастанию даты.
func (c *Client) DailyBars(ctx context.Context, code string, base time.Time) ([]models.DailyBar, error) {
	var resp dailyChartResponse
	err := c.post(ctx, "ka10081", pathChart, dailyChartRequest{
		StkCd:      code,
		BaseDt:     base.In(kst).Format("20060102"),
		UpdStkpcTp: "1",
	}, &resp)
	if err != nil {
		return nil, errors.Wrapf(err, "DailyBars %s", code)
	}

	bars := make([]models.DailyBar, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		d, err := time.ParseInLocation("20060102", r.Dt, kst)
		if err != nil {
			continue
		}
		bars = append(bars, models.DailyBar{
			Code:   code,
			Date:   d,
			Open:   parseAbs(r.OpenPric),
			High:   parseAbs(r.HighPric),
			Low:    parseAbs(r.LowPric),
			Close:  parseAbs(r.CurPrc),
			Volume: parseInt(r.TrdeQty),
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}
