package service

import (
	"context"

	"github.com/pkg/errors"
)

type surgeRankRequest struct {
	MrktTp    string `json:"mrkt_tp"`
	SortTp    string `json:"sort_tp"`
	TmTp      string `json:"tm_tp"`
	TrdeQtyTp string `json:"trde_qty_tp"`
	Tm        string `json:"tm"`
	StkCnd    string `json:"stk_cnd"`
	PricTp    string `json:"pric_tp"`
	StexTp    string `json:"stex_tp"`
}

type surgeRankResponse struct {
	returnHead
	Rows []struct {
		StkCd       string `json:"stk_cd"`
		StkNm       string `json:"stk_nm"`
		CurPrc      string `json:"cur_prc"`
		FluRt       string `json:"flu_rt"`
		PrevTrdeQty string `json:"prev_trde_qty"`
		NowTrdeQty  string `json:"now_trde_qty"`
		SdninRt     string `json:"sdnin_rt"`
	} `json:"trde_qty_sdnin"`
}

// SurgeRank: одна строка рейтинга ka10023.
type SurgeRank struct {
	Code           string
	Name           string
	Price          float64
	PriceChangePct float64
	PrevVolume     int64
	NowVolume      int64
	SurgeRatio     float64
}

// VolumeSurge: ka10023, рейтинг всплеска объёма за минуту. Используется
// только для набора watchlist, отбор идёт по стриму.
func (c *Client) VolumeSurge(ctx context.Context, market string, topN int) ([]SurgeRank, error) {
	var resp surgeRankResponse
	err := c.post(ctx, "ka10023", pathRank, surgeRankRequest{
		MrktTp:    market,
		SortTp:    "1",
		TmTp:      "1",
		TrdeQtyTp: "50",
		StkCnd:    "20",
		PricTp:    "0",
		StexTp:    "3",
	}, &resp)
	if err != nil {
		return nil, errors.Wrap(err, "VolumeSurge")
	}

	out := make([]SurgeRank, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		if topN > 0 && len(out) >= topN {
			break
		}
		out = append(out, SurgeRank{
			Code:           normalizeCode(r.StkCd),
			Name:           r.StkNm,
			Price:          parseAbs(r.CurPrc),
			PriceChangePct: parseNum(r.FluRt),
			PrevVolume:     parseInt(r.PrevTrdeQty),
			NowVolume:      parseInt(r.NowTrdeQty),
			SurgeRatio:     parseNum(r.SdninRt),
		})
	}
	return out, nil
}
