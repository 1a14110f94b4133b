package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"surge_bot/internal/models"
	"surge_bot/internal/modules/config"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBroker отвечает на /oauth2/token и отдаёт остальные TR в handler по api-id.
func fakeBroker(t *testing.T, tokens *atomic.Int32, handler func(apiID string, body map[string]any) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if r.URL.Path == pathToken {
			if tokens != nil {
				tokens.Add(1)
			}
			_, _ = w.Write([]byte(`{"return_code":0,"return_msg":"ok","token":"tkn","expires_dt":"29991231235959"}`))
			return
		}
		assert.Equal(t, "Bearer tkn", r.Header.Get("authorization"))
		var body map[string]any
		_ = sonic.Unmarshal(raw, &body)
		status, resp := handler(r.Header.Get("api-id"), body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server) *Client {
	cfg := config.Default()
	cfg.Kiwoom.RestURL = srv.URL
	cfg.Kiwoom.HTTPTimeout = 2 * time.Second
	return NewClient(&cfg, zap.NewNop())
}

func TestToken_IssuedOnceAndCached(t *testing.T) {
	var tokens atomic.Int32
	srv := fakeBroker(t, &tokens, func(string, map[string]any) (int, string) {
		return 200, `{"return_code":0,"acnt_evlt_remn_indv_tot":[]}`
	})
	c := newTestClient(srv)

	for i := 0; i < 3; i++ {
		_, err := c.Holdings(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), tokens.Load())
}

func TestToken_RejectedIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"return_code":3,"return_msg":"invalid appkey"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Token(context.Background())
	require.ErrorIs(t, err, models.ErrAuth)
}

func TestDailyBars_ParsesAbsoluteAndSortsAscending(t *testing.T) {
	srv := fakeBroker(t, nil, func(apiID string, body map[string]any) (int, string) {
		assert.Equal(t, "ka10081", apiID)
		assert.Equal(t, "005930", body["stk_cd"])
		assert.Equal(t, "20250102", body["base_dt"])
		assert.Equal(t, "1", body["upd_stkpc_tp"])
		return 200, `{"return_code":0,"stk_cd":"005930","stk_dt_pole_chart_qry":[
			{"dt":"20250102","cur_prc":"-70100","open_pric":"+70000","high_pric":"71000","low_pric":"69000","trde_qty":"1000"},
			{"dt":"20241231","cur_prc":"+69900","open_pric":"69000","high_pric":"70000","low_pric":"68000","trde_qty":"900"},
			{"dt":"broken","cur_prc":"1"}
		]}`
	})

	base := time.Date(2025, 1, 2, 10, 0, 0, 0, kst)
	bars, err := newTestClient(srv).DailyBars(context.Background(), "005930", base)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 69900.0, bars[0].Close)
	assert.Equal(t, 70100.0, bars[1].Close)
	assert.Equal(t, 70000.0, bars[1].Open)
	assert.Equal(t, int64(1000), bars[1].Volume)
}

func TestPlaceOrder_BodyAndRejection(t *testing.T) {
	srv := fakeBroker(t, nil, func(apiID string, body map[string]any) (int, string) {
		assert.Equal(t, "KRX", body["dmst_stex_tp"])
		assert.Equal(t, "3", body["trde_tp"])
		assert.Equal(t, "10", body["ord_qty"])
		assert.Equal(t, "", body["ord_uv"])
		if apiID == "kt10001" {
			return 200, `{"return_code":20,"return_msg":"insufficient holdings"}`
		}
		assert.Equal(t, "kt10000", apiID)
		return 200, `{"return_code":0,"return_msg":"accepted","ord_no":"0012345"}`
	})
	c := newTestClient(srv)

	ack, err := c.PlaceOrder(context.Background(), models.SideBuy, "005930", 10)
	require.NoError(t, err)
	assert.Equal(t, "0012345", ack.OrderNo)
	assert.Equal(t, int64(10), ack.Qty)

	_, err = c.PlaceOrder(context.Background(), models.SideSell, "005930", 10)
	rej, ok := models.IsRejected(err)
	require.True(t, ok, "want OrderRejectedError, got %v", err)
	assert.Equal(t, 20, rej.ReturnCode)
	assert.Equal(t, "insufficient holdings", rej.ReturnMsg)
}

func TestPost_ServerErrorIsRetryableNotAmbiguous(t *testing.T) {
	srv := fakeBroker(t, nil, func(string, map[string]any) (int, string) {
		return 503, `busy`
	})

	_, err := newTestClient(srv).Holdings(context.Background())
	require.Error(t, err)
	assert.True(t, Retryable(err))

	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.False(t, re.Ambiguous())
	assert.Equal(t, 503, re.Status)
}

func TestPost_TimeoutAfterSendIsAmbiguous(t *testing.T) {
	release := make(chan struct{})
	srv := fakeBroker(t, nil, func(string, map[string]any) (int, string) {
		<-release
		return 200, `{"return_code":0}`
	})
	defer close(release)

	c := newTestClient(srv)
	_, err := c.Token(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.PlaceOrder(ctx, models.SideBuy, "005930", 1)

	var re *RequestError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.True(t, re.Ambiguous())
}

func TestPlaceOrder_TruncatedBodyIsAmbiguous(t *testing.T) {
	var placed atomic.Int32
	srv := fakeBroker(t, nil, func(string, map[string]any) (int, string) {
		placed.Add(1)
		return 200, `{"return_code":0,"ord_no":"00123`
	})

	_, err := newTestClient(srv).PlaceOrder(context.Background(), models.SideBuy, "005930", 1)

	var re *RequestError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.True(t, re.Sent)
	assert.True(t, re.Ambiguous())
	assert.Equal(t, int32(1), placed.Load())
	_, rejected := models.IsRejected(err)
	assert.False(t, rejected)
}

func TestPost_DialFailureIsNotSent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c := newTestClient(srv)
	c.token, c.tokenExp = "tkn", time.Now().Add(time.Hour)

	_, err := c.PlaceOrder(context.Background(), models.SideBuy, "005930", 1)

	var re *RequestError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.False(t, re.Sent)
	assert.True(t, Retryable(err))
}

func TestHoldings_StripsPrefixAndSkipsEmpty(t *testing.T) {
	srv := fakeBroker(t, nil, func(apiID string, _ map[string]any) (int, string) {
		assert.Equal(t, "kt00018", apiID)
		return 200, `{"return_code":0,"acnt_evlt_remn_indv_tot":[
			{"stk_cd":"A005930","rmnd_qty":"000000000010","pur_pric":"000000070000","cur_prc":"000000071000"},
			{"stk_cd":"A000660","rmnd_qty":"000000000000","pur_pric":"1","cur_prc":"1"}
		]}`
	})

	hs, err := newTestClient(srv).Holdings(context.Background())
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, models.Holding{Code: "005930", Qty: 10, AvgPrice: 70000, CurrentPrice: 71000}, hs[0])
}

func TestExecutions_ParsesSide(t *testing.T) {
	srv := fakeBroker(t, nil, func(apiID string, body map[string]any) (int, string) {
		assert.Equal(t, "kt00007", apiID)
		assert.Equal(t, "005930", body["stk_cd"])
		return 200, `{"return_code":0,"acnt_ord_cntr_prps_dtl":[
			{"ord_no":"0012345","stk_cd":"A005930","io_tp_nm":"현금매수","ord_qty":"10","cntr_qty":"10","cntr_uv":"70100","ord_tm":"093015"},
			{"ord_no":"0012346","stk_cd":"A005930","io_tp_nm":"현금매도","ord_qty":"10","cntr_qty":"0","cntr_uv":"0","ord_tm":"101500"}
		]}`
	})

	ex, err := newTestClient(srv).Executions(context.Background(), time.Now(), "005930")
	require.NoError(t, err)
	require.Len(t, ex, 2)
	assert.Equal(t, "12345", ex[0].OrderNo)
	assert.Equal(t, models.SideBuy, ex[0].Side)
	assert.Equal(t, 70100.0, ex[0].FillPrice)
	assert.Equal(t, models.SideSell, ex[1].Side)
}
