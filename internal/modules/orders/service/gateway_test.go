package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"surge_bot/internal/models"
	rest "surge_bot/internal/modules/kiwoom_client/service"
	"surge_bot/pkg/retry"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBroker struct {
	mu       sync.Mutex
	results  []error // по одному на вызов PlaceOrder, nil значит успех
	placed   int
	queried  int
	rows     []models.Execution
	queryErr error
}

func (f *fakeBroker) PlaceOrder(_ context.Context, side models.OrderSide, code string, qty int64) (models.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.placed
	f.placed++
	if i < len(f.results) && f.results[i] != nil {
		return models.OrderAck{}, f.results[i]
	}
	return models.OrderAck{OrderNo: "0000123", Code: code, Side: side, Qty: qty, At: time.Now()}, nil
}

func (f *fakeBroker) Executions(context.Context, time.Time, string) ([]models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried++
	return f.rows, f.queryErr
}

func newTestGateway(b Broker) *Gateway {
	policy := retry.Policy{
		Attempts:   3,
		Backoff:    retry.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond},
		Idempotent: false,
	}
	return NewGateway(b, policy, time.Second, zap.NewNop())
}

func netErr(sent bool) error {
	return &rest.RequestError{APIID: "kt10000", Sent: sent, Err: errors.Wrap(models.ErrNetwork, "i/o timeout")}
}

func TestBuy_AckUsesPriceHint(t *testing.T) {
	b := &fakeBroker{}
	ack, err := newTestGateway(b).Buy(context.Background(), "005930", 2, 70100)
	require.NoError(t, err)

	assert.Equal(t, "0000123", ack.OrderNo)
	assert.Equal(t, 70100.0, ack.Price)
	assert.Equal(t, 1, b.placed)
}

func TestBuy_RejectedNotRetried(t *testing.T) {
	b := &fakeBroker{results: []error{&models.OrderRejectedError{Code: "005930", Side: models.SideBuy, ReturnCode: 20, ReturnMsg: "insufficient cash"}}}
	_, err := newTestGateway(b).Buy(context.Background(), "005930", 1, 100)

	rej, ok := models.IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, "insufficient cash", rej.ReturnMsg)
	assert.Equal(t, 1, b.placed)
	assert.Zero(t, b.queried)
}

func TestSell_NetworkFailureRetriedTwice(t *testing.T) {
	b := &fakeBroker{results: []error{netErr(false), netErr(false)}}
	ack, err := newTestGateway(b).Sell(context.Background(), "005930", 1)
	require.NoError(t, err)

	assert.Equal(t, models.SideSell, ack.Side)
	assert.Equal(t, 3, b.placed)
	assert.Zero(t, b.queried, "unsent requests need no reconciliation")
}

func TestSell_NetworkFailureExhausted(t *testing.T) {
	b := &fakeBroker{results: []error{netErr(false), netErr(false), netErr(false), nil}}
	_, err := newTestGateway(b).Sell(context.Background(), "005930", 1)

	require.ErrorIs(t, err, models.ErrNetwork)
	assert.Equal(t, 3, b.placed)
}

func TestBuy_AmbiguousFoundByReconcile(t *testing.T) {
	b := &fakeBroker{
		results: []error{netErr(true)},
		rows: []models.Execution{
			{OrderNo: "77", Code: "005930", Side: models.SideSell, OrderQty: 1, At: time.Now()},
			{OrderNo: "78", Code: "005930", Side: models.SideBuy, OrderQty: 1, FilledQty: 1, FillPrice: 70200, At: time.Now()},
		},
	}
	ack, err := newTestGateway(b).Buy(context.Background(), "005930", 1, 70000)
	require.NoError(t, err)

	assert.True(t, ack.Reconciled)
	assert.Equal(t, "78", ack.OrderNo)
	assert.Equal(t, 70200.0, ack.Price)
	assert.Equal(t, 1, b.placed, "found order must not be resent")
}

func TestBuy_AmbiguousAbsentThenRetried(t *testing.T) {
	b := &fakeBroker{
		results: []error{netErr(true)},
		rows: []models.Execution{
			// старая заявка утром, не наша
			{OrderNo: "5", Code: "005930", Side: models.SideBuy, OrderQty: 1, At: time.Now().Add(-3 * time.Hour)},
		},
	}
	ack, err := newTestGateway(b).Buy(context.Background(), "005930", 1, 70000)
	require.NoError(t, err)

	assert.False(t, ack.Reconciled)
	assert.Equal(t, 2, b.placed)
	assert.Equal(t, 1, b.queried)
}

func TestBuy_AmbiguousReconcileFails(t *testing.T) {
	b := &fakeBroker{
		results:  []error{netErr(true)},
		queryErr: errors.New("kt00007: http 400"),
	}
	_, err := newTestGateway(b).Buy(context.Background(), "005930", 1, 70000)

	require.ErrorIs(t, err, models.ErrAmbiguousOrder)
	assert.Equal(t, 1, b.placed, "no resend while state is unknown")
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, retryable(netErr(false)))
	assert.True(t, retryable(errors.Wrap(models.ErrNetwork, "absent")))
	assert.False(t, retryable(errors.Wrap(models.ErrAmbiguousOrder, "x")))
	assert.False(t, retryable(&models.OrderRejectedError{}))
	assert.False(t, retryable(&rest.RequestError{Sent: true, Status: 401, Err: models.ErrAuth}))
}

func TestSell_ServerErrorRetried(t *testing.T) {
	b := &fakeBroker{results: []error{
		&rest.RequestError{APIID: "kt10001", Sent: true, Status: 503, Err: errors.Wrap(models.ErrNetwork, "unavailable")},
	}}
	_, err := newTestGateway(b).Sell(context.Background(), "005930", 1)
	require.NoError(t, err)

	assert.Equal(t, 2, b.placed)
	assert.Zero(t, b.queried)
}

func TestResendable(t *testing.T) {
	assert.True(t, resendable(netErr(false)))
	assert.True(t, resendable(errors.Wrap(models.ErrNetwork, "dial")))
	assert.True(t, resendable(&rest.RequestError{Sent: true, Status: 502, Err: models.ErrNetwork}))
	assert.False(t, resendable(netErr(true)))
	assert.False(t, resendable(&rest.RequestError{Sent: true, Status: 401, Err: models.ErrAuth}))
	assert.False(t, resendable(errors.New("kt10000: http 400")))
}

func TestBuy_BrokenAckBodyIsReconciled(t *testing.T) {
	b := &fakeBroker{
		results: []error{&rest.RequestError{APIID: "kt10000", Sent: true, Status: 200, Err: errors.Wrap(models.ErrNetwork, "decode head")}},
		rows: []models.Execution{
			{OrderNo: "00123", Code: "005930", Side: models.SideBuy, OrderQty: 1, FilledQty: 1, FillPrice: 70300, At: time.Now()},
		},
	}
	ack, err := newTestGateway(b).Buy(context.Background(), "005930", 1, 70000)
	require.NoError(t, err)

	assert.True(t, ack.Reconciled)
	assert.Equal(t, "00123", ack.OrderNo)
	assert.Equal(t, 1, b.placed)
	assert.Equal(t, 1, b.queried)
}
