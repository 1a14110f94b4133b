package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"surge_bot/internal/models"
	"surge_bot/internal/modules/config"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	m        *Manager
	orders   *fakeOrders
	holdings *fakeHoldings
	store    *memStore
	notes    *recNotifier
	clock    *clock
}

func newHarness(opt Options) *harness {
	h := &harness{
		orders:   &fakeOrders{},
		holdings: &fakeHoldings{},
		store:    newMemStore(),
		notes:    &recNotifier{},
		clock:    &clock{t: time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC)},
	}
	h.m = NewManager(opt, h.orders, h.holdings, h.store, h.notes, zap.NewNop())
	h.m.now = h.clock.Now
	return h
}

func tick(code string, price float64) models.Tick {
	return models.Tick{Code: code, Price: price, At: time.Now()}
}

func TestEvaluateExit_Boundaries(t *testing.T) {
	tp := decimal.RequireFromString("0.06")
	sl := decimal.RequireFromString("-0.03")
	entry := decimal.NewFromInt(10000)

	cases := []struct {
		live int64
		want models.ExitReason
	}{
		{10600, models.ExitTakeProfit},
		{10599, models.ExitNone},
		{11000, models.ExitTakeProfit},
		{9700, models.ExitStopLoss},
		{9701, models.ExitNone},
		{9000, models.ExitStopLoss},
		{10200, models.ExitNone},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, EvaluateExit(entry, decimal.NewFromInt(c.live), tp, sl), "live=%d", c.live)
	}
	assert.Equal(t, models.ExitNone, EvaluateExit(decimal.Zero, decimal.NewFromInt(1), tp, sl))
}

func TestOptionsFromConfig_Percent(t *testing.T) {
	cfg := config.Default()
	opt := OptionsFromConfig(&cfg)
	entry := decimal.NewFromInt(10000)

	assert.True(t, opt.TakeProfit.Equal(decimal.RequireFromString("0.06")))
	assert.True(t, opt.StopLoss.Equal(decimal.RequireFromString("-0.03")))
	assert.Equal(t, models.ExitTakeProfit, EvaluateExit(entry, decimal.NewFromInt(10600), opt.TakeProfit, opt.StopLoss))
	assert.Equal(t, models.ExitStopLoss, EvaluateExit(entry, decimal.NewFromInt(9700), opt.TakeProfit, opt.StopLoss))
}

func TestScenarioC(t *testing.T) {
	ctx := context.Background()

	for _, c := range []struct {
		live   float64
		reason models.ExitReason
	}{
		{10600, models.ExitTakeProfit},
		{9700, models.ExitStopLoss},
		{10200, models.ExitNone},
	} {
		h := newHarness(testOptions())
		require.NoError(t, h.m.TryOpen(ctx, candidate("005930", 10000)))

		pos, ok := h.m.Position("005930")
		require.True(t, ok)
		require.Equal(t, models.StateMonitoring, pos.State)
		require.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(10000)))

		closed, err := h.m.OnTick(ctx, tick("005930", c.live))
		require.NoError(t, err)

		if c.reason == models.ExitNone {
			assert.False(t, closed)
			pos, ok := h.m.Position("005930")
			require.True(t, ok)
			assert.Equal(t, models.StateMonitoring, pos.State)
			assert.Zero(t, h.orders.sells.Load())
			continue
		}

		assert.True(t, closed)
		_, ok = h.m.Position("005930")
		assert.False(t, ok)

		snap := h.store.Snapshot()
		require.Len(t, snap.Closed, 1)
		assert.Equal(t, c.reason, snap.Closed[0].ExitReason)
		assert.True(t, snap.Closed[0].ExitPrice.Equal(decimal.NewFromFloat(c.live)))
		assert.Equal(t, models.BoughtClosed, snap.Bought["005930"].Status)
		assert.Empty(t, snap.Positions)
	}
}

func TestTryOpen_PersistsCandidateBeforeBuy(t *testing.T) {
	h := newHarness(testOptions())
	h.store.fail.Store(true)

	err := h.m.TryOpen(context.Background(), candidate("005930", 10000))
	require.ErrorIs(t, err, models.ErrPersistence)
	assert.Zero(t, h.orders.buys.Load(), "no order without a persisted record")
	_, ok := h.m.Record("005930")
	assert.False(t, ok)
}

func TestTryOpen_AtMostOneUnderBurst(t *testing.T) {
	h := newHarness(testOptions())
	h.orders.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = h.m.TryOpen(context.Background(), candidate("005930", 10000))
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), h.orders.buys.Load())
	assert.Len(t, h.m.Positions(), 1)

	// повторный кандидат по открытому коду отклоняется
	err := h.m.TryOpen(context.Background(), candidate("005930", 10100))
	require.ErrorIs(t, err, models.ErrBusy)
}

func TestTryOpen_MaxOpen(t *testing.T) {
	opt := testOptions()
	opt.MaxOpen = 2
	h := newHarness(opt)
	ctx := context.Background()

	require.NoError(t, h.m.TryOpen(ctx, candidate("000001", 1000)))
	require.NoError(t, h.m.TryOpen(ctx, candidate("000002", 1000)))
	err := h.m.TryOpen(ctx, candidate("000003", 1000))
	require.ErrorIs(t, err, models.ErrBusy)
	assert.Equal(t, 2, h.m.OpenCount())
}

func TestTryOpen_RejectRetriesThenCooldown(t *testing.T) {
	rej := &models.OrderRejectedError{Code: "005930", Side: models.SideBuy, ReturnCode: 1, ReturnMsg: "no cash"}
	h := newHarness(testOptions())
	h.orders.buyErrs = []error{rej, rej, rej}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		err := h.m.TryOpen(ctx, candidate("005930", 10000))
		_, ok := models.IsRejected(err)
		require.True(t, ok, "attempt %d", i)
	}
	assert.Equal(t, int32(3), h.orders.buys.Load())
	assert.Equal(t, 3, h.notes.count())

	rec, ok := h.m.Record("005930")
	require.True(t, ok)
	assert.Equal(t, models.BoughtRejected, rec.Status)

	err := h.m.TryOpen(ctx, candidate("005930", 10000))
	require.ErrorIs(t, err, models.ErrBusy)
	assert.Equal(t, int32(3), h.orders.buys.Load())

	h.clock.Add(31 * time.Minute)
	require.NoError(t, h.m.TryOpen(ctx, candidate("005930", 10000)))
	rec, _ = h.m.Record("005930")
	assert.Equal(t, models.BoughtHolding, rec.Status)
}

func TestTryOpen_AmbiguousFreezesCode(t *testing.T) {
	h := newHarness(testOptions())
	h.orders.buyErrs = []error{errors.Wrap(models.ErrAmbiguousOrder, "timeout")}
	ctx := context.Background()

	err := h.m.TryOpen(ctx, candidate("005930", 10000))
	require.ErrorIs(t, err, models.ErrAmbiguousOrder)
	assert.True(t, h.m.Unresolved("005930"))

	err = h.m.TryOpen(ctx, candidate("005930", 10000))
	require.ErrorIs(t, err, models.ErrBusy)
	assert.Equal(t, int32(1), h.orders.buys.Load())

	// брокер показывает бумагу, и сверка её усыновляет
	h.holdings.list = []models.Holding{{Code: "005930", Qty: 1, AvgPrice: 10050}}
	report, err := h.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"005930"}, report.Adopted)
	assert.False(t, h.m.Unresolved("005930"))

	pos, ok := h.m.Position("005930")
	require.True(t, ok)
	assert.Equal(t, models.StateMonitoring, pos.State)
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(10050)))
}

func TestTryOpen_NetworkFailureRollsBackRecord(t *testing.T) {
	h := newHarness(testOptions())
	h.orders.buyErrs = []error{errors.Wrap(models.ErrNetwork, "dial")}

	err := h.m.TryOpen(context.Background(), candidate("005930", 10000))
	require.ErrorIs(t, err, models.ErrNetwork)

	_, ok := h.m.Record("005930")
	assert.False(t, ok)
	assert.Empty(t, h.store.Snapshot().Bought)
}

func TestExit_PersistFailureKeepsPosition(t *testing.T) {
	h := newHarness(testOptions())
	ctx := context.Background()
	require.NoError(t, h.m.TryOpen(ctx, candidate("005930", 10000)))

	h.store.fail.Store(true)
	_, err := h.m.OnTick(ctx, tick("005930", 10700))
	require.ErrorIs(t, err, models.ErrPersistence)

	pos, ok := h.m.Position("005930")
	require.True(t, ok, "state must not advance past a failed write")
	assert.Equal(t, models.StateMonitoring, pos.State)
	assert.True(t, h.m.Unresolved("005930"))

	// пока код заморожен, повторной продажи нет
	_, err = h.m.OnTick(ctx, tick("005930", 10800))
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.orders.sells.Load())
}

func TestExit_RejectedSellPauses(t *testing.T) {
	h := newHarness(testOptions())
	ctx := context.Background()
	require.NoError(t, h.m.TryOpen(ctx, candidate("005930", 10000)))
	h.orders.sellErrs = []error{&models.OrderRejectedError{Code: "005930", Side: models.SideSell, ReturnMsg: "market closed"}}

	_, err := h.m.OnTick(ctx, tick("005930", 9600))
	_, rejected := models.IsRejected(err)
	require.True(t, rejected)

	closed, err := h.m.OnTick(ctx, tick("005930", 9500))
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, int32(1), h.orders.sells.Load())

	h.clock.Add(31 * time.Second)
	closed, err = h.m.OnTick(ctx, tick("005930", 9500))
	require.NoError(t, err)
	assert.True(t, closed)
}

func TestCloseManual(t *testing.T) {
	h := newHarness(testOptions())
	ctx := context.Background()

	err := h.m.CloseManual(ctx, "005930")
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	require.NoError(t, h.m.TryOpen(ctx, candidate("005930", 10000)))
	_, _ = h.m.OnTick(ctx, tick("005930", 10100))
	require.NoError(t, h.m.CloseManual(ctx, "005930"))

	snap := h.store.Snapshot()
	require.Len(t, snap.Closed, 1)
	assert.Equal(t, models.ExitManual, snap.Closed[0].ExitReason)
	assert.True(t, snap.Closed[0].ExitPrice.Equal(decimal.NewFromInt(10100)))
}

func TestCooldownBlocksReentry(t *testing.T) {
	h := newHarness(testOptions())
	ctx := context.Background()
	require.NoError(t, h.m.TryOpen(ctx, candidate("005930", 10000)))
	closed, err := h.m.OnTick(ctx, tick("005930", 10600))
	require.NoError(t, err)
	require.True(t, closed)

	require.ErrorIs(t, h.m.TryOpen(ctx, candidate("005930", 10600)), models.ErrBusy)

	h.clock.Add(30 * time.Minute)
	require.NoError(t, h.m.TryOpen(ctx, candidate("005930", 10600)))
}

func TestRestoreRoundTrip(t *testing.T) {
	h := newHarness(testOptions())
	ctx := context.Background()
	require.NoError(t, h.m.TryOpen(ctx, candidate("005930", 10000)))

	restarted := NewManager(testOptions(), h.orders, h.holdings, h.store, h.notes, zap.NewNop())
	restarted.Restore(h.store.Snapshot())

	pos, ok := restarted.Position("005930")
	require.True(t, ok)
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, []string{"005930"}, restarted.OpenCodes())
	require.ErrorIs(t, restarted.TryOpen(ctx, candidate("005930", 10000)), models.ErrBusy)
}

func TestTryOpen_HoldingWriteFailureFreezes(t *testing.T) {
	h := newHarness(testOptions())
	h.store.failStatus = models.BoughtHolding
	ctx := context.Background()

	err := h.m.TryOpen(ctx, candidate("005930", 10000))
	require.ErrorIs(t, err, models.ErrPersistence)

	pos, ok := h.m.Position("005930")
	require.True(t, ok)
	assert.Equal(t, models.StateBought, pos.State)
	assert.True(t, h.m.Unresolved("005930"))
	assert.GreaterOrEqual(t, h.notes.count(), 2)

	h.store.failStatus = ""
	h.holdings.list = []models.Holding{{Code: "005930", Qty: 1, AvgPrice: 10000}}
	report, err := h.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"005930"}, report.Confirmed)

	pos, _ = h.m.Position("005930")
	assert.Equal(t, models.StateMonitoring, pos.State)
	_, exit := h.m.NeedsExit(tick("005930", 10600))
	assert.True(t, exit)
}
