package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"surge_bot/internal/models"
	"surge_bot/internal/modules/health/service"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDesk struct {
	open   int
	closed []string
}

func (d *fakeDesk) OpenCount() int { return d.open }

func (d *fakeDesk) CloseManual(_ context.Context, code string) error {
	switch code {
	case "005930":
		d.closed = append(d.closed, code)
		return nil
	case "000660":
		return errors.Wrap(models.ErrInvalidTransition, "no open position")
	default:
		return errors.New("kt10001: http 500")
	}
}

func serve(mux *http.ServeMux, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestProbes(t *testing.T) {
	state := service.NewState()
	mux := NewMux(state, &fakeDesk{open: 2}, zap.NewNop())

	assert.Equal(t, http.StatusOK, serve(mux, http.MethodGet, "/livez").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(mux, http.MethodGet, "/readyz").Code)

	state.SetReady(true)
	state.SetWSConnected(true)
	state.TouchTick(time.Unix(1700000000, 0))
	assert.Equal(t, http.StatusOK, serve(mux, http.MethodGet, "/readyz").Code)

	rec := serve(mux, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["wsConnected"])
	assert.EqualValues(t, 2, body["openPositions"])
	assert.EqualValues(t, 1700000000, body["lastTickUnix"])
}

func TestManualCloseEndpoint(t *testing.T) {
	desk := &fakeDesk{}
	mux := NewMux(service.NewState(), desk, zap.NewNop())

	assert.Equal(t, http.StatusMethodNotAllowed, serve(mux, http.MethodGet, "/positions/005930/close").Code)
	assert.Equal(t, http.StatusOK, serve(mux, http.MethodPost, "/positions/005930/close").Code)
	assert.Equal(t, []string{"005930"}, desk.closed)

	assert.Equal(t, http.StatusConflict, serve(mux, http.MethodPost, "/positions/000660/close").Code)
	assert.Equal(t, http.StatusBadGateway, serve(mux, http.MethodPost, "/positions/035720/close").Code)
	assert.Equal(t, http.StatusNotFound, serve(mux, http.MethodPost, "/positions/005930").Code)
}

func TestReconnectCounter(t *testing.T) {
	s := service.NewState()
	s.SetWSConnected(true)
	assert.Zero(t, s.Reconnects(), "first connect is not a reconnect")

	s.TouchTick(time.Now())
	s.SetWSConnected(false)
	s.SetWSConnected(true)
	assert.EqualValues(t, 1, s.Reconnects())
}
