package service

import (
	"context"
	"net/http"
	"time"

	"surge_bot/internal/models"
	"surge_bot/internal/modules/config"
	rest "surge_bot/internal/modules/kiwoom_client/service"
	"surge_bot/pkg/retry"
	"surge_bot/pkg/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Broker описывает, что шлюзу нужно от REST-клиента.
type Broker interface {
	PlaceOrder(ctx context.Context, side models.OrderSide, code string, qty int64) (models.OrderAck, error)
	Executions(ctx context.Context, day time.Time, code string) ([]models.Execution, error)
}

// matchSlack покрывает секундную точность времени заявки у брокера
// плюс расхождение часов.
const matchSlack = 3 * time.Second

// Gateway отправляет рыночные заявки. Повтор разрешён только когда
// известно, что заявка до брокера не дошла или сверка её не нашла.
type Gateway struct {
	broker  Broker
	policy  retry.Policy
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

// OrderPolicy даёт заявкам 1 + NetworkRetries попыток.
func OrderPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		Attempts: 1 + cfg.Orders.NetworkRetries,
		Backoff: retry.Backoff{
			Min:    cfg.Orders.RetryBackoff,
			Max:    4 * cfg.Orders.RetryBackoff,
			Factor: 2,
		},
		Idempotent: false,
	}
}

func NewGateway(broker Broker, policy retry.Policy, timeout time.Duration, log *zap.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{
		broker:  broker,
		policy:  policy,
		timeout: timeout,
		log:     log.Named("orders"),
		now:     time.Now,
	}
}

// Buy покупает по рынку. priceHint уходит в ack, если брокер цену не вернул.
func (g *Gateway) Buy(ctx context.Context, code string, qty int64, priceHint float64) (models.OrderAck, error) {
	ack, err := g.submit(ctx, models.SideBuy, code, qty)
	if err != nil {
		return ack, err
	}
	if ack.Price <= 0 {
		ack.Price = priceHint
	}
	return ack, nil
}

func (g *Gateway) Sell(ctx context.Context, code string, qty int64) (models.OrderAck, error) {
	return g.submit(ctx, models.SideSell, code, qty)
}

func (g *Gateway) submit(ctx context.Context, side models.OrderSide, code string, qty int64) (ack models.OrderAck, err error) {
	reqID := uuid.NewString()
	ctx, finish := tracing.Start(ctx, "orders.submit", map[string]any{
		"code": code, "side": string(side), "qty": qty, "req_id": reqID,
	})
	defer func() { finish(err) }()

	log := g.log.With(
		zap.String("req_id", reqID),
		zap.String("code", code),
		zap.String("side", string(side)),
		zap.Int64("qty", qty),
	)
	since := g.now()

	err = g.policy.Do(ctx, retryable, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		a, err := g.broker.PlaceOrder(callCtx, side, code, qty)
		cancel()
		if err == nil {
			ack = a
			return nil
		}
		if rej, ok := models.IsRejected(err); ok {
			log.Warn("[ORDER] rejected", zap.Int("return_code", rej.ReturnCode), zap.String("msg", rej.ReturnMsg))
			return err
		}

		var re *rest.RequestError
		if !errors.As(err, &re) || !re.Ambiguous() {
			log.Warn("[ORDER] failed", zap.Int("attempt", attempt), zap.Error(err))
			if resendable(err) {
				return retry.Safe(err)
			}
			return err
		}

		// запрос ушёл, а ответа нет, поэтому до любого повтора спрашиваем брокера
		log.Warn("[ORDER] no answer after send, reconciling", zap.Int("attempt", attempt), zap.Error(err))
		found, ok, qerr := g.reconcile(ctx, side, code, qty, since)
		if qerr != nil {
			log.Error("[ORDER] reconcile failed", zap.Error(qerr))
			return errors.Wrapf(models.ErrAmbiguousOrder, "%s %s: %v", side, code, qerr)
		}
		if ok {
			log.Info("[ORDER] found at broker after timeout", zap.String("order_no", found.OrderNo))
			ack = found
			return nil
		}
		return retry.Safe(errors.Wrap(models.ErrNetwork, "order absent at broker after timeout"))
	})
	if err != nil {
		return models.OrderAck{}, err
	}

	log.Info("[ORDER] accepted",
		zap.String("order_no", ack.OrderNo),
		zap.Float64("price", ack.Price),
		zap.Bool("reconciled", ack.Reconciled),
	)
	return ack, nil
}

// Reconcile ищет в выписке дня заявку того же направления и объёма,
// поданную не раньше since.
func (g *Gateway) Reconcile(ctx context.Context, side models.OrderSide, code string, qty int64, since time.Time) (models.OrderAck, bool, error) {
	return g.reconcile(ctx, side, code, qty, since)
}

func (g *Gateway) reconcile(ctx context.Context, side models.OrderSide, code string, qty int64, since time.Time) (ack models.OrderAck, found bool, err error) {
	ctx, finish := tracing.Start(ctx, "orders.reconcile", map[string]any{"code": code, "side": string(side)})
	defer func() { finish(err) }()

	var rows []models.Execution
	err = retry.Once(retry.Backoff{Min: 200 * time.Millisecond}).Do(ctx, rest.Retryable, func(ctx context.Context, _ int) error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		var err error
		rows, err = g.broker.Executions(callCtx, since, code)
		return err
	})
	if err != nil {
		return models.OrderAck{}, false, err
	}

	cutoff := since.Add(-matchSlack)
	var best *models.Execution
	for i := range rows {
		r := &rows[i]
		if r.Code != code || r.Side != side || r.OrderQty != qty {
			continue
		}
		if !r.At.IsZero() && r.At.Before(cutoff) {
			continue
		}
		if best == nil || r.At.After(best.At) {
			best = r
		}
	}
	if best == nil {
		return models.OrderAck{}, false, nil
	}

	return models.OrderAck{
		OrderNo:    best.OrderNo,
		Code:       code,
		Side:       side,
		Qty:        qty,
		Price:      best.FillPrice,
		At:         best.At,
		Reconciled: true,
	}, true, nil
}

// retryable пропускает сетевые ошибки, 5xx и заявки, которых сверка не нашла.
func retryable(err error) bool {
	if errors.Is(err, models.ErrAmbiguousOrder) || errors.Is(err, models.ErrAuth) {
		return false
	}
	if _, ok := models.IsRejected(err); ok {
		return false
	}
	return errors.Is(err, models.ErrNetwork)
}

// resendable верна, когда заявка точно не исполнена. Запрос не ушёл,
// либо брокер ответил 5xx/429.
func resendable(err error) bool {
	if !errors.Is(err, models.ErrNetwork) {
		return false
	}
	var re *rest.RequestError
	if !errors.As(err, &re) {
		return true
	}
	return !re.Sent || re.Status == http.StatusTooManyRequests || re.Status >= http.StatusInternalServerError
}
