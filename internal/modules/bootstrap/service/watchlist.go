package service

import (
	"context"
	"strings"
	"time"

	"surge_bot/internal/modules/config"
	rest "surge_bot/internal/modules/kiwoom_client/service"
	"surge_bot/pkg/retry"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Ranker: рейтинг всплеска объёма (ka10023).
type Ranker interface {
	VolumeSurge(ctx context.Context, market string, topN int) ([]rest.SurgeRank, error)
}

// Watchlist собирает коды для подписки. Статичные из конфига плюс
// верх рейтинга всплеска объёма.
type Watchlist struct {
	ranker  Ranker
	static  []string
	topN    int
	market  string
	timeout time.Duration
	log     *zap.Logger
}

func NewWatchlist(cfg *config.Config, ranker Ranker, log *zap.Logger) *Watchlist {
	return &Watchlist{
		ranker:  ranker,
		static:  cfg.Watchlist.Codes,
		topN:    cfg.Watchlist.TopN,
		market:  cfg.Watchlist.MarketType,
		timeout: cfg.Screening.FetchTimeout,
		log:     log.Named("watchlist"),
	}
}

// Codes отдаёт статичные коды всегда, а рейтинг, если он доступен.
// Ошибка рейтинга не фатальна, пока есть хоть что-то.
func (w *Watchlist) Codes(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{}, len(w.static)+w.topN)
	out := make([]string, 0, len(w.static)+w.topN)
	add := func(code string) {
		code = strings.TrimSpace(code)
		if code == "" {
			return
		}
		if _, ok := seen[code]; ok {
			return
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	for _, c := range w.static {
		add(c)
	}

	if w.topN <= 0 || w.ranker == nil {
		return out, nil
	}

	var ranks []rest.SurgeRank
	err := retry.Once(retry.Backoff{Min: time.Second}).Do(ctx, rest.Retryable, func(ctx context.Context, _ int) error {
		rctx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		var err error
		ranks, err = w.ranker.VolumeSurge(rctx, w.market, w.topN)
		return err
	})
	if err != nil {
		if len(out) == 0 {
			return nil, errors.Wrap(err, "watchlist: ranking")
		}
		w.log.Warn("[BOOT] ranking unavailable, static codes only", zap.Error(err))
		return out, nil
	}

	for i, r := range ranks {
		if i >= w.topN {
			break
		}
		add(r.Code)
	}
	w.log.Info("[BOOT] watchlist", zap.Int("static", len(w.static)), zap.Int("total", len(out)))
	return out, nil
}
