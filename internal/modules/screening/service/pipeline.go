package service

import (
	"context"
	"sync"
	"time"

	"surge_bot/internal/models"
	"surge_bot/internal/modules/config"
	rest "surge_bot/internal/modules/kiwoom_client/service"
	"surge_bot/pkg/retry"
	"surge_bot/pkg/tracing"
	"surge_bot/pkg/workerpool"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BarsSource: источник дневных свечей (ka10081).
type BarsSource interface {
	DailyBars(ctx context.Context, code string, base time.Time) ([]models.DailyBar, error)
}

// Opener открывает позицию по кандидату, прошедшему отбор.
type Opener interface {
	TryOpen(ctx context.Context, c models.Candidate) error
}

// Jobs это ограниченный пул, в котором идёт вторая стадия.
type Jobs interface {
	Submit(key string, fn workerpool.Job) bool
}

type Options struct {
	Thresholds   Thresholds
	Window       time.Duration
	MinScore     int
	MinBars      int
	RateLimit    float64
	FetchTimeout time.Duration
	// не пересчитывать код чаще, чем раз в Rescore
	Rescore time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Thresholds:   ThresholdsFromConfig(cfg),
		Window:       cfg.Screening.Window,
		MinScore:     cfg.Screening.MinScore,
		MinBars:      cfg.Screening.MinBars,
		RateLimit:    cfg.Screening.RateLimit,
		FetchTimeout: cfg.Screening.FetchTimeout,
		Rescore:      cfg.Screening.Window,
	}
}

// Pipeline ведёт двухстадийный отбор. Первая стадия идёт синхронно на тике,
// вторая в пуле, с общим лимитом запросов к истории.
type Pipeline struct {
	opt     Options
	bars    BarsSource
	opener  Opener
	jobs    Jobs
	log     *zap.Logger
	tracker *VolumeTracker
	limiter *rate.Limiter
	fetch   retry.Policy
	now     func() time.Time

	mu       sync.Mutex
	scoredAt map[string]time.Time
}

func NewPipeline(opt Options, bars BarsSource, opener Opener, jobs Jobs, log *zap.Logger) *Pipeline {
	if opt.RateLimit <= 0 {
		opt.RateLimit = 5
	}
	if opt.FetchTimeout <= 0 {
		opt.FetchTimeout = 10 * time.Second
	}
	burst := int(opt.RateLimit)
	if burst < 1 {
		burst = 1
	}
	return &Pipeline{
		opt:      opt,
		bars:     bars,
		opener:   opener,
		jobs:     jobs,
		log:      log.Named("screening"),
		tracker:  NewVolumeTracker(opt.Window),
		limiter:  rate.NewLimiter(rate.Limit(opt.RateLimit), burst),
		fetch:    retry.Once(retry.Backoff{Min: 500 * time.Millisecond, Max: 2 * time.Second}),
		now:      time.Now,
		scoredAt: make(map[string]time.Time),
	}
}

// OnTick считает первую стадию и никогда не блокирует. Кандидат либо уходит
// в пул, либо отбрасывается.
func (p *Pipeline) OnTick(t models.Tick) (models.Candidate, bool) {
	m, ok := p.tracker.Observe(t)
	if !ok || !Passes(m, p.opt.Thresholds) {
		return models.Candidate{}, false
	}

	c := models.Candidate{Code: t.Code, Price: t.Price, Metrics: m, At: t.At}
	if !p.due(c.Code) {
		return c, false
	}
	return c, p.Submit(c)
}

// Submit ставит кандидата на вторую стадию.
func (p *Pipeline) Submit(c models.Candidate) bool {
	ok := p.jobs.Submit("score:"+c.Code, func(ctx context.Context) {
		p.process(ctx, c)
	})
	if ok {
		p.mu.Lock()
		p.scoredAt[c.Code] = p.now()
		p.mu.Unlock()
		p.log.Info("[SCREEN] stage-1 candidate",
			zap.String("code", c.Code),
			zap.Float64("surge_pct", c.Metrics.SurgeRatio),
			zap.Float64("change_pct", c.Metrics.PriceChangePct),
			zap.Float64("notional_1m", c.Metrics.OneMinuteNotional),
		)
	}
	return ok
}

// Evaluate грузит историю одного кандидата и считает балл.
// Транзиентная ошибка загрузки повторяется один раз.
func (p *Pipeline) Evaluate(ctx context.Context, c models.Candidate) (score Score, err error) {
	ctx, finish := tracing.Start(ctx, "screening.evaluate", map[string]any{"code": c.Code})
	defer func() { finish(err) }()

	var bars []models.DailyBar
	err = p.fetch.Do(ctx, rest.Retryable, func(ctx context.Context, attempt int) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		fctx, cancel := context.WithTimeout(ctx, p.opt.FetchTimeout)
		defer cancel()

		var ferr error
		bars, ferr = p.bars.DailyBars(fctx, c.Code, p.now())
		if ferr != nil && attempt == 1 {
			p.log.Debug("[SCREEN] daily bars failed, retrying", zap.String("code", c.Code), zap.Error(ferr))
		}
		return ferr
	})
	if err != nil {
		return Score{}, errors.Wrapf(err, "fetch history %s", c.Code)
	}

	return ScoreBars(bars, c.Price, p.opt.MinBars)
}

func (p *Pipeline) process(ctx context.Context, c models.Candidate) {
	score, err := p.Evaluate(ctx, c)
	switch {
	case errors.Is(err, models.ErrInsufficientData):
		p.log.Info("[SCREEN] dropped: not enough history", zap.String("code", c.Code), zap.Error(err))
		return
	case err != nil:
		p.log.Warn("[SCREEN] dropped for this cycle", zap.String("code", c.Code), zap.Error(err))
		return
	}

	log := p.log.With(
		zap.String("code", c.Code),
		zap.Int("score", score.Total),
		zap.Float64("ma5", score.MA5),
		zap.Float64("ma20", score.MA20),
		zap.Float64("ma60", score.MA60),
	)
	if score.Total < p.opt.MinScore {
		log.Info("[SCREEN] below threshold")
		return
	}

	log.Info("[SCREEN] buy-eligible")
	if err := p.opener.TryOpen(ctx, c); err != nil {
		log.Info("[SCREEN] not opened", zap.Error(err))
	}
}

// Forget вызывается, когда код снят с наблюдения.
func (p *Pipeline) Forget(code string) {
	p.tracker.Forget(code)
	p.mu.Lock()
	delete(p.scoredAt, code)
	p.mu.Unlock()
}

func (p *Pipeline) due(code string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.scoredAt[code]
	return !ok || p.now().Sub(last) >= p.opt.Rescore
}
