package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job это единица работы. ctx отменяется при остановке пула.
type Job func(ctx context.Context)

type task struct {
	key string
	fn  Job
}

// Pool это ограниченный пул воркеров с буферной очередью.
// Submit никогда не блокирует. При полной очереди или занятом ключе задача отклоняется.
// Ключ не даёт поставить в очередь вторую задачу по тому же коду.
type Pool struct {
	workers int
	queue   chan task
	log     *zap.Logger

	mu       sync.Mutex
	pending  map[string]struct{}
	inflight sync.WaitGroup

	dropped atomic.Int64
	closed  atomic.Bool
}

func New(workers, queueSize int, log *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		workers: workers,
		queue:   make(chan task, queueSize),
		log:     log.Named("pool"),
		pending: make(map[string]struct{}),
	}
}

// Submit ставит задачу в очередь. Возвращает false, если ключ занят, очередь полна или пул закрыт.
func (p *Pool) Submit(key string, fn Job) bool {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return false
	}
	if _, busy := p.pending[key]; busy && key != "" {
		p.mu.Unlock()
		return false
	}
	if key != "" {
		p.pending[key] = struct{}{}
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	select {
	case p.queue <- task{key: key, fn: fn}:
		return true
	default:
		p.release(key)
		p.inflight.Done()
		p.dropped.Add(1)
		p.log.Warn("[POOL] queue full, job dropped", zap.String("key", key))
		return false
	}
}

// Busy сообщает, что ключ в очереди или в работе.
func (p *Pool) Busy(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[key]
	return ok
}

func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Run крутит воркеры до отмены ctx. Паника задачи не роняет пул.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case t := <-p.queue:
					p.exec(gctx, t)
				}
			}
		})
	}
	err := g.Wait()
	p.closed.Store(true)
	return err
}

// Drain закрывает приём и ждёт, пока очередь и текущие задачи
// отработают. Возвращает false, если ctx истёк раньше.
func (p *Pool) Drain(ctx context.Context) bool {
	p.mu.Lock()
	p.closed.Store(true)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) exec(ctx context.Context, t task) {
	defer p.inflight.Done()
	defer p.release(t.key)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("[POOL] job panicked", zap.String("key", t.key), zap.Any("panic", r))
		}
	}()
	t.fn(ctx)
}

func (p *Pool) release(key string) {
	if key == "" {
		return
	}
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}
