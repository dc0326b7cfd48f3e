package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nyimbi/fetchkit/internal/telemetry"
)

// Observer receives the outcome of every pooled fetch. It runs on the worker
// goroutine, so implementations must return quickly.
type Observer func(req Request, res Result, err error)

// Pool fans a Source out to a fixed set of workers, each driving the Engine.
type Pool struct {
	engine   *Engine
	source   Source
	observer Observer
	workers  int
	logger   *zap.Logger
}

// NewPool constructs a Pool. The observer may be nil.
func NewPool(engine *Engine, source Source, workers int, observer Observer, logger *zap.Logger) (*Pool, error) {
	if engine == nil {
		return nil, fmt.Errorf("fetch: engine is required")
	}
	if source == nil {
		return nil, fmt.Errorf("fetch: source is required")
	}
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		engine:   engine,
		source:   source,
		observer: observer,
		workers:  workers,
		logger:   logger,
	}, nil
}

// Run starts all workers and blocks until the context finishes or the source
// closes.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) work(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("worker", id))
	for {
		req, err := p.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}

		telemetry.IncActiveWorkers()
		res, ferr := p.engine.Fetch(ctx, req)
		telemetry.DecActiveWorkers()
		if ferr != nil {
			logger.Warn("queued fetch failed", zap.String("url", req.URL), zap.Error(ferr))
		}
		if p.observer != nil {
			p.observer(req, res, ferr)
		}
	}
}
