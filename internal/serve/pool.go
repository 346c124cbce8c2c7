// Package serve puts engines behind a concurrency policy: each model gets a
// fixed pool of independently loaded engines, a request checks one out for
// the duration of a single Predict, and callers bound the wait with a
// context.
package serve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/xinfer/internal/engine"
	"github.com/23skdu/xinfer/internal/logger"
	"github.com/23skdu/xinfer/internal/metrics"
	"github.com/23skdu/xinfer/internal/tensor"
)

var (
	ErrModelNotFound = errors.New("model not found")
	ErrPoolClosed    = errors.New("pool closed")
)

// LoadFunc produces one engine instance. It is called once per pool slot
// and again when an instance loses its execution context.
type LoadFunc func(ctx context.Context) (engine.Engine, error)

type PoolConfig struct {
	Name string
	// Size is the number of engine instances; values below 1 mean 1.
	Size int
	// Timeout bounds each Predict, including the wait for a free engine.
	// Zero means only the caller's context applies.
	Timeout time.Duration
	Load    LoadFunc
	Log     *logger.Logger
}

// Pool serves one model from Size engines.
type Pool struct {
	name     string
	timeout  time.Duration
	load     LoadFunc
	log      *logger.Logger
	size     int
	bindings []engine.BindingInfo

	free      chan engine.Engine
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewPool loads every instance concurrently. If any load fails the
// instances that did load are closed and the first error is returned.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	if cfg.Load == nil {
		return nil, fmt.Errorf("pool %q: no load function", cfg.Name)
	}
	size := max(cfg.Size, 1)
	log := cfg.Log
	if log == nil {
		log = logger.Log
	}

	engines := make([]engine.Engine, size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range engines {
		g.Go(func() error {
			e, err := cfg.Load(gctx)
			if err != nil {
				return fmt.Errorf("load %s instance %d: %w", cfg.Name, i, err)
			}
			engines[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i, e := range engines {
			if e == nil {
				continue
			}
			if cerr := e.Close(); cerr != nil {
				log.Warn("close engine after failed pool load", "model", cfg.Name, "instance", i, "error", cerr)
			}
		}
		return nil, err
	}

	p := &Pool{
		name:     cfg.Name,
		timeout:  cfg.Timeout,
		load:     cfg.Load,
		log:      log.With("model", cfg.Name),
		size:     size,
		bindings: engines[0].Bindings(),
		free:     make(chan engine.Engine, size),
		done:     make(chan struct{}),
	}
	for _, e := range engines {
		p.free <- e
	}
	p.log.Info("model pool ready", "instances", size)
	return p, nil
}

func (p *Pool) Name() string { return p.name }

func (p *Pool) Size() int { return p.size }

// Bindings describes the model's inputs and outputs.
func (p *Pool) Bindings() []engine.BindingInfo {
	out := make([]engine.BindingInfo, len(p.bindings))
	copy(out, p.bindings)
	return out
}

type result struct {
	out map[string]tensor.Tensor
	err error
}

// Predict runs inputs on a free engine. If ctx ends first the call returns
// ctx.Err(); an engine already executing finishes in the background and is
// returned to the pool afterwards.
func (p *Pool) Predict(ctx context.Context, inputs map[string]tensor.Tensor) (map[string]tensor.Tensor, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	log := p.log.With("request_id", ulid.Make().String())

	start := time.Now()
	var e engine.Engine
	select {
	case <-p.done:
		return nil, fmt.Errorf("%w: %s", ErrPoolClosed, p.name)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s engine: %w", p.name, ctx.Err())
	case e = <-p.free:
	}
	metrics.RecordPoolWait(p.name, time.Since(start))

	select {
	case <-p.done:
		p.free <- e
		return nil, fmt.Errorf("%w: %s", ErrPoolClosed, p.name)
	default:
	}

	ch := make(chan result, 1)
	go func() {
		out, err := e.Predict(inputs)
		ch <- result{out, err}
		p.free <- p.replaceIfInvalid(e, err)
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			log.Debug("predict failed", "error", r.err)
		} else {
			log.Debug("predict done", "duration", time.Since(start))
		}
		return r.out, r.err
	case <-ctx.Done():
		log.Warn("predict abandoned", "error", ctx.Err())
		return nil, fmt.Errorf("predict %s: %w", p.name, ctx.Err())
	}
}

// replaceIfInvalid swaps an engine that lost its context for a freshly loaded one.
// If the reload fails the dead engine stays in the pool and keeps reporting
// ErrEngineInvalid.
func (p *Pool) replaceIfInvalid(e engine.Engine, err error) engine.Engine {
	if !errors.Is(err, engine.ErrEngineInvalid) {
		return e
	}
	select {
	case <-p.done:
		return e
	default:
	}

	fresh, lerr := p.load(context.Background())
	if lerr != nil {
		p.log.Error("reload after lost context failed", "error", lerr)
		return e
	}
	if cerr := e.Close(); cerr != nil {
		p.log.Warn("close invalid engine", "error", cerr)
	}
	p.log.Info("replaced invalid engine")
	return fresh
}

// Close waits for in-flight requests and closes every engine. It is idempotent.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		var errs []error
		for i := 0; i < p.size; i++ {
			e := <-p.free
			if err := e.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		p.closeErr = errors.Join(errs...)
		p.log.Info("model pool closed")
	})
	return p.closeErr
}
