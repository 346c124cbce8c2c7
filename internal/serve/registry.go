package serve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/xinfer/internal/engine"
	"github.com/23skdu/xinfer/internal/tensor"
)

// Registry maps model names to pools.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

func (r *Registry) Add(p *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[p.Name()]; ok {
		return fmt.Errorf("model %q already registered", p.Name())
	}
	r.pools[p.Name()] = p
	return nil
}

func (r *Registry) Get(name string) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModelNotFound, name)
	}
	return p, nil
}

// Remove unregisters and closes a model's pool.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	p, ok := r.pools[name]
	delete(r.pools, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrModelNotFound, name)
	}
	return p.Close()
}

// Models returns registered names in sorted order.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Bindings(model string) ([]engine.BindingInfo, error) {
	p, err := r.Get(model)
	if err != nil {
		return nil, err
	}
	return p.Bindings(), nil
}

func (r *Registry) Predict(ctx context.Context, model string, inputs map[string]tensor.Tensor) (map[string]tensor.Tensor, error) {
	p, err := r.Get(model)
	if err != nil {
		return nil, err
	}
	return p.Predict(ctx, inputs)
}

// Ready reports whether at least one model is being served.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools) > 0
}

func (r *Registry) Close() error {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
