package device

import (
	"fmt"
	"time"

	"github.com/23skdu/xinfer/internal/metrics"
	"github.com/23skdu/xinfer/internal/plan"
)

type step struct {
	kind plan.OpKind
	run  func(bufs [][]float32)
}

type cpuPlan struct {
	driver   *CPU
	name     string
	bindings []BindingInfo
	steps    []step
	closed   bool
}

// Deserialize decodes blob and validates every op against the declared
// bindings, so a plan that deserializes successfully cannot fault at
// execution time because of its own shape arithmetic.
func (c *CPU) Deserialize(blob []byte) (CompiledPlan, error) {
	f, err := plan.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("deserialize plan: %w", err)
	}
	if target := f.Target(); target != "" && target != CPUName {
		return nil, fmt.Errorf("plan built for %q, running on %q: %w", target, CPUName, ErrIncompatiblePlan)
	}

	bindings := make([]BindingInfo, len(f.Bindings))
	seen := make(map[string]bool, len(f.Bindings))
	for i, b := range f.Bindings {
		if b.DType != plan.DTypeF32 {
			return nil, fmt.Errorf("binding %q has dtype %v, only F32 is supported: %w", b.Name, b.DType, ErrIncompatiblePlan)
		}
		if b.Role != plan.RoleInput && b.Role != plan.RoleOutput {
			return nil, fmt.Errorf("binding %q has role %v: %w", b.Name, b.Role, ErrIncompatiblePlan)
		}
		if b.NumElements() < 0 {
			return nil, fmt.Errorf("binding %q has negative dims %v", b.Name, b.Dims)
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("duplicate binding %q", b.Name)
		}
		seen[b.Name] = true
		bindings[i] = BindingInfo{
			Name:     b.Name,
			Input:    b.Role == plan.RoleInput,
			Shape:    append([]int64(nil), b.Dims...),
			ElemSize: b.DType.Size(),
		}
	}

	steps := make([]step, 0, len(f.Ops))
	for i, op := range f.Ops {
		s, err := c.compile(f, bindings, op)
		if err != nil {
			return nil, fmt.Errorf("op %d (%v): %w", i, op.Kind, err)
		}
		steps = append(steps, s)
	}

	return &cpuPlan{
		driver:   c,
		name:     f.Name(),
		bindings: bindings,
		steps:    steps,
	}, nil
}

func (c *CPU) compile(f *plan.File, bindings []BindingInfo, op plan.Op) (step, error) {
	arity := map[plan.OpKind]int{
		plan.OpFill: 1, plan.OpCopy: 2, plan.OpScale: 2, plan.OpReLU: 1,
		plan.OpSoftmax: 1, plan.OpAvgPool: 2, plan.OpLinear: 2, plan.OpAdd: 3,
	}
	want, ok := arity[op.Kind]
	if !ok {
		return step{}, fmt.Errorf("unsupported op: %w", ErrIncompatiblePlan)
	}
	if len(op.Args) != want {
		return step{}, fmt.Errorf("want %d args, got %d", want, len(op.Args))
	}
	n := make([]int, len(op.Args))
	for i, a := range op.Args {
		if int(a) >= len(bindings) {
			return step{}, fmt.Errorf("arg %d references binding %d of %d", i, a, len(bindings))
		}
		n[i] = bindings[a].NumElements()
	}
	a := op.Args
	param := func(i int, def float32) float32 {
		if i < len(op.Params) {
			return op.Params[i]
		}
		return def
	}

	s := step{kind: op.Kind}
	switch op.Kind {
	case plan.OpFill:
		v := param(0, 0)
		s.run = func(bufs [][]float32) { fill(bufs[a[0]], v) }
	case plan.OpCopy:
		if n[0] != n[1] {
			return step{}, fmt.Errorf("copy %d elements into %d", n[0], n[1])
		}
		s.run = func(bufs [][]float32) { copy(bufs[a[1]], bufs[a[0]]) }
	case plan.OpScale:
		if n[0] != n[1] {
			return step{}, fmt.Errorf("scale %d elements into %d", n[0], n[1])
		}
		alpha, beta := param(0, 1), param(1, 0)
		s.run = func(bufs [][]float32) { scale(bufs[a[1]], bufs[a[0]], alpha, beta) }
	case plan.OpReLU:
		s.run = func(bufs [][]float32) { relu(bufs[a[0]]) }
	case plan.OpSoftmax:
		s.run = func(bufs [][]float32) { softmax(bufs[a[0]]) }
	case plan.OpAvgPool:
		if a[0] == a[1] {
			return step{}, fmt.Errorf("avgpool cannot run in place on binding %q", bindings[a[0]].Name)
		}
		if n[1] == 0 || n[1] > n[0] {
			return step{}, fmt.Errorf("cannot pool %d elements into %d", n[0], n[1])
		}
		s.run = func(bufs [][]float32) { avgPool(bufs[a[1]], bufs[a[0]]) }
	case plan.OpLinear:
		if a[0] == a[1] {
			return step{}, fmt.Errorf("linear cannot run in place on binding %q", bindings[a[0]].Name)
		}
		in, out := n[0], n[1]
		if op.WeightCount != uint64(out*in+out) {
			return step{}, fmt.Errorf("linear %d->%d wants %d weights, plan has %d", in, out, out*in+out, op.WeightCount)
		}
		w, err := f.Weights(op)
		if err != nil {
			return step{}, err
		}
		weights, bias := w[:out*in], w[out*in:]
		s.run = func(bufs [][]float32) { linear(bufs[a[1]], bufs[a[0]], weights, bias, c.numThreads) }
	case plan.OpAdd:
		if n[0] != n[1] || n[1] != n[2] {
			return step{}, fmt.Errorf("add shapes differ: %d, %d, %d", n[0], n[1], n[2])
		}
		s.run = func(bufs [][]float32) { add(bufs[a[2]], bufs[a[0]], bufs[a[1]]) }
	}
	return s, nil
}

func (p *cpuPlan) Bindings() []BindingInfo {
	out := make([]BindingInfo, len(p.bindings))
	for i, b := range p.bindings {
		b.Shape = append([]int64(nil), b.Shape...)
		out[i] = b
	}
	return out
}

func (p *cpuPlan) NewContext() (Context, error) {
	if p.closed {
		return nil, fmt.Errorf("plan %q is closed", p.name)
	}
	return &cpuContext{plan: p}, nil
}

func (p *cpuPlan) Close() error {
	p.closed = true
	p.steps = nil
	return nil
}

type cpuContext struct {
	plan   *cpuPlan
	lost   bool
	closed bool
}

func (x *cpuContext) Execute(buffers []Buffer) (err error) {
	if x.closed || x.lost || x.plan.closed {
		return fmt.Errorf("execute on plan %q: %w", x.plan.name, ErrContextLost)
	}
	if len(buffers) != len(x.plan.bindings) {
		return fmt.Errorf("%d buffers for %d bindings: %w", len(buffers), len(x.plan.bindings), ErrInvalidBuffer)
	}

	views := make([][]float32, len(buffers))
	for i, buf := range buffers {
		b, err := x.plan.driver.own(buf)
		if err != nil {
			return fmt.Errorf("binding %q: %w", x.plan.bindings[i].Name, err)
		}
		if b.bytes != x.plan.bindings[i].SizeBytes() {
			return fmt.Errorf("binding %q wants %d bytes, buffer has %d: %w",
				x.plan.bindings[i].Name, x.plan.bindings[i].SizeBytes(), b.bytes, ErrInvalidBuffer)
		}
		views[i] = b.data
	}
	// Outputs start from zero on every call so no result depends on the
	// previous one.
	for i, info := range x.plan.bindings {
		if !info.Input {
			fill(views[i], 0)
		}
	}

	var current plan.OpKind
	defer func() {
		if r := recover(); r != nil {
			x.lost = true
			err = fmt.Errorf("kernel %v panicked: %v: %w", current, r, ErrContextLost)
		}
	}()

	for _, s := range x.plan.steps {
		current = s.kind
		start := time.Now()
		s.run(views)
		metrics.RecordKernelDuration(s.kind.String(), time.Since(start))
	}
	return nil
}

func (x *cpuContext) Close() error {
	x.closed = true
	return nil
}
