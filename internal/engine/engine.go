// Package engine runs precompiled execution plans. An Engine owns one
// compiled plan, one execution context and one device buffer per declared
// binding; Predict moves inputs to the device, executes once and copies
// every output back.
package engine

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/23skdu/xinfer/internal/device"
	"github.com/23skdu/xinfer/internal/logger"
	"github.com/23skdu/xinfer/internal/metrics"
	"github.com/23skdu/xinfer/internal/tensor"
)

type Role uint8

const (
	RoleInput Role = iota
	RoleOutput
)

func (r Role) String() string {
	if r == RoleInput {
		return "input"
	}
	return "output"
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	switch string(text) {
	case "input":
		*r = RoleInput
	case "output":
		*r = RoleOutput
	default:
		return fmt.Errorf("unknown binding role %q", text)
	}
	return nil
}

// BindingInfo is a read-only view of one declared tensor.
type BindingInfo struct {
	Name  string  `json:"name"`
	Role  Role    `json:"role"`
	Shape []int64 `json:"shape"`
	Bytes int     `json:"bytes"`
}

// Engine is a loaded plan ready for inference. An Engine is meant to be used
// by one goroutine at a time; see serve.Pool for concurrent serving.
type Engine interface {
	Name() string
	// Bindings lists inputs and outputs in plan declaration order.
	Bindings() []BindingInfo
	// Predict copies the supplied inputs to the device, executes the plan and
	// returns every declared output. Inputs that are not supplied keep the
	// device contents from the previous call (zero after load).
	Predict(inputs map[string]tensor.Tensor) (map[string]tensor.Tensor, error)
	// Close releases device buffers, the context and the plan. It is idempotent.
	Close() error
}

type binding struct {
	info  device.BindingInfo
	buf   device.Buffer
	elems int
}

type engine struct {
	name   string
	driver device.Driver
	plan   device.CompiledPlan
	ctx    device.Context
	log    *logger.Logger

	bindings []*binding
	byName   map[string]*binding
	buffers  []device.Buffer
	outputs  int

	mu      sync.Mutex
	closed  bool
	invalid bool
}

// Load reads a plan file and prepares it for execution on the selected
// device. On failure nothing allocated by the attempt is left behind and the
// error wraps ErrLoad.
func Load(path string, opts ...Option) (Engine, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, loadError("read", fmt.Errorf("read plan %s: %w", path, err))
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return LoadBytes(name, blob, opts...)
}

// LoadBytes is Load for a plan already in memory.
func LoadBytes(name string, blob []byte, opts ...Option) (_ Engine, err error) {
	o := buildOptions(opts)
	if o.name != "" {
		name = o.name
	}
	drv := o.driver
	if drv == nil {
		if drv, err = device.Open(o.device); err != nil {
			return nil, loadError("driver", err)
		}
	}

	e := &engine{
		name:   name,
		driver: drv,
		log:    o.log.With("model", name, "device", drv.Name()),
		byName: make(map[string]*binding),
	}
	defer func() {
		if err != nil {
			if rerr := e.release(); rerr != nil {
				e.log.Warn("release after failed load", "error", rerr)
			}
		}
	}()

	compiled, err := drv.Deserialize(blob)
	if err != nil {
		return nil, loadError("deserialize", err)
	}
	e.plan = compiled

	ctx, err := compiled.NewContext()
	if err != nil {
		return nil, loadError("context", err)
	}
	e.ctx = ctx

	infos := compiled.Bindings()
	if err := checkBindings(infos); err != nil {
		return nil, loadError("bindings", err)
	}

	var total int
	for _, info := range infos {
		size := info.SizeBytes()
		buf, err := drv.Malloc(size)
		if err != nil {
			return nil, loadError("malloc", fmt.Errorf("binding %q (%s): %w", info.Name, humanize.IBytes(uint64(size)), err))
		}
		b := &binding{info: info, buf: buf, elems: info.NumElements()}
		e.bindings = append(e.bindings, b)
		e.buffers = append(e.buffers, buf)
		e.byName[info.Name] = b
		if !info.Input {
			e.outputs++
		}
		total += size
	}

	metrics.RecordEngineLoaded()
	e.log.Info("engine loaded",
		"bindings", len(e.bindings),
		"outputs", e.outputs,
		"device_memory", humanize.IBytes(uint64(total)))
	return e, nil
}

func loadError(stage string, err error) error {
	metrics.RecordLoadFailure(stage)
	return fmt.Errorf("%w: %s: %w", ErrLoad, stage, err)
}

func checkBindings(infos []device.BindingInfo) error {
	if len(infos) == 0 {
		return errors.New("plan declares no bindings")
	}
	seen := make(map[string]bool, len(infos))
	outputs := 0
	for _, info := range infos {
		if info.Name == "" {
			return errors.New("binding with empty name")
		}
		if seen[info.Name] {
			return fmt.Errorf("duplicate binding %q", info.Name)
		}
		seen[info.Name] = true
		for _, d := range info.Shape {
			if d < 0 {
				return fmt.Errorf("binding %q has negative dim in %v", info.Name, info.Shape)
			}
		}
		if _, err := tensor.NumElements(info.Shape); err != nil {
			return fmt.Errorf("binding %q: %w", info.Name, err)
		}
		if info.ElemSize != 4 {
			return fmt.Errorf("binding %q has %d-byte elements, want float32", info.Name, info.ElemSize)
		}
		if !info.Input {
			outputs++
		}
	}
	if outputs == 0 {
		return errors.New("plan declares no outputs")
	}
	return nil
}

// release frees in reverse acquisition order: buffers, context, plan.
func (e *engine) release() error {
	var errs []error
	for i := len(e.bindings) - 1; i >= 0; i-- {
		if err := e.driver.Free(e.bindings[i].buf); err != nil {
			errs = append(errs, fmt.Errorf("free %q: %w", e.bindings[i].info.Name, err))
		}
	}
	e.bindings, e.buffers, e.byName = nil, nil, nil
	if e.ctx != nil {
		if err := e.ctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context: %w", err))
		}
		e.ctx = nil
	}
	if e.plan != nil {
		if err := e.plan.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close plan: %w", err))
		}
		e.plan = nil
	}
	return errors.Join(errs...)
}

func (e *engine) Name() string { return e.name }

func (e *engine) Bindings() []BindingInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]BindingInfo, 0, len(e.bindings))
	for _, b := range e.bindings {
		role := RoleOutput
		if b.info.Input {
			role = RoleInput
		}
		out = append(out, BindingInfo{
			Name:  b.info.Name,
			Role:  role,
			Shape: slices.Clone(b.info.Shape),
			Bytes: b.info.SizeBytes(),
		})
	}
	return out
}

func (e *engine) Predict(inputs map[string]tensor.Tensor) (map[string]tensor.Tensor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("%w: %s", ErrClosed, e.name)
	}
	if e.invalid {
		return nil, fmt.Errorf("%w: %s lost its execution context", ErrEngineInvalid, e.name)
	}

	start := time.Now()
	out, err := e.predict(inputs)
	metrics.RecordPredict(e.name, resultLabel(err), time.Since(start))
	return out, err
}

func (e *engine) predict(inputs map[string]tensor.Tensor) (map[string]tensor.Tensor, error) {
	if err := e.validate(inputs); err != nil {
		return nil, err
	}

	for _, b := range e.bindings {
		if !b.info.Input {
			continue
		}
		t, ok := inputs[b.info.Name]
		if !ok {
			continue
		}
		if err := e.driver.CopyToDevice(b.buf, t.Data); err != nil {
			return nil, e.executionError(fmt.Errorf("copy %q to device: %w", b.info.Name, err))
		}
		metrics.RecordTransfer("h2d", b.info.SizeBytes())
	}

	if err := e.ctx.Execute(e.buffers); err != nil {
		return nil, e.executionError(err)
	}

	outputs := make(map[string]tensor.Tensor, e.outputs)
	for _, b := range e.bindings {
		if b.info.Input {
			continue
		}
		data := make([]float32, b.elems)
		if err := e.driver.CopyToHost(data, b.buf); err != nil {
			return nil, e.executionError(fmt.Errorf("copy %q to host: %w", b.info.Name, err))
		}
		metrics.RecordTransfer("d2h", b.info.SizeBytes())
		outputs[b.info.Name] = tensor.Tensor{Shape: slices.Clone(b.info.Shape), Data: data}
	}
	return outputs, nil
}

// validate checks every input before anything touches the device. Names are
// visited in sorted order so the reported error is deterministic.
func (e *engine) validate(inputs map[string]tensor.Tensor) error {
	for _, name := range slices.Sorted(maps.Keys(inputs)) {
		b, ok := e.byName[name]
		if !ok {
			metrics.RecordValidationError(e.name, "unknown_binding")
			return fmt.Errorf("%w: %q", ErrUnknownBinding, name)
		}
		if !b.info.Input {
			metrics.RecordValidationError(e.name, "unknown_binding")
			return fmt.Errorf("%w: %q is an output", ErrUnknownBinding, name)
		}
		t := inputs[name]
		if err := t.Validate(); err != nil {
			metrics.RecordValidationError(e.name, "shape_mismatch")
			return fmt.Errorf("%w: %q: %w", ErrShapeMismatch, name, err)
		}
		if n := t.NumElements(); n != b.elems {
			metrics.RecordValidationError(e.name, "shape_mismatch")
			return fmt.Errorf("%w: %q has %d elements %v, binding wants %d %v",
				ErrShapeMismatch, name, n, t.Shape, b.elems, b.info.Shape)
		}
	}
	return nil
}

func (e *engine) executionError(err error) error {
	if errors.Is(err, device.ErrContextLost) {
		e.invalid = true
		e.log.Error("execution context lost, engine is no longer usable", "error", err)
		return fmt.Errorf("%w: %w: %w", ErrExecution, ErrEngineInvalid, err)
	}
	return fmt.Errorf("%w: %w", ErrExecution, err)
}

func (e *engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	metrics.RecordEngineClosed()
	err := e.release()
	e.log.Debug("engine closed")
	return err
}
