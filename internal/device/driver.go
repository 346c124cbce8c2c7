// Package device is the boundary to the accelerator runtime. The engine talks
// to a Driver only: it deserializes a plan into a CompiledPlan, derives an
// execution Context from it, allocates device Buffers and moves float32 data
// across the host/device boundary.
package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrOutOfMemory      = errors.New("device out of memory")
	ErrContextLost      = errors.New("execution context lost")
	ErrIncompatiblePlan = errors.New("plan incompatible with device")
	ErrInvalidBuffer    = errors.New("invalid device buffer")
	ErrUnknownDriver    = errors.New("unknown device driver")
)

// Buffer is an opaque handle to device-resident memory.
type Buffer interface {
	Bytes() int
}

// BindingInfo describes one declared tensor of a compiled plan.
type BindingInfo struct {
	Name     string
	Input    bool
	Shape    []int64
	ElemSize int
}

func (b BindingInfo) NumElements() int {
	n := 1
	for _, d := range b.Shape {
		n *= int(d)
	}
	return n
}

func (b BindingInfo) SizeBytes() int {
	return b.NumElements() * b.ElemSize
}

// CompiledPlan is a deserialized execution plan. Bindings are returned in
// declaration order and never change.
type CompiledPlan interface {
	Bindings() []BindingInfo
	NewContext() (Context, error)
	Close() error
}

// Context runs the forward pass. It is not safe for concurrent use.
// Execute blocks until the device has finished; buffers must be passed in
// binding order. An error wrapping ErrContextLost means the context can no
// longer be used.
type Context interface {
	Execute(buffers []Buffer) error
	Close() error
}

type Driver interface {
	Name() string
	Deserialize(blob []byte) (CompiledPlan, error)
	Malloc(bytes int) (Buffer, error)
	Free(buf Buffer) error
	CopyToDevice(dst Buffer, src []float32) error
	CopyToHost(dst []float32, src Buffer) error
}

type Factory func() (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a driver available by name. Registering a name twice replaces it.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

func Open(name string) (Driver, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownDriver, name, Drivers())
	}
	return f()
}

func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
