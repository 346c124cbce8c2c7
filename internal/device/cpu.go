package device

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/23skdu/xinfer/internal/metrics"
)

// CPUName is the registry name of the host-emulated accelerator.
const CPUName = "cpu"

var cpuAllocatedBytes int64

func cpuTraceAlloc(delta int64) {
	newVal := atomic.AddInt64(&cpuAllocatedBytes, delta)
	metrics.RecordDeviceMemory(newVal)
}

// CPUAllocatedBytes reports bytes held by all CPU drivers in the process.
func CPUAllocatedBytes() int64 {
	return atomic.LoadInt64(&cpuAllocatedBytes)
}

var DefaultCPUMaxMemory int64 = 8 * 1024 * 1024 * 1024

func init() {
	Register(CPUName, func() (Driver, error) {
		return NewCPU(DefaultCPUMaxMemory), nil
	})
}

// CPU emulates an accelerator in host memory. Device buffers are separate
// allocations that are only reachable through copies, so the engine's
// transfer protocol is exercised exactly as on a discrete device.
type CPU struct {
	mu         sync.Mutex
	maxMemory  int64
	used       int64
	live       int
	numThreads int
}

func NewCPU(maxMemory int64) *CPU {
	return &CPU{
		maxMemory:  maxMemory,
		numThreads: runtime.NumCPU(),
	}
}

func (c *CPU) Name() string { return CPUName }

func (c *CPU) SetNumThreads(n int) {
	if n < 1 {
		n = 1
	}
	c.numThreads = n
}

func (c *CPU) NumThreads() int {
	return c.numThreads
}

// Allocated returns bytes currently held by this driver.
func (c *CPU) Allocated() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// LiveBuffers returns the number of buffers not yet freed.
func (c *CPU) LiveBuffers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

type cpuBuffer struct {
	owner *CPU
	data  []float32
	bytes int
	freed bool
}

func (b *cpuBuffer) Bytes() int { return b.bytes }

func (c *CPU) Malloc(bytes int) (Buffer, error) {
	if bytes < 0 || bytes%4 != 0 {
		return nil, fmt.Errorf("malloc %d bytes: size must be a non-negative multiple of 4", bytes)
	}

	c.mu.Lock()
	if c.maxMemory > 0 && c.used+int64(bytes) > c.maxMemory {
		used := c.used
		c.mu.Unlock()
		return nil, fmt.Errorf("malloc %d bytes with %d of %d in use: %w", bytes, used, c.maxMemory, ErrOutOfMemory)
	}
	c.used += int64(bytes)
	c.live++
	c.mu.Unlock()

	cpuTraceAlloc(int64(bytes))
	return &cpuBuffer{owner: c, data: make([]float32, bytes/4), bytes: bytes}, nil
}

func (c *CPU) Free(buf Buffer) error {
	b, err := c.own(buf)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if b.freed {
		c.mu.Unlock()
		return fmt.Errorf("%w: buffer already freed", ErrInvalidBuffer)
	}
	b.freed = true
	b.data = nil
	c.used -= int64(b.bytes)
	c.live--
	c.mu.Unlock()

	cpuTraceAlloc(-int64(b.bytes))
	return nil
}

func (c *CPU) CopyToDevice(dst Buffer, src []float32) error {
	b, err := c.own(dst)
	if err != nil {
		return err
	}
	if len(src)*4 != b.bytes {
		return fmt.Errorf("copy %d bytes into %d-byte buffer: %w", len(src)*4, b.bytes, ErrInvalidBuffer)
	}
	copy(b.data, src)
	return nil
}

func (c *CPU) CopyToHost(dst []float32, src Buffer) error {
	b, err := c.own(src)
	if err != nil {
		return err
	}
	if len(dst)*4 != b.bytes {
		return fmt.Errorf("copy %d-byte buffer into %d bytes: %w", b.bytes, len(dst)*4, ErrInvalidBuffer)
	}
	copy(dst, b.data)
	return nil
}

func (c *CPU) own(buf Buffer) (*cpuBuffer, error) {
	b, ok := buf.(*cpuBuffer)
	if !ok || b == nil {
		return nil, fmt.Errorf("%w: %T is not a cpu buffer", ErrInvalidBuffer, buf)
	}
	if b.owner != c {
		return nil, fmt.Errorf("%w: buffer belongs to another driver", ErrInvalidBuffer)
	}
	c.mu.Lock()
	freed := b.freed
	c.mu.Unlock()
	if freed {
		return nil, fmt.Errorf("%w: buffer already freed", ErrInvalidBuffer)
	}
	return b, nil
}
