package engine

import (
	"errors"
	"fmt"

	"github.com/23skdu/xinfer/internal/device"
)

// fakeDriver counts every resource it hands out so tests can assert that
// nothing leaks and that no copy happens before validation.
type fakeDriver struct {
	bindings []device.BindingInfo

	deserializeErr error
	contextErr     error
	mallocFailAt   int // 1-based; 0 disables
	executeErr     error

	mallocs, frees int
	liveBytes      int
	h2d, d2h       int
	executes       int
	contextsOpen   int
	plansOpen      int
}

type fakeBuffer struct {
	data  []float32
	freed bool
}

func (b *fakeBuffer) Bytes() int { return len(b.data) * 4 }

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Deserialize(blob []byte) (device.CompiledPlan, error) {
	if d.deserializeErr != nil {
		return nil, d.deserializeErr
	}
	d.plansOpen++
	return &fakePlan{d: d}, nil
}

func (d *fakeDriver) Malloc(bytes int) (device.Buffer, error) {
	if d.mallocFailAt > 0 && d.mallocs+1 == d.mallocFailAt {
		return nil, fmt.Errorf("fake: %w", device.ErrOutOfMemory)
	}
	d.mallocs++
	d.liveBytes += bytes
	return &fakeBuffer{data: make([]float32, bytes/4)}, nil
}

func (d *fakeDriver) Free(buf device.Buffer) error {
	b := buf.(*fakeBuffer)
	if b.freed {
		return device.ErrInvalidBuffer
	}
	b.freed = true
	d.frees++
	d.liveBytes -= b.Bytes()
	return nil
}

func (d *fakeDriver) CopyToDevice(dst device.Buffer, src []float32) error {
	d.h2d++
	copy(dst.(*fakeBuffer).data, src)
	return nil
}

func (d *fakeDriver) CopyToHost(dst []float32, src device.Buffer) error {
	d.d2h++
	copy(dst, src.(*fakeBuffer).data)
	return nil
}

type fakePlan struct{ d *fakeDriver }

func (p *fakePlan) Bindings() []device.BindingInfo { return p.d.bindings }

func (p *fakePlan) NewContext() (device.Context, error) {
	if p.d.contextErr != nil {
		return nil, p.d.contextErr
	}
	p.d.contextsOpen++
	return &fakeContext{d: p.d}, nil
}

func (p *fakePlan) Close() error {
	p.d.plansOpen--
	return nil
}

// fakeContext writes the sum of all input elements into every output element.
type fakeContext struct{ d *fakeDriver }

func (c *fakeContext) Execute(buffers []device.Buffer) error {
	c.d.executes++
	if c.d.executeErr != nil {
		return c.d.executeErr
	}
	if len(buffers) != len(c.d.bindings) {
		return errors.New("fake: buffer count")
	}
	var sum float32
	for i, b := range c.d.bindings {
		if b.Input {
			for _, v := range buffers[i].(*fakeBuffer).data {
				sum += v
			}
		}
	}
	for i, b := range c.d.bindings {
		if !b.Input {
			out := buffers[i].(*fakeBuffer).data
			for j := range out {
				out[j] = sum
			}
		}
	}
	return nil
}

func (c *fakeContext) Close() error {
	c.d.contextsOpen--
	return nil
}

func twoInOneOut() *fakeDriver {
	return &fakeDriver{bindings: []device.BindingInfo{
		{Name: "a", Input: true, Shape: []int64{2}, ElemSize: 4},
		{Name: "b", Input: true, Shape: []int64{2, 2}, ElemSize: 4},
		{Name: "y", Shape: []int64{3}, ElemSize: 4},
	}}
}

func (d *fakeDriver) leaked() error {
	if d.liveBytes != 0 || d.mallocs != d.frees || d.contextsOpen != 0 || d.plansOpen != 0 {
		return fmt.Errorf("leak: live=%d mallocs=%d frees=%d contexts=%d plans=%d",
			d.liveBytes, d.mallocs, d.frees, d.contextsOpen, d.plansOpen)
	}
	return nil
}
