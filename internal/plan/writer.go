package plan

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Encode serializes f. KV pairs are written sorted by key so encoding is
// deterministic. f.Header counts are recomputed.
func Encode(f *File) ([]byte, error) {
	var buf bytes.Buffer
	w := func(v any) {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	ws := func(s string) {
		w(uint64(len(s)))
		buf.WriteString(s)
	}

	w(uint32(PlanMagic))
	w(uint32(PlanVersion))
	w(uint64(len(f.Bindings)))
	w(uint64(len(f.KV)))
	w(uint64(len(f.Ops)))

	keys := make([]string, 0, len(f.KV))
	for k := range f.KV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ws(k)
		switch v := f.KV[k].(type) {
		case uint32:
			w(uint32(ValueTypeUint32))
			w(v)
		case int32:
			w(uint32(ValueTypeInt32))
			w(v)
		case float32:
			w(uint32(ValueTypeFloat32))
			w(v)
		case bool:
			w(uint32(ValueTypeBool))
			w(v)
		case string:
			w(uint32(ValueTypeString))
			ws(v)
		case uint64:
			w(uint32(ValueTypeUint64))
			w(v)
		case int64:
			w(uint32(ValueTypeInt64))
			w(v)
		case int:
			w(uint32(ValueTypeInt64))
			w(int64(v))
		case float64:
			w(uint32(ValueTypeFloat64))
			w(v)
		default:
			return nil, errors.Errorf("kv %q: unsupported value type %T", k, v)
		}
	}

	for _, b := range f.Bindings {
		ws(b.Name)
		w(uint32(b.Role))
		w(uint32(b.DType))
		w(uint32(len(b.Dims)))
		for _, d := range b.Dims {
			w(uint64(d))
		}
	}

	for _, op := range f.Ops {
		w(uint32(op.Kind))
		w(uint32(len(op.Args)))
		for _, a := range op.Args {
			w(a)
		}
		w(uint32(len(op.Params)))
		for _, p := range op.Params {
			w(p)
		}
		w(uint32(op.WeightType))
		w(op.WeightOffset)
		w(op.WeightCount)
	}

	alignment := f.Alignment()
	if pad := uint64(buf.Len()) % alignment; pad != 0 {
		buf.Write(make([]byte, alignment-pad))
	}
	buf.Write(f.Data)

	return buf.Bytes(), nil
}

// Builder assembles a plan in memory. It is how tools and tests produce
// plan files; it performs no optimization.
type Builder struct {
	f    File
	data bytes.Buffer
}

func NewBuilder(name string) *Builder {
	b := &Builder{}
	b.f.KV = map[string]any{
		KeyName:      name,
		KeyAlignment: uint32(DefaultAlignment),
	}
	return b
}

func (b *Builder) SetTarget(target string) *Builder {
	b.f.KV[KeyTarget] = target
	return b
}

func (b *Builder) SetKV(key string, value any) *Builder {
	b.f.KV[key] = value
	return b
}

// Input declares an F32 input binding and returns its index.
func (b *Builder) Input(name string, dims ...int64) uint32 {
	return b.declare(name, RoleInput, dims)
}

func (b *Builder) Output(name string, dims ...int64) uint32 {
	return b.declare(name, RoleOutput, dims)
}

func (b *Builder) declare(name string, role Role, dims []int64) uint32 {
	b.f.Bindings = append(b.f.Bindings, Binding{
		Name:  name,
		Role:  role,
		DType: DTypeF32,
		Dims:  append([]int64(nil), dims...),
	})
	return uint32(len(b.f.Bindings) - 1)
}

func (b *Builder) Op(kind OpKind, args []uint32, params ...float32) *Builder {
	b.f.Ops = append(b.f.Ops, Op{Kind: kind, Args: args, Params: params})
	return b
}

// Linear appends dst = weights·src + bias. weights is row-major [len(dst)][len(src)].
func (b *Builder) Linear(src, dst uint32, weights, bias []float32, dtype DType) *Builder {
	values := append(append([]float32(nil), weights...), bias...)
	offset := uint64(b.data.Len())
	for _, v := range values {
		switch dtype {
		case DTypeF16:
			_ = binary.Write(&b.data, binary.LittleEndian, float16.Fromfloat32(v).Bits())
		default:
			_ = binary.Write(&b.data, binary.LittleEndian, math.Float32bits(v))
		}
	}
	b.f.Ops = append(b.f.Ops, Op{
		Kind:         OpLinear,
		Args:         []uint32{src, dst},
		WeightType:   dtype,
		WeightOffset: offset,
		WeightCount:  uint64(len(values)),
	})
	return b
}

// File returns the assembled plan structure.
func (b *Builder) File() *File {
	f := b.f
	f.Data = append([]byte(nil), b.data.Bytes()...)
	return &f
}

func (b *Builder) Bytes() ([]byte, error) {
	return Encode(b.File())
}

func (b *Builder) WriteFile(path string) error {
	data, err := b.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
