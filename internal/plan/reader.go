package plan

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ReadFile reads a plan fully into memory and decodes it.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses an encoded plan. The returned File references data; callers
// must not modify data afterwards.
func Decode(data []byte) (*File, error) {
	d := &decoder{data: data}
	f := &File{KV: make(map[string]any)}

	var err error
	if f.Header.Magic, err = d.u32(); err != nil {
		return nil, errors.Wrap(err, "reading magic")
	}
	if f.Header.Magic != PlanMagic {
		return nil, ErrInvalidMagic{Magic: f.Header.Magic}
	}
	if f.Header.Version, err = d.u32(); err != nil {
		return nil, errors.Wrap(err, "reading version")
	}
	if f.Header.Version != PlanVersion {
		return nil, ErrUnsupportedVersion{Version: f.Header.Version}
	}
	if f.Header.BindingCount, err = d.u64(); err != nil {
		return nil, errors.Wrap(err, "reading binding count")
	}
	if f.Header.KVCount, err = d.u64(); err != nil {
		return nil, errors.Wrap(err, "reading kv count")
	}
	if f.Header.OpCount, err = d.u64(); err != nil {
		return nil, errors.Wrap(err, "reading op count")
	}
	if f.Header.BindingCount > maxBindings || f.Header.KVCount > maxKV || f.Header.OpCount > maxOps {
		return nil, errors.Errorf("implausible header counts: bindings=%d kv=%d ops=%d",
			f.Header.BindingCount, f.Header.KVCount, f.Header.OpCount)
	}

	for i := uint64(0); i < f.Header.KVCount; i++ {
		key, err := d.str()
		if err != nil {
			return nil, errors.Wrapf(err, "kv %d key", i)
		}
		typ, err := d.u32()
		if err != nil {
			return nil, errors.Wrapf(err, "kv %q type", key)
		}
		val, err := d.value(ValueType(typ))
		if err != nil {
			return nil, errors.Wrapf(err, "kv %q value", key)
		}
		f.KV[key] = val
	}

	f.Bindings = make([]Binding, 0, f.Header.BindingCount)
	for i := uint64(0); i < f.Header.BindingCount; i++ {
		b, err := d.binding()
		if err != nil {
			return nil, errors.Wrapf(err, "binding %d", i)
		}
		f.Bindings = append(f.Bindings, b)
	}

	f.Ops = make([]Op, 0, f.Header.OpCount)
	for i := uint64(0); i < f.Header.OpCount; i++ {
		op, err := d.op()
		if err != nil {
			return nil, errors.Wrapf(err, "op %d", i)
		}
		f.Ops = append(f.Ops, op)
	}

	alignment := f.Alignment()
	offset := d.off
	if pad := offset % alignment; pad != 0 {
		offset += alignment - pad
	}
	if offset > uint64(len(data)) {
		return nil, errors.Wrap(ErrTruncated, "data section padding")
	}
	f.DataOffset = offset
	f.Data = data[offset:]

	for i, op := range f.Ops {
		if op.WeightCount == 0 {
			continue
		}
		size := op.WeightType.Size()
		if size == 0 {
			return nil, errors.Errorf("op %d: unsupported weight type %v", i, op.WeightType)
		}
		if !f.weightsInBounds(op) {
			return nil, errors.Wrapf(ErrTruncated, "op %d: %d weights at offset %d past data section of %d bytes",
				i, op.WeightCount, op.WeightOffset, len(f.Data))
		}
	}

	return f, nil
}

// Weights decodes the op's weight block to float32.
func (f *File) Weights(op Op) ([]float32, error) {
	size := uint64(op.WeightType.Size())
	if size == 0 {
		return nil, errors.Errorf("unsupported weight type %v", op.WeightType)
	}
	if !f.weightsInBounds(op) {
		return nil, errors.Wrapf(ErrTruncated, "%d weights at offset %d", op.WeightCount, op.WeightOffset)
	}
	raw := f.Data[op.WeightOffset : op.WeightOffset+op.WeightCount*size]
	out := make([]float32, op.WeightCount)
	switch op.WeightType {
	case DTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case DTypeF16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	}
	return out, nil
}

func (f *File) weightsInBounds(op Op) bool {
	size := uint64(op.WeightType.Size())
	avail := uint64(len(f.Data))
	if size == 0 || op.WeightOffset > avail {
		return false
	}
	return op.WeightCount <= (avail-op.WeightOffset)/size
}

type decoder struct {
	data []byte
	off  uint64
}

func (d *decoder) need(n uint64) error {
	if n > uint64(len(d.data))-d.off {
		return errors.Wrapf(ErrTruncated, "need %d bytes at offset %d, have %d", n, d.off, uint64(len(d.data))-d.off)
	}
	return nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) f32() (float32, error) {
	v, err := d.u32()
	return math.Float32frombits(v), err
}

func (d *decoder) str() (string, error) {
	n, err := d.u64()
	if err != nil {
		return "", err
	}
	if err := d.need(n); err != nil {
		return "", err
	}
	s := string(d.data[d.off : d.off+n])
	d.off += n
	return s, nil
}

func (d *decoder) value(typ ValueType) (any, error) {
	switch typ {
	case ValueTypeUint32:
		return d.u32()
	case ValueTypeInt32:
		v, err := d.u32()
		return int32(v), err
	case ValueTypeFloat32:
		return d.f32()
	case ValueTypeBool:
		if err := d.need(1); err != nil {
			return nil, err
		}
		v := d.data[d.off] != 0
		d.off++
		return v, nil
	case ValueTypeString:
		return d.str()
	case ValueTypeUint64:
		return d.u64()
	case ValueTypeInt64:
		v, err := d.u64()
		return int64(v), err
	case ValueTypeFloat64:
		v, err := d.u64()
		return math.Float64frombits(v), err
	default:
		return nil, errors.Errorf("unsupported value type: %d", typ)
	}
}

func (d *decoder) binding() (Binding, error) {
	var b Binding
	var err error
	if b.Name, err = d.str(); err != nil {
		return b, err
	}
	role, err := d.u32()
	if err != nil {
		return b, err
	}
	b.Role = Role(role)
	dtype, err := d.u32()
	if err != nil {
		return b, err
	}
	b.DType = DType(dtype)
	rank, err := d.u32()
	if err != nil {
		return b, err
	}
	if rank > maxRank {
		return b, errors.Errorf("binding %q rank %d exceeds %d", b.Name, rank, maxRank)
	}
	b.Dims = make([]int64, rank)
	for i := range b.Dims {
		v, err := d.u64()
		if err != nil {
			return b, err
		}
		b.Dims[i] = int64(v)
	}
	return b, nil
}

func (d *decoder) op() (Op, error) {
	var op Op
	kind, err := d.u32()
	if err != nil {
		return op, err
	}
	op.Kind = OpKind(kind)

	nargs, err := d.u32()
	if err != nil {
		return op, err
	}
	if nargs > maxArgs {
		return op, errors.Errorf("%v has %d args", op.Kind, nargs)
	}
	op.Args = make([]uint32, nargs)
	for i := range op.Args {
		if op.Args[i], err = d.u32(); err != nil {
			return op, err
		}
	}

	nparams, err := d.u32()
	if err != nil {
		return op, err
	}
	if nparams > maxParams {
		return op, errors.Errorf("%v has %d params", op.Kind, nparams)
	}
	op.Params = make([]float32, nparams)
	for i := range op.Params {
		if op.Params[i], err = d.f32(); err != nil {
			return op, err
		}
	}

	wt, err := d.u32()
	if err != nil {
		return op, err
	}
	op.WeightType = DType(wt)
	if op.WeightOffset, err = d.u64(); err != nil {
		return op, err
	}
	if op.WeightCount, err = d.u64(); err != nil {
		return op, err
	}
	return op, nil
}
