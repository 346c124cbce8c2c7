package plan

import (
	"errors"
	"fmt"
)

const (
	PlanMagic        = 0x4E4C5058 // "XPLN"
	PlanVersion      = 1
	DefaultAlignment = 32

	KeyName      = "general.name"
	KeyAlignment = "general.alignment"
	KeyTarget    = "plan.target"
)

// Upper bounds applied while decoding so a corrupt header cannot force huge allocations.
const (
	maxBindings = 1 << 16
	maxOps      = 1 << 20
	maxKV       = 1 << 16
	maxRank     = 8
	maxArgs     = 16
	maxParams   = 64
)

type DType uint32

const (
	DTypeF32 DType = 0
	DTypeF16 DType = 1
)

func (t DType) Size() int {
	switch t {
	case DTypeF32:
		return 4
	case DTypeF16:
		return 2
	default:
		return 0
	}
}

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	default:
		return fmt.Sprintf("UNKNOWN_DTYPE_%d", uint32(t))
	}
}

type Role uint32

const (
	RoleInput  Role = 0
	RoleOutput Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleInput:
		return "input"
	case RoleOutput:
		return "output"
	default:
		return fmt.Sprintf("UNKNOWN_ROLE_%d", uint32(r))
	}
}

// OpKind identifies one step of the forward pass. Args index into the
// plan's binding list.
type OpKind uint32

const (
	OpFill    OpKind = 0 // args: dst; params: value
	OpCopy    OpKind = 1 // args: src, dst
	OpScale   OpKind = 2 // args: src, dst; params: alpha, beta
	OpReLU    OpKind = 3 // args: dst
	OpSoftmax OpKind = 4 // args: dst
	OpAvgPool OpKind = 5 // args: src, dst
	OpLinear  OpKind = 6 // args: src, dst; weights: [out*in] then [out] bias
	OpAdd     OpKind = 7 // args: a, b, dst
)

func (k OpKind) String() string {
	switch k {
	case OpFill:
		return "fill"
	case OpCopy:
		return "copy"
	case OpScale:
		return "scale"
	case OpReLU:
		return "relu"
	case OpSoftmax:
		return "softmax"
	case OpAvgPool:
		return "avgpool"
	case OpLinear:
		return "linear"
	case OpAdd:
		return "add"
	default:
		return fmt.Sprintf("UNKNOWN_OP_%d", uint32(k))
	}
}

type ValueType uint32

const (
	ValueTypeUint32  ValueType = 4
	ValueTypeInt32   ValueType = 5
	ValueTypeFloat32 ValueType = 6
	ValueTypeBool    ValueType = 7
	ValueTypeString  ValueType = 8
	ValueTypeUint64  ValueType = 10
	ValueTypeInt64   ValueType = 11
	ValueTypeFloat64 ValueType = 12
)

// Binding is a declared input or output tensor of the plan.
type Binding struct {
	Name  string
	Role  Role
	DType DType
	Dims  []int64
}

// NumElements returns -1 if any dim is negative.
func (b Binding) NumElements() int {
	n := 1
	for _, d := range b.Dims {
		if d < 0 {
			return -1
		}
		n *= int(d)
	}
	return n
}

func (b Binding) SizeBytes() uint64 {
	n := b.NumElements()
	if n < 0 {
		return 0
	}
	return uint64(n) * uint64(b.DType.Size())
}

type Op struct {
	Kind         OpKind
	Args         []uint32
	Params       []float32
	WeightType   DType
	WeightOffset uint64 // relative to the data section
	WeightCount  uint64 // elements
}

type Header struct {
	Magic        uint32
	Version      uint32
	BindingCount uint64
	KVCount      uint64
	OpCount      uint64
}

type File struct {
	Header     Header
	KV         map[string]any
	Bindings   []Binding
	Ops        []Op
	Data       []byte // data section, weights only
	DataOffset uint64 // where the data section starts in the encoded plan
}

var ErrTruncated = errors.New("plan truncated")

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid plan magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported plan version: %d", e.Version)
}

func (f *File) Name() string {
	s, _ := f.KV[KeyName].(string)
	return s
}

// Target is the driver the plan was built for; empty means any.
func (f *File) Target() string {
	s, _ := f.KV[KeyTarget].(string)
	return s
}

func (f *File) Alignment() uint64 {
	switch v := f.KV[KeyAlignment].(type) {
	case uint32:
		if v > 0 {
			return uint64(v)
		}
	case uint64:
		if v > 0 {
			return v
		}
	}
	return DefaultAlignment
}

// Inputs returns input bindings in declaration order.
func (f *File) Inputs() []Binding {
	return f.byRole(RoleInput)
}

func (f *File) Outputs() []Binding {
	return f.byRole(RoleOutput)
}

func (f *File) byRole(r Role) []Binding {
	var out []Binding
	for _, b := range f.Bindings {
		if b.Role == r {
			out = append(out, b)
		}
	}
	return out
}
