package arrowtensor

import (
	"errors"
	"slices"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/xinfer/internal/tensor"
)

func TestFromArrowZeroCopy(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	b := array.NewFloat32Builder(mem)
	b.AppendValues([]float32{1, 2, 3, 4, 5, 6}, nil)
	arr := b.NewFloat32Array()
	b.Release()
	defer arr.Release()

	x, err := FromArrow(arr, []int64{2, 3})
	if err != nil {
		t.Fatalf("FromArrow: %v", err)
	}
	if &x.Data[0] != &arr.Float32Values()[0] {
		t.Error("expected tensor to alias arrow memory")
	}
	if !slices.Equal(x.Shape, []int64{2, 3}) || x.Data[5] != 6 {
		t.Errorf("tensor = %v", x)
	}

	if _, err := FromArrow(arr, []int64{4}); !errors.Is(err, tensor.ErrDataLength) {
		t.Errorf("wrong shape: %v", err)
	}
}

func TestFromArrowRejects(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	fb := array.NewFloat32Builder(mem)
	fb.AppendValues([]float32{1, 0}, []bool{true, false})
	withNull := fb.NewArray()
	fb.Release()
	defer withNull.Release()
	if _, err := FromArrow(withNull, []int64{2}); !errors.Is(err, ErrSchema) {
		t.Errorf("nulls: %v", err)
	}

	ib := array.NewInt64Builder(mem)
	ib.Append(1)
	ints := ib.NewArray()
	ib.Release()
	defer ints.Release()
	if _, err := FromArrow(ints, []int64{1}); !errors.Is(err, ErrSchema) {
		t.Errorf("int64 array: %v", err)
	}
}

func TestToArrowCopies(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	x := tensor.Tensor{Shape: []int64{3}, Data: []float32{1, 2, 3}}
	arr := ToArrow(mem, x)
	defer arr.Release()

	x.Data[0] = 42
	got := arr.(*array.Float32).Float32Values()
	if !slices.Equal(got, []float32{1, 2, 3}) {
		t.Errorf("arrow values = %v", got)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	in := map[string]tensor.Tensor{
		"logits": {Shape: []int64{1, 4}, Data: []float32{0.1, 0.2, 0.3, 0.4}},
		"bias":   {Shape: []int64{2}, Data: []float32{-1, 1}},
		"empty":  {Shape: []int64{0, 3}, Data: []float32{}},
	}
	rec := EncodeRecord(mem, in)
	defer rec.Release()

	if !rec.Schema().Equal(Schema) {
		t.Errorf("schema = %v", rec.Schema())
	}
	if rec.NumRows() != 3 {
		t.Fatalf("rows = %d", rec.NumRows())
	}
	names := rec.Column(0).(*array.String)
	if names.Value(0) != "bias" || names.Value(1) != "empty" || names.Value(2) != "logits" {
		t.Errorf("rows are not sorted by name")
	}

	out, err := DecodeRecord(rec)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	for name, want := range in {
		got, ok := out[name]
		if !ok {
			t.Fatalf("missing %q", name)
		}
		if !slices.Equal(got.Shape, want.Shape) || !slices.Equal(got.Data, want.Data) {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}

func TestDecodeRecordRejects(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	build := func(rows func(names *array.StringBuilder, shapes, data *array.ListBuilder)) arrow.Record {
		b := array.NewRecordBuilder(mem, Schema)
		defer b.Release()
		rows(b.Field(0).(*array.StringBuilder), b.Field(1).(*array.ListBuilder), b.Field(2).(*array.ListBuilder))
		return b.NewRecord()
	}
	row := func(names *array.StringBuilder, shapes, data *array.ListBuilder, name string, shape []int64, values []float32) {
		names.Append(name)
		shapes.Append(true)
		shapes.ValueBuilder().(*array.Int64Builder).AppendValues(shape, nil)
		data.Append(true)
		data.ValueBuilder().(*array.Float32Builder).AppendValues(values, nil)
	}

	tests := []struct {
		name string
		rec  arrow.Record
	}{
		{"duplicate name", build(func(n *array.StringBuilder, s, d *array.ListBuilder) {
			row(n, s, d, "x", []int64{1}, []float32{1})
			row(n, s, d, "x", []int64{1}, []float32{2})
		})},
		{"length mismatch", build(func(n *array.StringBuilder, s, d *array.ListBuilder) {
			row(n, s, d, "x", []int64{3}, []float32{1, 2})
		})},
		{"negative dim", build(func(n *array.StringBuilder, s, d *array.ListBuilder) {
			row(n, s, d, "x", []int64{-1}, nil)
		})},
		{"null name", build(func(n *array.StringBuilder, s, d *array.ListBuilder) {
			n.AppendNull()
			s.Append(true)
			d.Append(true)
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer tt.rec.Release()
			if _, err := DecodeRecord(tt.rec); err == nil {
				t.Error("expected error")
			}
		})
	}

	wrong := arrow.NewSchema([]arrow.Field{{Name: "name", Type: arrow.PrimitiveTypes.Int32}}, nil)
	b := array.NewRecordBuilder(mem, wrong)
	b.Field(0).(*array.Int32Builder).Append(1)
	rec := b.NewRecord()
	b.Release()
	defer rec.Release()
	if _, err := DecodeRecord(rec); !errors.Is(err, ErrSchema) {
		t.Errorf("wrong schema: %v", err)
	}
}
