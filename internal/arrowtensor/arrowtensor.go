// Package arrowtensor converts between tensor.Tensor and Apache Arrow.
//
// A set of named tensors travels as one record with the columns
// name (utf8), shape (list<int64>) and data (list<float32>), one row per
// tensor, rows sorted by name.
package arrowtensor

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/xinfer/internal/tensor"
)

var ErrSchema = errors.New("record does not match tensor schema")

// Schema is the record layout produced by EncodeRecord.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

// FromArrow views a null-free float32 array as a tensor without copying.
// The tensor's Data aliases arr's memory and is only valid while arr is
// retained.
func FromArrow(arr arrow.Array, shape []int64) (tensor.Tensor, error) {
	f, ok := arr.(*array.Float32)
	if !ok {
		return tensor.Tensor{}, fmt.Errorf("%w: want float32 array, got %s", ErrSchema, arr.DataType())
	}
	if f.NullN() > 0 {
		return tensor.Tensor{}, fmt.Errorf("%w: float32 array has %d nulls", ErrSchema, f.NullN())
	}
	return tensor.New(slices.Clone(shape), f.Float32Values())
}

// ToArrow copies t.Data into a new float32 array allocated from mem.
func ToArrow(mem memory.Allocator, t tensor.Tensor) arrow.Array {
	b := array.NewFloat32Builder(mem)
	defer b.Release()
	b.AppendValues(t.Data, nil)
	return b.NewArray()
}

// EncodeRecord packs tensors into one record. The caller releases it.
func EncodeRecord(mem memory.Allocator, tensors map[string]tensor.Tensor) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	shapes := b.Field(1).(*array.ListBuilder)
	shapeValues := shapes.ValueBuilder().(*array.Int64Builder)
	data := b.Field(2).(*array.ListBuilder)
	dataValues := data.ValueBuilder().(*array.Float32Builder)

	for _, name := range slices.Sorted(maps.Keys(tensors)) {
		t := tensors[name]
		names.Append(name)
		shapes.Append(true)
		shapeValues.AppendValues(t.Shape, nil)
		data.Append(true)
		dataValues.AppendValues(t.Data, nil)
	}
	return b.NewRecord()
}

// DecodeRecord unpacks a record written by EncodeRecord. Tensor data aliases
// the record's memory; shapes are copied.
func DecodeRecord(rec arrow.Record) (map[string]tensor.Tensor, error) {
	if rec.NumCols() != 3 {
		return nil, fmt.Errorf("%w: %d columns", ErrSchema, rec.NumCols())
	}
	names, ok := rec.Column(0).(*array.String)
	if !ok {
		return nil, fmt.Errorf("%w: name column is %s", ErrSchema, rec.Column(0).DataType())
	}
	shapes, shapeValues, err := listOf[*array.Int64](rec.Column(1), "shape")
	if err != nil {
		return nil, err
	}
	data, dataValues, err := listOf[*array.Float32](rec.Column(2), "data")
	if err != nil {
		return nil, err
	}
	if shapeValues.NullN() > 0 || dataValues.NullN() > 0 {
		return nil, fmt.Errorf("%w: null shape or data values", ErrSchema)
	}

	dims := shapeValues.Int64Values()
	floats := dataValues.Float32Values()
	out := make(map[string]tensor.Tensor, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		if names.IsNull(i) || shapes.IsNull(i) || data.IsNull(i) {
			return nil, fmt.Errorf("%w: null in row %d", ErrSchema, i)
		}
		name := names.Value(i)
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("%w: duplicate tensor %q", ErrSchema, name)
		}
		ss, se := shapes.ValueOffsets(i)
		ds, de := data.ValueOffsets(i)
		t, err := tensor.New(slices.Clone(dims[ss:se]), floats[ds:de:de])
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

func listOf[T arrow.Array](col arrow.Array, field string) (*array.List, T, error) {
	var zero T
	list, ok := col.(*array.List)
	if !ok {
		return nil, zero, fmt.Errorf("%w: %s column is %s", ErrSchema, field, col.DataType())
	}
	values, ok := list.ListValues().(T)
	if !ok {
		return nil, zero, fmt.Errorf("%w: %s values are %s", ErrSchema, field, list.ListValues().DataType())
	}
	return list, values, nil
}
