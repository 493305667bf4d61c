package weights

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-splitter/internal/tensor"
)

// tensorSchema is the row layout shared by shard files and the Flight
// transport: one row per tensor.
var tensorSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "dims", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

func encodeRecord(mem memory.Allocator, items []Named) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, tensorSchema)
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	dims := b.Field(1).(*array.ListBuilder)
	dimVals := dims.ValueBuilder().(*array.Int64Builder)
	data := b.Field(2).(*array.ListBuilder)
	dataVals := data.ValueBuilder().(*array.Float32Builder)

	for _, it := range items {
		if it.Tensor.DType() != tensor.Float32 {
			return nil, fmt.Errorf("encode %s: only f32 weights are stored, got %s", it.Name, it.Tensor.DType())
		}
		names.Append(it.Name)
		dims.Append(true)
		for _, d := range it.Tensor.Dims() {
			dimVals.Append(int64(d))
		}
		data.Append(true)
		dataVals.AppendValues(it.Tensor.Float32(), nil)
	}
	return b.NewRecord(), nil
}

// decodeRow copies row i of rec into a host tensor.
func decodeRow(rec arrow.Record, i int) (Named, error) {
	names, ok := rec.Column(0).(*array.String)
	if !ok {
		return Named{}, fmt.Errorf("decode: name column is %s", rec.Column(0).DataType())
	}
	dims, ok := rec.Column(1).(*array.List)
	if !ok {
		return Named{}, fmt.Errorf("decode: dims column is %s", rec.Column(1).DataType())
	}
	data, ok := rec.Column(2).(*array.List)
	if !ok {
		return Named{}, fmt.Errorf("decode: data column is %s", rec.Column(2).DataType())
	}
	dimVals := dims.ListValues().(*array.Int64)
	dataVals := data.ListValues().(*array.Float32)

	name := names.Value(i)
	ds, de := dims.ValueOffsets(i)
	shape := make([]int, 0, de-ds)
	n := 1
	for j := ds; j < de; j++ {
		d := int(dimVals.Value(int(j)))
		shape = append(shape, d)
		n *= d
	}
	vs, ve := data.ValueOffsets(i)
	if int(ve-vs) != n {
		return Named{}, fmt.Errorf("decode %s: %d values for dims %v", name, ve-vs, shape)
	}
	vals := make([]float32, n)
	for j := range vals {
		vals[j] = dataVals.Value(int(vs) + j)
	}
	return Named{Name: name, Tensor: tensor.FromFloat32(shape, vals)}, nil
}

// findRow returns the row index holding name, or -1.
func findRow(rec arrow.Record, name string) int {
	names, ok := rec.Column(0).(*array.String)
	if !ok {
		return -1
	}
	for i := 0; i < names.Len(); i++ {
		if names.Value(i) == name {
			return i
		}
	}
	return -1
}
