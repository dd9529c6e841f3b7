package enginerpc

import (
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-trainer/internal/engine"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// Batches cross the wire as Arrow records with one row per tensor: the field
// name, its dtype tag, its shape as JSON, and the flattened elements in the
// matching list column. A fixed schema keeps whole microbatch streams on one
// Flight descriptor.
var batchSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.BinaryTypes.String},
	{Name: "ints", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64), Nullable: true},
	{Name: "floats", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true},
	{Name: "bools", Type: arrow.ListOf(arrow.FixedWidthTypes.Boolean), Nullable: true},
}, nil)

func dtypeTag(d tensor.DType) string {
	switch d {
	case tensor.Int64:
		return "int64"
	case tensor.Float32:
		return "float32"
	default:
		return "bool"
	}
}

// batchToRecord encodes one batch. The caller releases the record.
func batchToRecord(b engine.Batch) (arrow.Record, error) {
	rb := array.NewRecordBuilder(memory.DefaultAllocator, batchSchema)
	defer rb.Release()

	names := rb.Field(0).(*array.StringBuilder)
	dtypes := rb.Field(1).(*array.StringBuilder)
	shapes := rb.Field(2).(*array.StringBuilder)
	ints := rb.Field(3).(*array.ListBuilder)
	intVals := ints.ValueBuilder().(*array.Int64Builder)
	floats := rb.Field(4).(*array.ListBuilder)
	floatVals := floats.ValueBuilder().(*array.Float32Builder)
	bools := rb.Field(5).(*array.ListBuilder)
	boolVals := bools.ValueBuilder().(*array.BooleanBuilder)

	for name, t := range b {
		names.Append(name)
		dtypes.Append(dtypeTag(t.DType()))
		shape, err := json.Marshal(t.Shape())
		if err != nil {
			return nil, fmt.Errorf("encoding shape of %q: %w", name, err)
		}
		shapes.Append(string(shape))

		switch t.DType() {
		case tensor.Int64:
			ints.Append(true)
			intVals.AppendValues(t.Int64s(), nil)
			floats.AppendNull()
			bools.AppendNull()
		case tensor.Float32:
			ints.AppendNull()
			floats.Append(true)
			floatVals.AppendValues(t.Float32s(), nil)
			bools.AppendNull()
		default:
			ints.AppendNull()
			floats.AppendNull()
			bools.Append(true)
			boolVals.AppendValues(t.Bools(), nil)
		}
	}
	return rb.NewRecord(), nil
}

// recordToBatch decodes one record back into a batch.
func recordToBatch(rec arrow.Record) (engine.Batch, error) {
	if !rec.Schema().Equal(batchSchema) {
		return nil, fmt.Errorf("unexpected record schema: %s", rec.Schema())
	}
	names := rec.Column(0).(*array.String)
	dtypes := rec.Column(1).(*array.String)
	shapes := rec.Column(2).(*array.String)
	ints := rec.Column(3).(*array.List)
	floats := rec.Column(4).(*array.List)
	bools := rec.Column(5).(*array.List)

	out := make(engine.Batch, rec.NumRows())
	for r := 0; r < int(rec.NumRows()); r++ {
		var shape []int
		if err := json.Unmarshal([]byte(shapes.Value(r)), &shape); err != nil {
			return nil, fmt.Errorf("decoding shape of %q: %w", names.Value(r), err)
		}
		var t *tensor.Tensor
		switch dtypes.Value(r) {
		case "int64":
			start, end := ints.ValueOffsets(r)
			vals := ints.ListValues().(*array.Int64).Int64Values()[start:end]
			t = tensor.FromInt64(append([]int64(nil), vals...), shape...)
		case "float32":
			start, end := floats.ValueOffsets(r)
			vals := floats.ListValues().(*array.Float32).Float32Values()[start:end]
			t = tensor.FromFloat32(append([]float32(nil), vals...), shape...)
		case "bool":
			start, end := bools.ValueOffsets(r)
			src := bools.ListValues().(*array.Boolean)
			t = tensor.NewBool(shape...)
			dst := t.Bools()
			for i := int(start); i < int(end); i++ {
				dst[i-int(start)] = src.Value(i)
			}
		default:
			return nil, fmt.Errorf("unknown dtype tag %q for field %q", dtypes.Value(r), names.Value(r))
		}
		out[names.Value(r)] = t
	}
	return out, nil
}
