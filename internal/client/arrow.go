package client

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// Schema metadata keys carried with every tensor record.
const (
	metaShape = "quiver.shape"
	metaDType = "quiver.dtype"
)

// TensorCodec converts tensors to and from Arrow records. The wire layout
// is two float64 columns, "re" and "im", one row per element; the tensor
// shape and dtype travel in the schema metadata. Real tensors carry an
// all-zero "im" column so every record has the same schema.
type TensorCodec struct {
	mem memory.Allocator
}

// NewTensorCodec creates a codec over the given allocator.
func NewTensorCodec(mem memory.Allocator) *TensorCodec {
	return &TensorCodec{mem: mem}
}

// Encode builds an Arrow record holding the tensor's elements.
func (c *TensorCodec) Encode(t device.Tensor) (arrow.Record, error) {
	shape := t.Shape()
	n := shape.Elems()

	re := make([]float64, n)
	im := make([]float64, n)
	if t.DType().IsComplex() {
		for i, v := range t.Complex128s() {
			re[i] = real(v)
			im[i] = imag(v)
		}
	} else {
		copy(re, t.Float64s())
	}

	md := arrow.NewMetadata(
		[]string{metaShape, metaDType},
		[]string{shape.String(), t.DType().String()},
	)
	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "re", Type: arrow.PrimitiveTypes.Float64},
			{Name: "im", Type: arrow.PrimitiveTypes.Float64},
		},
		&md,
	)

	reb := array.NewFloat64Builder(c.mem)
	defer reb.Release()
	imb := array.NewFloat64Builder(c.mem)
	defer imb.Release()
	reb.AppendValues(re, nil)
	imb.AppendValues(im, nil)

	cols := []arrow.Array{reb.NewArray(), imb.NewArray()}
	defer cols[0].Release()
	defer cols[1].Release()

	return array.NewRecord(schema, cols, int64(n)), nil
}

// Decode reconstructs a tensor from an encoded record onto the given
// backend.
func (c *TensorCodec) Decode(b device.Backend, rec arrow.Record) (device.Tensor, error) {
	md := rec.Schema().Metadata()

	si := md.FindKey(metaShape)
	di := md.FindKey(metaDType)
	if si < 0 || di < 0 {
		return nil, fmt.Errorf("record missing %s/%s metadata", metaShape, metaDType)
	}

	shape, err := parseShape(md.Values()[si])
	if err != nil {
		return nil, err
	}
	dt, err := device.ParseDType(md.Values()[di])
	if err != nil {
		return nil, err
	}

	if rec.NumCols() != 2 {
		return nil, fmt.Errorf("expected 2 columns, got %d", rec.NumCols())
	}
	re, ok := rec.Column(0).(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("column re is %T, want float64", rec.Column(0))
	}
	im, ok := rec.Column(1).(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("column im is %T, want float64", rec.Column(1))
	}

	n := shape.Elems()
	if re.Len() != n || im.Len() != n {
		return nil, fmt.Errorf("shape %v wants %d elements, record has %d", shape, n, re.Len())
	}

	if dt.IsComplex() {
		data := make([]complex128, n)
		for i := range data {
			data[i] = complex(re.Value(i), im.Value(i))
		}
		return b.NewComplex(shape, dt, data), nil
	}

	data := make([]float64, n)
	for i := range data {
		data[i] = re.Value(i)
	}
	return b.NewTensor(shape, dt, data), nil
}

// parseShape inverts Shape.String.
func parseShape(s string) (device.Shape, error) {
	if s == "scalar" {
		return device.Shape{}, nil
	}
	parts := strings.Split(s, "x")
	shape := make(device.Shape, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("bad shape %q", s)
		}
		shape[i] = d
	}
	return shape, nil
}
