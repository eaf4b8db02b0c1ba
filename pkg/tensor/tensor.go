// Package tensor builds and decodes TensorProto values exchanged with
// TF Serving.
package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	framework "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow/core/framework"
)

var (
	// ErrEmptyInput is returned when a tensor would have no elements
	ErrEmptyInput = errors.New("tensor: empty input")
	// ErrRaggedInput is returned when matrix rows have different lengths
	ErrRaggedInput = errors.New("tensor: rows have different lengths")
	// ErrDType is returned when decoding a tensor of an unexpected dtype
	ErrDType = errors.New("tensor: unexpected dtype")
	// ErrShape is returned when the element count does not match the shape
	ErrShape = errors.New("tensor: element count does not match shape")
)

// Sequence returns the ids 0..n-1, the placeholder input used by the
// example clients.
func Sequence(n int) []int32 {
	seq := make([]int32, n)
	for i := range seq {
		seq[i] = int32(i)
	}
	return seq
}

// NewShape creates a TensorShapeProto with the given dimensions.
func NewShape(dims ...int64) *framework.TensorShapeProto {
	shape := &framework.TensorShapeProto{
		Dim: make([]*framework.TensorShapeProto_Dim, 0, len(dims)),
	}
	for _, d := range dims {
		shape.Dim = append(shape.Dim, &framework.TensorShapeProto_Dim{Size: d})
	}
	return shape
}

// Shape returns the dimensions of the tensor.
func Shape(t *framework.TensorProto) []int64 {
	dims := t.GetTensorShape().GetDim()
	shape := make([]int64, len(dims))
	for i, d := range dims {
		shape[i] = d.GetSize()
	}
	return shape
}

// MaxElements bounds the element count of decoded tensors
const MaxElements = 1 << 28

func numElements(shape []int64) (int64, error) {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
		if d > 0 && n > MaxElements/d {
			return 0, fmt.Errorf("%w: shape %v exceeds %d elements", ErrShape, shape, MaxElements)
		}
		n *= d
	}
	return n, nil
}

// Int32Vector creates a DT_INT32 tensor of shape [len(v)].
func Int32Vector(v []int32) (*framework.TensorProto, error) {
	if len(v) == 0 {
		return nil, ErrEmptyInput
	}
	return &framework.TensorProto{
		Dtype:       framework.DataType_DT_INT32,
		TensorShape: NewShape(int64(len(v))),
		IntVal:      append([]int32(nil), v...),
	}, nil
}

// Int32Matrix creates a DT_INT32 tensor of shape [rows, cols]
// with the values stored row-major.
func Int32Matrix(rows [][]int32) (*framework.TensorProto, error) {
	cols, err := matrixCols(len(rows), func(i int) int { return len(rows[i]) })
	if err != nil {
		return nil, err
	}
	values := make([]int32, 0, len(rows)*cols)
	for _, r := range rows {
		values = append(values, r...)
	}
	return &framework.TensorProto{
		Dtype:       framework.DataType_DT_INT32,
		TensorShape: NewShape(int64(len(rows)), int64(cols)),
		IntVal:      values,
	}, nil
}

// Float32Vector creates a DT_FLOAT tensor of shape [len(v)].
func Float32Vector(v []float32) (*framework.TensorProto, error) {
	if len(v) == 0 {
		return nil, ErrEmptyInput
	}
	return &framework.TensorProto{
		Dtype:       framework.DataType_DT_FLOAT,
		TensorShape: NewShape(int64(len(v))),
		FloatVal:    append([]float32(nil), v...),
	}, nil
}

// Float32Matrix creates a DT_FLOAT tensor of shape [rows, cols].
func Float32Matrix(rows [][]float32) (*framework.TensorProto, error) {
	cols, err := matrixCols(len(rows), func(i int) int { return len(rows[i]) })
	if err != nil {
		return nil, err
	}
	values := make([]float32, 0, len(rows)*cols)
	for _, r := range rows {
		values = append(values, r...)
	}
	return &framework.TensorProto{
		Dtype:       framework.DataType_DT_FLOAT,
		TensorShape: NewShape(int64(len(rows)), int64(cols)),
		FloatVal:    values,
	}, nil
}

func matrixCols(numRows int, rowLen func(int) int) (int, error) {
	if numRows == 0 || rowLen(0) == 0 {
		return 0, ErrEmptyInput
	}
	cols := rowLen(0)
	for i := 1; i < numRows; i++ {
		if rowLen(i) != cols {
			return 0, fmt.Errorf("row %d has %d values, expected %d: %w", i, rowLen(i), cols, ErrRaggedInput)
		}
	}
	return cols, nil
}

// DecodeFloat32 returns the values of a DT_FLOAT tensor. TF Serving
// either fills float_val or packs the values little-endian into
// tensor_content.
func DecodeFloat32(t *framework.TensorProto) ([]float32, error) {
	if t.GetDtype() != framework.DataType_DT_FLOAT {
		return nil, fmt.Errorf("%w: got %s, want DT_FLOAT", ErrDType, t.GetDtype().String())
	}
	if len(t.GetFloatVal()) > 0 {
		n, err := numElements(Shape(t))
		if err != nil {
			return nil, err
		}
		return expandFloat32(t.GetFloatVal(), n), nil
	}
	content := t.GetTensorContent()
	if len(content)%4 != 0 {
		return nil, fmt.Errorf("%w: %d content bytes", ErrShape, len(content))
	}
	values := make([]float32, len(content)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(content[i*4:]))
	}
	return values, nil
}

// A single repeated value is shorthand for a tensor filled with it.
func expandFloat32(values []float32, n int64) []float32 {
	if len(values) != 1 || n <= 1 {
		return values
	}
	filled := make([]float32, n)
	for i := range filled {
		filled[i] = values[0]
	}
	return filled
}

// DecodeFloat32Matrix decodes a 2-D DT_FLOAT tensor into rows.
func DecodeFloat32Matrix(t *framework.TensorProto) ([][]float32, error) {
	values, err := DecodeFloat32(t)
	if err != nil {
		return nil, err
	}
	shape := Shape(t)
	if len(shape) != 2 {
		return nil, fmt.Errorf("%w: rank %d, want 2", ErrShape, len(shape))
	}
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if n != int64(len(values)) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(values), shape)
	}
	rows := make([][]float32, shape[0])
	cols := int(shape[1])
	for i := range rows {
		rows[i] = values[i*cols : (i+1)*cols]
	}
	return rows, nil
}

// DecodeInt64 returns the values of a DT_INT64 tensor.
func DecodeInt64(t *framework.TensorProto) ([]int64, error) {
	if t.GetDtype() != framework.DataType_DT_INT64 {
		return nil, fmt.Errorf("%w: got %s, want DT_INT64", ErrDType, t.GetDtype().String())
	}
	if len(t.GetInt64Val()) > 0 {
		return t.GetInt64Val(), nil
	}
	content := t.GetTensorContent()
	if len(content)%8 != 0 {
		return nil, fmt.Errorf("%w: %d content bytes", ErrShape, len(content))
	}
	values := make([]int64, len(content)/8)
	for i := range values {
		values[i] = int64(binary.LittleEndian.Uint64(content[i*8:]))
	}
	return values, nil
}
