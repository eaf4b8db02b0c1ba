package tensor

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	framework "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow/core/framework"
	"github.com/google/go-cmp/cmp"
)

func TestInt32MatrixShapeAndValues(t *testing.T) {
	tp, err := Int32Matrix([][]int32{Sequence(50)})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if tp.GetDtype() != framework.DataType_DT_INT32 {
		t.Errorf("Expected DT_INT32 but found %s", tp.GetDtype().String())
	}
	if diff := cmp.Diff([]int64{1, 50}, Shape(tp)); diff != "" {
		t.Errorf("Wrong shape (-want +got):\n%s", diff)
	}
	if len(tp.GetIntVal()) != 50 || tp.GetIntVal()[49] != 49 {
		t.Errorf("Wrong values: %v", tp.GetIntVal())
	}
}

func TestInt32MatrixRejectsRaggedRows(t *testing.T) {
	_, err := Int32Matrix([][]int32{{1, 2}, {3}})
	if !errors.Is(err, ErrRaggedInput) {
		t.Errorf("Expected ErrRaggedInput but found %v", err)
	}
	_, err = Int32Matrix(nil)
	if !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Expected ErrEmptyInput but found %v", err)
	}
}

func TestFloat32VectorDropProb(t *testing.T) {
	tp, err := Float32Vector([]float32{0.0})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff([]int64{1}, Shape(tp)); diff != "" {
		t.Errorf("Wrong shape (-want +got):\n%s", diff)
	}
}

func TestDecodeFloat32MatrixFromFloatVal(t *testing.T) {
	want := [][]float32{{0.1, 0.9}, {0.7, 0.3}}
	tp, err := Float32Matrix(want)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got, err := DecodeFloat32Matrix(tp)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Wrong rows (-want +got):\n%s", diff)
	}
}

func TestDecodeFloat32FromTensorContent(t *testing.T) {
	values := []float32{1.5, -2, 3.25}
	content := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(content[i*4:], math.Float32bits(v))
	}
	tp := &framework.TensorProto{
		Dtype:         framework.DataType_DT_FLOAT,
		TensorShape:   NewShape(1, 3),
		TensorContent: content,
	}
	got, err := DecodeFloat32Matrix(tp)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff([][]float32{values}, got); diff != "" {
		t.Errorf("Wrong rows (-want +got):\n%s", diff)
	}
}

func TestDecodeFloat32ExpandsSingleValue(t *testing.T) {
	tp := &framework.TensorProto{
		Dtype:       framework.DataType_DT_FLOAT,
		TensorShape: NewShape(2, 2),
		FloatVal:    []float32{0.5},
	}
	got, err := DecodeFloat32(tp)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff([]float32{0.5, 0.5, 0.5, 0.5}, got); diff != "" {
		t.Errorf("Wrong values (-want +got):\n%s", diff)
	}
}

func TestDecodeFloat32WrongDType(t *testing.T) {
	tp, _ := Int32Vector([]int32{1})
	if _, err := DecodeFloat32(tp); !errors.Is(err, ErrDType) {
		t.Errorf("Expected ErrDType but found %v", err)
	}
}

func TestDecodeFloat32MatrixShapeMismatch(t *testing.T) {
	tp := &framework.TensorProto{
		Dtype:       framework.DataType_DT_FLOAT,
		TensorShape: NewShape(2, 3),
		FloatVal:    []float32{1, 2, 3, 4},
	}
	if _, err := DecodeFloat32Matrix(tp); !errors.Is(err, ErrShape) {
		t.Errorf("Expected ErrShape but found %v", err)
	}
}

func TestDecodeInt64FromContent(t *testing.T) {
	content := make([]byte, 16)
	binary.LittleEndian.PutUint64(content, 7)
	binary.LittleEndian.PutUint64(content[8:], 3)
	tp := &framework.TensorProto{
		Dtype:         framework.DataType_DT_INT64,
		TensorShape:   NewShape(2),
		TensorContent: content,
	}
	got, err := DecodeInt64(tp)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff([]int64{7, 3}, got); diff != "" {
		t.Errorf("Wrong values (-want +got):\n%s", diff)
	}
}

func TestDecodeFloat32MatrixRejectsNegativeDims(t *testing.T) {
	for _, shape := range [][]int64{{-1, 10}, {-2, -5}, {10, -1}} {
		tp := &framework.TensorProto{
			Dtype:       framework.DataType_DT_FLOAT,
			TensorShape: NewShape(shape...),
			FloatVal:    make([]float32, 10),
		}
		_, err := DecodeFloat32Matrix(tp)
		if !errors.Is(err, ErrShape) {
			t.Errorf("Expected ErrShape for shape %v but found %v", shape, err)
		}
	}
}

func TestDecodeFloat32RejectsHugeFill(t *testing.T) {
	tp := &framework.TensorProto{
		Dtype:       framework.DataType_DT_FLOAT,
		TensorShape: NewShape(1<<20, 1<<20),
		FloatVal:    []float32{0.5},
	}
	_, err := DecodeFloat32(tp)
	if !errors.Is(err, ErrShape) {
		t.Errorf("Expected ErrShape but found %v", err)
	}

	tp.TensorShape = NewShape(1<<40, 1<<40)
	_, err = DecodeFloat32Matrix(tp)
	if !errors.Is(err, ErrShape) {
		t.Errorf("Expected ErrShape on overflowing shape but found %v", err)
	}
}
