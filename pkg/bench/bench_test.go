package bench

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	framework "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow/core/framework"
	pb "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow_serving/apis"
	"github.com/tfserving-textclf/tfsclient/pkg/servingclient"
	"github.com/tfserving-textclf/tfsclient/pkg/servingclient/servingtest"
	"github.com/tfserving-textclf/tfsclient/pkg/tensor"
	"github.com/tfserving-textclf/tfsclient/pkg/textmodel"
)

type predictorMock struct {
	active    int32
	maxActive int32
	calls     int32
	failEvery int32
	output    []float32
}

func (p *predictorMock) Predict(ctx context.Context, req *pb.PredictRequest) (*pb.PredictResponse, error) {
	n := atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)
	for {
		peak := atomic.LoadInt32(&p.maxActive)
		if n <= peak || atomic.CompareAndSwapInt32(&p.maxActive, peak, n) {
			break
		}
	}
	call := atomic.AddInt32(&p.calls, 1)
	time.Sleep(2 * time.Millisecond)
	if p.failEvery > 0 && call%p.failEvery == 0 {
		return nil, errors.New("unavailable")
	}
	out, _ := tensor.Float32Vector(p.output)
	return &pb.PredictResponse{Outputs: map[string]*framework.TensorProto{"probabilities": out}}, nil
}

func TestRunRespectsConcurrency(t *testing.T) {
	predictor := &predictorMock{output: []float32{0.1234}}
	res, err := Run(context.Background(), predictor, &pb.PredictRequest{}, Config{
		NumTests:    40,
		Concurrency: 4,
		Output:      "probabilities",
		Expected:    []float32{0.1234},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Done != 40 || predictor.calls != 40 {
		t.Errorf("Expected 40 requests, done=%d calls=%d", res.Done, predictor.calls)
	}
	if predictor.maxActive > 4 {
		t.Errorf("Expected at most 4 concurrent requests but found %d", predictor.maxActive)
	}
	if res.Errors != 0 || res.ErrorRate != 0 {
		t.Errorf("Expected no errors, found %s", res.String())
	}
}

func TestRunDefaultsToOneWorker(t *testing.T) {
	predictor := &predictorMock{output: []float32{0.1234}}
	res, err := Run(context.Background(), predictor, &pb.PredictRequest{}, Config{
		NumTests:    5,
		Concurrency: 0,
		Output:      "probabilities",
		Expected:    []float32{0.1234},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Done != 5 {
		t.Errorf("Expected 5 requests but found %d", res.Done)
	}
	if predictor.maxActive > 1 {
		t.Errorf("Expected sequential requests but found %d concurrent", predictor.maxActive)
	}
}

func TestRunCountsFailuresAndMismatches(t *testing.T) {
	predictor := &predictorMock{output: []float32{0.5, 0.5}, failEvery: 5}
	res, err := Run(context.Background(), predictor, &pb.PredictRequest{}, Config{
		NumTests:    10,
		Concurrency: 1,
		Output:      "probabilities",
		Expected:    []float32{0.1234, 0.5},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// 2 failed calls, 8 responses with one mismatching element each
	if res.Errors != 10 {
		t.Errorf("Expected 10 errors but found %d", res.Errors)
	}
	if res.ErrorRate != 1.0 {
		t.Errorf("Expected error rate 1.0 but found %f", res.ErrorRate)
	}
}

func TestRunRejectsTooManyTests(t *testing.T) {
	_, err := Run(context.Background(), &predictorMock{}, &pb.PredictRequest{}, Config{NumTests: MaxTests + 1})
	if !errors.Is(err, ErrTooManyTests) {
		t.Errorf("Expected ErrTooManyTests but found %v", err)
	}
}

func TestRunAgainstServer(t *testing.T) {
	server := servingtest.NewServer()
	defer server.Close()
	var mu sync.Mutex
	models := map[string]int{}
	server.PredictFunc = func(ctx context.Context, req *pb.PredictRequest) (*pb.PredictResponse, error) {
		mu.Lock()
		models[req.GetModelSpec().GetName()]++
		mu.Unlock()
		out, _ := tensor.Float32Vector([]float32{0.1234})
		return &pb.PredictResponse{Outputs: map[string]*framework.TensorProto{"probabilities": out}}, nil
	}
	client := server.Client()
	defer client.Close()

	req, err := textmodel.BertRequest(servingclient.ModelSpec("bert", "serving_default", 0), 50)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var progress bytes.Buffer
	res, err := Run(context.Background(), client, req, Config{
		NumTests:    20,
		Concurrency: 5,
		Output:      "probabilities",
		Expected:    []float32{0.1234},
		Timeout:     5 * time.Second,
		Progress:    &progress,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Errors != 0 {
		t.Errorf("Expected no errors, found %s", res.String())
	}
	if models["bert"] != 20 {
		t.Errorf("Expected 20 bert requests, found %d", models["bert"])
	}
	if progress.String() != strings.Repeat(".", 20) {
		t.Errorf("Expected 20 progress dots, found %q", progress.String())
	}
}
