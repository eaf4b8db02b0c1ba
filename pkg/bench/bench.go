// Package bench measures the error rate and throughput of a model served
// by TF Serving by issuing the same Predict request many times with
// bounded concurrency.
package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	pb "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow_serving/apis"
	"github.com/tfserving-textclf/tfsclient/pkg/tensor"
)

// MaxTests bounds the number of requests of a single run
const MaxTests = 10000

// ErrTooManyTests is returned when NumTests exceeds MaxTests
var ErrTooManyTests = fmt.Errorf("num tests should not be greater than %d", MaxTests)

// Predictor issues Predict calls; *servingclient.Client satisfies it
type Predictor interface {
	Predict(ctx context.Context, req *pb.PredictRequest) (*pb.PredictResponse, error)
}

// Config of a benchmark run
type Config struct {
	NumTests    int
	Concurrency int
	// Output is the response tensor compared against Expected
	Output   string
	Expected []float32
	// Timeout of each request, 0 uses the client's default
	Timeout time.Duration
	// Progress receives a '.' per successful request when set
	Progress io.Writer
}

// Result of a benchmark run
type Result struct {
	Done      int
	Errors    int
	ErrorRate float64
	Elapsed   time.Duration
}

func (r Result) String() string {
	return fmt.Sprintf("%d requests, %d errors (%.2f%%) in %s", r.Done, r.Errors, r.ErrorRate*100, r.Elapsed)
}

type resultCounter struct {
	mu     sync.Mutex
	done   int
	errors int
}

func (c *resultCounter) incError(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors += n
}

func (c *resultCounter) incDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done++
}

// Run sends cfg.NumTests copies of req with at most cfg.Concurrency in
// flight. Failed requests and mismatching output elements count as
// errors; Run itself only fails on invalid config or cancellation.
func Run(ctx context.Context, predictor Predictor, req *pb.PredictRequest, cfg Config) (Result, error) {
	if cfg.NumTests > MaxTests {
		return Result{}, ErrTooManyTests
	}
	if cfg.NumTests <= 0 {
		return Result{}, errors.New("num tests must be positive")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	counter := &resultCounter{}
	var progressMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	start := time.Now()
	for i := 0; i < cfg.NumTests; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer counter.incDone()
			callCtx := gctx
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(gctx, cfg.Timeout)
				defer cancel()
			}
			resp, err := predictor.Predict(callCtx, req)
			if err != nil {
				log.WithError(err).Debug("Benchmark request failed")
				counter.incError(1)
				return nil
			}
			counter.incError(countMismatches(resp, cfg))
			if cfg.Progress != nil {
				progressMu.Lock()
				_, _ = cfg.Progress.Write([]byte("."))
				progressMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	return Result{
		Done:      counter.done,
		Errors:    counter.errors,
		ErrorRate: float64(counter.errors) / float64(cfg.NumTests),
		Elapsed:   time.Since(start),
	}, nil
}

// Each element of the output that differs from the expected value is
// one error. Elements past len(Expected) are not checked.
func countMismatches(resp *pb.PredictResponse, cfg Config) int {
	if cfg.Output == "" || len(cfg.Expected) == 0 {
		return 0
	}
	out, ok := resp.GetOutputs()[cfg.Output]
	if !ok {
		return 1
	}
	values, err := tensor.DecodeFloat32(out)
	if err != nil {
		log.WithError(err).Debugf("Could not decode %s", cfg.Output)
		return 1
	}
	mismatches := 0
	for i, want := range cfg.Expected {
		if i >= len(values) || values[i] != want {
			mismatches++
		}
	}
	return mismatches
}
