package servingclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/protobuf/ptypes/wrappers"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	pb "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow_serving/apis"
)

const (
	// DefaultAddress is the gRPC port tensorflow_model_server listens on
	DefaultAddress = "127.0.0.1:8500"
	// DefaultTimeout is applied to calls whose context has no deadline
	DefaultTimeout = 5 * time.Second
)

// ErrModelNotFound is returned when TF Serving reports no version of a model
var ErrModelNotFound = errors.New("model not found")

// Config holds the connection settings of a single TF Serving endpoint
type Config struct {
	Address         string
	Timeout         time.Duration
	MaxMessageBytes int
	// Extra dial options, appended after the defaults
	DialOptions []grpc.DialOption
}

// Client wraps the generated PredictionService, ModelService and
// SessionService stubs of one TF Serving endpoint.
type Client struct {
	conn       *grpc.ClientConn
	address    string
	timeout    time.Duration
	prediction pb.PredictionServiceClient
	model      pb.ModelServiceClient
	session    pb.SessionServiceClient
}

// Dial creates a plaintext channel to TF Serving. The connection is
// established lazily on the first call.
func Dial(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
	}
	if cfg.MaxMessageBytes > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageBytes),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageBytes)))
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		log.WithError(err).Errorf("Could not create grpc connection to tfserving at %s", cfg.Address)
		return nil, err
	}
	return NewFromConn(conn, cfg.Address, cfg.Timeout), nil
}

// NewFromConn wraps an existing connection. The Client takes ownership
// of conn and closes it in Close.
func NewFromConn(conn *grpc.ClientConn, address string, timeout time.Duration) *Client {
	return &Client{
		conn:       conn,
		address:    address,
		timeout:    timeout,
		prediction: pb.NewPredictionServiceClient(conn),
		model:      pb.NewModelServiceClient(conn),
		session:    pb.NewSessionServiceClient(conn),
	}
}

// Address returns the target the client was dialed with
func (c *Client) Address() string {
	return c.address
}

// Close closes the underlying connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// ModelSpec creates a ModelSpec. A version <= 0 selects the latest
// version loaded by the server.
func ModelSpec(name string, signature string, version int64) *pb.ModelSpec {
	spec := &pb.ModelSpec{
		Name:          name,
		SignatureName: signature,
	}
	if version > 0 {
		spec.VersionChoice = &pb.ModelSpec_Version{Version: &wrappers.Int64Value{Value: version}}
	}
	return spec
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// invoke runs a single RPC with the default deadline and records its
// outcome.
func (c *Client) invoke(ctx context.Context, method string, spec *pb.ModelSpec, call func(context.Context) error) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	start := time.Now()
	err := call(ctx)
	observe(method, spec.GetName(), status.Code(err), time.Since(start))
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"method":  method,
			"model":   spec.GetName(),
			"address": c.address,
		}).Debug("TF Serving call failed")
		return fmt.Errorf("%s %s: %w", method, spec.GetName(), err)
	}
	return nil
}

// Predict provides access to a loaded TensorFlow model
func (c *Client) Predict(ctx context.Context, req *pb.PredictRequest) (*pb.PredictResponse, error) {
	var resp *pb.PredictResponse
	err := c.invoke(ctx, "Predict", req.GetModelSpec(), func(ctx context.Context) (err error) {
		resp, err = c.prediction.Predict(ctx, req)
		return err
	})
	return resp, err
}

// Classify runs a classification signature over tf.Examples
func (c *Client) Classify(ctx context.Context, req *pb.ClassificationRequest) (*pb.ClassificationResponse, error) {
	var resp *pb.ClassificationResponse
	err := c.invoke(ctx, "Classify", req.GetModelSpec(), func(ctx context.Context) (err error) {
		resp, err = c.prediction.Classify(ctx, req)
		return err
	})
	return resp, err
}

// Regress runs a regression signature over tf.Examples
func (c *Client) Regress(ctx context.Context, req *pb.RegressionRequest) (*pb.RegressionResponse, error) {
	var resp *pb.RegressionResponse
	err := c.invoke(ctx, "Regress", req.GetModelSpec(), func(ctx context.Context) (err error) {
		resp, err = c.prediction.Regress(ctx, req)
		return err
	})
	return resp, err
}

// SessionRun runs the model's session with raw graph tensor names
func (c *Client) SessionRun(ctx context.Context, req *pb.SessionRunRequest) (*pb.SessionRunResponse, error) {
	var resp *pb.SessionRunResponse
	err := c.invoke(ctx, "SessionRun", req.GetModelSpec(), func(ctx context.Context) (err error) {
		resp, err = c.session.SessionRun(ctx, req)
		return err
	})
	return resp, err
}
