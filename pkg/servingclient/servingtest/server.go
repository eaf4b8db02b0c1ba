// Package servingtest provides an in-process fake TF Serving for tests.
package servingtest

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	pb "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow_serving/apis"
	"github.com/tfserving-textclf/tfsclient/pkg/servingclient"
)

const bufSize = 1024 * 1024

// Server is a fake TF Serving. Unset handlers answer Unimplemented.
type Server struct {
	pb.UnimplementedPredictionServiceServer
	pb.UnimplementedModelServiceServer
	pb.UnimplementedSessionServiceServer

	PredictFunc      func(context.Context, *pb.PredictRequest) (*pb.PredictResponse, error)
	ClassifyFunc     func(context.Context, *pb.ClassificationRequest) (*pb.ClassificationResponse, error)
	RegressFunc      func(context.Context, *pb.RegressionRequest) (*pb.RegressionResponse, error)
	MetadataFunc     func(context.Context, *pb.GetModelMetadataRequest) (*pb.GetModelMetadataResponse, error)
	SessionRunFunc   func(context.Context, *pb.SessionRunRequest) (*pb.SessionRunResponse, error)
	ModelStatusFunc  func(context.Context, *pb.GetModelStatusRequest) (*pb.GetModelStatusResponse, error)
	ReloadConfigFunc func(context.Context, *pb.ReloadConfigRequest) (*pb.ReloadConfigResponse, error)

	mu       sync.Mutex
	calls    map[string]int
	listener net.Listener
	server   *grpc.Server
}

// NewServer starts serving on an in-memory listener
func NewServer() *Server {
	return serve(bufconn.Listen(bufSize))
}

// NewTCPServer starts serving on a random loopback port, for code that
// dials an address itself
func NewTCPServer() *Server {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.WithError(err).Panic("Error listening for fake TF Serving")
	}
	return serve(lis)
}

func serve(lis net.Listener) *Server {
	s := &Server{
		calls:    make(map[string]int),
		listener: lis,
		server:   grpc.NewServer(),
	}
	pb.RegisterPredictionServiceServer(s.server, s)
	pb.RegisterModelServiceServer(s.server, s)
	pb.RegisterSessionServiceServer(s.server, s)
	go func() {
		if err := s.server.Serve(s.listener); err != nil {
			log.WithError(err).Debug("Fake TF Serving stopped")
		}
	}()
	return s
}

// Address returns host:port of a TCP server
func (s *Server) Address() string {
	return s.listener.Addr().String()
}

// Client dials the fake server
func (s *Server) Client() *servingclient.Client {
	cfg := servingclient.Config{
		Address: s.Address(),
		Timeout: 5 * time.Second,
	}
	if buf, ok := s.listener.(*bufconn.Listener); ok {
		cfg.Address = "passthrough:///bufnet"
		cfg.DialOptions = []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return buf.DialContext(ctx)
			}),
		}
	}
	client, err := servingclient.Dial(cfg)
	if err != nil {
		log.WithError(err).Panic("Error dialing fake TF Serving")
	}
	return client
}

// Close stops the server
func (s *Server) Close() {
	s.server.Stop()
}

// Calls returns how often a method was invoked
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Server) record(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
}

func (s *Server) Predict(ctx context.Context, req *pb.PredictRequest) (*pb.PredictResponse, error) {
	s.record("Predict")
	if s.PredictFunc == nil {
		return nil, status.Error(codes.Unimplemented, "Predict")
	}
	resp, err := s.PredictFunc(ctx, req)
	if err != nil {
		return nil, err
	}
	// output_filter must name aliases of the signature, as TF Serving checks
	for _, alias := range req.GetOutputFilter() {
		if _, ok := resp.GetOutputs()[alias]; !ok {
			return nil, status.Errorf(codes.InvalidArgument, "output tensor alias not found in signature: %s", alias)
		}
	}
	return resp, nil
}

func (s *Server) Classify(ctx context.Context, req *pb.ClassificationRequest) (*pb.ClassificationResponse, error) {
	s.record("Classify")
	if s.ClassifyFunc == nil {
		return nil, status.Error(codes.Unimplemented, "Classify")
	}
	return s.ClassifyFunc(ctx, req)
}

func (s *Server) Regress(ctx context.Context, req *pb.RegressionRequest) (*pb.RegressionResponse, error) {
	s.record("Regress")
	if s.RegressFunc == nil {
		return nil, status.Error(codes.Unimplemented, "Regress")
	}
	return s.RegressFunc(ctx, req)
}

func (s *Server) GetModelMetadata(ctx context.Context, req *pb.GetModelMetadataRequest) (*pb.GetModelMetadataResponse, error) {
	s.record("GetModelMetadata")
	if s.MetadataFunc == nil {
		return nil, status.Error(codes.Unimplemented, "GetModelMetadata")
	}
	return s.MetadataFunc(ctx, req)
}

func (s *Server) SessionRun(ctx context.Context, req *pb.SessionRunRequest) (*pb.SessionRunResponse, error) {
	s.record("SessionRun")
	if s.SessionRunFunc == nil {
		return nil, status.Error(codes.Unimplemented, "SessionRun")
	}
	return s.SessionRunFunc(ctx, req)
}

func (s *Server) GetModelStatus(ctx context.Context, req *pb.GetModelStatusRequest) (*pb.GetModelStatusResponse, error) {
	s.record("GetModelStatus")
	if s.ModelStatusFunc == nil {
		return nil, status.Error(codes.Unimplemented, "GetModelStatus")
	}
	return s.ModelStatusFunc(ctx, req)
}

func (s *Server) HandleReloadConfigRequest(ctx context.Context, req *pb.ReloadConfigRequest) (*pb.ReloadConfigResponse, error) {
	s.record("HandleReloadConfigRequest")
	if s.ReloadConfigFunc == nil {
		return nil, status.Error(codes.Unimplemented, "HandleReloadConfigRequest")
	}
	return s.ReloadConfigFunc(ctx, req)
}
