package textmodel

import (
	"context"
	"fmt"
	"sort"

	framework "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow/core/framework"
	tfproto "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow/core/protobuf"
	pb "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow_serving/apis"
	"github.com/tfserving-textclf/tfsclient/pkg/servingclient"
)

// Backend feeds named tensors to a served model and fetches one output
type Backend interface {
	Run(ctx context.Context, feeds map[string]*framework.TensorProto, fetch string) (*framework.TensorProto, error)
}

// PredictBackend runs a signature through PredictionService.Predict.
// Feed and fetch names are signature aliases. No output filter is sent:
// the server rejects unknown aliases, which would rule out the fallback
// to a renamed single output.
type PredictBackend struct {
	Client *servingclient.Client
	Spec   *pb.ModelSpec
}

func (b *PredictBackend) Run(ctx context.Context, feeds map[string]*framework.TensorProto, fetch string) (*framework.TensorProto, error) {
	resp, err := b.Client.Predict(ctx, &pb.PredictRequest{
		ModelSpec: b.Spec,
		Inputs:    feeds,
	})
	if err != nil {
		return nil, err
	}
	outputs := resp.GetOutputs()
	if out, ok := outputs[fetch]; ok {
		return out, nil
	}
	// Signatures sometimes rename the only output
	if len(outputs) == 1 {
		for _, out := range outputs {
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %q not in %v", ErrMissingOutput, fetch, outputNames(outputs))
}

// SessionBackend runs the model graph through SessionService.SessionRun.
// Feed and fetch names are graph tensor names.
type SessionBackend struct {
	Client *servingclient.Client
	Spec   *pb.ModelSpec
}

func (b *SessionBackend) Run(ctx context.Context, feeds map[string]*framework.TensorProto, fetch string) (*framework.TensorProto, error) {
	req := &pb.SessionRunRequest{
		ModelSpec: b.Spec,
		Feed:      make([]*tfproto.NamedTensorProto, 0, len(feeds)),
		Fetch:     []string{fetch},
	}
	// Feeds in name order
	names := make([]string, 0, len(feeds))
	for name := range feeds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		req.Feed = append(req.Feed, &tfproto.NamedTensorProto{Name: name, Tensor: feeds[name]})
	}

	resp, err := b.Client.SessionRun(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, t := range resp.GetTensor() {
		if t.GetName() == fetch {
			return t.GetTensor(), nil
		}
	}
	// TF Serving answers fetches in order, names may be left empty
	if len(resp.GetTensor()) == 1 {
		return resp.GetTensor()[0].GetTensor(), nil
	}
	return nil, fmt.Errorf("%w: %q not in session run response", ErrMissingOutput, fetch)
}

func outputNames(outputs map[string]*framework.TensorProto) []string {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
