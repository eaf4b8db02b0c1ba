package servingclient

import (
	"context"
	"fmt"
	"sort"

	"github.com/golang/protobuf/ptypes"

	tfproto "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow/core/protobuf"
	pb "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow_serving/apis"
)

const signatureDefField = "signature_def"

// TensorInfo describes one named input or output of a signature
type TensorInfo struct {
	Alias string
	Name  string
	DType string
	Shape []int64
}

// Signature is a flattened SignatureDef
type Signature struct {
	Name    string
	Method  string
	Inputs  []TensorInfo
	Outputs []TensorInfo
}

// GetModelMetadata fetches the raw signature_def metadata of a model
func (c *Client) GetModelMetadata(ctx context.Context, spec *pb.ModelSpec) (*pb.GetModelMetadataResponse, error) {
	req := &pb.GetModelMetadataRequest{
		ModelSpec:     spec,
		MetadataField: []string{signatureDefField},
	}
	var resp *pb.GetModelMetadataResponse
	err := c.invoke(ctx, "GetModelMetadata", spec, func(ctx context.Context) (err error) {
		resp, err = c.prediction.GetModelMetadata(ctx, req)
		return err
	})
	return resp, err
}

// Signatures returns the signatures of a model sorted by name
func (c *Client) Signatures(ctx context.Context, spec *pb.ModelSpec) ([]Signature, error) {
	resp, err := c.GetModelMetadata(ctx, spec)
	if err != nil {
		return nil, err
	}
	return DecodeSignatures(resp)
}

// DecodeSignatures unpacks the signature_def entry of a metadata response
func DecodeSignatures(resp *pb.GetModelMetadataResponse) ([]Signature, error) {
	raw, ok := resp.GetMetadata()[signatureDefField]
	if !ok {
		return nil, fmt.Errorf("metadata for %s has no %s", resp.GetModelSpec().GetName(), signatureDefField)
	}
	var defs pb.SignatureDefMap
	if err := ptypes.UnmarshalAny(raw, &defs); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", signatureDefField, err)
	}

	signatures := make([]Signature, 0, len(defs.GetSignatureDef()))
	for name, def := range defs.GetSignatureDef() {
		signatures = append(signatures, Signature{
			Name:    name,
			Method:  def.GetMethodName(),
			Inputs:  tensorInfos(def.GetInputs()),
			Outputs: tensorInfos(def.GetOutputs()),
		})
	}
	sort.Slice(signatures, func(i, j int) bool { return signatures[i].Name < signatures[j].Name })
	return signatures, nil
}

func tensorInfos(m map[string]*tfproto.TensorInfo) []TensorInfo {
	infos := make([]TensorInfo, 0, len(m))
	for alias, info := range m {
		dims := info.GetTensorShape().GetDim()
		shape := make([]int64, len(dims))
		for i, d := range dims {
			shape[i] = d.GetSize()
		}
		infos = append(infos, TensorInfo{
			Alias: alias,
			Name:  info.GetName(),
			DType: info.GetDtype().String(),
			Shape: shape,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Alias < infos[j].Alias })
	return infos
}
