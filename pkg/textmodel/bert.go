package textmodel

import (
	framework "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow/core/framework"
	pb "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow_serving/apis"
	"github.com/tfserving-textclf/tfsclient/pkg/tensor"
)

// BertRequest builds the single-example request of the BERT classifier
// benchmark: ids 0..seqLen-1, a full mask, a single segment and label 2.
func BertRequest(spec *pb.ModelSpec, seqLen int) (*pb.PredictRequest, error) {
	ids := tensor.Sequence(seqLen)
	masks := make([]int32, seqLen)
	for i := range masks {
		masks[i] = 1
	}
	segmentIDs := make([]int32, seqLen)

	inputs := map[string]*framework.TensorProto{}
	for name, values := range map[string][]int32{
		"input_ids":   ids,
		"input_mask":  masks,
		"segment_ids": segmentIDs,
	} {
		t, err := tensor.Int32Matrix([][]int32{values})
		if err != nil {
			return nil, err
		}
		inputs[name] = t
	}
	labels, err := tensor.Int32Vector([]int32{2})
	if err != nil {
		return nil, err
	}
	inputs["label_ids"] = labels

	return &pb.PredictRequest{ModelSpec: spec, Inputs: inputs}, nil
}
