// Package textmodel contains the text classification models served by
// TF Serving: FastText and TextCNN take a batch of fixed-length token id
// sequences and return one score per class.
package textmodel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	framework "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow/core/framework"
	"github.com/tfserving-textclf/tfsclient/pkg/tensor"
)

const (
	DefaultSeqLen     = 50
	DefaultNumClasses = 10

	InputName   = "input_x"
	DropoutName = "drop_prob"
	OutputName  = "score"
)

var (
	// ErrSequenceLength is returned for input rows not of length SeqLen
	ErrSequenceLength = errors.New("textmodel: wrong sequence length")
	// ErrNumClasses is returned when the model output has the wrong width
	ErrNumClasses = errors.New("textmodel: wrong number of classes")
	// ErrMissingOutput is returned when the fetched tensor is not in the response
	ErrMissingOutput = errors.New("textmodel: output missing from response")
	// ErrInvalidVersion is returned by Load for versions below 1
	ErrInvalidVersion = errors.New("textmodel: model version must be positive")
)

// Options configures the tensor names and shapes of a model
type Options struct {
	InputName  string
	OutputName string
	// DropoutName is only fed when non-empty
	DropoutName string
	SeqLen      int
	NumClasses  int
}

func (o Options) withDefaults() Options {
	if o.InputName == "" {
		o.InputName = InputName
	}
	if o.OutputName == "" {
		o.OutputName = OutputName
	}
	if o.SeqLen <= 0 {
		o.SeqLen = DefaultSeqLen
	}
	if o.NumClasses <= 0 {
		o.NumClasses = DefaultNumClasses
	}
	return o
}

// Classifier is a text classification model
type Classifier struct {
	Name    string
	Backend Backend
	Options Options
}

// FastText feeds input_x and fetches score
func FastText(backend Backend, opts Options) *Classifier {
	opts.DropoutName = ""
	return &Classifier{Name: "fastText", Backend: backend, Options: opts.withDefaults()}
}

// TextCNN additionally feeds drop_prob = 0 to disable dropout at inference
func TextCNN(backend Backend, opts Options) *Classifier {
	if opts.DropoutName == "" {
		opts.DropoutName = DropoutName
	}
	return &Classifier{Name: "textCnn", Backend: backend, Options: opts.withDefaults()}
}

// Predict returns NumClasses scores for each input sequence
func (m *Classifier) Predict(ctx context.Context, sequences [][]int32) ([][]float32, error) {
	for i, seq := range sequences {
		if len(seq) != m.Options.SeqLen {
			return nil, fmt.Errorf("%w: row %d has %d ids, want %d", ErrSequenceLength, i, len(seq), m.Options.SeqLen)
		}
	}
	input, err := tensor.Int32Matrix(sequences)
	if err != nil {
		return nil, err
	}
	feeds := map[string]*framework.TensorProto{m.Options.InputName: input}
	if m.Options.DropoutName != "" {
		dropout, err := tensor.Float32Vector([]float32{0.0})
		if err != nil {
			return nil, err
		}
		feeds[m.Options.DropoutName] = dropout
	}

	logger := log.WithFields(log.Fields{
		"model":     m.Name,
		"requestId": uuid.New().String(),
		"batch":     len(sequences),
	})
	logger.Debug("Running prediction")
	out, err := m.Backend.Run(ctx, feeds, m.Options.OutputName)
	if err != nil {
		logger.WithError(err).Error("Prediction failed")
		return nil, err
	}

	scores, err := tensor.DecodeFloat32Matrix(out)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(sequences) {
		return nil, fmt.Errorf("%w: %d rows for batch of %d", tensor.ErrShape, len(scores), len(sequences))
	}
	if len(scores) > 0 && len(scores[0]) != m.Options.NumClasses {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrNumClasses, len(scores[0]), m.Options.NumClasses)
	}
	return scores, nil
}

// Argmax returns the index of the highest score of each row
func Argmax(scores [][]float32) []int {
	classes := make([]int, len(scores))
	for i, row := range scores {
		best := 0
		for j := range row {
			if row[j] > row[best] {
				best = j
			}
		}
		classes[i] = best
	}
	return classes
}
