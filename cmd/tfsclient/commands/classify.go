package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tfserving-textclf/tfsclient/pkg/servingclient"
	"github.com/tfserving-textclf/tfsclient/pkg/tensor"
	"github.com/tfserving-textclf/tfsclient/pkg/textmodel"
)

// TextCNNSignature is the signature exported with the TextCNN SavedModel
const TextCNNSignature = "textCnn_sig_def"

func textModelOptions() textmodel.Options {
	return textmodel.Options{
		SeqLen:     viper.GetInt("model.seqLen"),
		NumClasses: viper.GetInt("model.numClasses"),
	}
}

func NewTextCNNCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "textcnn",
		Short: "Classify the sequence 0..seqLen-1 with the TextCNN model",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, signature, version := modelSpecOptions()
			if name == "" {
				name = "textCnn"
			}
			if signature == "" {
				signature = TextCNNSignature
			}
			ctx := cmd.Context()
			client, closeFn, err := connect(ctx, name)
			if err != nil {
				return err
			}
			defer closeFn()

			backend := &textmodel.PredictBackend{
				Client: client,
				Spec:   servingclient.ModelSpec(name, signature, version),
			}
			return classify(ctx, cmd.OutOrStdout(), textmodel.TextCNN(backend, textModelOptions()))
		},
	}
	return command
}

func NewFastTextCommand() *cobra.Command {
	var load bool
	command := &cobra.Command{
		Use:   "fasttext",
		Short: "Classify the sequence 0..seqLen-1 with the FastText model graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _, version := modelSpecOptions()
			if name == "" {
				name = "fastText"
			}
			ctx := cmd.Context()
			client, closeFn, err := connect(ctx, name)
			if err != nil {
				return err
			}
			defer closeFn()

			var backend textmodel.Backend = &textmodel.SessionBackend{
				Client: client,
				Spec:   servingclient.ModelSpec(name, "", version),
			}
			if load {
				backend, err = loadModel(ctx, client, name, version)
				if err != nil {
					return err
				}
			}
			return classify(ctx, cmd.OutOrStdout(), textmodel.FastText(backend, textModelOptions()))
		},
	}
	command.Flags().BoolVar(&load, "load", false, "Stage the model and wait for TF Serving to load it first")
	return command
}

func loadModel(ctx context.Context, client *servingclient.Client, name string, version int64) (*textmodel.SessionBackend, error) {
	stager, err := newStager()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, viper.GetDuration("model.loadTimeout"))
	defer cancel()
	return textmodel.Load(ctx, client, stager, textmodel.LoadOptions{
		Name:           name,
		Version:        version,
		ServerModelDir: viper.GetString("serving.servingModelPath"),
		PollInterval:   500 * time.Millisecond,
	})
}

func classify(ctx context.Context, out io.Writer, model *textmodel.Classifier) error {
	input := [][]int32{tensor.Sequence(model.Options.SeqLen)}
	scores, err := model.Predict(ctx, input)
	if err != nil {
		return err
	}
	classes := textmodel.Argmax(scores)
	for i := range scores {
		fmt.Fprintf(out, "scores: %v\nclass: %d\n", scores[i], classes[i])
	}
	return nil
}
