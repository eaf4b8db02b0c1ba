package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tfserving-textclf/tfsclient/pkg/bench"
	"github.com/tfserving-textclf/tfsclient/pkg/servingclient"
	"github.com/tfserving-textclf/tfsclient/pkg/textmodel"
)

func NewBenchCommand() *cobra.Command {
	var (
		numTests    int
		concurrency int
	)
	command := &cobra.Command{
		Use:   "bench",
		Short: "Send the same BERT Predict request many times and report the error rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, signature, version := modelSpecOptions()
			if name == "" {
				name = "bert"
			}
			if signature == "" {
				signature = "serving_default"
			}
			if !cmd.Flags().Changed("num-tests") {
				numTests = viper.GetInt("bench.numTests")
			}
			if !cmd.Flags().Changed("concurrency") {
				concurrency = viper.GetInt("bench.concurrency")
			}

			req, err := textmodel.BertRequest(servingclient.ModelSpec(name, signature, version), viper.GetInt("model.seqLen"))
			if err != nil {
				return err
			}
			client, closeFn, err := connect(cmd.Context(), name)
			if err != nil {
				return err
			}
			defer closeFn()

			expected := make([]float32, 0)
			for _, v := range viper.GetStringSlice("bench.expected") {
				var f float32
				if _, err := fmt.Sscan(v, &f); err != nil {
					return fmt.Errorf("invalid expected value %q: %w", v, err)
				}
				expected = append(expected, f)
			}

			res, err := bench.Run(cmd.Context(), client, req, bench.Config{
				NumTests:    numTests,
				Concurrency: concurrency,
				Output:      viper.GetString("bench.output"),
				Expected:    expected,
				Timeout:     viper.GetDuration("serving.timeout"),
				Progress:    cmd.ErrOrStderr(),
			})
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.String())
			return nil
		},
	}
	command.Flags().IntVarP(&numTests, "num-tests", "n", 100, fmt.Sprintf("Number of requests, at most %d", bench.MaxTests))
	command.Flags().IntVarP(&concurrency, "concurrency", "c", 1, "Maximum number of requests in flight")
	return command
}
