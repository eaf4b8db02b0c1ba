package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tfserving-textclf/tfsclient/pkg/servingclient"
)

func NewStatusCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "status",
		Short: "Print the state of a model version",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _, version := modelSpecOptions()
			if name == "" {
				return fmt.Errorf("model name is required")
			}
			client, closeFn, err := connect(cmd.Context(), name)
			if err != nil {
				return err
			}
			defer closeFn()

			state, err := client.GetModelStatus(cmd.Context(), name, version)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, state.String())
			return nil
		},
	}
	return command
}

func NewMetadataCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "metadata",
		Short: "Print the signatures of a model",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _, version := modelSpecOptions()
			if name == "" {
				return fmt.Errorf("model name is required")
			}
			client, closeFn, err := connect(cmd.Context(), name)
			if err != nil {
				return err
			}
			defer closeFn()

			signatures, err := client.Signatures(cmd.Context(), servingclient.ModelSpec(name, "", version))
			if err != nil {
				return err
			}
			printSignatures(cmd, signatures)
			return nil
		},
	}
	return command
}

func printSignatures(cmd *cobra.Command, signatures []servingclient.Signature) {
	out := cmd.OutOrStdout()
	for _, sig := range signatures {
		fmt.Fprintf(out, "%s (%s)\n", sig.Name, sig.Method)
		for _, in := range sig.Inputs {
			fmt.Fprintf(out, "  in  %s: %s %s %v\n", in.Alias, in.Name, in.DType, in.Shape)
		}
		for _, o := range sig.Outputs {
			fmt.Fprintf(out, "  out %s: %s %s %v\n", o.Alias, o.Name, o.DType, o.Shape)
		}
	}
}

func NewLoadCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "load",
		Short: "Stage a SavedModel and wait until TF Serving serves it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _, version := modelSpecOptions()
			if name == "" || version <= 0 {
				return fmt.Errorf("model name and a positive model version are required")
			}
			client, closeFn, err := connect(cmd.Context(), name)
			if err != nil {
				return err
			}
			defer closeFn()

			if _, err := loadModel(cmd.Context(), client, name, version); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%d is AVAILABLE (serving from %s)\n",
				name, version, strings.TrimSuffix(viper.GetString("serving.servingModelPath"), "/")+"/"+name)
			return nil
		},
	}
	return command
}
