package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tfsclient",
	Short: "Client for text classification models served by TensorFlow Serving",
	Long: `tfsclient talks to TensorFlow Serving over gRPC. It runs the TextCNN
and FastText classifiers, stages SavedModels and asks the server to load
them, inspects model status and signatures and benchmarks Predict calls.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		level, err := log.ParseLevel(viper.GetString("log.level"))
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		log.SetLevel(level)
		return nil
	},
}

func init() {
	setDefaults()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default ./config.yaml)")
	flags.String("address", "", "TF Serving gRPC address host:port")
	flags.Duration("timeout", 0, "Deadline of each RPC")
	flags.String("log-level", "", "Log level")
	flags.String("model", "", "Model name")
	flags.String("signature", "", "Signature name")
	flags.Int64("model-version", 0, "Model version, 0 selects the latest")
	bindFlag("serving.address", "address")
	bindFlag("serving.timeout", "timeout")
	bindFlag("log.level", "log-level")
	bindFlag("model.name", "model")
	bindFlag("model.signature", "signature")
	bindFlag("model.version", "model-version")

	rootCmd.AddCommand(
		NewTextCNNCommand(),
		NewFastTextCommand(),
		NewBenchCommand(),
		NewStatusCommand(),
		NewMetadataCommand(),
		NewLoadCommand(),
		NewMetricsCommand(),
	)
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("serving.address", "127.0.0.1:8500")
	viper.SetDefault("serving.restAddress", "http://127.0.0.1:8501")
	viper.SetDefault("serving.timeout", "5s")
	viper.SetDefault("serving.maxMessageBytes", 0)
	viper.SetDefault("serving.servingModelPath", "/models")
	viper.SetDefault("model.signature", "")
	viper.SetDefault("model.version", 0)
	viper.SetDefault("model.seqLen", 50)
	viper.SetDefault("model.numClasses", 10)
	viper.SetDefault("model.loadTimeout", "60s")
	viper.SetDefault("bench.numTests", 100)
	viper.SetDefault("bench.concurrency", 1)
	viper.SetDefault("bench.output", "probabilities")
	viper.SetDefault("bench.expected", []string{"0.1234"})
	viper.SetDefault("proxy.replicasPerModel", 1)
	viper.SetDefault("serviceDiscovery.type", "")
	viper.SetDefault("serviceDiscovery.serviceName", "tensorflow-serving")
	viper.SetDefault("serviceDiscovery.pollInterval", "5s")
	viper.SetDefault("modelProvider.type", "diskProvider")
	viper.SetDefault("modelProvider.diskProvider.baseDir", "./model_repo")
	viper.SetDefault("modelCache.hostModelPath", "./models")
	viper.SetDefault("modelCache.size", 1000000000)
	viper.SetDefault("metrics.path", "/monitoring/prometheus/metrics")
	viper.SetDefault("metrics.timeout", "5s")
}

func bindFlag(key string, name string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(name)); err != nil {
		log.WithError(err).Fatalf("Could not bind flag %s", name)
	}
}

func initConfig() error {
	viper.SetEnvPrefix("TFSCLIENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to load configuration file. %w", err)
		}
		log.Debug("No config file found, using defaults")
		return nil
	}
	log.Debugf("Using config file %s", viper.ConfigFileUsed())
	return nil
}

// Execute runs the root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
