package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	framework "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow/core/framework"
	tfproto "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow/core/protobuf"
	pb "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow_serving/apis"
	"github.com/tfserving-textclf/tfsclient/pkg/servingclient/servingtest"
	"github.com/tfserving-textclf/tfsclient/pkg/tensor"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	b := bytes.NewBufferString("")
	rootCmd.SetOut(b)
	rootCmd.SetErr(bytes.NewBufferString(""))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return b.String(), err
}

func Test_Commands(t *testing.T) {

	t.Run("test root", func(t *testing.T) {
		output, err := execute(t, "help")
		require.NoError(t, err)
		assert.Contains(t, output, "Available Commands")
		for _, name := range []string{"textcnn", "fasttext", "bench", "status", "metadata", "load", "metrics"} {
			assert.Contains(t, output, name)
		}
	})

	t.Run("Bench", func(t *testing.T) {
		cmd := NewBenchCommand()
		assert.True(t, cmd.HasLocalFlags())
		assert.Equal(t, "bench", cmd.Use)
		assert.Equal(t, "int", cmd.Flag("num-tests").Value.Type())
		assert.Equal(t, "int", cmd.Flag("concurrency").Value.Type())
	})

	t.Run("FastText", func(t *testing.T) {
		cmd := NewFastTextCommand()
		assert.Equal(t, "bool", cmd.Flag("load").Value.Type())
	})
}

func TestTextCNNCommand(t *testing.T) {
	server := servingtest.NewTCPServer()
	defer server.Close()
	server.PredictFunc = func(ctx context.Context, req *pb.PredictRequest) (*pb.PredictResponse, error) {
		assert.Equal(t, "textCnn", req.GetModelSpec().GetName())
		assert.Equal(t, TextCNNSignature, req.GetModelSpec().GetSignatureName())
		assert.Equal(t, []int64{1, 50}, tensor.Shape(req.GetInputs()["input_x"]))
		assert.Equal(t, []float32{0}, req.GetInputs()["drop_prob"].GetFloatVal())
		row := make([]float32, 10)
		row[3] = 0.9
		score, err := tensor.Float32Matrix([][]float32{row})
		require.NoError(t, err)
		return &pb.PredictResponse{Outputs: map[string]*framework.TensorProto{"score": score}}, nil
	}

	output, err := execute(t, "textcnn", "--address", server.Address())
	require.NoError(t, err)
	assert.Contains(t, output, "class: 3")
	assert.Equal(t, 1, server.Calls("Predict"))
}

func TestStatusCommand(t *testing.T) {
	server := servingtest.NewTCPServer()
	defer server.Close()
	server.ModelStatusFunc = func(ctx context.Context, req *pb.GetModelStatusRequest) (*pb.GetModelStatusResponse, error) {
		return &pb.GetModelStatusResponse{ModelVersionStatus: []*pb.ModelVersionStatus{
			{Version: 1, State: pb.ModelVersionStatus_AVAILABLE},
		}}, nil
	}

	output, err := execute(t, "status", "--address", server.Address(), "--model", "fastText")
	require.NoError(t, err)
	assert.Equal(t, "fastText: AVAILABLE\n", output)
}

func TestBenchCommand(t *testing.T) {
	server := servingtest.NewTCPServer()
	defer server.Close()
	server.PredictFunc = func(ctx context.Context, req *pb.PredictRequest) (*pb.PredictResponse, error) {
		out, _ := tensor.Float32Vector([]float32{0.1234})
		return &pb.PredictResponse{Outputs: map[string]*framework.TensorProto{"probabilities": out}}, nil
	}

	output, err := execute(t, "bench", "--address", server.Address(), "--model", "bert", "-n", "5", "-c", "2")
	require.NoError(t, err)
	assert.Contains(t, output, "5 requests, 0 errors")
	assert.Equal(t, 5, server.Calls("Predict"))
}

func TestUnsupportedDiscoveryType(t *testing.T) {
	viper.Set("serviceDiscovery.type", "zookeeper")
	defer viper.Set("serviceDiscovery.type", "")

	_, err := execute(t, "status", "--model", "textCnn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported service discovery type")
}

func TestStaticDiscovery(t *testing.T) {
	server := servingtest.NewTCPServer()
	defer server.Close()
	server.ModelStatusFunc = func(ctx context.Context, req *pb.GetModelStatusRequest) (*pb.GetModelStatusResponse, error) {
		return &pb.GetModelStatusResponse{ModelVersionStatus: []*pb.ModelVersionStatus{
			{Version: 2, State: pb.ModelVersionStatus_LOADING},
		}}, nil
	}
	viper.Set("serviceDiscovery.type", "static")
	viper.Set("serviceDiscovery.addresses", []string{server.Address()})
	defer viper.Set("serviceDiscovery.type", "")

	output, err := execute(t, "status", "--model", "textCnn")
	require.NoError(t, err)
	assert.Equal(t, "textCnn: LOADING\n", output)
}

func setConfig(t *testing.T, key string, value interface{}) {
	t.Helper()
	old := viper.Get(key)
	viper.Set(key, value)
	t.Cleanup(func() { viper.Set(key, old) })
}

func sessionScores(class int) *pb.SessionRunResponse {
	row := make([]float32, 10)
	row[class] = 0.9
	score, _ := tensor.Float32Matrix([][]float32{row})
	return &pb.SessionRunResponse{Tensor: []*tfproto.NamedTensorProto{{Name: "score", Tensor: score}}}
}

func TestFastTextCommand(t *testing.T) {
	server := servingtest.NewTCPServer()
	defer server.Close()
	server.SessionRunFunc = func(ctx context.Context, req *pb.SessionRunRequest) (*pb.SessionRunResponse, error) {
		assert.Equal(t, "fastText", req.GetModelSpec().GetName())
		assert.Nil(t, req.GetModelSpec().GetVersion())
		assert.Equal(t, []string{"score"}, req.GetFetch())
		require.Len(t, req.GetFeed(), 1)
		assert.Equal(t, "input_x", req.GetFeed()[0].GetName())
		return sessionScores(7), nil
	}

	output, err := execute(t, "fasttext", "--address", server.Address(), "--model", "fastText", "--model-version", "0")
	require.NoError(t, err)
	assert.Contains(t, output, "class: 7")
	assert.Equal(t, 0, server.Calls("HandleReloadConfigRequest"))
}

func writeModelRepo(t *testing.T, name string, version string) string {
	t.Helper()
	repo := t.TempDir()
	dir := filepath.Join(repo, name, version)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "saved_model.pb"), []byte("graph"), 0644))
	setConfig(t, "modelProvider.type", "diskProvider")
	setConfig(t, "modelProvider.diskProvider.baseDir", repo)
	setConfig(t, "modelCache.hostModelPath", t.TempDir())
	setConfig(t, "serving.servingModelPath", "/models")
	return repo
}

func loadingServer(t *testing.T, version int64) (*servingtest.Server, *[]string) {
	server := servingtest.NewTCPServer()
	var reloaded []string
	server.ReloadConfigFunc = func(ctx context.Context, req *pb.ReloadConfigRequest) (*pb.ReloadConfigResponse, error) {
		for _, c := range req.GetConfig().GetModelConfigList().GetConfig() {
			reloaded = append(reloaded, c.GetBasePath())
		}
		return &pb.ReloadConfigResponse{}, nil
	}
	server.ModelStatusFunc = func(ctx context.Context, req *pb.GetModelStatusRequest) (*pb.GetModelStatusResponse, error) {
		assert.Equal(t, version, req.GetModelSpec().GetVersion().GetValue())
		return &pb.GetModelStatusResponse{ModelVersionStatus: []*pb.ModelVersionStatus{
			{Version: version, State: pb.ModelVersionStatus_AVAILABLE},
		}}, nil
	}
	return server, &reloaded
}

func TestFastTextCommandLoadsModel(t *testing.T) {
	writeModelRepo(t, "fastText", "1")
	server, reloaded := loadingServer(t, 1)
	defer server.Close()
	server.SessionRunFunc = func(ctx context.Context, req *pb.SessionRunRequest) (*pb.SessionRunResponse, error) {
		assert.Equal(t, int64(1), req.GetModelSpec().GetVersion().GetValue())
		return sessionScores(2), nil
	}

	output, err := execute(t, "fasttext", "--load", "--address", server.Address(), "--model", "fastText", "--model-version", "1")
	require.NoError(t, err)
	assert.Contains(t, output, "class: 2")
	assert.Equal(t, []string{"/models/fastText"}, *reloaded)
	assert.Equal(t, 1, server.Calls("SessionRun"))
}

func TestLoadCommand(t *testing.T) {
	writeModelRepo(t, "textCnn", "3")
	server, reloaded := loadingServer(t, 3)
	defer server.Close()

	output, err := execute(t, "load", "--address", server.Address(), "--model", "textCnn", "--model-version", "3")
	require.NoError(t, err)
	assert.Equal(t, "textCnn:3 is AVAILABLE (serving from /models/textCnn)\n", output)
	assert.Equal(t, []string{"/models/textCnn"}, *reloaded)
}

func TestLoadCommandRequiresVersion(t *testing.T) {
	server := servingtest.NewTCPServer()
	defer server.Close()

	_, err := execute(t, "load", "--address", server.Address(), "--model", "textCnn", "--model-version", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive model version")
	assert.Equal(t, 0, server.Calls("HandleReloadConfigRequest"))
}
