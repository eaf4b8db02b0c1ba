package servingclient

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	log "github.com/sirupsen/logrus"

	pb "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow_serving/apis"
	tfconfig "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow_serving/config"
	storagepath "github.com/figroc/tensorflow-serving-client/v2/go/tensorflow_serving/sources/storage_path"
)

// ErrModelUnavailable is returned when a model version went to END
// after it started loading.
var ErrModelUnavailable = errors.New("model version ended before becoming available")

// ModelVersionState mirrors the lifecycle states TF Serving reports for a
// servable version.
type ModelVersionState int32

const (
	// ModelVersionUnknown is the default value
	ModelVersionUnknown ModelVersionState = 0
	// ModelVersionStart means the manager is tracking the servable but has
	// not initiated any action
	ModelVersionStart ModelVersionState = 10
	// ModelVersionLoading means the manager is about to load the servable
	ModelVersionLoading ModelVersionState = 20
	// ModelVersionAvailable means the servable is loaded and serving
	ModelVersionAvailable ModelVersionState = 30
	// ModelVersionUnloading means the servable is about to be unloaded
	ModelVersionUnloading ModelVersionState = 40
	// ModelVersionEnd means the servable was unloaded or failed to load
	ModelVersionEnd ModelVersionState = 50
)

func (state ModelVersionState) String() string {
	switch state {
	case ModelVersionUnknown:
		return "UNKNOWN"
	case ModelVersionStart:
		return "START"
	case ModelVersionLoading:
		return "LOADING"
	case ModelVersionAvailable:
		return "AVAILABLE"
	case ModelVersionUnloading:
		return "UNLOADING"
	case ModelVersionEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

func stateFromProto(state pb.ModelVersionStatus_State) ModelVersionState {
	switch state {
	case pb.ModelVersionStatus_START:
		return ModelVersionStart
	case pb.ModelVersionStatus_LOADING:
		return ModelVersionLoading
	case pb.ModelVersionStatus_AVAILABLE:
		return ModelVersionAvailable
	case pb.ModelVersionStatus_UNLOADING:
		return ModelVersionUnloading
	case pb.ModelVersionStatus_END:
		return ModelVersionEnd
	default:
		return ModelVersionUnknown
	}
}

// ModelConfig names one model version that TF Serving should serve
type ModelConfig struct {
	Name    string
	Version int64
}

// GetModelStatus returns the state of the first version TF Serving
// reports for the model.
func (c *Client) GetModelStatus(ctx context.Context, name string, version int64) (ModelVersionState, error) {
	spec := ModelSpec(name, "", version)
	var resp *pb.GetModelStatusResponse
	err := c.invoke(ctx, "GetModelStatus", spec, func(ctx context.Context) (err error) {
		resp, err = c.model.GetModelStatus(ctx, &pb.GetModelStatusRequest{ModelSpec: spec})
		return err
	})
	if err != nil {
		return ModelVersionUnknown, err
	}
	if len(resp.GetModelVersionStatus()) == 0 {
		return ModelVersionUnknown, fmt.Errorf("%s:%d: %w", name, version, ErrModelNotFound)
	}
	return stateFromProto(resp.GetModelVersionStatus()[0].GetState()), nil
}

// ReloadConfig replaces the model server config so that exactly the
// given model versions are served from basePath.
func (c *Client) ReloadConfig(ctx context.Context, models []ModelConfig, basePath string) error {
	request := &pb.ReloadConfigRequest{
		Config: &tfconfig.ModelServerConfig{
			Config: &tfconfig.ModelServerConfig_ModelConfigList{
				ModelConfigList: &tfconfig.ModelConfigList{
					Config: createModelConfig(models, basePath),
				},
			},
		},
	}

	log.Debug("Updating TF config...")
	var resp *pb.ReloadConfigResponse
	err := c.invoke(ctx, "HandleReloadConfigRequest", nil, func(ctx context.Context) (err error) {
		resp, err = c.model.HandleReloadConfigRequest(ctx, request)
		return err
	})
	if err != nil {
		log.WithError(err).Error("Error updating tf config")
		return err
	}
	if resp.GetStatus().GetErrorCode() != 0 {
		return fmt.Errorf("reload config rejected: %s", resp.GetStatus().GetErrorMessage())
	}
	log.Debug("TF config updated successfully")
	return nil
}

// DefaultPollInterval is used by WaitAvailable for non-positive intervals
const DefaultPollInterval = 500 * time.Millisecond

// WaitAvailable polls the model status until the version is AVAILABLE or
// ctx is done. A version that was unloaded earlier keeps reporting END
// until the server picks up the new config, so END only fails the wait
// once another state has been seen.
func (c *Client) WaitAvailable(ctx context.Context, name string, version int64, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	start := time.Now()
	seenTransition := false
	for {
		state, err := c.GetModelStatus(ctx, name, version)
		switch {
		case err != nil:
			log.WithError(err).Debugf("Error getting model status. Duration: %s", time.Since(start))
		case state == ModelVersionAvailable:
			log.Infof("Model available: %s:%d", name, version)
			return nil
		case state == ModelVersionEnd && seenTransition:
			return fmt.Errorf("%s:%d: %w", name, version, ErrModelUnavailable)
		case state == ModelVersionEnd:
			log.Debugf("Model %s:%d still reported as END. Duration: %s", name, version, time.Since(start))
		default:
			seenTransition = true
			log.Debugf("Model not yet available: %s. Duration: %s", state.String(), time.Since(start))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout: model %s:%d did not load in time: %w", name, version, ctx.Err())
		case <-ticker.C:
		}
	}
}

func createModelConfig(models []ModelConfig, basePath string) []*tfconfig.ModelConfig {
	distinctModels := map[string]*storagepath.FileSystemStoragePathSourceConfig_ServableVersionPolicy_Specific{}
	// Number of configs will be at most len(models)
	configs := make([]*tfconfig.ModelConfig, 0, len(models))
	for _, model := range models {
		existingVersions, exists := distinctModels[model.Name]
		if exists {
			if !containsVersion(existingVersions.Versions, model.Version) {
				existingVersions.Versions = append(existingVersions.Versions, model.Version)
			}
			continue
		}
		modelVersions := &storagepath.FileSystemStoragePathSourceConfig_ServableVersionPolicy_Specific{
			Versions: []int64{model.Version},
		}
		distinctModels[model.Name] = modelVersions
		configs = append(configs, &tfconfig.ModelConfig{
			Name:          model.Name,
			BasePath:      path.Join(basePath, model.Name),
			ModelPlatform: "tensorflow",
			ModelVersionPolicy: &storagepath.FileSystemStoragePathSourceConfig_ServableVersionPolicy{
				PolicyChoice: &storagepath.FileSystemStoragePathSourceConfig_ServableVersionPolicy_Specific_{
					Specific: modelVersions,
				},
			},
		})
	}
	return configs
}

func containsVersion(versions []int64, version int64) bool {
	for _, v := range versions {
		if v == version {
			return true
		}
	}
	return false
}
