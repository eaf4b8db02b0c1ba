package diskprovider

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/otiai10/copy"
	log "github.com/sirupsen/logrus"

	"github.com/tfserving-textclf/tfsclient/pkg/modelstore"
)

// ErrModelNotFound is returned when no version directory matches
var ErrModelNotFound = errors.New("no matching model found")

// DiskModelProvider reads SavedModels from a local repository laid
// out as <BaseDir>/<name>/<version>/saved_model.pb
type DiskModelProvider struct {
	BaseDir string
}

func (provider DiskModelProvider) LoadModel(modelName string, modelVersion int64, destinationDir string) (*modelstore.Model, error) {
	log.Infof("Copying model %s:%d", modelName, modelVersion)
	srcPath, err := findSrcPathForModel(filepath.Join(provider.BaseDir, modelName), modelVersion)
	if err != nil {
		log.WithError(err).Errorf("Could not load model %s:%d", modelName, modelVersion)
		return nil, err
	}
	relPath := filepath.Join(modelName, strconv.FormatInt(modelVersion, 10))
	if err = copy.Copy(srcPath, filepath.Join(destinationDir, relPath)); err != nil {
		log.WithError(err).Errorf("Could not copy model %s:%d", modelName, modelVersion)
		return nil, err
	}
	modelSize, err := dirSize(srcPath)
	if err != nil {
		log.WithError(err).Errorf("Could not load model size %s:%d", modelName, modelVersion)
		return nil, err
	}

	return &modelstore.Model{
		Identifier: modelstore.ModelIdentifier{ModelName: modelName, Version: modelVersion},
		Path:       relPath,
		SizeOnDisk: modelSize,
	}, nil
}

func (provider DiskModelProvider) ModelSize(modelName string, modelVersion int64) (int64, error) {
	srcPath, err := findSrcPathForModel(filepath.Join(provider.BaseDir, modelName), modelVersion)
	if err != nil {
		return -1, err
	}
	return dirSize(srcPath)
}

func (provider DiskModelProvider) Check() bool {
	_, err := os.Stat(provider.BaseDir)
	return err == nil
}

// Version directories are matched numerically, so 00042 is version 42
func findSrcPathForModel(modelDir string, modelVersion int64) (string, error) {
	files, err := os.ReadDir(modelDir)
	if err != nil {
		return "", err
	}
	match := ""
	numMatches := 0
	for _, file := range files {
		fVersion, err := strconv.ParseInt(file.Name(), 10, 64)
		if err == nil && fVersion == modelVersion && file.IsDir() {
			numMatches++
			if match == "" {
				match = file.Name()
			}
		}
	}
	switch {
	case numMatches == 1:
		return filepath.Join(modelDir, match), nil
	case numMatches > 1:
		log.Warnf("Several (%d) matches for model found. Using the first match.", numMatches)
		return filepath.Join(modelDir, match), nil
	default:
		return "", ErrModelNotFound
	}
}

func dirSize(dir string) (int64, error) {
	size := int64(0)
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
