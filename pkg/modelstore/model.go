// Package modelstore stages SavedModel directories from a model
// repository into the directory TF Serving loads models from.
package modelstore

import "fmt"

// ModelIdentifier names one version of a model
type ModelIdentifier struct {
	ModelName string
	Version   int64
}

func (id ModelIdentifier) String() string {
	return fmt.Sprintf("%s:%d", id.ModelName, id.Version)
}

// Model is a staged SavedModel. Path is relative to the cache base dir
// and follows the TF Serving layout <name>/<version>.
type Model struct {
	Identifier ModelIdentifier
	Path       string
	SizeOnDisk int64
}

// ModelProvider fetches SavedModels from a model repository
type ModelProvider interface {
	// LoadModel copies the model into destinationDir/<name>/<version>
	LoadModel(modelName string, modelVersion int64, destinationDir string) (*Model, error)
	ModelSize(modelName string, modelVersion int64) (int64, error)
	Check() bool
}

// ModelCache keeps track of the models staged on local disk
type ModelCache interface {
	Put(item ModelIdentifier, model Model)
	Get(item ModelIdentifier) (Model, bool)
	ListModels() []*Model
	EnsureFreeBytes(bytes int64)
	BaseDir() string
	ModelPath(model Model) string
}
