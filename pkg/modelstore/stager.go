package modelstore

import (
	"context"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Stager copies models from a ModelProvider into a ModelCache
type Stager struct {
	Provider ModelProvider
	Cache    ModelCache
	rwMux    sync.RWMutex
}

// NewStager creates a Stager
func NewStager(provider ModelProvider, cache ModelCache) *Stager {
	return &Stager{Provider: provider, Cache: cache}
}

// Stage makes sure the model is present in the cache directory,
// fetching it from the provider when needed.
func (s *Stager) Stage(ctx context.Context, identifier ModelIdentifier) (Model, error) {
	if model, isPresent := s.tryGetModelFromCache(identifier); isPresent {
		return model, nil
	}

	s.rwMux.Lock()
	defer s.rwMux.Unlock()
	// Another caller may have staged it while we waited for the lock
	if model, isPresent := s.Cache.Get(identifier); isPresent && fileOrDirExists(s.Cache.ModelPath(model)) {
		return model, nil
	}
	if err := ctx.Err(); err != nil {
		return Model{}, err
	}

	modelSize, err := s.Provider.ModelSize(identifier.ModelName, identifier.Version)
	if err != nil {
		log.WithError(err).Errorf("Error while retrieving model size: %s", identifier.String())
		return Model{}, err
	}
	s.Cache.EnsureFreeBytes(modelSize)
	model, err := s.Provider.LoadModel(identifier.ModelName, identifier.Version, s.Cache.BaseDir())
	if err != nil {
		log.WithError(err).Errorf("Error while retrieving model: %s", identifier.String())
		return Model{}, err
	}
	s.Cache.Put(identifier, *model)
	log.WithFields(log.Fields{
		"model": identifier.String(),
		"bytes": model.SizeOnDisk,
	}).Info("Model staged")
	return *model, nil
}

// Models lists the staged models, most recently used first
func (s *Stager) Models() []*Model {
	s.rwMux.RLock()
	defer s.rwMux.RUnlock()
	return s.Cache.ListModels()
}

func (s *Stager) tryGetModelFromCache(identifier ModelIdentifier) (Model, bool) {
	// LRUCache.Get reorders its list, so even lookups take the write lock
	s.rwMux.Lock()
	defer s.rwMux.Unlock()
	model, isPresent := s.Cache.Get(identifier)
	if !isPresent {
		return model, false
	}
	hostModelPath := s.Cache.ModelPath(model)
	fileExists := fileOrDirExists(hostModelPath)
	if !fileExists {
		log.Warnf("Model in cache but not present on disk. Name: %s, Version: %d, path: %s",
			identifier.ModelName, identifier.Version, hostModelPath)
	}
	return model, fileExists
}

func fileOrDirExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
