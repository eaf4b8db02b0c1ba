package modelstore

import (
	"container/list"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// LRUCache evicts the least recently used models from disk once the
// staged models exceed its byte capacity. It is not safe for concurrent
// use; Stager serializes access.
type LRUCache struct {
	lruList     *list.List
	modelMap    map[ModelIdentifier]*list.Element
	baseDir     string
	Capacity    int64
	currentSize int64
}

// NewLRUCache creates a cache rooted at baseDir. Models already staged
// under baseDir/<name>/<version> are registered, the most recently
// modified first, and evicted if they exceed the capacity.
func NewLRUCache(baseDir string, capacityInBytes int64) *LRUCache {
	cache := &LRUCache{
		lruList:  list.New(),
		modelMap: map[ModelIdentifier]*list.Element{},
		baseDir:  baseDir,
		Capacity: capacityInBytes,
	}
	cache.restore()
	return cache
}

type stagedDir struct {
	model   Model
	modTime time.Time
}

func (cache *LRUCache) restore() {
	found, err := scanStagedModels(cache.baseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("Could not scan model dir: %s", cache.baseDir)
		}
		return
	}
	// Oldest first, so the newest ends up at the front
	sort.Slice(found, func(i, j int) bool { return found[i].modTime.Before(found[j].modTime) })
	for _, d := range found {
		cache.modelMap[d.model.Identifier] = cache.lruList.PushFront(d.model)
		cache.currentSize += d.model.SizeOnDisk
	}
	if len(found) > 0 {
		log.Infof("Restored %d staged models (%d bytes) from %s", len(found), cache.currentSize, cache.baseDir)
	}
	cache.EnsureFreeBytes(0)
}

func scanStagedModels(baseDir string) ([]stagedDir, error) {
	names, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, err
	}
	found := make([]stagedDir, 0)
	for _, name := range names {
		if !name.IsDir() {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(baseDir, name.Name()))
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			version, err := strconv.ParseInt(v.Name(), 10, 64)
			if err != nil || !v.IsDir() {
				continue
			}
			relPath := filepath.Join(name.Name(), v.Name())
			size, modTime, err := dirStat(filepath.Join(baseDir, relPath))
			if err != nil {
				return nil, err
			}
			id := ModelIdentifier{ModelName: name.Name(), Version: version}
			found = append(found, stagedDir{
				model:   Model{Identifier: id, Path: relPath, SizeOnDisk: size},
				modTime: modTime,
			})
		}
	}
	return found, nil
}

// dirStat returns the total file size and latest modification time
func dirStat(dir string) (int64, time.Time, error) {
	size := int64(0)
	var modTime time.Time
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.ModTime().After(modTime) {
			modTime = info.ModTime()
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, modTime, err
}

// Get retrieves a model from the cache as well as a bool
// indicating whether it was present or not.
func (cache *LRUCache) Get(item ModelIdentifier) (Model, bool) {
	val, isContained := cache.modelMap[item]
	if !isContained {
		return Model{}, false
	}
	cache.lruList.MoveToFront(val)
	model := val.Value.(Model)
	// Recency survives restarts through the dir mtime
	now := time.Now()
	_ = os.Chtimes(cache.ModelPath(model), now, now)
	return model, true
}

// Put adds a model to the cache (if it does not already exist)
func (cache *LRUCache) Put(item ModelIdentifier, model Model) {
	if existingElement, isContained := cache.modelMap[item]; isContained {
		cache.lruList.MoveToFront(existingElement)
		return
	}
	cache.EnsureFreeBytes(model.SizeOnDisk)
	cache.modelMap[item] = cache.lruList.PushFront(model)
	cache.currentSize += model.SizeOnDisk
}

// EnsureFreeBytes deletes LRU models until the number of bytes is available.
// EnsureFreeBytes(0) trims the cache back to its capacity.
func (cache *LRUCache) EnsureFreeBytes(bytes int64) {
	for cache.lruList.Len() > 0 && cache.Capacity-cache.currentSize < bytes {
		lruModelElement := cache.lruList.Back()
		lruModel := lruModelElement.Value.(Model)
		modelPath := cache.ModelPath(lruModel)
		log.Infof("Removing model: %s (%s)", lruModel.Identifier.String(), modelPath)
		if err := os.RemoveAll(modelPath); err != nil {
			log.WithError(err).Errorf("Could not delete model dir: %s", modelPath)
		}
		cache.lruList.Remove(lruModelElement)
		delete(cache.modelMap, lruModel.Identifier)
		cache.currentSize -= lruModel.SizeOnDisk
	}
}

// ListModels returns the staged models, most recently used first
func (cache *LRUCache) ListModels() []*Model {
	models := make([]*Model, 0, cache.lruList.Len())
	for e := cache.lruList.Front(); e != nil; e = e.Next() {
		model := e.Value.(Model)
		models = append(models, &model)
	}
	return models
}

// Size returns the number of bytes currently staged
func (cache *LRUCache) Size() int64 {
	return cache.currentSize
}

func (cache *LRUCache) BaseDir() string {
	return cache.baseDir
}

func (cache *LRUCache) ModelPath(model Model) string {
	return filepath.Join(cache.baseDir, model.Path)
}
