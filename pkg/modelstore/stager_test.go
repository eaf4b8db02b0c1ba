package modelstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

type mockProvider struct {
	size      int64
	loadCalls int
	err       error
}

func (p *mockProvider) LoadModel(modelName string, modelVersion int64, destinationDir string) (*Model, error) {
	p.loadCalls++
	if p.err != nil {
		return nil, p.err
	}
	relPath := filepath.Join(modelName, strconv.FormatInt(modelVersion, 10))
	if err := os.MkdirAll(filepath.Join(destinationDir, relPath), 0755); err != nil {
		return nil, err
	}
	return &Model{
		Identifier: ModelIdentifier{ModelName: modelName, Version: modelVersion},
		Path:       relPath,
		SizeOnDisk: p.size,
	}, nil
}

func (p *mockProvider) ModelSize(modelName string, modelVersion int64) (int64, error) {
	return p.size, p.err
}

func (p *mockProvider) Check() bool {
	return p.err == nil
}

func TestStageFetchesOnce(t *testing.T) {
	provider := &mockProvider{size: 10}
	stager := NewStager(provider, NewLRUCache(t.TempDir(), 100))
	id := ModelIdentifier{ModelName: "textCnn", Version: 1}

	for i := 0; i < 3; i++ {
		model, err := stager.Stage(context.Background(), id)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if model.Identifier != id {
			t.Errorf("Wrong model staged: %v", model.Identifier)
		}
	}
	if provider.loadCalls != 1 {
		t.Errorf("Expected one load but found %d", provider.loadCalls)
	}
}

func TestStageRefetchesWhenDirMissing(t *testing.T) {
	provider := &mockProvider{size: 10}
	cache := NewLRUCache(t.TempDir(), 100)
	stager := NewStager(provider, cache)
	id := ModelIdentifier{ModelName: "textCnn", Version: 1}

	model, err := stager.Stage(context.Background(), id)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := os.RemoveAll(cache.ModelPath(model)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := stager.Stage(context.Background(), id); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if provider.loadCalls != 2 {
		t.Errorf("Expected a reload after the model dir vanished, found %d loads", provider.loadCalls)
	}
}

func TestStagePropagatesProviderError(t *testing.T) {
	providerErr := errors.New("repository unavailable")
	stager := NewStager(&mockProvider{err: providerErr}, NewLRUCache(t.TempDir(), 100))
	_, err := stager.Stage(context.Background(), ModelIdentifier{ModelName: "textCnn", Version: 1})
	if !errors.Is(err, providerErr) {
		t.Errorf("Expected provider error but found %v", err)
	}
	if len(stager.Models()) != 0 {
		t.Errorf("Expected no staged models")
	}
}
