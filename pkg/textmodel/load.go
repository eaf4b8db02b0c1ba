package textmodel

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tfserving-textclf/tfsclient/pkg/modelstore"
	"github.com/tfserving-textclf/tfsclient/pkg/servingclient"
)

// LoadOptions describes a SavedModel to make available on TF Serving
type LoadOptions struct {
	Name    string
	Version int64
	// ServerModelDir is the model base path as seen by tensorflow_model_server.
	// It differs from the stager's local dir when the server runs in a container.
	ServerModelDir string
	PollInterval   time.Duration
}

// Load stages a SavedModel, asks TF Serving to serve it together with
// every other staged model and waits until the version is AVAILABLE.
// The returned backend runs the model graph by tensor name.
// A staged model is pinned to its version, so Version must be set.
func Load(ctx context.Context, client *servingclient.Client, stager *modelstore.Stager, opts LoadOptions) (*SessionBackend, error) {
	if opts.Version < 1 {
		return nil, fmt.Errorf("%s:%d: %w", opts.Name, opts.Version, ErrInvalidVersion)
	}
	id := modelstore.ModelIdentifier{ModelName: opts.Name, Version: opts.Version}
	if _, err := stager.Stage(ctx, id); err != nil {
		return nil, err
	}

	staged := stager.Models()
	configs := make([]servingclient.ModelConfig, 0, len(staged))
	for _, m := range staged {
		configs = append(configs, servingclient.ModelConfig{
			Name:    m.Identifier.ModelName,
			Version: m.Identifier.Version,
		})
	}
	if err := client.ReloadConfig(ctx, configs, opts.ServerModelDir); err != nil {
		return nil, err
	}
	if err := client.WaitAvailable(ctx, opts.Name, opts.Version, opts.PollInterval); err != nil {
		log.WithError(err).Errorf("Model %s did not become available", id.String())
		return nil, err
	}

	return &SessionBackend{
		Client: client,
		Spec:   servingclient.ModelSpec(opts.Name, "", opts.Version),
	}, nil
}
