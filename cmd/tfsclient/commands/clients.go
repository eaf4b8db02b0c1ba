package commands

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/tfserving-textclf/tfsclient/pkg/cluster"
	"github.com/tfserving-textclf/tfsclient/pkg/cluster/discovery/consul"
	"github.com/tfserving-textclf/tfsclient/pkg/cluster/discovery/etcd"
	"github.com/tfserving-textclf/tfsclient/pkg/cluster/discovery/kubernetes"
	"github.com/tfserving-textclf/tfsclient/pkg/modelstore"
	"github.com/tfserving-textclf/tfsclient/pkg/modelstore/azblobprovider"
	"github.com/tfserving-textclf/tfsclient/pkg/modelstore/diskprovider"
	"github.com/tfserving-textclf/tfsclient/pkg/modelstore/s3provider"
	"github.com/tfserving-textclf/tfsclient/pkg/servingclient"
)

func servingConfig() servingclient.Config {
	return servingclient.Config{
		Address:         viper.GetString("serving.address"),
		Timeout:         viper.GetDuration("serving.timeout"),
		MaxMessageBytes: viper.GetInt("serving.maxMessageBytes"),
	}
}

func modelSpecOptions() (string, string, int64) {
	return viper.GetString("model.name"), viper.GetString("model.signature"), viper.GetInt64("model.version")
}

// connect returns a client for the server that hosts model. Without
// service discovery it dials serving.address directly.
func connect(ctx context.Context, model string) (*servingclient.Client, func(), error) {
	dService, err := discoveryService()
	if err != nil {
		return nil, nil, err
	}
	if dService == nil {
		client, err := servingclient.Dial(servingConfig())
		if err != nil {
			return nil, nil, err
		}
		return client, func() { client.Close() }, nil
	}

	router := cluster.NewRouter(dService, servingConfig())
	if err := router.Connect(); err != nil {
		return nil, nil, err
	}
	disconnect := func() {
		if err := router.Disconnect(); err != nil {
			log.WithError(err).Warn("Error disconnecting from cluster")
		}
	}
	for {
		client, err := router.Client(model)
		if err == nil {
			return client, disconnect, nil
		}
		select {
		case <-ctx.Done():
			disconnect()
			return nil, nil, fmt.Errorf("no serving node found for %s: %w", model, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func discoveryService() (cluster.DiscoveryService, error) {
	switch t := viper.GetString("serviceDiscovery.type"); t {
	case "":
		return nil, nil
	case "static":
		return cluster.NewStaticDiscoveryService(viper.GetStringSlice("serviceDiscovery.addresses"))
	case "consul":
		return consul.NewDiscoveryService()
	case "etcd":
		return etcd.NewDiscoveryService()
	case "k8s":
		return kubernetes.NewDiscoveryService()
	default:
		return nil, fmt.Errorf("unsupported service discovery type: %s", t)
	}
}

func modelProvider() (modelstore.ModelProvider, error) {
	switch t := viper.GetString("modelProvider.type"); t {
	case "diskProvider":
		return diskprovider.DiskModelProvider{
			BaseDir: viper.GetString("modelProvider.diskProvider.baseDir"),
		}, nil
	case "s3":
		return s3provider.NewS3ModelProvider(
			viper.GetString("modelProvider.s3.bucket"),
			viper.GetString("modelProvider.s3.basePath"),
			viper.GetString("modelProvider.s3.region"))
	case "azBlob":
		if u := viper.GetString("modelProvider.azBlob.containerUrl"); u != "" {
			return azblobprovider.NewAZBlobModelProviderWithURL(u,
				viper.GetString("modelProvider.azBlob.basePath"),
				viper.GetString("modelProvider.azBlob.accountName"),
				viper.GetString("modelProvider.azBlob.accountKey"))
		}
		return azblobprovider.NewAZBlobModelProvider(
			viper.GetString("modelProvider.azBlob.container"),
			viper.GetString("modelProvider.azBlob.basePath"),
			viper.GetString("modelProvider.azBlob.accountName"),
			viper.GetString("modelProvider.azBlob.accountKey"))
	default:
		return nil, fmt.Errorf("unsupported model provider type: %s", t)
	}
}

func newStager() (*modelstore.Stager, error) {
	provider, err := modelProvider()
	if err != nil {
		return nil, err
	}
	if !provider.Check() {
		log.Warn("Model provider check failed")
	}
	cache := modelstore.NewLRUCache(viper.GetString("modelCache.hostModelPath"), viper.GetInt64("modelCache.size"))
	return modelstore.NewStager(provider, cache), nil
}
