package azblobprovider

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Azure/azure-pipeline-go/pipeline"
	"github.com/Azure/azure-storage-blob-go/azblob"
	log "github.com/sirupsen/logrus"

	"github.com/tfserving-textclf/tfsclient/pkg/modelstore"
)

// AZBlobLocation is the model "folder" in the container
type AZBlobLocation struct {
	KeyPrefix string
}

// AZBlobModelProvider reads SavedModels stored as blobs named
// <ModelBaseDir>/<name>/<version>/<file>
type AZBlobModelProvider struct {
	pipeline     pipeline.Pipeline
	ContainerURL *url.URL
	ModelBaseDir string
}

func NewAZBlobModelProvider(container string, modelBaseDir string, accountName string, accountKey string) (*AZBlobModelProvider, error) {
	containerURL := fmt.Sprintf("https://%s.blob.core.windows.net/%s", accountName, container)
	return NewAZBlobModelProviderWithURL(containerURL, modelBaseDir, accountName, accountKey)
}

func NewAZBlobModelProviderWithURL(containerURL string, modelBaseDir string, accountName string, accountKey string) (*AZBlobModelProvider, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		log.WithError(err).Error("Could not create AZ blob credential")
		return nil, err
	}

	u, err := url.Parse(containerURL)
	if err != nil {
		log.WithError(err).Error("Could not parse storage url")
		return nil, err
	}

	return &AZBlobModelProvider{
		pipeline:     azblob.NewPipeline(credential, azblob.PipelineOptions{}),
		ContainerURL: u,
		ModelBaseDir: modelBaseDir,
	}, nil
}

func (provider *AZBlobModelProvider) LoadModel(modelName string, modelVersion int64, destinationDir string) (*modelstore.Model, error) {
	log.Infof("Fetching model from AZ Blob %s:%d", modelName, modelVersion)
	modelLocation := provider.getKeyForModel(modelName, modelVersion)

	relPath := filepath.Join(modelName, strconv.FormatInt(modelVersion, 10))
	destPath := filepath.Join(destinationDir, relPath)
	if err := os.MkdirAll(destPath, 0755); err != nil {
		log.WithError(err).Errorf("Could not create model dir: %s", destPath)
		return nil, err
	}

	totalSize := int64(0)
	downloadFunc := func(relativeName string, blob *azblob.BlobItemInternal, blobURL azblob.BlobURL) error {
		fname := filepath.Join(destPath, filepath.FromSlash(relativeName))
		if err := os.MkdirAll(filepath.Dir(fname), 0755); err != nil {
			log.WithError(err).Errorf("Could not create object dir: %s", filepath.Dir(fname))
			return err
		}
		f, err := os.Create(fname)
		if err != nil {
			log.WithError(err).Errorf("Could not create object file: %s", fname)
			return err
		}
		defer f.Close()
		err = azblob.DownloadBlobToFile(context.Background(), blobURL, 0, 0, f, azblob.DownloadFromBlobOptions{})
		if err != nil {
			log.WithError(err).Errorf("Could not download object file: %s", fname)
			return err
		}
		totalSize += blobSize(blob)
		return nil
	}
	if err := provider.modelObjectApply(modelLocation, downloadFunc); err != nil {
		log.WithError(err).Errorf("Could not download model: %s", modelLocation.KeyPrefix)
		return nil, err
	}

	return &modelstore.Model{
		Identifier: modelstore.ModelIdentifier{ModelName: modelName, Version: modelVersion},
		Path:       relPath,
		SizeOnDisk: totalSize,
	}, nil
}

func (provider *AZBlobModelProvider) ModelSize(modelName string, modelVersion int64) (int64, error) {
	modelLocation := provider.getKeyForModel(modelName, modelVersion)
	totalSize := int64(0)
	countSizeFunc := func(relativeKey string, blob *azblob.BlobItemInternal, blobURL azblob.BlobURL) error {
		totalSize += blobSize(blob)
		return nil
	}

	if err := provider.modelObjectApply(modelLocation, countSizeFunc); err != nil {
		log.WithError(err).Errorf("Could not get model size: %s:%d", modelName, modelVersion)
		return 0, err
	}
	return totalSize, nil
}

func (provider *AZBlobModelProvider) Check() bool {
	containerURL := azblob.NewContainerURL(*provider.ContainerURL, provider.pipeline)
	_, err := containerURL.GetProperties(context.Background(), azblob.LeaseAccessConditions{})
	if err != nil {
		log.WithError(err).Warnf("AZ blob container not reachable: %s", provider.ContainerURL.String())
	}
	return err == nil
}

func (provider *AZBlobModelProvider) modelObjectApply(modelLocation AZBlobLocation,
	applyFun func(string, *azblob.BlobItemInternal, azblob.BlobURL) error) error {
	containerURL := azblob.NewContainerURL(*provider.ContainerURL, provider.pipeline)
	ctx := context.Background()
	for marker := (azblob.Marker{}); marker.NotDone(); {
		blobs, err := containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{Prefix: modelLocation.KeyPrefix})
		if err != nil {
			log.WithError(err).Errorf("Could not list blobs: %s", modelLocation.KeyPrefix)
			return err
		}

		for i := range blobs.Segment.BlobItems {
			blobInfo := &blobs.Segment.BlobItems[i]
			log.Debugf("Blob name: %s", blobInfo.Name)
			relativeName := strings.TrimPrefix(blobInfo.Name, modelLocation.KeyPrefix)
			if relativeName == "" || strings.HasSuffix(relativeName, "/") {
				// folder marker
				continue
			}
			blobURL := containerURL.NewBlobURL(blobInfo.Name)
			if err = applyFun(relativeName, blobInfo, blobURL); err != nil {
				log.WithError(err).Errorf("Apply func returned error on key: %s", blobInfo.Name)
				return err
			}
		}
		marker = blobs.NextMarker
	}
	return nil
}

func (provider *AZBlobModelProvider) getKeyForModel(modelName string, modelVersion int64) AZBlobLocation {
	modelPrefix := strings.Trim(provider.ModelBaseDir, "/")
	if len(modelPrefix) > 0 {
		modelPrefix += "/"
	}
	return AZBlobLocation{
		KeyPrefix: fmt.Sprintf("%s%s/%d/", modelPrefix, modelName, modelVersion),
	}
}

func blobSize(blob *azblob.BlobItemInternal) int64 {
	if blob.Properties.ContentLength == nil {
		return 0
	}
	return *blob.Properties.ContentLength
}
