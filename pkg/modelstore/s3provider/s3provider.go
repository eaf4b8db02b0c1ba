package s3provider

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	log "github.com/sirupsen/logrus"

	"github.com/tfserving-textclf/tfsclient/pkg/modelstore"
)

// S3Location is the model "folder" on S3
type S3Location struct {
	Bucket    string
	KeyPrefix string
}

// S3ModelProvider reads SavedModels stored under
// s3://<Bucket>/<ModelBaseDir>/<name>/<version>/
type S3ModelProvider struct {
	downloader   *s3manager.Downloader
	s3           s3iface.S3API
	Bucket       string
	ModelBaseDir string
}

func NewS3ModelProvider(bucket string, modelBaseDir string, region string) (*S3ModelProvider, error) {
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		log.WithError(err).Error("Could not create S3 session")
		return nil, err
	}
	return NewS3ModelProviderWithClient(s3.New(sess), bucket, modelBaseDir), nil
}

// NewS3ModelProviderWithClient uses the given S3 API, for custom
// endpoints and tests
func NewS3ModelProviderWithClient(client s3iface.S3API, bucket string, modelBaseDir string) *S3ModelProvider {
	return &S3ModelProvider{
		downloader:   s3manager.NewDownloaderWithClient(client),
		s3:           client,
		Bucket:       bucket,
		ModelBaseDir: modelBaseDir,
	}
}

func (provider *S3ModelProvider) LoadModel(modelName string, modelVersion int64, destinationDir string) (*modelstore.Model, error) {
	log.Infof("Fetching model from S3 %s:%d", modelName, modelVersion)
	modelLocation := provider.getKeyForModel(modelName, modelVersion)

	relPath := filepath.Join(modelName, strconv.FormatInt(modelVersion, 10))
	destPath := filepath.Join(destinationDir, relPath)
	if err := os.MkdirAll(destPath, 0755); err != nil {
		log.WithError(err).Errorf("Could not create model dir: %s", destPath)
		return nil, err
	}

	totalSize := int64(0)
	downloadObjFunc := func(relativeKey string, obj *s3.Object) error {
		fname := filepath.Join(destPath, filepath.FromSlash(relativeKey))
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
		sizeOnDisk, err := provider.downloader.Download(f, &s3.GetObjectInput{
			Bucket: aws.String(modelLocation.Bucket),
			Key:    obj.Key,
		})
		if err != nil {
			log.WithError(err).Errorf("Could not download object file: %s", aws.StringValue(obj.Key))
			return err
		}
		totalSize += sizeOnDisk
		return nil
	}

	if err := provider.modelObjectApply(modelLocation, downloadObjFunc); err != nil {
		log.WithError(err).Errorf("Could not download model: %s:%d", modelName, modelVersion)
		return nil, err
	}

	return &modelstore.Model{
		Identifier: modelstore.ModelIdentifier{ModelName: modelName, Version: modelVersion},
		Path:       relPath,
		SizeOnDisk: totalSize,
	}, nil
}

func (provider *S3ModelProvider) ModelSize(modelName string, modelVersion int64) (int64, error) {
	modelLocation := provider.getKeyForModel(modelName, modelVersion)
	totalSize := int64(0)
	countSizeFunc := func(relativeKey string, obj *s3.Object) error {
		totalSize += aws.Int64Value(obj.Size)
		return nil
	}

	if err := provider.modelObjectApply(modelLocation, countSizeFunc); err != nil {
		log.WithError(err).Errorf("Could not get model size: %s:%d", modelName, modelVersion)
		return 0, err
	}
	return totalSize, nil
}

func (provider *S3ModelProvider) Check() bool {
	_, err := provider.s3.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(provider.Bucket)})
	if err != nil {
		log.WithError(err).Warnf("S3 bucket not reachable: %s", provider.Bucket)
	}
	return err == nil
}

func (provider *S3ModelProvider) modelObjectApply(modelLocation S3Location,
	applyFun func(string, *s3.Object) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(modelLocation.Bucket),
		Prefix: aws.String(modelLocation.KeyPrefix),
	}
	var applyErr error
	err := provider.s3.ListObjectsV2Pages(input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, object := range page.Contents {
			relativeName := strings.TrimPrefix(aws.StringValue(object.Key), modelLocation.KeyPrefix)
			if relativeName == "" || strings.HasSuffix(relativeName, "/") {
				// folder marker
				continue
			}
			if applyErr = applyFun(relativeName, object); applyErr != nil {
				log.WithError(applyErr).Errorf("Apply func returned error on key: %s", aws.StringValue(object.Key))
				return false
			}
		}
		return true
	})
	if err != nil {
		log.WithError(err).Errorf("Error accessing model on S3. Bucket: %s, keyPrefix: %s", modelLocation.Bucket, modelLocation.KeyPrefix)
		return err
	}
	return applyErr
}

func (provider *S3ModelProvider) getKeyForModel(modelName string, modelVersion int64) S3Location {
	prefix := strings.Trim(provider.ModelBaseDir, "/")
	if prefix != "" {
		prefix += "/"
	}
	return S3Location{
		Bucket:    provider.Bucket,
		KeyPrefix: fmt.Sprintf("%s%s/%d/", prefix, modelName, modelVersion),
	}
}
