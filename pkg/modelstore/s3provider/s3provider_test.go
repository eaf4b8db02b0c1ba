package s3provider

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

type mockS3 struct {
	s3iface.S3API
	objects  map[string]int64
	prefixes []string
}

func (m *mockS3) ListObjectsV2Pages(input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool) error {
	m.prefixes = append(m.prefixes, aws.StringValue(input.Prefix))
	page := &s3.ListObjectsV2Output{}
	for key, size := range m.objects {
		page.Contents = append(page.Contents, &s3.Object{Key: aws.String(key), Size: aws.Int64(size)})
	}
	fn(page, true)
	return nil
}

func TestModelSizeSumsObjectsUnderPrefix(t *testing.T) {
	client := &mockS3{objects: map[string]int64{
		"models/textCnn/1/":                                0,
		"models/textCnn/1/saved_model.pb":                  100,
		"models/textCnn/1/variables/variables.index":       20,
		"models/textCnn/1/variables/variables.data-0-of-1": 300,
	}}
	provider := NewS3ModelProviderWithClient(client, "bucket", "/models/")

	size, err := provider.ModelSize("textCnn", 1)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if size != 420 {
		t.Errorf("Expected size 420 but found %d", size)
	}
	if len(client.prefixes) != 1 || client.prefixes[0] != "models/textCnn/1/" {
		t.Errorf("Wrong key prefix: %v", client.prefixes)
	}
}

func TestKeyPrefixWithoutBaseDir(t *testing.T) {
	provider := NewS3ModelProviderWithClient(&mockS3{}, "bucket", "")
	loc := provider.getKeyForModel("fastText", 3)
	if loc.KeyPrefix != "fastText/3/" {
		t.Errorf("Wrong key prefix: %s", loc.KeyPrefix)
	}
	if loc.Bucket != "bucket" {
		t.Errorf("Wrong bucket: %s", loc.Bucket)
	}
}
