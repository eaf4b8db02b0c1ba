package azblobprovider

import (
	"encoding/base64"
	"testing"
)

func TestKeyPrefixForModel(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("not-a-real-key"))
	provider, err := NewAZBlobModelProvider("models", "repo/", "account", key)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if provider.ContainerURL.String() != "https://account.blob.core.windows.net/models" {
		t.Errorf("Wrong container url: %s", provider.ContainerURL.String())
	}
	if loc := provider.getKeyForModel("textCnn", 7); loc.KeyPrefix != "repo/textCnn/7/" {
		t.Errorf("Wrong key prefix: %s", loc.KeyPrefix)
	}

	provider.ModelBaseDir = ""
	if loc := provider.getKeyForModel("textCnn", 7); loc.KeyPrefix != "textCnn/7/" {
		t.Errorf("Wrong key prefix without base dir: %s", loc.KeyPrefix)
	}
}

func TestInvalidAccountKey(t *testing.T) {
	if _, err := NewAZBlobModelProvider("models", "", "account", "%%%"); err == nil {
		t.Errorf("Expected error for a key that is not base64")
	}
}
