package azure

import (
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/Chapsvision-dev/keepass-backup/internal/config"
	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

// credential names the auth path picked by newClientFromConfig, for logs.
type credential string

const (
	credSAS              credential = "sas"
	credServicePrincipal credential = "service_principal"
	credDefault          credential = "default"
)

// Build client from config.
// Priority: 1) SAS  2) Service Principal  3) DefaultAzureCredential.
func newClientFromConfig(c config.AzureConfig) (*azblob.Client, credential, error) {
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", c.Account)
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	// Store calls are never retried by the SDK either.
	opts := &azblob.ClientOptions{}
	opts.Retry.MaxRetries = -1

	// 1) SAS
	if sasRaw := strings.TrimSpace(c.SASToken); sasRaw != "" {
		sas := strings.TrimPrefix(sasRaw, "?")
		cl, err := azblob.NewClientWithNoCredential(endpoint+"?"+sas, opts)
		return cl, credSAS, err
	}

	// 2) Service Principal
	if c.ClientID != "" && c.ClientSecret != "" && c.TenantID != "" {
		cred, err := azidentity.NewClientSecretCredential(c.TenantID, c.ClientID, c.ClientSecret, nil)
		if err != nil {
			return nil, "", err
		}
		cl, err := azblob.NewClient(endpoint, cred, opts)
		return cl, credServicePrincipal, err
	}

	// 3) Managed Identity / DefaultAzureCredential
	defCred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, "", err
	}
	cl, err := azblob.NewClient(endpoint, defCred, opts)
	return cl, credDefault, err
}

func init() {
	store.Register("azure", func(cfg any) (store.Store, error) {
		c, ok := cfg.(config.Config)
		if !ok {
			return nil, fmt.Errorf("azure: invalid config type")
		}
		return New(c.Azure)
	})
}

func New(c config.AzureConfig) (*Store, error) {
	client, cred, err := newClientFromConfig(c)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	return &Store{
		client:    client,
		container: c.Container,
		cred:      cred,
	}, nil
}
