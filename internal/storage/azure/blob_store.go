// Package azure provides an object store backed by Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/storage"
)

// Config selects the account and container. Credentials are resolved in
// order: connection string, shared key, then DefaultAzureCredential against
// ServiceURL (derived from AccountName when empty).
type Config struct {
	ConnectionString string `mapstructure:"connection_string"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ServiceURL       string `mapstructure:"service_url"`
	Container        string `mapstructure:"container"`
}

// BlobStore writes artifacts as block blobs in one container.
type BlobStore struct {
	client    *azblob.Client
	container string
}

// NewClient builds an azblob client from cfg.
func NewClient(cfg Config, logger *zap.Logger) (*azblob.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("create azblob client from connection string: %w", err)
		}
		return client, nil
	}
	serviceURL := cfg.ServiceURL
	if serviceURL == "" {
		if cfg.AccountName == "" {
			return nil, fmt.Errorf("azure account name or service url is required")
		}
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}
	if cfg.AccountKey != "" {
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("create shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("create azblob client: %w", err)
		}
		return client, nil
	}
	logger.Debug("initializing azure credentials using DefaultAzureCredential")
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create azblob client: %w", err)
	}
	return client, nil
}

// New wraps an existing client.
func New(client *azblob.Client, container string) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("azblob client is required")
	}
	if container == "" {
		return nil, fmt.Errorf("container name is required")
	}
	return &BlobStore{client: client, container: container}, nil
}

// EnsureContainer creates the container when it does not exist yet.
func (s *BlobStore) EnsureContainer(ctx context.Context) error {
	_, err := s.client.CreateContainer(ctx, s.container, nil)
	if err == nil || bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return classify("create container", err)
}

func (s *BlobStore) location(key string, size int64) harvest.Location {
	return harvest.Location{
		Key:  key,
		URI:  strings.TrimSuffix(s.client.URL(), "/") + "/" + s.container + "/" + key,
		Size: size,
	}
}

// Put uploads data as a block blob, overwriting any previous version.
func (s *BlobStore) Put(ctx context.Context, key, contentType string, data []byte) (harvest.Location, error) {
	if strings.TrimSpace(key) == "" {
		return harvest.Location{}, harvest.Errorf(harvest.KindInvalidInput, "put object", "key is required")
	}
	opts := &azblob.UploadBufferOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, key, data, opts); err != nil {
		return harvest.Location{}, classify("put object", err)
	}
	return s.location(key, int64(len(data))), nil
}

// Get downloads the blob stored under key.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, storage.NotFound("get object", key)
		}
		return nil, classify("get object", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify("get object", fmt.Errorf("read blob: %w", err))
	}
	return data, nil
}

// Exists reads the blob's properties.
func (s *BlobStore) Exists(ctx context.Context, key string) (harvest.Location, bool, error) {
	props, err := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return harvest.Location{}, false, nil
		}
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return harvest.Location{}, false, nil
		}
		return harvest.Location{}, false, classify("stat object", err)
	}
	var size int64
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	return s.location(key, size), true, nil
}

func classify(op string, err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return storage.Classify(op, respErr.StatusCode, err)
	}
	return storage.Classify(op, 0, err)
}

var _ harvest.ObjectStore = (*BlobStore)(nil)
