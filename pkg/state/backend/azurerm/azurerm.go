// Package azurerm implements an Azure Blob Storage state backend.
package azurerm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/google/uuid"
	"github.com/labfoundry/labctl/pkg/state/backend"
)

const staleAfter = time.Hour

func init() {
	backend.Register("azurerm", NewBackend)
}

// Backend stores state in an Azure Blob Storage container.
type Backend struct {
	client        *azblob.Client
	containerName string
	prefix        string
}

// NewBackend creates a new Azure Blob Storage backend. Required settings:
// storage_account_name, container_name. Authentication falls back to
// DefaultAzureCredential when no access_key, sas_token, or
// connection_string is provided.
func NewBackend(settings map[string]string) (backend.Backend, error) {
	storageAccount := settings["storage_account_name"]
	if storageAccount == "" {
		return nil, fmt.Errorf("azurerm backend requires 'storage_account_name' configuration")
	}

	containerName := settings["container_name"]
	if containerName == "" {
		return nil, fmt.Errorf("azurerm backend requires 'container_name' configuration")
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", storageAccount)
	if endpoint := settings["endpoint"]; endpoint != "" {
		serviceURL = endpoint
	}

	var client *azblob.Client
	var err error

	switch {
	case settings["access_key"] != "":
		cred, kerr := azblob.NewSharedKeyCredential(storageAccount, settings["access_key"])
		if kerr != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", kerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	case settings["sas_token"] != "":
		sasToken := strings.TrimPrefix(settings["sas_token"], "?")
		sep := "?"
		if strings.Contains(serviceURL, "?") {
			sep = "&"
		}
		client, err = azblob.NewClientWithNoCredential(serviceURL+sep+sasToken, nil)
	case settings["connection_string"] != "":
		client, err = azblob.NewClientFromConnectionString(settings["connection_string"], nil)
	default:
		cred, cerr := azidentity.NewDefaultAzureCredential(nil)
		if cerr != nil {
			return nil, fmt.Errorf("failed to create default Azure credential: %w", cerr)
		}
		client, err = azblob.NewClient(serviceURL, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	return &Backend{
		client:        client,
		containerName: containerName,
		prefix:        settings["prefix"],
	}, nil
}

func (b *Backend) Type() string {
	return "azurerm"
}

func (b *Backend) Read(ctx context.Context, statePath string) (io.ReadCloser, error) {
	blobPath := b.fullPath(statePath)

	resp, err := b.client.DownloadStream(ctx, b.containerName, blobPath, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state from azure://%s/%s: %w", b.containerName, blobPath, err)
	}

	return resp.Body, nil
}

func (b *Backend) Write(ctx context.Context, statePath string, data io.Reader) error {
	blobPath := b.fullPath(statePath)

	content, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}

	_, err = b.client.UploadBuffer(ctx, b.containerName, blobPath, content, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: toPtr("application/json"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write state to azure://%s/%s: %w", b.containerName, blobPath, err)
	}

	return nil
}

func (b *Backend) Delete(ctx context.Context, statePath string) error {
	blobPath := b.fullPath(statePath)

	_, err := b.client.DeleteBlob(ctx, b.containerName, blobPath, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil // Idempotent
		}
		return fmt.Errorf("failed to delete state from azure://%s/%s: %w", b.containerName, blobPath, err)
	}

	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := b.fullPath(prefix)

	var paths []string
	pager := b.client.NewListBlobsFlatPager(b.containerName, &container.ListBlobsFlatOptions{
		Prefix: &fullPrefix,
	})

	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}

		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			relPath := *item.Name
			if b.prefix != "" {
				relPath = strings.TrimPrefix(*item.Name, b.prefix+"/")
			}
			paths = append(paths, relPath)
		}
	}

	return paths, nil
}

func (b *Backend) Exists(ctx context.Context, statePath string) (bool, error) {
	blobPath := b.fullPath(statePath)

	_, err := b.client.ServiceClient().NewContainerClient(b.containerName).NewBlobClient(blobPath).GetProperties(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return false, nil
		}
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check existence: %w", err)
	}

	return true, nil
}

func (b *Backend) Lock(ctx context.Context, statePath string, info backend.LockInfo) (backend.Lock, error) {
	lockPath := b.fullPath(statePath + ".lock")

	existingLock, err := b.readLock(ctx, lockPath)
	if err == nil {
		if time.Since(existingLock.Created) < staleAfter {
			return nil, &backend.LockError{
				Info: existingLock,
				Err:  backend.ErrLocked,
			}
		}
	}

	info.ID = uuid.New().String()
	info.Path = statePath
	info.Created = time.Now()

	lockData, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock info: %w", err)
	}

	_, err = b.client.UploadBuffer(ctx, b.containerName, lockPath, lockData, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: toPtr("application/json"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lock: %w", err)
	}

	return &azureLock{backend: b, path: lockPath, info: info}, nil
}

func (b *Backend) readLock(ctx context.Context, lockPath string) (backend.LockInfo, error) {
	resp, err := b.client.DownloadStream(ctx, b.containerName, lockPath, nil)
	if err != nil {
		return backend.LockInfo{}, err
	}
	defer resp.Body.Close()

	var info backend.LockInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return backend.LockInfo{}, err
	}

	return info, nil
}

func (b *Backend) fullPath(statePath string) string {
	if b.prefix == "" {
		return statePath
	}
	return path.Join(b.prefix, statePath)
}

// azureLock implements the Lock interface for Azure Blob Storage.
type azureLock struct {
	backend *Backend
	path    string
	info    backend.LockInfo
}

func (l *azureLock) ID() string {
	return l.info.ID
}

func (l *azureLock) Info() backend.LockInfo {
	return l.info
}

func (l *azureLock) Unlock(ctx context.Context) error {
	_, err := l.backend.client.DeleteBlob(ctx, l.backend.containerName, l.path, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

var _ backend.Backend = (*Backend)(nil)

func toPtr[T any](v T) *T {
	return &v
}
