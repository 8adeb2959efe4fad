package azure

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/storage"
)

// Well-known development storage account key.
const devAccountKey = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="

// fakeBlobService understands just enough of the Blob REST API for the store.
type fakeBlobService struct {
	mu         sync.Mutex
	blobs      map[string][]byte
	types      map[string]string
	containers map[string]bool
	rejectPuts bool
}

func newFakeBlobService() *fakeBlobService {
	return &fakeBlobService{blobs: map[string][]byte{}, types: map[string]string{}, containers: map[string]bool{}}
}

func (f *fakeBlobService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Paths look like /devstoreaccount1/<container>[/<blob>].
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 3)
	if r.URL.Query().Get("restype") == "container" && r.Method == http.MethodPut {
		if f.containers[parts[1]] {
			w.Header().Set("x-ms-error-code", "ContainerAlreadyExists")
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.containers[parts[1]] = true
		w.WriteHeader(http.StatusCreated)
		return
	}
	if len(parts) < 3 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	name := parts[1] + "/" + parts[2]
	switch r.Method {
	case http.MethodPut:
		if f.rejectPuts {
			w.Header().Set("x-ms-error-code", "AuthorizationFailure")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.blobs[name] = body
		f.types[name] = r.Header.Get("x-ms-blob-content-type")
		w.Header().Set("ETag", `"0x1"`)
		w.WriteHeader(http.StatusCreated)
	case http.MethodHead, http.MethodGet:
		data, ok := f.blobs[name]
		if !ok {
			w.Header().Set("x-ms-error-code", "BlobNotFound")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.Header().Set("x-ms-blob-type", "BlockBlob")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeBlobService) contentType(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.types[name]
}

func (f *fakeBlobService) hasContainer(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[name]
}

func newTestStore(t *testing.T, svc *fakeBlobService) *BlobStore {
	t.Helper()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	conn := fmt.Sprintf("DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=%s;BlobEndpoint=%s/devstoreaccount1;",
		devAccountKey, srv.URL)
	client, err := azblob.NewClientFromConnectionString(conn, &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: policy.RetryOptions{MaxRetries: -1}},
	})
	require.NoError(t, err)
	store, err := New(client, "snapshots")
	require.NoError(t, err)
	return store
}

func TestPutExistsGet(t *testing.T) {
	t.Parallel()

	svc := newFakeBlobService()
	store := newTestStore(t, svc)
	ctx := context.Background()
	key := harvest.ArtifactKey("stock-mhtml", "42")

	_, ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	payload := []byte("MIME-Version: 1.0 snapshot")
	loc, err := store.Put(ctx, key, "multipart/related", payload)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(loc.URI, "/devstoreaccount1/snapshots/stock-mhtml/item_42.mhtml"), loc.URI)
	assert.Equal(t, "multipart/related", svc.contentType("snapshots/"+key))

	existing, ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(len(payload)), existing.Size)

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = store.Get(ctx, "stock-mhtml/item_missing.mhtml")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutRejected(t *testing.T) {
	t.Parallel()

	svc := newFakeBlobService()
	svc.rejectPuts = true
	store := newTestStore(t, svc)

	_, err := store.Put(context.Background(), "item_1.mhtml", "", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, harvest.KindRemoteRejection, harvest.KindOf(err))
}

func TestEnsureContainerIsIdempotent(t *testing.T) {
	t.Parallel()

	svc := newFakeBlobService()
	store := newTestStore(t, svc)
	require.NoError(t, store.EnsureContainer(context.Background()))
	require.NoError(t, store.EnsureContainer(context.Background()))
	assert.True(t, svc.hasContainer("snapshots"))
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "snapshots")
	require.Error(t, err)
	_, err = NewClient(Config{}, nil)
	require.Error(t, err)

	client, err := NewClient(Config{AccountName: "devstoreaccount1", AccountKey: devAccountKey}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://devstoreaccount1.blob.core.windows.net/", client.URL())
	_, err = New(client, "")
	require.Error(t, err)
}
