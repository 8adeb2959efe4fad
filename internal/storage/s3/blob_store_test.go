package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/storage"
)

// testS3Client keeps objects in memory and can be told to fail.
type testS3Client struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	failWith error
}

func newTestS3Client() *testS3Client {
	return &testS3Client{objects: map[string][]byte{}, types: map[string]string{}}
}

func (c *testS3Client) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return nil, c.failWith
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	c.objects[key] = data
	c.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (c *testS3Client) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (c *testS3Client) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func responseError(status int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      errors.New("api error"),
	}
}

func TestPutExistsGet(t *testing.T) {
	t.Parallel()

	client := newTestS3Client()
	store, err := New(client, "snapshots")
	require.NoError(t, err)
	ctx := context.Background()
	key := harvest.ArtifactKey("stock-mhtml", "42")

	_, ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	payload := []byte("MIME-Version: 1.0 snapshot")
	loc, err := store.Put(ctx, key, "multipart/related", payload)
	require.NoError(t, err)
	assert.Equal(t, "s3://snapshots/stock-mhtml/item_42.mhtml", loc.URI)
	assert.Equal(t, "multipart/related", client.types["snapshots/"+key])

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

func TestPutClassifiesFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want harvest.ErrorKind
	}{
		{responseError(http.StatusForbidden), harvest.KindRemoteRejection},
		{responseError(http.StatusServiceUnavailable), harvest.KindTransientNetwork},
		{context.DeadlineExceeded, harvest.KindTimeout},
	}
	for _, tc := range cases {
		client := newTestS3Client()
		client.failWith = tc.err
		store, err := New(client, "snapshots")
		require.NoError(t, err)

		_, err = store.Put(context.Background(), "item_1.mhtml", "", []byte("x"))
		assert.Equal(t, tc.want, harvest.KindOf(err), "%v", tc.err)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "snapshots")
	require.Error(t, err)
	_, err = New(newTestS3Client(), "")
	require.Error(t, err)

	store, err := New(newTestS3Client(), "snapshots")
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "", "", nil)
	assert.Equal(t, harvest.KindInvalidInput, harvest.KindOf(err))
}

func TestNewClientUsesStaticCredentials(t *testing.T) {
	t.Parallel()

	client, err := NewClient(context.Background(), Config{
		Region:          "us-east-1",
		Endpoint:        "http://127.0.0.1:9000",
		UsePathStyle:    true,
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
	})
	require.NoError(t, err)
	opts := client.Options()
	assert.Equal(t, "us-east-1", opts.Region)
	assert.Equal(t, "http://127.0.0.1:9000", aws.ToString(opts.BaseEndpoint))
	assert.True(t, opts.UsePathStyle)

	creds, err := opts.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKID", creds.AccessKeyID)
}
