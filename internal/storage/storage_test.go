package storage

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

func TestArtifactWriterStoresUnderDeterministicKey(t *testing.T) {
	t.Parallel()

	store := &MockObjectStore{}
	payload := []byte("MIME-Version: 1.0")
	store.On("Put", mock.Anything, "stock-mhtml/item_42.mhtml", "multipart/related", payload).
		Return(harvest.Location{Key: "stock-mhtml/item_42.mhtml", Size: int64(len(payload))}, nil).Once()

	w, err := NewArtifactWriter(store, "/stock-mhtml/", "")
	require.NoError(t, err)
	loc, err := w.Store(context.Background(), harvest.Artifact{ItemID: "42", Payload: payload, ContentType: "multipart/related"})
	require.NoError(t, err)
	assert.Equal(t, "stock-mhtml/item_42.mhtml", loc.Key)
	store.AssertExpectations(t)
}

func TestArtifactWriterContentTypeFallbacks(t *testing.T) {
	t.Parallel()

	store := &MockObjectStore{}
	store.On("Put", mock.Anything, "item_1.mhtml", DefaultContentType, mock.Anything).Return(harvest.Location{}, nil).Once()
	store.On("Put", mock.Anything, "item_2.mhtml", "application/x-mimearchive", mock.Anything).Return(harvest.Location{}, nil).Once()

	w, err := NewArtifactWriter(store, "", "")
	require.NoError(t, err)
	_, err = w.Store(context.Background(), harvest.Artifact{ItemID: "1"})
	require.NoError(t, err)

	forced, err := NewArtifactWriter(store, "", "application/x-mimearchive")
	require.NoError(t, err)
	_, err = forced.Store(context.Background(), harvest.Artifact{ItemID: "2", ContentType: "text/html"})
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestArtifactWriterRejectsMissingID(t *testing.T) {
	t.Parallel()

	w, err := NewArtifactWriter(&MockObjectStore{}, "", "")
	require.NoError(t, err)
	_, err = w.Store(context.Background(), harvest.Artifact{})
	assert.Equal(t, harvest.KindInvalidInput, harvest.KindOf(err))

	_, err = NewArtifactWriter(nil, "", "")
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cause := errors.New("backend said no")
	cases := []struct {
		status int
		want   harvest.ErrorKind
	}{
		{http.StatusForbidden, harvest.KindRemoteRejection},
		{http.StatusConflict, harvest.KindRemoteRejection},
		{http.StatusTooManyRequests, harvest.KindTransientNetwork},
		{http.StatusServiceUnavailable, harvest.KindTransientNetwork},
		{http.StatusRequestTimeout, harvest.KindTimeout},
		{http.StatusNotFound, harvest.KindInvalidInput},
		{0, harvest.KindTransientNetwork},
	}
	for _, tc := range cases {
		err := Classify("put", tc.status, cause)
		assert.Equal(t, tc.want, harvest.KindOf(err), "status %d", tc.status)
		assert.ErrorIs(t, err, cause)
	}
	assert.ErrorIs(t, Classify("get", http.StatusNotFound, cause), ErrNotFound)
	assert.Equal(t, harvest.KindTimeout, harvest.KindOf(Classify("get", 0, context.DeadlineExceeded)))
	assert.NoError(t, Classify("get", 500, nil))
	assert.ErrorIs(t, NotFound("get", "k"), ErrNotFound)
}
