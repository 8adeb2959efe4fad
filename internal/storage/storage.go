// Package storage adapts key addressed object stores to the artifact pipeline.
// Backends live in subpackages (local, memory, gcs, azblob, s3); this package
// holds what they share: the artifact writer, error classification and the
// not-found sentinel.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// ErrNotFound reports a missing object.
var ErrNotFound = errors.New("object not found")

// DefaultContentType is used when neither the writer nor the artifact names one.
const DefaultContentType = "multipart/related"

// ArtifactWriter implements harvest.Storer on top of an ObjectStore, placing
// every artifact under its deterministic key.
type ArtifactWriter struct {
	store       harvest.ObjectStore
	prefix      string
	contentType string
}

// NewArtifactWriter builds a writer. An empty contentType defers to the
// artifact's own content type.
func NewArtifactWriter(store harvest.ObjectStore, prefix, contentType string) (*ArtifactWriter, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	return &ArtifactWriter{store: store, prefix: prefix, contentType: contentType}, nil
}

// Key returns the object key an item is stored under.
func (w *ArtifactWriter) Key(id harvest.ItemID) string {
	return harvest.ArtifactKey(w.prefix, id)
}

// Store uploads the artifact payload.
func (w *ArtifactWriter) Store(ctx context.Context, artifact harvest.Artifact) (harvest.Location, error) {
	if artifact.ItemID == "" {
		return harvest.Location{}, harvest.Errorf(harvest.KindInvalidInput, "store artifact", "item id is required")
	}
	contentType := w.contentType
	if contentType == "" {
		contentType = artifact.ContentType
	}
	if contentType == "" {
		contentType = DefaultContentType
	}
	return w.store.Put(ctx, w.Key(artifact.ItemID), contentType, artifact.Payload)
}

// Classify maps a backend failure onto the pipeline's error kinds using the
// HTTP status the backend reported (0 when unknown). Throttling and server
// errors are transient, other 4xx are rejections, and deadline or network
// failures fall through to the generic classifier.
func Classify(op string, status int, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case status == http.StatusNotFound:
		return harvest.Wrap(harvest.KindInvalidInput, op, fmt.Errorf("%w: %w", ErrNotFound, err))
	case status == http.StatusRequestTimeout:
		return harvest.Wrap(harvest.KindTimeout, op, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return harvest.Wrap(harvest.KindTransientNetwork, op, err)
	case status >= 400:
		return harvest.Wrap(harvest.KindRemoteRejection, op, err)
	}
	return harvest.Wrap(harvest.KindOf(err), op, err)
}

// NotFound builds the classified error backends return from Get for a
// missing key.
func NotFound(op, key string) error {
	return harvest.Wrap(harvest.KindInvalidInput, op, fmt.Errorf("%s: %w", key, ErrNotFound))
}

// Lister enumerates stored objects under a prefix. Only the local backends
// implement it; it backs the statistics report.
type Lister interface {
	List(ctx context.Context, prefix string) ([]harvest.Location, error)
}
