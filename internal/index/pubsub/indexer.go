// Package pubsub hands stored artifacts to the index service through a
// Google Cloud Pub/Sub topic. The message carries the artifact's location
// and metadata; the payload itself stays in the object store.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// Message is the JSON body published per artifact.
type Message struct {
	ItemID      string    `json:"item_id"`
	IndexType   string    `json:"index_type"`
	BlobURL     string    `json:"blob_url"`
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	SourceURL   string    `json:"source_url,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	CapturedAt  time.Time `json:"captured_at,omitempty"`
}

// Indexer publishes one message per artifact.
type Indexer struct {
	topic     *pubsub.Topic
	indexType string
}

// New wraps a topic handle from client.
func New(client *pubsub.Client, topicID, indexType string) (*Indexer, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topicID == "" {
		return nil, fmt.Errorf("topic id is required")
	}
	if indexType == "" {
		indexType = "stock"
	}
	topic := client.Topic(topicID)
	topic.PublishSettings.CountThreshold = 1
	return &Indexer{topic: topic, indexType: indexType}, nil
}

// Index publishes the artifact's metadata and waits for the server ack.
func (i *Indexer) Index(ctx context.Context, artifact harvest.Artifact, loc harvest.Location) (harvest.Ack, error) {
	data, err := json.Marshal(Message{
		ItemID:      artifact.ItemID.String(),
		IndexType:   i.indexType,
		BlobURL:     loc.URI,
		Key:         loc.Key,
		Size:        loc.Size,
		Hash:        artifact.Hash,
		SourceURL:   artifact.SourceURL,
		ContentType: artifact.ContentType,
		CapturedAt:  artifact.CapturedAt,
	})
	if err != nil {
		return harvest.Ack{}, harvest.Wrap(harvest.KindInvalidInput, "index", fmt.Errorf("marshal message: %w", err))
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"item_id":    artifact.ItemID.String(),
			"index_type": i.indexType,
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := i.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return harvest.Ack{}, classify(err)
	}
	return harvest.Ack{ID: id}, nil
}

// Close flushes pending messages and stops the topic's goroutines.
func (i *Indexer) Close() error {
	i.topic.Stop()
	return nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return harvest.Wrap(harvest.KindTimeout, "index", err)
	}
	if errors.Is(err, context.Canceled) {
		return harvest.Wrap(harvest.KindCanceled, "index", err)
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return harvest.Wrap(harvest.KindTimeout, "index", err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.Unknown:
		return harvest.Wrap(harvest.KindTransientNetwork, "index", err)
	default:
		return harvest.Wrap(harvest.KindRemoteRejection, "index", err)
	}
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}

var _ harvest.Indexer = (*Indexer)(nil)
