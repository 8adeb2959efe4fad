// Package httpindex submits artifacts to an index service as multipart form
// uploads.
package httpindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

const maxErrorBody = 512

// Config controls the index endpoint.
type Config struct {
	Endpoint  string
	IndexType string
	Timeout   time.Duration
}

// Indexer posts one multipart request per artifact. It performs a single
// attempt; retries belong to the caller.
type Indexer struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds an Indexer. A nil client gets one with cfg.Timeout.
func New(cfg Config, client *http.Client, logger *zap.Logger) (*Indexer, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("index endpoint is required")
	}
	if cfg.IndexType == "" {
		cfg.IndexType = "stock"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{cfg: cfg, client: client, logger: logger.Named("index")}, nil
}

type response struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Success    *bool  `json:"success"`
	Error      string `json:"error"`
}

// Index uploads the artifact with its blob and source URLs.
func (i *Indexer) Index(ctx context.Context, artifact harvest.Artifact, loc harvest.Location) (harvest.Ack, error) {
	body, contentType, err := i.encode(artifact, loc)
	if err != nil {
		return harvest.Ack{}, harvest.Wrap(harvest.KindInvalidInput, "index", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.cfg.Endpoint, body)
	if err != nil {
		return harvest.Ack{}, harvest.Wrap(harvest.KindInvalidInput, "index", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return harvest.Ack{}, classifyTransport(err)
	}
	defer resp.Body.Close() //nolint:errcheck // body drained below
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return harvest.Ack{}, classifyTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return harvest.Ack{StatusCode: resp.StatusCode}, classifyStatus(resp.StatusCode, raw)
	}

	ack := harvest.Ack{StatusCode: resp.StatusCode}
	var parsed response
	if len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil {
		if parsed.Success != nil && !*parsed.Success {
			return ack, harvest.Errorf(harvest.KindRemoteRejection, "index", "index service refused %s: %s", artifact.ItemID, parsed.Error)
		}
		ack.ID = parsed.ID
		if ack.ID == "" {
			ack.ID = parsed.DocumentID
		}
	}
	i.logger.Debug("indexed artifact",
		zap.String("item_id", artifact.ItemID.String()),
		zap.Int("status", resp.StatusCode),
		zap.String("ack_id", ack.ID))
	return ack, nil
}

func (i *Indexer) encode(artifact harvest.Artifact, loc harvest.Location) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	filename := path.Base(loc.Key)
	if loc.Key == "" {
		filename = path.Base(harvest.ArtifactKey("", artifact.ItemID))
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", "application/octet-stream")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(artifact.Payload); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}

	fields := [][2]string{
		{"index_type", i.cfg.IndexType},
		{"blob_url", loc.URI},
	}
	if artifact.SourceURL != "" {
		fields = append(fields, [2]string{"source_url", artifact.SourceURL})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func classifyStatus(status int, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	err := fmt.Errorf("index service returned %d: %s", status, bytes.TrimSpace(body))
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return harvest.Wrap(harvest.KindTimeout, "index", err)
	case status == http.StatusTooManyRequests || status >= 500:
		return harvest.Wrap(harvest.KindTransientNetwork, "index", err)
	default:
		return harvest.Wrap(harvest.KindRemoteRejection, "index", err)
	}
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return harvest.Wrap(harvest.KindTimeout, "index", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return harvest.Wrap(harvest.KindTimeout, "index", err)
	}
	if errors.Is(err, context.Canceled) {
		return harvest.Wrap(harvest.KindCanceled, "index", err)
	}
	return harvest.Wrap(harvest.KindTransientNetwork, "index", err)
}

var _ harvest.Indexer = (*Indexer)(nil)
