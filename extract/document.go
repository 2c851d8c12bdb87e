package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/types"
)

// documentTimeout bounds one call to the document extractor.
const documentTimeout = 60 * time.Second

// DocumentClient forwards file bytes to the external document-extraction
// service: PUT /extract with the raw body and the MIME type as the
// Content-Type hint, plain text back. Transport and server failures are
// extraction_unavailable and eligible for retry.
type DocumentClient struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

// NewDocumentClient creates a client for the document extractor at baseURL.
func NewDocumentClient(baseURL string, logger *log.Logger) *DocumentClient {
	return &DocumentClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: documentTimeout},
		logger:  logger,
	}
}

func (c *DocumentClient) Name() string { return MethodDocument }

func (c *DocumentClient) Extract(ctx context.Context, in Input) (*types.ExtractedText, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/extract", bytes.NewReader(in.Data))
	if err != nil {
		return nil, fmt.Errorf("document extract request: %w", err)
	}
	req.Header.Set("Content-Type", in.MimeType)
	req.Header.Set("Accept", "text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, types.WrapStageError(types.KindExtractionUnavailable, err,
			"document extractor unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.NewStageError(types.KindExtractionUnavailable,
			"document extractor returned %d: %s", resp.StatusCode, body)
	}
	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.WrapStageError(types.KindExtractionUnavailable, err,
			"document extractor response")
	}

	et := &types.ExtractedText{
		Text:       string(text),
		Encoding:   "utf-8",
		Method:     MethodDocument,
		Confidence: 0.9,
	}
	c.fetchMeta(ctx, in, et)
	return et, nil
}

// fetchMeta asks the extractor for document metadata. Metadata is an
// enrichment only; failures are logged and the extraction proceeds.
func (c *DocumentClient) fetchMeta(ctx context.Context, in Input, et *types.ExtractedText) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/meta", bytes.NewReader(in.Data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", in.MimeType)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("document metadata unavailable", map[string]any{"error": err.Error()})
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var meta map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		c.logger.Debug("document metadata undecodable", map[string]any{"error": err.Error()})
		return
	}
	for k, v := range meta {
		et.MetaSet(k, fmt.Sprint(v))
	}
}

var _ Strategy = (*DocumentClient)(nil)
