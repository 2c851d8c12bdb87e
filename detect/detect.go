// Package detect is the client for the external PII detector service.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/types"
)

// detectorTimeout bounds one call to the detector.
const detectorTimeout = 30 * time.Second

// DefaultScoreThreshold is the request-level confidence floor applied when
// the caller provides none.
const DefaultScoreThreshold = 0.5

// Request is one analysis call.
type Request struct {
	// Text is the extracted text to scan.
	Text string
	// Language hints the recognizer language, defaulting to English.
	Language string
	// Entities restricts detection to these types. Empty means all the
	// detector knows.
	Entities []string
	// ScoreThreshold is the caller's confidence floor. The effective floor
	// is the maximum of this and the policy threshold.
	ScoreThreshold float64
	// PolicyThreshold is the policy's global confidence floor.
	PolicyThreshold float64
	// CorrelationID ties the call to the producing job.
	CorrelationID string
}

// Detection is one raw detector hit. Offsets address the analyzed text as
// a half-open [start, end) range.
type Detection struct {
	EntityType  string  `json:"entity_type"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
	Score       float64 `json:"score"`
	Explanation string  `json:"analysis_explanation,omitempty"`
}

type analyzeRequest struct {
	Text           string   `json:"text"`
	Language       string   `json:"language"`
	Entities       []string `json:"entities,omitempty"`
	ScoreThreshold float64  `json:"score_threshold"`
	CorrelationID  string   `json:"correlation_id"`
}

// Client calls the detector's /analyze endpoint.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

// NewClient creates a detector client for the service at baseURL.
func NewClient(baseURL string, logger *log.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: detectorTimeout},
		logger:  logger,
	}
}

// Analyze scans text for PII. Detections below the effective threshold are
// dropped; the remainder is returned in ascending (start, end) order with
// overlaps intact. Transport failures are detector_unavailable and eligible
// for retry.
func (c *Client) Analyze(ctx context.Context, req Request) ([]Detection, error) {
	if req.Language == "" {
		req.Language = "en"
	}
	if req.ScoreThreshold == 0 {
		req.ScoreThreshold = DefaultScoreThreshold
	}
	threshold := req.ScoreThreshold
	if req.PolicyThreshold > threshold {
		threshold = req.PolicyThreshold
	}

	body, err := json.Marshal(analyzeRequest{
		Text:           req.Text,
		Language:       req.Language,
		Entities:       req.Entities,
		ScoreThreshold: req.ScoreThreshold,
		CorrelationID:  req.CorrelationID,
	})
	if err != nil {
		return nil, fmt.Errorf("detect: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("detect: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, types.WrapStageError(types.KindDetectorUnavailable, err, "detector unreachable")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.NewStageError(types.KindDetectorUnavailable,
			"detector returned %d: %s", resp.StatusCode, payload)
	}

	var raw []Detection
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, types.WrapStageError(types.KindDetectorUnavailable, err, "detector response")
	}

	detections := make([]Detection, 0, len(raw))
	dropped := 0
	for _, d := range raw {
		if d.Score < threshold {
			dropped++
			continue
		}
		detections = append(detections, d)
	}
	if dropped > 0 {
		c.logger.Debug("dropped sub-threshold detections", map[string]any{
			"dropped":   dropped,
			"threshold": threshold,
		})
	}

	sort.Slice(detections, func(i, j int) bool {
		if detections[i].Start != detections[j].Start {
			return detections[i].Start < detections[j].Start
		}
		return detections[i].End < detections[j].End
	})
	return detections, nil
}
