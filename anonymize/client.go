package anonymize

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
	"github.com/pithecene-io/veil/policy"
	"github.com/pithecene-io/veil/types"
)

// anonymizerTimeout bounds one call to the anonymizer.
const anonymizerTimeout = 30 * time.Second

// conflictResolution names the overlap policy the service applies to any
// residual overlap; the client resolves overlaps itself before the call.
const conflictResolution = "merge_similar_or_contained"

// defaultEntityKey is the anonymizer's fallback operator slot.
const defaultEntityKey = "DEFAULT"

// operatorSpec is one operator in the anonymizers mapping.
type operatorSpec struct {
	Type        string `json:"type"`
	NewValue    string `json:"new_value,omitempty"`
	MaskingChar string `json:"masking_char,omitempty"`
	CharsToMask int    `json:"chars_to_mask,omitempty"`
	FromEnd     bool   `json:"from_end,omitempty"`
	HashType    string `json:"hash_type,omitempty"`
	Key         string `json:"key,omitempty"`
}

type analyzerResult struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

type anonymizeRequest struct {
	Text               string                  `json:"text"`
	Anonymizers        map[string]operatorSpec `json:"anonymizers"`
	AnalyzerResults    []analyzerResult        `json:"analyzer_results"`
	ConflictResolution string                  `json:"conflict_resolution"`
}

// Item is one applied operation reported by the anonymizer.
type Item struct {
	Operator   string `json:"operator"`
	EntityType string `json:"entity_type"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Text       string `json:"text"`
}

// Result is the anonymizer's response.
type Result struct {
	Text  string `json:"text"`
	Items []Item `json:"items"`
}

// Client calls the anonymizer's /anonymize endpoint.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

// NewClient creates an anonymizer client for the service at baseURL.
func NewClient(baseURL string, logger *log.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: anonymizerTimeout},
		logger:  logger,
	}
}

// Anonymize rewrites the detected ranges of text according to the policy's
// operators. Findings are overlap-resolved first and submitted in
// decreasing start order so the service's rewrites never disturb offsets of
// untouched ranges. Transport failures are anonymizer_unavailable and
// eligible for retry.
func (c *Client) Anonymize(ctx context.Context, text string, findings []types.Finding, pol *policy.Config) (*Result, error) {
	resolved := Resolve(findings)
	sort.Slice(resolved, func(i, j int) bool {
		if resolved[i].Start != resolved[j].Start {
			return resolved[i].Start > resolved[j].Start
		}
		return resolved[i].End > resolved[j].End
	})

	anonymizers := map[string]operatorSpec{
		defaultEntityKey: operatorFor(pol.OperatorFor("")),
	}
	results := make([]analyzerResult, 0, len(resolved))
	for _, f := range resolved {
		if _, ok := anonymizers[f.EntityType]; !ok {
			anonymizers[f.EntityType] = operatorFor(pol.OperatorFor(f.EntityType))
		}
		results = append(results, analyzerResult{
			EntityType: f.EntityType,
			Start:      f.Start,
			End:        f.End,
			Score:      f.Confidence,
		})
	}

	body, err := json.Marshal(anonymizeRequest{
		Text:               text,
		Anonymizers:        anonymizers,
		AnalyzerResults:    results,
		ConflictResolution: conflictResolution,
	})
	if err != nil {
		return nil, fmt.Errorf("anonymize: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/anonymize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anonymize: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, types.WrapStageError(types.KindAnonymizerUnavailable, err, "anonymizer unreachable")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.NewStageError(types.KindAnonymizerUnavailable,
			"anonymizer returned %d: %s", resp.StatusCode, payload)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, types.WrapStageError(types.KindAnonymizerUnavailable, err, "anonymizer response")
	}
	return &result, nil
}

// operatorFor maps a policy entity configuration onto the anonymizer's
// operator vocabulary.
func operatorFor(ec policy.EntityConfig) operatorSpec {
	switch ec.Action {
	case types.ActionReplace:
		newValue := ec.Replacement
		if newValue == "" {
			newValue = "[REDACTED]"
		}
		return operatorSpec{Type: "replace", NewValue: newValue}
	case types.ActionMask:
		char := ec.MaskChar
		if char == "" {
			char = "*"
		}
		return operatorSpec{
			Type:        "mask",
			MaskingChar: char,
			CharsToMask: ec.MaskCount,
			FromEnd:     ec.MaskFromEnd,
		}
	case types.ActionHash:
		hashType := ec.HashType
		if hashType == "" {
			hashType = "sha256"
		}
		return operatorSpec{Type: "hash", HashType: hashType}
	case types.ActionEncrypt:
		return operatorSpec{Type: "encrypt", Key: ec.EncryptKey}
	default:
		return operatorSpec{Type: "redact", NewValue: ec.Replacement}
	}
}
