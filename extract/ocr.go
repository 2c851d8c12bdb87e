package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/types"
)

// ocrTimeout bounds one call to the OCR service.
const ocrTimeout = 60 * time.Second

// Confidence clamp for OCR output. The pre-clamp estimate below the floor
// raises a quality warning before clamping.
const (
	ocrMinConfidence = 0.60
	ocrMaxConfidence = 0.95
)

// ocrResponse is the OCR service's process-wrapper envelope.
type ocrResponse struct {
	Data struct {
		Exit struct {
			Code   int    `json:"code"`
			Signal string `json:"signal"`
		} `json:"exit"`
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
	} `json:"data"`
}

// OCRClient sends image files to the external OCR service as a multipart
// POST with a JSON options part carrying the language hint.
type OCRClient struct {
	baseURL  string
	language string
	client   *http.Client
	logger   *log.Logger
}

// NewOCRClient creates a client for the OCR service at baseURL. language is
// a tesseract language code, defaulting to English.
func NewOCRClient(baseURL, language string, logger *log.Logger) *OCRClient {
	if language == "" {
		language = "eng"
	}
	return &OCRClient{
		baseURL:  baseURL,
		language: language,
		client:   &http.Client{Timeout: ocrTimeout},
		logger:   logger,
	}
}

func (c *OCRClient) Name() string { return MethodOCR }

func (c *OCRClient) Extract(ctx context.Context, in Input) (*types.ExtractedText, error) {
	if !imageTypes[in.FileType] {
		return nil, fmt.Errorf("ocr: unsupported format %q", in.FileType)
	}

	body, contentType, err := c.multipartBody(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", body)
	if err != nil {
		return nil, fmt.Errorf("ocr request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, types.WrapStageError(types.KindExtractionUnavailable, err, "ocr service unreachable")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.NewStageError(types.KindExtractionUnavailable,
			"ocr service returned %d: %s", resp.StatusCode, payload)
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.WrapStageError(types.KindExtractionUnavailable, err, "ocr response")
	}
	if out.Data.Exit.Code != 0 || out.Data.Exit.Signal != "" {
		return nil, types.NewStageError(types.KindExtractionUnavailable,
			"ocr exited code=%d signal=%q: %s",
			out.Data.Exit.Code, out.Data.Exit.Signal, strings.TrimSpace(out.Data.Stderr))
	}

	text := out.Data.Stdout
	estimate := estimateOCRConfidence(text, out.Data.Stderr)

	et := &types.ExtractedText{
		Text:       text,
		Encoding:   "utf-8",
		Method:     MethodOCR,
		Confidence: clamp(estimate, ocrMinConfidence, ocrMaxConfidence),
	}
	if estimate < ocrMinConfidence {
		et.MetaSet(MetaQualityWarnings, LowConfidenceWarning)
		c.logger.Warn("low ocr confidence", map[string]any{
			"file":     in.FileName,
			"estimate": estimate,
		})
	}
	return et, nil
}

func (c *OCRClient) multipartBody(in Input) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	file, err := w.CreateFormFile("file", in.FileName)
	if err != nil {
		return nil, "", fmt.Errorf("ocr multipart: %w", err)
	}
	if _, err := file.Write(in.Data); err != nil {
		return nil, "", fmt.Errorf("ocr multipart: %w", err)
	}

	options, err := json.Marshal(map[string][]string{"languages": {c.language}})
	if err != nil {
		return nil, "", fmt.Errorf("ocr options: %w", err)
	}
	if err := w.WriteField("options", string(options)); err != nil {
		return nil, "", fmt.Errorf("ocr multipart: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("ocr multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

var structuredToken = regexp.MustCompile(`@|\d{3}[-.\s]\d{2,4}`)

// estimateOCRConfidence scores recognition quality from the engine's stderr
// and the shape of the text: warnings, word count, the ratio of characters
// outside the word alphabet, and the presence of structured tokens such as
// emails or digit groupings.
func estimateOCRConfidence(text, stderr string) float64 {
	score := 0.90

	for _, line := range strings.Split(stderr, "\n") {
		if strings.Contains(strings.ToLower(line), "warning") {
			score -= 0.05
		}
	}

	words := len(strings.Fields(text))
	if words < 5 {
		score -= 0.20
	} else if words < 20 {
		score -= 0.05
	}

	if n := len([]rune(text)); n > 0 {
		nonWord := 0
		for _, r := range text {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) &&
				!strings.ContainsRune(".,;:!?@-()'\"/", r) {
				nonWord++
			}
		}
		score -= float64(nonWord) / float64(n)
	}

	if structuredToken.MatchString(text) {
		score += 0.05
	}
	return score
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var _ Strategy = (*OCRClient)(nil)
