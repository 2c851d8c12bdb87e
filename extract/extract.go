// Package extract turns uploaded file bytes into analyzable text. A router
// picks a strategy per file; every strategy result passes through the same
// post-processing before it reaches analysis.
package extract

import (
	"context"

	"github.com/pithecene-io/veil/types"
)

// Extraction metadata keys.
const (
	MetaFallbackEncoding = "fallbackEncoding"
	MetaTruncated        = "truncated"
	MetaOriginalLength   = "originalLength"
	MetaPageCount        = "pageCount"
	MetaQualityWarnings  = "qualityWarnings"
	MetaError            = "error"
	MetaTimestamp        = "timestamp"
)

// LowConfidenceWarning is recorded when the pre-clamp OCR estimate falls
// below the floor.
const LowConfidenceWarning = "Low OCR confidence"

// Unavailable stands in for an external strategy that was not configured.
// Every call fails retriable, so the work redelivers once the service URL
// is wired in.
type Unavailable struct {
	// Service names the missing collaborator in errors.
	Service string
}

func (u Unavailable) Name() string { return u.Service }

func (u Unavailable) Extract(_ context.Context, _ Input) (*types.ExtractedText, error) {
	return nil, types.NewStageError(types.KindExtractionUnavailable,
		"%s service is not configured", u.Service)
}

// Strategy names.
const (
	MethodDirect      = "direct"
	MethodPDF         = "pdf"
	MethodDocument    = "document"
	MethodOCR         = "ocr"
	MethodHybrid      = "hybrid"
	MethodPDFFallback = "pdf-fallback-document"
	MethodFailed      = "failed"
)

// Input is one file handed to a strategy.
type Input struct {
	// FileName is the original upload name.
	FileName string
	// FileType is the lowercase extension without the dot.
	FileType string
	// MimeType is the declared MIME type.
	MimeType string
	// Data is the raw file content.
	Data []byte
}

// Strategy extracts text from one input.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, in Input) (*types.ExtractedText, error)
}

var plainTextTypes = map[string]bool{
	"txt": true, "text": true, "csv": true, "tsv": true, "md": true,
	"log": true, "json": true, "xml": true, "html": true, "htm": true,
	"yaml": true, "yml": true,
}

var documentTypes = map[string]bool{
	"doc": true, "docx": true, "odt": true, "rtf": true,
	"xls": true, "xlsx": true, "ods": true,
	"ppt": true, "pptx": true, "odp": true,
}

var imageTypes = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "tif": true, "tiff": true,
	"bmp": true, "gif": true, "webp": true,
}

var textualMimes = map[string]bool{
	"application/json": true,
	"application/xml":  true,
	"application/yaml": true,
}

// Select decides the strategy for a file. The decision is deterministic from
// (fileType, mimeType); hybrid is never selected here, only requested
// explicitly by a caller.
func Select(fileType, mimeType string) string {
	switch {
	case plainTextTypes[fileType]:
		return MethodDirect
	case fileType == "pdf" || mimeType == "application/pdf":
		return MethodPDF
	case documentTypes[fileType]:
		return MethodDocument
	case imageTypes[fileType]:
		return MethodOCR
	case len(mimeType) >= 5 && mimeType[:5] == "text/":
		return MethodDirect
	case textualMimes[mimeType]:
		return MethodDirect
	default:
		return MethodDocument
	}
}
