package extract

import (
	"context"
	"strings"
	"time"

	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/types"
)

// Router selects and executes an extraction strategy per file, applies the
// fall-through chains, and post-processes every result.
type Router struct {
	direct   Strategy
	pdf      Strategy
	document Strategy
	ocr      Strategy

	maxTextLength int
	logger        *log.Logger
	now           func() time.Time
}

// RouterOptions configures a Router. Document and OCR are the external
// collaborators; Direct and PDF default to the embedded strategies.
type RouterOptions struct {
	Document      Strategy
	OCR           Strategy
	MaxTextLength int
	Logger        *log.Logger
}

// NewRouter creates an extraction router.
func NewRouter(opts RouterOptions) *Router {
	return &Router{
		direct:        Direct{},
		pdf:           PDF{},
		document:      opts.Document,
		ocr:           opts.OCR,
		maxTextLength: opts.MaxTextLength,
		logger:        opts.Logger,
		now:           time.Now,
	}
}

// Extract runs the selected strategy with its fall-through chain: pdf falls
// back to document, ocr falls back to document. The result is always
// non-nil; when every attempted strategy fails it carries the failed shape
// and the last error is returned alongside it for retry classification.
func (r *Router) Extract(ctx context.Context, in Input) (*types.ExtractedText, error) {
	return r.ExtractWithStrategy(ctx, in, Select(in.FileType, in.MimeType))
}

// ExtractWithStrategy runs a named strategy. The hybrid strategy is only
// reachable here; Select never returns it.
func (r *Router) ExtractWithStrategy(ctx context.Context, in Input, strategy string) (*types.ExtractedText, error) {
	et, err := r.run(ctx, in, strategy)
	if err != nil {
		r.logger.Warn("extraction failed", map[string]any{
			"file":     in.FileName,
			"strategy": strategy,
			"error":    err.Error(),
		})
		return r.failed(err), err
	}
	postProcess(et, r.maxTextLength)
	return et, nil
}

func (r *Router) run(ctx context.Context, in Input, strategy string) (*types.ExtractedText, error) {
	switch strategy {
	case MethodDirect:
		return r.direct.Extract(ctx, in)

	case MethodPDF:
		et, err := r.pdf.Extract(ctx, in)
		if err == nil {
			return et, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		r.logger.Warn("pdf parse failed, falling back to document extractor", map[string]any{
			"file":  in.FileName,
			"error": err.Error(),
		})
		et, err = r.document.Extract(ctx, in)
		if err != nil {
			return nil, err
		}
		et.Method = MethodPDFFallback
		return et, nil

	case MethodOCR:
		et, err := r.ocr.Extract(ctx, in)
		if err == nil {
			return et, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		r.logger.Warn("ocr failed, falling back to document extractor", map[string]any{
			"file":  in.FileName,
			"error": err.Error(),
		})
		return r.document.Extract(ctx, in)

	case MethodDocument:
		return r.document.Extract(ctx, in)

	case MethodHybrid:
		return r.hybrid(ctx, in)

	default:
		return nil, types.NewStageError(types.KindInternal, "unknown extraction strategy %q", strategy)
	}
}

// hybrid cross-validates by running the document extractor and OCR, keeping
// the longer non-trivial output, ties broken toward higher confidence.
func (r *Router) hybrid(ctx context.Context, in Input) (*types.ExtractedText, error) {
	doc, docErr := r.document.Extract(ctx, in)
	ocr, ocrErr := r.ocr.Extract(ctx, in)

	switch {
	case docErr != nil && ocrErr != nil:
		return nil, docErr
	case docErr != nil:
		ocr.Method = MethodHybrid
		return ocr, nil
	case ocrErr != nil:
		doc.Method = MethodHybrid
		return doc, nil
	}

	chosen := doc
	docLen := len(strings.TrimSpace(doc.Text))
	ocrLen := len(strings.TrimSpace(ocr.Text))
	if ocrLen > docLen || (ocrLen == docLen && ocr.Confidence > doc.Confidence) {
		chosen = ocr
	}
	chosen.Method = MethodHybrid
	return chosen, nil
}

// failed builds the uniform total-failure shape.
func (r *Router) failed(err error) *types.ExtractedText {
	et := &types.ExtractedText{Method: MethodFailed}
	et.MetaSet(MetaError, err.Error())
	et.MetaSet(MetaTimestamp, r.now().UTC().Format(time.RFC3339))
	return et
}
