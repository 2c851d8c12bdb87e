package pipeline

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/pithecene-io/veil/extract"
	"github.com/pithecene-io/veil/store"
	"github.com/pithecene-io/veil/types"
)

// TextExtraction turns the validated upload into analyzable text through
// the extraction router, stores the text artifact, and records the
// extraction quality on the dataset.
type TextExtraction struct {
	deps *Deps
}

// NewTextExtraction creates the stage processor.
func NewTextExtraction(deps *Deps) *TextExtraction { return &TextExtraction{deps: deps} }

func (p *TextExtraction) Type() types.JobType { return types.JobTypeTextExtraction }

func (p *TextExtraction) Process(ctx context.Context, exec *Execution) error {
	payload := exec.Payload()

	if err := exec.CheckCancel(ctx); err != nil {
		return err
	}
	data, err := os.ReadFile(payload.FilePath)
	if err != nil {
		return types.WrapStageError(types.KindFileNotFound, err, "read %s", payload.FilePath)
	}
	if err := exec.Progress(ctx, 20); err != nil {
		return err
	}

	dataset, err := p.deps.Store.GetDataset(ctx, payload.DatasetID)
	if err != nil {
		return err
	}

	et, err := p.deps.Router.Extract(ctx, extract.Input{
		FileName: payload.FileName,
		FileType: dataset.FileType,
		MimeType: payload.MimeType,
		Data:     data,
	})
	if err != nil {
		return err
	}
	if err := exec.Progress(ctx, 70); err != nil {
		return err
	}

	textKey := store.TextKey(payload.DatasetID)
	if err := p.deps.Artifacts.Put(ctx, textKey, []byte(et.Text)); err != nil {
		return fmt.Errorf("store text artifact: %w", err)
	}

	err = exec.AdvanceDataset(ctx, types.DatasetStatusAnalyzing, func(d *types.Dataset) {
		d.TextPath = textKey
		d.MetaSet(types.DatasetMetaExtractionMethod, et.Method)
		d.MetaSet(types.DatasetMetaExtractionConfidence,
			strconv.FormatFloat(et.Confidence, 'f', 2, 64))
		if et.Metadata[extract.MetaQualityWarnings] != "" {
			d.MetaSet(types.DatasetMetaLowConfidenceWords, "true")
		}
	})
	if err != nil {
		return err
	}
	if err := exec.Progress(ctx, 90); err != nil {
		return err
	}
	if err := exec.EnqueueSuccessor(ctx); err != nil {
		return err
	}
	return exec.Complete(ctx, fmt.Sprintf("extracted %d bytes via %s", len(et.Text), et.Method))
}
