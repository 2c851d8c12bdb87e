package pipeline

import (
	"context"
	"fmt"

	"github.com/pithecene-io/veil/store"
	"github.com/pithecene-io/veil/types"
)

// Anonymization rewrites the detected ranges of the extracted text and
// writes the output artifact. PDFs without a coordinate map degrade to a
// text surrogate, recorded on the dataset.
type Anonymization struct {
	deps *Deps
}

// NewAnonymization creates the stage processor.
func NewAnonymization(deps *Deps) *Anonymization { return &Anonymization{deps: deps} }

func (p *Anonymization) Type() types.JobType { return types.JobTypeAnonymization }

func (p *Anonymization) Process(ctx context.Context, exec *Execution) error {
	payload := exec.Payload()

	pol, err := exec.Policy(ctx)
	if err != nil {
		return err
	}
	if err := exec.CheckCancel(ctx); err != nil {
		return err
	}

	findings, err := p.deps.Store.ListFindings(ctx, payload.DatasetID)
	if err != nil {
		return err
	}
	text, err := p.deps.Artifacts.Get(ctx, store.TextKey(payload.DatasetID))
	if err != nil {
		return fmt.Errorf("load text artifact: %w", err)
	}
	if err := exec.Progress(ctx, 30); err != nil {
		return err
	}

	result, err := p.deps.Anonymizer.Anonymize(ctx, string(text), findings, pol)
	if err != nil {
		return err
	}
	if err := exec.Progress(ctx, 70); err != nil {
		return err
	}

	outputKey := store.OutputKey(payload.DatasetID, payload.JobID, exec.Attempt())
	if err := p.deps.Artifacts.Put(ctx, outputKey, []byte(result.Text)); err != nil {
		return fmt.Errorf("store output artifact: %w", err)
	}

	dataset, err := p.deps.Store.GetDataset(ctx, payload.DatasetID)
	if err != nil {
		return err
	}
	// Without a coordinate map an anonymized PDF cannot be rendered; the
	// output stays a text surrogate.
	surrogate := dataset.FileType == "pdf"

	err = exec.AdvanceDataset(ctx, types.DatasetStatusCompleted, func(d *types.Dataset) {
		d.OutputPath = outputKey
		if surrogate {
			d.MetaSet(types.DatasetMetaPDFCoordsUnavailable, "true")
		}
	})
	if err != nil {
		return err
	}
	if err := exec.Progress(ctx, 90); err != nil {
		return err
	}

	if err := p.deps.Notifier.Notify(ctx, payload.UserID, "Processing complete",
		fmt.Sprintf("%s anonymized with %d findings", payload.FileName, len(findings)),
		types.NotificationSuccess); err != nil {
		exec.Logger().Error("completion notification failed", map[string]any{"error": err.Error()})
	}
	return exec.Complete(ctx, fmt.Sprintf("anonymized %d ranges", len(result.Items)))
}
