package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pithecene-io/veil/detect"
	"github.com/pithecene-io/veil/store"
	"github.com/pithecene-io/veil/types"
)

// PIIAnalysis scans the extracted text with the detector, filters hits
// through the policy, and persists the findings. When the policy requests
// anonymization and anything was found, the Anonymization stage follows;
// otherwise the dataset completes here.
type PIIAnalysis struct {
	deps *Deps
}

// NewPIIAnalysis creates the stage processor.
func NewPIIAnalysis(deps *Deps) *PIIAnalysis { return &PIIAnalysis{deps: deps} }

func (p *PIIAnalysis) Type() types.JobType { return types.JobTypePIIAnalysis }

func (p *PIIAnalysis) Process(ctx context.Context, exec *Execution) error {
	payload := exec.Payload()

	pol, err := exec.Policy(ctx)
	if err != nil {
		return err
	}
	if err := exec.CheckCancel(ctx); err != nil {
		return err
	}
	text, err := p.deps.Artifacts.Get(ctx, store.TextKey(payload.DatasetID))
	if err != nil {
		return fmt.Errorf("load text artifact: %w", err)
	}
	if err := exec.Progress(ctx, 20); err != nil {
		return err
	}

	entities := make([]string, 0, len(pol.Entities))
	for e := range pol.Entities {
		entities = append(entities, e)
	}
	sort.Strings(entities)

	detections, err := p.deps.Detector.Analyze(ctx, detect.Request{
		Text:            string(text),
		Entities:        entities,
		PolicyThreshold: pol.Threshold,
		CorrelationID:   payload.JobID,
	})
	if err != nil {
		return err
	}
	if err := exec.Progress(ctx, 60); err != nil {
		return err
	}

	findings := make([]types.Finding, 0, len(detections))
	for _, d := range detections {
		if !pol.ShouldProcessEntity(d.EntityType, d.Score) {
			continue
		}
		f := types.Finding{
			DatasetID:  payload.DatasetID,
			AttemptID:  exec.AttemptID(),
			EntityType: d.EntityType,
			Start:      d.Start,
			End:        d.End,
			Confidence: d.Score,
			Context:    snippet(string(text), d.Start, d.End),
			Action:     pol.OperatorFor(d.EntityType).Action,
		}
		f.Line, f.Column = lineCol(string(text), d.Start)
		if err := f.Validate(len(text)); err != nil {
			exec.Logger().Warn("dropping finding with invalid offsets", map[string]any{
				"entity_type": d.EntityType,
				"error":       err.Error(),
			})
			continue
		}
		findings = append(findings, f)
	}

	if err := p.deps.Store.PutFindings(ctx, payload.DatasetID, findings); err != nil {
		return err
	}
	p.deps.Metrics.AddFindingsPersisted(len(findings))
	if err := exec.Progress(ctx, 80); err != nil {
		return err
	}

	summary := types.Summarize(findings)
	anonymize := pol.Anonymization.Enabled && len(findings) > 0
	next := types.DatasetStatusCompleted
	if anonymize {
		next = types.DatasetStatusAnonymizing
	}
	err = exec.AdvanceDataset(ctx, next, func(d *types.Dataset) {
		d.FindingsCount = len(findings)
		d.MetaSet("maxConfidence", strconv.FormatFloat(summary.MaxConfidence, 'f', 2, 64))
	})
	if err != nil {
		return err
	}

	if anonymize {
		if err := exec.EnqueueSuccessor(ctx); err != nil {
			return err
		}
	}
	return exec.Complete(ctx, fmt.Sprintf("%d findings", len(findings)))
}

// snippet extracts a short context window around a finding.
func snippet(text string, start, end int) string {
	const window = 20
	lo := start - window
	if lo < 0 {
		lo = 0
	}
	hi := end + window
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}

// lineCol converts a byte offset to 1-based line and column numbers.
func lineCol(text string, offset int) (int, int) {
	if offset > len(text) {
		offset = len(text)
	}
	prefix := text[:offset]
	line := strings.Count(prefix, "\n") + 1
	col := offset - strings.LastIndex(prefix, "\n")
	return line, col
}
