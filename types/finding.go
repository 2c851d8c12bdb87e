package types

import "fmt"

// Action is the anonymization operator chosen for a finding.
type Action string

// Anonymization actions.
const (
	ActionRedact  Action = "redact"
	ActionMask    Action = "mask"
	ActionReplace Action = "replace"
	ActionEncrypt Action = "encrypt"
	ActionHash    Action = "hash"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionRedact, ActionMask, ActionReplace, ActionEncrypt, ActionHash:
		return true
	}
	return false
}

// Finding is one detected PII instance, located by byte offsets into the
// extracted text of its dataset.
type Finding struct {
	// DatasetID is the owning dataset.
	DatasetID string `msgpack:"dataset_id"`
	// AttemptID identifies the producing (jobID, attempt) execution.
	// Part of the idempotence key: re-running an attempt upserts.
	AttemptID string `msgpack:"attempt_id"`
	// EntityType is the free-form detection tag, e.g. EMAIL_ADDRESS.
	EntityType string `msgpack:"entity_type"`
	// Start and End are byte offsets [start, end) into the extracted text.
	Start int `msgpack:"start"`
	End   int `msgpack:"end"`
	// Confidence is the detection score in [0, 1]. Always at or above the
	// policy threshold for the entity type.
	Confidence float64 `msgpack:"confidence"`
	// Line and Column locate the finding in the source, when known.
	Line   int `msgpack:"line,omitempty"`
	Column int `msgpack:"column,omitempty"`
	// ColumnName is the source column for tabular inputs.
	ColumnName string `msgpack:"column_name,omitempty"`
	// Context is a short slice of surrounding text.
	Context string `msgpack:"context,omitempty"`
	// Action is the anonymization operator the policy selected.
	Action Action `msgpack:"action"`
}

// Validate checks the offset invariant against the extracted text length.
func (f *Finding) Validate(textLen int) error {
	if f.Start < 0 || f.Start >= f.End || f.End > textLen {
		return fmt.Errorf("finding %s offsets [%d,%d) invalid for text length %d",
			f.EntityType, f.Start, f.End, textLen)
	}
	return nil
}

// Key returns the natural idempotence key for persistence:
// (datasetID, attemptID, start, end, entityType).
func (f *Finding) Key() string {
	return fmt.Sprintf("%s:%s:%d:%d:%s", f.DatasetID, f.AttemptID, f.Start, f.End, f.EntityType)
}

// Less orders findings by (start, end) ascending, the persistence and
// exposure order for a dataset.
func (f *Finding) Less(other *Finding) bool {
	if f.Start != other.Start {
		return f.Start < other.Start
	}
	return f.End < other.End
}

// FindingSummary aggregates the findings of one dataset.
type FindingSummary struct {
	// Total is the number of persisted findings.
	Total int `msgpack:"total"`
	// CountsByType maps entity type to occurrence count.
	CountsByType map[string]int `msgpack:"counts_by_type"`
	// MaxConfidence is the highest confidence across all findings.
	MaxConfidence float64 `msgpack:"max_confidence"`
}

// Summarize builds a FindingSummary from a finding list.
func Summarize(findings []Finding) FindingSummary {
	s := FindingSummary{
		Total:        len(findings),
		CountsByType: make(map[string]int, 8),
	}
	for i := range findings {
		s.CountsByType[findings[i].EntityType]++
		if findings[i].Confidence > s.MaxConfidence {
			s.MaxConfidence = findings[i].Confidence
		}
	}
	return s
}
