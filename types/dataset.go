package types

import "time"

// DatasetStatus is the stage-derived state of a dataset.
type DatasetStatus string

// Dataset states. Status advances monotonically along the pipeline except on
// Failed/Cancelled, where it is absorbed.
const (
	DatasetStatusPending     DatasetStatus = "pending"
	DatasetStatusExtracting  DatasetStatus = "extracting"
	DatasetStatusAnalyzing   DatasetStatus = "analyzing"
	DatasetStatusAnonymizing DatasetStatus = "anonymizing"
	DatasetStatusCompleted   DatasetStatus = "completed"
	DatasetStatusFailed      DatasetStatus = "failed"
	DatasetStatusCancelled   DatasetStatus = "cancelled"
)

// rank orders dataset states along the pipeline for the monotonic-advance
// check. Absorbing states rank above all progress states.
func (s DatasetStatus) rank() int {
	switch s {
	case DatasetStatusPending:
		return 0
	case DatasetStatusExtracting:
		return 1
	case DatasetStatusAnalyzing:
		return 2
	case DatasetStatusAnonymizing:
		return 3
	case DatasetStatusCompleted:
		return 4
	case DatasetStatusFailed, DatasetStatusCancelled:
		return 5
	default:
		return -1
	}
}

// IsAbsorbing returns true for states no later transition may leave.
func (s DatasetStatus) IsAbsorbing() bool {
	return s == DatasetStatusFailed || s == DatasetStatusCancelled
}

// CanAdvanceTo reports whether a transition from s to next is legal:
// forward along the pipeline, or into an absorbing state. A reset to Pending
// is permitted only via retry, which callers gate separately.
func (s DatasetStatus) CanAdvanceTo(next DatasetStatus) bool {
	if s.IsAbsorbing() {
		return false
	}
	if next.IsAbsorbing() {
		return true
	}
	return next.rank() > s.rank()
}

// Dataset metadata keys with defined semantics.
const (
	DatasetMetaPDFCoordsUnavailable = "pdfCoordinatesUnavailable"
	DatasetMetaLowConfidenceWords   = "hasLowConfidenceWords"
	DatasetMetaExtractionMethod     = "extractionMethod"
	DatasetMetaExtractionConfidence = "extractionConfidence"
)

// Dataset is the user-facing artifact a pipeline operates on: one uploaded
// file tracked through the stages.
type Dataset struct {
	// ID is the dataset identifier.
	ID string `msgpack:"id"`
	// FileName is the original upload name.
	FileName string `msgpack:"file_name"`
	// FileType is the normalized file type tag (e.g. "txt", "pdf", "png").
	FileType string `msgpack:"file_type"`
	// MimeType is the declared MIME type of the upload.
	MimeType string `msgpack:"mime_type"`
	// SizeBytes is the upload size.
	SizeBytes int64 `msgpack:"size_bytes"`
	// Status is the current stage-derived state.
	Status DatasetStatus `msgpack:"status"`
	// SourcePath locates the uploaded bytes in the artifact store.
	SourcePath string `msgpack:"source_path"`
	// TextPath locates the extracted-text artifact, set after extraction.
	TextPath string `msgpack:"text_path,omitempty"`
	// OutputPath locates the anonymized artifact, set after anonymization.
	OutputPath string `msgpack:"output_path,omitempty"`
	// ProjectID is the owning project.
	ProjectID string `msgpack:"project_id,omitempty"`
	// UserID is the owning user.
	UserID string `msgpack:"user_id"`
	// PolicyID selects the policy applied to this dataset.
	PolicyID string `msgpack:"policy_id,omitempty"`
	// FindingsCount is the number of persisted findings.
	FindingsCount int `msgpack:"findings_count"`
	// Metadata is free-form string extension data.
	Metadata map[string]string `msgpack:"metadata,omitempty"`
	// CreatedAt is the upload time.
	CreatedAt time.Time `msgpack:"created_at"`
	// UpdatedAt is the last status write.
	UpdatedAt time.Time `msgpack:"updated_at"`
}

// MetaSet sets a metadata key, allocating the map if needed.
func (d *Dataset) MetaSet(key, value string) {
	if d.Metadata == nil {
		d.Metadata = make(map[string]string)
	}
	d.Metadata[key] = value
}
