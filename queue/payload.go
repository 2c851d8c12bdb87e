package queue

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/veil/types"
)

// Payload is the typed work item carried by a queue. One payload describes
// one stage execution for one dataset; stage processors receive it on
// reserve and enqueue the successor's payload on success.
type Payload struct {
	// JobID is the stable job identifier.
	JobID string `msgpack:"job_id"`
	// Type is the stage this work item belongs to.
	Type types.JobType `msgpack:"type"`
	// Priority orders dispatch; higher first, FIFO within a priority.
	Priority int `msgpack:"priority"`

	// DatasetID, UserID, ProjectID, PolicyID are correlation references
	// inherited along the stage chain.
	DatasetID string `msgpack:"dataset_id"`
	UserID    string `msgpack:"user_id"`
	ProjectID string `msgpack:"project_id,omitempty"`
	PolicyID  string `msgpack:"policy_id,omitempty"`

	// FilePath, FileName, FileSize, MimeType describe the upload. Set on
	// the file-processing payload and carried forward unchanged.
	FilePath string `msgpack:"file_path"`
	FileName string `msgpack:"file_name"`
	FileSize int64  `msgpack:"file_size"`
	MimeType string `msgpack:"mime_type"`

	// Metadata is free-form string extension data (retry lineage,
	// correlation ids).
	Metadata map[string]string `msgpack:"metadata,omitempty"`
}

// encodePayload serializes a payload to msgpack bytes.
func encodePayload(p *Payload) ([]byte, error) {
	b, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal payload: %w", err)
	}
	return b, nil
}

// decodePayload deserializes msgpack bytes into a payload.
func decodePayload(b []byte) (*Payload, error) {
	var p Payload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("queue: unmarshal payload: %w", err)
	}
	return &p, nil
}
