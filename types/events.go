package types

import (
	"encoding/json"
	"time"
)

// EventType discriminates fan-out event frames.
type EventType string

// Fan-out event types.
const (
	EventTypeJobStatus     EventType = "job_status"
	EventTypeDatasetUpdate EventType = "dataset_update"
	EventTypeNotification  EventType = "notification"
	EventTypeHeartbeat     EventType = "heartbeat"
	EventTypeSystemStatus  EventType = "system_status"
)

// NotificationLevel classifies persisted notifications.
type NotificationLevel string

// Notification levels.
const (
	NotificationInfo    NotificationLevel = "info"
	NotificationSuccess NotificationLevel = "success"
	NotificationWarning NotificationLevel = "warning"
	NotificationError   NotificationLevel = "error"
)

// Event is one fan-out frame: a tagged sum over the finite event kinds.
// Exactly one of the typed payload fields is set, matching Type.
// Serialized to subscribers as {"type": ..., "data": ..., "timestamp": ...}.
type Event struct {
	// Type discriminates the payload.
	Type EventType
	// Timestamp is monotonic per publisher.
	Timestamp time.Time

	JobStatus     *JobStatusData     `json:"-"`
	DatasetUpdate *DatasetUpdateData `json:"-"`
	Notification  *NotificationData  `json:"-"`
	Heartbeat     *HeartbeatData     `json:"-"`
	SystemStatus  *SystemStatusData  `json:"-"`
}

// JobStatusData is the job_status frame payload.
type JobStatusData struct {
	JobID    string    `json:"jobId"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
}

// DatasetUpdateData is the dataset_update frame payload.
type DatasetUpdateData struct {
	DatasetID     string        `json:"datasetId"`
	Status        DatasetStatus `json:"status"`
	FindingsCount int           `json:"findingsCount"`
}

// NotificationData is the notification frame payload.
type NotificationData struct {
	ID      string            `json:"id"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Level   NotificationLevel `json:"type"`
}

// HeartbeatData is the heartbeat frame payload.
type HeartbeatData struct {
	Timestamp time.Time `json:"timestamp"`
}

// SystemStatusData is the system_status frame payload.
type SystemStatusData struct {
	Component string            `json:"component"`
	Healthy   bool              `json:"healthy"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// frame is the wire shape of an event.
type frame struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalJSON serializes the event in the subscriber wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	var data any
	switch e.Type {
	case EventTypeJobStatus:
		data = e.JobStatus
	case EventTypeDatasetUpdate:
		data = e.DatasetUpdate
	case EventTypeNotification:
		data = e.Notification
	case EventTypeHeartbeat:
		data = e.Heartbeat
	case EventTypeSystemStatus:
		data = e.SystemStatus
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Type: e.Type, Data: raw, Timestamp: e.Timestamp})
}

// UnmarshalJSON restores an event from the subscriber wire shape.
func (e *Event) UnmarshalJSON(b []byte) error {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	e.Type = f.Type
	e.Timestamp = f.Timestamp
	switch f.Type {
	case EventTypeJobStatus:
		e.JobStatus = &JobStatusData{}
		return json.Unmarshal(f.Data, e.JobStatus)
	case EventTypeDatasetUpdate:
		e.DatasetUpdate = &DatasetUpdateData{}
		return json.Unmarshal(f.Data, e.DatasetUpdate)
	case EventTypeNotification:
		e.Notification = &NotificationData{}
		return json.Unmarshal(f.Data, e.Notification)
	case EventTypeHeartbeat:
		e.Heartbeat = &HeartbeatData{}
		return json.Unmarshal(f.Data, e.Heartbeat)
	case EventTypeSystemStatus:
		e.SystemStatus = &SystemStatusData{}
		return json.Unmarshal(f.Data, e.SystemStatus)
	}
	return nil
}

// NewJobStatusEvent builds a job_status frame.
func NewJobStatusEvent(jobID string, status JobStatus, progress int, message string) Event {
	return Event{
		Type:      EventTypeJobStatus,
		Timestamp: time.Now().UTC(),
		JobStatus: &JobStatusData{JobID: jobID, Status: status, Progress: progress, Message: message},
	}
}

// NewDatasetUpdateEvent builds a dataset_update frame.
func NewDatasetUpdateEvent(datasetID string, status DatasetStatus, findings int) Event {
	return Event{
		Type:          EventTypeDatasetUpdate,
		Timestamp:     time.Now().UTC(),
		DatasetUpdate: &DatasetUpdateData{DatasetID: datasetID, Status: status, FindingsCount: findings},
	}
}

// NewNotificationEvent builds a notification frame.
func NewNotificationEvent(id, title, message string, level NotificationLevel) Event {
	return Event{
		Type:         EventTypeNotification,
		Timestamp:    time.Now().UTC(),
		Notification: &NotificationData{ID: id, Title: title, Message: message, Level: level},
	}
}

// NewHeartbeatEvent builds a heartbeat frame.
func NewHeartbeatEvent(at time.Time) Event {
	return Event{
		Type:      EventTypeHeartbeat,
		Timestamp: at,
		Heartbeat: &HeartbeatData{Timestamp: at},
	}
}

// Notification is a persisted notification record. Written before fan-out
// publish so a missed push can be recovered by a subsequent pull.
type Notification struct {
	ID        string            `msgpack:"id"`
	UserID    string            `msgpack:"user_id"`
	Title     string            `msgpack:"title"`
	Message   string            `msgpack:"message"`
	Level     NotificationLevel `msgpack:"level"`
	Read      bool              `msgpack:"read"`
	CreatedAt time.Time         `msgpack:"created_at"`
}

// AuditEntry records one stage transition for the audit log.
type AuditEntry struct {
	ID         string            `msgpack:"id"`
	Actor      string            `msgpack:"actor"`
	Action     string            `msgpack:"action"`
	Resource   string            `msgpack:"resource"`
	ResourceID string            `msgpack:"resource_id"`
	Details    map[string]string `msgpack:"details,omitempty"`
	CreatedAt  time.Time         `msgpack:"created_at"`
}
