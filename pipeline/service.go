package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/queue"
	"github.com/pithecene-io/veil/store"
	"github.com/pithecene-io/veil/types"
)

// EnqueueRequest is the inbound contract for new pipeline work.
type EnqueueRequest struct {
	JobID     string
	UserID    string
	ProjectID string
	DatasetID string
	FilePath  string
	FileName  string
	FileSize  int64
	MimeType  string
	PolicyID  string
	Priority  int
}

// Service is the pipeline's inbound API: enqueue, cancel, retry, status.
type Service struct {
	store  *store.Store
	queues map[types.JobType]*queue.Queue
	logger *log.Logger
}

// NewService creates the inbound service.
func NewService(st *store.Store, queues map[types.JobType]*queue.Queue, logger *log.Logger) *Service {
	return &Service{store: st, queues: queues, logger: logger}
}

// EnqueueFileProcessing creates the dataset and job records and puts a
// FileProcessing job on its queue. A full queue fails fast with queue_full.
func (s *Service) EnqueueFileProcessing(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.UserID == "" || req.DatasetID == "" || req.FilePath == "" {
		return "", fmt.Errorf("enqueue: userId, datasetId and filePath are required")
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	if _, err := s.store.GetDataset(ctx, req.DatasetID); err != nil {
		dataset := &types.Dataset{
			ID:         req.DatasetID,
			FileName:   req.FileName,
			FileType:   fileType(req.FileName),
			MimeType:   req.MimeType,
			SizeBytes:  req.FileSize,
			Status:     types.DatasetStatusPending,
			SourcePath: req.FilePath,
			ProjectID:  req.ProjectID,
			UserID:     req.UserID,
			PolicyID:   req.PolicyID,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.store.PutDataset(ctx, dataset); err != nil {
			return "", err
		}
	}

	job := &types.Job{
		ID:        jobID,
		Type:      types.JobTypeFileProcessing,
		Status:    types.JobStatusQueued,
		Priority:  req.Priority,
		CreatedAt: time.Now().UTC(),
		DatasetID: req.DatasetID,
		PolicyID:  req.PolicyID,
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
	}
	if err := s.store.PutJob(ctx, job); err != nil {
		return "", err
	}

	err := s.queues[types.JobTypeFileProcessing].Enqueue(ctx, &queue.Payload{
		JobID:     jobID,
		Type:      types.JobTypeFileProcessing,
		Priority:  req.Priority,
		DatasetID: req.DatasetID,
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		PolicyID:  req.PolicyID,
		FilePath:  req.FilePath,
		FileName:  req.FileName,
		FileSize:  req.FileSize,
		MimeType:  req.MimeType,
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("enqueued file processing", map[string]any{
		"job_id":     jobID,
		"dataset_id": req.DatasetID,
		"file_name":  req.FileName,
	})
	return jobID, nil
}

// Cancel requests cancellation of a job. Queued jobs cancel immediately;
// Running jobs are flagged and stop cooperatively at their next suspension
// point.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	q, ok := s.queues[job.Type]
	if !ok {
		return fmt.Errorf("cancel: no queue for stage %s", job.Type)
	}

	res, err := q.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	if res.WasQueued {
		_, err = s.store.TransitionJob(ctx, jobID,
			[]types.JobStatus{types.JobStatusQueued},
			func(j *types.Job) {
				now := time.Now().UTC()
				j.Status = types.JobStatusCancelled
				j.EndedAt = &now
			})
		if err != nil {
			return err
		}
		if _, err := s.store.TransitionDataset(ctx, job.DatasetID, types.DatasetStatusCancelled, nil); err != nil {
			return err
		}
	}
	s.logger.Info("cancel requested", map[string]any{
		"job_id":     jobID,
		"was_queued": res.WasQueued,
	})
	return nil
}

// Retry clones a Failed job into a new Queued one, incrementing the retry
// generation. The dataset is reset to Pending only when it is currently
// Failed.
func (s *Service) Retry(ctx context.Context, jobID string) (string, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != types.JobStatusFailed {
		return "", fmt.Errorf("retry: job %s is %s, only failed jobs retry", jobID, job.Status)
	}
	dataset, err := s.store.GetDataset(ctx, job.DatasetID)
	if err != nil {
		return "", err
	}

	newID := uuid.New().String()
	retry := &types.Job{
		ID:        newID,
		Type:      job.Type,
		Status:    types.JobStatusQueued,
		Priority:  job.Priority,
		CreatedAt: time.Now().UTC(),
		DatasetID: job.DatasetID,
		PolicyID:  job.PolicyID,
		UserID:    job.UserID,
		ProjectID: job.ProjectID,
	}
	retry.MetaSet(types.MetaIsRetry, "true")
	retry.MetaSet(types.MetaOriginalJobID, job.ID)
	retry.MetaSet(types.MetaRetryAttempt, strconv.Itoa(job.RetryAttempt()+1))
	if err := s.store.PutJob(ctx, retry); err != nil {
		return "", err
	}

	if _, err := s.store.ResetDatasetPending(ctx, job.DatasetID); err != nil {
		return "", err
	}

	err = s.queues[job.Type].Enqueue(ctx, &queue.Payload{
		JobID:     newID,
		Type:      job.Type,
		Priority:  job.Priority,
		DatasetID: job.DatasetID,
		UserID:    job.UserID,
		ProjectID: job.ProjectID,
		PolicyID:  job.PolicyID,
		FilePath:  dataset.SourcePath,
		FileName:  dataset.FileName,
		FileSize:  dataset.SizeBytes,
		MimeType:  dataset.MimeType,
		Metadata:  retry.Metadata,
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("retry enqueued", map[string]any{
		"job_id":          newID,
		"original_job_id": jobID,
	})
	return newID, nil
}

// JobStatus loads the current job record.
func (s *Service) JobStatus(ctx context.Context, jobID string) (*types.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// QueueCounts reports per-stage counts by state.
func (s *Service) QueueCounts(ctx context.Context) (map[types.JobType]map[string]int64, error) {
	out := make(map[types.JobType]map[string]int64, len(s.queues))
	for typ, q := range s.queues {
		counts, err := q.Counts(ctx)
		if err != nil {
			return nil, err
		}
		out[typ] = counts
	}
	return out, nil
}

// fileType normalizes an upload name to its extension tag.
func fileType(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}
