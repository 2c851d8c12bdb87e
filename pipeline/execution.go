package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/policy"
	"github.com/pithecene-io/veil/queue"
	"github.com/pithecene-io/veil/types"
)

// Execution carries the shared stage contract for one delivery: guarded
// status transitions, monotonic progress, cancellation checks, audit
// entries, and event frames. Stage processors do their work through it.
type Execution struct {
	deps    *Deps
	queue   *queue.Queue
	payload *queue.Payload
	attempt int
	logger  *log.Logger
}

func newExecution(deps *Deps, q *queue.Queue, d *queue.Delivery) *Execution {
	return &Execution{
		deps:    deps,
		queue:   q,
		payload: d.Payload,
		attempt: d.Attempt,
		logger: deps.Logger.WithJob(d.Payload.JobID, d.Payload.DatasetID,
			string(d.Payload.Type), d.Attempt),
	}
}

// Payload exposes the work item.
func (e *Execution) Payload() *queue.Payload { return e.payload }

// Attempt is the delivery attempt, starting at 1.
func (e *Execution) Attempt() int { return e.attempt }

// AttemptID keys artifacts of this execution: re-running the same attempt
// writes the same keys.
func (e *Execution) AttemptID() string {
	return fmt.Sprintf("%s-%d", e.payload.JobID, e.attempt)
}

// Logger is the job-scoped logger.
func (e *Execution) Logger() *log.Logger { return e.logger }

// Policy loads the dataset's policy, or the default when none is named.
func (e *Execution) Policy(ctx context.Context) (*policy.Config, error) {
	return e.deps.Policies.Load(ctx, e.payload.PolicyID)
}

// CheckCancel returns a cancelled StageError when a cooperative cancel has
// been requested or the context is done. Processors call it at every
// suspension point and before entering each I/O call.
func (e *Execution) CheckCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	requested, err := e.queue.IsCancelRequested(ctx, e.payload.JobID)
	if err != nil {
		return err
	}
	if requested {
		return types.NewStageError(types.KindCancelled, "cancel requested")
	}
	return nil
}

// begin transitions the job to Running and announces it. Re-deliveries of a
// job already Running no-op the transition but still proceed.
func (e *Execution) begin(ctx context.Context) error {
	_, err := e.deps.Store.TransitionJob(ctx, e.payload.JobID,
		[]types.JobStatus{types.JobStatusQueued, types.JobStatusRunning},
		func(j *types.Job) {
			if j.StartedAt == nil {
				now := time.Now().UTC()
				j.StartedAt = &now
			}
			j.Status = types.JobStatusRunning
			j.Attempt = e.attempt
		})
	if err != nil {
		return err
	}
	e.deps.Metrics.IncJobStarted(string(e.payload.Type))
	e.audit(ctx, "job_started", nil)
	e.publishJob(types.JobStatusRunning, 0, "")
	return nil
}

// Progress advances the job's progress, checking cancellation first.
// Progress is monotonic; a stale lower value is ignored by the store.
func (e *Execution) Progress(ctx context.Context, pct int) error {
	if err := e.CheckCancel(ctx); err != nil {
		return err
	}
	if err := e.deps.Store.UpdateJobProgress(ctx, e.payload.JobID, pct); err != nil {
		return err
	}
	e.publishJob(types.JobStatusRunning, pct, "")
	return nil
}

// AdvanceDataset moves the dataset forward, mutating the record first when
// mutate is non-nil. Transitions that do not advance are no-ops.
func (e *Execution) AdvanceDataset(ctx context.Context, to types.DatasetStatus, mutate func(*types.Dataset)) error {
	moved, err := e.deps.Store.TransitionDataset(ctx, e.payload.DatasetID, to, mutate)
	if err != nil {
		return err
	}
	if moved {
		d, err := e.deps.Store.GetDataset(ctx, e.payload.DatasetID)
		if err != nil {
			return err
		}
		e.publishDataset(d)
	}
	return nil
}

// EnqueueSuccessor puts the next stage on its queue with the correlation
// ids inherited.
func (e *Execution) EnqueueSuccessor(ctx context.Context) error {
	next, ok := successor(e.payload.Type)
	if !ok {
		return nil
	}
	q, ok := e.deps.Queues[next]
	if !ok {
		return types.NewStageError(types.KindInternal, "no queue for stage %s", next)
	}

	jobID := e.successorJobID(next)
	p := *e.payload
	p.JobID = jobID
	p.Type = next
	p.Metadata = map[string]string{types.MetaCorrelationID: e.correlationID()}

	job := &types.Job{
		ID:        jobID,
		Type:      next,
		Status:    types.JobStatusQueued,
		Priority:  e.payload.Priority,
		CreatedAt: time.Now().UTC(),
		DatasetID: e.payload.DatasetID,
		PolicyID:  e.payload.PolicyID,
		UserID:    e.payload.UserID,
		ProjectID: e.payload.ProjectID,
	}
	job.MetaSet(types.MetaCorrelationID, e.correlationID())
	if err := e.deps.Store.PutJob(ctx, job); err != nil {
		return err
	}
	if err := q.Enqueue(ctx, &p); err != nil {
		return err
	}
	e.logger.Info("enqueued successor", map[string]any{"next_job_id": jobID, "next_stage": string(next)})
	return nil
}

// successorJobID derives a stable id for the next stage so re-execution of
// this attempt enqueues the same job instead of a duplicate.
func (e *Execution) successorJobID(next types.JobType) string {
	return fmt.Sprintf("%s:%s", e.payload.DatasetID, next)
}

func (e *Execution) correlationID() string {
	if id, ok := e.payload.Metadata[types.MetaCorrelationID]; ok && id != "" {
		return id
	}
	return e.payload.JobID
}

// Complete finishes the stage: endedAt, progress 100, audit, event.
func (e *Execution) Complete(ctx context.Context, message string) error {
	moved, err := e.deps.Store.TransitionJob(ctx, e.payload.JobID,
		[]types.JobStatus{types.JobStatusRunning},
		func(j *types.Job) {
			now := time.Now().UTC()
			j.Status = types.JobStatusCompleted
			j.EndedAt = &now
			j.Progress = 100
		})
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	e.deps.Metrics.IncJobCompleted(string(e.payload.Type))
	e.audit(ctx, "job_completed", nil)
	e.publishJob(types.JobStatusCompleted, 100, message)
	return nil
}

// markRequeued returns the job record to Queued after a retriable failure.
func (e *Execution) markRequeued(ctx context.Context, cause error, delay time.Duration) {
	_, err := e.deps.Store.TransitionJob(ctx, e.payload.JobID,
		[]types.JobStatus{types.JobStatusRunning},
		func(j *types.Job) {
			j.Status = types.JobStatusQueued
			j.Error = cause.Error()
		})
	if err != nil {
		e.logger.Error("requeue transition failed", map[string]any{"error": err.Error()})
	}
	e.deps.Metrics.IncJobRetried(string(e.payload.Type))
	e.audit(ctx, "job_requeued", map[string]string{
		"error": cause.Error(),
		"delay": delay.String(),
	})
	e.publishJob(types.JobStatusQueued, 0, fmt.Sprintf("retrying in %s", delay))
}

// markFailed finishes the stage in Failed. The dataset fails with it unless
// another job of the dataset is still active.
func (e *Execution) markFailed(ctx context.Context, cause error) {
	kind := types.KindOf(cause)
	_, err := e.deps.Store.TransitionJob(ctx, e.payload.JobID,
		[]types.JobStatus{types.JobStatusQueued, types.JobStatusRunning},
		func(j *types.Job) {
			now := time.Now().UTC()
			j.Status = types.JobStatusFailed
			j.EndedAt = &now
			j.Error = cause.Error()
		})
	if err != nil {
		e.logger.Error("failure transition failed", map[string]any{"error": err.Error()})
	}
	e.deps.Metrics.IncJobFailed(string(e.payload.Type))
	e.audit(ctx, "job_failed", map[string]string{"error": cause.Error(), "kind": string(kind)})
	e.publishJob(types.JobStatusFailed, 0, cause.Error())

	active, err := e.deps.Store.HasActiveSibling(ctx, e.payload.DatasetID, e.payload.JobID)
	if err != nil {
		e.logger.Error("sibling check failed", map[string]any{"error": err.Error()})
		return
	}
	if !active {
		if err := e.AdvanceDataset(ctx, types.DatasetStatusFailed, nil); err != nil {
			e.logger.Error("dataset failure transition failed", map[string]any{"error": err.Error()})
		}
	}
	if err := e.deps.Notifier.Notify(ctx, e.payload.UserID, "Processing failed",
		fmt.Sprintf("%s failed for %s: %s", e.payload.Type, e.payload.FileName, kind),
		types.NotificationError); err != nil {
		e.logger.Error("failure notification failed", map[string]any{"error": err.Error()})
	}
}

// markCancelled finishes the stage in Cancelled, along with its dataset.
func (e *Execution) markCancelled(ctx context.Context) {
	_, err := e.deps.Store.TransitionJob(ctx, e.payload.JobID,
		[]types.JobStatus{types.JobStatusQueued, types.JobStatusRunning},
		func(j *types.Job) {
			now := time.Now().UTC()
			j.Status = types.JobStatusCancelled
			j.EndedAt = &now
		})
	if err != nil {
		e.logger.Error("cancel transition failed", map[string]any{"error": err.Error()})
	}
	e.deps.Metrics.IncJobCancelled(string(e.payload.Type))
	e.audit(ctx, "job_cancelled", nil)
	e.publishJob(types.JobStatusCancelled, 0, "")
	if err := e.AdvanceDataset(ctx, types.DatasetStatusCancelled, nil); err != nil {
		e.logger.Error("dataset cancel transition failed", map[string]any{"error": err.Error()})
	}
}

func (e *Execution) audit(ctx context.Context, action string, details map[string]string) {
	err := e.deps.Store.AppendAudit(ctx, types.AuditEntry{
		Actor:      "pipeline",
		Action:     action,
		Resource:   "job",
		ResourceID: e.payload.JobID,
		Details:    details,
	})
	if err != nil {
		e.logger.Error("audit append failed", map[string]any{"error": err.Error()})
	}
}

func (e *Execution) publishJob(status types.JobStatus, progress int, message string) {
	e.deps.Hub.PublishToUser(e.payload.UserID,
		types.NewJobStatusEvent(e.payload.JobID, status, progress, message))
	e.deps.Metrics.IncEventPublished()
}

func (e *Execution) publishDataset(d *types.Dataset) {
	e.deps.Hub.PublishToUser(e.payload.UserID,
		types.NewDatasetUpdateEvent(d.ID, d.Status, d.FindingsCount))
	e.deps.Metrics.IncEventPublished()
}
