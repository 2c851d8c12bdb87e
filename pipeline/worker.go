package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/veil/config"
	"github.com/pithecene-io/veil/queue"
	"github.com/pithecene-io/veil/types"
)

// reservePollInterval is how long an idle worker waits before polling its
// queue again.
const reservePollInterval = 500 * time.Millisecond

// Pool drives one stage: a set of workers reserving from the stage queue,
// plus a stall-recovery loop. Each worker runs one job at a time to
// completion or failure.
type Pool struct {
	deps      *Deps
	queue     *queue.Queue
	processor Processor
	workerID  string
}

// NewPool creates a worker pool for one stage.
func NewPool(deps *Deps, q *queue.Queue, processor Processor, workerID string) *Pool {
	return &Pool{deps: deps, queue: q, processor: processor, workerID: workerID}
}

// Run blocks until ctx is cancelled, driving the configured number of
// workers and the recovery loop.
func (p *Pool) Run(ctx context.Context) {
	concurrency := p.deps.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.recoveryLoop(ctx)
	}()
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context) {
	for ctx.Err() == nil {
		d, err := p.queue.Reserve(ctx, p.workerID, p.stallWindow())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.deps.Logger.Error("reserve failed", map[string]any{
				"stage": string(p.queue.Type()),
				"error": err.Error(),
			})
			sleep(ctx, time.Second)
			continue
		}
		if d == nil {
			sleep(ctx, reservePollInterval)
			continue
		}
		p.handle(ctx, d)
	}
}

// handle runs one delivery under the per-job timeout, with a heartbeat
// loop keeping the reservation alive and watching the cancel flag.
func (p *Pool) handle(ctx context.Context, d *queue.Delivery) {
	exec := newExecution(p.deps, p.queue, d)
	// Finalization writes must survive job-context cancellation.
	finalCtx := context.WithoutCancel(ctx)

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout())
	defer cancel()

	stopHeartbeat := p.startHeartbeat(jobCtx, cancel, d.Payload.JobID)
	defer stopHeartbeat()

	if err := exec.begin(jobCtx); err != nil {
		exec.Logger().Error("begin failed", map[string]any{"error": err.Error()})
		// Reservation stays; stall recovery redelivers.
		return
	}

	err := p.processor.Process(jobCtx, exec)
	stopHeartbeat()
	if err == nil {
		if ackErr := p.queue.Ack(finalCtx, d.Payload.JobID); ackErr != nil {
			exec.Logger().Error("ack failed", map[string]any{"error": ackErr.Error()})
		}
		return
	}

	p.finish(finalCtx, exec, d, err)
}

// finish classifies a processor error: cooperative cancel, worker
// shutdown, retriable requeue, or terminal failure.
func (p *Pool) finish(ctx context.Context, exec *Execution, d *queue.Delivery, cause error) {
	jobID := d.Payload.JobID

	cancelled, err := p.queue.IsCancelRequested(ctx, jobID)
	if err != nil {
		exec.Logger().Error("cancel flag check failed", map[string]any{"error": err.Error()})
	}
	if cancelled || types.KindOf(cause) == types.KindCancelled {
		exec.markCancelled(ctx)
		if err := p.queue.AckCancelled(ctx, jobID); err != nil {
			exec.Logger().Error("cancel ack failed", map[string]any{"error": err.Error()})
		}
		return
	}

	// A shutdown mid-job is neither a failure nor a cancel: leave the
	// reservation for stall recovery to redeliver.
	if errors.Is(cause, context.Canceled) {
		exec.Logger().Info("job interrupted by shutdown", nil)
		return
	}

	outcome, err := p.queue.Nack(ctx, jobID, d.Attempt, cause)
	if err != nil {
		exec.Logger().Error("nack failed", map[string]any{"error": err.Error()})
		return
	}
	if outcome.Requeued {
		exec.markRequeued(ctx, cause, outcome.Delay)
		exec.Logger().Warn("job requeued", map[string]any{
			"error": cause.Error(),
			"delay": outcome.Delay.String(),
		})
		return
	}
	exec.markFailed(ctx, cause)
	exec.Logger().Error("job failed", map[string]any{
		"error": cause.Error(),
		"kind":  string(types.KindOf(cause)),
	})
}

// startHeartbeat keeps the reservation alive and promotes the cooperative
// cancel flag into a context cancellation so blocked I/O returns promptly.
func (p *Pool) startHeartbeat(ctx context.Context, cancelJob context.CancelFunc, jobID string) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	interval := p.stallWindow() / 3
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Heartbeat(ctx, jobID, p.stallWindow()); err != nil {
					p.deps.Logger.Warn("heartbeat failed", map[string]any{
						"job_id": jobID,
						"error":  err.Error(),
					})
				}
				cancelled, err := p.queue.IsCancelRequested(ctx, jobID)
				if err == nil && cancelled {
					cancelJob()
					return
				}
			}
		}
	}()
	return stop
}

// recoveryLoop reclaims reservations whose heartbeat aged out. First stall
// requeues the job attempt-unchanged; the second fails it.
func (p *Pool) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.stallWindow())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recoverStalled(ctx)
		}
	}
}

func (p *Pool) recoverStalled(ctx context.Context) {
	stalled, err := p.queue.RecoverStalled(ctx)
	if err != nil {
		p.deps.Logger.Error("stall recovery failed", map[string]any{
			"stage": string(p.queue.Type()),
			"error": err.Error(),
		})
		return
	}
	for _, s := range stalled {
		p.deps.Metrics.IncJobStalled(string(p.queue.Type()))
		if s.Failed {
			p.failStalledJob(ctx, s.JobID)
			continue
		}
		p.deps.Logger.Warn("stalled job requeued", map[string]any{"job_id": s.JobID})
		_, err := p.deps.Store.TransitionJob(ctx, s.JobID,
			[]types.JobStatus{types.JobStatusRunning},
			func(j *types.Job) {
				j.Status = types.JobStatusQueued
				j.Stalls++
			})
		if err != nil {
			p.deps.Logger.Error("stall requeue transition failed", map[string]any{
				"job_id": s.JobID,
				"error":  err.Error(),
			})
		}
	}
}

func (p *Pool) failStalledJob(ctx context.Context, jobID string) {
	cause := types.NewStageError(types.KindStalled, "job stalled twice")
	p.deps.Logger.Error("stalled job failed", map[string]any{"job_id": jobID})

	job, err := p.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		p.deps.Logger.Error("stalled job lookup failed", map[string]any{
			"job_id": jobID,
			"error":  err.Error(),
		})
		return
	}
	exec := newExecution(p.deps, p.queue, &queue.Delivery{
		Payload: &queue.Payload{
			JobID:     job.ID,
			Type:      job.Type,
			Priority:  job.Priority,
			DatasetID: job.DatasetID,
			UserID:    job.UserID,
			ProjectID: job.ProjectID,
			PolicyID:  job.PolicyID,
		},
		Attempt: job.Attempt,
	})
	exec.markFailed(ctx, cause)
}

func (p *Pool) stallWindow() time.Duration {
	if w := p.deps.Worker.StallWindow.Duration; w > 0 {
		return w
	}
	return queue.DefaultStallWindow
}

func (p *Pool) jobTimeout() time.Duration {
	if t := p.deps.Worker.JobTimeout.Duration; t > 0 {
		return t
	}
	return config.DefaultJobTimeout
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
