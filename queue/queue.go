// Package queue implements the durable typed work queues backing the
// pipeline: one FIFO-with-priority queue per stage over Redis.
//
// Delivery is at-least-once. Processors must be idempotent on
// (jobID, attempt). Retries live here, never inside processors: a Nack with
// a retriable error schedules redelivery with exponential backoff and
// jitter; everything else dead-letters the job.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pithecene-io/veil/types"
)

// Defaults for queue behavior.
const (
	// DefaultMaxAttempts is the delivery ceiling for retriable failures.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the backoff before the first retry; it doubles
	// per attempt.
	DefaultBaseDelay = 5 * time.Second
	// DefaultStallWindow is how long a reserved job may go without a
	// heartbeat before stall recovery reclaims it.
	DefaultStallWindow = 30 * time.Second
	// DefaultMaxDepth is the waiting-job ceiling; enqueues beyond it fail
	// fast with queue_full.
	DefaultMaxDepth = 1000

	// completedRetention and failedRetention bound the terminal job id
	// lists kept for inspection.
	completedRetention = 100
	failedRetention    = 50

	// jitterFraction bounds backoff jitter to plus or minus 20%.
	jitterFraction = 0.2

	// maxStalls is how many stall recoveries a job survives. The next
	// stall fails it.
	maxStalls = 1
)

// Options configures a Queue.
type Options struct {
	// Namespace prefixes all Redis keys (default "veil").
	Namespace string
	// MaxAttempts, BaseDelay, StallWindow, MaxDepth override the defaults.
	MaxAttempts int
	BaseDelay   time.Duration
	StallWindow time.Duration
	MaxDepth    int
}

func (o *Options) applyDefaults() {
	if o.Namespace == "" {
		o.Namespace = "veil"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.StallWindow <= 0 {
		o.StallWindow = DefaultStallWindow
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
}

// Delivery is one reserved work item.
type Delivery struct {
	// Payload is the typed work item.
	Payload *Payload
	// Attempt is the delivery attempt, starting at 1.
	Attempt int
}

// NackOutcome reports what Nack did with a failed job.
type NackOutcome struct {
	// Requeued is true when the job was scheduled for redelivery.
	Requeued bool
	// Delay is the backoff before redelivery, zero when dead-lettered.
	Delay time.Duration
}

// State names for Counts.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Queue is one durable typed queue over Redis. Waiting jobs live in a sorted
// set scored by (priority, enqueue sequence); running jobs live in a sorted
// set scored by heartbeat deadline; retries wait in a delayed set scored by
// ready time.
type Queue struct {
	client *redis.Client
	typ    types.JobType
	opts   Options
	// now is injectable for tests.
	now func() time.Time
}

// New creates a queue for one stage type on an existing Redis client.
func New(client *redis.Client, typ types.JobType, opts Options) *Queue {
	opts.applyDefaults()
	return &Queue{client: client, typ: typ, opts: opts, now: time.Now}
}

// NewClient creates a Redis client from a connection URL.
func NewClient(url string) (*redis.Client, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: invalid redis URL: %w", err)
	}
	return redis.NewClient(o), nil
}

// Key layout.
func (q *Queue) keyWaiting() string { return fmt.Sprintf("%s:queue:%s:waiting", q.opts.Namespace, q.typ) }
func (q *Queue) keyDelayed() string { return fmt.Sprintf("%s:queue:%s:delayed", q.opts.Namespace, q.typ) }
func (q *Queue) keyRunning() string { return fmt.Sprintf("%s:queue:%s:running", q.opts.Namespace, q.typ) }
func (q *Queue) keyCompleted() string {
	return fmt.Sprintf("%s:queue:%s:completed", q.opts.Namespace, q.typ)
}
func (q *Queue) keyFailed() string { return fmt.Sprintf("%s:queue:%s:failed", q.opts.Namespace, q.typ) }
func (q *Queue) keyCancelledCount() string {
	return fmt.Sprintf("%s:queue:%s:cancelled_count", q.opts.Namespace, q.typ)
}
func (q *Queue) keySeq() string { return fmt.Sprintf("%s:queue:seq", q.opts.Namespace) }
func (q *Queue) keyPayload(jobID string) string {
	return fmt.Sprintf("%s:queue:payload:%s", q.opts.Namespace, jobID)
}
func (q *Queue) keyMeta(jobID string) string {
	return fmt.Sprintf("%s:queue:meta:%s", q.opts.Namespace, jobID)
}
func (q *Queue) keyCancel(jobID string) string {
	return fmt.Sprintf("%s:queue:cancel:%s", q.opts.Namespace, jobID)
}

// waitingScore orders the waiting set: higher priority pops first, ties are
// FIFO by enqueue sequence. ZPopMin returns the lowest score.
func waitingScore(priority int, seq int64) float64 {
	return float64(-priority)*1e12 + float64(seq)
}

// Enqueue adds a work item to the waiting set. Fails fast with queue_full
// when the waiting plus delayed depth is at capacity.
func (q *Queue) Enqueue(ctx context.Context, p *Payload) error {
	if p.JobID == "" {
		return errors.New("queue: payload requires a job id")
	}
	if p.Type != q.typ {
		return fmt.Errorf("queue: payload type %s does not match queue %s", p.Type, q.typ)
	}

	depth, err := q.depth(ctx)
	if err != nil {
		return err
	}
	if depth >= int64(q.opts.MaxDepth) {
		return types.NewStageError(types.KindQueueFull,
			"queue %s at capacity (%d waiting)", q.typ, depth)
	}

	body, err := encodePayload(p)
	if err != nil {
		return err
	}

	seq, err := q.client.Incr(ctx, q.keySeq()).Result()
	if err != nil {
		return fmt.Errorf("queue: sequence: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.keyPayload(p.JobID), body, 0)
	pipe.HSet(ctx, q.keyMeta(p.JobID),
		"attempt", 0,
		"stalls", 0,
		"priority", p.Priority,
		"enqueued_at", q.now().UTC().UnixMilli(),
	)
	pipe.ZAdd(ctx, q.keyWaiting(), redis.Z{
		Score:  waitingScore(p.Priority, seq),
		Member: p.JobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", p.JobID, err)
	}
	return nil
}

// depth returns the count of waiting plus delayed jobs.
func (q *Queue) depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.keyWaiting())
	delayed := pipe.ZCard(ctx, q.keyDelayed())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return waiting.Val() + delayed.Val(), nil
}

// Reserve pops the highest-priority waiting job and moves it to the running
// set under a visibility deadline. Returns (nil, nil) when the queue is
// empty. The attempt counter is incremented on reserve, so the first
// delivery is attempt 1.
func (q *Queue) Reserve(ctx context.Context, workerID string, visibility time.Duration) (*Delivery, error) {
	if visibility <= 0 {
		visibility = q.opts.StallWindow
	}

	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	popped, err := q.client.ZPopMin(ctx, q.keyWaiting(), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: reserve: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	jobID, _ := popped[0].Member.(string)

	// A cancel may have raced the pop. Honor it: count and drop.
	cancelled, err := q.IsCancelRequested(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cancelled {
		if err := q.discardCancelled(ctx, jobID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	deadline := q.now().Add(visibility).UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.keyRunning(), redis.Z{Score: float64(deadline), Member: jobID})
	attempt := pipe.HIncrBy(ctx, q.keyMeta(jobID), "attempt", 1)
	pipe.HSet(ctx, q.keyMeta(jobID), "worker", workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: reserve %s: %w", jobID, err)
	}

	body, err := q.client.Get(ctx, q.keyPayload(jobID)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("queue: payload for %s: %w", jobID, err)
	}
	p, err := decodePayload(body)
	if err != nil {
		return nil, err
	}

	return &Delivery{Payload: p, Attempt: int(attempt.Val())}, nil
}

// Heartbeat extends the visibility deadline of a running job. A no-op when
// the job is no longer running (acked, nacked, or reclaimed).
func (q *Queue) Heartbeat(ctx context.Context, jobID string, visibility time.Duration) error {
	if visibility <= 0 {
		visibility = q.opts.StallWindow
	}
	deadline := q.now().Add(visibility).UnixMilli()
	err := q.client.ZAddXX(ctx, q.keyRunning(), redis.Z{
		Score:  float64(deadline),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: heartbeat %s: %w", jobID, err)
	}
	return nil
}

// Ack marks a running job completed: removes it from the running set,
// records it in the completed list, and drops its payload and metadata.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keyRunning(), jobID)
	pipe.LPush(ctx, q.keyCompleted(), jobID)
	pipe.LTrim(ctx, q.keyCompleted(), 0, completedRetention-1)
	pipe.Del(ctx, q.keyPayload(jobID), q.keyMeta(jobID), q.keyCancel(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: ack %s: %w", jobID, err)
	}
	return nil
}

// Nack handles a failed delivery. Retriable failures below the attempt
// ceiling are scheduled in the delayed set with exponential backoff and
// jitter; everything else dead-letters into the failed list.
func (q *Queue) Nack(ctx context.Context, jobID string, attempt int, cause error) (NackOutcome, error) {
	if types.IsRetriable(cause) && attempt < q.opts.MaxAttempts {
		delay := q.backoff(attempt)
		readyAt := q.now().Add(delay).UnixMilli()
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.keyRunning(), jobID)
		pipe.ZAdd(ctx, q.keyDelayed(), redis.Z{Score: float64(readyAt), Member: jobID})
		pipe.HSet(ctx, q.keyMeta(jobID), "error", cause.Error())
		if _, err := pipe.Exec(ctx); err != nil {
			return NackOutcome{}, fmt.Errorf("queue: nack requeue %s: %w", jobID, err)
		}
		return NackOutcome{Requeued: true, Delay: delay}, nil
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keyRunning(), jobID)
	pipe.LPush(ctx, q.keyFailed(), jobID)
	pipe.LTrim(ctx, q.keyFailed(), 0, failedRetention-1)
	pipe.Del(ctx, q.keyPayload(jobID), q.keyMeta(jobID), q.keyCancel(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return NackOutcome{}, fmt.Errorf("queue: nack fail %s: %w", jobID, err)
	}
	return NackOutcome{Requeued: false}, nil
}

// backoff computes the delay before redelivery of the given attempt:
// BaseDelay doubled per completed attempt, with jitter bounded by
// plus or minus 20%.
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := q.opts.BaseDelay * (1 << uint(attempt-1))
	jitter := 1 + (rand.Float64()*2-1)*jitterFraction
	return time.Duration(float64(base) * jitter)
}

// CancelResult reports what Cancel did.
type CancelResult struct {
	// WasQueued is true when the job was removed from the waiting or
	// delayed set before any worker picked it up.
	WasQueued bool
	// SignalledRunning is true when a cooperative cancel flag was set for
	// a running job.
	SignalledRunning bool
}

// Cancel requests cancellation. A queued job is removed immediately; a
// running job is marked for cooperative cancellation, which processors
// observe at their next suspension point.
func (q *Queue) Cancel(ctx context.Context, jobID string) (CancelResult, error) {
	pipe := q.client.TxPipeline()
	fromWaiting := pipe.ZRem(ctx, q.keyWaiting(), jobID)
	fromDelayed := pipe.ZRem(ctx, q.keyDelayed(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return CancelResult{}, fmt.Errorf("queue: cancel %s: %w", jobID, err)
	}

	if fromWaiting.Val() > 0 || fromDelayed.Val() > 0 {
		if err := q.discardCancelled(ctx, jobID); err != nil {
			return CancelResult{}, err
		}
		return CancelResult{WasQueued: true}, nil
	}

	// Not waiting: set the cooperative flag whether or not the job is
	// currently running, so a racing reserve observes it.
	if err := q.client.Set(ctx, q.keyCancel(jobID), "1", 24*time.Hour).Err(); err != nil {
		return CancelResult{}, fmt.Errorf("queue: cancel flag %s: %w", jobID, err)
	}

	running, err := q.client.ZScore(ctx, q.keyRunning(), jobID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return CancelResult{}, fmt.Errorf("queue: cancel %s: %w", jobID, err)
	}
	return CancelResult{SignalledRunning: running != 0 && err == nil}, nil
}

// discardCancelled drops all queue state for a cancelled job and counts it.
func (q *Queue) discardCancelled(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.keyPayload(jobID), q.keyMeta(jobID), q.keyCancel(jobID))
	pipe.Incr(ctx, q.keyCancelledCount())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: discard %s: %w", jobID, err)
	}
	return nil
}

// AckCancelled releases a running job that stopped in response to a cancel
// signal. The job leaves the running set and is counted as cancelled.
func (q *Queue) AckCancelled(ctx context.Context, jobID string) error {
	if err := q.client.ZRem(ctx, q.keyRunning(), jobID).Err(); err != nil {
		return fmt.Errorf("queue: ack cancelled %s: %w", jobID, err)
	}
	return q.discardCancelled(ctx, jobID)
}

// IsCancelRequested reports whether a cooperative cancel flag is set.
// Processors check this at every suspension point and on entering each
// I/O call.
func (q *Queue) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.keyCancel(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("queue: cancel check %s: %w", jobID, err)
	}
	return n > 0, nil
}

// StalledJob reports one job reclaimed or failed by RecoverStalled.
type StalledJob struct {
	JobID string
	// Failed is true when the job exceeded its stall budget and was
	// dead-lettered with kind stalled.
	Failed bool
}

// RecoverStalled reclaims running jobs whose heartbeat deadline has passed.
// A job's first stall returns it to the waiting set with its attempt counter
// unchanged; the second stall fails it with reason stalled.
func (q *Queue) RecoverStalled(ctx context.Context) ([]StalledJob, error) {
	now := q.now().UnixMilli()
	expired, err := q.client.ZRangeByScore(ctx, q.keyRunning(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: stall scan: %w", err)
	}

	var recovered []StalledJob
	for _, jobID := range expired {
		stalls, err := q.client.HIncrBy(ctx, q.keyMeta(jobID), "stalls", 1).Result()
		if err != nil {
			return recovered, fmt.Errorf("queue: stall count %s: %w", jobID, err)
		}

		if stalls > maxStalls {
			pipe := q.client.TxPipeline()
			pipe.ZRem(ctx, q.keyRunning(), jobID)
			pipe.LPush(ctx, q.keyFailed(), jobID)
			pipe.LTrim(ctx, q.keyFailed(), 0, failedRetention-1)
			pipe.Del(ctx, q.keyPayload(jobID), q.keyMeta(jobID), q.keyCancel(jobID))
			if _, err := pipe.Exec(ctx); err != nil {
				return recovered, fmt.Errorf("queue: stall fail %s: %w", jobID, err)
			}
			recovered = append(recovered, StalledJob{JobID: jobID, Failed: true})
			continue
		}

		// Requeue with the attempt counter unchanged: Reserve increments
		// on pickup, so undo the increment the lost delivery consumed.
		priority, err := q.client.HGet(ctx, q.keyMeta(jobID), "priority").Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return recovered, fmt.Errorf("queue: stall priority %s: %w", jobID, err)
		}
		seq, err := q.client.Incr(ctx, q.keySeq()).Result()
		if err != nil {
			return recovered, fmt.Errorf("queue: sequence: %w", err)
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.keyRunning(), jobID)
		pipe.HIncrBy(ctx, q.keyMeta(jobID), "attempt", -1)
		pipe.ZAdd(ctx, q.keyWaiting(), redis.Z{
			Score:  waitingScore(priority, seq),
			Member: jobID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("queue: stall requeue %s: %w", jobID, err)
		}
		recovered = append(recovered, StalledJob{JobID: jobID})
	}
	return recovered, nil
}

// promoteDelayed moves due retries from the delayed set to the waiting set.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := q.now().UnixMilli()
	due, err := q.client.ZRangeByScore(ctx, q.keyDelayed(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: delayed scan: %w", err)
	}
	for _, jobID := range due {
		priority, err := q.client.HGet(ctx, q.keyMeta(jobID), "priority").Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("queue: delayed priority %s: %w", jobID, err)
		}
		seq, err := q.client.Incr(ctx, q.keySeq()).Result()
		if err != nil {
			return fmt.Errorf("queue: sequence: %w", err)
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.keyDelayed(), jobID)
		pipe.ZAdd(ctx, q.keyWaiting(), redis.Z{
			Score:  waitingScore(priority, seq),
			Member: jobID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: promote %s: %w", jobID, err)
		}
	}
	return nil
}

// Counts returns the job count per state.
func (q *Queue) Counts(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.keyWaiting())
	delayed := pipe.ZCard(ctx, q.keyDelayed())
	running := pipe.ZCard(ctx, q.keyRunning())
	completed := pipe.LLen(ctx, q.keyCompleted())
	failed := pipe.LLen(ctx, q.keyFailed())
	cancelled := pipe.Get(ctx, q.keyCancelledCount())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: counts: %w", err)
	}

	cancelledN, _ := strconv.ParseInt(cancelled.Val(), 10, 64)
	return map[string]int64{
		StateQueued:    waiting.Val() + delayed.Val(),
		StateRunning:   running.Val(),
		StateCompleted: completed.Val(),
		StateFailed:    failed.Val(),
		StateCancelled: cancelledN,
	}, nil
}

// Type returns the stage type this queue serves.
func (q *Queue) Type() types.JobType {
	return q.typ
}
