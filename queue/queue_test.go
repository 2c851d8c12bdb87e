package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pithecene-io/veil/types"
)

func testQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := New(client, types.JobTypeFileProcessing, Options{BaseDelay: 10 * time.Millisecond})
	return q, mr
}

func testPayload(jobID string, priority int) *Payload {
	return &Payload{
		JobID:     jobID,
		Type:      types.JobTypeFileProcessing,
		Priority:  priority,
		DatasetID: "ds-" + jobID,
		UserID:    "user-1",
		FilePath:  "/tmp/" + jobID + ".txt",
		FileName:  jobID + ".txt",
		FileSize:  64,
		MimeType:  "text/plain",
	}
}

func mustReserve(t *testing.T, q *Queue) *Delivery {
	t.Helper()
	d, err := q.Reserve(t.Context(), "worker-1", 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if d == nil {
		t.Fatal("expected a delivery, queue was empty")
	}
	return d
}

func TestEnqueueReserve_RoundTrip(t *testing.T) {
	q, _ := testQueue(t)

	if err := q.Enqueue(t.Context(), testPayload("job-1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := mustReserve(t, q)
	if d.Payload.JobID != "job-1" {
		t.Errorf("expected job-1, got %s", d.Payload.JobID)
	}
	if d.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", d.Attempt)
	}
	if d.Payload.DatasetID != "ds-job-1" {
		t.Errorf("payload dataset mismatch: %s", d.Payload.DatasetID)
	}
}

func TestReserve_EmptyQueue(t *testing.T) {
	q, _ := testQueue(t)

	d, err := q.Reserve(t.Context(), "worker-1", 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if d != nil {
		t.Fatalf("expected nil delivery, got %v", d.Payload.JobID)
	}
}

func TestReserve_PriorityThenFIFO(t *testing.T) {
	q, _ := testQueue(t)

	for _, spec := range []struct {
		id       string
		priority int
	}{
		{"low-first", 0},
		{"low-second", 0},
		{"high", 10},
	} {
		if err := q.Enqueue(t.Context(), testPayload(spec.id, spec.priority)); err != nil {
			t.Fatalf("enqueue %s: %v", spec.id, err)
		}
	}

	want := []string{"high", "low-first", "low-second"}
	for _, expected := range want {
		d := mustReserve(t, q)
		if d.Payload.JobID != expected {
			t.Errorf("expected %s, got %s", expected, d.Payload.JobID)
		}
	}
}

func TestEnqueue_QueueFull(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := New(client, types.JobTypeFileProcessing, Options{MaxDepth: 2})

	for i, id := range []string{"a", "b"} {
		if err := q.Enqueue(t.Context(), testPayload(id, i)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	err := q.Enqueue(t.Context(), testPayload("c", 0))
	if err == nil {
		t.Fatal("expected queue_full error")
	}
	if types.KindOf(err) != types.KindQueueFull {
		t.Errorf("expected kind queue_full, got %s", types.KindOf(err))
	}
}

func TestEnqueue_RejectsTypeMismatch(t *testing.T) {
	q, _ := testQueue(t)

	p := testPayload("job-1", 0)
	p.Type = types.JobTypePIIAnalysis
	if err := q.Enqueue(t.Context(), p); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestAck_MovesToCompleted(t *testing.T) {
	q, _ := testQueue(t)

	if err := q.Enqueue(t.Context(), testPayload("job-1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d := mustReserve(t, q)

	if err := q.Ack(t.Context(), d.Payload.JobID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	counts, err := q.Counts(t.Context())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[StateCompleted] != 1 {
		t.Errorf("expected 1 completed, got %d", counts[StateCompleted])
	}
	if counts[StateRunning] != 0 {
		t.Errorf("expected 0 running, got %d", counts[StateRunning])
	}
}

func TestNack_RetriableSchedulesRedelivery(t *testing.T) {
	q, _ := testQueue(t)

	if err := q.Enqueue(t.Context(), testPayload("job-1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d := mustReserve(t, q)

	cause := types.NewStageError(types.KindDetectorUnavailable, "503 from analyzer")
	out, err := q.Nack(t.Context(), d.Payload.JobID, d.Attempt, cause)
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if !out.Requeued {
		t.Fatal("expected requeue for retriable failure")
	}
	if out.Delay <= 0 {
		t.Errorf("expected positive backoff, got %v", out.Delay)
	}

	// Not yet due.
	d2, err := q.Reserve(t.Context(), "worker-1", 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if d2 != nil {
		t.Fatal("delayed job delivered before backoff elapsed")
	}

	// Advance past the backoff and reserve again.
	q.now = func() time.Time { return time.Now().Add(time.Minute) }
	d3 := mustReserve(t, q)
	if d3.Payload.JobID != "job-1" {
		t.Errorf("expected job-1 redelivery, got %s", d3.Payload.JobID)
	}
	if d3.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", d3.Attempt)
	}
}

func TestNack_FatalDeadLetters(t *testing.T) {
	q, _ := testQueue(t)

	if err := q.Enqueue(t.Context(), testPayload("job-1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d := mustReserve(t, q)

	cause := types.NewStageError(types.KindFileNotFound, "no such file")
	out, err := q.Nack(t.Context(), d.Payload.JobID, d.Attempt, cause)
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if out.Requeued {
		t.Fatal("fatal failure must not requeue")
	}

	counts, err := q.Counts(t.Context())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[StateFailed] != 1 {
		t.Errorf("expected 1 failed, got %d", counts[StateFailed])
	}
}

func TestNack_RetriableExhaustsAttempts(t *testing.T) {
	q, _ := testQueue(t)

	if err := q.Enqueue(t.Context(), testPayload("job-1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cause := types.NewStageError(types.KindDetectorUnavailable, "503 from analyzer")
	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		if attempt > 1 {
			q.now = func() time.Time { return time.Now().Add(time.Duration(attempt) * time.Hour) }
		}
		d := mustReserve(t, q)
		if d.Attempt != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, d.Attempt)
		}
		out, err := q.Nack(t.Context(), d.Payload.JobID, d.Attempt, cause)
		if err != nil {
			t.Fatalf("nack attempt %d: %v", attempt, err)
		}
		if attempt < DefaultMaxAttempts && !out.Requeued {
			t.Fatalf("attempt %d should requeue", attempt)
		}
		if attempt == DefaultMaxAttempts && out.Requeued {
			t.Fatal("final attempt must dead-letter")
		}
	}

	counts, err := q.Counts(t.Context())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[StateFailed] != 1 {
		t.Errorf("expected 1 failed after exhaustion, got %d", counts[StateFailed])
	}
}

func TestCancel_QueuedJobRemovedImmediately(t *testing.T) {
	q, _ := testQueue(t)

	if err := q.Enqueue(t.Context(), testPayload("job-1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := q.Cancel(t.Context(), "job-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !res.WasQueued {
		t.Fatal("expected queued-job cancellation")
	}

	d, err := q.Reserve(t.Context(), "worker-1", 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if d != nil {
		t.Fatal("cancelled job must not be delivered")
	}

	counts, err := q.Counts(t.Context())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[StateCancelled] != 1 {
		t.Errorf("expected 1 cancelled, got %d", counts[StateCancelled])
	}
}

func TestCancel_RunningJobSignalled(t *testing.T) {
	q, _ := testQueue(t)

	if err := q.Enqueue(t.Context(), testPayload("job-1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d := mustReserve(t, q)

	res, err := q.Cancel(t.Context(), d.Payload.JobID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.WasQueued {
		t.Fatal("running job is not queued")
	}
	if !res.SignalledRunning {
		t.Fatal("expected cooperative cancel signal")
	}

	requested, err := q.IsCancelRequested(t.Context(), d.Payload.JobID)
	if err != nil {
		t.Fatalf("cancel check: %v", err)
	}
	if !requested {
		t.Fatal("processor should observe the cancel flag")
	}

	if err := q.AckCancelled(t.Context(), d.Payload.JobID); err != nil {
		t.Fatalf("ack cancelled: %v", err)
	}
	counts, err := q.Counts(t.Context())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[StateCancelled] != 1 {
		t.Errorf("expected 1 cancelled, got %d", counts[StateCancelled])
	}
	if counts[StateRunning] != 0 {
		t.Errorf("expected 0 running, got %d", counts[StateRunning])
	}
}

func TestRecoverStalled_FirstStallRequeuesAttemptUnchanged(t *testing.T) {
	q, _ := testQueue(t)

	if err := q.Enqueue(t.Context(), testPayload("job-1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d := mustReserve(t, q)
	if d.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", d.Attempt)
	}

	// Let the visibility deadline lapse without heartbeats.
	q.now = func() time.Time { return time.Now().Add(2 * DefaultStallWindow) }

	recovered, err := q.RecoverStalled(t.Context())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0].Failed {
		t.Fatalf("expected one requeued stall, got %+v", recovered)
	}

	d2 := mustReserve(t, q)
	if d2.Attempt != 1 {
		t.Errorf("stall recovery must not consume an attempt, got attempt %d", d2.Attempt)
	}
}

func TestRecoverStalled_SecondStallFails(t *testing.T) {
	q, _ := testQueue(t)

	if err := q.Enqueue(t.Context(), testPayload("job-1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	mustReserve(t, q)

	q.now = func() time.Time { return time.Now().Add(2 * DefaultStallWindow) }
	if _, err := q.RecoverStalled(t.Context()); err != nil {
		t.Fatalf("recover 1: %v", err)
	}
	mustReserve(t, q)

	q.now = func() time.Time { return time.Now().Add(4 * DefaultStallWindow) }
	recovered, err := q.RecoverStalled(t.Context())
	if err != nil {
		t.Fatalf("recover 2: %v", err)
	}
	if len(recovered) != 1 || !recovered[0].Failed {
		t.Fatalf("expected stalled job to fail, got %+v", recovered)
	}

	counts, err := q.Counts(t.Context())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[StateFailed] != 1 {
		t.Errorf("expected 1 failed, got %d", counts[StateFailed])
	}
}

func TestHeartbeat_ExtendsDeadline(t *testing.T) {
	q, _ := testQueue(t)

	if err := q.Enqueue(t.Context(), testPayload("job-1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d := mustReserve(t, q)

	// Heartbeat at a future now, pushing the deadline past the stall scan.
	q.now = func() time.Time { return time.Now().Add(2 * DefaultStallWindow) }
	if err := q.Heartbeat(t.Context(), d.Payload.JobID, 0); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	recovered, err := q.RecoverStalled(t.Context())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("heartbeated job must not be reclaimed, got %+v", recovered)
	}
}

func TestBackoff_DoublesWithBoundedJitter(t *testing.T) {
	q, _ := testQueue(t)

	for attempt := 1; attempt <= 3; attempt++ {
		base := q.opts.BaseDelay * (1 << uint(attempt-1))
		lo := time.Duration(float64(base) * (1 - jitterFraction))
		hi := time.Duration(float64(base) * (1 + jitterFraction))
		for range 50 {
			d := q.backoff(attempt)
			if d < lo || d > hi {
				t.Fatalf("attempt %d backoff %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestCounts_Empty(t *testing.T) {
	q, _ := testQueue(t)

	counts, err := q.Counts(t.Context())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	for _, state := range []string{StateQueued, StateRunning, StateCompleted, StateFailed, StateCancelled} {
		if counts[state] != 0 {
			t.Errorf("expected 0 %s, got %d", state, counts[state])
		}
	}
}

func TestNack_ErrorKindDrivesRetry(t *testing.T) {
	// Wrapped retriable kinds survive error chains.
	cause := types.WrapStageError(types.KindExtractionUnavailable,
		errors.New("connection refused"), "tika unreachable")
	wrapped := types.WrapStageError(types.KindExtractionUnavailable, cause, "stage failed")
	if !types.IsRetriable(wrapped) {
		t.Fatal("wrapped retriable kind should be retriable")
	}
	if types.IsRetriable(types.NewStageError(types.KindPolicyInvalid, "bad document")) {
		t.Fatal("policy_invalid must not be retriable")
	}
}
