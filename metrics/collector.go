// Package metrics accumulates process-local pipeline counters. It is a leaf
// package with no internal dependencies; the worker absorbs counts on stage
// completion and exposes them through Snapshot.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of the pipeline counters.
// Safe to read concurrently after creation.
type Snapshot struct {
	// Per-stage job lifecycle, keyed by job type.
	JobsStarted   map[string]int64
	JobsCompleted map[string]int64
	JobsFailed    map[string]int64
	JobsCancelled map[string]int64
	JobsStalled   map[string]int64
	JobsRetried   map[string]int64

	// Fan-out
	EventsPublished int64
	EventsDropped   int64

	// Analysis
	FindingsPersisted int64

	// Dimensions (informational, set at construction)
	WorkerID string
}

// Collector accumulates pipeline counters. Thread-safe via sync.Mutex; all
// increment methods are nil-receiver safe so wiring metrics stays optional.
type Collector struct {
	mu sync.Mutex

	jobsStarted   map[string]int64
	jobsCompleted map[string]int64
	jobsFailed    map[string]int64
	jobsCancelled map[string]int64
	jobsStalled   map[string]int64
	jobsRetried   map[string]int64

	eventsPublished int64
	eventsDropped   int64

	findingsPersisted int64

	workerID string
}

// NewCollector creates a Collector labeled with the worker id.
func NewCollector(workerID string) *Collector {
	return &Collector{
		jobsStarted:   make(map[string]int64),
		jobsCompleted: make(map[string]int64),
		jobsFailed:    make(map[string]int64),
		jobsCancelled: make(map[string]int64),
		jobsStalled:   make(map[string]int64),
		jobsRetried:   make(map[string]int64),
		workerID:      workerID,
	}
}

func (c *Collector) incStage(m map[string]int64, stage string) {
	c.mu.Lock()
	m[stage]++
	c.mu.Unlock()
}

// IncJobStarted counts one job entering Running for a stage.
func (c *Collector) IncJobStarted(stage string) {
	if c == nil {
		return
	}
	c.incStage(c.jobsStarted, stage)
}

// IncJobCompleted counts one successful stage completion.
func (c *Collector) IncJobCompleted(stage string) {
	if c == nil {
		return
	}
	c.incStage(c.jobsCompleted, stage)
}

// IncJobFailed counts one terminal stage failure.
func (c *Collector) IncJobFailed(stage string) {
	if c == nil {
		return
	}
	c.incStage(c.jobsFailed, stage)
}

// IncJobCancelled counts one cooperative cancellation.
func (c *Collector) IncJobCancelled(stage string) {
	if c == nil {
		return
	}
	c.incStage(c.jobsCancelled, stage)
}

// IncJobStalled counts one stall recovery.
func (c *Collector) IncJobStalled(stage string) {
	if c == nil {
		return
	}
	c.incStage(c.jobsStalled, stage)
}

// IncJobRetried counts one retriable failure requeued with backoff.
func (c *Collector) IncJobRetried(stage string) {
	if c == nil {
		return
	}
	c.incStage(c.jobsRetried, stage)
}

// IncEventPublished counts one frame handed to the fan-out.
func (c *Collector) IncEventPublished() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsPublished++
	c.mu.Unlock()
}

// IncEventDropped counts one frame lost to a dead subscription.
func (c *Collector) IncEventDropped() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsDropped++
	c.mu.Unlock()
}

// AddFindingsPersisted counts findings written by one analysis attempt.
func (c *Collector) AddFindingsPersisted(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.findingsPersisted += int64(n)
	c.mu.Unlock()
}

// Snapshot returns a consistent copy of all counters. Nil-receiver safe,
// returning a zero snapshot.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		JobsStarted:       copyCounts(c.jobsStarted),
		JobsCompleted:     copyCounts(c.jobsCompleted),
		JobsFailed:        copyCounts(c.jobsFailed),
		JobsCancelled:     copyCounts(c.jobsCancelled),
		JobsStalled:       copyCounts(c.jobsStalled),
		JobsRetried:       copyCounts(c.jobsRetried),
		EventsPublished:   c.eventsPublished,
		EventsDropped:     c.eventsDropped,
		FindingsPersisted: c.findingsPersisted,
		WorkerID:          c.workerID,
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
