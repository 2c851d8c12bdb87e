// Package pipeline wires the four processing stages over the queue
// substrate: FileProcessing, TextExtraction, PIIAnalysis, Anonymization.
// Each stage is a Processor registered against its queue and driven by a
// worker pool; the shared stage contract (status transitions, progress,
// cancellation, audit, events) lives in Execution.
package pipeline

import (
	"context"

	"github.com/pithecene-io/veil/anonymize"
	"github.com/pithecene-io/veil/config"
	"github.com/pithecene-io/veil/detect"
	"github.com/pithecene-io/veil/extract"
	"github.com/pithecene-io/veil/fanout"
	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/metrics"
	"github.com/pithecene-io/veil/notify"
	"github.com/pithecene-io/veil/policy"
	"github.com/pithecene-io/veil/queue"
	"github.com/pithecene-io/veil/store"
	"github.com/pithecene-io/veil/types"
)

// Deps are the collaborators shared by every stage processor. All of them
// are explicit; nothing here is a global.
type Deps struct {
	Store     *store.Store
	Artifacts store.ArtifactStore
	Queues    map[types.JobType]*queue.Queue
	Policies  *policy.Engine

	Router     *extract.Router
	Detector   *detect.Client
	Anonymizer *anonymize.Client

	Hub      *fanout.Hub
	Notifier *notify.Notifier
	Metrics  *metrics.Collector
	Logger   *log.Logger

	Worker  config.WorkerConfig
	Storage config.StorageConfig
}

// Processor handles one pipeline stage.
type Processor interface {
	// Type is the queue this processor consumes.
	Type() types.JobType
	// Process runs the stage work for one delivery. The Execution has
	// already transitioned the job to Running; Process finishes by calling
	// exec.Complete or returning a kind-tagged error.
	Process(ctx context.Context, exec *Execution) error
}

// successor maps each stage to the next one in the chain.
func successor(t types.JobType) (types.JobType, bool) {
	next := t.Successor()
	return next, next != ""
}
