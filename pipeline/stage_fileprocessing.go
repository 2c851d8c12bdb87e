package pipeline

import (
	"context"
	"os"

	"github.com/pithecene-io/veil/types"
)

// FileProcessing validates the uploaded file before any extraction work:
// the file must exist, be regular, fit the policy scope and the storage
// ceiling, and be readable. All of its failures are non-recoverable.
type FileProcessing struct {
	deps *Deps
}

// NewFileProcessing creates the stage processor.
func NewFileProcessing(deps *Deps) *FileProcessing { return &FileProcessing{deps: deps} }

func (p *FileProcessing) Type() types.JobType { return types.JobTypeFileProcessing }

func (p *FileProcessing) Process(ctx context.Context, exec *Execution) error {
	payload := exec.Payload()

	pol, err := exec.Policy(ctx)
	if err != nil {
		return err
	}
	if err := exec.Progress(ctx, 10); err != nil {
		return err
	}

	info, err := os.Stat(payload.FilePath)
	if os.IsNotExist(err) {
		return types.NewStageError(types.KindFileNotFound, "file %s does not exist", payload.FilePath)
	}
	if err != nil {
		return types.WrapStageError(types.KindFileNotFound, err, "stat %s", payload.FilePath)
	}
	if !info.Mode().IsRegular() {
		return types.NewStageError(types.KindFileUnsupportedType, "%s is not a regular file", payload.FilePath)
	}

	dataset, err := p.deps.Store.GetDataset(ctx, payload.DatasetID)
	if err != nil {
		return err
	}
	if !pol.AllowsFileType(dataset.FileType) {
		return types.NewStageError(types.KindFileUnsupportedType,
			"file type %q is outside the policy scope", dataset.FileType)
	}

	size := info.Size()
	if max := p.deps.Storage.MaxFileSize; max > 0 && size > max {
		return types.NewStageError(types.KindFileTooLarge,
			"file is %d bytes, limit is %d", size, max)
	}
	if !pol.AllowsFileSize(size) {
		return types.NewStageError(types.KindFileTooLarge,
			"file is %d bytes, policy limit is %d", size, pol.Scope.MaxFileSize)
	}
	if err := exec.Progress(ctx, 50); err != nil {
		return err
	}

	// Readability check before committing the dataset to extraction.
	f, err := os.Open(payload.FilePath)
	if err != nil {
		return types.WrapStageError(types.KindFileNotFound, err, "open %s", payload.FilePath)
	}
	_ = f.Close()

	if err := exec.AdvanceDataset(ctx, types.DatasetStatusExtracting, func(d *types.Dataset) {
		d.SizeBytes = size
	}); err != nil {
		return err
	}
	if err := exec.Progress(ctx, 90); err != nil {
		return err
	}
	if err := exec.EnqueueSuccessor(ctx); err != nil {
		return err
	}
	return exec.Complete(ctx, "file accepted")
}
