// Package main provides the veil CLI entrypoint.
//
// The CLI submits files into the pipeline and inspects or controls jobs:
//
//	veil submit --file <path> [options]
//	veil status <job-id>
//	veil cancel <job-id>
//	veil retry <job-id>
//	veil queues
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/veil/config"
	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/pipeline"
	"github.com/pithecene-io/veil/queue"
	"github.com/pithecene-io/veil/store"
	"github.com/pithecene-io/veil/types"
)

const namespace = "veil"

func main() {
	app := &cli.App{
		Name:           "veil",
		Usage:          "Veil PII pipeline CLI",
		Version:        "0.1.0",
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to veil.yaml (defaults apply when omitted)",
			},
		},
		Commands: []*cli.Command{
			submitCommand(),
			statusCommand(),
			cancelCommand(),
			retryCommand(),
			queuesCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit and prints everything
// else to stderr.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// service builds the pipeline service from the config named on the app.
func service(c *cli.Context) (*pipeline.Service, map[types.JobType]*queue.Queue, error) {
	var cfg *config.Config
	var err error
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, nil, err
		}
	} else {
		cfg = config.Default()
	}

	client, err := queue.NewClient(cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(c.Context).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.URL, err)
	}

	stages := []types.JobType{
		types.JobTypeFileProcessing,
		types.JobTypeTextExtraction,
		types.JobTypePIIAnalysis,
		types.JobTypeAnonymization,
	}
	queues := make(map[types.JobType]*queue.Queue, len(stages))
	for _, typ := range stages {
		queues[typ] = queue.New(client, typ, queue.Options{
			Namespace:   namespace,
			MaxAttempts: cfg.Worker.RetryAttempts,
			BaseDelay:   cfg.Worker.RetryDelay.Duration,
			StallWindow: cfg.Worker.StallWindow.Duration,
			MaxDepth:    cfg.Worker.MaxQueueDepth,
		})
	}

	logger := log.NewLogger("error", log.FormatText)
	return pipeline.NewService(store.New(client, namespace), queues, logger), queues, nil
}

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Submit a file for processing",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Usage: "Path to the file", Required: true},
			&cli.StringFlag{Name: "user", Usage: "Owning user id", Required: true},
			&cli.StringFlag{Name: "dataset-id", Usage: "Dataset id (generated from the file name when omitted)"},
			&cli.StringFlag{Name: "project", Usage: "Project id"},
			&cli.StringFlag{Name: "policy", Usage: "Policy id (default policy when omitted)"},
			&cli.StringFlag{Name: "mime", Usage: "MIME type of the file"},
			&cli.IntFlag{Name: "priority", Usage: "Dispatch priority, higher runs first"},
		},
		Action: func(c *cli.Context) error {
			path, err := filepath.Abs(c.String("file"))
			if err != nil {
				return err
			}
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", path, err)
			}
			datasetID := c.String("dataset-id")
			if datasetID == "" {
				datasetID = fmt.Sprintf("ds-%s", filepath.Base(path))
			}

			svc, _, err := service(c)
			if err != nil {
				return err
			}
			jobID, err := svc.EnqueueFileProcessing(c.Context, pipeline.EnqueueRequest{
				UserID:    c.String("user"),
				ProjectID: c.String("project"),
				DatasetID: datasetID,
				FilePath:  path,
				FileName:  filepath.Base(path),
				FileSize:  info.Size(),
				MimeType:  c.String("mime"),
				PolicyID:  c.String("policy"),
				Priority:  c.Int("priority"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("job_id=%s dataset_id=%s\n", jobID, datasetID)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the current state of a job",
		ArgsUsage: "<job-id>",
		Action: func(c *cli.Context) error {
			jobID := c.Args().First()
			if jobID == "" {
				return cli.Exit("job id is required", 1)
			}
			svc, _, err := service(c)
			if err != nil {
				return err
			}
			job, err := svc.JobStatus(c.Context, jobID)
			if err != nil {
				return err
			}
			printJob(job)
			return nil
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a queued or running job",
		ArgsUsage: "<job-id>",
		Action: func(c *cli.Context) error {
			jobID := c.Args().First()
			if jobID == "" {
				return cli.Exit("job id is required", 1)
			}
			svc, _, err := service(c)
			if err != nil {
				return err
			}
			if err := svc.Cancel(c.Context, jobID); err != nil {
				return err
			}
			fmt.Printf("cancel requested for %s\n", jobID)
			return nil
		},
	}
}

func retryCommand() *cli.Command {
	return &cli.Command{
		Name:      "retry",
		Usage:     "Retry a failed job as a new job",
		ArgsUsage: "<job-id>",
		Action: func(c *cli.Context) error {
			jobID := c.Args().First()
			if jobID == "" {
				return cli.Exit("job id is required", 1)
			}
			svc, _, err := service(c)
			if err != nil {
				return err
			}
			newID, err := svc.Retry(c.Context, jobID)
			if err != nil {
				return err
			}
			fmt.Printf("job_id=%s original=%s\n", newID, jobID)
			return nil
		},
	}
}

func queuesCommand() *cli.Command {
	return &cli.Command{
		Name:  "queues",
		Usage: "Show per-stage queue depths",
		Action: func(c *cli.Context) error {
			svc, queues, err := service(c)
			if err != nil {
				return err
			}
			counts, err := svc.QueueCounts(c.Context)
			if err != nil {
				return err
			}
			order := []types.JobType{
				types.JobTypeFileProcessing,
				types.JobTypeTextExtraction,
				types.JobTypePIIAnalysis,
				types.JobTypeAnonymization,
			}
			fmt.Printf("%-18s %8s %8s %10s %8s %10s\n",
				"stage", "queued", "running", "completed", "failed", "cancelled")
			for _, typ := range order {
				if _, ok := queues[typ]; !ok {
					continue
				}
				s := counts[typ]
				fmt.Printf("%-18s %8d %8d %10d %8d %10d\n", typ,
					s[queue.StateQueued], s[queue.StateRunning],
					s[queue.StateCompleted], s[queue.StateFailed], s[queue.StateCancelled])
			}
			return nil
		},
	}
}

func printJob(job *types.Job) {
	fmt.Printf("Job ID:     %s\n", job.ID)
	fmt.Printf("Stage:      %s\n", job.Type)
	fmt.Printf("Status:     %s\n", job.Status)
	fmt.Printf("Progress:   %d%%\n", job.Progress)
	fmt.Printf("Attempt:    %d\n", job.Attempt)
	fmt.Printf("Dataset:    %s\n", job.DatasetID)
	if job.PolicyID != "" {
		fmt.Printf("Policy:     %s\n", job.PolicyID)
	}
	fmt.Printf("Created:    %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	if job.StartedAt != nil {
		fmt.Printf("Started:    %s\n", job.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if job.EndedAt != nil {
		fmt.Printf("Ended:      %s\n", job.EndedAt.Format("2006-01-02 15:04:05"))
	}
	if job.Error != "" {
		fmt.Printf("Error:      %s\n", job.Error)
	}
	if job.Metadata[types.MetaIsRetry] == "true" {
		fmt.Printf("Retry of:   %s (attempt %d)\n",
			job.Metadata[types.MetaOriginalJobID], job.RetryAttempt())
	}
}
