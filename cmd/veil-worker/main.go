// Package main provides the veil-worker daemon: the process that drains the
// four stage queues, runs the pipeline, and serves the SSE event stream.
//
// Usage:
//
//	veil-worker [--config veil.yaml] [--worker-id id]
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/veil/anonymize"
	"github.com/pithecene-io/veil/config"
	"github.com/pithecene-io/veil/detect"
	"github.com/pithecene-io/veil/extract"
	"github.com/pithecene-io/veil/fanout"
	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/metrics"
	"github.com/pithecene-io/veil/notify"
	"github.com/pithecene-io/veil/pipeline"
	"github.com/pithecene-io/veil/policy"
	"github.com/pithecene-io/veil/queue"
	"github.com/pithecene-io/veil/store"
	"github.com/pithecene-io/veil/types"
)

const namespace = "veil"

func main() {
	app := &cli.App{
		Name:    "veil-worker",
		Usage:   "Veil pipeline worker - drains the stage queues and streams events",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to veil.yaml (defaults apply when omitted)",
			},
			&cli.StringFlag{
				Name:  "worker-id",
				Usage: "Worker identity used for reservations and metrics",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	logger := log.NewLogger(cfg.Log.Level, log.Format(cfg.Log.Format))
	workerID := c.String("worker-id")
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := queue.NewClient(cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.URL, err)
	}

	st := store.New(client, namespace)
	artifacts, err := buildArtifacts(ctx, cfg.Storage)
	if err != nil {
		return err
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

	hub := fanout.NewHub(logger, fanout.DefaultHeartbeatInterval)
	collector := metrics.NewCollector(workerID)

	deps := &pipeline.Deps{
		Store:      st,
		Artifacts:  artifacts,
		Queues:     queues,
		Policies:   policy.NewEngine(st, logger),
		Router:     buildRouter(cfg, logger),
		Detector:   detect.NewClient(cfg.Services.DetectorURL, logger),
		Anonymizer: anonymize.NewClient(cfg.Services.AnonymizerURL, logger),
		Hub:        hub,
		Notifier:   notify.New(st, hub, logger),
		Metrics:    collector,
		Logger:     logger,
		Worker:     cfg.Worker,
		Storage:    cfg.Storage,
	}

	pools := []*pipeline.Pool{
		pipeline.NewPool(deps, queues[types.JobTypeFileProcessing], pipeline.NewFileProcessing(deps), workerID),
		pipeline.NewPool(deps, queues[types.JobTypeTextExtraction], pipeline.NewTextExtraction(deps), workerID),
		pipeline.NewPool(deps, queues[types.JobTypePIIAnalysis], pipeline.NewPIIAnalysis(deps), workerID),
		pipeline.NewPool(deps, queues[types.JobTypeAnonymization], pipeline.NewAnonymization(deps), workerID),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	for _, p := range pools {
		wg.Add(1)
		go func(p *pipeline.Pool) {
			defer wg.Done()
			p.Run(ctx)
		}(p)
	}

	if cfg.SSE.Enabled {
		startSSE(ctx, &wg, cfg.SSE.Addr, hub, logger)
	}

	logger.Info("worker started", map[string]any{
		"worker_id":   workerID,
		"concurrency": cfg.Worker.Concurrency,
		"redis":       cfg.Redis.URL,
		"sse":         cfg.SSE.Enabled,
	})

	wg.Wait()

	snap := collector.Snapshot()
	logger.Info("worker stopped", map[string]any{
		"worker_id":        workerID,
		"jobs_completed":   sum(snap.JobsCompleted),
		"jobs_failed":      sum(snap.JobsFailed),
		"jobs_retried":     sum(snap.JobsRetried),
		"events_published": snap.EventsPublished,
	})
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildArtifacts(ctx context.Context, sc config.StorageConfig) (store.ArtifactStore, error) {
	switch sc.Backend {
	case "s3":
		return store.NewS3ArtifactStore(ctx, store.S3Config{
			Bucket:       sc.Bucket,
			Prefix:       sc.Prefix,
			Region:       sc.Region,
			Endpoint:     sc.Endpoint,
			UsePathStyle: sc.S3PathStyle,
		})
	default:
		return store.NewFSArtifactStore(sc.Path)
	}
}

// buildRouter wires the extraction router. Missing external services degrade
// to retriable extraction_unavailable failures instead of wiring errors.
func buildRouter(cfg *config.Config, logger *log.Logger) *extract.Router {
	opts := extract.RouterOptions{
		MaxTextLength: cfg.Extraction.MaxTextLength,
		Logger:        logger,
	}
	if url := cfg.Services.DocumentExtractorURL; url != "" {
		opts.Document = extract.NewDocumentClient(url, logger)
	} else {
		opts.Document = extract.Unavailable{Service: "document extractor"}
	}
	if url := cfg.Services.OCRURL; url != "" {
		opts.OCR = extract.NewOCRClient(url, cfg.Extraction.OCRLanguage, logger)
	} else {
		opts.OCR = extract.Unavailable{Service: "ocr"}
	}
	return extract.NewRouter(opts)
}

func startSSE(ctx context.Context, wg *sync.WaitGroup, addr string, hub *fanout.Hub, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/events", fanout.NewSSEHandler(hub, logger))
	srv := &http.Server{Addr: addr, Handler: mux}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("sse listening", map[string]any{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("sse server failed", map[string]any{"error": err.Error()})
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func sum(m map[string]int64) int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}
