package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/deeparchival/transferkit/retryqueue"
	"github.com/deeparchival/transferkit/upload/network"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// FileDescriptor describes one file to move. Immutable, supplied by the
// caller; identity is positional within its batch.
type FileDescriptor struct {
	Name         string
	SizeBytes    int64
	MIMEType     string
	RelativePath string
	LocalPath    string
}

// Result is the outcome of exactly one upload attempt for one file.
type Result struct {
	FileName       string
	RelativePath   string
	Success        bool
	SizeBytes      int64
	ElapsedSeconds float64
	ThroughputMBps float64
	Error          string
	MediaRecordID  int64
	StorageKey     string
}

// RunResult is the terminal outcome of one orchestrated run. Partial
// success is always representable: per-file errors land in Results, never
// in the run error.
type RunResult struct {
	SessionID string
	Results   []Result
	Stats     BatchStats
	Cancelled bool
}

// UploadInput is the information that comes from the caller for one run.
type UploadInput struct {
	// SessionID groups the run's files server-side. Generated when empty.
	SessionID string
	Files     []FileDescriptor
	// BatchSize is the number of files per bulk destination request.
	// If not provided (0), the default (1000) is used; capped at 1500.
	BatchSize  int
	Credential Secret
	Verbose    bool
}

// Uploader ...
type Uploader interface {
	RunUpload(ctx context.Context, input UploadInput) (*RunResult, error)
	Cancel()
	Events() <-chan ProgressEvent
}

type uploader struct {
	envRepo      env.Repository
	logger       log.Logger
	queue        retryqueue.Enqueuer
	destClient   network.DestinationClient
	fileUploader network.FileUploader
	reporter     *Reporter
	token        *CancelToken
	opener       FileOpener
	yield        func()
}

// NewUploader creates a new upload engine instance. `destClient` and
// `fileUploader` can be nil, unless you want to provide custom
// implementations; the defaults are built from the environment
// (ARCHIVAL_API_BASE_URL) and a tuned HTTP client.
func NewUploader(
	envRepo env.Repository,
	logger log.Logger,
	queue retryqueue.Enqueuer,
	destClient network.DestinationClient,
	fileUploader network.FileUploader,
) *uploader {
	if fileUploader == nil {
		fileUploader = network.NewHTTPFileUploader(nil, logger)
	}
	return &uploader{
		envRepo:      envRepo,
		logger:       logger,
		queue:        queue,
		destClient:   destClient,
		fileUploader: fileUploader,
		reporter:     NewReporter(logger),
		token:        NewCancelToken(),
		opener:       defaultOpener,
		yield:        func() { time.Sleep(interChunkYield) },
	}
}

// Events is the progress stream for the caller's UI.
func (u *uploader) Events() <-chan ProgressEvent {
	return u.reporter.Events()
}

// Cancel sets the run's cancellation token and immediately emits the
// terminal cancelled event. It does not wait for in-flight tasks to unwind;
// they short-circuit at their next checkpoint. Idempotent.
func (u *uploader) Cancel() {
	u.token.Cancel()
	u.reporter.ReportCancelled("Upload cancelled")
}

// RunUpload moves the input's files into object storage and returns one
// Result per file plus aggregate stats. Only an unusable configuration or
// internal fault fails the run; per-file failures do not.
func (u *uploader) RunUpload(ctx context.Context, input UploadInput) (*RunResult, error) {
	u.token.Reset()

	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	u.reporter.Reset(sessionID)

	if input.Verbose {
		u.logger.EnableDebugLog(true)
	}

	if len(input.Files) == 0 {
		u.reporter.ReportFinal(100, "Nothing to upload", 0, 0)
		return &RunResult{SessionID: sessionID, Results: []Result{}}, nil
	}

	destClient, err := u.createDestClient(input)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inputs: %w", err)
	}

	tracker := newSessionTracker(sessionID, u.envRepo, u.logger)
	defer tracker.wait()

	tasks := &taskRunner{
		uploader: u.fileUploader,
		queue:    u.queue,
		reporter: u.reporter,
		token:    u.token,
		opener:   u.opener,
		logger:   u.logger,
	}
	sched := &scheduler{
		destClient:        destClient,
		tasks:             tasks,
		reporter:          u.reporter,
		token:             u.token,
		logger:            u.logger,
		sessionID:         sessionID,
		credentialPresent: string(input.Credential) != "",
		yield:             u.yield,
	}

	u.logger.Println()
	u.logger.Infof("Uploading %d files...", len(input.Files))
	start := time.Now()

	results := sched.run(ctx, input.Files, input.BatchSize)

	elapsed := time.Since(start)
	stats := computeBatchStats(results, elapsed)
	cancelled := u.token.Cancelled()

	if cancelled {
		u.logger.Warnf("Upload cancelled: %d of %d files done", stats.SuccessCount, stats.TotalFiles)
	} else {
		u.reporter.ReportFinal(100, "Upload complete", len(results), len(results))
		u.logger.Donef("Uploaded %d of %d files (%s) in %s",
			stats.SuccessCount, stats.TotalFiles,
			units.HumanSizeWithPrecision(stats.TotalSizeMB*bytesPerMB, 3),
			elapsed.Round(time.Second))
	}
	tracker.logSessionFinished(stats, cancelled)

	return &RunResult{
		SessionID: sessionID,
		Results:   results,
		Stats:     stats,
		Cancelled: cancelled,
	}, nil
}

func (u *uploader) createDestClient(input UploadInput) (network.DestinationClient, error) {
	if u.destClient != nil {
		return u.destClient, nil
	}

	apiBaseURL := u.envRepo.Get("ARCHIVAL_API_BASE_URL")
	if apiBaseURL == "" {
		return nil, fmt.Errorf("the env var 'ARCHIVAL_API_BASE_URL' is not defined")
	}

	return network.NewClient(retryhttp.NewClient(u.logger), apiBaseURL, string(input.Credential), u.logger), nil
}
