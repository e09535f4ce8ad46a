package download

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/deeparchival/transferkit/upload"
	"github.com/melbahja/got"
)

const fetchPhaseMaxPercent = 90.0

// Item is one archived file to fetch, addressed by a signed GET URL.
type Item struct {
	FileName     string
	URL          string
	SizeBytes    int64
	RelativePath string
}

// Params ...
type Params struct {
	// SessionID groups the run's progress events. Generated upstream.
	SessionID string
	Items     []Item
	// ArchivePath is where the assembled ZIP is written.
	ArchivePath string
}

// FileResult is the outcome of exactly one fetch attempt for one item.
type FileResult struct {
	FileName string
	Success  bool
	Error    string
}

// RunResult ...
type RunResult struct {
	SessionID   string
	ArchivePath string
	Results     []FileResult
	Cancelled   bool
}

// Engine fetches signed URLs in parallel and assembles the results into a
// single ZIP archive. Unlike the upload engine there is no durable retry
// queue behind it: a failed fetch is terminal for that item, because the
// caller can always request fresh signed URLs and run again.
type Engine struct {
	logger       log.Logger
	pathProvider pathutil.PathProvider
	reporter     *upload.Reporter
	token        *upload.CancelToken
	fetch        func(ctx context.Context, url, dest string) error
	yield        func()
}

// NewEngine ...
func NewEngine(logger log.Logger) *Engine {
	client := retryhttp.NewClient(logger).StandardClient()
	return &Engine{
		logger:       logger,
		pathProvider: pathutil.NewPathProvider(),
		reporter:     upload.NewReporter(logger),
		token:        upload.NewCancelToken(),
		fetch:        gotFetcher(client),
		yield:        func() { time.Sleep(10 * time.Millisecond) },
	}
}

// Events is the progress stream for the caller's UI.
func (e *Engine) Events() <-chan upload.ProgressEvent {
	return e.reporter.Events()
}

// Cancel sets the run's cancellation token and emits the terminal cancelled
// event. In-flight fetches finish; pending ones are skipped.
func (e *Engine) Cancel() {
	e.token.Cancel()
	e.reporter.ReportCancelled("Download cancelled")
}

// Run fetches every item and writes the ZIP archive to params.ArchivePath.
// One FileResult per item, in input order; failed items are left out of the
// archive but never abort the run.
func (e *Engine) Run(ctx context.Context, params Params) (*RunResult, error) {
	e.token.Reset()
	e.reporter.Reset(params.SessionID)

	if params.ArchivePath == "" {
		return nil, fmt.Errorf("archive path is empty")
	}
	if len(params.Items) == 0 {
		e.reporter.ReportFinal(100, "Nothing to download", 0, 0)
		return &RunResult{SessionID: params.SessionID, Results: []FileResult{}}, nil
	}

	tempDir, err := e.pathProvider.CreateTempDir("bulk-download")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			e.logger.Warnf("failed to clean up temp dir %s: %s", tempDir, err)
		}
	}()

	e.logger.Println()
	e.logger.Infof("Downloading %d files...", len(params.Items))

	localPaths := make([]string, len(params.Items))
	results := e.fetchAll(ctx, params.Items, tempDir, localPaths)

	cancelled := e.token.Cancelled()
	if cancelled {
		e.logger.Warnf("Download cancelled")
		return &RunResult{SessionID: params.SessionID, Results: results, Cancelled: true}, nil
	}

	if err := e.buildArchive(params, results, localPaths); err != nil {
		return nil, fmt.Errorf("failed to assemble archive: %w", err)
	}

	var succeeded int
	for _, result := range results {
		if result.Success {
			succeeded++
		}
	}
	e.reporter.ReportFinal(100, "Archive ready", len(results), len(results))
	e.logger.Donef("Archived %d of %d files to %s", succeeded, len(results), params.ArchivePath)

	return &RunResult{
		SessionID:   params.SessionID,
		ArchivePath: params.ArchivePath,
		Results:     results,
	}, nil
}

// fetchAll runs the items in serial chunks of parallel fetches, mirroring
// the upload side's sizing policy, and scales progress into [0,90].
func (e *Engine) fetchAll(ctx context.Context, items []Item, tempDir string, localPaths []string) []FileResult {
	sizes := make([]int64, len(items))
	for i, item := range items {
		sizes[i] = item.SizeBytes
	}
	concurrency := upload.ConcurrencyFor(sizes)
	e.logger.Debugf("Fetching %d items, concurrency %d", len(items), concurrency)

	results := make([]FileResult, len(items))
	completed := 0
	total := len(items)

	for chunkStart := 0; chunkStart < total; chunkStart += concurrency {
		if e.token.Cancelled() {
			for i := chunkStart; i < total; i++ {
				results[i] = FileResult{FileName: items[i].FileName, Error: "cancelled"}
			}
			return results
		}

		chunkEnd := chunkStart + concurrency
		if chunkEnd > total {
			chunkEnd = total
		}

		type indexed struct {
			index  int
			result FileResult
		}
		resultChan := make(chan indexed, chunkEnd-chunkStart)
		for i := chunkStart; i < chunkEnd; i++ {
			go func(index int) {
				item := items[index]
				dest := filepath.Join(tempDir, fmt.Sprintf("item-%06d", index))
				localPaths[index] = dest

				result := FileResult{FileName: item.FileName}
				if err := e.fetch(ctx, item.URL, dest); err != nil {
					result.Error = err.Error()
					e.logger.Warnf("Failed to fetch %s: %s", item.FileName, err)
				} else {
					result.Success = true
				}
				resultChan <- indexed{index: index, result: result}
			}(i)
		}
		for n := chunkStart; n < chunkEnd; n++ {
			ir := <-resultChan
			results[ir.index] = ir.result
		}

		completed += chunkEnd - chunkStart
		percent := float64(completed) / float64(total) * fetchPhaseMaxPercent
		e.reporter.Report(percent, fmt.Sprintf("Fetched %d of %d files", completed, total), completed, total)

		if chunkEnd < total && !e.token.Cancelled() {
			e.yield()
		}
	}

	return results
}

func gotFetcher(client *http.Client) func(ctx context.Context, url, dest string) error {
	return func(ctx context.Context, url, dest string) error {
		downloader := got.New()
		downloader.Client = client
		return downloader.Do(got.NewDownload(ctx, url, dest))
	}
}
