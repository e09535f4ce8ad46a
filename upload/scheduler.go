package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/deeparchival/transferkit/upload/network"
	"github.com/docker/go-units"
)

// uploadPhaseMaxPercent reserves [90,100] for a finalization phase (the
// sibling download engine assembles its archive there); file uploads scale
// into [0,90].
const uploadPhaseMaxPercent = 90.0

// interChunkYield is the cooperative pause between chunks so the engine
// never monopolizes the host between bursts of I/O.
const interChunkYield = 10 * time.Millisecond

// scheduler partitions a file collection into batches (one bulk destination
// call each) and batches into chunks (parallel upload tasks, serial chunks),
// bounding peak in-flight memory to one chunk's worth of file bytes.
type scheduler struct {
	destClient        network.DestinationClient
	tasks             *taskRunner
	reporter          *Reporter
	token             *CancelToken
	logger            log.Logger
	sessionID         string
	credentialPresent bool
	yield             func()
}

type indexedResult struct {
	index  int
	result Result
}

// run produces exactly one Result per file, in issue order.
func (s *scheduler) run(ctx context.Context, files []FileDescriptor, batchSize int) []Result {
	total := len(files)
	results := make([]Result, 0, total)
	completed := 0

	batchSize = normalizeBatchSize(batchSize)
	for batchStart := 0; batchStart < total; batchStart += batchSize {
		batchEnd := batchStart + batchSize
		if batchEnd > total {
			batchEnd = total
		}
		batch := files[batchStart:batchEnd]

		if s.token.Cancelled() {
			for _, file := range batch {
				results = append(results, cancelledResult(file))
			}
			completed += len(batch)
			continue
		}

		results = append(results, s.runBatch(ctx, batch, total, &completed)...)
	}

	return results
}

func (s *scheduler) runBatch(ctx context.Context, batch []FileDescriptor, totalRun int, completed *int) []Result {
	if !s.credentialPresent {
		s.logger.Errorf("No credential present, failing batch of %d files", len(batch))
		*completed += len(batch)
		return batchFailure(batch, "missing credential")
	}

	params := make([]network.FileParam, len(batch))
	sizes := make([]int64, len(batch))
	var batchBytes int64
	for i, file := range batch {
		params[i] = network.FileParam{
			Filename:     file.Name,
			FileType:     file.MIMEType,
			FileSize:     file.SizeBytes,
			RelativePath: file.RelativePath,
		}
		sizes[i] = file.SizeBytes
		batchBytes += file.SizeBytes
	}

	destinations, err := s.destClient.RequestDestinations(ctx, params, s.sessionID)
	if err != nil {
		// Request-level rejection is not retried here; only per-file
		// connectivity loss goes through the durable queue.
		s.logger.Errorf("Destination request failed for batch of %d files: %s", len(batch), err)
		*completed += len(batch)
		return batchFailure(batch, fmt.Sprintf("destination request failed: %s", err))
	}

	concurrency := ConcurrencyFor(sizes)
	s.logger.Debugf("Batch of %d files (%s), concurrency %d", len(batch), units.HumanSize(float64(batchBytes)), concurrency)

	results := make([]Result, len(batch))
	for chunkStart := 0; chunkStart < len(batch); chunkStart += concurrency {
		if s.token.Cancelled() {
			for i := chunkStart; i < len(batch); i++ {
				results[i] = cancelledResult(batch[i])
			}
			*completed += len(batch) - chunkStart
			return results
		}

		chunkEnd := chunkStart + concurrency
		if chunkEnd > len(batch) {
			chunkEnd = len(batch)
		}

		s.runChunk(ctx, batch, destinations, results, chunkStart, chunkEnd, *completed, totalRun)

		*completed += chunkEnd - chunkStart
		percent := float64(*completed) / float64(totalRun) * uploadPhaseMaxPercent
		s.reporter.Report(percent, fmt.Sprintf("Uploaded %d of %d files", *completed, totalRun), *completed, totalRun)

		if chunkEnd < len(batch) && !s.token.Cancelled() {
			s.yield()
		}
	}

	s.completeBatch(ctx, results)
	return results
}

// runChunk launches every mapped task of the chunk in parallel and collects
// results into their issue-order slots, regardless of completion order.
func (s *scheduler) runChunk(ctx context.Context, batch []FileDescriptor, destinations []network.SignedDestination, results []Result, start, end, completed, totalRun int) {
	resultChan := make(chan indexedResult, end-start)

	launched := 0
	for i := start; i < end; i++ {
		if i >= len(destinations) {
			// Partial bulk failure: never index past the destination
			// list, and never skip a file silently.
			results[i] = failedResult(batch[i], "no signed destination issued")
			continue
		}

		go func(index int) {
			result := s.tasks.upload(ctx, batch[index], destinations[index], completed, totalRun)
			resultChan <- indexedResult{index: index, result: result}
		}(i)
		launched++
	}

	for n := 0; n < launched; n++ {
		ir := <-resultChan
		results[ir.index] = ir.result
	}
}

// completeBatch tells the coordinator which media records finished, so it
// can reconcile server-side state without polling the bucket. Failures are
// logged only: records also flip when the retry queue replays.
func (s *scheduler) completeBatch(ctx context.Context, results []Result) {
	var mediaRecordIDs []int64
	for _, result := range results {
		if result.Success && result.MediaRecordID != 0 {
			mediaRecordIDs = append(mediaRecordIDs, result.MediaRecordID)
		}
	}
	if len(mediaRecordIDs) == 0 {
		return
	}

	if err := s.destClient.CompleteBatch(ctx, mediaRecordIDs, s.sessionID); err != nil {
		s.logger.Warnf("failed to mark %d uploads complete: %s", len(mediaRecordIDs), err)
	}
}

func batchFailure(batch []FileDescriptor, reason string) []Result {
	results := make([]Result, len(batch))
	for i, file := range batch {
		results[i] = failedResult(file, reason)
	}
	return results
}
