package upload

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/deeparchival/transferkit/upload/network"
)

// S3Target selects the direct-to-bucket path for users who bring their own
// bucket instead of going through signed destinations.
type S3Target struct {
	Region          string
	Bucket          string
	AccessKeyID     Secret
	SecretAccessKey Secret
	KeyPrefix       string
}

// RunDirectUpload moves files straight into the target bucket, bypassing
// destination issuance. Chunking, concurrency and cancellation semantics
// match RunUpload; there is no durable retry queue on this path because the
// S3 client retries internally.
func (u *uploader) RunDirectUpload(ctx context.Context, input UploadInput, target S3Target) (*RunResult, error) {
	u.token.Reset()

	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = "direct"
	}
	u.reporter.Reset(sessionID)

	service, err := network.NewS3UploadService(ctx, target.Region, target.Bucket, string(target.AccessKeyID), string(target.SecretAccessKey), u.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inputs: %w", err)
	}

	total := len(input.Files)
	results := make([]Result, total)
	start := time.Now()

	sizes := make([]int64, total)
	for i, file := range input.Files {
		sizes[i] = file.SizeBytes
	}
	concurrency := ConcurrencyFor(sizes)

	completed := 0
	for chunkStart := 0; chunkStart < total; chunkStart += concurrency {
		chunkEnd := chunkStart + concurrency
		if chunkEnd > total {
			chunkEnd = total
		}

		if u.token.Cancelled() {
			for i := chunkStart; i < total; i++ {
				results[i] = cancelledResult(input.Files[i])
			}
			break
		}

		resultChan := make(chan indexedResult, chunkEnd-chunkStart)
		for i := chunkStart; i < chunkEnd; i++ {
			go func(index int) {
				resultChan <- indexedResult{
					index:  index,
					result: u.directUploadOne(ctx, service, input.Files[index], target.KeyPrefix),
				}
			}(i)
		}
		for n := 0; n < chunkEnd-chunkStart; n++ {
			ir := <-resultChan
			results[ir.index] = ir.result
		}

		completed += chunkEnd - chunkStart
		percent := float64(completed) / float64(total) * uploadPhaseMaxPercent
		u.reporter.Report(percent, fmt.Sprintf("Uploaded %d of %d files", completed, total), completed, total)

		if chunkEnd < total && !u.token.Cancelled() {
			u.yield()
		}
	}

	stats := computeBatchStats(results, time.Since(start))
	cancelled := u.token.Cancelled()
	if !cancelled {
		u.reporter.ReportFinal(100, "Upload complete", total, total)
	}

	return &RunResult{
		SessionID: sessionID,
		Results:   results,
		Stats:     stats,
		Cancelled: cancelled,
	}, nil
}

func (u *uploader) directUploadOne(ctx context.Context, service *network.S3UploadService, file FileDescriptor, keyPrefix string) Result {
	if u.token.Cancelled() {
		return cancelledResult(file)
	}

	storageKey := file.RelativePath
	if storageKey == "" {
		storageKey = file.Name
	}
	storageKey = path.Join(keyPrefix, storageKey)

	start := time.Now()
	err := service.UploadToS3(ctx, network.S3UploadParams{
		LocalPath:   file.LocalPath,
		StorageKey:  storageKey,
		ContentType: file.MIMEType,
		SizeBytes:   file.SizeBytes,
	})
	if err != nil {
		return failedResult(file, err.Error())
	}

	elapsed := time.Since(start)
	result := Result{
		FileName:       file.Name,
		RelativePath:   file.RelativePath,
		Success:        true,
		SizeBytes:      file.SizeBytes,
		ElapsedSeconds: elapsed.Seconds(),
		StorageKey:     storageKey,
	}
	if elapsed > 0 {
		result.ThroughputMBps = float64(file.SizeBytes) / bytesPerMB / elapsed.Seconds()
	}
	return result
}
