package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/deeparchival/transferkit/retryqueue"
	"github.com/deeparchival/transferkit/upload/network"
)

const errCancelled = "cancelled"

// FileOpener yields a file's content stream. Client-side encryption, if
// enabled, is applied upstream; tasks treat content as opaque bytes.
type FileOpener func(file FileDescriptor) (io.ReadCloser, error)

func defaultOpener(file FileDescriptor) (io.ReadCloser, error) {
	return os.Open(file.LocalPath)
}

// taskRunner uploads single files to their signed destinations. One instance
// is shared by all concurrent tasks of a run; the cancel token and the
// reporter are its only cross-task state.
type taskRunner struct {
	uploader network.FileUploader
	queue    retryqueue.Enqueuer
	reporter *Reporter
	token    *CancelToken
	opener   FileOpener
	logger   log.Logger
}

// upload moves one file and always produces exactly one Result. The cancel
// token is observed before starting, after the body is prepared, and after
// the network call completes; a started upload that obtained a response
// reports its real outcome even if cancellation arrived meanwhile.
func (t *taskRunner) upload(ctx context.Context, file FileDescriptor, dest network.SignedDestination, completed, total int) Result {
	if t.token.Cancelled() {
		return cancelledResult(file)
	}

	// Projected slot signal: the transport exposes no mid-transfer
	// progress, so the task announces itself before the request.
	t.reporter.ReportMessage(fmt.Sprintf("Uploading %s", file.Name), completed, total)

	content, err := t.opener(file)
	if err != nil {
		return failedResult(file, fmt.Sprintf("open file: %s", err))
	}

	body, buildErr := network.BuildMultipartBody(dest, file.Name, content)
	if closeErr := content.Close(); closeErr != nil {
		t.logger.Warnf("failed to close %s: %s", file.Name, closeErr)
	}
	if buildErr != nil {
		return failedResult(file, fmt.Sprintf("build request body: %s", buildErr))
	}

	if t.token.Cancelled() {
		return cancelledResult(file)
	}

	start := time.Now()
	uploadErr := t.uploader.Upload(ctx, dest.URL, body)
	if uploadErr != nil {
		return t.failureResult(file, dest, body, uploadErr)
	}

	elapsed := time.Since(start)
	result := Result{
		FileName:       file.Name,
		RelativePath:   file.RelativePath,
		Success:        true,
		SizeBytes:      file.SizeBytes,
		ElapsedSeconds: elapsed.Seconds(),
		MediaRecordID:  dest.MediaRecordID,
		StorageKey:     dest.StorageKey,
	}
	if elapsed > 0 {
		result.ThroughputMBps = float64(file.SizeBytes) / bytesPerMB / elapsed.Seconds()
	}

	t.logger.Debugf("Uploaded %s in %s (%.2f MB/s)", file.Name, elapsed.Round(time.Millisecond), result.ThroughputMBps)
	return result
}

func (t *taskRunner) failureResult(file FileDescriptor, dest network.SignedDestination, body network.MultipartBody, uploadErr error) Result {
	var terr *network.TransportError
	if !errors.As(uploadErr, &terr) {
		return failedResult(file, uploadErr.Error())
	}

	if terr.Kind == network.KindCancelled || t.token.Cancelled() {
		return cancelledResult(file)
	}

	if terr.Kind == network.KindConnectivity {
		// Recoverable: snapshot the request for offline replay.
		enqueueErr := t.queue.Enqueue(retryqueue.Request{
			URL:         dest.URL,
			Method:      http.MethodPost,
			ContentType: body.ContentType,
			Body:        body.Data,
		})
		if enqueueErr != nil {
			t.logger.Errorf("failed to queue %s for retry: %s", file.Name, enqueueErr)
			return failedResult(file, fmt.Sprintf("%s (retry queue unavailable: %s)", terr, enqueueErr))
		}
		t.logger.Warnf("Connection lost while uploading %s, queued for retry", file.Name)
	}

	return failedResult(file, terr.Error())
}

func failedResult(file FileDescriptor, reason string) Result {
	return Result{
		FileName:     file.Name,
		RelativePath: file.RelativePath,
		SizeBytes:    file.SizeBytes,
		Error:        reason,
	}
}

func cancelledResult(file FileDescriptor) Result {
	return failedResult(file, errCancelled)
}
