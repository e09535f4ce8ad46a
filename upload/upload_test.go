package upload

import (
	"context"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUploader(dest *fakeDestClient, fileUploader *fakeFileUploader, queue *fakeQueue) *uploader {
	if queue == nil {
		queue = &fakeQueue{}
	}
	u := NewUploader(fakeEnvRepo{envVars: map[string]string{}}, log.NewLogger(), queue, dest, fileUploader)
	u.opener = fakeOpener
	u.yield = func() {}
	return u
}

func TestRunUpload_EndToEnd(t *testing.T) {
	dest := &fakeDestClient{}
	fileUploader := &fakeFileUploader{}
	u := newTestUploader(dest, fileUploader, nil)

	result, err := u.RunUpload(context.Background(), UploadInput{
		SessionID:  "batch-7",
		Files:      descriptors(30, bytesPerMB),
		Credential: "token",
	})

	require.NoError(t, err)
	assert.Equal(t, "batch-7", result.SessionID)
	assert.False(t, result.Cancelled)
	require.Len(t, result.Results, 30)
	assert.Equal(t, 30, result.Stats.SuccessCount)
	assert.Zero(t, result.Stats.FailCount)
	assert.Equal(t, 30, fileUploader.uploadCount())

	events := drainEvents(u.reporter)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Final)
	assert.Equal(t, 100.0, last.Percent)
	assert.Equal(t, "batch-7", last.SessionID)
}

func TestRunUpload_GeneratesSessionID(t *testing.T) {
	u := newTestUploader(&fakeDestClient{}, &fakeFileUploader{}, nil)

	result, err := u.RunUpload(context.Background(), UploadInput{
		Files:      descriptors(1, bytesPerMB),
		Credential: "token",
	})

	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionID)
}

func TestRunUpload_EmptyInput(t *testing.T) {
	u := newTestUploader(&fakeDestClient{}, &fakeFileUploader{}, nil)

	result, err := u.RunUpload(context.Background(), UploadInput{SessionID: "empty"})

	require.NoError(t, err)
	assert.Empty(t, result.Results)
	assert.False(t, result.Cancelled)

	events := drainEvents(u.reporter)
	require.Len(t, events, 1)
	assert.True(t, events[0].Final)
	assert.Equal(t, 100.0, events[0].Percent)
}

func TestRunUpload_MissingCredentialFailsFiles(t *testing.T) {
	dest := &fakeDestClient{}
	u := newTestUploader(dest, &fakeFileUploader{}, nil)

	result, err := u.RunUpload(context.Background(), UploadInput{
		SessionID: "no-cred",
		Files:     descriptors(5, bytesPerMB),
	})

	require.NoError(t, err, "per-file failures never fail the run")
	assert.Equal(t, 5, result.Stats.FailCount)
	assert.Empty(t, dest.calls)
}

func TestRunUpload_MissingBaseURL(t *testing.T) {
	queue := &fakeQueue{}
	u := NewUploader(fakeEnvRepo{envVars: map[string]string{}}, log.NewLogger(), queue, nil, &fakeFileUploader{})

	_, err := u.RunUpload(context.Background(), UploadInput{
		Files:      descriptors(1, bytesPerMB),
		Credential: "token",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse inputs")
	assert.Contains(t, err.Error(), "ARCHIVAL_API_BASE_URL")
}

func TestCancel_EmitsTerminalEventAndIsIdempotent(t *testing.T) {
	u := newTestUploader(&fakeDestClient{}, &fakeFileUploader{}, nil)
	u.reporter.Reset("s1")
	u.reporter.Report(30, "working", 3, 10)

	u.Cancel()
	u.Cancel()

	assert.True(t, u.token.Cancelled())
	events := drainEvents(u.reporter)
	require.NotEmpty(t, events)
	var cancelledEvents int
	for _, e := range events {
		if e.Cancelled {
			cancelledEvents++
			assert.True(t, e.Final)
			assert.Equal(t, 30.0, e.Percent)
		}
	}
	assert.Equal(t, 2, cancelledEvents)
}

func TestRunUpload_ResetsEarlierCancellation(t *testing.T) {
	u := newTestUploader(&fakeDestClient{}, &fakeFileUploader{}, nil)
	u.Cancel()

	result, err := u.RunUpload(context.Background(), UploadInput{
		SessionID:  "fresh",
		Files:      descriptors(3, bytesPerMB),
		Credential: "token",
	})

	require.NoError(t, err)
	assert.False(t, result.Cancelled)
	assert.Equal(t, 3, result.Stats.SuccessCount)
}

func TestSecretNeverPrints(t *testing.T) {
	s := Secret("super-secret-token")
	assert.Equal(t, "*****", s.String())

	marshalled, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(marshalled), "super-secret-token")
}
