package upload

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/deeparchival/transferkit/retryqueue"
	"github.com/deeparchival/transferkit/upload/network"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	}
	return ""
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

// fakeDestClient mints one destination per requested file, optionally
// short-changing the last `short` files to simulate partial bulk failure.
type fakeDestClient struct {
	mu            sync.Mutex
	err           error
	short         int
	calls         [][]network.FileParam
	completeCalls [][]int64
}

func (c *fakeDestClient) RequestDestinations(ctx context.Context, files []network.FileParam, batchID string) ([]network.SignedDestination, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, files)

	if c.err != nil {
		return nil, c.err
	}

	count := len(files) - c.short
	if count < 0 {
		count = 0
	}
	destinations := make([]network.SignedDestination, count)
	for i := 0; i < count; i++ {
		destinations[i] = network.SignedDestination{
			FileName:      files[i].Filename,
			URL:           "https://bucket.test/upload",
			Fields:        network.FormFields{{Key: "key", Value: "uploads/" + files[i].Filename}},
			MediaRecordID: int64(i + 1),
			StorageKey:    "uploads/" + files[i].Filename,
		}
	}
	return destinations, nil
}

func (c *fakeDestClient) CompleteBatch(ctx context.Context, mediaRecordIDs []int64, batchID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeCalls = append(c.completeCalls, mediaRecordIDs)
	return nil
}

// fakeFileUploader records uploads and fails them with `err` when set.
// onUpload, when set, runs after each recorded upload.
type fakeFileUploader struct {
	mu       sync.Mutex
	err      error
	uploads  int
	bodies   []network.MultipartBody
	onUpload func(count int)
}

func (f *fakeFileUploader) Upload(ctx context.Context, url string, body network.MultipartBody) error {
	f.mu.Lock()
	f.uploads++
	count := f.uploads
	f.bodies = append(f.bodies, body)
	err := f.err
	hook := f.onUpload
	f.mu.Unlock()

	if hook != nil {
		hook(count)
	}
	return err
}

func (f *fakeFileUploader) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

type fakeQueue struct {
	mu       sync.Mutex
	err      error
	requests []retryqueue.Request
}

func (q *fakeQueue) Enqueue(req retryqueue.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.requests = append(q.requests, req)
	return nil
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

func fakeOpener(file FileDescriptor) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("file-content")), nil
}

func descriptors(count int, sizeBytes int64) []FileDescriptor {
	files := make([]FileDescriptor, count)
	for i := range files {
		files[i] = FileDescriptor{
			Name:      fmt.Sprintf("file-%04d.bin", i),
			SizeBytes: sizeBytes,
			MIMEType:  "application/octet-stream",
		}
	}
	return files
}
