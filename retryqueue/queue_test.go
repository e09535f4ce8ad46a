package retryqueue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	queue, err := New(t.TempDir(), nil, log.NewLogger())
	require.NoError(t, err)
	return queue
}

func TestQueue_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	logger := log.NewLogger()

	queue, err := New(dir, nil, logger)
	require.NoError(t, err)
	require.NoError(t, queue.Enqueue(Request{
		URL:         "https://bucket.example.com",
		Method:      http.MethodPost,
		Headers:     map[string]string{"X-Session": "s1"},
		ContentType: "multipart/form-data; boundary=x",
		Body:        []byte("snapshot"),
	}))

	// Simulate a process restart.
	reopened, err := New(dir, nil, logger)
	require.NoError(t, err)

	pending, err := reopened.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	entries, err := reopened.store.load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, SchemaVersion, entries[0].SchemaVersion)
	assert.NotEmpty(t, entries[0].ID)

	body, err := decompressBody(entries[0].Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot"), body)
}

func TestQueue_ReplaySuccessDestroysEntry(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	queue := newTestQueue(t)
	require.NoError(t, queue.Enqueue(Request{
		URL:         server.URL,
		Method:      http.MethodPost,
		ContentType: "multipart/form-data; boundary=x",
		Body:        []byte("payload"),
	}))

	var events []ReplayEvent
	queue.SetListener(func(e ReplayEvent) { events = append(events, e) })

	stats, err := queue.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{Attempted: 1, Succeeded: 1}, stats)
	assert.Equal(t, []byte("payload"), gotBody)
	assert.Equal(t, "multipart/form-data; boundary=x", gotContentType)

	pending, err := queue.Len()
	require.NoError(t, err)
	assert.Zero(t, pending)

	require.Len(t, events, 1)
	assert.True(t, events[0].Succeeded)

	// A subsequent pass must not see the destroyed entry.
	stats, err = queue.Replay(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Attempted)
}

func TestQueue_SucceedsOnSecondReplay(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	queue := newTestQueue(t)
	require.NoError(t, queue.Enqueue(Request{URL: server.URL, Method: http.MethodPost, Body: []byte("x")}))

	stats, err := queue.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Requeued)

	stats, err = queue.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)

	pending, err := queue.Len()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestQueue_AbandonsAfterThreeFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	queue := newTestQueue(t)
	require.NoError(t, queue.Enqueue(Request{URL: server.URL, Method: http.MethodPost, Body: []byte("x")}))

	var abandoned int
	queue.SetListener(func(e ReplayEvent) {
		if e.Abandoned {
			abandoned++
		}
	})

	for i := 0; i < 5; i++ {
		_, err := queue.Replay(context.Background())
		require.NoError(t, err)
	}

	// Exactly 3 attempts, then destroyed; never replayed a 4th time.
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, abandoned)

	pending, err := queue.Len()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestQueue_StatusReplaysOpportunistically(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	queue := newTestQueue(t)
	require.NoError(t, queue.Enqueue(Request{URL: server.URL, Method: http.MethodPost, Body: []byte("x")}))

	pending, err := queue.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestQueue_ReplayWhenOnline(t *testing.T) {
	var online atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	queue := newTestQueue(t)
	require.NoError(t, queue.Enqueue(Request{URL: server.URL, Method: http.MethodPost, Body: []byte("x")}))

	online.Store(true)
	probe := func(ctx context.Context) bool { return online.Load() }

	err := queue.ReplayWhenOnline(context.Background(), probe)
	require.NoError(t, err)

	pending, err := queue.Len()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestHTTPProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	probe := HTTPProbe(server.URL, nil)
	assert.True(t, probe(context.Background()))

	server.Close()
	assert.False(t, probe(context.Background()))
}
