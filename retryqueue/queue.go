package retryqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Enqueuer is the surface the upload engine needs: hand over a failed
// request and forget about it.
type Enqueuer interface {
	Enqueue(req Request) error
}

// ReplayStats summarizes one replay pass.
type ReplayStats struct {
	Attempted int
	Succeeded int
	Requeued  int
	Abandoned int
}

// ReplayEvent notifies listeners about the fate of one entry.
type ReplayEvent struct {
	Entry     Entry
	Succeeded bool
	Abandoned bool
	Err       error
}

// Queue is the durable offline retry queue. Entries survive process
// restarts; replay is triggered by a connectivity-restored signal, an
// explicit retry command, or opportunistically by a status query.
type Queue struct {
	store      *fileStore
	httpClient *http.Client
	logger     log.Logger
	listener   func(ReplayEvent)
}

// New opens (or creates) the queue persisted under dir. httpClient may be
// nil, in which case a client with a 120s timeout is used so replay attempts
// against a dead network fail instead of hanging.
func New(dir string, httpClient *http.Client, logger log.Logger) (*Queue, error) {
	store, err := newFileStore(dir)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Queue{
		store:      store,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// SetListener registers a callback invoked after every replayed entry.
func (q *Queue) SetListener(fn func(ReplayEvent)) {
	q.listener = fn
}

// Enqueue persists a failed upload request for later replay.
func (q *Queue) Enqueue(req Request) error {
	entry := Entry{
		ID:            uuid.NewString(),
		SchemaVersion: SchemaVersion,
		URL:           req.URL,
		Method:        req.Method,
		Headers:       req.Headers,
		ContentType:   req.ContentType,
		Body:          compressBody(req.Body),
		EnqueuedAt:    time.Now().UTC(),
	}

	err := q.store.update(func(entries []Entry) []Entry {
		return append(entries, entry)
	})
	if err != nil {
		return fmt.Errorf("persist retry entry: %w", err)
	}

	q.logger.Debugf("Queued upload for retry: %s %s", entry.Method, entry.URL)
	return nil
}

// Len returns the number of pending entries.
func (q *Queue) Len() (int, error) {
	entries, err := q.store.load()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Replay re-attempts every pending entry once. A successful entry is
// destroyed. A failed entry is put back with its retry count incremented,
// unless the count reaches the cap, in which case it is destroyed too.
func (q *Queue) Replay(ctx context.Context) (ReplayStats, error) {
	entries, err := q.store.load()
	if err != nil {
		return ReplayStats{}, err
	}

	var stats ReplayStats
	for _, entry := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		stats.Attempted++
		sendErr := q.send(ctx, entry)

		if sendErr == nil {
			if err := q.remove(entry.ID); err != nil {
				return stats, err
			}
			stats.Succeeded++
			q.logger.Donef("Replayed queued upload to %s", entry.URL)
			q.notify(ReplayEvent{Entry: entry, Succeeded: true})
			continue
		}

		entry.RetryCount++
		if entry.RetryCount >= maxRetryCount {
			if err := q.remove(entry.ID); err != nil {
				return stats, err
			}
			stats.Abandoned++
			q.logger.Warnf("Giving up on queued upload to %s after %d attempts: %s", entry.URL, entry.RetryCount, sendErr)
			q.notify(ReplayEvent{Entry: entry, Abandoned: true, Err: sendErr})
			continue
		}

		if err := q.setRetryCount(entry.ID, entry.RetryCount); err != nil {
			return stats, err
		}
		stats.Requeued++
		q.logger.Debugf("Replay of %s failed (attempt %d/%d): %s", entry.URL, entry.RetryCount, maxRetryCount, sendErr)
		q.notify(ReplayEvent{Entry: entry, Err: sendErr})
	}

	return stats, nil
}

// RetryNow is the caller-invoked explicit replay command.
func (q *Queue) RetryNow(ctx context.Context) (ReplayStats, error) {
	return q.Replay(ctx)
}

// Status reports the pending entry count, opportunistically replaying first
// so a status poll doubles as a retry trigger.
func (q *Queue) Status(ctx context.Context) (int, error) {
	pending, err := q.Len()
	if err != nil {
		return 0, err
	}
	if pending > 0 {
		if _, err := q.Replay(ctx); err != nil {
			return 0, err
		}
	}
	return q.Len()
}

// ConnectivityProbe reports whether the network is reachable.
type ConnectivityProbe func(ctx context.Context) bool

// ReplayWhenOnline waits for connectivity and replays until the queue is
// drained or ctx is cancelled. Passes that make no progress back off
// exponentially so a flapping network is not hammered.
func (q *Queue) ReplayWhenOnline(ctx context.Context, probe ConnectivityProbe) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if probe(ctx) {
			stats, err := q.Replay(ctx)
			if err != nil {
				return err
			}
			pending, err := q.Len()
			if err != nil {
				return err
			}
			if pending == 0 {
				return nil
			}
			if stats.Succeeded > 0 {
				b.Reset()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
	}
}

// HTTPProbe builds a probe that considers the network up when a HEAD request
// to url obtains any response at all.
func HTTPProbe(url string, client *http.Client) ConnectivityProbe {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}
}

func (q *Queue) send(ctx context.Context, entry Entry) error {
	body, err := decompressBody(entry.Body)
	if err != nil {
		return fmt.Errorf("decompress body snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, entry.Method, entry.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range entry.Headers {
		req.Header.Set(k, v)
	}
	if entry.ContentType != "" {
		req.Header.Set("Content-Type", entry.ContentType)
	}
	req.ContentLength = int64(len(body))

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			q.logger.Printf(err.Error())
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorBody[:n])
	}

	return nil
}

func (q *Queue) remove(id string) error {
	return q.store.update(func(entries []Entry) []Entry {
		kept := entries[:0]
		for _, e := range entries {
			if e.ID != id {
				kept = append(kept, e)
			}
		}
		return kept
	})
}

func (q *Queue) setRetryCount(id string, count int) error {
	return q.store.update(func(entries []Entry) []Entry {
		for i := range entries {
			if entries[i].ID == id {
				entries[i].RetryCount = count
			}
		}
		return entries
	})
}

func (q *Queue) notify(event ReplayEvent) {
	if q.listener != nil {
		q.listener(event)
	}
}
