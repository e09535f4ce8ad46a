package upload

import "sync/atomic"

// CancelToken is the run-scoped cooperative cancellation signal. It is
// shared by reference with every task of one orchestrated run and observed
// at defined checkpoints; in-flight network calls are not aborted.
type CancelToken struct {
	cancelled int32
}

// NewCancelToken ...
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Reset clears the flag at the start of a new run so stale cancellation
// from a previous run never leaks forward.
func (t *CancelToken) Reset() {
	atomic.StoreInt32(&t.cancelled, 0)
}

// Cancel sets the flag. Safe from any goroutine, idempotent.
func (t *CancelToken) Cancel() {
	atomic.StoreInt32(&t.cancelled, 1)
}

// Cancelled ...
func (t *CancelToken) Cancelled() bool {
	return atomic.LoadInt32(&t.cancelled) == 1
}
