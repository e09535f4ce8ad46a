package upload

import (
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// ProgressEvent is a transient snapshot of run progress. Consumers must not
// assume one event per file; emission is throttled.
type ProgressEvent struct {
	Percent        float64
	Message        string
	CompletedFiles int
	TotalFiles     int
	SessionID      string
	Cancelled      bool
	Final          bool
}

const progressDeltaThreshold = 1.0
const progressTimeThreshold = 100 * time.Millisecond
const progressEventBuffer = 64

// Reporter emits rate-limited, monotonic progress events on a bounded
// channel. Percent never regresses within one run; an event is suppressed
// unless the percent delta reaches 1 point or 100ms have passed since the
// last emission. Sends never block an upload task: when the consumer lags,
// intermediate events are dropped.
type Reporter struct {
	mu            sync.Mutex
	events        chan ProgressEvent
	logger        log.Logger
	sessionID     string
	lastSent      float64
	lastTime      time.Time
	lastCompleted int
	lastTotal     int
}

// NewReporter ...
func NewReporter(logger log.Logger) *Reporter {
	return &Reporter{
		events:   make(chan ProgressEvent, progressEventBuffer),
		logger:   logger,
		lastSent: -1,
	}
}

// Events is the stream consumed by the caller's UI.
func (r *Reporter) Events() <-chan ProgressEvent {
	return r.events
}

// Reset clears throttle state at the start of a new orchestrated run.
func (r *Reporter) Reset(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = sessionID
	r.lastSent = -1
	r.lastTime = time.Time{}
	r.lastCompleted = 0
	r.lastTotal = 0
}

// Report emits a throttled progress event.
func (r *Reporter) Report(percent float64, message string, completed, total int) {
	r.emit(percent, message, completed, total, false, false)
}

// ReportMessage emits a message-only event at the current percent. Used by
// tasks for their projected slot signal; throttled by time only.
func (r *Reporter) ReportMessage(message string, completed, total int) {
	r.mu.Lock()
	percent := r.lastSent
	r.mu.Unlock()
	if percent < 0 {
		percent = 0
	}
	r.emit(percent, message, completed, total, false, false)
}

// ReportFinal emits a terminal event, bypassing the throttle.
func (r *Reporter) ReportFinal(percent float64, message string, completed, total int) {
	r.emit(percent, message, completed, total, true, false)
}

// ReportCancelled emits the terminal cancelled event immediately, carrying
// the counters observed so far.
func (r *Reporter) ReportCancelled(message string) {
	r.mu.Lock()
	percent := r.lastSent
	completed := r.lastCompleted
	total := r.lastTotal
	r.mu.Unlock()
	if percent < 0 {
		percent = 0
	}
	r.emit(percent, message, completed, total, true, true)
}

func (r *Reporter) emit(percent float64, message string, completed, total int, final, cancelled bool) {
	r.mu.Lock()

	// Monotonicity: never report below what was already reported.
	if percent < r.lastSent {
		percent = r.lastSent
	}

	now := time.Now()
	if !final && percent-r.lastSent < progressDeltaThreshold && now.Sub(r.lastTime) < progressTimeThreshold {
		r.mu.Unlock()
		return
	}

	r.lastSent = percent
	r.lastTime = now
	r.lastCompleted = completed
	r.lastTotal = total
	event := ProgressEvent{
		Percent:        percent,
		Message:        message,
		CompletedFiles: completed,
		TotalFiles:     total,
		SessionID:      r.sessionID,
		Cancelled:      cancelled,
		Final:          final,
	}
	r.mu.Unlock()

	select {
	case r.events <- event:
	default:
		r.logger.Debugf("Progress consumer is lagging, dropping event at %.1f%%", percent)
	}
}
