package upload

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type sessionTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newSessionTracker(sessionID string, envRepo env.Repository, logger log.Logger) sessionTracker {
	p := analytics.Properties{
		"session_id": sessionID,
		"client":     envRepo.Get("ARCHIVAL_CLIENT_NAME"),
		"plan":       envRepo.Get("ARCHIVAL_PLAN_TIER"),
	}
	return sessionTracker{
		tracker: analytics.NewDefaultTracker(logger, p),
		logger:  logger,
	}
}

func (t *sessionTracker) logSessionFinished(stats BatchStats, cancelled bool) {
	properties := analytics.Properties{
		"total_files":    stats.TotalFiles,
		"success_count":  stats.SuccessCount,
		"fail_count":     stats.FailCount,
		"total_size_mb":  stats.TotalSizeMB,
		"total_time_s":   stats.TotalTimeSec,
		"avg_speed_mbps": stats.AvgSpeedMBps,
		"cancelled":      cancelled,
	}
	t.tracker.Enqueue("upload_session_finished", properties)
}

func (t *sessionTracker) wait() {
	t.tracker.Wait()
}
