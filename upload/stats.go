package upload

import (
	"time"
)

// BatchStats aggregates a completed run. Derived once, never mutated.
type BatchStats struct {
	TotalFiles   int
	SuccessCount int
	FailCount    int
	TotalSizeMB  float64
	TotalTimeSec float64
	AvgSpeedMBps float64
}

func computeBatchStats(results []Result, elapsed time.Duration) BatchStats {
	stats := BatchStats{
		TotalFiles:   len(results),
		TotalTimeSec: elapsed.Seconds(),
	}

	var uploadedBytes int64
	for _, result := range results {
		if result.Success {
			stats.SuccessCount++
			uploadedBytes += result.SizeBytes
		} else {
			stats.FailCount++
		}
	}

	stats.TotalSizeMB = float64(uploadedBytes) / bytesPerMB
	if stats.TotalTimeSec > 0 {
		stats.AvgSpeedMBps = stats.TotalSizeMB / stats.TotalTimeSec
	}

	return stats
}
