package upload

// DefaultConcurrency is the worker count for a batch with no size profile.
const DefaultConcurrency = 12

// DefaultBatchSize is the number of files covered by one bulk destination
// request. The coordinator rejects batches above 1500.
const DefaultBatchSize = 1000

const maxBatchSize = 1500

const bytesPerMB = 1024 * 1024

// ConcurrencyFor maps a batch's file-size profile to a parallel worker
// count. Concurrency times average file size stays roughly constant
// (~120 MB resident), so many-small-file workloads get wide parallelism
// while large files are throttled to bound peak memory.
//
//	avg < 5 MB   -> 24
//	avg < 20 MB  -> 16
//	avg < 50 MB  -> 12
//	avg >= 50 MB -> 6
func ConcurrencyFor(fileSizes []int64) int {
	if len(fileSizes) == 0 {
		return DefaultConcurrency
	}

	var total int64
	for _, size := range fileSizes {
		total += size
	}
	avgMB := float64(total) / float64(len(fileSizes)) / bytesPerMB

	switch {
	case avgMB < 5:
		return 24
	case avgMB < 20:
		return 16
	case avgMB < 50:
		return 12
	default:
		return 6
	}
}

func normalizeBatchSize(batchSize int) int {
	if batchSize <= 0 {
		return DefaultBatchSize
	}
	if batchSize > maxBatchSize {
		return maxBatchSize
	}
	return batchSize
}
