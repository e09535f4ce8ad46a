package network

import (
	"context"
)

// DestinationClient mints signed destinations and confirms finished batches.
type DestinationClient interface {
	RequestDestinations(ctx context.Context, files []FileParam, batchID string) ([]SignedDestination, error)
	CompleteBatch(ctx context.Context, mediaRecordIDs []int64, batchID string) error
}
