// Package ingest defines the adapter contract: each platform adapter polls
// its source API, resolves tracks into the shared registry, and appends
// normalized signal envelopes to the store.
package ingest

import "context"

// Result summarizes one ingestion run for logging and operator visibility.
type Result struct {
	TracksProcessed  int
	SnapshotsCreated int
	Errors           int
}

// Add folds another result into this one.
func (r *Result) Add(other Result) {
	r.TracksProcessed += other.TracksProcessed
	r.SnapshotsCreated += other.SnapshotsCreated
	r.Errors += other.Errors
}

// Ingestor is one platform adapter. Ingest performs a full poll cycle and
// reports what it appended; partial failure is reported in Result.Errors
// rather than aborting the cycle.
type Ingestor interface {
	Name() string
	Ingest(ctx context.Context) (Result, error)
}
