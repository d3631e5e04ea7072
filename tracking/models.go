package tracking

import "time"

// Status holds the three monotonic progress counters for one named import job.
// ProcessedMax never exceeds EnqueuedMax; SourceMax is informational (the
// highest change id the upstream reported) and may lag behind reality.
type Status struct {
	JobName      string
	SourceMax    *uint64
	EnqueuedMax  uint64
	ProcessedMax uint64
	UpdatedAt    time.Time
}

// QueueStatus carries the counters advanced by the enqueueing side.
type QueueStatus struct {
	EnqueuedMax uint64
	SourceMax   *uint64
}
