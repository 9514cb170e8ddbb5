// internal/uploader/progress.go
package uploader

import (
	"sync"
	"sync/atomic"
	"time"
)

// Progress is a snapshot of a running transfer as seen by the client.
type Progress struct {
	Percentage       float64 `json:"percentage"`
	UploadedBytes    int64   `json:"uploadedBytes"`
	TotalBytes       int64   `json:"totalBytes"`
	Speed            float64 `json:"speed"`            // Bytes per second since start
	RemainingSeconds float64 `json:"remainingSeconds"` // Zero when speed is unknown
}

// progressTracker accumulates transfer counters across chunk senders.
// All fields are updated atomically; senders never block on it.
type progressTracker struct {
	totalBytes    int64
	uploadedBytes atomic.Int64
	inFlight      atomic.Int64
	maxInFlight   atomic.Int64

	mu      sync.Mutex
	started time.Time
}

func newProgressTracker(totalBytes int64) *progressTracker {
	return &progressTracker{
		totalBytes: totalBytes,
		started:    time.Now(),
	}
}

// addUploaded records bytes confirmed by the server.
func (t *progressTracker) addUploaded(n int64) {
	t.uploadedBytes.Add(n)
}

// chunkStarted notes a sender entering flight and tracks the high-water mark.
func (t *progressTracker) chunkStarted() {
	current := t.inFlight.Add(1)
	for {
		max := t.maxInFlight.Load()
		if current <= max || t.maxInFlight.CompareAndSwap(max, current) {
			return
		}
	}
}

// chunkFinished notes a sender leaving flight.
func (t *progressTracker) chunkFinished() {
	t.inFlight.Add(-1)
}

// snapshot produces the current Progress. Speed is averaged over the whole
// transfer; the remaining-time estimate is suppressed when speed is zero.
func (t *progressTracker) snapshot() Progress {
	uploaded := t.uploadedBytes.Load()

	t.mu.Lock()
	elapsed := time.Since(t.started).Seconds()
	t.mu.Unlock()

	p := Progress{
		UploadedBytes: uploaded,
		TotalBytes:    t.totalBytes,
	}
	if t.totalBytes > 0 {
		p.Percentage = float64(uploaded) / float64(t.totalBytes) * 100
	}
	if elapsed > 0 {
		p.Speed = float64(uploaded) / elapsed
	}
	if p.Speed > 0 {
		p.RemainingSeconds = float64(t.totalBytes-uploaded) / p.Speed
	}
	return p
}
