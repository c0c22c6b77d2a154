package reembed

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Progress is a point-in-time view of a running operation.
type Progress struct {
	Current int
	Total   int
	Elapsed time.Duration
	Rate    float64       // documents per second
	ETA     time.Duration // zero when unknown or done
}

// Percent returns completion as a percentage of Total.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total) * 100.0
}

// ProgressTracker tracks and reports progress of reembedding operations.
// It is safe for use by concurrent workers.
type ProgressTracker struct {
	writer         io.Writer
	total          int
	current        int
	reportInterval int
	lastReported   int
	startTime      time.Time
	started        bool
	mu             sync.Mutex
}

// NewProgressTracker creates a new progress tracker.
// writer: where to write progress output (typically os.Stderr)
// total: total number of documents to process
// reportInterval: report progress every N documents
func NewProgressTracker(writer io.Writer, total, reportInterval int) *ProgressTracker {
	if reportInterval < 1 {
		reportInterval = 1
	}
	return &ProgressTracker{
		writer:         writer,
		total:          total,
		reportInterval: reportInterval,
	}
}

// Start begins tracking progress.
func (p *ProgressTracker) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.startTime = time.Now()
	p.started = true
	p.current = 0
	p.lastReported = 0
}

// Update sets the current progress to the specified value.
func (p *ProgressTracker) Update(current int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return
	}
	p.advance(current)
}

// Increment increases the current progress by the specified amount.
func (p *ProgressTracker) Increment(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return
	}
	p.advance(p.current + delta)
}

// Finish marks the operation as complete and prints final progress.
func (p *ProgressTracker) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return
	}

	p.current = p.total
	p.report()
	fmt.Fprintln(p.writer)
}

// Elapsed returns the time elapsed since Start was called.
func (p *ProgressTracker) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return 0
	}
	return time.Since(p.startTime)
}

// Snapshot returns the current progress.
func (p *ProgressTracker) Snapshot() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot()
}

// advance caps current at total and reports when a report interval is crossed.
// Must be called with lock held.
func (p *ProgressTracker) advance(current int) {
	p.current = min(current, p.total)
	if p.current-p.lastReported >= p.reportInterval {
		p.report()
		p.lastReported = p.current
	}
}

// Must be called with lock held.
func (p *ProgressTracker) snapshot() Progress {
	s := Progress{Current: p.current, Total: p.total}
	if !p.started {
		return s
	}
	s.Elapsed = time.Since(p.startTime)
	if secs := s.Elapsed.Seconds(); secs > 0 {
		s.Rate = float64(p.current) / secs
	}
	if s.Rate > 0 && p.current < p.total {
		s.ETA = time.Duration(float64(p.total-p.current) / s.Rate * float64(time.Second))
	}
	return s
}

// report prints the current progress. Must be called with lock held.
func (p *ProgressTracker) report() {
	s := p.snapshot()
	line := fmt.Sprintf("\rProgress: %d/%d (%.1f%%) - %.1f documents/s", s.Current, s.Total, s.Percent(), s.Rate)
	if s.ETA > 0 {
		line += fmt.Sprintf(" - ETA %v", s.ETA.Round(time.Second))
	}
	fmt.Fprint(p.writer, line)
}
