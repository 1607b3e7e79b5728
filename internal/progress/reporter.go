package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Options configures the progress reporter.
type Options struct {
	// TotalProducts is the number of products that need a download.
	TotalProducts int

	// Accounts is the number of accounts in the pool (for display).
	Accounts int

	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration

	// Disabled suppresses all output while still counting.
	Disabled bool
}

// Reporter outputs human-readable progress information.
type Reporter struct {
	opts Options

	mu             sync.Mutex
	completedBytes atomic.Int64
	completed      atomic.Int32
	failed         atomic.Int32
	inProgress     atomic.Int32
	startTime      time.Time
	lastUpdate     time.Time
	lastBytes      int64
	stopCh         chan struct{}
	doneCh         chan struct{}
	started        bool
	stopped        bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.startTime = time.Now()
	r.lastUpdate = r.startTime

	if r.opts.Disabled {
		close(r.doneCh)
		return
	}

	fmt.Fprintf(r.opts.Output, "[cdsdl] Products to download: %d | Accounts: %d\n",
		r.opts.TotalProducts,
		r.opts.Accounts,
	)

	go r.updateLoop()
}

// Stop stops the progress reporter and waits for the final status line.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// ProductStarted marks a product as in progress.
func (r *Reporter) ProductStarted() {
	r.inProgress.Add(1)
}

// BytesWritten records bytes written to a staging file.
func (r *Reporter) BytesWritten(n int64) {
	r.completedBytes.Add(n)
}

// ProductCompleted marks a product as downloaded.
func (r *Reporter) ProductCompleted() {
	r.completed.Add(1)
	r.inProgress.Add(-1)
}

// ProductFailed marks a product attempt as failed (removes from in-progress).
func (r *Reporter) ProductFailed() {
	r.failed.Add(1)
	r.inProgress.Add(-1)
}

// Snapshot is a point-in-time copy of the reporter counters.
type Snapshot struct {
	Completed  int
	Failed     int
	InProgress int
	Bytes      int64
}

// Snapshot returns the current counters.
func (r *Reporter) Snapshot() Snapshot {
	return Snapshot{
		Completed:  int(r.completed.Load()),
		Failed:     int(r.failed.Load()),
		InProgress: int(r.inProgress.Load()),
		Bytes:      r.completedBytes.Load(),
	}
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	now := time.Now()
	bytes := r.completedBytes.Load()
	completed := int(r.completed.Load())
	failed := int(r.failed.Load())
	inProgress := int(r.inProgress.Load())

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(bytes-r.lastBytes) / elapsed

	r.lastUpdate = now
	r.lastBytes = bytes

	var percent float64
	if r.opts.TotalProducts > 0 {
		percent = float64(completed) / float64(r.opts.TotalProducts) * 100
	}

	fmt.Fprintf(r.opts.Output, "\r[cdsdl] Progress: %.1f%% | %d done | %d failed | %d in-progress | %s | Speed: %s/s    ",
		percent,
		completed,
		failed,
		inProgress,
		FormatBytes(bytes),
		FormatBytes(int64(speed)),
	)
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	bytes := r.completedBytes.Load()
	duration := time.Since(r.startTime)
	avgSpeed := float64(bytes) / duration.Seconds()

	fmt.Fprintf(r.opts.Output, "\r[cdsdl] Products: %d done | %d failed | %s transferred    \n",
		r.completed.Load(),
		r.failed.Load(),
		FormatBytes(bytes),
	)
	fmt.Fprintf(r.opts.Output, "[cdsdl] Total time: %s | Average speed: %s/s\n",
		FormatDuration(duration),
		FormatBytes(int64(avgSpeed)),
	)
}

// FormatDuration formats a duration as a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes formats bytes as a human-readable IEC string (e.g. "1.5 KiB").
func FormatBytes(b int64) string {
	if b < 0 {
		b = 0
	}
	return humanize.IBytes(uint64(b))
}

// ParseBytes parses a human-readable byte string. Both IEC ("256MiB") and
// SI ("256MB") suffixes are accepted.
func ParseBytes(s string) (int64, error) {
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string %q: %w", s, err)
	}
	return int64(v), nil
}
