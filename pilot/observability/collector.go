// Package observability carries the daemon's prometheus metric vars and
// an in-memory collector for the dashboard's stats panel. The collector
// keeps what prometheus cannot serve to a browser cheaply: derived rates
// and a small rolling sample window.
package observability

import (
	"sync"
	"time"

	"github.com/itskum47/wordpilot/pilot/mail"
	"github.com/itskum47/wordpilot/pilot/state"
)

// sampleWindow is the number of processing-time samples retained.
const sampleWindow = 100

// Snapshot is the collector's JSON form, served to the dashboard.
type Snapshot struct {
	TasksReceived  int64 `json:"tasksReceived"`
	TasksAccepted  int64 `json:"tasksAccepted"`
	TasksRejected  int64 `json:"tasksRejected"`
	TasksCompleted int64 `json:"tasksCompleted"`
	TasksFailed    int64 `json:"tasksFailed"`

	RejectionCodes map[string]int64 `json:"rejectionCodes"`

	// Rates are in [0,1]; zero denominators yield 0.
	AcceptanceRate float64 `json:"acceptanceRate"`
	SuccessRate    float64 `json:"successRate"`

	AvgProcessingMs int64 `json:"avgProcessingMs"`
	SampleCount     int   `json:"sampleCount"`

	// AvgMsPerKiloWord is the capacity learner's reading; zero when the
	// history is empty.
	AvgMsPerKiloWord int64 `json:"avgMsPerKiloWord"`

	BrowserPool state.BrowserPoolStatus `json:"browserPool"`
	IMAP        mail.ListenerStatus     `json:"imap"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// Collector accumulates counters and samples. Safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	received  int64
	accepted  int64
	rejected  int64
	completed int64
	failed    int64

	rejectionCodes map[string]int64

	samples []time.Duration
	next    int

	learnerMs int64

	pool state.BrowserPoolStatus
	imap mail.ListenerStatus
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		rejectionCodes: make(map[string]int64),
		samples:        make([]time.Duration, 0, sampleWindow),
	}
}

// TaskReceived records one incoming offer.
func (c *Collector) TaskReceived() {
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
	TasksReceived.Inc()
}

// TaskAccepted records one accepted offer.
func (c *Collector) TaskAccepted() {
	c.mu.Lock()
	c.accepted++
	c.mu.Unlock()
	TasksAccepted.Inc()
}

// TaskRejected records one rejection under its code.
func (c *Collector) TaskRejected(code string) {
	c.mu.Lock()
	c.rejected++
	c.rejectionCodes[code]++
	c.mu.Unlock()
	TasksRejected.WithLabelValues(code).Inc()
}

// TaskCompleted records a finished work unit and its processing time.
func (c *Collector) TaskCompleted(processing time.Duration) {
	c.mu.Lock()
	c.completed++
	c.addSampleLocked(processing)
	c.mu.Unlock()
	TasksCompleted.Inc()
	ProcessingDuration.Observe(processing.Seconds())
}

// TaskFailed records a failed work unit under its category.
func (c *Collector) TaskFailed(category string) {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
	TasksFailed.WithLabelValues(category).Inc()
}

// SetLearner stores the capacity learner's current reading.
func (c *Collector) SetLearner(msPerKiloWord int64) {
	c.mu.Lock()
	c.learnerMs = msPerKiloWord
	c.mu.Unlock()
}

// SetBrowserPool stores the latest pool health snapshot.
func (c *Collector) SetBrowserPool(s state.BrowserPoolStatus) {
	c.mu.Lock()
	c.pool = s
	c.mu.Unlock()
	BrowserSlots.WithLabelValues("available").Set(float64(s.Available))
	BrowserSlots.WithLabelValues("busy").Set(float64(s.Busy))
}

// SetIMAP stores the latest listener health snapshot.
func (c *Collector) SetIMAP(s mail.ListenerStatus) {
	c.mu.Lock()
	c.imap = s
	c.mu.Unlock()
}

// addSampleLocked writes into the fixed ring, overwriting the oldest
// sample once full.
func (c *Collector) addSampleLocked(d time.Duration) {
	if len(c.samples) < sampleWindow {
		c.samples = append(c.samples, d)
		return
	}
	c.samples[c.next] = d
	c.next = (c.next + 1) % sampleWindow
}

// GetSnapshot computes the derived rates and returns a copy.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		TasksReceived:    c.received,
		TasksAccepted:    c.accepted,
		TasksRejected:    c.rejected,
		TasksCompleted:   c.completed,
		TasksFailed:      c.failed,
		RejectionCodes:   make(map[string]int64, len(c.rejectionCodes)),
		AvgMsPerKiloWord: c.learnerMs,
		SampleCount:      len(c.samples),
		BrowserPool:      c.pool,
		IMAP:             c.imap,
		GeneratedAt:      time.Now(),
	}
	for code, n := range c.rejectionCodes {
		snap.RejectionCodes[code] = n
	}

	if decided := c.accepted + c.rejected; decided > 0 {
		snap.AcceptanceRate = float64(c.accepted) / float64(decided)
	}
	if finished := c.completed + c.failed; finished > 0 {
		snap.SuccessRate = float64(c.completed) / float64(finished)
	}
	if len(c.samples) > 0 {
		var sum time.Duration
		for _, d := range c.samples {
			sum += d
		}
		snap.AvgProcessingMs = (sum / time.Duration(len(c.samples))).Milliseconds()
	}
	return snap
}
