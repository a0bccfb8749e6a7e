// Package verify re-checks accepted tasks against the platform after a
// delay. Automation can fail silently: the accept flow reports success
// but the platform never records it. The verifier catches that case,
// rolls the reserved capacity back and pages the operators.
package verify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itskum47/wordpilot/pilot/allocator"
	"github.com/itskum47/wordpilot/pilot/browser"
	"github.com/itskum47/wordpilot/pilot/observability"
)

// MaxResults bounds the retained result ring.
const MaxResults = 50

// DefaultVerifyAfter is the delay between acceptance and the re-check.
const DefaultVerifyAfter = 5 * time.Minute

// Item is one scheduled verification.
type Item struct {
	OrderID     string
	URL         string
	Plan        allocator.Plan
	AmountWords int
	ScheduledAt time.Time
	VerifyAfter time.Duration
}

// Result is one verification outcome.
type Result struct {
	OrderID      string    `json:"orderId"`
	URL          string    `json:"url"`
	Verified     bool      `json:"verified"`
	ActualStatus string    `json:"actualStatus,omitempty"`
	Error        string    `json:"error,omitempty"`
	VerifiedAt   time.Time `json:"verifiedAt"`
}

// SessionPool is the slice of the browser pool the verifier needs.
type SessionPool interface {
	Acquire(timeout time.Duration) (browser.Session, error)
	Release(browser.Session)
}

// Prober reads the platform's status indicator for a task URL. The
// navigation and selectors live with the automation script, outside this
// package.
type Prober interface {
	ReadStatus(ctx context.Context, sess browser.Session, url string) (string, error)
}

// CapacityReleaser rolls back an allocation plan.
type CapacityReleaser interface {
	Release(allocator.Plan) error
}

// Notifier pages the operators.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Verifier runs verifications one at a time, in submission order. The
// single worker is deliberate: parallel probes against the platform risk
// throttling.
type Verifier struct {
	pool     SessionPool
	prober   Prober
	capacity CapacityReleaser
	notifier Notifier

	acquireTimeout time.Duration
	probeTimeout   time.Duration

	mu      sync.Mutex
	queue   []Item
	results []Result
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// New returns a started Verifier.
func New(pool SessionPool, prober Prober, capacity CapacityReleaser, notifier Notifier) *Verifier {
	v := &Verifier{
		pool:           pool,
		prober:         prober,
		capacity:       capacity,
		notifier:       notifier,
		acquireTimeout: 2 * time.Minute,
		probeTimeout:   90 * time.Second,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	go v.worker()
	return v
}

// Schedule enqueues a verification. Items dropped by Stop are gone; the
// queue is not persisted.
func (v *Verifier) Schedule(item Item) {
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = time.Now()
	}
	if item.VerifyAfter <= 0 {
		item.VerifyAfter = DefaultVerifyAfter
	}

	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	v.queue = append(v.queue, item)
	v.mu.Unlock()

	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// Stop clears the pending queue and prevents further iterations. An
// iteration that already reached the platform runs to completion.
func (v *Verifier) Stop() {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	v.stopped = true
	dropped := len(v.queue)
	v.queue = nil
	v.mu.Unlock()

	close(v.done)
	if dropped > 0 {
		log.WithField("dropped", dropped).Info("verifier stopped with pending items")
	}
}

// Results returns a copy of the retained ring, newest last.
func (v *Verifier) Results() []Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Result, len(v.results))
	copy(out, v.results)
	return out
}

// Pending returns the queued (not yet started) item count.
func (v *Verifier) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.queue)
}

func (v *Verifier) worker() {
	for {
		item, ok := v.next()
		if !ok {
			return
		}

		// Hold until the platform has had time to settle.
		due := item.ScheduledAt.Add(item.VerifyAfter)
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-v.done:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		v.verify(item)
	}
}

// next blocks until an item is available or the verifier stops.
func (v *Verifier) next() (Item, bool) {
	for {
		v.mu.Lock()
		if v.stopped {
			v.mu.Unlock()
			return Item{}, false
		}
		if len(v.queue) > 0 {
			item := v.queue[0]
			v.queue = v.queue[1:]
			v.mu.Unlock()
			return item, true
		}
		v.mu.Unlock()

		select {
		case <-v.done:
			return Item{}, false
		case <-v.wake:
		}
	}
}

// verifiedStatuses are the platform states that prove the acceptance
// actually registered. Matching is case-insensitive.
var verifiedStatuses = []string{"accepted", "in progress"}

func (v *Verifier) verify(item Item) {
	logger := log.WithField("orderId", item.OrderID)
	res := Result{OrderID: item.OrderID, URL: item.URL, VerifiedAt: time.Now()}

	sess, err := v.pool.Acquire(v.acquireTimeout)
	if err != nil {
		res.Error = fmt.Sprintf("acquire: %v", err)
		logger.WithError(err).Error("verification could not get a browser session")
		v.record(res)
		return
	}
	defer v.pool.Release(sess)

	ctx, cancel := context.WithTimeout(context.Background(), v.probeTimeout)
	defer cancel()
	status, err := v.prober.ReadStatus(ctx, sess, item.URL)
	if err != nil {
		res.Error = err.Error()
		logger.WithError(err).Warn("verification probe failed")
		v.rollback(item, logger)
		v.record(res)
		return
	}

	res.ActualStatus = status
	for _, want := range verifiedStatuses {
		if strings.EqualFold(strings.TrimSpace(status), want) {
			res.Verified = true
			break
		}
	}

	if res.Verified {
		logger.WithField("status", status).Info("acceptance verified")
	} else {
		logger.WithField("status", status).Warn("acceptance not recorded by platform, rolling back capacity")
		v.rollback(item, logger)
	}
	v.record(res)
}

// rollback releases the reserved capacity and pages the operators. Both
// are side effects: failures are logged, never propagated.
func (v *Verifier) rollback(item Item, logger *log.Entry) {
	observability.VerificationsFailed.Inc()
	if err := v.capacity.Release(item.Plan); err != nil {
		logger.WithError(err).Error("capacity rollback failed")
	}
	if v.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		text := fmt.Sprintf("Verification failed for order %s (%d words): platform did not record the acceptance. Capacity was rolled back.",
			item.OrderID, item.AmountWords)
		if err := v.notifier.Notify(ctx, text); err != nil {
			logger.WithError(err).Error("operator notification failed")
		}
	}
}

func (v *Verifier) record(res Result) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.results = append(v.results, res)
	if len(v.results) > MaxResults {
		v.results = v.results[len(v.results)-MaxResults:]
	}
}
