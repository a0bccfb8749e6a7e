// Package queue is a bounded-concurrency FIFO executor. Work is opaque;
// the queue only owns admission, the in-flight limit, completion
// callbacks and, optionally, mirroring every submission into the durable
// journal so a crash loses no task metadata.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itskum47/wordpilot/pilot/journal"
)

// DefaultStaleTimeout bounds how long a journal row may sit in processing
// before boot-time recovery flips it back to pending.
const DefaultStaleTimeout = 10 * time.Minute

// Work is one unit of queued work.
type Work func() (any, error)

// TaskMeta is the diagnostic subset of an offer carried alongside work.
// It is what lands in the journal; resubmission after a crash starts from
// here.
type TaskMeta struct {
	OrderID      string `json:"orderId"`
	WorkflowName string `json:"workflowName"`
	URL          string `json:"url"`
	AmountWords  int    `json:"amountWords"`
}

type entry struct {
	journalID int64 // 0 when not journaled
	meta      TaskMeta
	work      Work
}

// Options configures a Queue.
type Options struct {
	Concurrency int

	// Journal enables persistence: every Submit writes a pending row
	// first, and the wrapper walks the row through processing and its
	// terminal status around the user work.
	Journal      *journal.Journal
	StaleTimeout time.Duration

	OnSuccess func(result any)
	OnError   func(err error)
	OnIdle    func()
}

// Queue is a bounded-concurrency FIFO executor. Construct with New.
type Queue struct {
	opts Options

	mu       sync.Mutex
	pending  []*entry
	inFlight int
	idle     bool
	idleCond *sync.Cond
}

// New returns a Queue. When a journal is configured, rows stuck in
// processing longer than the stale timeout are reverted to pending here,
// at construction; callers are expected to resubmit them from the journal
// separately (the journal stores metadata, not closures).
func New(opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = DefaultStaleTimeout
	}
	q := &Queue{opts: opts, idle: true}
	q.idleCond = sync.NewCond(&q.mu)

	if opts.Journal != nil {
		if n, err := opts.Journal.RecoverStale(opts.StaleTimeout); err != nil {
			log.WithError(err).Error("stale journal recovery failed")
		} else if n > 0 {
			log.WithField("count", n).Info("stale journal rows reverted to pending")
		}
	}
	return q
}

// Submit enqueues work. With persistence enabled the journal row is
// written before the task becomes runnable, and its id is threaded
// through to the completion wrapper.
func (q *Queue) Submit(work Work, meta TaskMeta) error {
	e := &entry{meta: meta, work: work}

	if q.opts.Journal != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		id, err := q.opts.Journal.Enqueue(data, journal.DefaultPriority)
		if err != nil {
			return err
		}
		e.journalID = id
	}

	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.idle = false
	q.mu.Unlock()

	q.dispatch()
	return nil
}

// Resubmit enqueues work that is already journaled under journalID, for
// boot-time recovery of rows a previous run left pending. No new row is
// written; the existing one is walked through processing as usual.
func (q *Queue) Resubmit(work Work, meta TaskMeta, journalID int64) {
	e := &entry{journalID: journalID, meta: meta, work: work}
	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.idle = false
	q.mu.Unlock()
	q.dispatch()
}

// dispatch starts as many pending entries as the concurrency limit allows.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if q.inFlight >= q.opts.Concurrency || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending = q.pending[1:]
		q.inFlight++
		q.mu.Unlock()

		go q.run(e)
	}
}

func (q *Queue) run(e *entry) {
	if e.journalID != 0 {
		if err := q.opts.Journal.MarkProcessing(e.journalID); err != nil {
			log.WithError(err).WithField("journalId", e.journalID).Error("journal mark processing failed")
		}
	}

	result, err := e.work()

	// Both outcome branches hit the journal before any user callback, so
	// a crash inside a callback cannot resurrect finished work.
	if e.journalID != 0 {
		var jerr error
		if err != nil {
			jerr = q.opts.Journal.MarkFailed(e.journalID, err.Error())
		} else {
			jerr = q.opts.Journal.MarkCompleted(e.journalID)
		}
		if jerr != nil {
			log.WithError(jerr).WithField("journalId", e.journalID).Error("journal completion update failed")
		}
	}

	// Free the slot before callbacks run so a callback that submits new
	// work cannot deadlock the concurrency counter.
	q.mu.Lock()
	q.inFlight--
	becameIdle := q.inFlight == 0 && len(q.pending) == 0 && !q.idle
	if becameIdle {
		q.idle = true
		q.idleCond.Broadcast()
	}
	q.mu.Unlock()

	if err != nil {
		if q.opts.OnError != nil {
			q.opts.OnError(err)
		}
	} else if q.opts.OnSuccess != nil {
		q.opts.OnSuccess(result)
	}

	if becameIdle && q.opts.OnIdle != nil {
		q.opts.OnIdle()
	}

	q.dispatch()
}

// Len returns the number of pending (not yet started) entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of running entries.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Drain blocks until the queue is idle or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for !q.idle {
			q.idleCond.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
