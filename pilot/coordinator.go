package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itskum47/wordpilot/pilot/accept"
	"github.com/itskum47/wordpilot/pilot/allocator"
	"github.com/itskum47/wordpilot/pilot/browser"
	"github.com/itskum47/wordpilot/pilot/calendar"
	"github.com/itskum47/wordpilot/pilot/capacity"
	"github.com/itskum47/wordpilot/pilot/journal"
	"github.com/itskum47/wordpilot/pilot/mail"
	"github.com/itskum47/wordpilot/pilot/observability"
	"github.com/itskum47/wordpilot/pilot/queue"
	"github.com/itskum47/wordpilot/pilot/sheet"
	"github.com/itskum47/wordpilot/pilot/state"
	"github.com/itskum47/wordpilot/pilot/verify"
)

// loginExpiredMessage is the sentinel the automation script raises when
// the platform session is gone. The orchestrator restarts the whole
// process on it; there is no in-place recovery.
const loginExpiredMessage = "LOGIN_EXPIRED"

// sessionPool is the slice of the browser pool the coordinator needs.
type sessionPool interface {
	Acquire(timeout time.Duration) (browser.Session, error)
	Release(browser.Session)
	Status() browser.Status
}

// automationScript runs the platform's accept flow for one offer. Its
// navigation and selectors live outside this repo.
type automationScript interface {
	Accept(ctx context.Context, sess browser.Session, offer mail.TaskOffer) error
}

// sheetUpdater records dispositions in the system-of-record.
type sheetUpdater interface {
	UpdateStatus(ctx context.Context, orderID string, status sheet.Status, category, receivedDate string) error
}

// verifyScheduler enqueues post-accept verifications.
type verifyScheduler interface {
	Schedule(verify.Item)
}

// dashboard pushes typed messages to connected clients.
type dashboard interface {
	Send(event string, payload any) error
}

// Coordinator glues the acceptance engine to the queue, the browser
// pool, and every side effect around them. One instance handles all
// offers for the process.
type Coordinator struct {
	engine    *accept.Engine
	policy    accept.Policy
	capacity  *capacity.Store
	history   *capacity.History
	quota     *capacity.Quota
	manager   *state.Manager
	pool      sessionPool
	script    automationScript
	sheet     sheetUpdater
	verifier  verifyScheduler
	notifier  operatorNotifier
	collector *observability.Collector
	failures  *failureTracker
	dashboard dashboard
	journal   *journal.Journal

	taskQueue *queue.Queue
	metaQueue *queue.Queue

	acquireTimeout time.Duration
	taskTimeout    time.Duration
	verifyAfter    time.Duration

	loginExpired chan struct{}
	expireOnce   sync.Once

	appliedMu sync.Mutex
	applied   map[string]appliedPlan
}

// appliedRetention bounds how long an applied plan is remembered for a
// late-arriving hold.
const appliedRetention = 7 * 24 * time.Hour

// appliedPlan remembers the words actually counted into capacity for an
// order, so a later hold releases exactly those and nothing else.
type appliedPlan struct {
	plan allocator.Plan
	at   time.Time
}

// CoordinatorDeps carries the collaborators a Coordinator wires together.
type CoordinatorDeps struct {
	Engine    *accept.Engine
	Policy    accept.Policy
	Capacity  *capacity.Store
	History   *capacity.History
	Quota     *capacity.Quota
	Manager   *state.Manager
	Pool      sessionPool
	Script    automationScript
	Sheet     sheetUpdater
	Verifier  verifyScheduler
	Notifier  operatorNotifier
	Collector *observability.Collector
	Failures  *failureTracker
	Dashboard dashboard

	// Journal backs the main queue only. The meta queue is not
	// journaled: its side effects are re-derived by the next sync tick.
	Journal      *journal.Journal
	StaleTimeout time.Duration

	Concurrency int
	TaskTimeout time.Duration
	VerifyAfter time.Duration
}

// NewCoordinator builds the two queues and returns a ready Coordinator.
func NewCoordinator(d CoordinatorDeps) *Coordinator {
	c := &Coordinator{
		engine:         d.Engine,
		policy:         d.Policy,
		capacity:       d.Capacity,
		history:        d.History,
		quota:          d.Quota,
		manager:        d.Manager,
		pool:           d.Pool,
		script:         d.Script,
		sheet:          d.Sheet,
		verifier:       d.Verifier,
		notifier:       d.Notifier,
		collector:      d.Collector,
		failures:       d.Failures,
		dashboard:      d.Dashboard,
		journal:        d.Journal,
		acquireTimeout: 2 * time.Minute,
		taskTimeout:    d.TaskTimeout,
		verifyAfter:    d.VerifyAfter,
		loginExpired:   make(chan struct{}),
		applied:        make(map[string]appliedPlan),
	}
	if c.taskTimeout <= 0 {
		c.taskTimeout = 10 * time.Minute
	}
	if c.verifyAfter <= 0 {
		c.verifyAfter = verify.DefaultVerifyAfter
	}

	c.taskQueue = queue.New(queue.Options{
		Concurrency:  d.Concurrency,
		Journal:      d.Journal,
		StaleTimeout: d.StaleTimeout,
		OnSuccess:    c.onTaskSuccess,
		OnError:      c.onTaskError,
		OnIdle:       func() { log.Debug("task queue drained") },
	})

	// Side effects (sheet writes, capacity rollbacks) run on their own
	// small queue so a slow system-of-record cannot block the mail
	// listener or the main workers.
	c.metaQueue = queue.New(queue.Options{
		Concurrency: 2,
		OnError:     func(err error) { log.WithError(err).Error("side-effect task failed") },
	})

	return c
}

// taskOutcome is what a successful work unit hands to onTaskSuccess.
type taskOutcome struct {
	offer    mail.TaskOffer
	decision accept.Result
	duration time.Duration
}

// taskError carries the offer context through the queue's error path.
type taskError struct {
	offer    mail.TaskOffer
	decision accept.Result
	err      error
}

func (e *taskError) Error() string { return e.err.Error() }
func (e *taskError) Unwrap() error { return e.err }

// HandleOffer is the mail listener's callback.
func (c *Coordinator) HandleOffer(offer mail.TaskOffer) {
	c.collector.TaskReceived()
	logger := log.WithFields(log.Fields{
		"orderId":  offer.OrderID,
		"workflow": offer.WorkflowName,
		"words":    offer.AmountWords,
	})

	if offer.Status == mail.StatusOnHold {
		logger.Info("offer arrived on hold")
		c.handleOnHold(offer)
		return
	}

	res := c.engine.Evaluate(offer, c.policy)
	if !res.Accepted() {
		logger.WithField("code", res.Code).Info("offer rejected")
		c.handleRejection(offer, res)
		return
	}

	added, err := c.manager.AddActiveTask(state.ActiveTask{
		OrderID:           offer.OrderID,
		WorkflowName:      offer.WorkflowName,
		AmountWords:       offer.AmountWords,
		EffectiveDeadline: res.EffectiveDeadline,
		Plan:              res.Plan,
		AddedAt:           time.Now(),
	})
	if err != nil {
		logger.WithError(err).Error("active task not recorded, offer dropped")
		return
	}
	if !added {
		logger.Warn("duplicate offer ignored")
		return
	}

	c.collector.TaskAccepted()
	logger.WithField("code", res.Code).Info("offer accepted")
	c.send("updateStatus", map[string]any{
		"orderId": offer.OrderID,
		"status":  "accepted",
		"code":    res.Code,
		"plan":    res.Plan,
	})

	err = c.taskQueue.Submit(c.acceptWork(offer, res), queue.TaskMeta{
		OrderID:      offer.OrderID,
		WorkflowName: offer.WorkflowName,
		URL:          offer.URL,
		AmountWords:  offer.AmountWords,
	})
	if err != nil {
		logger.WithError(err).Error("queue submission failed, releasing task")
		c.manager.RemoveActiveTask(offer.OrderID)
		return
	}
	observability.QueueDepth.Set(float64(c.taskQueue.Len()))
}

// RecoverQueued resubmits journal rows a previous run left pending,
// including processing rows the queue reverted at construction. The
// journal stores metadata, not closures, so the work unit is rebuilt
// from the row; the allocation plan comes from the restored active-task
// list when the order is still in it.
func (c *Coordinator) RecoverQueued() (int, error) {
	if c.journal == nil {
		return 0, nil
	}
	rows, err := c.journal.GetByStatus(journal.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("reading pending journal rows: %w", err)
	}

	recovered := 0
	for _, row := range rows {
		var meta queue.TaskMeta
		if err := json.Unmarshal(row.TaskData, &meta); err != nil {
			log.WithError(err).WithField("journalId", row.ID).Error("journaled task metadata unreadable, row skipped")
			continue
		}
		offer := mail.TaskOffer{
			OrderID:      meta.OrderID,
			WorkflowName: meta.WorkflowName,
			URL:          meta.URL,
			AmountWords:  meta.AmountWords,
			Status:       mail.StatusActive,
		}
		res := accept.Result{Code: accept.AcceptedNormal}
		for _, task := range c.manager.ActiveTasks() {
			if task.OrderID == meta.OrderID {
				res.Plan = task.Plan
				res.EffectiveDeadline = task.EffectiveDeadline
				break
			}
		}
		c.taskQueue.Resubmit(c.acceptWork(offer, res), meta, row.ID)
		recovered++
		log.WithFields(log.Fields{"orderId": meta.OrderID, "journalId": row.ID}).Info("journaled task resubmitted")
	}
	observability.QueueDepth.Set(float64(c.taskQueue.Len()))
	return recovered, nil
}

// acceptWork builds the queued unit: borrow a session, run the accept
// script, hand back an annotated outcome.
func (c *Coordinator) acceptWork(offer mail.TaskOffer, res accept.Result) queue.Work {
	return func() (any, error) {
		start := time.Now()
		sess, err := c.pool.Acquire(c.acquireTimeout)
		if err != nil {
			return nil, &taskError{offer: offer, decision: res, err: fmt.Errorf("acquire session: %w", err)}
		}
		defer func() {
			c.pool.Release(sess)
			c.syncPoolStatus()
		}()
		c.syncPoolStatus()

		ctx, cancel := context.WithTimeout(context.Background(), c.taskTimeout)
		defer cancel()
		if err := c.script.Accept(ctx, sess, offer); err != nil {
			return nil, &taskError{offer: offer, decision: res, err: err}
		}
		return &taskOutcome{offer: offer, decision: res, duration: time.Since(start)}, nil
	}
}

func (c *Coordinator) handleOnHold(offer mail.TaskOffer) {
	c.send("updateStatus", map[string]any{"orderId": offer.OrderID, "status": "on_hold"})
	err := c.metaQueue.Submit(func() (any, error) {
		c.updateSheet(offer.OrderID, sheet.StatusOnHold, offer.WorkflowName, offer.ReceivedDate)

		// Capacity is only counted on successful completion, so a hold for
		// a task still queued or in flight releases nothing; a hold after
		// completion gives back exactly the plan that was applied.
		if plan, ok := c.takeApplied(offer.OrderID); ok {
			if err := c.capacity.Release(plan); err != nil {
				log.WithError(err).WithField("orderId", offer.OrderID).Error("capacity release for held task failed")
			} else {
				c.mirrorCapacity(plan)
			}
		}
		c.manager.RemoveActiveTask(offer.OrderID)
		return nil, nil
	}, queue.TaskMeta{OrderID: offer.OrderID})
	if err != nil {
		log.WithError(err).WithField("orderId", offer.OrderID).Error("on-hold side effects not queued")
	}
}

func (c *Coordinator) handleRejection(offer mail.TaskOffer, res accept.Result) {
	c.collector.TaskRejected(strings.ToLower(string(res.Code)))
	c.send("updateStatus", map[string]any{
		"orderId": offer.OrderID,
		"status":  "rejected",
		"code":    res.Code,
		"message": res.Message,
	})
	// The record gets a plain Declined regardless of which check failed.
	err := c.metaQueue.Submit(func() (any, error) {
		c.updateSheet(offer.OrderID, sheet.StatusDeclined, offer.WorkflowName, offer.ReceivedDate)
		return nil, nil
	}, queue.TaskMeta{OrderID: offer.OrderID})
	if err != nil {
		log.WithError(err).WithField("orderId", offer.OrderID).Error("rejection side effects not queued")
	}
}

func (c *Coordinator) onTaskSuccess(v any) {
	o, ok := v.(*taskOutcome)
	if !ok {
		log.Errorf("unexpected queue result type %T", v)
		return
	}
	logger := log.WithField("orderId", o.offer.OrderID)

	if err := c.capacity.Apply(o.decision.Plan); err != nil {
		logger.WithError(err).Error("capacity apply failed after successful accept")
	} else {
		c.recordApplied(o.offer.OrderID, o.decision.Plan)
		c.mirrorCapacity(o.decision.Plan)
	}

	c.updateSheet(o.offer.OrderID, sheet.StatusAccepted, o.offer.WorkflowName, o.offer.ReceivedDate)
	c.collector.TaskCompleted(o.duration)
	c.recordLearnerFeed(o)
	c.checkQuota(o.offer.AmountWords)

	c.manager.RemoveActiveTask(o.offer.OrderID)
	c.failures.Success()
	observability.QueueDepth.Set(float64(c.taskQueue.Len()))

	c.verifier.Schedule(verify.Item{
		OrderID:     o.offer.OrderID,
		URL:         o.offer.URL,
		Plan:        o.decision.Plan,
		AmountWords: o.offer.AmountWords,
		ScheduledAt: time.Now(),
		VerifyAfter: c.verifyAfter,
	})
	logger.WithField("duration", o.duration).Info("task completed")
}

func (c *Coordinator) onTaskError(err error) {
	var te *taskError
	if !errors.As(err, &te) {
		log.WithError(err).Error("queue reported an error without task context")
		return
	}
	logger := log.WithFields(log.Fields{"orderId": te.offer.OrderID, "error": te.err})

	category, status := classifyFailure(te.err)
	if category == "login_expired" {
		logger.Error("platform session expired, requesting restart")
		c.expireOnce.Do(func() { close(c.loginExpired) })
	} else {
		c.updateSheet(te.offer.OrderID, status, te.offer.WorkflowName, te.offer.ReceivedDate)
	}

	c.collector.TaskFailed(category)
	c.manager.RemoveActiveTask(te.offer.OrderID)
	c.failures.Failure(te.err.Error())
	observability.QueueDepth.Set(float64(c.taskQueue.Len()))

	c.send("updateStatus", map[string]any{
		"orderId":  te.offer.OrderID,
		"status":   "failed",
		"category": category,
	})
	logger.WithField("category", category).Warn("task failed")
}

func (c *Coordinator) recordApplied(orderID string, plan allocator.Plan) {
	c.appliedMu.Lock()
	defer c.appliedMu.Unlock()
	cutoff := time.Now().Add(-appliedRetention)
	for id, ap := range c.applied {
		if ap.at.Before(cutoff) {
			delete(c.applied, id)
		}
	}
	c.applied[orderID] = appliedPlan{plan: plan.Clone(), at: time.Now()}
}

func (c *Coordinator) takeApplied(orderID string) (allocator.Plan, bool) {
	c.appliedMu.Lock()
	defer c.appliedMu.Unlock()
	ap, ok := c.applied[orderID]
	if ok {
		delete(c.applied, orderID)
	}
	return ap.plan, ok
}

// missedMarkers are script errors meaning the offer vanished before we
// could act: someone else took it or the page no longer exists.
var missedMarkers = []string{"404", "unable to read status", "accept button not found"}

// classifyFailure maps a script error to a metrics category and the
// disposition recorded in the system-of-record.
func classifyFailure(err error) (string, sheet.Status) {
	raw := strings.TrimSpace(err.Error())
	if raw == loginExpiredMessage || strings.HasSuffix(raw, ": "+loginExpiredMessage) {
		return "login_expired", sheet.StatusFailed
	}
	msg := strings.ToLower(raw)
	if strings.Contains(msg, "on hold") {
		return "on_hold", sheet.StatusOnHold
	}
	for _, marker := range missedMarkers {
		if strings.Contains(msg, marker) {
			return "missed", sheet.StatusMissed
		}
	}
	return "failed", sheet.StatusFailed
}

// recordLearnerFeed appends to capacityHistory.json and refreshes the
// collector's learner reading.
func (c *Coordinator) recordLearnerFeed(o *taskOutcome) {
	err := c.history.Append(capacity.HistoryRecord{
		Date:             calendar.DateOf(time.Now()),
		OrderID:          o.offer.OrderID,
		AllocatedWords:   o.offer.AmountWords,
		CompletionTimeMs: o.duration.Milliseconds(),
		Timestamp:        time.Now(),
	})
	if err != nil {
		log.WithError(err).Warn("capacity history append failed")
		return
	}
	if avg, err := c.history.AvgMsPerKiloWord(); err == nil {
		c.collector.SetLearner(int64(avg))
	}
}

// checkQuota feeds the daily word-quota window and pages the operators
// for every alert step crossed.
func (c *Coordinator) checkQuota(words int) {
	crossed, total, err := c.quota.Add(words)
	if err != nil {
		log.WithError(err).Warn("word quota update failed")
		return
	}
	for _, step := range crossed {
		c.notifyOperators(fmt.Sprintf("Daily word quota passed %d (now %d).", step, total))
	}
}

func (c *Coordinator) notifyOperators(text string) {
	if c.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.notifier.Notify(ctx, text); err != nil {
		log.WithError(err).Error("operator notification failed")
	}
}

// updateSheet is a side effect everywhere it is called: errors are
// logged, never propagated into the task outcome.
func (c *Coordinator) updateSheet(orderID string, status sheet.Status, category, receivedDate string) {
	if c.sheet == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := c.sheet.UpdateStatus(ctx, orderID, status, category, receivedDate); err != nil {
		log.WithError(err).WithField("orderId", orderID).Error("system-of-record update failed")
	}
}

// mirrorCapacity refreshes the state manager's capacity view for the
// dates a plan touches.
func (c *Coordinator) mirrorCapacity(plan allocator.Plan) {
	for _, entry := range plan {
		used := c.capacity.Used(entry.Date)
		if err := c.manager.SetCapacityDate(entry.Date, used); err != nil {
			log.WithError(err).WithField("date", entry.Date).Error("capacity mirror update failed")
		}
		observability.CapacityUsed.WithLabelValues(entry.Date.String()).Set(float64(used))
	}
}

func (c *Coordinator) syncPoolStatus() {
	s := c.pool.Status()
	c.manager.SetBrowserPool(state.BrowserPoolStatus{
		Total:       s.Total,
		Available:   s.Available,
		Busy:        s.Busy,
		Initialized: s.Initialized,
	})
	c.collector.SetBrowserPool(state.BrowserPoolStatus{
		Total:       s.Total,
		Available:   s.Available,
		Busy:        s.Busy,
		Initialized: s.Initialized,
	})
}

func (c *Coordinator) send(event string, payload any) {
	if c.dashboard == nil {
		return
	}
	if err := c.dashboard.Send(event, payload); err != nil {
		log.WithError(err).WithField("event", event).Debug("dashboard send failed")
	}
}

// LoginExpired is closed when the automation hits an expired platform
// session; the caller exits with the restart code.
func (c *Coordinator) LoginExpired() <-chan struct{} {
	return c.loginExpired
}

// Drain waits for both queues to go idle or ctx to expire.
func (c *Coordinator) Drain(ctx context.Context) error {
	if err := c.taskQueue.Drain(ctx); err != nil {
		return err
	}
	return c.metaQueue.Drain(ctx)
}
