// Package sheetsync reconciles the local active-task list against the
// external system-of-record. Tasks the record marks completed or on hold
// are dropped locally and the per-date capacity is recomputed from the
// plans that remain.
package sheetsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/itskum47/wordpilot/pilot/allocator"
	"github.com/itskum47/wordpilot/pilot/calendar"
	"github.com/itskum47/wordpilot/pilot/capacity"
	"github.com/itskum47/wordpilot/pilot/observability"
	"github.com/itskum47/wordpilot/pilot/state"
)

// StatusReader queries the system-of-record for a batch of order ids.
type StatusReader interface {
	ReadStatusMap(ctx context.Context, orderIDs []string) (map[string]string, error)
}

// CapacitySyncer recomputes the persisted capacity from active plans.
type CapacitySyncer interface {
	SyncWithActiveTasks(plans []allocator.Plan, today calendar.Date) (capacity.SyncDiff, error)
}

// Notifier pages the operators.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// EventSink receives sync events for the dashboard.
type EventSink interface {
	Send(event string, payload any) error
}

// Result is one reconciliation outcome.
type Result struct {
	Completed        int       `json:"completed"`
	OnHold           int       `json:"onHold"`
	StillActive      int       `json:"stillActive"`
	ChangedDates     int       `json:"changedDates"`
	DroppedOverrides int       `json:"droppedOverrides"`
	At               time.Time `json:"at"`
	Error            string    `json:"error,omitempty"`
}

// Syncer runs reconciliation ticks. At most one sync is in flight; a
// tick that arrives while one runs joins its result instead of starting
// a second query.
type Syncer struct {
	reader   StatusReader
	manager  *state.Manager
	capacity CapacitySyncer
	notifier Notifier
	events   EventSink

	group singleflight.Group
	now   func() time.Time

	mu   sync.Mutex
	last Result
}

// New returns a Syncer. notifier and events may be nil.
func New(reader StatusReader, manager *state.Manager, caps CapacitySyncer, notifier Notifier, events EventSink) *Syncer {
	return &Syncer{
		reader:   reader,
		manager:  manager,
		capacity: caps,
		notifier: notifier,
		events:   events,
		now:      time.Now,
	}
}

// Run ticks at the given interval until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncNow(ctx); err != nil {
				log.WithError(err).Error("status sync failed")
			}
		}
	}
}

// completed and on-hold record states; matching is case-insensitive.
var (
	completedStatuses = map[string]bool{"completed": true, "delivered": true}
	onHoldStatuses    = map[string]bool{"on hold": true, "on_hold": true}
)

// SyncNow runs one reconciliation. Concurrent callers share a single run.
func (s *Syncer) SyncNow(ctx context.Context) (Result, error) {
	v, err, _ := s.group.Do("sync", func() (any, error) {
		res, err := s.sync(ctx)
		s.storeResult(res)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		observability.SyncRuns.WithLabelValues(outcome).Inc()
		return res, err
	})
	return v.(Result), err
}

func (s *Syncer) sync(ctx context.Context) (Result, error) {
	res := Result{At: s.now()}

	tasks := s.manager.ActiveTasks()
	if len(tasks) == 0 {
		return res, nil
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.OrderID
	}
	statuses, err := s.reader.ReadStatusMap(ctx, ids)
	if err != nil {
		res.Error = err.Error()
		return res, fmt.Errorf("query system-of-record: %w", err)
	}

	var still []state.ActiveTask
	var completedIDs, heldIDs []string
	for _, t := range tasks {
		status := strings.ToLower(strings.TrimSpace(statuses[t.OrderID]))
		switch {
		case completedStatuses[status]:
			res.Completed++
			completedIDs = append(completedIDs, t.OrderID)
		case onHoldStatuses[status]:
			res.OnHold++
			heldIDs = append(heldIDs, t.OrderID)
		default:
			// Unknown orders stay tracked; only an explicit terminal
			// state removes a task.
			still = append(still, t)
		}
	}
	res.StillActive = len(still)

	if res.Completed > 0 || res.OnHold > 0 {
		if err := s.manager.SetActiveTasks(still); err != nil {
			res.Error = err.Error()
			return res, err
		}
	}
	if res.Completed > 0 {
		s.sendEvent("sync:completed", map[string]any{"count": res.Completed, "orderIds": completedIDs})
	}
	if res.OnHold > 0 {
		s.sendEvent("sync:onhold", map[string]any{"count": res.OnHold, "orderIds": heldIDs})
	}

	plans := make([]allocator.Plan, 0, len(still))
	for _, t := range still {
		plans = append(plans, t.Plan)
	}
	diff, err := s.capacity.SyncWithActiveTasks(plans, calendar.DateOf(s.now()))
	if err != nil {
		res.Error = err.Error()
		return res, fmt.Errorf("recompute capacity: %w", err)
	}
	res.ChangedDates = len(diff.Changed)
	res.DroppedOverrides = len(diff.DroppedOverrides)
	for _, ch := range diff.Changed {
		if err := s.manager.SetCapacityDate(ch.Date, ch.After); err != nil {
			log.WithError(err).WithField("date", ch.Date).Error("capacity mirror update failed")
		}
	}

	if res.Completed > 0 && s.notifier != nil {
		nctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		text := fmt.Sprintf("Status sync: %d task(s) completed externally, %d still active.", res.Completed, res.StillActive)
		if err := s.notifier.Notify(nctx, text); err != nil {
			log.WithError(err).Error("sync notification failed")
		}
		cancel()
	}

	log.WithFields(log.Fields{
		"completed":   res.Completed,
		"onHold":      res.OnHold,
		"stillActive": res.StillActive,
		"changed":     res.ChangedDates,
	}).Info("status sync finished")
	return res, nil
}

func (s *Syncer) sendEvent(event string, payload any) {
	if s.events == nil {
		return
	}
	if err := s.events.Send(event, payload); err != nil {
		log.WithError(err).WithField("event", event).Warn("sync event not delivered")
	}
}

func (s *Syncer) storeResult(res Result) {
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
}

// LastResult returns the most recent reconciliation outcome.
func (s *Syncer) LastResult() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
