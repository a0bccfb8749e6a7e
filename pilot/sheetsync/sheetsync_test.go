package sheetsync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/wordpilot/pilot/allocator"
	"github.com/itskum47/wordpilot/pilot/calendar"
	"github.com/itskum47/wordpilot/pilot/capacity"
	"github.com/itskum47/wordpilot/pilot/observability"
	"github.com/itskum47/wordpilot/pilot/state"
)

type fakeReader struct {
	mu       sync.Mutex
	statuses map[string]string
	err      error
	calls    int
	block    chan struct{} // when set, ReadStatusMap waits on it
}

func (r *fakeReader) ReadStatusMap(ctx context.Context, ids []string) (map[string]string, error) {
	r.mu.Lock()
	r.calls++
	block := r.block
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.statuses, nil
}

type fakeCapacity struct {
	mu    sync.Mutex
	plans []allocator.Plan
	diff  capacity.SyncDiff
}

func (c *fakeCapacity) SyncWithActiveTasks(plans []allocator.Plan, today calendar.Date) (capacity.SyncDiff, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans = plans
	return c.diff, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []string
}

func (s *fakeSink) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	copy(out, s.events)
	return out
}

func newManager(t *testing.T) *state.Manager {
	t.Helper()
	return state.NewManager(filepath.Join(t.TempDir(), "state.json"))
}

func activeTask(t *testing.T, id, date string, words int) state.ActiveTask {
	t.Helper()
	d, err := calendar.ParseDate(date)
	require.NoError(t, err)
	return state.ActiveTask{
		OrderID:     id,
		AmountWords: words,
		Plan:        allocator.Plan{{Date: d, Amount: words}},
		AddedAt:     time.Now(),
	}
}

func TestPartitionAndReplacement(t *testing.T) {
	m := newManager(t)
	for _, task := range []state.ActiveTask{
		activeTask(t, "done", "2026-01-29", 1000),
		activeTask(t, "held", "2026-01-29", 2000),
		activeTask(t, "alive", "2026-01-30", 3000),
		activeTask(t, "unknown", "2026-01-30", 500),
	} {
		_, err := m.AddActiveTask(task)
		require.NoError(t, err)
	}

	changed, err := calendar.ParseDate("2026-01-30")
	require.NoError(t, err)
	caps := &fakeCapacity{diff: capacity.SyncDiff{
		Changed: []capacity.DateChange{{Date: changed, Before: 9000, After: 3500}},
	}}
	notifier := &fakeNotifier{}
	reader := &fakeReader{statuses: map[string]string{
		"done":  "Completed",
		"held":  "On Hold",
		"alive": "in progress",
		// "unknown" absent from the record on purpose
	}}

	sink := &fakeSink{}
	okBefore := testutil.ToFloat64(observability.SyncRuns.WithLabelValues("ok"))

	s := New(reader, m, caps, notifier, sink)
	res, err := s.SyncNow(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, res.Completed)
	require.Equal(t, 1, res.OnHold)
	require.Equal(t, 2, res.StillActive)
	require.Equal(t, 1, res.ChangedDates)
	require.Equal(t, []string{"sync:completed", "sync:onhold"}, sink.all())
	require.Equal(t, okBefore+1, testutil.ToFloat64(observability.SyncRuns.WithLabelValues("ok")))

	var ids []string
	for _, task := range m.ActiveTasks() {
		ids = append(ids, task.OrderID)
	}
	require.ElementsMatch(t, []string{"alive", "unknown"}, ids, "unknown orders stay tracked")

	require.Len(t, caps.plans, 2)
	require.Equal(t, 3500, m.Capacity()[changed], "mirror follows the recompute diff")
	require.Len(t, notifier.texts, 1)
	require.Contains(t, notifier.texts[0], "1 task(s) completed")

	require.Equal(t, res, s.LastResult())
}

func TestNoActiveTasksSkipsQuery(t *testing.T) {
	m := newManager(t)
	reader := &fakeReader{}
	s := New(reader, m, &fakeCapacity{}, nil, nil)

	res, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Completed)
	require.Equal(t, 0, reader.calls)
}

func TestReaderErrorSurfacesInResult(t *testing.T) {
	m := newManager(t)
	_, err := m.AddActiveTask(activeTask(t, "a", "2026-01-29", 100))
	require.NoError(t, err)

	s := New(&fakeReader{err: errors.New("record unreachable")}, m, &fakeCapacity{}, nil, nil)
	_, err = s.SyncNow(context.Background())
	require.Error(t, err)
	require.Contains(t, s.LastResult().Error, "record unreachable")
	require.Len(t, m.ActiveTasks(), 1, "tasks untouched on query failure")
}

func TestConcurrentTicksShareOneRun(t *testing.T) {
	m := newManager(t)
	_, err := m.AddActiveTask(activeTask(t, "a", "2026-01-29", 100))
	require.NoError(t, err)

	block := make(chan struct{})
	reader := &fakeReader{statuses: map[string]string{"a": "in progress"}, block: block}
	s := New(reader, m, &fakeCapacity{}, nil, nil)

	var done atomic.Int32
	for i := 0; i < 3; i++ {
		go func() {
			_, _ = s.SyncNow(context.Background())
			done.Add(1)
		}()
	}
	time.Sleep(50 * time.Millisecond) // let all three reach the group
	close(block)

	require.Eventually(t, func() bool { return done.Load() == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, reader.calls, "overlapping syncs must collapse into one query")
}

func TestNoNotificationWithoutCompletions(t *testing.T) {
	m := newManager(t)
	_, err := m.AddActiveTask(activeTask(t, "held", "2026-01-29", 100))
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	sink := &fakeSink{}
	s := New(&fakeReader{statuses: map[string]string{"held": "on hold"}}, m, &fakeCapacity{}, notifier, sink)
	res, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.OnHold)
	require.Empty(t, notifier.texts)
	require.Equal(t, []string{"sync:onhold"}, sink.all(), "holds raise their event but no operator page")
	require.Empty(t, m.ActiveTasks())
}
