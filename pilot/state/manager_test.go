package state

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itskum47/wordpilot/pilot/allocator"
	"github.com/itskum47/wordpilot/pilot/calendar"
	"github.com/itskum47/wordpilot/pilot/mail"
)

func mustDate(t *testing.T, s string) calendar.Date {
	t.Helper()
	d, err := calendar.ParseDate(s)
	require.NoError(t, err)
	return d
}

func sampleTask(t *testing.T, id string) ActiveTask {
	return ActiveTask{
		OrderID:           id,
		WorkflowName:      "Translate EN>FR",
		AmountWords:       3000,
		EffectiveDeadline: time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC),
		Plan: allocator.Plan{
			{Date: mustDate(t, "2026-01-28"), Amount: 1500},
			{Date: mustDate(t, "2026-01-29"), Amount: 1500},
		},
		AddedAt: time.Now(),
	}
}

func TestAddActiveTaskIdempotent(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state.json"))

	added, err := m.AddActiveTask(sampleTask(t, "ord-1"))
	require.NoError(t, err)
	require.True(t, added)

	added, err = m.AddActiveTask(sampleTask(t, "ord-1"))
	require.NoError(t, err)
	require.False(t, added, "duplicate add must be a no-op")
	require.Len(t, m.ActiveTasks(), 1)
}

func TestAddActiveTaskValidates(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state.json"))
	_, err := m.AddActiveTask(ActiveTask{})
	require.Error(t, err)
}

func TestSnapshotIsolation(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state.json"))
	_, err := m.AddActiveTask(sampleTask(t, "ord-1"))
	require.NoError(t, err)
	require.NoError(t, m.SetCapacity(map[calendar.Date]int{mustDate(t, "2026-01-28"): 3000}))

	snap := m.GetSnapshot()
	snap.Capacity["2026-01-28"] = 999999
	snap.ActiveTasks[0].Plan[0].Amount = 999999
	snap.ActiveTasks[0].OrderID = "mutated"

	require.Equal(t, 3000, m.Capacity()[mustDate(t, "2026-01-28")])
	tasks := m.ActiveTasks()
	require.Equal(t, "ord-1", tasks[0].OrderID)
	require.Equal(t, 1500, tasks[0].Plan[0].Amount)
}

func TestGetterCopiesAreIndependent(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state.json"))
	_, err := m.AddActiveTask(sampleTask(t, "ord-1"))
	require.NoError(t, err)

	got := m.ActiveTasks()
	got[0].Plan[0].Amount = -1
	require.Equal(t, 1500, m.ActiveTasks()[0].Plan[0].Amount)
}

func TestEventsPublishedOnMutation(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state.json"))

	var mu sync.Mutex
	var types []EventType
	unsub := m.Bus().Subscribe(func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})
	defer unsub()

	require.NoError(t, m.SetCapacity(map[calendar.Date]int{}))
	_, err := m.AddActiveTask(sampleTask(t, "ord-1"))
	require.NoError(t, err)
	m.SetBrowserPool(BrowserPoolStatus{Total: 2, Available: 2, Initialized: true})
	m.SetIMAP(mail.ListenerStatus{Connected: true})
	m.SetSystemStatus(StatusRunning)
	m.Reset()

	require.Equal(t, []EventType{
		EventCapacity, EventTasks, EventBrowserPool, EventIMAP, EventSystem, EventReset,
	}, types)
}

func TestListenerPanicDoesNotStopOthers(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state.json"))

	m.Bus().Subscribe(func(Event) { panic("boom") })
	called := false
	m.Bus().Subscribe(func(Event) { called = true })

	m.SetSystemStatus(StatusError)
	require.True(t, called, "second listener must still run")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	m := NewManager(path)
	startTime := m.System().StartTime

	require.NoError(t, m.SetCapacity(map[calendar.Date]int{mustDate(t, "2026-01-28"): 4000}))
	_, err := m.AddActiveTask(sampleTask(t, "ord-1"))
	require.NoError(t, err)
	m.SetLastError("browser crashed")
	m.SetBrowserPool(BrowserPoolStatus{Total: 3, Busy: 1, Initialized: true})
	require.NoError(t, m.SaveToFile())

	restored := NewManager(path)
	require.NoError(t, restored.LoadFromFile())

	require.Equal(t, 4000, restored.Capacity()[mustDate(t, "2026-01-28")])
	tasks := restored.ActiveTasks()
	require.Len(t, tasks, 1)
	require.Equal(t, "ord-1", tasks[0].OrderID)
	require.Equal(t, "browser crashed", restored.System().LastError.Message)

	// Runtime-only fields are not restored, start time is its own.
	require.Equal(t, BrowserPoolStatus{}, restored.BrowserPool())
	require.NotEqual(t, startTime, time.Time{})
	require.False(t, restored.System().StartTime.IsZero())
}

func TestLoadMissingFileIsNoop(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, m.LoadFromFile())
	require.Empty(t, m.ActiveTasks())
}

func TestRemoveActiveTask(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state.json"))
	_, err := m.AddActiveTask(sampleTask(t, "ord-1"))
	require.NoError(t, err)
	_, err = m.AddActiveTask(sampleTask(t, "ord-2"))
	require.NoError(t, err)

	require.True(t, m.RemoveActiveTask("ord-1"))
	require.False(t, m.RemoveActiveTask("ord-1"))
	require.Len(t, m.ActiveTasks(), 1)
	require.Equal(t, "ord-2", m.ActiveTasks()[0].OrderID)
}
