// Package state holds the daemon's single in-memory source of truth:
// the capacity mirror, the active-task list, subsystem health and overall
// system status. Every mutation publishes a typed event on the bus, and
// every getter hands out deep copies so callers can never reach back into
// shared state.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itskum47/wordpilot/pilot/allocator"
	"github.com/itskum47/wordpilot/pilot/calendar"
	"github.com/itskum47/wordpilot/pilot/mail"
)

// SystemStatus is the daemon lifecycle phase.
type SystemStatus string

const (
	StatusInitializing SystemStatus = "initializing"
	StatusRunning      SystemStatus = "running"
	StatusError        SystemStatus = "error"
	StatusShuttingDown SystemStatus = "shutting_down"
)

// ActiveTask is an accepted offer that has not completed yet.
type ActiveTask struct {
	OrderID           string         `json:"orderId"`
	WorkflowName      string         `json:"workflowName"`
	AmountWords       int            `json:"amountWords"`
	EffectiveDeadline time.Time      `json:"effectiveDeadline"`
	Plan              allocator.Plan `json:"allocationPlan"`
	AddedAt           time.Time      `json:"addedAt"`
}

func (t ActiveTask) clone() ActiveTask {
	t.Plan = t.Plan.Clone()
	return t
}

// BrowserPoolStatus is the pool summary mirrored for the dashboard.
type BrowserPoolStatus struct {
	Total       int  `json:"total"`
	Available   int  `json:"available"`
	Busy        int  `json:"busy"`
	Initialized bool `json:"initialized"`
}

// LastError is the most recent fatal-ish error, kept for the dashboard.
type LastError struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// SystemInfo is the system block of the snapshot.
type SystemInfo struct {
	Status    SystemStatus `json:"status"`
	StartTime time.Time    `json:"startTime"`
	LastError *LastError   `json:"lastError,omitempty"`
}

// Snapshot is a full deep copy of the managed state, used for the
// first-connection dashboard sync and for persistence.
type Snapshot struct {
	Capacity    map[string]int      `json:"capacity"`
	ActiveTasks []ActiveTask        `json:"activeTasks"`
	BrowserPool BrowserPoolStatus   `json:"browserPool"`
	IMAP        mail.ListenerStatus `json:"imap"`
	System      SystemInfo          `json:"system"`
	SavedAt     time.Time           `json:"savedAt"`
}

// persistedState is the subset of Snapshot written to state.json. Browser
// pool and IMAP status are runtime-only and deliberately absent.
type persistedState struct {
	Capacity    map[string]int `json:"capacity"`
	ActiveTasks []ActiveTask   `json:"activeTasks"`
	System      SystemInfo     `json:"system"`
	SavedAt     time.Time      `json:"savedAt"`
}

// Manager is the process-wide state owner.
type Manager struct {
	mu       sync.RWMutex
	capacity map[calendar.Date]int
	tasks    []ActiveTask
	pool     BrowserPoolStatus
	imap     mail.ListenerStatus
	system   SystemInfo

	bus  *Bus
	path string
}

// NewManager returns a Manager persisting to the state file at path.
func NewManager(path string) *Manager {
	return &Manager{
		capacity: make(map[calendar.Date]int),
		bus:      NewBus(),
		path:     path,
		system: SystemInfo{
			Status:    StatusInitializing,
			StartTime: time.Now(),
		},
	}
}

// Bus exposes the event bus for subscribers.
func (m *Manager) Bus() *Bus { return m.bus }

// --- Capacity mirror ---

// SetCapacity replaces the capacity mirror and publishes state:capacity.
func (m *Manager) SetCapacity(capacity map[calendar.Date]int) error {
	if capacity == nil {
		return fmt.Errorf("capacity map must not be nil")
	}
	for d, used := range capacity {
		if used < 0 {
			return fmt.Errorf("negative used count %d for %s", used, d)
		}
	}
	m.mu.Lock()
	m.capacity = make(map[calendar.Date]int, len(capacity))
	for d, used := range capacity {
		m.capacity[d] = used
	}
	payload := m.capacityLocked()
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventCapacity, Payload: payload})
	return nil
}

// SetCapacityDate updates one date in the mirror.
func (m *Manager) SetCapacityDate(d calendar.Date, used int) error {
	if used < 0 {
		return fmt.Errorf("negative used count %d for %s", used, d)
	}
	m.mu.Lock()
	if used == 0 {
		delete(m.capacity, d)
	} else {
		m.capacity[d] = used
	}
	payload := m.capacityLocked()
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventCapacity, Payload: payload})
	return nil
}

func (m *Manager) capacityLocked() map[string]int {
	out := make(map[string]int, len(m.capacity))
	for d, used := range m.capacity {
		out[d.String()] = used
	}
	return out
}

// Capacity returns a copy of the capacity mirror.
func (m *Manager) Capacity() map[calendar.Date]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[calendar.Date]int, len(m.capacity))
	for d, used := range m.capacity {
		out[d] = used
	}
	return out
}

// --- Active tasks ---

// AddActiveTask inserts a task. Insertion is idempotent by OrderID: a
// duplicate add is a no-op and returns false.
func (m *Manager) AddActiveTask(t ActiveTask) (bool, error) {
	if t.OrderID == "" {
		return false, fmt.Errorf("active task requires an orderId")
	}
	if t.AmountWords < 0 {
		return false, fmt.Errorf("active task %s has negative word count", t.OrderID)
	}
	if t.AddedAt.IsZero() {
		t.AddedAt = time.Now()
	}

	m.mu.Lock()
	for _, existing := range m.tasks {
		if existing.OrderID == t.OrderID {
			m.mu.Unlock()
			return false, nil
		}
	}
	m.tasks = append(m.tasks, t.clone())
	payload := m.tasksLocked()
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventTasks, Payload: payload})
	return true, nil
}

// RemoveActiveTask deletes the task with the given OrderID, reporting
// whether it existed.
func (m *Manager) RemoveActiveTask(orderID string) bool {
	m.mu.Lock()
	idx := -1
	for i, t := range m.tasks {
		if t.OrderID == orderID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.tasks = append(m.tasks[:idx], m.tasks[idx+1:]...)
	payload := m.tasksLocked()
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventTasks, Payload: payload})
	return true
}

// SetActiveTasks replaces the whole task list (used by status sync).
func (m *Manager) SetActiveTasks(tasks []ActiveTask) error {
	for _, t := range tasks {
		if t.OrderID == "" {
			return fmt.Errorf("active task requires an orderId")
		}
	}
	m.mu.Lock()
	m.tasks = make([]ActiveTask, 0, len(tasks))
	for _, t := range tasks {
		m.tasks = append(m.tasks, t.clone())
	}
	payload := m.tasksLocked()
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventTasks, Payload: payload})
	return nil
}

func (m *Manager) tasksLocked() []ActiveTask {
	out := make([]ActiveTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.clone())
	}
	return out
}

// ActiveTasks returns a deep copy of the task list.
func (m *Manager) ActiveTasks() []ActiveTask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasksLocked()
}

// --- Subsystem summaries ---

// SetBrowserPool updates the pool summary (runtime-only).
func (m *Manager) SetBrowserPool(s BrowserPoolStatus) {
	m.mu.Lock()
	m.pool = s
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventBrowserPool, Payload: s})
}

// BrowserPool returns the current pool summary.
func (m *Manager) BrowserPool() BrowserPoolStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pool
}

// SetIMAP updates the mail-listener summary (runtime-only).
func (m *Manager) SetIMAP(s mail.ListenerStatus) {
	m.mu.Lock()
	m.imap = s
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventIMAP, Payload: s})
}

// IMAP returns the current mail-listener summary.
func (m *Manager) IMAP() mail.ListenerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.imap
}

// --- System status ---

// SetSystemStatus moves the daemon through its lifecycle phases.
func (m *Manager) SetSystemStatus(s SystemStatus) {
	m.mu.Lock()
	m.system.Status = s
	payload := m.systemLocked()
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventSystem, Payload: payload})
}

// SetLastError records the most recent error message with a timestamp.
func (m *Manager) SetLastError(msg string) {
	m.mu.Lock()
	m.system.LastError = &LastError{Message: msg, At: time.Now()}
	payload := m.systemLocked()
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventSystem, Payload: payload})
}

func (m *Manager) systemLocked() SystemInfo {
	info := m.system
	if info.LastError != nil {
		le := *info.LastError
		info.LastError = &le
	}
	return info
}

// System returns a copy of the system block.
func (m *Manager) System() SystemInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.systemLocked()
}

// --- Snapshot, reset, persistence ---

// GetSnapshot returns a full deep copy suitable for first-connection sync.
func (m *Manager) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Capacity:    m.capacityLocked(),
		ActiveTasks: m.tasksLocked(),
		BrowserPool: m.pool,
		IMAP:        m.imap,
		System:      m.systemLocked(),
		SavedAt:     time.Now(),
	}
}

// Reset clears capacity and tasks and publishes state:reset.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.capacity = make(map[calendar.Date]int)
	m.tasks = nil
	m.system.LastError = nil
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventReset})
}

// SaveToFile writes capacity, active tasks and the system block to the
// state file.
func (m *Manager) SaveToFile() error {
	m.mu.RLock()
	persisted := persistedState{
		Capacity:    m.capacityLocked(),
		ActiveTasks: m.tasksLocked(),
		System:      m.systemLocked(),
		SavedAt:     time.Now(),
	}
	m.mu.RUnlock()

	b, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", m.path, err)
	}
	return os.Rename(tmp, m.path)
}

// LoadFromFile restores capacity, active tasks and lastError from the
// state file. StartTime and the runtime-only pool/IMAP summaries are left
// untouched. A missing file is not an error.
func (m *Manager) LoadFromFile() error {
	b, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", m.path, err)
	}
	var persisted persistedState
	if err := json.Unmarshal(b, &persisted); err != nil {
		return fmt.Errorf("parsing %s: %w", m.path, err)
	}

	capacity := make(map[calendar.Date]int, len(persisted.Capacity))
	for k, used := range persisted.Capacity {
		d, err := calendar.ParseDate(k)
		if err != nil {
			return fmt.Errorf("bad capacity key in %s: %w", m.path, err)
		}
		capacity[d] = used
	}

	m.mu.Lock()
	m.capacity = capacity
	m.tasks = persisted.ActiveTasks
	m.system.LastError = persisted.System.LastError
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"tasks":   len(persisted.ActiveTasks),
		"dates":   len(capacity),
		"savedAt": persisted.SavedAt,
	}).Info("state restored from disk")
	return nil
}
