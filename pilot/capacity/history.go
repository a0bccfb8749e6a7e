package capacity

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"github.com/itskum47/wordpilot/pilot/calendar"
)

// historyRetention is how far back capacityHistory.json reaches; older
// records are trimmed on every write.
const historyRetention = 90 * 24 * time.Hour

// HistoryRecord is one completed allocation, used to learn how long work
// of a given size actually takes.
type HistoryRecord struct {
	Date             calendar.Date `json:"date"`
	OrderID          string        `json:"orderId"`
	AllocatedWords   int           `json:"allocatedWords"`
	CompletionTimeMs int64         `json:"completionTimeMs"`
	Timestamp        time.Time     `json:"timestamp"`
}

// History is the append-only capacityHistory.json learner feed.
type History struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewHistory returns a History persisting to path.
func NewHistory(path string) *History {
	return &History{path: path, now: time.Now}
}

func (h *History) load() ([]HistoryRecord, error) {
	var records []HistoryRecord
	err := retry.Do(func() error {
		b, err := os.ReadFile(h.path)
		if os.IsNotExist(err) {
			records = nil
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(b, &records)
	}, retry.Attempts(ioAttempts), retry.Delay(ioDelay), retry.DelayType(retry.FixedDelay), retry.LastErrorOnly(true))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", h.path, err)
	}
	return records, nil
}

func (h *History) store(records []HistoryRecord) error {
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	err = retry.Do(func() error {
		tmp := h.path + ".tmp"
		if err := os.WriteFile(tmp, b, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, h.path)
	}, retry.Attempts(ioAttempts), retry.Delay(ioDelay), retry.DelayType(retry.FixedDelay), retry.LastErrorOnly(true))
	if err != nil {
		return fmt.Errorf("writing %s: %w", h.path, err)
	}
	return nil
}

// Append adds a record, trimming everything older than the retention
// window in the same write.
func (h *History) Append(rec HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	records, err := h.load()
	if err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = h.now()
	}
	records = append(records, rec)

	cutoff := h.now().Add(-historyRetention)
	kept := records[:0]
	for _, r := range records {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	return h.store(kept)
}

// Records returns a copy of the retained history.
func (h *History) Records() ([]HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	records, err := h.load()
	if err != nil {
		return nil, err
	}
	out := make([]HistoryRecord, len(records))
	copy(out, records)
	return out, nil
}

// AvgMsPerKiloWord returns the mean completion time per thousand words
// over the retained history, or 0 when there is no usable data.
func (h *History) AvgMsPerKiloWord() (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	records, err := h.load()
	if err != nil {
		return 0, err
	}
	var totalMs, totalWords int64
	for _, r := range records {
		if r.AllocatedWords <= 0 || r.CompletionTimeMs <= 0 {
			continue
		}
		totalMs += r.CompletionTimeMs
		totalWords += int64(r.AllocatedWords)
	}
	if totalWords == 0 {
		return 0, nil
	}
	return float64(totalMs) * 1000 / float64(totalWords), nil
}
