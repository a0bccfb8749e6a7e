package capacity

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go"
)

const alertedSuffix = "_alertedSteps"

// Quota tracks the running total of accepted words inside a daily window
// that rolls over at a configured hour, persisted as wordQuota.json.
// Window keys look like "2026-01-28-6h". Crossing a multiple of the alert
// step is reported exactly once per window, surviving restarts.
type Quota struct {
	path      string
	resetHour int
	alertStep int

	mu  sync.Mutex
	now func() time.Time
}

// NewQuota returns a Quota resetting at resetHour local time and alerting
// every alertStep words.
func NewQuota(path string, resetHour, alertStep int) *Quota {
	return &Quota{path: path, resetHour: resetHour, alertStep: alertStep, now: time.Now}
}

// windowKey names the current quota window. Days flip at resetHour, so an
// acceptance at 03:00 with a 6h reset still counts against yesterday.
func (q *Quota) windowKey(now time.Time) string {
	if now.Hour() < q.resetHour {
		now = now.AddDate(0, 0, -1)
	}
	return fmt.Sprintf("%s-%dh", now.Format("2006-01-02"), q.resetHour)
}

type quotaFile map[string]json.RawMessage

func (q *Quota) load() (quotaFile, error) {
	var file quotaFile
	err := retry.Do(func() error {
		b, err := os.ReadFile(q.path)
		if os.IsNotExist(err) {
			file = quotaFile{}
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(b, &file)
	}, retry.Attempts(ioAttempts), retry.Delay(ioDelay), retry.DelayType(retry.FixedDelay), retry.LastErrorOnly(true))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", q.path, err)
	}
	return file, nil
}

func (q *Quota) store(file quotaFile) error {
	b, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	err = retry.Do(func() error {
		tmp := q.path + ".tmp"
		if err := os.WriteFile(tmp, b, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, q.path)
	}, retry.Attempts(ioAttempts), retry.Delay(ioDelay), retry.DelayType(retry.FixedDelay), retry.LastErrorOnly(true))
	if err != nil {
		return fmt.Errorf("writing %s: %w", q.path, err)
	}
	return nil
}

// Add records words against the current window and returns the alert
// steps newly crossed (word totals, e.g. 10000, 20000) plus the window's
// running total. Stale windows are rotated out on every call.
func (q *Quota) Add(words int) (crossed []int, total int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	file, err := q.load()
	if err != nil {
		return nil, 0, err
	}

	key := q.windowKey(q.now())
	// Rotate: drop every entry not belonging to the current window.
	for k := range file {
		if k != key && k != key+alertedSuffix {
			delete(file, k)
		}
	}

	var current int
	if raw, ok := file[key]; ok {
		if err := json.Unmarshal(raw, &current); err != nil {
			return nil, 0, fmt.Errorf("bad quota entry %q: %w", key, err)
		}
	}
	var alerted []int
	if raw, ok := file[key+alertedSuffix]; ok {
		if err := json.Unmarshal(raw, &alerted); err != nil {
			return nil, 0, fmt.Errorf("bad quota entry %q: %w", key+alertedSuffix, err)
		}
	}

	total = current + words
	if q.alertStep > 0 {
		alreadyAlerted := make(map[int]bool, len(alerted))
		for _, a := range alerted {
			alreadyAlerted[a] = true
		}
		for step := q.alertStep; step <= total; step += q.alertStep {
			if step > current && !alreadyAlerted[step] {
				crossed = append(crossed, step)
				alerted = append(alerted, step)
			}
		}
	}

	totalRaw, _ := json.Marshal(total)
	alertedRaw, _ := json.Marshal(alerted)
	file[key] = totalRaw
	file[key+alertedSuffix] = alertedRaw
	if err := q.store(file); err != nil {
		return nil, 0, err
	}
	return crossed, total, nil
}

// Total returns the current window's running total without mutating it.
func (q *Quota) Total() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	file, err := q.load()
	if err != nil {
		return 0, err
	}
	key := q.windowKey(q.now())
	raw, ok := file[key]
	if !ok {
		return 0, nil
	}
	var total int
	if err := json.Unmarshal(raw, &total); err != nil {
		return 0, fmt.Errorf("bad quota entry %q: %w", key, err)
	}
	return total, nil
}

// WindowKey exposes the current window's key, mostly for diagnostics.
func (q *Quota) WindowKey() string {
	return q.windowKey(q.now())
}
