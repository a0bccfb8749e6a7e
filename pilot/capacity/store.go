// Package capacity owns the persisted per-date word counts and cap
// overrides. Both live as small JSON documents shared with sibling
// processes, so every read-modify-write happens under an advisory file
// lock: reload, apply the delta, write back.
package capacity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"github.com/itskum47/wordpilot/pilot/allocator"
	"github.com/itskum47/wordpilot/pilot/calendar"
)

// DefaultCap is the per-day word limit when no override is set.
const DefaultCap = 12000

const (
	lockTimeout   = 5 * time.Second
	lockPollEvery = 50 * time.Millisecond

	ioAttempts = 3
	ioDelay    = 100 * time.Millisecond
)

// Store is the durable capacity map plus per-date cap overrides.
type Store struct {
	capacityPath string
	overridePath string
	defaultCap   int

	// mu serializes in-process callers; the flock serializes processes.
	mu    sync.Mutex
	flock *flock.Flock
}

// Option configures a Store.
type Option func(*Store)

// WithDefaultCap overrides the built-in per-day cap.
func WithDefaultCap(words int) Option {
	return func(s *Store) { s.defaultCap = words }
}

// NewStore returns a Store persisting capacity.json and overrides.json
// under dir, guarded by a shared capacity.lock in the same directory.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		capacityPath: filepath.Join(dir, "capacity.json"),
		overridePath: filepath.Join(dir, "overrides.json"),
		defaultCap:   DefaultCap,
		flock:        flock.New(filepath.Join(dir, "capacity.lock")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultCap returns the cap used for dates without an override.
func (s *Store) DefaultCap() int { return s.defaultCap }

// withLock runs fn holding both the in-process mutex and the advisory
// file lock.
func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	ok, err := s.flock.TryLockContext(ctx, lockPollEvery)
	if err != nil {
		return fmt.Errorf("acquiring capacity lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("capacity lock held elsewhere after %s", lockTimeout)
	}
	defer s.flock.Unlock()

	return fn()
}

func readDateMap(path string) (map[calendar.Date]int, error) {
	var raw map[string]int
	err := retry.Do(func() error {
		b, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			raw = map[string]int{}
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(b, &raw)
	}, retry.Attempts(ioAttempts), retry.Delay(ioDelay), retry.DelayType(retry.FixedDelay), retry.LastErrorOnly(true))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	out := make(map[calendar.Date]int, len(raw))
	for k, v := range raw {
		d, err := calendar.ParseDate(k)
		if err != nil {
			return nil, fmt.Errorf("bad date key in %s: %w", path, err)
		}
		out[d] = v
	}
	return out, nil
}

func writeDateMap(path string, m map[calendar.Date]int) error {
	raw := make(map[string]int, len(m))
	for d, v := range m {
		raw[d.String()] = v
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	err = retry.Do(func() error {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, b, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	}, retry.Attempts(ioAttempts), retry.Delay(ioDelay), retry.DelayType(retry.FixedDelay), retry.LastErrorOnly(true))
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Used returns the used word count for a date (0 when unknown).
func (s *Store) Used(d calendar.Date) int {
	var used int
	err := s.withLock(func() error {
		m, err := readDateMap(s.capacityPath)
		if err != nil {
			return err
		}
		used = m[d]
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("date", d.String()).Error("capacity read failed")
		return 0
	}
	return used
}

// CapOf returns the effective per-day cap: the override for d when one is
// set, the default otherwise.
func (s *Store) CapOf(d calendar.Date) int {
	var limit int
	err := s.withLock(func() error {
		overrides, err := readDateMap(s.overridePath)
		if err != nil {
			return err
		}
		if v, ok := overrides[d]; ok {
			limit = v
		} else {
			limit = s.defaultCap
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("date", d.String()).Error("override read failed")
		return s.defaultCap
	}
	return limit
}

// Remaining returns max(0, capOf(d) - used(d)). It satisfies
// allocator.CapacityReader; read failures count as zero remaining so a
// broken disk can never over-accept work.
func (s *Store) Remaining(d calendar.Date) int {
	var remaining int
	err := s.withLock(func() error {
		used, err := readDateMap(s.capacityPath)
		if err != nil {
			return err
		}
		overrides, err := readDateMap(s.overridePath)
		if err != nil {
			return err
		}
		limit := s.defaultCap
		if v, ok := overrides[d]; ok {
			limit = v
		}
		remaining = limit - used[d]
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("date", d.String()).Error("capacity read failed")
		return 0
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Apply adds each plan entry's amount to its date's used count.
func (s *Store) Apply(plan allocator.Plan) error {
	return s.withLock(func() error {
		m, err := readDateMap(s.capacityPath)
		if err != nil {
			return err
		}
		for _, e := range plan {
			m[e.Date] += e.Amount
		}
		return writeDateMap(s.capacityPath, m)
	})
}

// Release subtracts each plan entry's amount from its date's used count,
// clamped at zero. Dates that drop to zero are pruned.
func (s *Store) Release(plan allocator.Plan) error {
	return s.withLock(func() error {
		m, err := readDateMap(s.capacityPath)
		if err != nil {
			return err
		}
		for _, e := range plan {
			next := m[e.Date] - e.Amount
			if next <= 0 {
				delete(m, e.Date)
			} else {
				m[e.Date] = next
			}
		}
		return writeDateMap(s.capacityPath, m)
	})
}

// Adjust mutates one date's used count by a signed delta, clamped at zero.
func (s *Store) Adjust(d calendar.Date, delta int) error {
	return s.withLock(func() error {
		m, err := readDateMap(s.capacityPath)
		if err != nil {
			return err
		}
		next := m[d] + delta
		if next <= 0 {
			delete(m, d)
		} else {
			m[d] = next
		}
		return writeDateMap(s.capacityPath, m)
	})
}

// Reset empties the capacity map.
func (s *Store) Reset() error {
	return s.withLock(func() error {
		return writeDateMap(s.capacityPath, map[calendar.Date]int{})
	})
}

// UsedMap returns a copy of the whole capacity map.
func (s *Store) UsedMap() (map[calendar.Date]int, error) {
	var out map[calendar.Date]int
	err := s.withLock(func() error {
		m, err := readDateMap(s.capacityPath)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// Overrides returns a copy of the override map.
func (s *Store) Overrides() (map[calendar.Date]int, error) {
	var out map[calendar.Date]int
	err := s.withLock(func() error {
		m, err := readDateMap(s.overridePath)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// SetOverride replaces the cap for one date.
func (s *Store) SetOverride(d calendar.Date, maxWords int) error {
	return s.withLock(func() error {
		m, err := readDateMap(s.overridePath)
		if err != nil {
			return err
		}
		m[d] = maxWords
		return writeDateMap(s.overridePath, m)
	})
}

// RemoveOverride deletes the cap override for one date.
func (s *Store) RemoveOverride(d calendar.Date) error {
	return s.withLock(func() error {
		m, err := readDateMap(s.overridePath)
		if err != nil {
			return err
		}
		delete(m, d)
		return writeDateMap(s.overridePath, m)
	})
}

// DateChange records one date's used count before and after a sync.
type DateChange struct {
	Date   calendar.Date `json:"date"`
	Before int           `json:"before"`
	After  int           `json:"after"`
}

// SyncDiff summarizes what SyncWithActiveTasks changed.
type SyncDiff struct {
	Changed          []DateChange    `json:"changed"`
	DroppedOverrides []calendar.Date `json:"droppedOverrides"`
}

// SyncWithActiveTasks recomputes the capacity map from scratch as the sum
// of the given allocation plans, and drops override entries for dates
// before today. Returns the per-date differences against the previous map.
func (s *Store) SyncWithActiveTasks(plans []allocator.Plan, today calendar.Date) (SyncDiff, error) {
	var diff SyncDiff
	err := s.withLock(func() error {
		prev, err := readDateMap(s.capacityPath)
		if err != nil {
			return err
		}

		next := make(map[calendar.Date]int)
		for _, plan := range plans {
			for _, e := range plan {
				next[e.Date] += e.Amount
			}
		}

		dates := make(map[calendar.Date]bool, len(prev)+len(next))
		for d := range prev {
			dates[d] = true
		}
		for d := range next {
			dates[d] = true
		}
		for d := range dates {
			if prev[d] != next[d] {
				diff.Changed = append(diff.Changed, DateChange{Date: d, Before: prev[d], After: next[d]})
			}
		}
		sort.Slice(diff.Changed, func(i, j int) bool {
			return diff.Changed[i].Date.Before(diff.Changed[j].Date)
		})
		if err := writeDateMap(s.capacityPath, next); err != nil {
			return err
		}

		overrides, err := readDateMap(s.overridePath)
		if err != nil {
			return err
		}
		changed := false
		for d := range overrides {
			if d.Before(today) {
				diff.DroppedOverrides = append(diff.DroppedOverrides, d)
				delete(overrides, d)
				changed = true
			}
		}
		if changed {
			sort.Slice(diff.DroppedOverrides, func(i, j int) bool {
				return diff.DroppedOverrides[i].Before(diff.DroppedOverrides[j])
			})
			return writeDateMap(s.overridePath, overrides)
		}
		return nil
	})
	return diff, err
}
