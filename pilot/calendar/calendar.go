// Package calendar classifies dates as working or non-working days for the
// translation team, honoring weekends, extra holidays and per-date overrides
// loaded from a holidays file.
package calendar

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Date is a calendar date in the team's local time zone. It carries no
// instant and no offset; all scheduling math operates on Dates.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf truncates an instant to its calendar date in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a "YYYY-MM-DD" string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Time returns midnight of d in the given location.
func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays returns d shifted by n calendar days, normalized.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

func (d Date) Weekday() time.Weekday {
	return d.Time(time.UTC).Weekday()
}

func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

func (d Date) After(o Date) bool  { return o.Before(d) }
func (d Date) Equal(o Date) bool  { return d == o }
func (d Date) IsZero() bool       { return d == Date{} }

// MarshalJSON encodes the date as a "YYYY-MM-DD" string so the persisted
// capacity and override maps stay human-editable.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// holidayFile is the on-disk shape of holidays.json.
type holidayFile struct {
	ExtraHolidays   []string          `json:"extraHolidays"`
	WorkingHolidays []string          `json:"workingHolidays"`
	HolidayNames    map[string]string `json:"holidayNames,omitempty"`
}

// Calendar answers business-day queries. The backing holidays file is
// re-read whenever its modification time changes; an fsnotify watcher
// nudges the reload early when available. Safe for concurrent use.
type Calendar struct {
	path string

	mu       sync.RWMutex
	extra    map[Date]bool
	working  map[Date]bool
	names    map[Date]string
	loadedAt time.Time // mtime of the file at last load

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New returns a Calendar backed by the holidays file at path. A missing
// file is not an error: the calendar then knows only weekends.
func New(path string) *Calendar {
	c := &Calendar{
		path:    path,
		extra:   make(map[Date]bool),
		working: make(map[Date]bool),
		names:   make(map[Date]string),
		done:    make(chan struct{}),
	}
	if err := c.reload(); err != nil {
		log.WithError(err).WithField("path", path).Warn("holiday file unreadable, using weekends only")
	}

	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(path); err == nil {
			c.watcher = w
			go c.watch()
		} else {
			w.Close()
		}
	}
	return c
}

func (c *Calendar) watch() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := c.reload(); err != nil {
					log.WithError(err).Warn("holiday file reload failed")
				}
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("holiday file watcher error")
		}
	}
}

// Close stops the file watcher. Queries keep working with the last
// loaded holiday sets.
func (c *Calendar) Close() {
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close()
	}
}

func (c *Calendar) reload() error {
	info, err := os.Stat(c.path)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.path, err)
	}
	var file holidayFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", c.path, err)
	}

	extra := make(map[Date]bool, len(file.ExtraHolidays))
	working := make(map[Date]bool, len(file.WorkingHolidays))
	names := make(map[Date]string, len(file.HolidayNames))
	for _, s := range file.ExtraHolidays {
		d, err := ParseDate(s)
		if err != nil {
			return err
		}
		extra[d] = true
	}
	for _, s := range file.WorkingHolidays {
		d, err := ParseDate(s)
		if err != nil {
			return err
		}
		working[d] = true
	}
	for s, name := range file.HolidayNames {
		d, err := ParseDate(s)
		if err != nil {
			return err
		}
		names[d] = name
	}

	c.mu.Lock()
	c.extra = extra
	c.working = working
	c.names = names
	c.loadedAt = info.ModTime()
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"extra":   len(extra),
		"working": len(working),
	}).Debug("holiday sets loaded")
	return nil
}

// maybeReload re-reads the file when its mtime moved past the last load.
// Cheap stat on the read path keeps the sets fresh even when the fsnotify
// watcher could not be established.
func (c *Calendar) maybeReload() {
	info, err := os.Stat(c.path)
	if err != nil {
		return
	}
	c.mu.RLock()
	stale := info.ModTime().After(c.loadedAt)
	c.mu.RUnlock()
	if stale {
		if err := c.reload(); err != nil {
			log.WithError(err).Warn("holiday file reload failed")
		}
	}
}

// IsBusinessDay reports whether d is a working day: not a weekend, and not
// an extra holiday unless d is in the working-holiday override set.
// Working-holiday overrides do not override weekends.
func (c *Calendar) IsBusinessDay(d Date) bool {
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	c.maybeReload()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.working[d] {
		return true
	}
	return !c.extra[d]
}

// HolidayName returns the human name of the holiday on d, or "" when d is
// not a named holiday.
func (c *Calendar) HolidayName(d Date) string {
	c.maybeReload()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.names[d]
}
