// Package allocator spreads a task's word count across eligible business
// days under per-day capacity limits. It only ever reads capacity; applying
// or releasing an accepted plan is the capacity store's job.
package allocator

import (
	"sort"

	"github.com/itskum47/wordpilot/pilot/calendar"
)

// DefaultUrgentDaysThreshold is the window size below which the allocator
// front-loads work instead of balancing it.
const DefaultUrgentDaysThreshold = 3

// Entry assigns a word amount to one business day.
type Entry struct {
	Date   calendar.Date `json:"date"`
	Amount int           `json:"amount"`
}

// Plan is an allocation plan: entries sorted ascending by date, dates
// unique, every amount >= 1. A plan whose Total is short of the requested
// word count is infeasible and must not be applied.
type Plan []Entry

// Total returns the sum of allocated words.
func (p Plan) Total() int {
	var sum int
	for _, e := range p {
		sum += e.Amount
	}
	return sum
}

// Clone returns an independent copy of the plan.
func (p Plan) Clone() Plan {
	if p == nil {
		return nil
	}
	out := make(Plan, len(p))
	copy(out, p)
	return out
}

func (p Plan) sortByDate() {
	sort.Slice(p, func(i, j int) bool { return p[i].Date.Before(p[j].Date) })
}

// BusinessDayer classifies dates as working days.
type BusinessDayer interface {
	IsBusinessDay(calendar.Date) bool
}

// CapacityReader reports remaining capacity, in words, for a date.
type CapacityReader interface {
	Remaining(calendar.Date) int
}

// Allocator produces allocation plans over the business days between today
// and a deadline.
type Allocator struct {
	Calendar BusinessDayer
	Capacity CapacityReader

	// UrgentDaysThreshold defaults to DefaultUrgentDaysThreshold when zero.
	UrgentDaysThreshold int
}

func New(cal BusinessDayer, cap CapacityReader) *Allocator {
	return &Allocator{Calendar: cal, Capacity: cap}
}

func (a *Allocator) urgentThreshold() int {
	if a.UrgentDaysThreshold > 0 {
		return a.UrgentDaysThreshold
	}
	return DefaultUrgentDaysThreshold
}

// Allocate spreads required words across the business days in
// [today, deadline], minus today when excludeToday is set.
//
// With fewer eligible days than the urgent threshold it walks the days in
// order and front-loads as much as fits. Otherwise it targets an even
// ceil(required/len(days)) per day, then runs a second fill pass over the
// dates with the most slack for whatever the even pass could not place.
//
// The returned plan is sorted ascending by date. Callers must check
// Total() against required: a short plan means the request does not fit.
func (a *Allocator) Allocate(required int, today, deadline calendar.Date, excludeToday bool) Plan {
	if required <= 0 || deadline.Before(today) {
		return Plan{}
	}

	var dates []calendar.Date
	for d := today; !d.After(deadline); d = d.AddDays(1) {
		if excludeToday && d.Equal(today) {
			continue
		}
		if a.Calendar.IsBusinessDay(d) {
			dates = append(dates, d)
		}
	}
	if len(dates) == 0 {
		return Plan{}
	}

	if len(dates) < a.urgentThreshold() {
		return a.allocateUrgent(required, dates)
	}
	return a.allocateBalanced(required, dates)
}

// allocateUrgent front-loads: earliest days take as much as they can hold.
func (a *Allocator) allocateUrgent(required int, dates []calendar.Date) Plan {
	plan := Plan{}
	need := required
	for _, d := range dates {
		if need == 0 {
			break
		}
		take := min(need, a.Capacity.Remaining(d))
		if take <= 0 {
			continue
		}
		plan = append(plan, Entry{Date: d, Amount: take})
		need -= take
	}
	plan.sortByDate()
	return plan
}

// allocateBalanced spreads evenly, then fills remaining need into the days
// with the most slack left after the first pass.
func (a *Allocator) allocateBalanced(required int, dates []calendar.Date) Plan {
	perDay := (required + len(dates) - 1) / len(dates)

	allocated := make(map[calendar.Date]int, len(dates))
	need := required
	for _, d := range dates {
		if need == 0 {
			break
		}
		take := min(perDay, need, a.Capacity.Remaining(d))
		if take <= 0 {
			continue
		}
		allocated[d] = take
		need -= take
	}

	if need > 0 {
		// Second pass: rank remaining slack descending, break ties by the
		// earlier date, and fill greedily.
		type slackEntry struct {
			date  calendar.Date
			slack int
		}
		var slack []slackEntry
		for _, d := range dates {
			s := a.Capacity.Remaining(d) - allocated[d]
			if s > 0 {
				slack = append(slack, slackEntry{date: d, slack: s})
			}
		}
		sort.Slice(slack, func(i, j int) bool {
			if slack[i].slack != slack[j].slack {
				return slack[i].slack > slack[j].slack
			}
			return slack[i].date.Before(slack[j].date)
		})
		for _, s := range slack {
			if need == 0 {
				break
			}
			take := min(need, s.slack)
			allocated[s.date] += take
			need -= take
		}
	}

	plan := make(Plan, 0, len(allocated))
	for d, amount := range allocated {
		if amount > 0 {
			plan = append(plan, Entry{Date: d, Amount: amount})
		}
	}
	plan.sortByDate()
	return plan
}
