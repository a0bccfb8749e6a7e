// Package accept decides whether a work offer fits the calendar and the
// daily capacity budget. Decisions are values, not errors: every offer
// maps to exactly one tagged Result that downstream code can act on and
// the dashboard can display.
package accept

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itskum47/wordpilot/pilot/allocator"
	"github.com/itskum47/wordpilot/pilot/calendar"
	"github.com/itskum47/wordpilot/pilot/mail"
)

// Code tags the outcome of an evaluation.
type Code string

const (
	AcceptedNormal         Code = "ACCEPTED_NORMAL"
	AcceptedUrgentInHours  Code = "ACCEPTED_URGENT_IN_HOURS"
	RejectUrgentOutOfHours Code = "REJECT_URGENT_OUT_OF_HOURS"
	RejectCapacity         Code = "REJECT_CAPACITY"
	RejectInvalidDeadline  Code = "REJECT_INVALID_DEADLINE"
)

// Result is the full evaluation outcome. Every variant carries the same
// diagnostic fields; Plan is partial (and TotalPlanned short of the offer)
// on RejectCapacity, empty on the other rejections.
type Result struct {
	Code              Code           `json:"code"`
	RawDeadline       time.Time      `json:"rawDeadline"`
	EffectiveDeadline time.Time      `json:"effectiveDeadline,omitzero"`
	Urgent            bool           `json:"urgent"`
	InWorkingHours    bool           `json:"inWorkingHours"`
	Plan              allocator.Plan `json:"allocationPlan"`
	TotalPlanned      int            `json:"totalPlanned"`
	Message           string         `json:"message"`
}

// Accepted reports whether the result is one of the accept variants.
func (r Result) Accepted() bool {
	return r.Code == AcceptedNormal || r.Code == AcceptedUrgentInHours
}

// Policy holds the acceptance knobs. Working hours are the half-open
// range [WorkStartHour, WorkEndHour).
type Policy struct {
	WorkStartHour        int
	WorkEndHour          int
	UrgentHoursThreshold float64
	ShiftNightDeadline   bool
}

// DefaultPolicy mirrors the team's standing configuration.
func DefaultPolicy() Policy {
	return Policy{
		WorkStartHour:        10,
		WorkEndHour:          19,
		UrgentHoursThreshold: 6,
		ShiftNightDeadline:   true,
	}
}

// deadlineLayouts are the timestamp shapes the platform is known to emit.
var deadlineLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// Engine evaluates offers against the calendar and capacity via the
// allocator. Clock and location are injected so tests can pin "now".
type Engine struct {
	Alloc *allocator.Allocator
	Loc   *time.Location
	Now   func() time.Time
}

// NewEngine returns an Engine using the given allocator in loc.
func NewEngine(alloc *allocator.Allocator, loc *time.Location) *Engine {
	return &Engine{Alloc: alloc, Loc: loc, Now: time.Now}
}

func (e *Engine) parseDeadline(raw string) (time.Time, error) {
	for _, layout := range deadlineLayouts {
		if t, err := time.ParseInLocation(layout, raw, e.Loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized deadline %q", raw)
}

// Evaluate maps an offer to an acceptance decision under pol.
func (e *Engine) Evaluate(offer mail.TaskOffer, pol Policy) Result {
	now := e.Now().In(e.Loc)

	deadline, err := e.parseDeadline(offer.PlannedEndDate)
	if err != nil {
		return Result{
			Code:    RejectInvalidDeadline,
			Plan:    allocator.Plan{},
			Message: err.Error(),
		}
	}

	// A deadline of exactly midnight means "end of the previous day".
	if deadline.Hour() == 0 && deadline.Minute() == 0 && deadline.Second() == 0 {
		deadline = deadline.Add(-time.Minute)
	}

	hoursToDeadline := deadline.Sub(now).Hours()
	urgent := hoursToDeadline <= pol.UrgentHoursThreshold
	inWorkingHours := deadline.Hour() >= pol.WorkStartHour && deadline.Hour() < pol.WorkEndHour

	if urgent && !inWorkingHours {
		return Result{
			Code:           RejectUrgentOutOfHours,
			RawDeadline:    deadline,
			Urgent:         true,
			InWorkingHours: false,
			Plan:           allocator.Plan{},
			Message: fmt.Sprintf("urgent deadline %s falls outside working hours [%d, %d)",
				deadline.Format("2006-01-02 15:04"), pol.WorkStartHour, pol.WorkEndHour),
		}
	}

	// Deadlines in the small hours cannot be worked the same night; shift
	// them back to the end of the previous working day.
	effective := deadline
	if pol.ShiftNightDeadline && deadline.Hour() < pol.WorkStartHour {
		y, m, d := deadline.AddDate(0, 0, -1).Date()
		effective = time.Date(y, m, d, 23, 59, 0, 0, e.Loc)
	}

	excludeToday := now.Hour() >= pol.WorkEndHour

	plan := e.Alloc.Allocate(offer.AmountWords, calendar.DateOf(now), calendar.DateOf(effective), excludeToday)
	total := plan.Total()

	logger := log.WithFields(log.Fields{
		"orderId": offer.OrderID,
		"words":   offer.AmountWords,
		"urgent":  urgent,
		"planned": total,
	})

	if total < offer.AmountWords {
		logger.Info("offer rejected: insufficient capacity")
		return Result{
			Code:              RejectCapacity,
			RawDeadline:       deadline,
			EffectiveDeadline: effective,
			Urgent:            urgent,
			InWorkingHours:    inWorkingHours,
			Plan:              plan,
			TotalPlanned:      total,
			Message: fmt.Sprintf("only %d of %d words fit before %s",
				total, offer.AmountWords, effective.Format("2006-01-02")),
		}
	}

	code := AcceptedNormal
	msg := fmt.Sprintf("accepted %d words across %d days", total, len(plan))
	if urgent {
		code = AcceptedUrgentInHours
		msg = fmt.Sprintf("accepted urgent %d words (%.1fh to deadline)", total, hoursToDeadline)
	}
	logger.Info("offer accepted")
	return Result{
		Code:              code,
		RawDeadline:       deadline,
		EffectiveDeadline: effective,
		Urgent:            urgent,
		InWorkingHours:    inWorkingHours,
		Plan:              plan,
		TotalPlanned:      total,
		Message:           msg,
	}
}
